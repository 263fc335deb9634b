package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fuel-dispatch/internal/ledger"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/storage"
)

func baseSettings() models.PlatformSettings {
	return models.PlatformSettings{
		DeliveryFeeBase:        50,
		PlatformServiceFeePct:  5,
		WorkerBasePay:          30,
		WorkerPerKmRate:        8,
		WorkerSurgeShare:       0.5,
		WorkerWaitingPerMinute: 2,
		WorkerWaitingBonusCap:  60,
		WorkerMinimumGuarantee: 0,
	}
}

func baseAssignment() models.Assignment {
	return models.Assignment{
		ID:               "a1",
		ServiceRequestID: "r1",
		WorkerID:         "w1",
		FuelStationID:    "s1",
		FuelType:         models.FuelPetrol,
		Litres:           5,
		Status:           models.AssignmentCompleted,
	}
}

var noon = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestComputeBaseScenario(t *testing.T) {
	// fuel_cost=500, delivery=50, fee 5% of 550 = 27 (truncated), surge off
	set := baseSettings()
	stl := Compute(baseAssignment(), 100, set, models.WorkerTelemetry{}, noon)

	if stl.FuelCost != 500 {
		t.Fatalf("fuel_cost: expected 500, got %d", stl.FuelCost)
	}
	if stl.PlatformServiceFee != 27 {
		t.Fatalf("platform_service_fee: expected 27, got %d", stl.PlatformServiceFee)
	}
	if stl.SurgeFee != 0 {
		t.Fatalf("surge_fee: expected 0, got %d", stl.SurgeFee)
	}
	if stl.CustomerAmount != 577 {
		t.Fatalf("customer_amount: expected 577, got %d", stl.CustomerAmount)
	}
	if stl.FuelStationPayout != 500 {
		t.Fatalf("station payout: expected fuel cost, got %d", stl.FuelStationPayout)
	}
}

func TestComputeInvariants(t *testing.T) {
	set := baseSettings()
	set.SurgeEnabled = true
	set.SurgeNightStartHour = 22
	set.SurgeNightEndHour = 6
	set.SurgeNightMultiplier = 1.5
	set.SurgeRainMultiplier = 1.2
	tel := models.WorkerTelemetry{DistanceKm: 4.5, WaitingMinutes: 12, Rain: true, IncentiveBonus: 20, Penalty: 10}
	night := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)

	stl := Compute(baseAssignment(), 100, set, tel, night)

	if got := stl.FuelCost + stl.DeliveryFee + stl.PlatformServiceFee + stl.SurgeFee; got != stl.CustomerAmount {
		t.Fatalf("customer amount invariant broken: %d != %d", got, stl.CustomerAmount)
	}
	if got := stl.CustomerAmount - stl.FuelStationPayout - stl.WorkerPayout; got != stl.PlatformProfit {
		t.Fatalf("profit invariant broken: %d != %d", got, stl.PlatformProfit)
	}
	// night 1.5 * rain 1.2 = 1.8 -> surge = 550 * 0.8 = 440
	if stl.SurgeFee != 440 {
		t.Fatalf("surge_fee: expected 440, got %d", stl.SurgeFee)
	}
	if stl.WorkerSurgeBonus != 220 {
		t.Fatalf("worker surge bonus: expected 220, got %d", stl.WorkerSurgeBonus)
	}
}

func TestComputeSurgeDisabled(t *testing.T) {
	set := baseSettings()
	set.SurgeNightStartHour = 0
	set.SurgeNightEndHour = 24
	set.SurgeNightMultiplier = 3
	// SurgeEnabled is false, multipliers must not apply
	stl := Compute(baseAssignment(), 100, set, models.WorkerTelemetry{Rain: true, Emergency: true}, noon)
	if stl.SurgeFee != 0 {
		t.Fatalf("expected no surge when disabled, got %d", stl.SurgeFee)
	}
}

func TestComputeNightWindowCrossesMidnight(t *testing.T) {
	set := baseSettings()
	set.SurgeEnabled = true
	set.SurgeNightStartHour = 22
	set.SurgeNightEndHour = 6
	set.SurgeNightMultiplier = 1.5

	early := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	stl := Compute(baseAssignment(), 100, set, models.WorkerTelemetry{}, early)
	if stl.SurgeFee != 275 {
		t.Fatalf("3am is in the 22..6 window: expected 275, got %d", stl.SurgeFee)
	}
	day := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	stl = Compute(baseAssignment(), 100, set, models.WorkerTelemetry{}, day)
	if stl.SurgeFee != 0 {
		t.Fatalf("9am is outside the window: expected 0, got %d", stl.SurgeFee)
	}
}

func TestComputeWorkerPayoutComponents(t *testing.T) {
	set := baseSettings()
	tel := models.WorkerTelemetry{DistanceKm: 5, WaitingMinutes: 40, IncentiveBonus: 15, Penalty: 5}
	stl := Compute(baseAssignment(), 100, set, tel, noon)

	if stl.WorkerDistancePay != 40 {
		t.Fatalf("distance pay: expected 40, got %d", stl.WorkerDistancePay)
	}
	// 40 min * 2 = 80, capped at 60
	if stl.WorkerWaitingTimeBonus != 60 {
		t.Fatalf("waiting bonus: expected cap 60, got %d", stl.WorkerWaitingTimeBonus)
	}
	// 30 + 40 + 0 + 60 + 15 - 5 = 140
	if stl.WorkerPayout != 140 {
		t.Fatalf("worker payout: expected 140, got %d", stl.WorkerPayout)
	}
}

func TestComputeMinimumGuaranteeIsAFloor(t *testing.T) {
	set := baseSettings()
	set.WorkerMinimumGuarantee = 100
	stl := Compute(baseAssignment(), 100, set, models.WorkerTelemetry{}, noon)
	// computed 30 < 100 -> floor applies
	if stl.WorkerPayout != 100 {
		t.Fatalf("expected guarantee 100, got %d", stl.WorkerPayout)
	}

	tel := models.WorkerTelemetry{DistanceKm: 20}
	stl = Compute(baseAssignment(), 100, set, tel, noon)
	// computed 30+160=190 > 100 -> guarantee must not reduce it
	if stl.WorkerPayout != 190 {
		t.Fatalf("guarantee must not reduce payout, got %d", stl.WorkerPayout)
	}
}

func TestComputeNegativeProfitAllowed(t *testing.T) {
	set := baseSettings()
	set.WorkerMinimumGuarantee = 1000
	stl := Compute(baseAssignment(), 100, set, models.WorkerTelemetry{}, noon)
	if stl.PlatformProfit >= 0 {
		t.Fatalf("expected subsidized job, got profit %d", stl.PlatformProfit)
	}
	if got := stl.CustomerAmount - stl.FuelStationPayout - stl.WorkerPayout; got != stl.PlatformProfit {
		t.Fatalf("profit invariant broken on subsidy: %d != %d", got, stl.PlatformProfit)
	}
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	err := store.UpsertStation(context.Background(), models.FuelStation{ID: "s1", CODBalanceLimit: 50000})
	if err != nil {
		t.Fatal(err)
	}
	return &Service{
		Settlements: store,
		Stations:    store,
		Workers:     store,
		Ledger:      ledger.New(store, store, 0),
		Clock:       func() time.Time { return noon },
	}, store
}

func TestSettleIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := models.ServiceRequest{ID: "r1", FuelType: models.FuelPetrol, Litres: 5, FuelPricePerLitre: 100}

	first, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second call must return the one existing row")
	}
}

func TestSettleCODCreditsLedgerOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := models.ServiceRequest{ID: "r1", IsCOD: true, FuelType: models.FuelPetrol, Litres: 5, FuelPricePerLitre: 100}

	stl, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if err != nil {
		t.Fatal(err)
	}
	if stl.CollectionMethod != "cash" || stl.CollectedAt == nil {
		t.Fatalf("COD settlement must record collection, got %+v", stl)
	}
	if _, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatal("retry must not settle twice")
	}
	entries, err := store.LedgerEntries(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger effect applied %d times, want 1", len(entries))
	}
	if entries[0].RunningBalance != stl.CustomerAmount {
		t.Fatalf("expected running balance %d, got %d", stl.CustomerAmount, entries[0].RunningBalance)
	}
	s, _ := store.GetStation(ctx, "s1")
	if s.TotalEarnings != stl.FuelStationPayout {
		t.Fatalf("station earnings expected %d, got %d", stl.FuelStationPayout, s.TotalEarnings)
	}
}

func TestSettleCreditsWorkerPendingBalance(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := models.ServiceRequest{ID: "r1", FuelType: models.FuelPetrol, Litres: 5, FuelPricePerLitre: 100}

	stl, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if err != nil {
		t.Fatal(err)
	}
	w, err := store.GetWorker(ctx, baseAssignment().WorkerID)
	if err != nil {
		t.Fatal(err)
	}
	if w.PendingBalance != stl.WorkerPayout {
		t.Fatalf("worker pending balance expected %d, got %d", stl.WorkerPayout, w.PendingBalance)
	}
	// a retried settle must not credit again
	_, _ = svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	w, _ = store.GetWorker(ctx, baseAssignment().WorkerID)
	if w.PendingBalance != stl.WorkerPayout {
		t.Fatalf("retry credited the worker twice: %d", w.PendingBalance)
	}
}

func TestSettleReplayFinishesRejectedCredit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := models.ServiceRequest{ID: "r1", IsCOD: true, FuelType: models.FuelPetrol, Litres: 5, FuelPricePerLitre: 100}

	// station is almost at its COD limit; the credit is rejected after the
	// row commits
	if err := store.SetCODBalance(ctx, "s1", 49900); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{}); !errors.Is(err, ledger.ErrCODLimitExceeded) {
		t.Fatalf("expected ErrCODLimitExceeded, got %v", err)
	}
	stl, err := store.GetSettlementByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("settlement row must survive the rejected credit: %v", err)
	}
	if stl.SettledAt != nil {
		t.Fatal("effects must not be marked applied")
	}
	entries, _ := store.LedgerEntries(ctx, "s1")
	if len(entries) != 0 {
		t.Fatalf("rejected credit left %d entries", len(entries))
	}

	if err := store.SetCODBalance(ctx, "s1", 0); err != nil {
		t.Fatal(err)
	}
	replayed, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if replayed.SettledAt == nil {
		t.Fatal("replay must mark effects applied")
	}
	entries, _ = store.LedgerEntries(ctx, "s1")
	if len(entries) != 1 {
		t.Fatalf("replay applied the credit %d times, want 1", len(entries))
	}
	s, _ := store.GetStation(ctx, "s1")
	if s.TotalEarnings != replayed.FuelStationPayout {
		t.Fatalf("station earnings expected %d, got %d", replayed.FuelStationPayout, s.TotalEarnings)
	}
	w, _ := store.GetWorker(ctx, baseAssignment().WorkerID)
	if w.PendingBalance != replayed.WorkerPayout {
		t.Fatalf("worker pending expected %d, got %d", replayed.WorkerPayout, w.PendingBalance)
	}

	// a further replay finds settled_at set and skips the effects
	if _, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatal("second replay must be the idempotent hit")
	}
	entries, _ = store.LedgerEntries(ctx, "s1")
	if len(entries) != 1 {
		t.Fatalf("second replay double-applied: %d entries", len(entries))
	}
}

type captureRecorder struct {
	refs []string
}

func (c *captureRecorder) Capture(ctx context.Context, paymentRef string) error {
	c.refs = append(c.refs, paymentRef)
	return nil
}

func TestMarkPaidCapturesAndTransitions(t *testing.T) {
	svc, store := newTestService(t)
	gw := &captureRecorder{}
	svc.Gateway = gw
	ctx := context.Background()
	req := models.ServiceRequest{ID: "r1", FuelType: models.FuelPetrol, Litres: 5, FuelPricePerLitre: 100}

	stl, err := svc.Settle(ctx, baseAssignment(), req, baseSettings(), models.WorkerTelemetry{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkPaid(ctx, stl, "pay_123"); err != nil {
		t.Fatal(err)
	}
	if len(gw.refs) != 1 || gw.refs[0] != "pay_123" {
		t.Fatalf("gateway captures = %v, want [pay_123]", gw.refs)
	}
	got, err := store.GetSettlementByRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SettlementPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}

	// marking a paid settlement again must not capture twice
	if err := svc.MarkPaid(ctx, got, "pay_123"); err != nil {
		t.Fatal(err)
	}
	if len(gw.refs) != 1 {
		t.Fatalf("double capture: %v", gw.refs)
	}
}
