package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuel-dispatch/internal/audit"
	"github.com/example/fuel-dispatch/internal/ledger"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/observability"
	"github.com/example/fuel-dispatch/internal/storage"
)

// ErrAlreadyExists is the idempotence guard: a request settles exactly once.
// Callers treat it as success-by-another-writer, not a true failure.
var ErrAlreadyExists = storage.ErrSettlementExists

// Gateway is the narrow external payment interface; the Stripe client in
// internal/payments satisfies it.
type Gateway interface {
	Capture(ctx context.Context, paymentRef string) error
}

// Service persists settlements and applies their ledger and earnings
// effects. Creation is one-shot per service request; concurrent attempts
// collapse to one success via the store's uniqueness constraint.
type Service struct {
	Settlements storage.SettlementStore
	Stations    storage.StationStore
	Workers     storage.WorkerStore
	Ledger      *ledger.Ledger
	Audit       *audit.Log
	Gateway     Gateway
	Clock       func() time.Time
}

// Settle computes and records the settlement for a completed assignment.
// The audit record is written before the row is committed so a crash in
// between is detectable and replayable; the unique constraint makes the
// replay idempotent. Ledger, earnings and worker effects run after the
// row commit and are finished on replay: settled_at marks them applied,
// so a retry after a rejected COD credit picks up where the first attempt
// stopped instead of stranding the row.
func (s *Service) Settle(ctx context.Context, a models.Assignment, req models.ServiceRequest, set models.PlatformSettings, tel models.WorkerTelemetry) (models.Settlement, error) {
	if existing, err := s.Settlements.GetSettlementByRequest(ctx, req.ID); err == nil {
		return s.replay(ctx, existing, a, req)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.Settlement{}, fmt.Errorf("check existing settlement: %w", err)
	}

	now := s.now()
	stl := Compute(a, req.FuelPricePerLitre, set, tel, now)
	stl.ID = uuid.NewString()
	if req.IsCOD {
		stl.CollectionMethod = "cash"
		stl.CollectedAt = &now
	}

	if s.Audit != nil {
		if err := s.Audit.Transition(ctx, "settlement", stl.ID, "settlement_calculated", a.WorkerID, nil, stl); err != nil {
			return models.Settlement{}, err
		}
	}
	if err := s.Settlements.CreateSettlement(ctx, &stl); err != nil {
		if errors.Is(err, storage.ErrSettlementExists) {
			existing, getErr := s.Settlements.GetSettlementByRequest(ctx, req.ID)
			if getErr != nil {
				return models.Settlement{}, fmt.Errorf("settlement exists but unreadable: %w", getErr)
			}
			return s.replay(ctx, existing, a, req)
		}
		return models.Settlement{}, fmt.Errorf("create settlement: %w", err)
	}

	if err := s.applyEffects(ctx, &stl, a, req); err != nil {
		return models.Settlement{}, err
	}

	observability.SettlementsTotal.Inc()
	observability.PlatformProfit.Add(float64(stl.PlatformProfit))
	return stl, nil
}

// replay finishes the financial effects of a settlement row whose first
// Settle attempt did not reach settled_at.
func (s *Service) replay(ctx context.Context, existing models.Settlement, a models.Assignment, req models.ServiceRequest) (models.Settlement, error) {
	if existing.SettledAt == nil && existing.Status == models.SettlementCalculated {
		if err := s.applyEffects(ctx, &existing, a, req); err != nil {
			return models.Settlement{}, err
		}
	}
	return existing, ErrAlreadyExists
}

// applyEffects moves the money the settlement row describes. The COD
// credit is keyed on the request id, so a replay after a partial failure
// never double-credits the station.
func (s *Service) applyEffects(ctx context.Context, stl *models.Settlement, a models.Assignment, req models.ServiceRequest) error {
	if req.IsCOD {
		if _, err := s.Ledger.Credit(ctx, a.FuelStationID, stl.CustomerAmount, req.ID); err != nil {
			return fmt.Errorf("cod credit: %w", err)
		}
	}
	if err := s.Stations.AddEarnings(ctx, a.FuelStationID, stl.FuelStationPayout, stl.FuelStationPayout); err != nil {
		return fmt.Errorf("station earnings: %w", err)
	}
	if s.Workers != nil {
		if err := s.Workers.AddWorkerPending(ctx, a.WorkerID, stl.WorkerPayout); err != nil {
			return fmt.Errorf("worker pending balance: %w", err)
		}
	}
	now := s.now()
	if err := s.Settlements.MarkSettlementApplied(ctx, stl.ID, now); err != nil {
		return fmt.Errorf("mark settlement applied: %w", err)
	}
	stl.SettledAt = &now
	return nil
}

// MarkPaid captures the held payment and moves the settlement to paid.
// A settlement already paid is left alone.
func (s *Service) MarkPaid(ctx context.Context, stl models.Settlement, paymentRef string) error {
	if stl.Status == models.SettlementPaid {
		return nil
	}
	if s.Gateway != nil && paymentRef != "" {
		if err := s.Gateway.Capture(ctx, paymentRef); err != nil {
			return fmt.Errorf("capture payment: %w", err)
		}
	}
	if s.Audit != nil {
		if err := s.Audit.Transition(ctx, "settlement", stl.ID, "settlement_paid", "platform", stl.Status, models.SettlementPaid); err != nil {
			return err
		}
	}
	return s.Settlements.UpdateSettlementStatus(ctx, stl.ID, models.SettlementPaid)
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}
