package models

import (
	"time"

	"github.com/example/fuel-dispatch/internal/money"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type FuelType string

const (
	FuelPetrol FuelType = "petrol"
	FuelDiesel FuelType = "diesel"
)

// ServiceRequest is a customer fuel-delivery order.
type ServiceRequest struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	Location   Coord         `json:"location"`
	FuelType   FuelType      `json:"fuel_type"`
	Litres     float64       `json:"litres"`
	IsCOD      bool          `json:"is_cod"`
	Status     RequestStatus `json:"status"`

	// Filled in at assignment time so settlement reproduces the price the
	// customer was quoted even if the station changes it later.
	FuelStationID     string       `json:"fuel_station_id,omitempty"`
	FuelPricePerLitre money.Amount `json:"fuel_price_per_litre,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FuelStation is a supply point workers are dispatched to.
type FuelStation struct {
	ID          string `json:"id"`
	StationName string `json:"station_name"`
	Location    Coord  `json:"location"`

	Open              bool `json:"is_open"`
	Verified          bool `json:"is_verified"`
	PlatformTrustFlag bool `json:"platform_trust_flag"`

	CODEnabled        bool         `json:"cod_enabled"`
	CODCurrentBalance money.Amount `json:"cod_current_balance"`
	CODBalanceLimit   money.Amount `json:"cod_balance_limit"`

	PricePerLitre map[FuelType]money.Amount `json:"price_per_litre"`
	StockLitres   map[FuelType]float64      `json:"stock_litres"`

	TotalEarnings money.Amount `json:"total_earnings"`
	PendingPayout money.Amount `json:"pending_payout"`

	LastStockUpdate time.Time `json:"last_stock_update"`
	Updated         time.Time `json:"updated"`
}

// Stock returns the available litres for a fuel type.
func (s FuelStation) Stock(ft FuelType) float64 {
	if s.StockLitres == nil {
		return 0
	}
	return s.StockLitres[ft]
}

// Price returns the per-litre price for a fuel type.
func (s FuelStation) Price(ft FuelType) money.Amount {
	if s.PricePerLitre == nil {
		return 0
	}
	return s.PricePerLitre[ft]
}

// Assignment binds a ServiceRequest to a FuelStation and a Worker. A request
// may accumulate several assignments over rejections; at most one is active.
type Assignment struct {
	ID               string           `json:"id"`
	ServiceRequestID string           `json:"service_request_id"`
	WorkerID         string           `json:"worker_id"`
	FuelStationID    string           `json:"fuel_station_id"`
	FuelType         FuelType         `json:"fuel_type"`
	Litres           float64          `json:"litres"`
	DistanceKm       float64          `json:"distance_km"`
	IsCOD            bool             `json:"is_cod"`
	Status           AssignmentStatus `json:"status"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	ReassignmentNum  int              `json:"reassignment_count"`
	ETASeconds       float64          `json:"eta_seconds,omitempty"`
	AssignedAt       time.Time        `json:"assigned_at"`
	PickedUpAt       time.Time        `json:"picked_up_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// CacheEntry is a derived, invalidatable record of the best station for a
// (worker, request) pair as of the worker location it was computed at.
// Entries are marked invalid rather than deleted so history replays.
type CacheEntry struct {
	ID               string     `json:"id"`
	WorkerID         string     `json:"worker_id"`
	ServiceRequestID string     `json:"service_request_id"`
	FuelStationID    string     `json:"fuel_station_id"`
	WorkerLoc        Coord      `json:"worker_loc"`
	DistanceKm       float64    `json:"distance_km"`
	Valid            bool       `json:"is_valid"`
	AssignedAt       time.Time  `json:"assigned_at"`
	InvalidatedAt    *time.Time `json:"invalidated_at,omitempty"`
	InvalidReason    string     `json:"invalidation_reason,omitempty"`
}

type SettlementStatus string

const (
	SettlementCalculated SettlementStatus = "calculated"
	SettlementPaid       SettlementStatus = "paid"
)

// Settlement is the immutable financial record for one completed request.
// Only Status may change after creation (calculated -> paid).
type Settlement struct {
	ID               string `json:"id"`
	ServiceRequestID string `json:"service_request_id"`
	WorkerID         string `json:"worker_id"`
	FuelStationID    string `json:"fuel_station_id"`

	CustomerAmount     money.Amount `json:"customer_amount"`
	FuelCost           money.Amount `json:"fuel_cost"`
	DeliveryFee        money.Amount `json:"delivery_fee"`
	PlatformServiceFee money.Amount `json:"platform_service_fee"`
	SurgeFee           money.Amount `json:"surge_fee"`

	FuelStationPayout money.Amount `json:"fuel_station_payout"`
	WorkerPayout      money.Amount `json:"worker_payout"`
	PlatformProfit    money.Amount `json:"platform_profit"`

	WorkerBasePay          money.Amount `json:"worker_base_pay"`
	WorkerDistanceKm       float64      `json:"worker_distance_km"`
	WorkerDistancePay      money.Amount `json:"worker_distance_pay"`
	WorkerSurgeBonus       money.Amount `json:"worker_surge_bonus"`
	WorkerWaitingTimeBonus money.Amount `json:"worker_waiting_time_bonus"`
	WorkerIncentiveBonus   money.Amount `json:"worker_incentive_bonus"`
	WorkerPenalty          money.Amount `json:"worker_penalty"`
	WorkerMinimumGuarantee money.Amount `json:"worker_minimum_guarantee"`

	// COD collection tracking; empty for gateway-collected requests.
	CollectionMethod string     `json:"collection_method,omitempty"`
	CollectedAt      *time.Time `json:"collected_at,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`

	Status    SettlementStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type LedgerDirection string

const (
	LedgerCredit LedgerDirection = "credit"
	LedgerDebit  LedgerDirection = "debit"
)

// CODLedgerEntry is one immutable cash movement for a station. RunningBalance
// is the authoritative post-entry balance.
type CODLedgerEntry struct {
	ID             string          `json:"id"`
	FuelStationID  string          `json:"fuel_station_id"`
	Direction      LedgerDirection `json:"direction"`
	Amount         money.Amount    `json:"amount"`
	RunningBalance money.Amount    `json:"running_balance"`
	Reference      string          `json:"reference"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AuditRecord is one append-only entry in the audit trail. Old and New hold
// JSON snapshots of the entity around a state transition.
type AuditRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Actor      string    `json:"actor"`
	Old        string    `json:"old_values,omitempty"`
	New        string    `json:"new_values,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Worker carries the delivery worker's accumulated payout balances.
// PendingBalance is credited at settlement and drained by payout runs.
type Worker struct {
	ID             string       `json:"id"`
	PendingBalance money.Amount `json:"pending_balance"`
	TotalEarned    money.Amount `json:"total_earned"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// WorkerTelemetry carries per-job inputs for the worker payout computation.
type WorkerTelemetry struct {
	DistanceKm     float64      `json:"distance_km"`
	WaitingMinutes float64      `json:"waiting_minutes"`
	Rain           bool         `json:"rain"`
	Emergency      bool         `json:"emergency"`
	IncentiveBonus money.Amount `json:"incentive_bonus"`
	Penalty        money.Amount `json:"penalty"`
}

// PlatformSettings is the global pricing configuration. It is read as an
// immutable snapshot and passed explicitly into every computation so results
// are reproducible regardless of later configuration changes.
type PlatformSettings struct {
	DeliveryFeeBase       money.Amount
	PlatformServiceFeePct int64

	SurgeEnabled             bool
	SurgeNightStartHour      int
	SurgeNightEndHour        int
	SurgeNightMultiplier     float64
	SurgeRainMultiplier      float64
	SurgeEmergencyMultiplier float64

	WorkerBasePay          money.Amount
	WorkerPerKmRate        float64
	WorkerSurgeShare       float64
	WorkerWaitingPerMinute float64
	WorkerWaitingBonusCap  money.Amount
	WorkerMinimumGuarantee money.Amount

	ResolverTopK         int
	MaxReassignments     int
	CacheStalenessMeters float64
	CODDebitTolerance    money.Amount
}
