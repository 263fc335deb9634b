package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuel-dispatch/internal/assigncache"
	"github.com/example/fuel-dispatch/internal/audit"
	"github.com/example/fuel-dispatch/internal/dispatch"
	"github.com/example/fuel-dispatch/internal/eta"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/observability"
	"github.com/example/fuel-dispatch/internal/resolver"
	"github.com/example/fuel-dispatch/internal/settlement"
	"github.com/example/fuel-dispatch/internal/storage"
)

// ErrReassignmentExhausted means the retry budget is spent and the request
// has been abandoned.
var ErrReassignmentExhausted = errors.New("reassignment exhausted")

// stockConflictRetries bounds internal retries on a lost station race before
// the station is excluded and the search continues.
const stockConflictRetries = 3

// Service drives the assignment lifecycle: dispatch, rejection and
// reassignment, pickup, completion and cancellation. Each request's
// lifecycle is serialized on its own lock; different requests proceed in
// parallel.
type Service struct {
	Resolver    *resolver.Service
	Cache       *assigncache.Cache
	Requests    storage.RequestStore
	Assignments storage.AssignmentStore
	Stations    storage.StationStore
	Settlement  *settlement.Service
	Audit       *audit.Log
	Offers      dispatch.Offerer // optional worker notification
	ETA         eta.Client       // optional pickup ETA on offers
	ETACache    *eta.Cache
	Logger      *slog.Logger
	Clock       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Dispatch resolves a station for the request and creates the assignment.
// A fresh, valid cache entry for the (worker, request) pair short-circuits
// to the already-active assignment.
func (s *Service) Dispatch(ctx context.Context, req *models.ServiceRequest, workerID string, workerLoc models.Coord, set models.PlatformSettings) (models.Assignment, error) {
	unlock := s.lock(req.ID)
	defer unlock()

	if entry, err := s.Cache.Lookup(workerID, req.ID, workerLoc); err == nil {
		observability.CacheHits.Inc()
		if active, err := s.Assignments.ActiveAssignmentForRequest(ctx, req.ID); err == nil && active.FuelStationID == entry.FuelStationID {
			return active, nil
		}
		// entry outlived its assignment; treat as stale
		_ = s.Cache.Invalidate(ctx, entry.ID, assigncache.ReasonSuperseded)
	} else {
		observability.CacheMisses.Inc()
	}

	if !req.Status.CanTransition(models.RequestAssigned) {
		return models.Assignment{}, fmt.Errorf("dispatch request %s in status %s: %w", req.ID, req.Status, models.ErrInvalidTransition)
	}
	excluded, err := s.exclusionSet(ctx, req.ID)
	if err != nil {
		return models.Assignment{}, err
	}
	return s.assign(ctx, req, workerID, workerLoc, excluded, 0, set)
}

// ReportRejection marks the active assignment rejected, invalidates its
// cache entry and re-resolves excluding every station rejected so far. Once
// the budget is spent the request is abandoned and ErrReassignmentExhausted
// returned.
func (s *Service) ReportRejection(ctx context.Context, assignmentID, reason string, workerLoc models.Coord, set models.PlatformSettings) (models.Assignment, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load assignment: %w", err)
	}
	unlock := s.lock(a.ServiceRequestID)
	defer unlock()

	if !a.Status.CanTransition(models.AssignmentRejected) {
		return models.Assignment{}, fmt.Errorf("reject assignment in status %s: %w", a.Status, models.ErrInvalidTransition)
	}
	req, err := s.Requests.GetRequest(ctx, a.ServiceRequestID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load request: %w", err)
	}

	old := a.Status
	a.Status = models.AssignmentRejected
	a.RejectionReason = reason
	a.UpdatedAt = s.now()
	if err := s.Audit.Transition(ctx, "assignment", a.ID, "assignment_rejected", a.WorkerID, old, a.Status); err != nil {
		return models.Assignment{}, err
	}
	if err := s.Assignments.UpdateAssignment(ctx, &a); err != nil {
		return models.Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	if err := s.Stations.ReleaseStock(ctx, a.FuelStationID, a.FuelType, a.Litres); err != nil {
		s.logger().Warn("release stock failed", "station", a.FuelStationID, "error", err)
	}
	if err := s.Cache.InvalidatePair(ctx, a.WorkerID, a.ServiceRequestID, assigncache.ReasonRejected); err != nil {
		return models.Assignment{}, err
	}

	if err := s.moveRequest(ctx, &req, models.RequestReassigning, a.WorkerID); err != nil {
		return models.Assignment{}, err
	}

	nextCount := a.ReassignmentNum + 1
	maxRetries := set.MaxReassignments
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if nextCount > maxRetries {
		if err := s.moveRequest(ctx, &req, models.RequestAbandoned, "dispatcher"); err != nil {
			return models.Assignment{}, err
		}
		observability.AbandonmentsTotal.Inc()
		return models.Assignment{}, ErrReassignmentExhausted
	}
	excluded, err := s.exclusionSet(ctx, req.ID)
	if err != nil {
		return models.Assignment{}, err
	}
	excluded[a.FuelStationID] = true

	next, err := s.assign(ctx, &req, a.WorkerID, workerLoc, excluded, nextCount, set)
	if err != nil {
		return models.Assignment{}, err
	}
	observability.ReassignmentsTotal.Inc()
	return next, nil
}

// MarkPickedUp records the worker collecting fuel at the station.
func (s *Service) MarkPickedUp(ctx context.Context, assignmentID string) (models.Assignment, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load assignment: %w", err)
	}
	unlock := s.lock(a.ServiceRequestID)
	defer unlock()

	if !a.Status.CanTransition(models.AssignmentPickedUp) {
		return models.Assignment{}, fmt.Errorf("pickup assignment in status %s: %w", a.Status, models.ErrInvalidTransition)
	}
	req, err := s.Requests.GetRequest(ctx, a.ServiceRequestID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load request: %w", err)
	}

	old := a.Status
	a.Status = models.AssignmentPickedUp
	a.PickedUpAt = s.now()
	a.UpdatedAt = a.PickedUpAt
	if err := s.Audit.Transition(ctx, "assignment", a.ID, "assignment_picked_up", a.WorkerID, old, a.Status); err != nil {
		return models.Assignment{}, err
	}
	if err := s.Assignments.UpdateAssignment(ctx, &a); err != nil {
		return models.Assignment{}, fmt.Errorf("update assignment: %w", err)
	}
	if err := s.moveRequest(ctx, &req, models.RequestPickedUp, a.WorkerID); err != nil {
		return models.Assignment{}, err
	}
	return a, nil
}

// Complete finishes the delivery and computes the settlement. It is safe
// to retry: calling it again on a completed assignment reruns Settle.
func (s *Service) Complete(ctx context.Context, assignmentID string, tel models.WorkerTelemetry, set models.PlatformSettings) (models.Settlement, error) {
	a, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("load assignment: %w", err)
	}
	unlock := s.lock(a.ServiceRequestID)
	defer unlock()

	// A completed assignment whose settlement failed mid-effects falls
	// through to Settle, which finishes the missing effects on replay.
	if a.Status == models.AssignmentCompleted {
		req, err := s.Requests.GetRequest(ctx, a.ServiceRequestID)
		if err != nil {
			return models.Settlement{}, fmt.Errorf("load request: %w", err)
		}
		return s.Settlement.Settle(ctx, a, req, set, tel)
	}
	if !a.Status.CanTransition(models.AssignmentCompleted) {
		return models.Settlement{}, fmt.Errorf("complete assignment in status %s: %w", a.Status, models.ErrInvalidTransition)
	}
	req, err := s.Requests.GetRequest(ctx, a.ServiceRequestID)
	if err != nil {
		return models.Settlement{}, fmt.Errorf("load request: %w", err)
	}

	old := a.Status
	a.Status = models.AssignmentCompleted
	a.UpdatedAt = s.now()
	if err := s.Audit.Transition(ctx, "assignment", a.ID, "assignment_completed", a.WorkerID, old, a.Status); err != nil {
		return models.Settlement{}, err
	}
	if err := s.Assignments.UpdateAssignment(ctx, &a); err != nil {
		return models.Settlement{}, fmt.Errorf("update assignment: %w", err)
	}
	if err := s.moveRequest(ctx, &req, models.RequestCompleted, a.WorkerID); err != nil {
		return models.Settlement{}, err
	}
	if err := s.Cache.InvalidatePair(ctx, a.WorkerID, req.ID, "completed"); err != nil {
		return models.Settlement{}, err
	}
	return s.Settlement.Settle(ctx, a, req, set, tel)
}

// Cancel aborts a request mid-flight. The active assignment, if any, is
// marked cancelled (distinct from rejected, so it never re-enters
// reassignment or settlement) and its reservation and cache entry released.
func (s *Service) Cancel(ctx context.Context, requestID, actor string) error {
	unlock := s.lock(requestID)
	defer unlock()

	req, err := s.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if !req.Status.CanTransition(models.RequestCancelled) {
		return fmt.Errorf("cancel request in status %s: %w", req.Status, models.ErrInvalidTransition)
	}
	if a, err := s.Assignments.ActiveAssignmentForRequest(ctx, requestID); err == nil {
		old := a.Status
		a.Status = models.AssignmentCancelled
		a.UpdatedAt = s.now()
		if err := s.Audit.Transition(ctx, "assignment", a.ID, "assignment_cancelled", actor, old, a.Status); err != nil {
			return err
		}
		if err := s.Assignments.UpdateAssignment(ctx, &a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if err := s.Stations.ReleaseStock(ctx, a.FuelStationID, a.FuelType, a.Litres); err != nil {
			s.logger().Warn("release stock failed", "station", a.FuelStationID, "error", err)
		}
		if err := s.Cache.InvalidatePair(ctx, a.WorkerID, requestID, assigncache.ReasonCancelled); err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load active assignment: %w", err)
	}
	return s.moveRequest(ctx, &req, models.RequestCancelled, actor)
}

// assign runs resolve-and-reserve until a station is won or candidates run
// out. Losing a stock race excludes the station rather than failing the
// request.
func (s *Service) assign(ctx context.Context, req *models.ServiceRequest, workerID string, workerLoc models.Coord, excluded map[string]bool, reassignments int, set models.PlatformSettings) (models.Assignment, error) {
	var cand resolver.Candidate
	for {
		var err error
		cand, err = s.Resolver.Resolve(ctx, *req, excluded, set)
		if err != nil {
			return models.Assignment{}, err
		}
		err = s.reserve(ctx, cand.Station.ID, req.FuelType, req.Litres)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrInsufficientStock) || errors.Is(err, storage.ErrStockConflict) {
			// lost the race for the last litres; exclude and keep looking
			excluded[cand.Station.ID] = true
			continue
		}
		return models.Assignment{}, fmt.Errorf("reserve stock: %w", err)
	}

	now := s.now()
	a := models.Assignment{
		ID:               uuid.NewString(),
		ServiceRequestID: req.ID,
		WorkerID:         workerID,
		FuelStationID:    cand.Station.ID,
		FuelType:         req.FuelType,
		Litres:           req.Litres,
		DistanceKm:       cand.DistanceKm,
		IsCOD:            req.IsCOD,
		Status:           models.AssignmentAssigned,
		ReassignmentNum:  reassignments,
		AssignedAt:       now,
		UpdatedAt:        now,
	}
	a.ETASeconds = s.pickupETA(workerLoc, cand.Station.Location)

	if err := s.Audit.Transition(ctx, "assignment", a.ID, "assignment_created", workerID, nil, a); err != nil {
		return models.Assignment{}, err
	}
	if err := s.Assignments.SaveAssignment(ctx, &a); err != nil {
		return models.Assignment{}, fmt.Errorf("save assignment: %w", err)
	}

	req.FuelStationID = cand.Station.ID
	req.FuelPricePerLitre = cand.Station.Price(req.FuelType)
	if err := s.moveRequest(ctx, req, models.RequestAssigned, workerID); err != nil {
		return models.Assignment{}, err
	}

	if _, err := s.Cache.Store(ctx, models.CacheEntry{
		WorkerID:         workerID,
		ServiceRequestID: req.ID,
		FuelStationID:    cand.Station.ID,
		WorkerLoc:        workerLoc,
		DistanceKm:       cand.DistanceKm,
		AssignedAt:       now,
	}); err != nil {
		return models.Assignment{}, err
	}

	if s.Offers != nil {
		offer := dispatch.AssignmentOffer{
			AssignmentID: a.ID,
			RequestID:    req.ID,
			StationID:    cand.Station.ID,
			StationName:  cand.Station.StationName,
			DistanceKm:   cand.DistanceKm,
			ETASeconds:   a.ETASeconds,
			IsCOD:        req.IsCOD,
		}
		if err := s.Offers.Offer(workerID, offer); err != nil {
			s.logger().Warn("offer delivery failed", "worker", workerID, "error", err)
		}
	}
	observability.AssignmentsTotal.Inc()
	return a, nil
}

// reserve decrements station stock with a bounded retry on transient
// conflicts before reporting the conflict upward.
func (s *Service) reserve(ctx context.Context, stationID string, ft models.FuelType, litres float64) error {
	var err error
	for i := 0; i < stockConflictRetries; i++ {
		err = s.Stations.ReserveStock(ctx, stationID, ft, litres)
		if !errors.Is(err, storage.ErrStockConflict) {
			return err
		}
	}
	return err
}

func (s *Service) moveRequest(ctx context.Context, req *models.ServiceRequest, next models.RequestStatus, actor string) error {
	if !req.Status.CanTransition(next) {
		return fmt.Errorf("request %s -> %s: %w", req.Status, next, models.ErrInvalidTransition)
	}
	old := req.Status
	req.Status = next
	req.UpdatedAt = s.now()
	if err := s.Audit.Transition(ctx, "service_request", req.ID, "request_"+string(next), actor, old, next); err != nil {
		return err
	}
	if err := s.Requests.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

func (s *Service) exclusionSet(ctx context.Context, requestID string) (map[string]bool, error) {
	rejected, err := s.Assignments.RejectedStations(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load rejected stations: %w", err)
	}
	out := make(map[string]bool, len(rejected))
	for _, id := range rejected {
		out[id] = true
	}
	return out, nil
}

func (s *Service) pickupETA(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETA == nil {
		return eta.EstimateSeconds(from, to, 0)
	}
	v, err := s.ETA.EstimateSeconds(from, to)
	if err != nil {
		return eta.EstimateSeconds(from, to, 0)
	}
	if s.ETACache != nil {
		s.ETACache.Set(from, to, v)
	}
	return v
}

func (s *Service) lock(requestID string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[requestID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[requestID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
