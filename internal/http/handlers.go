package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fuel-dispatch/internal/assigncache"
	"github.com/example/fuel-dispatch/internal/audit"
	wsdispatch "github.com/example/fuel-dispatch/internal/dispatch"
	"github.com/example/fuel-dispatch/internal/dispatcher"
	"github.com/example/fuel-dispatch/internal/geo"
	"github.com/example/fuel-dispatch/internal/ingest"
	"github.com/example/fuel-dispatch/internal/ledger"
	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
	"github.com/example/fuel-dispatch/internal/resolver"
	"github.com/example/fuel-dispatch/internal/settlement"
	"github.com/example/fuel-dispatch/internal/storage"
)

type Server struct {
	Geo        geo.Geo
	Dispatcher *dispatcher.Service
	Cache      *assigncache.Cache
	Ledger     *ledger.Ledger
	Audit      *audit.Log
	Store      storage.Store
	Kafka      *ingest.KafkaProducer
	WSReg      *wsdispatch.WSRegistry
	Settlement *settlement.Service
	Settings   func() models.PlatformSettings

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger) *Server {
	s := &Server{logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/stations", s.handleStationUpsert).Methods("POST")
	s.mux.HandleFunc("/api/v1/stations/{station_id}/ledger", s.handleLedgerTrail).Methods("GET")
	s.mux.HandleFunc("/api/v1/stations/{station_id}/cod/credit", s.handleCODCredit).Methods("POST")
	s.mux.HandleFunc("/api/v1/stations/{station_id}/cod/debit", s.handleCODDebit).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/settlement", s.handleGetSettlement).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/settlement/paid", s.handleMarkPaid).Methods("POST")
	s.mux.HandleFunc("/api/v1/assignments/{assignment_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/assignments/{assignment_id}/pickup", s.handlePickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/assignments/{assignment_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/workers/{worker_id}", s.handleGetWorker).Methods("GET")
	s.mux.HandleFunc("/api/v1/audit/{entity_type}/{entity_id}", s.handleAuditTrail).Methods("GET")
	s.mux.HandleFunc("/internal/stations/{station_id}/cache-invalidate", s.handleCacheInvalidate).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{worker_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleStationUpsert writes the station, refreshes the geo index, emits the
// state-change event and invalidates cached assignments the change breaks.
func (s *Server) handleStationUpsert(w http.ResponseWriter, r *http.Request) {
	var st models.FuelStation
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st.ID == "" {
		http.Error(w, "station id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	prev, prevErr := s.Store.GetStation(ctx, st.ID)
	if err := s.Store.UpsertStation(ctx, st); err != nil {
		s.fail(w, r, "upsert station", err)
		return
	}
	s.Geo.Upsert(st)

	event := ingest.EventStationUpdated
	if prevErr == nil {
		switch {
		case prev.Open && !st.Open:
			event = ingest.EventStationClosed
			if err := s.Cache.InvalidateStation(ctx, st.ID, assigncache.ReasonStationClosed); err != nil {
				s.fail(w, r, "invalidate cache", err)
				return
			}
		case stockDropped(prev, st):
			event = ingest.EventStockChanged
			if err := s.Cache.InvalidateStation(ctx, st.ID, assigncache.ReasonStockLost); err != nil {
				s.fail(w, r, "invalidate cache", err)
				return
			}
		}
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishStationEvent(event, st); err != nil {
			s.logger.Warn("publish station event", "station", st.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func stockDropped(prev, next models.FuelStation) bool {
	for ft, had := range prev.StockLitres {
		if next.Stock(ft) < had {
			return true
		}
	}
	return false
}

type dispatchRequest struct {
	Request   models.ServiceRequest `json:"request"`
	WorkerID  string                `json:"worker_id"`
	WorkerLoc models.Coord          `json:"worker_loc"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var in dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.WorkerID == "" {
		http.Error(w, "worker_id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	req := in.Request
	if req.ID == "" {
		req.ID = newID()
	}
	if req.Status == "" {
		req.Status = models.RequestUnassigned
	}
	if err := s.Store.SaveRequest(ctx, &req); err != nil {
		s.fail(w, r, "save request", err)
		return
	}
	a, err := s.Dispatcher.Dispatch(ctx, &req, in.WorkerID, in.WorkerLoc, s.Settings())
	if err != nil {
		s.fail(w, r, "dispatch", err)
		return
	}
	s.respond(w, map[string]any{"request_id": req.ID, "assignment": a})
}

type rejectRequest struct {
	Reason    string       `json:"reason"`
	WorkerLoc models.Coord `json:"worker_loc"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["assignment_id"]
	var in rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	next, err := s.Dispatcher.ReportRejection(r.Context(), id, in.Reason, in.WorkerLoc, s.Settings())
	if err != nil {
		s.fail(w, r, "reject", err)
		return
	}
	s.respond(w, map[string]any{"assignment": next})
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["assignment_id"]
	a, err := s.Dispatcher.MarkPickedUp(r.Context(), id)
	if err != nil {
		s.fail(w, r, "pickup", err)
		return
	}
	s.respond(w, map[string]any{"assignment": a})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["assignment_id"]
	var tel models.WorkerTelemetry
	if err := json.NewDecoder(r.Body).Decode(&tel); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stl, err := s.Dispatcher.Complete(r.Context(), id, tel, s.Settings())
	if err != nil && !errors.Is(err, storage.ErrSettlementExists) {
		s.fail(w, r, "complete", err)
		return
	}
	s.respond(w, map[string]any{"settlement": stl})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = "customer"
	}
	if err := s.Dispatcher.Cancel(r.Context(), id, actor); err != nil {
		s.fail(w, r, "cancel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	stl, err := s.Store.GetSettlementByRequest(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get settlement", err)
		return
	}
	s.respond(w, stl)
}

type cacheInvalidateRequest struct {
	Reason string `json:"reason"`
}

// handleCacheInvalidate drops cached assignments for a station. The
// station-event consumer posts here when a closure or stock loss arrives
// on the bus, so out-of-process state changes break the cache too.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	var in cacheInvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Reason == "" {
		in.Reason = assigncache.ReasonStationClosed
	}
	if err := s.Cache.InvalidateStation(r.Context(), stationID, in.Reason); err != nil {
		s.fail(w, r, "cache invalidate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markPaidRequest struct {
	PaymentRef string `json:"payment_ref"`
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["request_id"]
	var in markPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stl, err := s.Store.GetSettlementByRequest(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get settlement", err)
		return
	}
	if err := s.Settlement.MarkPaid(r.Context(), stl, in.PaymentRef); err != nil {
		s.fail(w, r, "mark paid", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type codRequest struct {
	Amount    money.Amount `json:"amount"`
	Reference string       `json:"reference"`
}

func (s *Server) handleCODCredit(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	var in codRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := s.Ledger.Credit(r.Context(), stationID, in.Amount, in.Reference)
	if err != nil {
		s.fail(w, r, "cod credit", err)
		return
	}
	s.respond(w, entry)
}

func (s *Server) handleCODDebit(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	var in codRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry, err := s.Ledger.Debit(r.Context(), stationID, in.Amount, in.Reference)
	if err != nil {
		s.fail(w, r, "cod debit", err)
		return
	}
	s.respond(w, entry)
}

func (s *Server) handleLedgerTrail(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	entries, err := s.Ledger.Trail(r.Context(), stationID)
	if err != nil {
		s.fail(w, r, "ledger trail", err)
		return
	}
	s.respond(w, entries)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	worker, err := s.Store.GetWorker(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get worker", err)
		return
	}
	s.respond(w, worker)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	recs, err := s.Audit.Trail(r.Context(), vars["entity_type"], vars["entity_id"])
	if err != nil {
		s.fail(w, r, "audit trail", err)
		return
	}
	s.respond(w, recs)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["worker_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// fail maps domain errors to status codes; anything unmapped is a 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, resolver.ErrNoEligibleStation):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrReassignmentExhausted):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrCODLimitExceeded), errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrInsufficientStock):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	http.Error(w, err.Error(), status)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
