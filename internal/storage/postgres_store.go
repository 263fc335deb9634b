package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/money"
)

// PostgresStore implements Store on top of the schema in
// migrations/001_create_core.sql. Station stock lives in its own table so a
// conditional UPDATE gives the single-winner reservation semantics.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests(id, customer_id, lat, lng, fuel_type, litres, is_cod, status, fuel_station_id, fuel_price_per_litre, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12)`,
		r.ID, r.CustomerID, r.Location.Lat, r.Location.Lng, r.FuelType, r.Litres, r.IsCOD, r.Status, r.FuelStationID, int64(r.FuelPricePerLitre), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.ServiceRequest, error) {
	var r models.ServiceRequest
	var stationID sql.NullString
	var price int64
	err := p.db.QueryRowContext(ctx, `SELECT id, customer_id, lat, lng, fuel_type, litres, is_cod, status, COALESCE(fuel_station_id,''), fuel_price_per_litre, created_at, updated_at
		FROM service_requests WHERE id=$1`, id).
		Scan(&r.ID, &r.CustomerID, &r.Location.Lat, &r.Location.Lng, &r.FuelType, &r.Litres, &r.IsCOD, &r.Status, &stationID, &price, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ServiceRequest{}, ErrNotFound
	}
	if err != nil {
		return models.ServiceRequest{}, err
	}
	r.FuelStationID = stationID.String
	r.FuelPricePerLitre = money.Amount(price)
	return r, nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.ServiceRequest) error {
	res, err := p.db.ExecContext(ctx, `UPDATE service_requests SET status=$1, fuel_station_id=NULLIF($2,''), fuel_price_per_litre=$3, updated_at=$4 WHERE id=$5`,
		r.Status, r.FuelStationID, int64(r.FuelPricePerLitre), time.Now(), r.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) UpsertStation(ctx context.Context, s models.FuelStation) error {
	prices, err := json.Marshal(s.PricePerLitre)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO fuel_stations(id, station_name, lat, lng, is_open, is_verified, platform_trust_flag, cod_enabled, cod_current_balance, cod_balance_limit, price_per_litre, total_earnings, pending_payout, last_stock_update, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET station_name=EXCLUDED.station_name, lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			is_open=EXCLUDED.is_open, is_verified=EXCLUDED.is_verified, platform_trust_flag=EXCLUDED.platform_trust_flag,
			cod_enabled=EXCLUDED.cod_enabled, cod_balance_limit=EXCLUDED.cod_balance_limit,
			price_per_litre=EXCLUDED.price_per_litre, last_stock_update=EXCLUDED.last_stock_update, updated_at=EXCLUDED.updated_at`,
		s.ID, s.StationName, s.Location.Lat, s.Location.Lng, s.Open, s.Verified, s.PlatformTrustFlag,
		s.CODEnabled, int64(s.CODCurrentBalance), int64(s.CODBalanceLimit), prices,
		int64(s.TotalEarnings), int64(s.PendingPayout), s.LastStockUpdate, time.Now())
	if err != nil {
		return err
	}
	for ft, litres := range s.StockLitres {
		if _, err := p.db.ExecContext(ctx, `INSERT INTO fuel_station_stock(fuel_station_id, fuel_type, stock_litres, updated_at)
			VALUES($1,$2,$3,$4)
			ON CONFLICT (fuel_station_id, fuel_type) DO UPDATE SET stock_litres=EXCLUDED.stock_litres, updated_at=EXCLUDED.updated_at`,
			s.ID, ft, litres, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) GetStation(ctx context.Context, id string) (models.FuelStation, error) {
	var s models.FuelStation
	var prices []byte
	var codBal, codLimit, earned, pending int64
	err := p.db.QueryRowContext(ctx, `SELECT id, station_name, lat, lng, is_open, is_verified, platform_trust_flag, cod_enabled, cod_current_balance, cod_balance_limit, price_per_litre, total_earnings, pending_payout, last_stock_update, updated_at
		FROM fuel_stations WHERE id=$1`, id).
		Scan(&s.ID, &s.StationName, &s.Location.Lat, &s.Location.Lng, &s.Open, &s.Verified, &s.PlatformTrustFlag,
			&s.CODEnabled, &codBal, &codLimit, &prices, &earned, &pending, &s.LastStockUpdate, &s.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FuelStation{}, ErrNotFound
	}
	if err != nil {
		return models.FuelStation{}, err
	}
	s.CODCurrentBalance = money.Amount(codBal)
	s.CODBalanceLimit = money.Amount(codLimit)
	s.TotalEarnings = money.Amount(earned)
	s.PendingPayout = money.Amount(pending)
	if len(prices) > 0 {
		_ = json.Unmarshal(prices, &s.PricePerLitre)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT fuel_type, stock_litres FROM fuel_station_stock WHERE fuel_station_id=$1`, id)
	if err != nil {
		return models.FuelStation{}, err
	}
	defer rows.Close()
	s.StockLitres = make(map[models.FuelType]float64)
	for rows.Next() {
		var ft models.FuelType
		var litres float64
		if err := rows.Scan(&ft, &litres); err != nil {
			return models.FuelStation{}, err
		}
		s.StockLitres[ft] = litres
	}
	return s, rows.Err()
}

func (p *PostgresStore) ReserveStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE fuel_station_stock SET stock_litres = stock_litres - $3, updated_at = $4
		WHERE fuel_station_id=$1 AND fuel_type=$2 AND stock_litres >= $3`, stationID, ft, litres, time.Now())
	if err != nil {
		return mapConflict(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientStock
	}
	return nil
}

func (p *PostgresStore) ReleaseStock(ctx context.Context, stationID string, ft models.FuelType, litres float64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE fuel_station_stock SET stock_litres = stock_litres + $3, updated_at = $4
		WHERE fuel_station_id=$1 AND fuel_type=$2`, stationID, ft, litres, time.Now())
	return mapConflict(err)
}

func (p *PostgresStore) SetCODBalance(ctx context.Context, stationID string, balance money.Amount) error {
	res, err := p.db.ExecContext(ctx, `UPDATE fuel_stations SET cod_current_balance=$1, updated_at=$2 WHERE id=$3`,
		int64(balance), time.Now(), stationID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) AddEarnings(ctx context.Context, stationID string, earned, pending money.Amount) error {
	res, err := p.db.ExecContext(ctx, `UPDATE fuel_stations SET total_earnings = total_earnings + $1, pending_payout = pending_payout + $2, updated_at=$3 WHERE id=$4`,
		int64(earned), int64(pending), time.Now(), stationID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (models.Worker, error) {
	var w models.Worker
	var pending, earned int64
	err := p.db.QueryRowContext(ctx, `SELECT id, pending_balance, total_earned, updated_at FROM workers WHERE id=$1`, id).
		Scan(&w.ID, &pending, &earned, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Worker{}, ErrNotFound
	}
	if err != nil {
		return models.Worker{}, err
	}
	w.PendingBalance = money.Amount(pending)
	w.TotalEarned = money.Amount(earned)
	return w, nil
}

func (p *PostgresStore) AddWorkerPending(ctx context.Context, workerID string, amount money.Amount) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers(id, pending_balance, total_earned, updated_at)
		VALUES($1,$2,$2,$3)
		ON CONFLICT (id) DO UPDATE SET pending_balance = workers.pending_balance + EXCLUDED.pending_balance,
			total_earned = workers.total_earned + EXCLUDED.total_earned, updated_at = EXCLUDED.updated_at`,
		workerID, int64(amount), time.Now())
	return err
}

func (p *PostgresStore) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO fuel_station_assignments(id, service_request_id, worker_id, fuel_station_id, fuel_type, litres, distance_km, is_cod, status, rejection_reason, reassignment_count, eta_seconds, assigned_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.ServiceRequestID, a.WorkerID, a.FuelStationID, a.FuelType, a.Litres, a.DistanceKm, a.IsCOD,
		a.Status, a.RejectionReason, a.ReassignmentNum, a.ETASeconds, a.AssignedAt, a.UpdatedAt)
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (models.Assignment, error) {
	var a models.Assignment
	var pickedUp sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT id, service_request_id, worker_id, fuel_station_id, fuel_type, litres, distance_km, is_cod, status, rejection_reason, reassignment_count, eta_seconds, assigned_at, picked_up_at, updated_at
		FROM fuel_station_assignments WHERE id=$1`, id).
		Scan(&a.ID, &a.ServiceRequestID, &a.WorkerID, &a.FuelStationID, &a.FuelType, &a.Litres, &a.DistanceKm, &a.IsCOD,
			&a.Status, &a.RejectionReason, &a.ReassignmentNum, &a.ETASeconds, &a.AssignedAt, &pickedUp, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, ErrNotFound
	}
	if err != nil {
		return models.Assignment{}, err
	}
	if pickedUp.Valid {
		a.PickedUpAt = pickedUp.Time
	}
	return a, nil
}

func (p *PostgresStore) UpdateAssignment(ctx context.Context, a *models.Assignment) error {
	res, err := p.db.ExecContext(ctx, `UPDATE fuel_station_assignments SET status=$1, rejection_reason=$2, reassignment_count=$3, picked_up_at=NULLIF($4, '0001-01-01T00:00:00Z'::timestamptz), updated_at=$5 WHERE id=$6`,
		a.Status, a.RejectionReason, a.ReassignmentNum, a.PickedUpAt, time.Now(), a.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) ActiveAssignmentForRequest(ctx context.Context, requestID string) (models.Assignment, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT id FROM fuel_station_assignments WHERE service_request_id=$1 AND status IN ('assigned','picked_up') ORDER BY assigned_at DESC LIMIT 1`, requestID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, ErrNotFound
	}
	if err != nil {
		return models.Assignment{}, err
	}
	return p.GetAssignment(ctx, id)
}

func (p *PostgresStore) RejectedStations(ctx context.Context, requestID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT fuel_station_id FROM fuel_station_assignments WHERE service_request_id=$1 AND status='rejected'`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveCacheEntry(ctx context.Context, e models.CacheEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO worker_station_cache(id, worker_id, service_request_id, fuel_station_id, worker_lat, worker_lng, distance_km, is_valid, assigned_at, invalidated_at, invalidation_reason)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.WorkerID, e.ServiceRequestID, e.FuelStationID, e.WorkerLoc.Lat, e.WorkerLoc.Lng, e.DistanceKm, e.Valid, e.AssignedAt, e.InvalidatedAt, e.InvalidReason)
	return err
}

func (p *PostgresStore) UpdateCacheEntry(ctx context.Context, e models.CacheEntry) error {
	res, err := p.db.ExecContext(ctx, `UPDATE worker_station_cache SET is_valid=$1, invalidated_at=$2, invalidation_reason=$3 WHERE id=$4`,
		e.Valid, e.InvalidatedAt, e.InvalidReason, e.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) CreateSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO settlements(id, service_request_id, worker_id, fuel_station_id,
		customer_amount, fuel_cost, delivery_fee, platform_service_fee, surge_fee,
		fuel_station_payout, worker_payout, platform_profit,
		worker_base_pay, worker_distance_km, worker_distance_pay, worker_surge_bonus, worker_waiting_time_bonus, worker_incentive_bonus, worker_penalty, worker_minimum_guarantee,
		collection_method, collected_at, settled_at, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		s.ID, s.ServiceRequestID, s.WorkerID, s.FuelStationID,
		int64(s.CustomerAmount), int64(s.FuelCost), int64(s.DeliveryFee), int64(s.PlatformServiceFee), int64(s.SurgeFee),
		int64(s.FuelStationPayout), int64(s.WorkerPayout), int64(s.PlatformProfit),
		int64(s.WorkerBasePay), s.WorkerDistanceKm, int64(s.WorkerDistancePay), int64(s.WorkerSurgeBonus), int64(s.WorkerWaitingTimeBonus), int64(s.WorkerIncentiveBonus), int64(s.WorkerPenalty), int64(s.WorkerMinimumGuarantee),
		s.CollectionMethod, s.CollectedAt, s.SettledAt, s.Status, s.CreatedAt, s.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSettlementExists
	}
	return err
}

func (p *PostgresStore) GetSettlementByRequest(ctx context.Context, requestID string) (models.Settlement, error) {
	var s models.Settlement
	var amounts [16]int64
	err := p.db.QueryRowContext(ctx, `SELECT id, service_request_id, worker_id, fuel_station_id,
		customer_amount, fuel_cost, delivery_fee, platform_service_fee, surge_fee,
		fuel_station_payout, worker_payout, platform_profit,
		worker_base_pay, worker_distance_km, worker_distance_pay, worker_surge_bonus, worker_waiting_time_bonus, worker_incentive_bonus, worker_penalty, worker_minimum_guarantee,
		COALESCE(collection_method,''), collected_at, settled_at, status, created_at, updated_at
		FROM settlements WHERE service_request_id=$1`, requestID).
		Scan(&s.ID, &s.ServiceRequestID, &s.WorkerID, &s.FuelStationID,
			&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4],
			&amounts[5], &amounts[6], &amounts[7],
			&amounts[8], &s.WorkerDistanceKm, &amounts[9], &amounts[10], &amounts[11], &amounts[12], &amounts[13], &amounts[14],
			&s.CollectionMethod, &s.CollectedAt, &s.SettledAt, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settlement{}, ErrNotFound
	}
	if err != nil {
		return models.Settlement{}, err
	}
	s.CustomerAmount = money.Amount(amounts[0])
	s.FuelCost = money.Amount(amounts[1])
	s.DeliveryFee = money.Amount(amounts[2])
	s.PlatformServiceFee = money.Amount(amounts[3])
	s.SurgeFee = money.Amount(amounts[4])
	s.FuelStationPayout = money.Amount(amounts[5])
	s.WorkerPayout = money.Amount(amounts[6])
	s.PlatformProfit = money.Amount(amounts[7])
	s.WorkerBasePay = money.Amount(amounts[8])
	s.WorkerDistancePay = money.Amount(amounts[9])
	s.WorkerSurgeBonus = money.Amount(amounts[10])
	s.WorkerWaitingTimeBonus = money.Amount(amounts[11])
	s.WorkerIncentiveBonus = money.Amount(amounts[12])
	s.WorkerPenalty = money.Amount(amounts[13])
	s.WorkerMinimumGuarantee = money.Amount(amounts[14])
	return s, nil
}

func (p *PostgresStore) UpdateSettlementStatus(ctx context.Context, id string, status models.SettlementStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE settlements SET status=$1, settled_at=$2, updated_at=$2 WHERE id=$3`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) MarkSettlementApplied(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE settlements SET settled_at=$1, updated_at=$1 WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (p *PostgresStore) AppendLedgerEntry(ctx context.Context, e models.CODLedgerEntry) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO fuel_station_ledger(id, fuel_station_id, direction, amount, running_balance, reference_id, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.FuelStationID, e.Direction, int64(e.Amount), int64(e.RunningBalance), e.Reference, e.Status, e.CreatedAt)
	return err
}

func (p *PostgresStore) LedgerEntries(ctx context.Context, stationID string) ([]models.CODLedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, fuel_station_id, direction, amount, running_balance, reference_id, status, created_at
		FROM fuel_station_ledger WHERE fuel_station_id=$1 ORDER BY created_at`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CODLedgerEntry
	for rows.Next() {
		var e models.CODLedgerEntry
		var amount, running int64
		if err := rows.Scan(&e.ID, &e.FuelStationID, &e.Direction, &amount, &running, &e.Reference, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = money.Amount(amount)
		e.RunningBalance = money.Amount(running)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO audit_logs(id, action, entity_type, entity_id, actor, old_values, new_values, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.Action, rec.EntityType, rec.EntityID, rec.Actor, rec.Old, rec.New, rec.CreatedAt)
	return err
}

func (p *PostgresStore) AuditTrail(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, action, entity_type, entity_id, actor, old_values, new_values, created_at
		FROM audit_logs WHERE entity_type=$1 AND entity_id=$2 ORDER BY created_at`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.EntityType, &rec.EntityID, &rec.Actor, &rec.Old, &rec.New, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapConflict translates postgres serialization failures into the retryable
// conflict sentinel.
func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "55P03") {
		return ErrStockConflict
	}
	return err
}
