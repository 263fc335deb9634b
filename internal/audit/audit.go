package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/fuel-dispatch/internal/models"
	"github.com/example/fuel-dispatch/internal/storage"
)

// Log writes append-only state-transition records. Callers write the audit
// record before committing the transition; on crash, recovery replays from
// the last durable record.
type Log struct {
	Store  storage.AuditStore
	Logger *slog.Logger
	Clock  func() time.Time
}

func New(store storage.AuditStore, logger *slog.Logger) *Log {
	return &Log{Store: store, Logger: logger, Clock: time.Now}
}

// Transition appends one record for a state change on an entity. Old and new
// snapshots are JSON-encoded for replay.
func (l *Log) Transition(ctx context.Context, entityType, entityID, action, actor string, old, new any) error {
	rec := models.AuditRecord{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Old:        marshal(old),
		New:        marshal(new),
		CreatedAt:  l.now(),
	}
	if err := l.Store.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if l.Logger != nil {
		l.Logger.Info("audit", "action", action, "entity_type", entityType, "entity_id", entityID, "actor", actor)
	}
	return nil
}

// Trail returns all records for one entity in append order.
func (l *Log) Trail(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	return l.Store.AuditTrail(ctx, entityType, entityID)
}

func (l *Log) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

func marshal(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
