package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink receives audit events. Implementations must tolerate redelivery:
// the emitter guarantees at-least-once, not exactly-once.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// PGSink persists audit events into the audit_events table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink returns a sink backed by PostgreSQL.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

var _ Sink = (*PGSink)(nil)

// Write inserts the events. Conflicting ids are ignored so redelivered
// batches stay idempotent.
func (s *PGSink) Write(ctx context.Context, events []Event) error {
	if s == nil || s.pool == nil {
		return errors.New("audit: sink not initialised")
	}
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit: marshal metadata: %w", err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO audit_events (id, occurred_at, type, subtype, level, user_id, session_id, tenant_id, resource_type, resource_id, action, outcome, metadata)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, ''), NULLIF($8, 0), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Timestamp, e.Type, e.Subtype, string(e.Level), e.UserID, e.SessionID, e.TenantID,
			e.ResourceType, e.ResourceID, e.Action, e.Outcome, meta)
		if err != nil {
			return fmt.Errorf("audit: write event: %w", err)
		}
	}
	return nil
}
