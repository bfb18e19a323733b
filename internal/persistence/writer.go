package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// EventLogWriter writes the event log and the request ledger projection to
// Postgres using batch inserts. Multi-row INSERT is portable; switch to pgx
// CopyFrom if event volume ever makes it the bottleneck.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in vault_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PluginID       *int16
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// RequestRow represents a row in vault_log.requests
type RequestRow struct {
	RequestID   string
	Category    string
	Holder      string
	PluginID    *int16
	VenueKey    *string
	PayoutToken *string
	Shares      *string // 18-decimal share amount as a decimal string
	State       string
	CreatedAt   time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB exposes the underlying handle for transaction control.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes a batch of events to vault_log.events using
// multi-row INSERT inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	// Build multi-row INSERT
	query := `INSERT INTO vault_log.events
		(sequence, event_type, idempotency_key, plugin_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PluginID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRequestBatch inserts new request ledger rows. Replayed events hit
// the request_id conflict and are dropped.
func (w *EventLogWriter) WriteRequestBatch(ctx context.Context, tx *sql.Tx, requests []RequestRow) error {
	if len(requests) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.requests
		(request_id, category, holder, plugin_id, venue_key, payout_token, shares, state, created_at, updated_at)
		VALUES `

	values := make([]string, 0, len(requests))
	args := make([]interface{}, 0, len(requests)*10)

	for i, r := range requests {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.RequestID, r.Category, r.Holder, r.PluginID,
			r.VenueKey, r.PayoutToken, r.Shares, r.State,
			r.CreatedAt, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (request_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ResolveRequestBatch moves pending request rows to their terminal state,
// matched by category and venue key. A resolution for a key that never made
// it into the requests table (master-initiated venue actions without a
// ledger row) updates zero rows, which is fine.
func (w *EventLogWriter) ResolveRequestBatch(ctx context.Context, tx *sql.Tx, resolutions []RequestResolution, now time.Time) error {
	const query = `UPDATE vault_log.requests
		SET state = $1, shares = COALESCE($2, shares), updated_at = $3
		WHERE category = $4 AND venue_key = $5 AND state = 'Pending'`

	for _, r := range resolutions {
		if _, err := tx.ExecContext(ctx, query, r.State, r.Shares, now, r.Category, r.VenueKey); err != nil {
			return err
		}
	}
	return nil
}

// MarshalPayload is a convenience wrapper for JSON-encoding event payloads.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
