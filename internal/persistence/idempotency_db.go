package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresIdempotencyChecker implements DB-based deduplication against the
// durable event log. It backs the in-memory replay window: the LRU answers
// for recent keys, the log answers for everything older.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if an event with this type and idempotency key already
// exists in the log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM vault_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}

// terminalEventTypes are the callback events that close a venue key. Their
// idempotency key is the venue request key itself.
var terminalEventTypes = []string{
	"DepositExecuted", "DepositCancelled",
	"WithdrawalExecuted", "WithdrawalCancelled",
	"OrderExecuted", "OrderCancelled",
}

// RecentSettledKeys returns composite "<category>:<key>" strings for the
// most recently resolved venue keys, used to warm the router's replay
// window after a restart.
func (pic *PostgresIdempotencyChecker) RecentSettledKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM vault_log.events
		WHERE event_type = ANY($1)
		ORDER BY sequence DESC
		LIMIT $2
	`, pq.Array(terminalEventTypes), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, categoryForEventType(eventType)+":"+key)
	}
	return keys, rows.Err()
}

func categoryForEventType(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "Deposit"):
		return "Deposit"
	case strings.HasPrefix(eventType, "Withdrawal"):
		return "Withdrawal"
	default:
		return "Order"
	}
}
