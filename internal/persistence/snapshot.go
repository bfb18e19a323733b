package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures the full process state: share balances, accounting
// figures, registries, in-flight venue keys, custody balances, adapter
// receipt positions, the replay window, and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
// Amounts are decimal strings: share and value figures exceed int64.
type SnapshotData struct {
	Sequence        int64                `json:"sequence"`
	StateHash       []byte               `json:"state_hash"`
	PrevHash        []byte               `json:"prev_hash"`
	TotalShares     string               `json:"total_shares"`
	Rate            string               `json:"rate"`
	FeeReserve      string               `json:"fee_reserve"`
	PendingDeposits string               `json:"pending_deposits"`
	Status          int32                `json:"status"`
	ShareBalances   map[string]string    `json:"share_balances"` // holder -> 18-decimal shares
	AcceptedTokens  []TokenSnapshot      `json:"accepted_tokens"`
	PluginIDs       []uint8              `json:"plugin_ids"`
	PendingRequests []RequestSnapshot    `json:"pending_requests"`
	SettledKeys     []string             `json:"settled_keys"` // composite keys for replay-window warming
	BankBalances    []BalanceSnapshot    `json:"bank_balances"`
	Adapters        []AdapterSnapshot    `json:"adapters"`
	CreatedAt       time.Time            `json:"created_at"`
}

// BalanceSnapshot is one custody row of the in-process bank.
type BalanceSnapshot struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// AdapterSnapshot carries one venue adapter's mutable state: receipt
// positions per pool, in-flight commitments, and the fee float.
type AdapterSnapshot struct {
	PluginID     uint8                 `json:"plugin_id"`
	ExecutionFee string                `json:"execution_fee"`
	Pools        []PoolBalanceSnapshot `json:"pools,omitempty"`
	Inflights    []InflightSnapshot    `json:"inflights,omitempty"`
}

// PoolBalanceSnapshot is one pool's receipt position.
type PoolBalanceSnapshot struct {
	PoolID         uint64 `json:"pool_id"`
	ReceiptBalance string `json:"receipt_balance"`
	PendingReceipt string `json:"pending_receipt"`
}

// InflightSnapshot is one pending venue commitment.
type InflightSnapshot struct {
	Category string   `json:"category"`
	VenueKey string   `json:"venue_key"`
	PoolID   uint64   `json:"pool_id,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	Amounts  []string `json:"amounts,omitempty"`
	Receipt  *string  `json:"receipt,omitempty"`
}

// RequestSnapshot is a serializable in-flight request, with enough custody
// detail to settle or reverse it after a restart.
type RequestSnapshot struct {
	RequestID   string    `json:"request_id"`
	Category    string    `json:"category"`
	VenueKey    string    `json:"venue_key,omitempty"`
	Holder      string    `json:"holder"`
	Tokens      []string  `json:"tokens,omitempty"`
	Amounts     []string  `json:"amounts,omitempty"`
	Value       string    `json:"value"`
	Shares      *string   `json:"shares,omitempty"`
	PayoutToken string    `json:"payout_token,omitempty"`
	PluginID    *uint8    `json:"plugin_id,omitempty"`
	PoolID      uint64    `json:"pool_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TokenSnapshot is a serializable accepted-token registry entry.
type TokenSnapshot struct {
	Token    string `json:"token"`
	Decimals uint8  `json:"decimals"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are saved
// unverified; MarkVerified flips the flag once a replay check from the
// snapshot sequence forward reproduces the chain tip.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the snapshot then replay events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay, used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, plugin_id, payload,
		       state_hash, prev_hash, timestamp
		FROM vault_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PluginID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
