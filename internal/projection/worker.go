package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"time"
)

// ProjectionOutput mirrors the data projection workers need from a
// persisted event. The orchestrator bridges from the persistence worker's
// post-commit notifications to this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Payload   []byte
	Timestamp time.Time
}

// ShareChange is one holder's share balance delta implied by an event.
type ShareChange struct {
	Holder string
	Delta  *big.Int
}

// EscrowHolder is the internal account that carries shares between a
// withdrawal request and its settlement. It appears in the projection like
// any other holder.
const EscrowHolder = "escrow"

// ProjectionWorker folds persisted events into the share-balance
// projection. The input channel is non-blocking with drop: if projections
// fall behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	changes, err := ShareChangesFor(output.EventType, output.Payload)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range changes {
		if err := pw.applyShareChange(ctx, tx, c, output.Timestamp); err != nil {
			return fmt.Errorf("share projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('shares', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) applyShareChange(ctx context.Context, tx *sql.Tx, c ShareChange, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.share_balances (holder, shares, updated_at)
		VALUES ($1, $2::NUMERIC, $3)
		ON CONFLICT (holder)
		DO UPDATE SET shares = projections.share_balances.shares + $2::NUMERIC, updated_at = $3
	`, c.Holder, c.Delta.String(), ts)
	return err
}

// Wire structs for the payload fields the projection cares about. Payloads
// are the JSON encoding of the vault's event structs.
type sharePayload struct {
	Holder       string   `json:"Holder"`
	Shares       *big.Int `json:"Shares"`
	MintedShares *big.Int `json:"MintedShares"`
	BurnedShares *big.Int `json:"BurnedShares"`
}

// ShareChangesFor derives the share balance deltas implied by an event.
// Events that do not move shares return nil.
func ShareChangesFor(eventType string, payload []byte) ([]ShareChange, error) {
	var p sharePayload
	switch eventType {
	case "DepositRequested", "DepositExecuted",
		"WithdrawalRequested", "WithdrawalExecuted", "WithdrawalCancelled":
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
	default:
		return nil, nil
	}

	switch eventType {
	case "DepositRequested":
		// Immediate mint only; routed deposits mint at DepositExecuted.
		if p.Shares == nil || p.Shares.Sign() == 0 {
			return nil, nil
		}
		return []ShareChange{{Holder: p.Holder, Delta: p.Shares}}, nil

	case "DepositExecuted":
		if p.Holder == "" || p.MintedShares == nil || p.MintedShares.Sign() == 0 {
			return nil, nil
		}
		return []ShareChange{{Holder: p.Holder, Delta: p.MintedShares}}, nil

	case "WithdrawalRequested":
		// Pessimistic burn: shares leave the holder and sit in escrow.
		return []ShareChange{
			{Holder: p.Holder, Delta: new(big.Int).Neg(p.Shares)},
			{Holder: EscrowHolder, Delta: p.Shares},
		}, nil

	case "WithdrawalExecuted":
		if p.BurnedShares == nil || p.BurnedShares.Sign() == 0 {
			return nil, nil
		}
		return []ShareChange{
			{Holder: EscrowHolder, Delta: new(big.Int).Neg(p.BurnedShares)},
		}, nil

	case "WithdrawalCancelled":
		if p.Holder == "" || p.Shares == nil {
			return nil, nil
		}
		return []ShareChange{
			{Holder: EscrowHolder, Delta: new(big.Int).Neg(p.Shares)},
			{Holder: p.Holder, Delta: p.Shares},
		}, nil
	}

	return nil, nil
}

// RebuildProjections rebuilds the share-balance projection by replaying the
// event log from the beginning.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.share_balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'shares'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload
		FROM vault_log.events
		WHERE event_type IN ('DepositRequested', 'DepositExecuted',
			'WithdrawalRequested', 'WithdrawalExecuted', 'WithdrawalCancelled')
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]*big.Int)
	var lastSeq int64
	for rows.Next() {
		var seq int64
		var eventType string
		var payload []byte
		if err := rows.Scan(&seq, &eventType, &payload); err != nil {
			return err
		}

		changes, err := ShareChangesFor(eventType, payload)
		if err != nil {
			return fmt.Errorf("seq %d: %w", seq, err)
		}
		for _, c := range changes {
			bal, ok := balances[c.Holder]
			if !ok {
				bal = new(big.Int)
				balances[c.Holder] = bal
			}
			bal.Add(bal, c.Delta)
		}
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for holder, bal := range balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.share_balances (holder, shares, updated_at)
			VALUES ($1, $2::NUMERIC, $3)
		`, holder, bal.String(), now); err != nil {
			return fmt.Errorf("rebuild holder %s: %w", holder, err)
		}
	}

	if lastSeq > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('shares', $1, NOW())
		`, lastSeq); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
