package query

import (
	"context"
	"database/sql"
	"fmt"
)

// QueryService provides read-only access to the event log and projection
// tables. Responses include as_of_sequence so callers can reason about
// freshness: projections trail the vault's in-memory state by however far
// the persistence and projection workers are behind.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetShareBalance returns a holder's projected share balance.
func (qs *QueryService) GetShareBalance(ctx context.Context, holder string) (*ShareBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var shares string
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares::TEXT FROM projections.share_balances WHERE holder = $1
	`, holder).Scan(&shares)
	if err == sql.ErrNoRows {
		shares = "0"
	} else if err != nil {
		return nil, err
	}

	return &ShareBalanceResponse{
		Holder:       holder,
		Shares:       shares,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetShareBalances returns the largest holders, biggest first.
func (qs *QueryService) GetShareBalances(ctx context.Context, limit int) ([]ShareBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT holder, shares::TEXT
		FROM projections.share_balances
		WHERE shares != 0
		ORDER BY shares DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ShareBalanceResponse
	for rows.Next() {
		var b ShareBalanceResponse
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.Holder, &b.Shares); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetRequestHistory returns a holder's request ledger rows with
// cursor-based pagination on created_at descending.
func (qs *QueryService) GetRequestHistory(
	ctx context.Context,
	holder string,
	category *string,
	limit int,
) ([]RequestResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	queryStr := `
		SELECT request_id, category, holder, plugin_id, venue_key,
		       payout_token, shares::TEXT, state, created_at, updated_at
		FROM vault_log.requests
		WHERE holder = $1
	`
	args := []interface{}{holder}
	argIdx := 2

	if category != nil {
		queryStr += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, *category)
		argIdx++
	}

	queryStr += " ORDER BY created_at DESC"
	queryStr += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []RequestResponse
	for rows.Next() {
		var r RequestResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.RequestID, &r.Category, &r.Holder, &r.PluginID, &r.VenueKey,
			&r.PayoutToken, &r.Shares, &r.State, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// GetEventHistory returns event log rows, newest first, with cursor-based
// pagination on sequence.
func (qs *QueryService) GetEventHistory(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]EventResponse, error) {
	queryStr := `
		SELECT sequence, event_type, idempotency_key, plugin_id, payload,
		       encode(state_hash, 'hex'), timestamp
		FROM vault_log.events
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		queryStr += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	queryStr += " ORDER BY sequence DESC"
	queryStr += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PluginID,
			&e.Payload, &e.StateHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and share-balance sanity.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM vault_log.events e1
		LEFT JOIN vault_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e2.sequence IS NOT NULL AND e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Share balances can never go negative; a negative row means the
	// projection and the log disagree.
	negRows, err := qs.db.QueryContext(ctx, `
		SELECT holder, shares::TEXT
		FROM projections.share_balances
		WHERE shares < 0
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var nb NegativeBalance
		if err := negRows.Scan(&nb.Holder, &nb.Shares); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, nb)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeBalances) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'shares'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
