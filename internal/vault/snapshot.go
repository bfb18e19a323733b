package vault

import (
	"fmt"
	"math/big"

	"OmniVault/internal/protocol"
)

// State is a point-in-time copy of the vault's in-memory state, used for
// periodic snapshots and warm restarts. Settled and cancelled requests live
// in the durable request ledger and are not carried here.
type State struct {
	Sequence int64
	Status   protocol.Status

	TotalShares     *big.Int
	Rate            *big.Int
	FeeReserve      *big.Int
	PendingDeposits *big.Int

	ShareBalances map[string]*big.Int
	Tokens        []Token
	PluginIDs     []uint8

	// Pending requests, including their custody details, so routed
	// settlements and cancellations survive a restart.
	Requests []Request
}

// ExportState captures a consistent copy of the vault state.
func (v *Vault) ExportState() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := State{
		Sequence:        v.sequence,
		Status:          v.status,
		TotalShares:     new(big.Int).Set(v.totalShares),
		Rate:            new(big.Int).Set(v.rate),
		FeeReserve:      new(big.Int).Set(v.feeReserve),
		PendingDeposits: new(big.Int).Set(v.pendingDeposits),
		ShareBalances:   make(map[string]*big.Int, len(v.shares)),
		Tokens:          append([]Token(nil), v.tokens...),
	}

	for holder, bal := range v.shares {
		if bal.Sign() == 0 {
			continue
		}
		s.ShareBalances[holder] = new(big.Int).Set(bal)
	}

	for _, p := range v.plugins {
		s.PluginIDs = append(s.PluginIDs, p.ID())
	}

	for _, req := range v.byID {
		if req.State != RequestPending {
			continue
		}
		s.Requests = append(s.Requests, copyRequest(req))
	}

	return s
}

// RestoreState loads a snapshot into an empty vault. Plugins must already be
// registered; the snapshot records their IDs only. Pending routed requests
// are re-registered with the settlement router so venue callbacks resolve
// after the restart.
func (v *Vault) RestoreState(s State) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sequence != 0 || len(v.byID) != 0 {
		return fmt.Errorf("restore into non-empty vault (sequence=%d)", v.sequence)
	}

	for _, id := range s.PluginIDs {
		if v.pluginIndex[id] == 0 {
			return fmt.Errorf("snapshot references plugin %d which is not registered", id)
		}
	}

	v.sequence = s.Sequence
	v.status = s.Status
	v.totalShares.Set(s.TotalShares)
	v.rate.Set(s.Rate)
	v.feeReserve.Set(s.FeeReserve)
	v.pendingDeposits.Set(s.PendingDeposits)

	for holder, bal := range s.ShareBalances {
		v.shares[holder] = new(big.Int).Set(bal)
	}

	v.tokens = append([]Token(nil), s.Tokens...)
	v.tokenIndex = make(map[string]int, len(s.Tokens))
	for i, tok := range s.Tokens {
		v.tokenIndex[tok.Symbol] = i + 1
	}

	for i := range s.Requests {
		req := copyRequest(&s.Requests[i])
		r := &req
		v.byID[r.ID.String()] = r
		if r.Key != "" {
			v.requests[requestKey(r.Category, r.Key)] = r
			if r.PluginID != nil && v.pending != nil {
				if err := v.pending.RegisterKey(r.Category, r.Key, *r.PluginID, r.PoolID); err != nil {
					return fmt.Errorf("re-register %s key %q: %w", r.Category, r.Key, err)
				}
			}
		}
	}

	v.logger.Info().
		Int64("sequence", s.Sequence).
		Int("holders", len(s.ShareBalances)).
		Int("pending_requests", len(s.Requests)).
		Msg("State restored from snapshot")

	v.updateShareMetrics()
	v.updateRequestMetrics()
	return nil
}

func copyRequest(req *Request) Request {
	out := *req
	out.Tokens = append([]string(nil), req.Tokens...)
	out.Amounts = make([]*big.Int, len(req.Amounts))
	for i, a := range req.Amounts {
		out.Amounts[i] = new(big.Int).Set(a)
	}
	if req.Value != nil {
		out.Value = new(big.Int).Set(req.Value)
	}
	if req.Shares != nil {
		out.Shares = new(big.Int).Set(req.Shares)
	}
	if req.PluginID != nil {
		id := *req.PluginID
		out.PluginID = &id
	}
	return out
}
