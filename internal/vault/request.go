package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"OmniVault/internal/bank"
	"OmniVault/internal/event"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/protocol"
)

// RequestState tracks a request through its lifecycle.
type RequestState int32

const (
	RequestPending RequestState = iota
	RequestSettled
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "Pending"
	case RequestSettled:
		return "Settled"
	case RequestCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Request is the vault-side record of one deposit, withdrawal, or order.
// Immediate deposits settle in the same call; routed requests stay Pending
// until the venue callback arrives.
type Request struct {
	ID       uuid.UUID
	Category protocol.Category
	Key      protocol.RequestKey
	Holder   string
	Tokens   []string
	Amounts  []*big.Int

	// Value is the 18-decimal deposit value measured at submission.
	Value *big.Int

	// Shares minted (deposits) or escrowed (withdrawals).
	Shares *big.Int

	PayoutToken string
	PluginID    *uint8
	PoolID      uint64
	State       RequestState
	CreatedAt   time.Time
}

// DepositRoute directs a deposit into a venue pool instead of idle vault
// custody. Routed deposits defer share minting until settlement.
type DepositRoute struct {
	PluginID      uint8
	PoolID        uint64
	MinReceiptOut *big.Int
}

// WithdrawRoute directs a withdrawal's unstake leg.
type WithdrawRoute struct {
	PluginID uint8
	PoolID   uint64
	MinOut   *big.Int
}

// ============================================================================
// Deposits
// ============================================================================

// AddDepositRequest accepts holder capital. With no route, shares are minted
// immediately at the current rate. With a route, the capital is staked into
// the venue and shares are minted when the venue's deposit callback settles.
func (v *Vault) AddDepositRequest(ctx context.Context, holder string, tokens []string, amounts []*big.Int, route *DepositRoute) (*Request, error) {
	if holder == "" {
		return nil, fmt.Errorf("deposit holder: %w", protocol.ErrInvalidAddress)
	}
	if len(tokens) == 0 || len(tokens) != len(amounts) {
		return nil, fmt.Errorf("deposit tokens/amounts mismatch: %w", protocol.ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.status != protocol.StatusNormal {
		return nil, fmt.Errorf("deposits paused: %w", protocol.ErrProtocolPending)
	}

	// Value the basket at conservative (min) prices before moving custody.
	value := new(big.Int)
	for i, symbol := range tokens {
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return nil, fmt.Errorf("deposit amount for %s must be positive: %w", symbol, protocol.ErrInvalidAmount)
		}
		tok, err := v.tokenLocked(symbol)
		if err != nil {
			return nil, err
		}
		quote, err := v.prices.GetPrice(symbol)
		if err != nil {
			return nil, err
		}
		value.Add(value, fpmath.TokenValue(amounts[i], tok.Decimals, quote.Pick(true), quote.Decimals))
	}

	// Pull custody from the holder; unwind on partial failure.
	moved := 0
	for i, symbol := range tokens {
		if err := v.bank.Transfer(symbol, holder, bank.AccountVault, amounts[i]); err != nil {
			v.returnTokens(tokens[:moved], amounts[:moved], holder)
			return nil, err
		}
		moved++
	}

	req := &Request{
		ID:        uuid.New(),
		Category:  protocol.CategoryDeposit,
		Holder:    holder,
		Tokens:    append([]string(nil), tokens...),
		Amounts:   copyAmounts(amounts),
		Value:     value,
		CreatedAt: timeNow(),
	}

	if route == nil {
		// Immediate mint at the current rate.
		minted := fpmath.SharesForValue(value, v.rate)
		v.creditShares(holder, minted)
		v.totalShares.Add(v.totalShares, minted)
		req.Shares = minted
		req.State = RequestSettled
		v.byID[req.ID.String()] = req

		v.logger.Info().
			Str("holder", holder).
			Str("value", value.String()).
			Str("shares", minted.String()).
			Msg("Deposit minted")
		v.emit(&event.DepositRequested{
			RequestID: req.ID,
			Holder:    holder,
			Tokens:    req.Tokens,
			Amounts:   req.Amounts,
			Shares:    minted,
			Sequence:  v.nextSeq(),
		})
		v.updateShareMetrics()
		return req, nil
	}

	plugin, err := v.pluginLocked(route.PluginID)
	if err != nil {
		v.returnTokens(tokens, amounts, holder)
		return nil, err
	}
	if !plugin.PoolExists(route.PoolID) {
		v.returnTokens(tokens, amounts, holder)
		return nil, fmt.Errorf("pool %d: %w", route.PoolID, protocol.ErrNotFound)
	}

	key, err := plugin.Execute(ctx, &protocol.StakeAction{
		PoolID:        route.PoolID,
		Tokens:        tokens,
		Amounts:       amounts,
		MinReceiptOut: route.MinReceiptOut,
	})
	if err != nil {
		v.returnTokens(tokens, amounts, holder)
		return nil, err
	}

	pid := route.PluginID
	req.Key = key
	req.PluginID = &pid
	req.PoolID = route.PoolID
	req.State = RequestPending
	v.pendingDeposits.Add(v.pendingDeposits, value)
	v.trackRequest(req)

	v.logger.Info().
		Str("holder", holder).
		Str("key", string(key)).
		Uint64("pool_id", route.PoolID).
		Str("value", value.String()).
		Msg("Deposit routed to venue")
	v.emit(&event.DepositRequested{
		RequestID: req.ID,
		Holder:    holder,
		Tokens:    req.Tokens,
		Amounts:   req.Amounts,
		PluginID:  req.PluginID,
		VenueKey:  key,
		Sequence:  v.nextSeq(),
	})
	return req, nil
}

// ============================================================================
// Withdrawals
// ============================================================================

// AddWithdrawalRequest escrows holder shares and submits the unstake leg to
// the venue. Shares burn at settlement; the payout lands with the holder
// then. Only one routed withdrawal may be in flight: the protocol status
// flips to Pending until it settles or cancels.
func (v *Vault) AddWithdrawalRequest(ctx context.Context, holder string, shares *big.Int, payoutToken string, route WithdrawRoute) (*Request, error) {
	if holder == "" {
		return nil, fmt.Errorf("withdrawal holder: %w", protocol.ErrInvalidAddress)
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("withdrawal shares must be positive: %w", protocol.ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.status != protocol.StatusNormal {
		return nil, fmt.Errorf("withdrawals paused: %w", protocol.ErrProtocolPending)
	}
	if _, err := v.tokenLocked(payoutToken); err != nil {
		return nil, err
	}
	plugin, err := v.pluginLocked(route.PluginID)
	if err != nil {
		return nil, err
	}
	if !plugin.PoolExists(route.PoolID) {
		return nil, fmt.Errorf("pool %d: %w", route.PoolID, protocol.ErrNotFound)
	}

	// Pessimistic escrow: the holder loses the shares now; TotalShares is
	// untouched until the venue settles.
	if err := v.debitShares(holder, shares); err != nil {
		return nil, err
	}
	v.creditShares(EscrowAccount, shares)

	value := fpmath.ValueForShares(shares, v.rate)
	receiptAmount, err := plugin.ReceiptForValue(route.PoolID, value, false)
	if err != nil {
		v.unescrow(holder, shares)
		return nil, err
	}

	key, err := plugin.Execute(ctx, &protocol.UnstakeAction{
		PoolID:        route.PoolID,
		ReceiptAmount: receiptAmount,
		MinOut:        route.MinOut,
		Receiver:      holder,
	})
	if err != nil {
		v.unescrow(holder, shares)
		return nil, err
	}

	pid := route.PluginID
	req := &Request{
		ID:          uuid.New(),
		Category:    protocol.CategoryWithdrawal,
		Key:         key,
		Holder:      holder,
		Value:       value,
		Shares:      new(big.Int).Set(shares),
		PayoutToken: payoutToken,
		PluginID:    &pid,
		PoolID:      route.PoolID,
		State:       RequestPending,
		CreatedAt:   timeNow(),
	}
	v.trackRequest(req)
	_ = v.setStatusLocked(protocol.StatusPending)

	v.logger.Info().
		Str("holder", holder).
		Str("key", string(key)).
		Str("shares", shares.String()).
		Str("value", value.String()).
		Msg("Withdrawal routed to venue")
	v.emit(&event.WithdrawalRequested{
		RequestID:   req.ID,
		Holder:      holder,
		Shares:      req.Shares,
		PayoutToken: payoutToken,
		PluginID:    req.PluginID,
		VenueKey:    key,
		Sequence:    v.nextSeq(),
	})
	return req, nil
}

// unescrow assumes the lock is held.
func (v *Vault) unescrow(holder string, shares *big.Int) {
	if err := v.debitShares(EscrowAccount, shares); err != nil {
		v.logger.Error().Err(err).Str("holder", holder).Msg("Escrow reversal failed")
		return
	}
	v.creditShares(holder, shares)
}

// ============================================================================
// Master execution
// ============================================================================

// Execute dispatches a typed action through a plugin. Owner or master.
// Cancel actions resolve the pending key and reverse the request in the
// same call once the venue accepts the cancellation.
func (v *Vault) Execute(ctx context.Context, caller string, pluginID uint8, action protocol.Action) (protocol.RequestKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.CanOperate(caller) {
		return "", fmt.Errorf("execute: %w", protocol.ErrUnauthorized)
	}
	plugin, err := v.pluginLocked(pluginID)
	if err != nil {
		return "", err
	}

	if cancel, ok := action.(*protocol.CancelRequestAction); ok {
		return "", v.cancelLocked(ctx, plugin, cancel.Category, cancel.Key)
	}
	if cl, ok := action.(*protocol.ClaimAction); ok {
		return "", v.claimLocked(ctx, plugin, cl.PoolID)
	}

	key, err := plugin.Execute(ctx, action)
	if err != nil {
		return "", err
	}

	if action.Type() == protocol.ActionSwapTokens {
		req := &Request{
			ID:        uuid.New(),
			Category:  protocol.CategoryOrder,
			Key:       key,
			PluginID:  &pluginID,
			State:     RequestPending,
			CreatedAt: timeNow(),
		}
		v.trackRequest(req)
		v.emit(&event.OrderSubmitted{
			RequestID: req.ID,
			PluginID:  pluginID,
			Action:    action.Type(),
			VenueKey:  key,
			Sequence:  v.nextSeq(),
		})
	}

	v.logger.Info().
		Uint8("plugin_id", pluginID).
		Str("action", action.Type().String()).
		Str("key", string(key)).
		Msg("Action executed")
	return key, nil
}

// cancelLocked assumes the lock is held. The venue accepted the cancel, so
// the reversal is synchronous; the venue's trailing cancelled callback is
// absorbed as a replay by the router.
func (v *Vault) cancelLocked(ctx context.Context, plugin Plugin, category protocol.Category, key protocol.RequestKey) error {
	if _, ok := v.pending.Lookup(category, key); !ok {
		return fmt.Errorf("key %s not pending in %s: %w", key, category, protocol.ErrRequestNotPending)
	}

	if err := plugin.CancelRequest(ctx, category, key); err != nil {
		return err
	}

	entry, err := v.pending.ResolveCancelled(category, key)
	if err != nil {
		return err
	}
	return v.reverseCancelledLocked(entry, "cancelled by operator")
}

// claimLocked assumes the lock is held. The claim is synchronous: the
// adapter books the rewards into vault custody before returning.
func (v *Vault) claimLocked(ctx context.Context, plugin Plugin, poolID uint64) error {
	tokens, amounts, err := plugin.Claim(ctx, poolID)
	if err != nil {
		return err
	}

	v.emit(&event.RewardsClaimed{
		ClaimID:  uuid.New(),
		Plugin:   plugin.ID(),
		PoolID:   poolID,
		Tokens:   tokens,
		Amounts:  amounts,
		Sequence: v.nextSeq(),
	})
	v.logger.Info().
		Uint8("plugin_id", plugin.ID()).
		Uint64("pool_id", poolID).
		Int("rewards", len(tokens)).
		Msg("Rewards claimed")
	return nil
}

// ============================================================================
// Request tracking
// ============================================================================

// trackRequest assumes the lock is held.
func (v *Vault) trackRequest(req *Request) {
	v.requests[requestKey(req.Category, req.Key)] = req
	v.byID[req.ID.String()] = req
	v.updateRequestMetrics()
}

// lookupRequestLocked assumes the lock is held.
func (v *Vault) lookupRequestLocked(category protocol.Category, key protocol.RequestKey) *Request {
	return v.requests[requestKey(category, key)]
}

// RequestByID returns a snapshot of one request.
func (v *Vault) RequestByID(id string) (Request, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	req, ok := v.byID[id]
	if !ok {
		return Request{}, false
	}
	return snapshotRequest(req), true
}

// PendingRequests returns snapshots of in-flight requests for a category,
// ordered by the pending-key ledger.
func (v *Vault) PendingRequests(category protocol.Category) []Request {
	keys := v.pending.Keys(category)

	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Request, 0, len(keys))
	for _, key := range keys {
		if req := v.lookupRequestLocked(category, key); req != nil {
			out = append(out, snapshotRequest(req))
		}
	}
	return out
}

func snapshotRequest(req *Request) Request {
	cp := *req
	cp.Tokens = append([]string(nil), req.Tokens...)
	cp.Amounts = copyAmounts(req.Amounts)
	if req.Value != nil {
		cp.Value = new(big.Int).Set(req.Value)
	}
	if req.Shares != nil {
		cp.Shares = new(big.Int).Set(req.Shares)
	}
	return cp
}

// returnTokens assumes the lock is held.
func (v *Vault) returnTokens(tokens []string, amounts []*big.Int, holder string) {
	for i, symbol := range tokens {
		if err := v.bank.Transfer(symbol, bank.AccountVault, holder, amounts[i]); err != nil {
			v.logger.Error().Err(err).Str("token", symbol).Str("holder", holder).Msg("Deposit unwind failed")
		}
	}
}

func requestKey(category protocol.Category, key protocol.RequestKey) string {
	return fmt.Sprintf("%s:%s", category, key)
}

func copyAmounts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, a := range in {
		if a != nil {
			out[i] = new(big.Int).Set(a)
		}
	}
	return out
}
