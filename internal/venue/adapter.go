package venue

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"OmniVault/internal/bank"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/oracle"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// inflight tracks capital committed to one pending venue key so settlement
// and cancellation can be reconciled against what actually left custody.
type inflight struct {
	category protocol.Category
	key      protocol.RequestKey
	poolID   uint64
	tokens   []string
	amounts  []*big.Int
	receipt  *big.Int
}

// Adapter routes vault capital into one external venue.
type Adapter struct {
	id      uint8
	name    string
	account string

	bank    bank.Bank
	prices  oracle.Consumer
	tokens  TokenSource
	client  Client
	pending *router.Router
	logger  zerolog.Logger

	mu        sync.Mutex
	pools     []*Pool
	poolIndex map[uint64]int // pool ID -> slot+1, 0 means absent
	inflights map[string]*inflight

	// Native-token float funding venue execution fees.
	executionFee    *big.Int
	minExecutionFee *big.Int
}

// NewAdapter builds an adapter for the given plugin slot. The adapter
// authorizes itself as a callback handler on the pending-key router.
func NewAdapter(id uint8, name string, b bank.Bank, prices oracle.Consumer, tokens TokenSource, client Client, pending *router.Router, minExecutionFee *big.Int, logger zerolog.Logger) *Adapter {
	a := &Adapter{
		id:              id,
		name:            name,
		account:         bank.PluginAccount(id),
		bank:            b,
		prices:          prices,
		tokens:          tokens,
		client:          client,
		pending:         pending,
		logger:          logger.With().Str("component", "venue_adapter").Uint8("plugin_id", id).Logger(),
		poolIndex:       make(map[uint64]int),
		inflights:       make(map[string]*inflight),
		executionFee:    new(big.Int),
		minExecutionFee: new(big.Int).Set(minExecutionFee),
	}
	pending.AuthorizeHandler(id)
	return a
}

func (a *Adapter) ID() uint8 {
	return a.id
}

func (a *Adapter) Name() string {
	return a.name
}

// ============================================================================
// Pool registry
// ============================================================================

// AddPool registers a venue pool. Pool IDs are unique per adapter.
func (a *Adapter) AddPool(cfg PoolConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.poolIndex[cfg.ID] != 0 {
		return fmt.Errorf("pool %d already registered: %w", cfg.ID, protocol.ErrDuplicateID)
	}
	if cfg.Market == "" || cfg.ReceiptToken == "" {
		return fmt.Errorf("pool %d missing market or receipt token: %w", cfg.ID, protocol.ErrInvalidToken)
	}

	a.pools = append(a.pools, newPool(cfg))
	a.poolIndex[cfg.ID] = len(a.pools)

	a.logger.Info().Uint64("pool_id", cfg.ID).Str("market", cfg.Market).Msg("Pool registered")
	return nil
}

// RemovePool drops a pool. It fails while the pool still holds receipts or
// has a pending venue key.
func (a *Adapter) RemovePool(poolID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := a.poolIndex[poolID]
	if slot == 0 {
		return fmt.Errorf("pool %d: %w", poolID, protocol.ErrNotFound)
	}
	pool := a.pools[slot-1]

	if pool.totalReceipt().Sign() != 0 {
		return fmt.Errorf("pool %d still holds %s receipts: %w", poolID, pool.totalReceipt(), protocol.ErrInsufficientBalance)
	}
	if a.pending.HasPoolKeys(a.id, poolID) {
		return fmt.Errorf("pool %d has pending venue keys: %w", poolID, protocol.ErrRequestNotPending)
	}

	// Swap-with-last removal keeps the index map consistent.
	last := len(a.pools) - 1
	if slot-1 != last {
		a.pools[slot-1] = a.pools[last]
		a.poolIndex[a.pools[slot-1].ID] = slot
	}
	a.pools = a.pools[:last]
	delete(a.poolIndex, poolID)

	a.logger.Info().Uint64("pool_id", poolID).Msg("Pool removed")
	return nil
}

// PoolExists reports whether poolID is registered.
func (a *Adapter) PoolExists(poolID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poolIndex[poolID] != 0
}

// Pools returns snapshots of all registered pools in slot order.
func (a *Adapter) Pools() []Pool {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Pool, len(a.pools))
	for i, p := range a.pools {
		out[i] = p.snapshot()
	}
	return out
}

// lookupPool assumes the lock is held.
func (a *Adapter) lookupPool(poolID uint64) (*Pool, error) {
	slot := a.poolIndex[poolID]
	if slot == 0 {
		return nil, fmt.Errorf("pool %d: %w", poolID, protocol.ErrNotFound)
	}
	return a.pools[slot-1], nil
}

// ============================================================================
// Action dispatch
// ============================================================================

// Execute dispatches a typed action to the venue. Asynchronous actions
// return the venue key registered for later settlement; synchronous actions
// return an empty key.
func (a *Adapter) Execute(ctx context.Context, action protocol.Action) (protocol.RequestKey, error) {
	switch act := action.(type) {
	case *protocol.StakeAction:
		return a.stake(ctx, act)
	case *protocol.UnstakeAction:
		return a.unstake(ctx, act)
	case *protocol.SwapAction:
		return a.order(ctx, act)
	case *protocol.ClaimAction:
		_, _, err := a.Claim(ctx, act.PoolID)
		return "", err
	case *protocol.CancelRequestAction:
		return "", a.CancelRequest(ctx, act.Category, act.Key)
	default:
		return "", fmt.Errorf("action %T: %w", action, protocol.ErrNotFound)
	}
}

func (a *Adapter) stake(ctx context.Context, act *protocol.StakeAction) (protocol.RequestKey, error) {
	if len(act.Tokens) == 0 || len(act.Tokens) != len(act.Amounts) {
		return "", fmt.Errorf("stake tokens/amounts mismatch: %w", protocol.ErrInvalidAmount)
	}
	for i, amt := range act.Amounts {
		if amt == nil || amt.Sign() <= 0 {
			return "", fmt.Errorf("stake amount for %s must be positive: %w", act.Tokens[i], protocol.ErrInvalidAmount)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.lookupPool(act.PoolID)
	if err != nil {
		return "", err
	}
	fee, err := a.reserveExecutionFee()
	if err != nil {
		return "", err
	}

	// Move tokens into transient adapter custody; unwind on any failure.
	moved := 0
	for i, token := range act.Tokens {
		if err := a.bank.Transfer(token, bank.AccountVault, a.account, act.Amounts[i]); err != nil {
			a.unwindTransfers(act.Tokens[:moved], act.Amounts[:moved], a.account, bank.AccountVault)
			a.refundExecutionFee(fee)
			return "", err
		}
		moved++
	}

	key, err := a.client.CreateDeposit(ctx, DepositRequest{
		Market:        pool.Market,
		Tokens:        act.Tokens,
		Amounts:       act.Amounts,
		MinReceiptOut: act.MinReceiptOut,
		ExecutionFee:  fee,
	})
	if err != nil {
		a.unwindTransfers(act.Tokens, act.Amounts, a.account, bank.AccountVault)
		a.refundExecutionFee(fee)
		return "", fmt.Errorf("venue deposit submission: %w", err)
	}

	if err := a.pending.RegisterKey(protocol.CategoryDeposit, key, a.id, act.PoolID); err != nil {
		// The venue accepted the request but we cannot track it. Put the
		// tokens and fee back; the eventual callback for an untracked key
		// is dropped by the ledger.
		a.unwindTransfers(act.Tokens, act.Amounts, a.account, bank.AccountVault)
		a.refundExecutionFee(fee)
		a.logger.Error().
			Err(err).
			Str("key", string(key)).
			Uint64("pool_id", act.PoolID).
			Msg("Venue deposit submitted but key registration failed, custody unwound")
		return "", fmt.Errorf("register deposit key %s: %w", key, err)
	}

	// Custody passes to the venue while the request is pending.
	a.unwindTransfers(act.Tokens, act.Amounts, a.account, bank.AccountVenue)
	a.inflights[inflightKey(protocol.CategoryDeposit, key)] = &inflight{
		category: protocol.CategoryDeposit,
		key:      key,
		poolID:   act.PoolID,
		tokens:   append([]string(nil), act.Tokens...),
		amounts:  copyAmounts(act.Amounts),
	}

	a.logger.Info().
		Uint64("pool_id", act.PoolID).
		Str("key", string(key)).
		Int("tokens", len(act.Tokens)).
		Msg("Stake submitted")
	return key, nil
}

func (a *Adapter) unstake(ctx context.Context, act *protocol.UnstakeAction) (protocol.RequestKey, error) {
	if act.ReceiptAmount == nil || act.ReceiptAmount.Sign() <= 0 {
		return "", fmt.Errorf("unstake receipt amount must be positive: %w", protocol.ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.lookupPool(act.PoolID)
	if err != nil {
		return "", err
	}
	if pool.ReceiptBalance.Cmp(act.ReceiptAmount) < 0 {
		return "", fmt.Errorf("pool %d holds %s receipts, unstake %s: %w",
			act.PoolID, pool.ReceiptBalance, act.ReceiptAmount, protocol.ErrInsufficientBalance)
	}
	fee, err := a.reserveExecutionFee()
	if err != nil {
		return "", err
	}

	key, err := a.client.CreateWithdrawal(ctx, WithdrawalRequest{
		Market:        pool.Market,
		ReceiptAmount: act.ReceiptAmount,
		MinOut:        act.MinOut,
		Receiver:      act.Receiver,
		Routing:       act.Routing,
		ExecutionFee:  fee,
	})
	if err != nil {
		a.refundExecutionFee(fee)
		return "", fmt.Errorf("venue withdrawal submission: %w", err)
	}

	if err := a.pending.RegisterKey(protocol.CategoryWithdrawal, key, a.id, act.PoolID); err != nil {
		// Receipts are not locked yet, so only the fee needs returning.
		// The venue's callback for the untracked key is dropped.
		a.refundExecutionFee(fee)
		a.logger.Error().
			Err(err).
			Str("key", string(key)).
			Uint64("pool_id", act.PoolID).
			Msg("Venue withdrawal submitted but key registration failed, fee refunded")
		return "", fmt.Errorf("register withdrawal key %s: %w", key, err)
	}

	// Lock the receipts until the venue settles or cancels.
	pool.ReceiptBalance.Sub(pool.ReceiptBalance, act.ReceiptAmount)
	pool.PendingReceipt.Add(pool.PendingReceipt, act.ReceiptAmount)
	a.inflights[inflightKey(protocol.CategoryWithdrawal, key)] = &inflight{
		category: protocol.CategoryWithdrawal,
		key:      key,
		poolID:   act.PoolID,
		receipt:  new(big.Int).Set(act.ReceiptAmount),
	}

	a.logger.Info().
		Uint64("pool_id", act.PoolID).
		Str("key", string(key)).
		Str("receipt_amount", act.ReceiptAmount.String()).
		Msg("Unstake submitted")
	return key, nil
}

func (a *Adapter) order(ctx context.Context, act *protocol.SwapAction) (protocol.RequestKey, error) {
	params := act.Order

	a.mu.Lock()
	defer a.mu.Unlock()

	fee, err := a.reserveExecutionFee()
	if err != nil {
		return "", err
	}
	params.ExecutionFee = fee

	// Increase and swap orders carry collateral out of the vault now;
	// decrease orders only move value back on settlement.
	var escrowToken string
	var escrowAmount *big.Int
	if params.Kind.NeedsCollateral() {
		if params.InitialCollateralDeltaAmount == nil || params.InitialCollateralDeltaAmount.Sign() <= 0 {
			a.refundExecutionFee(fee)
			return "", fmt.Errorf("order collateral must be positive: %w", protocol.ErrInvalidAmount)
		}
		escrowToken = params.InitialCollateralToken
		escrowAmount = params.InitialCollateralDeltaAmount
		if err := a.bank.Transfer(escrowToken, bank.AccountVault, bank.AccountVenue, escrowAmount); err != nil {
			a.refundExecutionFee(fee)
			return "", err
		}
	}

	key, err := a.client.CreateOrder(ctx, params)
	if err != nil {
		if escrowAmount != nil {
			a.unwindTransfers([]string{escrowToken}, []*big.Int{escrowAmount}, bank.AccountVenue, bank.AccountVault)
		}
		a.refundExecutionFee(fee)
		return "", fmt.Errorf("venue order submission: %w", err)
	}

	if err := a.pending.RegisterKey(protocol.CategoryOrder, key, a.id, 0); err != nil {
		if escrowAmount != nil {
			a.unwindTransfers([]string{escrowToken}, []*big.Int{escrowAmount}, bank.AccountVenue, bank.AccountVault)
		}
		a.refundExecutionFee(fee)
		a.logger.Error().
			Err(err).
			Str("key", string(key)).
			Msg("Venue order submitted but key registration failed, collateral unwound")
		return "", fmt.Errorf("register order key %s: %w", key, err)
	}

	rec := &inflight{category: protocol.CategoryOrder, key: key}
	if escrowAmount != nil {
		rec.tokens = []string{escrowToken}
		rec.amounts = []*big.Int{new(big.Int).Set(escrowAmount)}
	}
	a.inflights[inflightKey(protocol.CategoryOrder, key)] = rec

	a.logger.Info().
		Str("key", string(key)).
		Str("kind", params.Kind.String()).
		Msg("Order submitted")
	return key, nil
}

// Claim pulls accrued incentive rewards for a pool and books them into
// vault custody. Returns the claimed tokens and amounts for the caller's
// accounting.
func (a *Adapter) Claim(ctx context.Context, poolID uint64) ([]string, []*big.Int, error) {
	a.mu.Lock()
	pool, err := a.lookupPool(poolID)
	a.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	rewards, err := a.client.ClaimRewards(ctx, pool.Market)
	if err != nil {
		return nil, nil, fmt.Errorf("venue claim: %w", err)
	}

	tokens := make([]string, 0, len(rewards))
	amounts := make([]*big.Int, 0, len(rewards))
	for _, r := range rewards {
		a.bank.Mint(r.Token, bank.AccountVault, r.Amount)
		tokens = append(tokens, r.Token)
		amounts = append(amounts, new(big.Int).Set(r.Amount))
	}

	a.logger.Info().Uint64("pool_id", poolID).Int("rewards", len(rewards)).Msg("Rewards claimed")
	return tokens, amounts, nil
}

// CancelRequest asks the venue to abort a pending key. The pending ledger
// is untouched here: on success the caller resolves the key and reverses
// the request.
func (a *Adapter) CancelRequest(ctx context.Context, category protocol.Category, key protocol.RequestKey) error {
	if err := a.client.CancelRequest(ctx, category, key); err != nil {
		return fmt.Errorf("venue cancel %s %s: %w", category, key, err)
	}
	a.logger.Info().Str("category", category.String()).Str("key", string(key)).Msg("Cancel accepted by venue")
	return nil
}

// ============================================================================
// Settlement reconciliation
// ============================================================================

// ReconcileDeposit books receipts minted by a settled venue deposit.
func (a *Adapter) ReconcileDeposit(entry router.Entry, receiptAmount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.lookupPool(entry.PoolID)
	if err != nil {
		return err
	}
	if receiptAmount == nil || receiptAmount.Sign() < 0 {
		return fmt.Errorf("deposit %s receipt amount invalid: %w", entry.Key, protocol.ErrInvalidAmount)
	}

	pool.ReceiptBalance.Add(pool.ReceiptBalance, receiptAmount)
	delete(a.inflights, inflightKey(protocol.CategoryDeposit, entry.Key))

	a.logger.Info().
		Uint64("pool_id", entry.PoolID).
		Str("key", string(entry.Key)).
		Str("receipt_amount", receiptAmount.String()).
		Msg("Deposit settled")
	return nil
}

// ReconcileWithdrawal burns the locked receipts and books the venue payout
// into vault custody.
func (a *Adapter) ReconcileWithdrawal(entry router.Entry, payoutToken string, payoutAmount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pool, err := a.lookupPool(entry.PoolID)
	if err != nil {
		return err
	}
	rec := a.inflights[inflightKey(protocol.CategoryWithdrawal, entry.Key)]
	if rec == nil {
		return fmt.Errorf("withdrawal %s has no in-flight record: %w", entry.Key, protocol.ErrNotFound)
	}

	pool.PendingReceipt.Sub(pool.PendingReceipt, rec.receipt)
	delete(a.inflights, inflightKey(protocol.CategoryWithdrawal, entry.Key))

	if payoutAmount != nil && payoutAmount.Sign() > 0 {
		a.bank.Mint(payoutToken, bank.AccountVault, payoutAmount)
	}

	a.logger.Info().
		Uint64("pool_id", entry.PoolID).
		Str("key", string(entry.Key)).
		Str("payout_token", payoutToken).
		Msg("Withdrawal settled")
	return nil
}

// ReconcileOrder books the output of a settled order into vault custody.
func (a *Adapter) ReconcileOrder(entry router.Entry, outputToken string, outputAmount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.inflights, inflightKey(protocol.CategoryOrder, entry.Key))
	if outputAmount != nil && outputAmount.Sign() > 0 {
		a.bank.Mint(outputToken, bank.AccountVault, outputAmount)
	}

	a.logger.Info().Str("key", string(entry.Key)).Str("output_token", outputToken).Msg("Order settled")
	return nil
}

// ReconcileCancelled returns in-flight capital to vault custody after the
// venue cancelled a request.
func (a *Adapter) ReconcileCancelled(entry router.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := inflightKey(entry.Category, entry.Key)
	rec := a.inflights[key]
	if rec == nil {
		return fmt.Errorf("cancelled %s has no in-flight record: %w", entry.Key, protocol.ErrNotFound)
	}
	delete(a.inflights, key)

	switch entry.Category {
	case protocol.CategoryDeposit, protocol.CategoryOrder:
		// Tokens come back from the venue untouched.
		a.unwindTransfers(rec.tokens, rec.amounts, bank.AccountVenue, bank.AccountVault)
	case protocol.CategoryWithdrawal:
		// Receipts were never burned; unlock them.
		pool, err := a.lookupPool(entry.PoolID)
		if err != nil {
			return err
		}
		pool.PendingReceipt.Sub(pool.PendingReceipt, rec.receipt)
		pool.ReceiptBalance.Add(pool.ReceiptBalance, rec.receipt)
	}

	a.logger.Info().
		Str("category", entry.Category.String()).
		Str("key", string(entry.Key)).
		Msg("Request reversed after venue cancel")
	return nil
}

// ============================================================================
// Valuation
// ============================================================================

// GetPoolTokenPrice returns the oracle quote for a pool's receipt token.
func (a *Adapter) GetPoolTokenPrice(poolID uint64, useMin bool) (*big.Int, int, error) {
	a.mu.Lock()
	pool, err := a.lookupPool(poolID)
	a.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	quote, err := a.prices.GetPrice(pool.ReceiptToken)
	if err != nil {
		return nil, 0, err
	}
	return quote.Pick(useMin), quote.Decimals, nil
}

// ReceiptValue values an amount of a pool's receipt token in 18-decimal
// units.
func (a *Adapter) ReceiptValue(poolID uint64, amount *big.Int, useMin bool) (*big.Int, error) {
	a.mu.Lock()
	pool, err := a.lookupPool(poolID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	receiptToken := pool.ReceiptToken
	a.mu.Unlock()

	quote, err := a.prices.GetPrice(receiptToken)
	if err != nil {
		return nil, err
	}
	decimals, ok := a.tokens.TokenDecimals(receiptToken)
	if !ok {
		decimals = fpmath.ValueDecimals
	}
	return fpmath.TokenValue(amount, decimals, quote.Pick(useMin), quote.Decimals), nil
}

// ReceiptForValue is the inverse: the receipt amount whose value equals the
// given 18-decimal value, rounded down.
func (a *Adapter) ReceiptForValue(poolID uint64, value *big.Int, useMin bool) (*big.Int, error) {
	a.mu.Lock()
	pool, err := a.lookupPool(poolID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	receiptToken := pool.ReceiptToken
	a.mu.Unlock()

	quote, err := a.prices.GetPrice(receiptToken)
	if err != nil {
		return nil, err
	}
	decimals, ok := a.tokens.TokenDecimals(receiptToken)
	if !ok {
		decimals = fpmath.ValueDecimals
	}
	return fpmath.TokenAmount(value, decimals, quote.Pick(useMin), quote.Decimals), nil
}

// PoolValue values one pool's receipt position in 18-decimal units.
func (a *Adapter) PoolValue(poolID uint64, useMin bool) (*big.Int, error) {
	a.mu.Lock()
	pool, err := a.lookupPool(poolID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	receipt := pool.totalReceipt()
	receiptToken := pool.ReceiptToken
	a.mu.Unlock()

	quote, err := a.prices.GetPrice(receiptToken)
	if err != nil {
		return nil, err
	}
	decimals, ok := a.tokens.TokenDecimals(receiptToken)
	if !ok {
		decimals = fpmath.ValueDecimals
	}
	return fpmath.TokenValue(receipt, decimals, quote.Pick(useMin), quote.Decimals), nil
}

// TotalValue is the adapter's full 18-decimal valuation: pool receipts plus
// capital committed to in-flight deposits and orders.
func (a *Adapter) TotalValue(useMin bool) (*big.Int, error) {
	a.mu.Lock()
	poolIDs := make([]uint64, len(a.pools))
	for i, p := range a.pools {
		poolIDs[i] = p.ID
	}
	type pendingLot struct {
		token  string
		amount *big.Int
	}
	var lots []pendingLot
	for _, rec := range a.inflights {
		for i, token := range rec.tokens {
			lots = append(lots, pendingLot{token: token, amount: new(big.Int).Set(rec.amounts[i])})
		}
	}
	a.mu.Unlock()

	total := new(big.Int)
	for _, id := range poolIDs {
		v, err := a.PoolValue(id, useMin)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}

	for _, lot := range lots {
		quote, err := a.prices.GetPrice(lot.token)
		if err != nil {
			return nil, err
		}
		decimals, ok := a.tokens.TokenDecimals(lot.token)
		if !ok {
			return nil, fmt.Errorf("token %q has no registered decimals: %w", lot.token, protocol.ErrInvalidToken)
		}
		total.Add(total, fpmath.TokenValue(lot.amount, decimals, quote.Pick(useMin), quote.Decimals))
	}
	return total, nil
}

// GetBalance reports a token balance in transient adapter custody.
func (a *Adapter) GetBalance(token string) *big.Int {
	return a.bank.BalanceOf(token, a.account)
}

// ============================================================================
// Execution fees
// ============================================================================

// FundExecutionFee adds native tokens to the adapter's fee float.
func (a *Adapter) FundExecutionFee(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fee funding must be positive: %w", protocol.ErrInvalidAmount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executionFee.Add(a.executionFee, amount)
	return nil
}

// ExecutionFeeBalance reports the remaining fee float.
func (a *Adapter) ExecutionFeeBalance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.executionFee)
}

// SetMinExecutionFee updates the per-request fee the venue charges.
func (a *Adapter) SetMinExecutionFee(fee *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minExecutionFee.Set(fee)
}

// reserveExecutionFee assumes the lock is held.
func (a *Adapter) reserveExecutionFee() (*big.Int, error) {
	if a.executionFee.Cmp(a.minExecutionFee) < 0 {
		return nil, fmt.Errorf("fee float %s below minimum %s: %w",
			a.executionFee, a.minExecutionFee, protocol.ErrInsufficientExecutionFee)
	}
	fee := new(big.Int).Set(a.minExecutionFee)
	a.executionFee.Sub(a.executionFee, fee)
	return fee, nil
}

// refundExecutionFee assumes the lock is held.
func (a *Adapter) refundExecutionFee(fee *big.Int) {
	a.executionFee.Add(a.executionFee, fee)
}

// unwindTransfers moves token lots between accounts, assuming balances were
// placed there by this adapter. Assumes the lock is held.
func (a *Adapter) unwindTransfers(tokens []string, amounts []*big.Int, from, to string) {
	for i, token := range tokens {
		if err := a.bank.Transfer(token, from, to, amounts[i]); err != nil {
			a.logger.Error().Err(err).Str("token", token).Msg("Custody unwind failed")
		}
	}
}

func copyAmounts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = new(big.Int).Set(v)
	}
	return out
}

func inflightKey(category protocol.Category, key protocol.RequestKey) string {
	return fmt.Sprintf("%s:%s", category, key)
}

// ============================================================================
// Snapshot export and restore
// ============================================================================

// PoolBalance is one pool's receipt position in an adapter export.
type PoolBalance struct {
	PoolID         uint64
	ReceiptBalance *big.Int
	PendingReceipt *big.Int
}

// Inflight is one pending venue commitment in an adapter export.
type Inflight struct {
	Category protocol.Category
	Key      protocol.RequestKey
	PoolID   uint64
	Tokens   []string
	Amounts  []*big.Int
	Receipt  *big.Int
}

// State is a point-in-time copy of the adapter's mutable state. Pool
// configuration is not carried; restore expects the same pools registered.
type State struct {
	ExecutionFee *big.Int
	Pools        []PoolBalance
	Inflights    []Inflight
}

// ExportState captures the adapter's receipt positions, in-flight records,
// and fee float for snapshotting.
func (a *Adapter) ExportState() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{ExecutionFee: new(big.Int).Set(a.executionFee)}

	for _, p := range a.pools {
		s.Pools = append(s.Pools, PoolBalance{
			PoolID:         p.ID,
			ReceiptBalance: new(big.Int).Set(p.ReceiptBalance),
			PendingReceipt: new(big.Int).Set(p.PendingReceipt),
		})
	}

	for _, rec := range a.inflights {
		inf := Inflight{
			Category: rec.category,
			Key:      rec.key,
			PoolID:   rec.poolID,
			Tokens:   append([]string(nil), rec.tokens...),
			Amounts:  copyAmounts(rec.amounts),
		}
		if rec.receipt != nil {
			inf.Receipt = new(big.Int).Set(rec.receipt)
		}
		s.Inflights = append(s.Inflights, inf)
	}
	sort.Slice(s.Inflights, func(i, j int) bool {
		if s.Inflights[i].Category != s.Inflights[j].Category {
			return s.Inflights[i].Category < s.Inflights[j].Category
		}
		return s.Inflights[i].Key < s.Inflights[j].Key
	})

	return s
}

// RestoreState loads an exported adapter state. Pools must already be
// registered via AddPool; the snapshot carries balances, not configuration.
func (a *Adapter) RestoreState(s State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.inflights) != 0 {
		return fmt.Errorf("restore into adapter with %d in-flight records: %w", len(a.inflights), protocol.ErrDuplicateID)
	}

	for _, pb := range s.Pools {
		pool, err := a.lookupPool(pb.PoolID)
		if err != nil {
			return fmt.Errorf("restore pool %d: %w", pb.PoolID, err)
		}
		pool.ReceiptBalance.Set(pb.ReceiptBalance)
		pool.PendingReceipt.Set(pb.PendingReceipt)
	}

	for _, inf := range s.Inflights {
		if inf.Key == "" {
			return fmt.Errorf("in-flight record without venue key: %w", protocol.ErrNotFound)
		}
		rec := &inflight{
			category: inf.Category,
			key:      inf.Key,
			poolID:   inf.PoolID,
			tokens:   append([]string(nil), inf.Tokens...),
			amounts:  copyAmounts(inf.Amounts),
		}
		if inf.Receipt != nil {
			rec.receipt = new(big.Int).Set(inf.Receipt)
		}
		a.inflights[inflightKey(inf.Category, inf.Key)] = rec
	}

	if s.ExecutionFee != nil {
		a.executionFee.Set(s.ExecutionFee)
	}

	a.logger.Info().
		Int("pools", len(s.Pools)).
		Int("inflights", len(s.Inflights)).
		Msg("Adapter state restored from snapshot")
	return nil
}
