package vault_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"OmniVault/internal/bank"
	"OmniVault/internal/event"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/oracle"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
	"OmniVault/internal/vault"
)

// fakePlugin is a minimal venue adapter: sequential keys registered with
// the pending-key ledger, configurable receipt pricing, recorded calls.
type fakePlugin struct {
	id      uint8
	nextKey int
	pending *router.Router

	pools map[uint64]bool

	// 18-decimal value of one whole (18-decimal) receipt unit.
	receiptUnit *big.Int

	// Deployed value reported to the vault's valuation.
	deployed *big.Int

	failExecute error
	failCancel  error
	failValue   error

	executed   []protocol.Action
	cancelled  []protocol.RequestKey
	reconciled []protocol.RequestKey
	feeFunded  *big.Int

	rewardTokens  []string
	rewardAmounts []*big.Int
	claimedPools  []uint64
}

func newFakePlugin(id uint8, pending *router.Router) *fakePlugin {
	return &fakePlugin{
		id:          id,
		pending:     pending,
		pools:       map[uint64]bool{1: true},
		receiptUnit: new(big.Int).Set(fpmath.ValueScale), // $1 per receipt
		deployed:    new(big.Int),
		feeFunded:   new(big.Int),
	}
}

func (f *fakePlugin) ID() uint8    { return f.id }
func (f *fakePlugin) Name() string { return "fake-venue" }

func (f *fakePlugin) Execute(_ context.Context, action protocol.Action) (protocol.RequestKey, error) {
	if f.failExecute != nil {
		err := f.failExecute
		f.failExecute = nil
		return "", err
	}
	f.nextKey++
	f.executed = append(f.executed, action)
	key := protocol.RequestKey(fmt.Sprintf("vk-%d", f.nextKey))

	switch a := action.(type) {
	case *protocol.StakeAction:
		if err := f.pending.RegisterKey(protocol.CategoryDeposit, key, f.id, a.PoolID); err != nil {
			return "", err
		}
	case *protocol.UnstakeAction:
		if err := f.pending.RegisterKey(protocol.CategoryWithdrawal, key, f.id, a.PoolID); err != nil {
			return "", err
		}
	case *protocol.SwapAction:
		if err := f.pending.RegisterKey(protocol.CategoryOrder, key, f.id, 0); err != nil {
			return "", err
		}
	}
	return key, nil
}

func (f *fakePlugin) Claim(_ context.Context, poolID uint64) ([]string, []*big.Int, error) {
	if !f.pools[poolID] {
		return nil, nil, fmt.Errorf("pool %d: %w", poolID, protocol.ErrNotFound)
	}
	f.claimedPools = append(f.claimedPools, poolID)
	return f.rewardTokens, f.rewardAmounts, nil
}

func (f *fakePlugin) CancelRequest(_ context.Context, _ protocol.Category, key protocol.RequestKey) error {
	if f.failCancel != nil {
		err := f.failCancel
		f.failCancel = nil
		return err
	}
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakePlugin) TotalValue(bool) (*big.Int, error) {
	return new(big.Int).Set(f.deployed), nil
}

func (f *fakePlugin) PoolExists(poolID uint64) bool { return f.pools[poolID] }

func (f *fakePlugin) ReceiptValue(_ uint64, amount *big.Int, _ bool) (*big.Int, error) {
	if f.failValue != nil {
		err := f.failValue
		f.failValue = nil
		return nil, err
	}
	return fpmath.MulDiv(amount, f.receiptUnit, fpmath.ValueScale, fpmath.RoundDown), nil
}

func (f *fakePlugin) ReceiptForValue(_ uint64, value *big.Int, _ bool) (*big.Int, error) {
	return fpmath.MulDiv(value, fpmath.ValueScale, f.receiptUnit, fpmath.RoundDown), nil
}

func (f *fakePlugin) ReconcileDeposit(entry router.Entry, _ *big.Int) error {
	f.reconciled = append(f.reconciled, entry.Key)
	return nil
}

func (f *fakePlugin) ReconcileWithdrawal(entry router.Entry, _ string, _ *big.Int) error {
	f.reconciled = append(f.reconciled, entry.Key)
	return nil
}

func (f *fakePlugin) ReconcileOrder(entry router.Entry, _ string, _ *big.Int) error {
	f.reconciled = append(f.reconciled, entry.Key)
	return nil
}

func (f *fakePlugin) ReconcileCancelled(entry router.Entry) error {
	f.reconciled = append(f.reconciled, entry.Key)
	return nil
}

func (f *fakePlugin) FundExecutionFee(amount *big.Int) error {
	f.feeFunded.Add(f.feeFunded, amount)
	return nil
}

func (f *fakePlugin) GetBalance(string) *big.Int { return new(big.Int) }

// ============================================================================
// Fixture
// ============================================================================

const (
	owner    = "owner"
	master   = "master"
	treasury = "treasury"
	alice    = "alice"
	bob      = "bob"
	pluginID = uint8(3)
)

type fixture struct {
	bank   *bank.InMemoryBank
	prices *oracle.StaticConsumer
	router *router.Router
	vault  *vault.Vault
	plugin *fakePlugin
	events chan event.Event
}

func newFixture(t *testing.T, feeBps int64) *fixture {
	t.Helper()

	b := bank.NewInMemoryBank()
	prices := oracle.NewStaticConsumer(time.Hour)
	prices.SetFlatPrice("USDC", big.NewInt(1e8), 8)
	prices.SetFlatPrice("ETH", new(big.Int).Mul(big.NewInt(5000), big.NewInt(1e8)), 8)

	r := router.New(nil, 64, zerolog.Nop())
	events := make(chan event.Event, 1024)
	v, err := vault.New(vault.Config{
		Owner:       owner,
		Master:      master,
		Treasury:    treasury,
		NativeToken: "ETH",
		FeeBps:      feeBps,
	}, b, prices, r, events, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetSink(v)

	if err := v.AddAcceptedToken(owner, "USDC", 6); err != nil {
		t.Fatalf("AddAcceptedToken USDC: %v", err)
	}
	if err := v.AddAcceptedToken(owner, "ETH", 18); err != nil {
		t.Fatalf("AddAcceptedToken ETH: %v", err)
	}

	p := newFakePlugin(pluginID, r)
	if err := v.AddPlugin(owner, p); err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}
	r.AuthorizeHandler(pluginID)

	return &fixture{bank: b, prices: prices, router: r, vault: v, plugin: p, events: events}
}

// drainEvents empties the fixture's event channel and returns what was
// emitted so far.
func (f *fixture) drainEvents() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1e6))
}

func eth(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1e18))
}

func value18(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), fpmath.ValueScale)
}

func (f *fixture) deposit(t *testing.T, holder string, tokens []string, amounts []*big.Int, route *vault.DepositRoute) *vault.Request {
	t.Helper()
	req, err := f.vault.AddDepositRequest(context.Background(), holder, tokens, amounts, route)
	if err != nil {
		t.Fatalf("AddDepositRequest: %v", err)
	}
	return req
}

// ============================================================================
// Deposits
// ============================================================================

func TestDeposit_ImmediateMint(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.bank.Mint("ETH", alice, eth(1))

	req := f.deposit(t, alice, []string{"USDC", "ETH"}, []*big.Int{usdc(1000), eth(1)}, nil)

	// 1000 USDC at $1 plus 1 ETH at $5000 is 6000 in value; at the initial
	// rate of 1, that mints 6000 whole shares.
	if got, want := f.vault.ShareBalance(alice), value18(6000); got.Cmp(want) != 0 {
		t.Errorf("shares = %s, want %s", got, want)
	}
	if got := f.vault.TotalShares(); got.Cmp(value18(6000)) != 0 {
		t.Errorf("total shares = %s, want %s", got, value18(6000))
	}
	if req.State != vault.RequestSettled {
		t.Errorf("state = %s, want Settled", req.State)
	}
	if got := f.bank.BalanceOf("USDC", bank.AccountVault); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("vault custody = %s USDC, want 1000e6", got)
	}
	if got := f.bank.BalanceOf("USDC", alice); got.Sign() != 0 {
		t.Errorf("alice retains %s USDC", got)
	}
}

func TestDeposit_SecondHolderAtHigherRate(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.bank.Mint("USDC", bob, usdc(550))

	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	// Simulated yield doubles nothing: +100 USDC appreciation, rate 1.1.
	f.bank.Mint("USDC", bank.AccountVault, usdc(100))
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("UpdateLiquidityProviderRate: %v", err)
	}

	f.deposit(t, bob, []string{"USDC"}, []*big.Int{usdc(550)}, nil)

	// 550 value at rate 1.1 mints 500 shares.
	if got, want := f.vault.ShareBalance(bob), value18(500); got.Cmp(want) != 0 {
		t.Errorf("bob shares = %s, want %s", got, want)
	}
}

func TestDeposit_RejectsUnacceptedToken(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("DOGE", alice, big.NewInt(1000))

	_, err := f.vault.AddDepositRequest(context.Background(), alice, []string{"DOGE"}, []*big.Int{big.NewInt(1000)}, nil)
	if !errors.Is(err, protocol.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestDeposit_RejectsZeroAmount(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.vault.AddDepositRequest(context.Background(), alice, []string{"USDC"}, []*big.Int{new(big.Int)}, nil)
	if !errors.Is(err, protocol.ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestDeposit_PartialCustodyUnwinds(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	// Alice has no ETH, so the second leg fails.

	_, err := f.vault.AddDepositRequest(context.Background(), alice,
		[]string{"USDC", "ETH"}, []*big.Int{usdc(1000), eth(1)}, nil)
	if !errors.Is(err, protocol.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("alice USDC = %s after unwind, want 1000e6", got)
	}
	if got := f.vault.TotalShares(); got.Sign() != 0 {
		t.Errorf("total shares = %s, want 0", got)
	}
}

// ============================================================================
// Routed deposits
// ============================================================================

func TestRoutedDeposit_DefersMintUntilSettlement(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.bank.Mint("USDC", bob, usdc(500))

	// Bob seeds the vault so a rate exists to protect.
	f.deposit(t, bob, []string{"USDC"}, []*big.Int{usdc(500)}, nil)

	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})
	if req.State != vault.RequestPending {
		t.Fatalf("state = %s, want Pending", req.State)
	}
	if got := f.vault.ShareBalance(alice); got.Sign() != 0 {
		t.Errorf("alice shares = %s before settlement, want 0", got)
	}
	if _, ok := f.router.Lookup(protocol.CategoryDeposit, req.Key); !ok {
		t.Error("venue key not registered with router")
	}

	// In-flight deposit value must not move the rate: custody grew by 1000
	// but pending deposits offset it exactly.
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("UpdateLiquidityProviderRate: %v", err)
	}
	if got := f.vault.Rate(); got.Cmp(fpmath.RateScale) != 0 {
		t.Errorf("rate = %s with deposit in flight, want %s", got, fpmath.RateScale)
	}

	// Venue settles with 1000 receipt units worth $1 each.
	err := f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeSettled, router.Result{ReceiptAmount: value18(1000)})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if got, want := f.vault.ShareBalance(alice), value18(1000); got.Cmp(want) != 0 {
		t.Errorf("alice shares = %s after settlement, want %s", got, want)
	}
	got, ok := f.vault.RequestByID(req.ID.String())
	if !ok || got.State != vault.RequestSettled {
		t.Errorf("request state = %s, want Settled", got.State)
	}
	if _, pending := f.router.Lookup(protocol.CategoryDeposit, req.Key); pending {
		t.Error("venue key still pending after settlement")
	}
}

func TestRoutedDeposit_StaleOracleRetriesWithoutPartialState(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))

	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	// Receipt valuation fails on the first delivery. Nothing may stick:
	// no receipts booked, no shares minted, key still pending.
	f.plugin.failValue = protocol.ErrOracleUnavailable
	err := f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeSettled, router.Result{ReceiptAmount: value18(1000)})
	if err == nil {
		t.Fatal("expected settlement failure on stale oracle")
	}
	if len(f.plugin.reconciled) != 0 {
		t.Errorf("plugin booked %v before valuation succeeded", f.plugin.reconciled)
	}
	if got := f.vault.ShareBalance(alice); got.Sign() != 0 {
		t.Errorf("alice shares = %s after failed settlement, want 0", got)
	}
	if _, ok := f.router.Lookup(protocol.CategoryDeposit, req.Key); !ok {
		t.Fatal("venue key must stay pending for redelivery")
	}

	// Redelivery after the oracle recovers settles everything together.
	err = f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeSettled, router.Result{ReceiptAmount: value18(1000)})
	if err != nil {
		t.Fatalf("redelivered callback: %v", err)
	}
	if got, want := f.vault.ShareBalance(alice), value18(1000); got.Cmp(want) != 0 {
		t.Errorf("alice shares = %s after redelivery, want %s", got, want)
	}
	if len(f.plugin.reconciled) != 1 {
		t.Errorf("plugin booked %d times, want exactly once", len(f.plugin.reconciled))
	}
	snap, _ := f.vault.RequestByID(req.ID.String())
	if snap.State != vault.RequestSettled {
		t.Errorf("state = %s after redelivery, want Settled", snap.State)
	}
}

func TestRoutedDeposit_CancelReturnsTokens(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))

	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	err := f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeCancelled, router.Result{Reason: "venue rejected"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("alice USDC = %s after cancel, want 1000e6", got)
	}
	if got := f.vault.ShareBalance(alice); got.Sign() != 0 {
		t.Errorf("alice shares = %s after cancel, want 0", got)
	}
	snap, _ := f.vault.RequestByID(req.ID.String())
	if snap.State != vault.RequestCancelled {
		t.Errorf("state = %s, want Cancelled", snap.State)
	}
}

func TestRoutedDeposit_UnknownPool(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(100))

	_, err := f.vault.AddDepositRequest(context.Background(), alice,
		[]string{"USDC"}, []*big.Int{usdc(100)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 99})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("alice USDC = %s after failed route, want 100e6", got)
	}
}

// ============================================================================
// Withdrawals
// ============================================================================

func TestWithdrawal_EscrowBurnPayout(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	req, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(400), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if err != nil {
		t.Fatalf("AddWithdrawalRequest: %v", err)
	}

	// Pessimistic escrow: holder balance drops now, supply does not.
	if got, want := f.vault.ShareBalance(alice), value18(600); got.Cmp(want) != 0 {
		t.Errorf("alice shares = %s during escrow, want %s", got, want)
	}
	if got, want := f.vault.ShareBalance(vault.EscrowAccount), value18(400); got.Cmp(want) != 0 {
		t.Errorf("escrow = %s, want %s", got, want)
	}
	if got := f.vault.TotalShares(); got.Cmp(value18(1000)) != 0 {
		t.Errorf("total shares = %s during escrow, want 1000e18", got)
	}
	if got := f.vault.Status(); got != protocol.StatusPending {
		t.Errorf("status = %s, want Pending", got)
	}

	// A second withdrawal is blocked while one is in flight.
	_, err = f.vault.AddWithdrawalRequest(context.Background(), alice, value18(100), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if !errors.Is(err, protocol.ErrProtocolPending) {
		t.Errorf("second withdrawal err = %v, want ErrProtocolPending", err)
	}

	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, req.Key,
		router.OutcomeSettled, router.Result{PayoutToken: "USDC", PayoutAmount: usdc(400)})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if got := f.vault.TotalShares(); got.Cmp(value18(600)) != 0 {
		t.Errorf("total shares = %s after burn, want 600e18", got)
	}
	if got := f.vault.ShareBalance(vault.EscrowAccount); got.Sign() != 0 {
		t.Errorf("escrow = %s after burn, want 0", got)
	}
	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(400)) != 0 {
		t.Errorf("alice payout = %s USDC, want 400e6", got)
	}
	if got := f.vault.Status(); got != protocol.StatusNormal {
		t.Errorf("status = %s after settlement, want Normal", got)
	}
}

func TestWithdrawal_CancelRemintsShares(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	req, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(400), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if err != nil {
		t.Fatalf("AddWithdrawalRequest: %v", err)
	}

	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, req.Key,
		router.OutcomeCancelled, router.Result{Reason: "slippage"})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if got := f.vault.ShareBalance(alice); got.Cmp(value18(1000)) != 0 {
		t.Errorf("alice shares = %s after cancel, want 1000e18", got)
	}
	if got := f.vault.TotalShares(); got.Cmp(value18(1000)) != 0 {
		t.Errorf("total shares = %s after cancel, want 1000e18", got)
	}
	if got := f.vault.Status(); got != protocol.StatusNormal {
		t.Errorf("status = %s after cancel, want Normal", got)
	}
}

func TestWithdrawal_StatusStaysPendingWhileKeysOutstanding(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	req, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(400), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if err != nil {
		t.Fatalf("AddWithdrawalRequest: %v", err)
	}

	// The operator rebalances while the holder withdrawal is in flight,
	// putting a second withdrawal key in the ledger.
	opKey, err := f.vault.Execute(context.Background(), master, pluginID,
		&protocol.UnstakeAction{PoolID: 1, ReceiptAmount: value18(100)})
	if err != nil {
		t.Fatalf("Execute unstake: %v", err)
	}

	// The operator's key settles first. The holder's key is still
	// outstanding, so the protocol must not resume.
	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, opKey,
		router.OutcomeSettled, router.Result{PayoutToken: "USDC", PayoutAmount: usdc(100)})
	if err != nil {
		t.Fatalf("HandleCallback op key: %v", err)
	}
	if got := f.vault.Status(); got != protocol.StatusPending {
		t.Fatalf("status = %s with withdrawal key outstanding, want Pending", got)
	}
	if err := f.vault.SettlePendingStatus(master); !errors.Is(err, protocol.ErrProtocolPending) {
		t.Errorf("SettlePendingStatus = %v with key outstanding, want ErrProtocolPending", err)
	}

	// The last key resolving clears the status.
	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, req.Key,
		router.OutcomeSettled, router.Result{PayoutToken: "USDC", PayoutAmount: usdc(400)})
	if err != nil {
		t.Fatalf("HandleCallback holder key: %v", err)
	}
	if got := f.vault.Status(); got != protocol.StatusNormal {
		t.Errorf("status = %s after last key, want Normal", got)
	}
}

func TestWithdrawal_CancelKeepsPendingWithOtherKeyOutstanding(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	req, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(400), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if err != nil {
		t.Fatalf("AddWithdrawalRequest: %v", err)
	}
	opKey, err := f.vault.Execute(context.Background(), master, pluginID,
		&protocol.UnstakeAction{PoolID: 1, ReceiptAmount: value18(100)})
	if err != nil {
		t.Fatalf("Execute unstake: %v", err)
	}

	// The venue cancels the operator's key; the holder's is still pending.
	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, opKey,
		router.OutcomeCancelled, router.Result{Reason: "slippage"})
	if err != nil {
		t.Fatalf("HandleCallback cancel: %v", err)
	}
	if got := f.vault.Status(); got != protocol.StatusPending {
		t.Errorf("status = %s after unrelated cancel, want Pending", got)
	}

	err = f.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, req.Key,
		router.OutcomeSettled, router.Result{PayoutToken: "USDC", PayoutAmount: usdc(400)})
	if err != nil {
		t.Fatalf("HandleCallback holder key: %v", err)
	}
	if got := f.vault.Status(); got != protocol.StatusNormal {
		t.Errorf("status = %s after last key, want Normal", got)
	}
	if err := f.vault.SettlePendingStatus(master); err != nil {
		t.Errorf("SettlePendingStatus with no keys outstanding: %v", err)
	}
}

func TestWithdrawal_InsufficientShares(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(100))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(100)}, nil)

	_, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(500), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if !errors.Is(err, protocol.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := f.vault.ShareBalance(alice); got.Cmp(value18(100)) != 0 {
		t.Errorf("alice shares = %s after rejection, want 100e18", got)
	}
}

func TestWithdrawal_VenueErrorUnwindsEscrow(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)
	f.plugin.failExecute = errors.New("venue down")

	_, err := f.vault.AddWithdrawalRequest(context.Background(), alice, value18(400), "USDC",
		vault.WithdrawRoute{PluginID: pluginID, PoolID: 1})
	if err == nil {
		t.Fatal("expected venue error")
	}
	if got := f.vault.ShareBalance(alice); got.Cmp(value18(1000)) != 0 {
		t.Errorf("alice shares = %s after unwind, want 1000e18", got)
	}
	if got := f.vault.ShareBalance(vault.EscrowAccount); got.Sign() != 0 {
		t.Errorf("escrow = %s after unwind, want 0", got)
	}
	if got := f.vault.Status(); got != protocol.StatusNormal {
		t.Errorf("status = %s after unwind, want Normal", got)
	}
}

// ============================================================================
// Rate and fee accounting
// ============================================================================

func TestRateUpdate_SkimsAppreciation(t *testing.T) {
	f := newFixture(t, 500) // 5%
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	// +100 USDC of yield: 5% of the gain goes to the fee reserve, the rest
	// accrues to holders. Rate becomes (1100-5)/1000 = 1.095.
	f.bank.Mint("USDC", bank.AccountVault, usdc(100))
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("UpdateLiquidityProviderRate: %v", err)
	}

	wantRate := new(big.Int).Mul(big.NewInt(1_095), big.NewInt(1e15))
	if got := f.vault.Rate(); got.Cmp(wantRate) != 0 {
		t.Errorf("rate = %s, want %s", got, wantRate)
	}
	if got := f.vault.FeeReserve(); got.Cmp(value18(5)) != 0 {
		t.Errorf("fee reserve = %s, want 5e18", got)
	}
}

func TestRateUpdate_IdempotentWithoutNewGain(t *testing.T) {
	f := newFixture(t, 500)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)
	f.bank.Mint("USDC", bank.AccountVault, usdc(100))

	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("first update: %v", err)
	}
	rate := f.vault.Rate()
	reserve := f.vault.FeeReserve()

	// No new gain: the reserve is netted out of the valuation, so a second
	// call must not skim again.
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got := f.vault.Rate(); got.Cmp(rate) != 0 {
		t.Errorf("rate moved %s -> %s on repeat update", rate, got)
	}
	if got := f.vault.FeeReserve(); got.Cmp(reserve) != 0 {
		t.Errorf("reserve moved %s -> %s on repeat update", reserve, got)
	}
}

func TestRateUpdate_LossesNotSkimmed(t *testing.T) {
	f := newFixture(t, 500)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)

	// Simulate a loss by burning vault custody.
	if err := f.bank.Burn("USDC", bank.AccountVault, usdc(200)); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("UpdateLiquidityProviderRate: %v", err)
	}

	wantRate := new(big.Int).Mul(big.NewInt(8), big.NewInt(1e17))
	if got := f.vault.Rate(); got.Cmp(wantRate) != 0 {
		t.Errorf("rate = %s, want %s", got, wantRate)
	}
	if got := f.vault.FeeReserve(); got.Sign() != 0 {
		t.Errorf("fee reserve = %s after loss, want 0", got)
	}
}

func TestWithdrawProtocolFee_PaysTreasury(t *testing.T) {
	f := newFixture(t, 500)
	f.bank.Mint("USDC", alice, usdc(1000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)}, nil)
	f.bank.Mint("USDC", bank.AccountVault, usdc(100))
	if err := f.vault.UpdateLiquidityProviderRate(master); err != nil {
		t.Fatalf("UpdateLiquidityProviderRate: %v", err)
	}

	paid, err := f.vault.WithdrawProtocolFee(owner, "USDC")
	if err != nil {
		t.Fatalf("WithdrawProtocolFee: %v", err)
	}
	if paid.Cmp(usdc(5)) != 0 {
		t.Errorf("paid = %s, want 5e6", paid)
	}
	if got := f.bank.BalanceOf("USDC", treasury); got.Cmp(usdc(5)) != 0 {
		t.Errorf("treasury = %s USDC, want 5e6", got)
	}
	if got := f.vault.FeeReserve(); got.Sign() != 0 {
		t.Errorf("reserve = %s after payout, want 0", got)
	}
}

func TestWithdrawProtocolFee_EmptyReserveIsNoop(t *testing.T) {
	f := newFixture(t, 500)

	paid, err := f.vault.WithdrawProtocolFee(owner, "USDC")
	if err != nil {
		t.Fatalf("WithdrawProtocolFee: %v", err)
	}
	if paid.Sign() != 0 {
		t.Errorf("paid = %s from empty reserve, want 0", paid)
	}
}

func TestTransferExecutionFee_FundsPlugin(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("ETH", bank.AccountVault, eth(2))

	if err := f.vault.TransferExecutionFee(master, pluginID, eth(1)); err != nil {
		t.Fatalf("TransferExecutionFee: %v", err)
	}
	if got := f.plugin.feeFunded; got.Cmp(eth(1)) != 0 {
		t.Errorf("plugin float = %s, want 1e18", got)
	}
	if got := f.bank.BalanceOf("ETH", bank.AccountVault); got.Cmp(eth(1)) != 0 {
		t.Errorf("vault ETH = %s after funding, want 1e18", got)
	}
}

// ============================================================================
// Master execution and cancellation
// ============================================================================

func TestExecute_CancelReversesDeposit(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))

	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	_, err := f.vault.Execute(context.Background(), master, pluginID, &protocol.CancelRequestAction{
		Category: protocol.CategoryDeposit,
		Key:      req.Key,
	})
	if err != nil {
		t.Fatalf("Execute cancel: %v", err)
	}

	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("alice USDC = %s after cancel, want 1000e6", got)
	}
	if _, pending := f.router.Lookup(protocol.CategoryDeposit, req.Key); pending {
		t.Error("key still pending after synchronous cancel")
	}
	if len(f.plugin.cancelled) != 1 || f.plugin.cancelled[0] != req.Key {
		t.Errorf("venue cancel calls = %v, want [%s]", f.plugin.cancelled, req.Key)
	}

	// The venue's trailing cancelled callback must be absorbed as a replay.
	err = f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeCancelled, router.Result{Reason: "cancelled"})
	if err != nil {
		t.Fatalf("trailing callback: %v", err)
	}
	if got := f.bank.BalanceOf("USDC", alice); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("alice USDC = %s after replay, want 1000e6", got)
	}
}

func TestExecute_CancelUnknownKey(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.vault.Execute(context.Background(), master, pluginID, &protocol.CancelRequestAction{
		Category: protocol.CategoryDeposit,
		Key:      "no-such-key",
	})
	if !errors.Is(err, protocol.ErrRequestNotPending) {
		t.Errorf("err = %v, want ErrRequestNotPending", err)
	}
}

func TestExecute_VenueRefusesCancel(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))
	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	f.plugin.failCancel = errors.New("already executing")
	_, err := f.vault.Execute(context.Background(), master, pluginID, &protocol.CancelRequestAction{
		Category: protocol.CategoryDeposit,
		Key:      req.Key,
	})
	if err == nil {
		t.Fatal("expected cancel refusal")
	}
	if _, pending := f.router.Lookup(protocol.CategoryDeposit, req.Key); !pending {
		t.Error("key dropped although the venue refused the cancel")
	}
}

func TestExecute_OrderTracksRequest(t *testing.T) {
	f := newFixture(t, 0)

	key, err := f.vault.Execute(context.Background(), master, pluginID, &protocol.SwapAction{
		Order: protocol.OrderParams{Market: "ETH/USD", Kind: protocol.OrderMarketSwap},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if key == "" {
		t.Fatal("empty venue key")
	}

	reqs := f.vault.PendingRequests(protocol.CategoryOrder)
	if len(reqs) != 1 || reqs[0].Key != key {
		t.Fatalf("pending orders = %v, want one with key %s", reqs, key)
	}

	err = f.router.HandleCallback(pluginID, protocol.CategoryOrder, key,
		router.OutcomeSettled, router.Result{OutputToken: "USDC", OutputAmount: usdc(100)})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	snap, _ := f.vault.RequestByID(reqs[0].ID.String())
	if snap.State != vault.RequestSettled {
		t.Errorf("order state = %s, want Settled", snap.State)
	}
}

func TestExecute_ClaimEmitsRewardsEvent(t *testing.T) {
	f := newFixture(t, 0)
	f.plugin.rewardTokens = []string{"ETH"}
	f.plugin.rewardAmounts = []*big.Int{eth(2)}
	f.drainEvents()

	key, err := f.vault.Execute(context.Background(), master, pluginID, &protocol.ClaimAction{PoolID: 1})
	if err != nil {
		t.Fatalf("Execute claim: %v", err)
	}
	if key != "" {
		t.Errorf("claim returned key %q, want empty", key)
	}
	if len(f.plugin.claimedPools) != 1 || f.plugin.claimedPools[0] != 1 {
		t.Fatalf("claimed pools = %v, want [1]", f.plugin.claimedPools)
	}

	var claimed *event.RewardsClaimed
	for _, ev := range f.drainEvents() {
		if rc, ok := ev.(*event.RewardsClaimed); ok {
			claimed = rc
		}
	}
	if claimed == nil {
		t.Fatal("no RewardsClaimed event emitted")
	}
	if claimed.Plugin != pluginID || claimed.PoolID != 1 {
		t.Errorf("event origin = plugin %d pool %d, want plugin %d pool 1", claimed.Plugin, claimed.PoolID, pluginID)
	}
	if len(claimed.Tokens) != 1 || claimed.Tokens[0] != "ETH" || claimed.Amounts[0].Cmp(eth(2)) != 0 {
		t.Errorf("event rewards = %v %v, want [ETH] [2e18]", claimed.Tokens, claimed.Amounts)
	}
}

func TestExecute_RequiresOperator(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.vault.Execute(context.Background(), alice, pluginID, &protocol.ClaimAction{PoolID: 1})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

// ============================================================================
// Administration and registries
// ============================================================================

func TestAccessControl(t *testing.T) {
	f := newFixture(t, 0)

	if err := f.vault.SetTreasury(master, "x"); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("SetTreasury by master: %v, want ErrUnauthorized", err)
	}
	if err := f.vault.SetProtocolFeeBps(alice, 100); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("SetProtocolFeeBps by holder: %v, want ErrUnauthorized", err)
	}
	if err := f.vault.UpdateLiquidityProviderRate(alice); err != nil {
		t.Errorf("UpdateLiquidityProviderRate by holder: %v, want nil (open to anyone)", err)
	}
	if _, err := f.vault.WithdrawProtocolFee(master, "USDC"); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("WithdrawProtocolFee by master: %v, want ErrUnauthorized", err)
	}
	if err := f.vault.AddAcceptedToken(master, "DAI", 18); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("AddAcceptedToken by master: %v, want ErrUnauthorized", err)
	}
}

func TestSetMaster_RotatesOperator(t *testing.T) {
	f := newFixture(t, 0)

	if err := f.vault.SetMaster(owner, "new-master"); err != nil {
		t.Fatalf("SetMaster: %v", err)
	}
	if err := f.vault.ActivatePendingStatus(master); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("old master still operates: %v", err)
	}
	if err := f.vault.ActivatePendingStatus("new-master"); err != nil {
		t.Errorf("new master cannot operate: %v", err)
	}
}

func TestStatusGate_BlocksDeposits(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(100))

	if err := f.vault.ActivatePendingStatus(master); err != nil {
		t.Fatalf("ActivatePendingStatus: %v", err)
	}
	_, err := f.vault.AddDepositRequest(context.Background(), alice, []string{"USDC"}, []*big.Int{usdc(100)}, nil)
	if !errors.Is(err, protocol.ErrProtocolPending) {
		t.Errorf("err = %v, want ErrProtocolPending", err)
	}

	if err := f.vault.SettlePendingStatus(master); err != nil {
		t.Fatalf("SettlePendingStatus: %v", err)
	}
	if _, err := f.vault.AddDepositRequest(context.Background(), alice, []string{"USDC"}, []*big.Int{usdc(100)}, nil); err != nil {
		t.Errorf("deposit after resume: %v", err)
	}
}

func TestTokenRegistry_RemoveGuardedByBalance(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(100))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(100)}, nil)

	err := f.vault.RemoveAcceptedToken(owner, "USDC")
	if !errors.Is(err, protocol.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}

	if err := f.vault.RemoveAcceptedToken(owner, "ETH"); err != nil {
		t.Errorf("remove unused token: %v", err)
	}
	if f.vault.IsAcceptedToken("ETH") {
		t.Error("ETH still accepted after removal")
	}
}

func TestTokenRegistry_DuplicateAndBounds(t *testing.T) {
	f := newFixture(t, 0)

	if err := f.vault.AddAcceptedToken(owner, "USDC", 6); !errors.Is(err, protocol.ErrDuplicateID) {
		t.Errorf("duplicate: %v, want ErrDuplicateID", err)
	}
	if err := f.vault.AddAcceptedToken(owner, "BAD", 31); !errors.Is(err, protocol.ErrInvalidToken) {
		t.Errorf("decimals 31: %v, want ErrInvalidToken", err)
	}
}

func TestPluginRegistry_RemoveGuardedByPendingKeys(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(1000))

	req := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1000)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	err := f.vault.RemovePlugin(owner, pluginID)
	if !errors.Is(err, protocol.ErrRequestNotPending) {
		t.Errorf("err = %v, want ErrRequestNotPending", err)
	}

	// After settlement the plugin can go.
	err = f.router.HandleCallback(pluginID, protocol.CategoryDeposit, req.Key,
		router.OutcomeSettled, router.Result{ReceiptAmount: value18(1000)})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if err := f.vault.RemovePlugin(owner, pluginID); err != nil {
		t.Errorf("RemovePlugin after settlement: %v", err)
	}
	if ids := f.vault.PluginIDs(); len(ids) != 0 {
		t.Errorf("plugin IDs = %v after removal, want none", ids)
	}
}

func TestPendingRequests_OrderedByLedger(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(300))

	first := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(100)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})
	second := f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(200)},
		&vault.DepositRoute{PluginID: pluginID, PoolID: 1})

	reqs := f.vault.PendingRequests(protocol.CategoryDeposit)
	if len(reqs) != 2 {
		t.Fatalf("pending = %d, want 2", len(reqs))
	}
	if reqs[0].ID != first.ID || reqs[1].ID != second.ID {
		t.Errorf("pending order = [%s %s], want [%s %s]",
			reqs[0].ID, reqs[1].ID, first.ID, second.ID)
	}
}
