package vault_test

import (
	"context"
	"math/big"
	"testing"

	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
	"OmniVault/internal/vault"
)

func TestExportRestore_RoundTripsSharesAndRegistry(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(10_000))

	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1_000)}, nil)

	state := f.vault.ExportState()

	g := newFixture(t, 0)
	if err := g.vault.RestoreState(state); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	if got := g.vault.TotalShares(); got.Cmp(f.vault.TotalShares()) != 0 {
		t.Errorf("TotalShares = %s, want %s", got, f.vault.TotalShares())
	}
	if got := g.vault.ShareBalance(alice); got.Cmp(eth(1_000)) != 0 {
		t.Errorf("ShareBalance(alice) = %s, want %s", got, eth(1_000))
	}
	if got := g.vault.Rate(); got.Cmp(f.vault.Rate()) != 0 {
		t.Errorf("Rate = %s, want %s", got, f.vault.Rate())
	}
	if got := g.vault.Sequence(); got != f.vault.Sequence() {
		t.Errorf("Sequence = %d, want %d", got, f.vault.Sequence())
	}
	if !g.vault.IsAcceptedToken("USDC") || !g.vault.IsAcceptedToken("ETH") {
		t.Error("accepted tokens not restored")
	}
}

func TestExportRestore_PendingWithdrawalSurvivesRestart(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(10_000))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(1_000)}, nil)

	req, err := f.vault.AddWithdrawalRequest(context.Background(), alice, eth(400), "USDC", vault.WithdrawRoute{
		PluginID: pluginID,
		PoolID:   1,
		MinOut:   new(big.Int),
	})
	if err != nil {
		t.Fatalf("AddWithdrawalRequest: %v", err)
	}

	state := f.vault.ExportState()
	if len(state.Requests) != 1 {
		t.Fatalf("exported %d pending requests, want 1", len(state.Requests))
	}

	g := newFixture(t, 0)
	if err := g.vault.RestoreState(state); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	// The escrow balance and the pending request come back.
	if got := g.vault.ShareBalance(vault.EscrowAccount); got.Cmp(eth(400)) != 0 {
		t.Errorf("escrow = %s, want %s", got, eth(400))
	}
	restored, ok := g.vault.RequestByID(req.ID.String())
	if !ok {
		t.Fatal("pending request not restored")
	}
	if restored.State != vault.RequestPending {
		t.Errorf("state = %s, want Pending", restored.State)
	}

	// The venue key is re-registered, so the eventual callback resolves.
	if got := g.router.PendingCount(protocol.CategoryWithdrawal); got != 1 {
		t.Fatalf("router pending withdrawals = %d, want 1", got)
	}
	err = g.router.HandleCallback(pluginID, protocol.CategoryWithdrawal, req.Key, router.OutcomeCancelled, router.Result{
		Reason: "venue rejected",
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if got := g.vault.ShareBalance(alice); got.Cmp(eth(1_000)) != 0 {
		t.Errorf("alice shares after cancel = %s, want %s", got, eth(1_000))
	}
	if got := g.vault.ShareBalance(vault.EscrowAccount); got.Sign() != 0 {
		t.Errorf("escrow after cancel = %s, want 0", got)
	}
}

func TestRestoreState_RejectsNonEmptyVault(t *testing.T) {
	f := newFixture(t, 0)
	f.bank.Mint("USDC", alice, usdc(100))
	f.deposit(t, alice, []string{"USDC"}, []*big.Int{usdc(100)}, nil)

	if err := f.vault.RestoreState(f.vault.ExportState()); err == nil {
		t.Fatal("expected restore into non-empty vault to fail")
	}
}

func TestRestoreState_RejectsMissingPlugin(t *testing.T) {
	f := newFixture(t, 0)
	state := f.vault.ExportState()
	state.PluginIDs = append(state.PluginIDs, 99)

	g := newFixture(t, 0)
	if err := g.vault.RestoreState(state); err == nil {
		t.Fatal("expected restore with unregistered plugin to fail")
	}
}
