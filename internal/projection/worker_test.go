package projection_test

import (
	"math/big"
	"testing"

	"OmniVault/internal/persistence"
	"OmniVault/internal/projection"
)

func TestShareChangesFor_ImmediateDepositCreditsHolder(t *testing.T) {
	payload := []byte(`{"Holder":"alice","Shares":6000000000000000000000}`)
	changes, err := projection.ShareChangesFor("DepositRequested", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	want, _ := new(big.Int).SetString("6000000000000000000000", 10)
	if changes[0].Holder != "alice" || changes[0].Delta.Cmp(want) != 0 {
		t.Fatalf("change = %s %s", changes[0].Holder, changes[0].Delta)
	}
}

func TestShareChangesFor_RoutedDepositDefersToExecution(t *testing.T) {
	// Routed deposit: no Shares field in the request event.
	changes, err := projection.ShareChangesFor("DepositRequested",
		[]byte(`{"Holder":"alice","Shares":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 0 {
		t.Fatal("deferred mint should not move shares at request time")
	}

	changes, err = projection.ShareChangesFor("DepositExecuted",
		[]byte(`{"Key":"vk-1","Holder":"alice","MintedShares":1000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Delta.Int64() != 1000 {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestShareChangesFor_WithdrawalMovesThroughEscrow(t *testing.T) {
	changes, err := projection.ShareChangesFor("WithdrawalRequested",
		[]byte(`{"Holder":"bob","Shares":400}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Holder != "bob" || changes[0].Delta.Int64() != -400 {
		t.Fatalf("holder change = %+v", changes[0])
	}
	if changes[1].Holder != projection.EscrowHolder || changes[1].Delta.Int64() != 400 {
		t.Fatalf("escrow change = %+v", changes[1])
	}

	// Settlement burns out of escrow only.
	changes, err = projection.ShareChangesFor("WithdrawalExecuted",
		[]byte(`{"Key":"wk-1","Holder":"bob","BurnedShares":400}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Holder != projection.EscrowHolder || changes[0].Delta.Int64() != -400 {
		t.Fatalf("burn change = %+v", changes)
	}
}

func TestShareChangesFor_CancelledWithdrawalRemints(t *testing.T) {
	changes, err := projection.ShareChangesFor("WithdrawalCancelled",
		[]byte(`{"Key":"wk-1","Holder":"bob","Shares":400}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	net := new(big.Int).Add(changes[0].Delta, changes[1].Delta)
	if net.Sign() != 0 {
		t.Fatal("cancel should move shares, not create them")
	}
	if changes[1].Holder != "bob" || changes[1].Delta.Int64() != 400 {
		t.Fatalf("remint change = %+v", changes[1])
	}
}

func TestShareChangesFor_IgnoresNonShareEvents(t *testing.T) {
	for _, eventType := range []string{"RateUpdated", "StatusChanged", "OrderExecuted", "ProtocolFeeWithdrawn"} {
		changes, err := projection.ShareChangesFor(eventType, []byte(`{"whatever":1}`))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", eventType, err)
		}
		if changes != nil {
			t.Fatalf("%s: expected no changes", eventType)
		}
	}
}

func TestShareChangesFor_RoundTripsPersistedPayloads(t *testing.T) {
	// The projection parses exactly what the persistence layer writes.
	payload := persistence.MarshalPayload(struct {
		Holder string
		Shares *big.Int
	}{Holder: "carol", Shares: big.NewInt(123)})

	changes, err := projection.ShareChangesFor("DepositRequested", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Holder != "carol" || changes[0].Delta.Int64() != 123 {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestRateHistory_BoundedNewestFirst(t *testing.T) {
	p := projection.NewRateHistoryProjection(3)
	for i := int64(1); i <= 5; i++ {
		p.AddEntry(projection.RateHistoryEntry{
			Sequence: i,
			OldRate:  big.NewInt(i),
			NewRate:  big.NewInt(i + 1),
			FeeValue: big.NewInt(0),
		})
	}

	recent := p.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("got %d entries, want capacity 3", len(recent))
	}
	if recent[0].Sequence != 5 || recent[2].Sequence != 3 {
		t.Fatalf("order = %d..%d, want newest first", recent[0].Sequence, recent[2].Sequence)
	}
}
