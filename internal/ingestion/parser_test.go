package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"OmniVault/internal/ingestion"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDepositExecuted(t *testing.T) {
	payload := map[string]interface{}{
		"plugin_id":      uint8(3),
		"key":            "gmx-dep-001",
		"receipt_amount": "1000000000000000000000",
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cb, err := ingestion.ParseCallback(raw, ingestion.KindDepositExecuted)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cb.PluginID != 3 {
		t.Errorf("plugin_id: got %d, want 3", cb.PluginID)
	}
	if cb.Category != protocol.CategoryDeposit {
		t.Errorf("category: got %s, want Deposit", cb.Category)
	}
	if cb.Key != "gmx-dep-001" {
		t.Errorf("key: got %s, want gmx-dep-001", cb.Key)
	}
	if cb.Outcome != router.OutcomeSettled {
		t.Errorf("outcome: got %v, want Settled", cb.Outcome)
	}

	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if cb.Result.ReceiptAmount.Cmp(want) != 0 {
		t.Errorf("receipt_amount: got %s, want %s", cb.Result.ReceiptAmount, want)
	}
	if cb.Result.TimestampUs != 1700000000000000 {
		t.Errorf("timestamp_us: got %d, want 1700000000000000", cb.Result.TimestampUs)
	}
}

func TestParseWithdrawalExecuted(t *testing.T) {
	payload := map[string]interface{}{
		"plugin_id":     uint8(3),
		"key":           "gmx-wd-007",
		"payout_token":  "USDC",
		"payout_amount": "400000000",
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cb, err := ingestion.ParseCallback(raw, ingestion.KindWithdrawalExecuted)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cb.Category != protocol.CategoryWithdrawal {
		t.Errorf("category: got %s, want Withdrawal", cb.Category)
	}
	if cb.Result.PayoutToken != "USDC" {
		t.Errorf("payout_token: got %s, want USDC", cb.Result.PayoutToken)
	}
	if cb.Result.PayoutAmount.Cmp(big.NewInt(400_000_000)) != 0 {
		t.Errorf("payout_amount: got %s, want 400000000", cb.Result.PayoutAmount)
	}
}

func TestParseOrderExecuted(t *testing.T) {
	payload := map[string]interface{}{
		"plugin_id":     uint8(3),
		"key":           "gmx-ord-042",
		"output_token":  "ETH",
		"output_amount": "2000000000000000000",
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cb, err := ingestion.ParseCallback(raw, ingestion.KindOrderExecuted)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cb.Category != protocol.CategoryOrder {
		t.Errorf("category: got %s, want Order", cb.Category)
	}
	if cb.Result.OutputToken != "ETH" {
		t.Errorf("output_token: got %s, want ETH", cb.Result.OutputToken)
	}
	if cb.Result.OutputAmount.Cmp(big.NewInt(2_000_000_000_000_000_000)) != 0 {
		t.Errorf("output_amount: got %s", cb.Result.OutputAmount)
	}
}

func TestParseCancelled(t *testing.T) {
	payload := map[string]interface{}{
		"plugin_id":    uint8(3),
		"key":          "gmx-dep-001",
		"reason":       "insufficient liquidity",
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cb, err := ingestion.ParseCallback(raw, ingestion.KindDepositCancelled)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cb.Outcome != router.OutcomeCancelled {
		t.Errorf("outcome: got %v, want Cancelled", cb.Outcome)
	}
	if cb.Result.Reason != "insufficient liquidity" {
		t.Errorf("reason: got %q", cb.Result.Reason)
	}
}

func TestParseCancelled_AllCategories(t *testing.T) {
	cases := []struct {
		kind     string
		category protocol.Category
	}{
		{ingestion.KindDepositCancelled, protocol.CategoryDeposit},
		{ingestion.KindWithdrawalCancelled, protocol.CategoryWithdrawal},
		{ingestion.KindOrderCancelled, protocol.CategoryOrder},
	}

	for _, tc := range cases {
		raw := rawFromJSON(t, map[string]interface{}{
			"plugin_id": uint8(1),
			"key":       "k",
		})
		cb, err := ingestion.ParseCallback(raw, tc.kind)
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.kind, err)
		}
		if cb.Category != tc.category {
			t.Errorf("%s: category = %s, want %s", tc.kind, cb.Category, tc.category)
		}
	}
}

func TestParseEmptyAmountDefaultsToZero(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"plugin_id": uint8(3),
		"key":       "gmx-dep-002",
	})
	cb, err := ingestion.ParseCallback(raw, ingestion.KindDepositExecuted)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cb.Result.ReceiptAmount.Sign() != 0 {
		t.Errorf("receipt_amount: got %s, want 0", cb.Result.ReceiptAmount)
	}
}

func TestParseRejectsMalformedAmount(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"plugin_id":      uint8(3),
		"key":            "gmx-dep-003",
		"receipt_amount": "12.5",
	})
	if _, err := ingestion.ParseCallback(raw, ingestion.KindDepositExecuted); err == nil {
		t.Fatal("expected parse error for non-integer amount")
	}

	raw = rawFromJSON(t, map[string]interface{}{
		"plugin_id":      uint8(3),
		"key":            "gmx-dep-004",
		"receipt_amount": "-100",
	})
	if _, err := ingestion.ParseCallback(raw, ingestion.KindDepositExecuted); err == nil {
		t.Fatal("expected parse error for negative amount")
	}
}

func TestParseRejectsEmptyKey(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"plugin_id":      uint8(3),
		"receipt_amount": "100",
	})
	if _, err := ingestion.ParseCallback(raw, ingestion.KindDepositExecuted); err == nil {
		t.Fatal("expected parse error for empty key")
	}
}

func TestParseUnknownKind(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{"key": "k"})
	if _, err := ingestion.ParseCallback(raw, "PriceUpdate"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
