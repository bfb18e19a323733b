package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// Callback kinds, one per subject.
const (
	KindDepositExecuted     = "DepositExecuted"
	KindDepositCancelled    = "DepositCancelled"
	KindWithdrawalExecuted  = "WithdrawalExecuted"
	KindWithdrawalCancelled = "WithdrawalCancelled"
	KindOrderExecuted       = "OrderExecuted"
	KindOrderCancelled      = "OrderCancelled"
)

// Callback is a fully decoded venue callback, ready for the settlement
// router.
type Callback struct {
	PluginID uint8
	Category protocol.Category
	Key      protocol.RequestKey
	Outcome  router.Outcome
	Result   router.Result
}

// ParseCallback converts a RawEvent into a typed Callback. Token amounts
// travel as decimal strings so venues never lose precision to JSON numbers.
func ParseCallback(raw RawEvent, kind string) (Callback, error) {
	switch kind {
	case KindDepositExecuted:
		return parseDepositExecuted(raw.Data)
	case KindDepositCancelled:
		return parseCancelled(raw.Data, protocol.CategoryDeposit)
	case KindWithdrawalExecuted:
		return parseWithdrawalExecuted(raw.Data)
	case KindWithdrawalCancelled:
		return parseCancelled(raw.Data, protocol.CategoryWithdrawal)
	case KindOrderExecuted:
		return parseOrderExecuted(raw.Data)
	case KindOrderCancelled:
		return parseCancelled(raw.Data, protocol.CategoryOrder)
	default:
		return Callback{}, fmt.Errorf("unknown callback kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the venue's webhook relay.

type depositExecutedJSON struct {
	PluginID      uint8  `json:"plugin_id"`
	Key           string `json:"key"`
	ReceiptAmount string `json:"receipt_amount"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseDepositExecuted(data []byte) (Callback, error) {
	var j depositExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Callback{}, fmt.Errorf("parse DepositExecuted: %w", err)
	}
	if j.Key == "" {
		return Callback{}, fmt.Errorf("parse DepositExecuted: empty key")
	}
	receipt, err := parseBig(j.ReceiptAmount, "receipt_amount")
	if err != nil {
		return Callback{}, err
	}
	return Callback{
		PluginID: j.PluginID,
		Category: protocol.CategoryDeposit,
		Key:      protocol.RequestKey(j.Key),
		Outcome:  router.OutcomeSettled,
		Result: router.Result{
			ReceiptAmount: receipt,
			TimestampUs:   j.TimestampUs,
		},
	}, nil
}

type withdrawalExecutedJSON struct {
	PluginID     uint8  `json:"plugin_id"`
	Key          string `json:"key"`
	PayoutToken  string `json:"payout_token"`
	PayoutAmount string `json:"payout_amount"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalExecuted(data []byte) (Callback, error) {
	var j withdrawalExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Callback{}, fmt.Errorf("parse WithdrawalExecuted: %w", err)
	}
	if j.Key == "" {
		return Callback{}, fmt.Errorf("parse WithdrawalExecuted: empty key")
	}
	if j.PayoutToken == "" {
		return Callback{}, fmt.Errorf("parse WithdrawalExecuted: empty payout_token")
	}
	payout, err := parseBig(j.PayoutAmount, "payout_amount")
	if err != nil {
		return Callback{}, err
	}
	return Callback{
		PluginID: j.PluginID,
		Category: protocol.CategoryWithdrawal,
		Key:      protocol.RequestKey(j.Key),
		Outcome:  router.OutcomeSettled,
		Result: router.Result{
			PayoutToken:  j.PayoutToken,
			PayoutAmount: payout,
			TimestampUs:  j.TimestampUs,
		},
	}, nil
}

type orderExecutedJSON struct {
	PluginID     uint8  `json:"plugin_id"`
	Key          string `json:"key"`
	OutputToken  string `json:"output_token"`
	OutputAmount string `json:"output_amount"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseOrderExecuted(data []byte) (Callback, error) {
	var j orderExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Callback{}, fmt.Errorf("parse OrderExecuted: %w", err)
	}
	if j.Key == "" {
		return Callback{}, fmt.Errorf("parse OrderExecuted: empty key")
	}
	output, err := parseBig(j.OutputAmount, "output_amount")
	if err != nil {
		return Callback{}, err
	}
	return Callback{
		PluginID: j.PluginID,
		Category: protocol.CategoryOrder,
		Key:      protocol.RequestKey(j.Key),
		Outcome:  router.OutcomeSettled,
		Result: router.Result{
			OutputToken:  j.OutputToken,
			OutputAmount: output,
			TimestampUs:  j.TimestampUs,
		},
	}, nil
}

type cancelledJSON struct {
	PluginID    uint8  `json:"plugin_id"`
	Key         string `json:"key"`
	Reason      string `json:"reason,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelled(data []byte, category protocol.Category) (Callback, error) {
	var j cancelledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Callback{}, fmt.Errorf("parse %sCancelled: %w", category, err)
	}
	if j.Key == "" {
		return Callback{}, fmt.Errorf("parse %sCancelled: empty key", category)
	}
	return Callback{
		PluginID: j.PluginID,
		Category: category,
		Key:      protocol.RequestKey(j.Key),
		Outcome:  router.OutcomeCancelled,
		Result: router.Result{
			Reason:      j.Reason,
			TimestampUs: j.TimestampUs,
		},
	}, nil
}

// parseBig decodes a decimal string amount. Empty means zero; negative
// amounts are rejected.
func parseBig(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q is not a decimal integer", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: %q is negative", field, s)
	}
	return v, nil
}
