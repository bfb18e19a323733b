package event

import (
	"math/big"

	"OmniVault/internal/protocol"
)

// Callback events arrive from the venue after asynchronous execution. The
// venue request key doubles as the idempotency key: the venue fires exactly
// one terminal callback per key, and replays are dropped by the dedup tier.

type DepositExecuted struct {
	Key           protocol.RequestKey
	Plugin        uint8
	ReceiptAmount *big.Int
	Holder        string
	MintedShares  *big.Int
	TimestampUs   int64
	Sequence      int64
}

func (d *DepositExecuted) IdempotencyKey() string {
	return string(d.Key)
}

func (d *DepositExecuted) EventType() EventType {
	return EventTypeDepositExecuted
}

func (d *DepositExecuted) HandlerID() *uint8 {
	return &d.Plugin
}

func (d *DepositExecuted) SourceSequence() int64 {
	return d.Sequence
}

type DepositCancelled struct {
	Key         protocol.RequestKey
	Plugin      uint8
	Reason      string
	TimestampUs int64
	Sequence    int64
}

func (d *DepositCancelled) IdempotencyKey() string {
	return string(d.Key)
}

func (d *DepositCancelled) EventType() EventType {
	return EventTypeDepositCancelled
}

func (d *DepositCancelled) HandlerID() *uint8 {
	return &d.Plugin
}

func (d *DepositCancelled) SourceSequence() int64 {
	return d.Sequence
}

type WithdrawalExecuted struct {
	Key          protocol.RequestKey
	Plugin       uint8
	PayoutToken  string
	PayoutAmount *big.Int
	Holder       string
	BurnedShares *big.Int
	TimestampUs  int64
	Sequence     int64
}

func (w *WithdrawalExecuted) IdempotencyKey() string {
	return string(w.Key)
}

func (w *WithdrawalExecuted) EventType() EventType {
	return EventTypeWithdrawalExecuted
}

func (w *WithdrawalExecuted) HandlerID() *uint8 {
	return &w.Plugin
}

func (w *WithdrawalExecuted) SourceSequence() int64 {
	return w.Sequence
}

type WithdrawalCancelled struct {
	Key         protocol.RequestKey
	Plugin      uint8
	Reason      string
	Holder      string
	Shares      *big.Int
	TimestampUs int64
	Sequence    int64
}

func (w *WithdrawalCancelled) IdempotencyKey() string {
	return string(w.Key)
}

func (w *WithdrawalCancelled) EventType() EventType {
	return EventTypeWithdrawalCancelled
}

func (w *WithdrawalCancelled) HandlerID() *uint8 {
	return &w.Plugin
}

func (w *WithdrawalCancelled) SourceSequence() int64 {
	return w.Sequence
}

type OrderExecuted struct {
	Key          protocol.RequestKey
	Plugin       uint8
	OutputToken  string
	OutputAmount *big.Int
	TimestampUs  int64
	Sequence     int64
}

func (o *OrderExecuted) IdempotencyKey() string {
	return string(o.Key)
}

func (o *OrderExecuted) EventType() EventType {
	return EventTypeOrderExecuted
}

func (o *OrderExecuted) HandlerID() *uint8 {
	return &o.Plugin
}

func (o *OrderExecuted) SourceSequence() int64 {
	return o.Sequence
}

type OrderCancelled struct {
	Key         protocol.RequestKey
	Plugin      uint8
	Reason      string
	TimestampUs int64
	Sequence    int64
}

func (o *OrderCancelled) IdempotencyKey() string {
	return string(o.Key)
}

func (o *OrderCancelled) EventType() EventType {
	return EventTypeOrderCancelled
}

func (o *OrderCancelled) HandlerID() *uint8 {
	return &o.Plugin
}

func (o *OrderCancelled) SourceSequence() int64 {
	return o.Sequence
}
