package event

import (
	"math/big"

	"github.com/google/uuid"

	"OmniVault/internal/protocol"
)

// DepositRequested records a holder funding the vault. For routed deposits
// VenueKey carries the venue request key; share mint is deferred until the
// matching DepositExecuted callback.
type DepositRequested struct {
	RequestID uuid.UUID
	Holder    string
	Tokens    []string
	Amounts   []*big.Int
	Shares    *big.Int // minted immediately; nil when routed
	PluginID  *uint8
	VenueKey  protocol.RequestKey
	Sequence  int64
}

func (d *DepositRequested) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DepositRequested) EventType() EventType {
	return EventTypeDepositRequested
}

func (d *DepositRequested) HandlerID() *uint8 {
	return d.PluginID
}

func (d *DepositRequested) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawalRequested records a holder's shares moving into escrow pending
// venue settlement.
type WithdrawalRequested struct {
	RequestID   uuid.UUID
	Holder      string
	Shares      *big.Int
	PayoutToken string
	PluginID    *uint8
	VenueKey    protocol.RequestKey
	Sequence    int64
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) HandlerID() *uint8 {
	return w.PluginID
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// OrderSubmitted records a master-initiated venue order leaving the vault.
type OrderSubmitted struct {
	RequestID uuid.UUID
	PluginID  uint8
	Action    protocol.ActionType
	VenueKey  protocol.RequestKey
	Sequence  int64
}

func (o *OrderSubmitted) IdempotencyKey() string {
	return o.RequestID.String()
}

func (o *OrderSubmitted) EventType() EventType {
	return EventTypeOrderSubmitted
}

func (o *OrderSubmitted) HandlerID() *uint8 {
	return &o.PluginID
}

func (o *OrderSubmitted) SourceSequence() int64 {
	return o.Sequence
}
