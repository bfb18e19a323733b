package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositRequested
	EventTypeDepositExecuted
	EventTypeDepositCancelled
	EventTypeWithdrawalRequested
	EventTypeWithdrawalExecuted
	EventTypeWithdrawalCancelled
	EventTypeOrderSubmitted
	EventTypeOrderExecuted
	EventTypeOrderCancelled
	EventTypeRewardsClaimed
	EventTypeRateUpdated
	EventTypeProtocolFeeWithdrawn
	EventTypeStatusChanged
)

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// HandlerID returns the originating plugin (nil for vault-level events)
	HandlerID() *uint8

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositRequested:
		return "DepositRequested"
	case EventTypeDepositExecuted:
		return "DepositExecuted"
	case EventTypeDepositCancelled:
		return "DepositCancelled"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalExecuted:
		return "WithdrawalExecuted"
	case EventTypeWithdrawalCancelled:
		return "WithdrawalCancelled"
	case EventTypeOrderSubmitted:
		return "OrderSubmitted"
	case EventTypeOrderExecuted:
		return "OrderExecuted"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeRewardsClaimed:
		return "RewardsClaimed"
	case EventTypeRateUpdated:
		return "RateUpdated"
	case EventTypeProtocolFeeWithdrawn:
		return "ProtocolFeeWithdrawn"
	case EventTypeStatusChanged:
		return "StatusChanged"
	default:
		return "Unknown"
	}
}
