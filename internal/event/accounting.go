package event

import (
	"math/big"

	"github.com/google/uuid"

	"OmniVault/internal/protocol"
)

// RateUpdated records a liquidity-provider rate refresh and the protocol
// fee skimmed from the rate appreciation.
type RateUpdated struct {
	UpdateID uuid.UUID
	OldRate  *big.Int
	NewRate  *big.Int
	FeeValue *big.Int // 18-decimal value added to the protocol reserve
	Sequence int64
}

func (r *RateUpdated) IdempotencyKey() string {
	return r.UpdateID.String()
}

func (r *RateUpdated) EventType() EventType {
	return EventTypeRateUpdated
}

func (r *RateUpdated) HandlerID() *uint8 {
	return nil
}

func (r *RateUpdated) SourceSequence() int64 {
	return r.Sequence
}

// ProtocolFeeWithdrawn records the treasury draining the fee reserve.
type ProtocolFeeWithdrawn struct {
	WithdrawalID uuid.UUID
	Token        string
	Amount       *big.Int
	Treasury     string
	Sequence     int64
}

func (p *ProtocolFeeWithdrawn) IdempotencyKey() string {
	return p.WithdrawalID.String()
}

func (p *ProtocolFeeWithdrawn) EventType() EventType {
	return EventTypeProtocolFeeWithdrawn
}

func (p *ProtocolFeeWithdrawn) HandlerID() *uint8 {
	return nil
}

func (p *ProtocolFeeWithdrawn) SourceSequence() int64 {
	return p.Sequence
}

// StatusChanged records the protocol pause gate flipping.
type StatusChanged struct {
	ChangeID uuid.UUID
	Status   protocol.Status
	Sequence int64
}

func (s *StatusChanged) IdempotencyKey() string {
	return s.ChangeID.String()
}

func (s *StatusChanged) EventType() EventType {
	return EventTypeStatusChanged
}

func (s *StatusChanged) HandlerID() *uint8 {
	return nil
}

func (s *StatusChanged) SourceSequence() int64 {
	return s.Sequence
}

// RewardsClaimed records incentive income pulled from the venue.
type RewardsClaimed struct {
	ClaimID  uuid.UUID
	Plugin   uint8
	PoolID   uint64
	Tokens   []string
	Amounts  []*big.Int
	Sequence int64
}

func (r *RewardsClaimed) IdempotencyKey() string {
	return r.ClaimID.String()
}

func (r *RewardsClaimed) EventType() EventType {
	return EventTypeRewardsClaimed
}

func (r *RewardsClaimed) HandlerID() *uint8 {
	return &r.Plugin
}

func (r *RewardsClaimed) SourceSequence() int64 {
	return r.Sequence
}
