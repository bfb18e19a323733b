package protocol

import "math/big"

// ActionType discriminates adapter actions dispatched through Vault.Execute.
type ActionType int32

const (
	ActionStake ActionType = iota
	ActionUnstake
	ActionSwapTokens
	ActionClaimRewards
	ActionCancel
)

func (a ActionType) String() string {
	switch a {
	case ActionStake:
		return "Stake"
	case ActionUnstake:
		return "Unstake"
	case ActionSwapTokens:
		return "SwapTokens"
	case ActionClaimRewards:
		return "ClaimRewards"
	case ActionCancel:
		return "CancelAction"
	default:
		return "Unknown"
	}
}

// Action is the tagged union of adapter operations. Decoding the wire payload
// into one of these variants at the boundary removes the wrong-payload-shape
// failure class: an adapter switches exhaustively on the concrete type.
type Action interface {
	Type() ActionType
}

// StakeAction invests the listed assets into a pool.
type StakeAction struct {
	PoolID        uint64
	Tokens        []string
	Amounts       []*big.Int
	MinReceiptOut *big.Int
}

func (StakeAction) Type() ActionType { return ActionStake }

// UnstakeAction divests receipt tokens from a pool.
type UnstakeAction struct {
	PoolID        uint64
	ReceiptAmount *big.Int
	MinOut        *big.Int
	Receiver      string
	Routing       []byte
}

func (UnstakeAction) Type() ActionType { return ActionUnstake }

// OrderKind mirrors the venue's order types.
type OrderKind int32

const (
	OrderMarketSwap OrderKind = iota
	OrderLimitSwap
	OrderMarketIncrease
	OrderLimitIncrease
	OrderMarketDecrease
	OrderLimitDecrease
)

func (k OrderKind) String() string {
	switch k {
	case OrderMarketSwap:
		return "MarketSwap"
	case OrderLimitSwap:
		return "LimitSwap"
	case OrderMarketIncrease:
		return "MarketIncrease"
	case OrderLimitIncrease:
		return "LimitIncrease"
	case OrderMarketDecrease:
		return "MarketDecrease"
	case OrderLimitDecrease:
		return "LimitDecrease"
	default:
		return "Unknown"
	}
}

// NeedsCollateral reports whether submitting this order kind moves
// collateral to the venue up front. Decrease orders only return value.
func (k OrderKind) NeedsCollateral() bool {
	switch k {
	case OrderMarketSwap, OrderLimitSwap, OrderMarketIncrease, OrderLimitIncrease:
		return true
	default:
		return false
	}
}

// OrderParams is the full order-parameter structure for venue orders.
type OrderParams struct {
	Receiver               string
	Market                 string
	InitialCollateralToken string
	SwapPath               []string

	SizeDeltaUSD                 *big.Int
	InitialCollateralDeltaAmount *big.Int
	TriggerPrice                 *big.Int
	AcceptablePrice              *big.Int
	ExecutionFee                 *big.Int
	CallbackGasLimit             int64
	MinOutputAmount              *big.Int

	Kind               OrderKind
	IsLong             bool
	ShouldUnwrapNative bool
	ReferralCode       string
}

// SwapAction submits a venue order (swap or position order).
type SwapAction struct {
	Order OrderParams
}

func (SwapAction) Type() ActionType { return ActionSwapTokens }

// ClaimAction collects accrued venue rewards for a pool.
type ClaimAction struct {
	PoolID uint64
}

func (ClaimAction) Type() ActionType { return ActionClaimRewards }

// CancelRequestAction cancels a still-pending venue request.
type CancelRequestAction struct {
	Category Category
	Key      RequestKey
}

func (CancelRequestAction) Type() ActionType { return ActionCancel }
