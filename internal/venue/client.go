// Package venue adapts the vault to an external execution venue with
// asynchronous settlement. The adapter holds the pool registry, dispatches
// typed actions to the venue client, keeps transient custody of capital in
// flight, and reconciles venue callbacks back into vault custody.
package venue

import (
	"context"
	"math/big"

	"OmniVault/internal/protocol"
)

// DepositRequest asks the venue to convert tokens into pool receipts.
type DepositRequest struct {
	Market        string
	Tokens        []string
	Amounts       []*big.Int
	MinReceiptOut *big.Int
	ExecutionFee  *big.Int
}

// WithdrawalRequest asks the venue to redeem pool receipts for tokens.
type WithdrawalRequest struct {
	Market        string
	ReceiptAmount *big.Int
	MinOut        *big.Int
	Receiver      string
	Routing       []byte
	ExecutionFee  *big.Int
}

// Reward is one incentive payout returned by a claim.
type Reward struct {
	Token  string
	Amount *big.Int
}

// Client is the wire interface to the venue. Create calls return the venue
// request key immediately; execution happens later and is reported through
// the callback stream.
type Client interface {
	CreateDeposit(ctx context.Context, req DepositRequest) (protocol.RequestKey, error)
	CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (protocol.RequestKey, error)
	CreateOrder(ctx context.Context, params protocol.OrderParams) (protocol.RequestKey, error)

	// CancelRequest asks the venue to abort a still-pending key. It fails
	// when the venue has already begun executing the request.
	CancelRequest(ctx context.Context, category protocol.Category, key protocol.RequestKey) error

	// ClaimRewards settles synchronously: accrued incentives are paid out
	// in the returned rewards.
	ClaimRewards(ctx context.Context, market string) ([]Reward, error)
}

// TokenSource resolves decimals for accepted tokens. The vault's token
// registry implements this.
type TokenSource interface {
	TokenDecimals(token string) (int, bool)
}
