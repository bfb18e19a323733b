package venue

import (
	"math/big"
)

// PoolConfig is the static description of a venue pool.
type PoolConfig struct {
	ID           uint64
	Market       string
	IndexToken   string
	LongToken    string
	ShortToken   string
	ReceiptToken string
}

// Pool is the adapter's live record of one venue pool. ReceiptBalance is
// the settled receipt position; PendingReceipt holds receipts locked by
// in-flight withdrawals so overlapping unstakes cannot double-spend.
type Pool struct {
	PoolConfig

	ReceiptBalance *big.Int
	PendingReceipt *big.Int
}

func newPool(cfg PoolConfig) *Pool {
	return &Pool{
		PoolConfig:     cfg,
		ReceiptBalance: new(big.Int),
		PendingReceipt: new(big.Int),
	}
}

// totalReceipt is settled plus in-flight receipts, the adapter's full claim
// on the pool.
func (p *Pool) totalReceipt() *big.Int {
	return new(big.Int).Add(p.ReceiptBalance, p.PendingReceipt)
}

// snapshot returns a copy safe to hand outside the adapter lock.
func (p *Pool) snapshot() Pool {
	return Pool{
		PoolConfig:     p.PoolConfig,
		ReceiptBalance: new(big.Int).Set(p.ReceiptBalance),
		PendingReceipt: new(big.Int).Set(p.PendingReceipt),
	}
}
