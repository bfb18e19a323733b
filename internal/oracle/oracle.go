// Package oracle provides token price lookups for vault valuation.
//
// Prices are quoted as min/max ranges so callers can pick the conservative
// side: min when valuing assets the vault holds, max when pricing assets
// the vault owes.
package oracle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"OmniVault/internal/protocol"
)

// Price is a point-in-time quote for one token.
type Price struct {
	Min       *big.Int
	Max       *big.Int
	Decimals  int
	Timestamp time.Time
}

// Pick returns the min or max side of the quote.
func (p Price) Pick(useMin bool) *big.Int {
	if useMin {
		return p.Min
	}
	return p.Max
}

// Consumer resolves current prices for accepted tokens.
type Consumer interface {
	// GetPrice returns the current quote for token. It returns
	// protocol.ErrOracleUnavailable when no fresh quote exists.
	GetPrice(token string) (Price, error)
}

// StaticConsumer is a mutable in-process price table. Production deployments
// feed it from a price stream; tests set prices directly.
type StaticConsumer struct {
	mu     sync.RWMutex
	prices map[string]Price
	maxAge time.Duration
	now    func() time.Time
}

// NewStaticConsumer returns a consumer that rejects quotes older than maxAge.
// A maxAge of zero disables staleness checks.
func NewStaticConsumer(maxAge time.Duration) *StaticConsumer {
	return &StaticConsumer{
		prices: make(map[string]Price),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetPrice records a quote with the current timestamp.
func (c *StaticConsumer) SetPrice(token string, min, max *big.Int, decimals int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[token] = Price{
		Min:       new(big.Int).Set(min),
		Max:       new(big.Int).Set(max),
		Decimals:  decimals,
		Timestamp: c.now(),
	}
}

// SetFlatPrice records a quote where min and max coincide.
func (c *StaticConsumer) SetFlatPrice(token string, price *big.Int, decimals int) {
	c.SetPrice(token, price, price, decimals)
}

func (c *StaticConsumer) GetPrice(token string) (Price, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[token]
	if !ok {
		return Price{}, fmt.Errorf("no quote for %q: %w", token, protocol.ErrOracleUnavailable)
	}
	if c.maxAge > 0 && c.now().Sub(p.Timestamp) > c.maxAge {
		return Price{}, fmt.Errorf("quote for %q is stale: %w", token, protocol.ErrOracleUnavailable)
	}
	return p, nil
}

// WithClock overrides the time source. Test hook.
func (c *StaticConsumer) WithClock(now func() time.Time) *StaticConsumer {
	c.now = now
	return c
}
