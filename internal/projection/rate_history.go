package projection

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// RateHistoryEntry records one liquidity-provider rate refresh.
type RateHistoryEntry struct {
	Sequence  int64
	OldRate   *big.Int
	NewRate   *big.Int
	FeeValue  *big.Int // 18-decimal value skimmed into the protocol reserve
	Timestamp time.Time
}

// RateHistoryProjection maintains a queryable in-memory window of rate
// updates for the HTTP API. Bounded: oldest entries fall off.
type RateHistoryProjection struct {
	mu       sync.RWMutex
	entries  []RateHistoryEntry
	capacity int
}

func NewRateHistoryProjection(capacity int) *RateHistoryProjection {
	return &RateHistoryProjection{
		entries:  make([]RateHistoryEntry, 0, capacity),
		capacity: capacity,
	}
}

// AddEntry records a rate update.
func (p *RateHistoryProjection) AddEntry(entry RateHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = append(p.entries, entry)
	if len(p.entries) > p.capacity {
		p.entries = p.entries[len(p.entries)-p.capacity:]
	}
}

// ratePayload mirrors the persisted RateUpdated event payload.
type ratePayload struct {
	OldRate  *big.Int `json:"OldRate"`
	NewRate  *big.Int `json:"NewRate"`
	FeeValue *big.Int `json:"FeeValue"`
}

// RateEntryFromPayload decodes a persisted rate-update payload into a
// history entry.
func RateEntryFromPayload(sequence int64, payload []byte, ts time.Time) (RateHistoryEntry, error) {
	var p ratePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return RateHistoryEntry{}, fmt.Errorf("decode rate payload: %w", err)
	}
	if p.OldRate == nil || p.NewRate == nil {
		return RateHistoryEntry{}, fmt.Errorf("rate payload missing rates")
	}
	if p.FeeValue == nil {
		p.FeeValue = new(big.Int)
	}
	return RateHistoryEntry{
		Sequence:  sequence,
		OldRate:   p.OldRate,
		NewRate:   p.NewRate,
		FeeValue:  p.FeeValue,
		Timestamp: ts,
	}, nil
}

// Recent returns the most recent rate updates, newest first.
func (p *RateHistoryProjection) Recent(limit int) []RateHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]RateHistoryEntry, 0, limit)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, p.entries[i])
	}
	return result
}
