// Package router reconciles asynchronous venue callbacks against the
// pending-request ledger.
//
// Every routed request (deposit, withdrawal, order) registers its venue key
// here before the venue call returns. When the venue later fires a callback,
// the router authenticates the handler, resolves the key exactly once, and
// notifies the settlement sink. Keys unknown to the ledger are dropped:
// either the callback is a replay of an already-settled key or it belongs to
// a request this vault never made.
package router

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog"

	"OmniVault/internal/protocol"
)

// Outcome is the terminal state a venue callback reports for a key.
type Outcome int32

const (
	OutcomeSettled Outcome = iota
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Entry is the ledger record for one pending venue key.
type Entry struct {
	Key      protocol.RequestKey
	Category protocol.Category
	PluginID uint8
	PoolID   uint64
}

// Result carries the venue-reported settlement payload.
type Result struct {
	ReceiptAmount *big.Int
	PayoutToken   string
	PayoutAmount  *big.Int
	OutputToken   string
	OutputAmount  *big.Int
	Reason        string
	TimestampUs   int64
}

// Sink receives exactly-once settlement notifications. The vault implements
// this to finish deferred mints, burns, and rollbacks.
type Sink interface {
	OnDepositSettled(entry Entry, result Result) error
	OnWithdrawalSettled(entry Entry, result Result) error
	OnOrderSettled(entry Entry, result Result) error
	OnRequestCancelled(entry Entry, reason string) error
}

// Router is the per-category pending-key ledger.
type Router struct {
	mu sync.Mutex

	// Insertion-ordered keys per category, mirrored by a map for O(1)
	// lookup. Order is observable through Keys and must be stable.
	ordered map[protocol.Category][]protocol.RequestKey
	entries map[protocol.Category]map[protocol.RequestKey]Entry

	// Handlers allowed to resolve keys. Callbacks from anything else are
	// rejected before the ledger is consulted.
	handlers map[uint8]struct{}

	// Recently settled keys, used to tell a replayed callback apart from
	// a key that was never ours.
	settled *settledLRU

	sink   Sink
	logger zerolog.Logger
}

// New builds a router. settledCapacity bounds the replay-detection window.
func New(sink Sink, settledCapacity int, logger zerolog.Logger) *Router {
	r := &Router{
		ordered:  make(map[protocol.Category][]protocol.RequestKey),
		entries:  make(map[protocol.Category]map[protocol.RequestKey]Entry),
		handlers: make(map[uint8]struct{}),
		settled:  newSettledLRU(settledCapacity),
		sink:     sink,
		logger:   logger.With().Str("component", "settlement_router").Logger(),
	}
	for _, c := range protocol.Categories() {
		r.ordered[c] = nil
		r.entries[c] = make(map[protocol.RequestKey]Entry)
	}
	return r
}

// SetSink installs the settlement sink. The vault and the router reference
// each other, so the router is built first with a nil sink and wired here.
func (r *Router) SetSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// AuthorizeHandler allows pluginID to resolve keys via callbacks.
func (r *Router) AuthorizeHandler(pluginID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pluginID] = struct{}{}
}

// RevokeHandler removes a handler's callback authorization.
func (r *Router) RevokeHandler(pluginID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, pluginID)
}

// RegisterKey records a pending venue key. Duplicate keys within a category
// are rejected; the same key may exist in different categories.
func (r *Router) RegisterKey(category protocol.Category, key protocol.RequestKey, pluginID uint8, poolID uint64) error {
	if key == "" {
		return fmt.Errorf("empty venue key: %w", protocol.ErrInvalidAmount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.entries[category]
	if !ok {
		return fmt.Errorf("unknown category %d: %w", category, protocol.ErrNotFound)
	}
	if _, exists := byKey[key]; exists {
		return fmt.Errorf("key %s already pending in %s: %w", key, category, protocol.ErrDuplicateID)
	}

	byKey[key] = Entry{Key: key, Category: category, PluginID: pluginID, PoolID: poolID}
	r.ordered[category] = append(r.ordered[category], key)

	r.logger.Debug().
		Str("category", category.String()).
		Str("key", string(key)).
		Uint8("plugin_id", pluginID).
		Uint64("pool_id", poolID).
		Msg("Venue key registered")
	return nil
}

// Keys returns the pending keys for a category in registration order.
func (r *Router) Keys(category protocol.Category) []protocol.RequestKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := r.ordered[category]
	out := make([]protocol.RequestKey, len(src))
	copy(out, src)
	return out
}

// Lookup returns the ledger entry for a pending key.
func (r *Router) Lookup(category protocol.Category, key protocol.RequestKey) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[category][key]
	return e, ok
}

// PendingCount reports the number of in-flight keys in a category.
func (r *Router) PendingCount(category protocol.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered[category])
}

// HasPluginKeys reports whether any category holds a pending key owned by
// pluginID. Plugin removal is blocked while this is true.
func (r *Router) HasPluginKeys(pluginID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, byKey := range r.entries {
		for _, e := range byKey {
			if e.PluginID == pluginID {
				return true
			}
		}
	}
	return false
}

// HasPoolKeys reports whether any pending key targets the given pool.
func (r *Router) HasPoolKeys(pluginID uint8, poolID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, byKey := range r.entries {
		for _, e := range byKey {
			if e.PluginID == pluginID && e.PoolID == poolID {
				return true
			}
		}
	}
	return false
}

// HandleCallback resolves a pending key from a venue callback. The key is
// removed from the ledger before the sink is notified, so a re-entrant
// lookup during notification sees it gone. If the sink fails the key is
// re-registered and left out of the settled window, so a redelivery of the
// same callback finds it pending and retries. The key enters the settled
// window only after the sink succeeds. Unknown keys are a no-op.
func (r *Router) HandleCallback(handlerID uint8, category protocol.Category, key protocol.RequestKey, outcome Outcome, result Result) error {
	r.mu.Lock()

	if _, ok := r.handlers[handlerID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("handler %d not authorized: %w", handlerID, protocol.ErrUnauthorized)
	}

	entry, ok := r.entries[category][key]
	if !ok {
		replay := r.settled.Contains(settledKey(category, key))
		r.mu.Unlock()

		if replay {
			r.logger.Info().
				Str("category", category.String()).
				Str("key", string(key)).
				Msg("Duplicate callback for settled key, dropping")
		} else {
			r.logger.Warn().
				Str("category", category.String()).
				Str("key", string(key)).
				Uint8("handler_id", handlerID).
				Msg("Callback for unknown key, dropping")
		}
		return nil
	}

	r.remove(category, key)
	sink := r.sink
	r.mu.Unlock()

	if err := r.notifySink(sink, category, outcome, entry, result); err != nil {
		r.mu.Lock()
		r.entries[category][key] = entry
		r.ordered[category] = append(r.ordered[category], key)
		r.mu.Unlock()

		r.logger.Warn().
			Err(err).
			Str("category", category.String()).
			Str("key", string(key)).
			Msg("Sink rejected callback, key re-registered for retry")
		return err
	}

	r.mu.Lock()
	r.settled.Add(settledKey(category, key))
	r.mu.Unlock()

	r.logger.Info().
		Str("category", category.String()).
		Str("key", string(key)).
		Str("outcome", outcome.String()).
		Uint8("plugin_id", entry.PluginID).
		Msg("Venue key resolved")
	return nil
}

func (r *Router) notifySink(sink Sink, category protocol.Category, outcome Outcome, entry Entry, result Result) error {
	if sink == nil {
		return nil
	}
	if outcome == OutcomeCancelled {
		return sink.OnRequestCancelled(entry, result.Reason)
	}

	switch category {
	case protocol.CategoryDeposit:
		return sink.OnDepositSettled(entry, result)
	case protocol.CategoryWithdrawal:
		return sink.OnWithdrawalSettled(entry, result)
	case protocol.CategoryOrder:
		return sink.OnOrderSettled(entry, result)
	default:
		return fmt.Errorf("unknown category %d: %w", category, protocol.ErrNotFound)
	}
}

// ResolveCancelled removes a key after a synchronous cancel succeeded at the
// venue. The sink is NOT notified: the caller already performed the reversal,
// and the venue's eventual cancelled callback will land in the settled set.
func (r *Router) ResolveCancelled(category protocol.Category, key protocol.RequestKey) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[category][key]
	if !ok {
		return Entry{}, fmt.Errorf("key %s not pending in %s: %w", key, category, protocol.ErrNotFound)
	}

	r.remove(category, key)
	r.settled.Add(settledKey(category, key))

	r.logger.Info().
		Str("category", category.String()).
		Str("key", string(key)).
		Msg("Venue key cancelled synchronously")
	return entry, nil
}

// WarmSettled preloads the replay-detection window from persisted composite
// keys ("<category>:<key>") on restart.
func (r *Router) WarmSettled(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled.WarmFromKeys(keys)
}

// SettledKeys exports the replay-detection window, oldest first, for
// snapshots.
func (r *Router) SettledKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled.Keys()
}

// remove assumes the lock is held.
func (r *Router) remove(category protocol.Category, key protocol.RequestKey) {
	delete(r.entries[category], key)

	keys := r.ordered[category]
	for i, k := range keys {
		if k == key {
			r.ordered[category] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

func settledKey(category protocol.Category, key protocol.RequestKey) string {
	return fmt.Sprintf("%s:%s", category, key)
}
