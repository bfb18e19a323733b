package query

import (
	"encoding/json"
	"time"
)

// ShareBalanceResponse represents a holder's projected share balance.
// Shares are 18-decimal amounts serialized as decimal strings.
type ShareBalanceResponse struct {
	Holder       string `json:"holder"`
	Shares       string `json:"shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RequestResponse represents a request ledger row for API queries.
type RequestResponse struct {
	RequestID    string    `json:"request_id"`
	Category     string    `json:"category"`
	Holder       string    `json:"holder"`
	PluginID     *int16    `json:"plugin_id,omitempty"`
	VenueKey     *string   `json:"venue_key,omitempty"`
	PayoutToken  *string   `json:"payout_token,omitempty"`
	Shares       *string   `json:"shares,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// EventResponse represents an event log row for API queries.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PluginID       *int16          `json:"plugin_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"` // hex
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeBalances []NegativeBalance `json:"negative_balances,omitempty"`
}

// NegativeBalance represents a holder whose projected shares went below
// zero, which the vault's invariants forbid.
type NegativeBalance struct {
	Holder string `json:"holder"`
	Shares string `json:"shares"`
}
