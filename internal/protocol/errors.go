package protocol

import "errors"

// Error taxonomy shared by the vault, venue adapters, and the settlement
// router. Every rejected call wraps one of these sentinels so callers can
// branch with errors.Is regardless of which component produced the failure.
var (
	// ErrUnauthorized is returned when the caller lacks the required role
	// (owner, master, or trusted callback handler).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidAddress is returned when a config setter receives an empty
	// or placeholder identity.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidToken is returned when an asset is not in the relevant
	// allow-set.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidAmount is returned for zero or otherwise out-of-range
	// quantities.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateID is returned when a plugin, pool, token, or request key
	// is already registered.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound is returned when a plugin, pool, token, or key is absent.
	ErrNotFound = errors.New("not found")

	// ErrRequestNotPending is returned when a cancel or settle references a
	// key that is not outstanding.
	ErrRequestNotPending = errors.New("request not pending")

	// ErrOracleUnavailable is returned when a price feed is stale or missing.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrInsufficientExecutionFee is returned when the prepaid fee does not
	// cover the venue-side execution cost.
	ErrInsufficientExecutionFee = errors.New("insufficient execution fee")

	// ErrInsufficientBalance is returned when a transfer or burn exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrProtocolPending is returned when an operation is gated by an
	// outstanding withdrawal cycle (protocol status Pending) or by in-flight
	// requests referencing the target.
	ErrProtocolPending = errors.New("protocol status pending")
)
