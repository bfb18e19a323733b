package vault

import (
	"fmt"

	"OmniVault/internal/bank"
	"OmniVault/internal/protocol"
)

// Token is one accepted asset.
type Token struct {
	Symbol   string
	Decimals int
}

// ============================================================================
// Accepted tokens
// ============================================================================

// AddAcceptedToken registers an asset holders may deposit. Owner only.
func (v *Vault) AddAcceptedToken(caller, symbol string, decimals int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("add token: %w", protocol.ErrUnauthorized)
	}
	if symbol == "" {
		return fmt.Errorf("add token: %w", protocol.ErrInvalidToken)
	}
	if decimals < 0 || decimals > 30 {
		return fmt.Errorf("token %q decimals %d out of range: %w", symbol, decimals, protocol.ErrInvalidToken)
	}
	if v.tokenIndex[symbol] != 0 {
		return fmt.Errorf("token %q already accepted: %w", symbol, protocol.ErrDuplicateID)
	}

	v.tokens = append(v.tokens, Token{Symbol: symbol, Decimals: decimals})
	v.tokenIndex[symbol] = len(v.tokens)

	v.logger.Info().Str("token", symbol).Int("decimals", decimals).Msg("Token accepted")
	return nil
}

// RemoveAcceptedToken drops an asset. It fails while the vault still holds
// a balance in it. Owner only.
func (v *Vault) RemoveAcceptedToken(caller, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("remove token: %w", protocol.ErrUnauthorized)
	}
	slot := v.tokenIndex[symbol]
	if slot == 0 {
		return fmt.Errorf("token %q: %w", symbol, protocol.ErrNotFound)
	}
	if bal := v.bank.BalanceOf(symbol, bank.AccountVault); bal.Sign() != 0 {
		return fmt.Errorf("vault still holds %s %s: %w", bal, symbol, protocol.ErrInsufficientBalance)
	}

	last := len(v.tokens) - 1
	if slot-1 != last {
		v.tokens[slot-1] = v.tokens[last]
		v.tokenIndex[v.tokens[slot-1].Symbol] = slot
	}
	v.tokens = v.tokens[:last]
	delete(v.tokenIndex, symbol)

	v.logger.Info().Str("token", symbol).Msg("Token removed")
	return nil
}

// IsAcceptedToken reports whether symbol may be deposited.
func (v *Vault) IsAcceptedToken(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tokenIndex[symbol] != 0
}

// AcceptedTokens returns the registry in slot order.
func (v *Vault) AcceptedTokens() []Token {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Token, len(v.tokens))
	copy(out, v.tokens)
	return out
}

// TokenDecimals resolves an accepted token's decimals. Satisfies the venue
// adapter's token source.
func (v *Vault) TokenDecimals(symbol string) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	slot := v.tokenIndex[symbol]
	if slot == 0 {
		return 0, false
	}
	return v.tokens[slot-1].Decimals, true
}

// tokenLocked assumes the lock is held.
func (v *Vault) tokenLocked(symbol string) (Token, error) {
	slot := v.tokenIndex[symbol]
	if slot == 0 {
		return Token{}, fmt.Errorf("token %q not accepted: %w", symbol, protocol.ErrInvalidToken)
	}
	return v.tokens[slot-1], nil
}

// ============================================================================
// Plugins
// ============================================================================

// AddPlugin registers a venue adapter. Owner only.
func (v *Vault) AddPlugin(caller string, p Plugin) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("add plugin: %w", protocol.ErrUnauthorized)
	}
	if v.pluginIndex[p.ID()] != 0 {
		return fmt.Errorf("plugin %d already registered: %w", p.ID(), protocol.ErrDuplicateID)
	}

	v.plugins = append(v.plugins, p)
	v.pluginIndex[p.ID()] = len(v.plugins)

	v.logger.Info().Uint8("plugin_id", p.ID()).Str("name", p.Name()).Msg("Plugin registered")
	return nil
}

// RemovePlugin drops a venue adapter and revokes its callback authority. It
// fails while the plugin still owns pending venue keys. Owner only.
func (v *Vault) RemovePlugin(caller string, pluginID uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("remove plugin: %w", protocol.ErrUnauthorized)
	}
	slot := v.pluginIndex[pluginID]
	if slot == 0 {
		return fmt.Errorf("plugin %d: %w", pluginID, protocol.ErrNotFound)
	}
	if v.pending.HasPluginKeys(pluginID) {
		return fmt.Errorf("plugin %d has pending venue keys: %w", pluginID, protocol.ErrRequestNotPending)
	}

	last := len(v.plugins) - 1
	if slot-1 != last {
		v.plugins[slot-1] = v.plugins[last]
		v.pluginIndex[v.plugins[slot-1].ID()] = slot
	}
	v.plugins = v.plugins[:last]
	delete(v.pluginIndex, pluginID)
	v.pending.RevokeHandler(pluginID)

	v.logger.Info().Uint8("plugin_id", pluginID).Msg("Plugin removed")
	return nil
}

// PluginIDs returns registered plugin IDs in slot order.
func (v *Vault) PluginIDs() []uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]uint8, len(v.plugins))
	for i, p := range v.plugins {
		out[i] = p.ID()
	}
	return out
}

// pluginLocked assumes the lock is held.
func (v *Vault) pluginLocked(pluginID uint8) (Plugin, error) {
	slot := v.pluginIndex[pluginID]
	if slot == 0 {
		return nil, fmt.Errorf("plugin %d not registered: %w", pluginID, protocol.ErrNotFound)
	}
	return v.plugins[slot-1], nil
}
