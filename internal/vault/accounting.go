package vault

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"OmniVault/internal/bank"
	"OmniVault/internal/event"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/protocol"
)

// TotalValue is the vault's full 18-decimal valuation: idle custody plus
// every plugin's deployed capital, minus routed deposits whose shares are
// not minted yet.
func (v *Vault) TotalValue(useMin bool) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalValueLocked(useMin)
}

// totalValueLocked assumes the lock is held.
func (v *Vault) totalValueLocked(useMin bool) (*big.Int, error) {
	total := new(big.Int)

	for _, tok := range v.tokens {
		bal := v.bank.BalanceOf(tok.Symbol, bank.AccountVault)
		if bal.Sign() == 0 {
			continue
		}
		quote, err := v.prices.GetPrice(tok.Symbol)
		if err != nil {
			return nil, err
		}
		total.Add(total, fpmath.TokenValue(bal, tok.Decimals, quote.Pick(useMin), quote.Decimals))
	}

	for _, p := range v.plugins {
		pv, err := p.TotalValue(useMin)
		if err != nil {
			return nil, err
		}
		total.Add(total, pv)
	}

	// Deferred-mint deposits are not backed by shares yet; their value must
	// not move the rate for existing holders.
	total.Sub(total, v.pendingDeposits)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return total, nil
}

// UpdateLiquidityProviderRate refreshes the value-per-share rate from the
// current valuation and skims the protocol's cut of any appreciation into
// the fee reserve. The reserve is netted out of the valuation, so calling
// twice without underlying gain is a no-op. Callable by anyone; the result
// depends only on oracle state, so there is nothing for a caller to steer.
func (v *Vault) UpdateLiquidityProviderRate(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.logger.Debug().Str("caller", caller).Msg("Rate update requested")
	if v.totalShares.Sign() == 0 {
		return nil
	}

	gross, err := v.totalValueLocked(true)
	if err != nil {
		return err
	}
	net := new(big.Int).Sub(gross, v.feeReserve)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}

	candidate := fpmath.MulDiv(net, fpmath.RateScale, v.totalShares, fpmath.RoundDown)
	oldRate := new(big.Int).Set(v.rate)
	feeValue := new(big.Int)

	if candidate.Cmp(v.rate) > 0 && v.feeBps > 0 {
		// Skim feeBps of the appreciation; losses are never skimmed.
		gainPerShare := new(big.Int).Sub(candidate, v.rate)
		gainValue := fpmath.MulDiv(gainPerShare, v.totalShares, fpmath.RateScale, fpmath.RoundDown)
		feeValue = fpmath.BpsShare(gainValue, v.feeBps)

		v.feeReserve.Add(v.feeReserve, feeValue)
		net.Sub(net, feeValue)
		candidate = fpmath.MulDiv(net, fpmath.RateScale, v.totalShares, fpmath.RoundDown)
	}

	if candidate.Cmp(oldRate) == 0 {
		return nil
	}
	v.rate.Set(candidate)

	v.logger.Info().
		Str("old_rate", oldRate.String()).
		Str("new_rate", candidate.String()).
		Str("fee_value", feeValue.String()).
		Msg("Liquidity provider rate updated")
	v.emit(&event.RateUpdated{
		UpdateID: uuid.New(),
		OldRate:  oldRate,
		NewRate:  new(big.Int).Set(candidate),
		FeeValue: feeValue,
		Sequence: v.nextSeq(),
	})
	v.updateShareMetrics()
	return nil
}

// WithdrawProtocolFee pays the accrued fee reserve to the treasury in the
// given token, clamped by vault custody. Owner only.
func (v *Vault) WithdrawProtocolFee(caller, symbol string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return nil, fmt.Errorf("withdraw fee: %w", protocol.ErrUnauthorized)
	}
	if v.treasury == "" {
		return nil, fmt.Errorf("treasury unset: %w", protocol.ErrInvalidAddress)
	}
	if v.feeReserve.Sign() == 0 {
		return new(big.Int), nil
	}
	tok, err := v.tokenLocked(symbol)
	if err != nil {
		return nil, err
	}
	quote, err := v.prices.GetPrice(symbol)
	if err != nil {
		return nil, err
	}

	// Price at max so the treasury never takes more value than the reserve.
	price := quote.Pick(false)
	amount := fpmath.TokenAmount(v.feeReserve, tok.Decimals, price, quote.Decimals)

	if held := v.bank.BalanceOf(symbol, bank.AccountVault); amount.Cmp(held) > 0 {
		amount = held
	}
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}

	if err := v.bank.Transfer(symbol, bank.AccountVault, v.treasury, amount); err != nil {
		return nil, err
	}

	paidValue := fpmath.TokenValue(amount, tok.Decimals, price, quote.Decimals)
	v.feeReserve.Sub(v.feeReserve, paidValue)
	if v.feeReserve.Sign() < 0 {
		v.feeReserve.SetInt64(0)
	}

	v.logger.Info().
		Str("token", symbol).
		Str("amount", amount.String()).
		Str("treasury", v.treasury).
		Msg("Protocol fee withdrawn")
	v.emit(&event.ProtocolFeeWithdrawn{
		WithdrawalID: uuid.New(),
		Token:        symbol,
		Amount:       new(big.Int).Set(amount),
		Treasury:     v.treasury,
		Sequence:     v.nextSeq(),
	})
	return amount, nil
}

// TransferExecutionFee moves native tokens from vault custody into a
// plugin's venue fee float. Owner or master.
func (v *Vault) TransferExecutionFee(caller string, pluginID uint8, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.CanOperate(caller) {
		return fmt.Errorf("transfer execution fee: %w", protocol.ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("execution fee must be positive: %w", protocol.ErrInvalidAmount)
	}
	plugin, err := v.pluginLocked(pluginID)
	if err != nil {
		return err
	}

	// The float leaves token custody entirely; the venue burns it as gas.
	if err := v.bank.Burn(v.nativeToken, bank.AccountVault, amount); err != nil {
		return err
	}
	if err := plugin.FundExecutionFee(amount); err != nil {
		v.bank.Mint(v.nativeToken, bank.AccountVault, amount)
		return err
	}

	v.logger.Info().
		Uint8("plugin_id", pluginID).
		Str("amount", amount.String()).
		Msg("Execution fee funded")
	return nil
}

// updateShareMetrics assumes the lock is held.
func (v *Vault) updateShareMetrics() {
	if v.metrics == nil {
		return
	}
	shares, _ := new(big.Float).SetInt(v.totalShares).Float64()
	rate, _ := new(big.Float).SetInt(v.rate).Float64()
	v.metrics.VaultTotalShares.Set(shares / 1e18)
	v.metrics.VaultRate.Set(rate / 1e18)
}

// updateRequestMetrics assumes the lock is held.
func (v *Vault) updateRequestMetrics() {
	if v.metrics == nil {
		return
	}
	for _, c := range protocol.Categories() {
		v.metrics.VaultPendingRequests.WithLabelValues(c.String()).Set(float64(v.pending.PendingCount(c)))
	}
}
