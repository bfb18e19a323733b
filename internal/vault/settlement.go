package vault

import (
	"fmt"
	"math/big"

	"OmniVault/internal/bank"
	"OmniVault/internal/event"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// The vault is the settlement router's sink: every resolved venue key lands
// in one of these methods exactly once.

// OnDepositSettled finishes a venue deposit: the plugin books the minted
// receipts, and a routed holder deposit mints its deferred shares at the
// current rate against the receipt value actually received.
func (v *Vault) OnDepositSettled(entry router.Entry, result router.Result) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	plugin, err := v.pluginLocked(entry.PluginID)
	if err != nil {
		return err
	}

	// Value the receipts before touching any state. A stale oracle fails
	// the whole callback here, leaving the plugin untouched so the
	// redelivered callback settles everything together.
	var minted *big.Int
	req := v.lookupRequestLocked(protocol.CategoryDeposit, entry.Key)
	if req != nil {
		receiptValue, err := plugin.ReceiptValue(entry.PoolID, result.ReceiptAmount, true)
		if err != nil {
			return err
		}
		minted = fpmath.SharesForValue(receiptValue, v.rate)
	}

	if err := plugin.ReconcileDeposit(entry, result.ReceiptAmount); err != nil {
		return err
	}

	var holder string
	if req != nil {
		v.creditShares(req.Holder, minted)
		v.totalShares.Add(v.totalShares, minted)
		req.Shares = minted
		req.State = RequestSettled
		v.releasePendingDeposit(req)
		holder = req.Holder

		v.logger.Info().
			Str("holder", req.Holder).
			Str("key", string(entry.Key)).
			Str("shares", minted.String()).
			Msg("Routed deposit settled, shares minted")
		v.updateShareMetrics()
	}

	v.emit(&event.DepositExecuted{
		Key:           entry.Key,
		Plugin:        entry.PluginID,
		ReceiptAmount: copyBig(result.ReceiptAmount),
		Holder:        holder,
		MintedShares:  copyBig(minted),
		TimestampUs:   result.TimestampUs,
		Sequence:      v.nextSeq(),
	})
	v.updateRequestMetrics()
	return nil
}

// OnWithdrawalSettled finishes a venue withdrawal: locked receipts burn in
// the plugin, the escrowed shares burn here, and the payout moves from
// vault custody to the holder. The protocol status returns to Normal.
func (v *Vault) OnWithdrawalSettled(entry router.Entry, result router.Result) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	plugin, err := v.pluginLocked(entry.PluginID)
	if err != nil {
		return err
	}

	req := v.lookupRequestLocked(protocol.CategoryWithdrawal, entry.Key)
	if req != nil && v.shareBalanceLocked(EscrowAccount).Cmp(req.Shares) < 0 {
		// Fail before the plugin burns its receipts so the callback can
		// retry against a consistent state.
		return fmt.Errorf("escrow burn for %s: %w", entry.Key, protocol.ErrInsufficientBalance)
	}

	if err := plugin.ReconcileWithdrawal(entry, result.PayoutToken, result.PayoutAmount); err != nil {
		return err
	}

	var holder string
	var burned *big.Int
	if req != nil {
		// Actual burn: escrow and total supply shrink together.
		if err := v.debitShares(EscrowAccount, req.Shares); err != nil {
			return fmt.Errorf("escrow burn for %s: %w", entry.Key, err)
		}
		v.totalShares.Sub(v.totalShares, req.Shares)

		if result.PayoutAmount != nil && result.PayoutAmount.Sign() > 0 {
			if err := v.bank.Transfer(result.PayoutToken, bank.AccountVault, req.Holder, result.PayoutAmount); err != nil {
				return fmt.Errorf("payout for %s: %w", entry.Key, err)
			}
		}
		req.State = RequestSettled
		holder = req.Holder
		burned = req.Shares

		v.logger.Info().
			Str("holder", req.Holder).
			Str("key", string(entry.Key)).
			Str("burned", req.Shares.String()).
			Msg("Withdrawal settled, shares burned")
		v.updateShareMetrics()
	}

	v.settleWithdrawalStatusLocked()
	v.emit(&event.WithdrawalExecuted{
		Key:          entry.Key,
		Plugin:       entry.PluginID,
		PayoutToken:  result.PayoutToken,
		PayoutAmount: copyBig(result.PayoutAmount),
		Holder:       holder,
		BurnedShares: copyBig(burned),
		TimestampUs:  result.TimestampUs,
		Sequence:     v.nextSeq(),
	})
	v.updateRequestMetrics()
	return nil
}

// OnOrderSettled books a settled order's output into vault custody.
func (v *Vault) OnOrderSettled(entry router.Entry, result router.Result) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	plugin, err := v.pluginLocked(entry.PluginID)
	if err != nil {
		return err
	}
	if err := plugin.ReconcileOrder(entry, result.OutputToken, result.OutputAmount); err != nil {
		return err
	}

	if req := v.lookupRequestLocked(protocol.CategoryOrder, entry.Key); req != nil {
		req.State = RequestSettled
	}

	v.emit(&event.OrderExecuted{
		Key:          entry.Key,
		Plugin:       entry.PluginID,
		OutputToken:  result.OutputToken,
		OutputAmount: copyBig(result.OutputAmount),
		TimestampUs:  result.TimestampUs,
		Sequence:     v.nextSeq(),
	})
	v.updateRequestMetrics()
	return nil
}

// OnRequestCancelled reverses a request the venue cancelled asynchronously.
func (v *Vault) OnRequestCancelled(entry router.Entry, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reverseCancelledLocked(entry, reason)
}

// reverseCancelledLocked undoes a request's state changes after the venue
// cancelled it, synchronously or via callback. Assumes the lock is held.
func (v *Vault) reverseCancelledLocked(entry router.Entry, reason string) error {
	plugin, err := v.pluginLocked(entry.PluginID)
	if err != nil {
		return err
	}
	if err := plugin.ReconcileCancelled(entry); err != nil {
		return err
	}

	req := v.lookupRequestLocked(entry.Category, entry.Key)

	switch entry.Category {
	case protocol.CategoryDeposit:
		if req != nil {
			// The adapter returned the tokens to vault custody; hand them
			// back to the holder and drop the deferred mint.
			v.returnTokens(req.Tokens, req.Amounts, req.Holder)
			v.releasePendingDeposit(req)
			req.State = RequestCancelled
		}
		v.emit(&event.DepositCancelled{
			Key:      entry.Key,
			Plugin:   entry.PluginID,
			Reason:   reason,
			Sequence: v.nextSeq(),
		})

	case protocol.CategoryWithdrawal:
		var holder string
		var shares *big.Int
		if req != nil {
			// Re-mint: escrowed shares return to the holder untouched.
			v.unescrow(req.Holder, req.Shares)
			req.State = RequestCancelled
			holder = req.Holder
			shares = req.Shares
			v.updateShareMetrics()
		}
		v.settleWithdrawalStatusLocked()
		v.emit(&event.WithdrawalCancelled{
			Key:      entry.Key,
			Plugin:   entry.PluginID,
			Reason:   reason,
			Holder:   holder,
			Shares:   copyBig(shares),
			Sequence: v.nextSeq(),
		})

	case protocol.CategoryOrder:
		if req != nil {
			req.State = RequestCancelled
		}
		v.emit(&event.OrderCancelled{
			Key:      entry.Key,
			Plugin:   entry.PluginID,
			Reason:   reason,
			Sequence: v.nextSeq(),
		})
	}

	v.logger.Info().
		Str("category", entry.Category.String()).
		Str("key", string(entry.Key)).
		Str("reason", reason).
		Msg("Request cancelled")
	v.updateRequestMetrics()
	return nil
}

// settleWithdrawalStatusLocked returns the protocol to Normal once the last
// withdrawal key resolved. With other withdrawal keys still outstanding the
// status stays Pending. Assumes the lock is held; the resolved key is
// already out of the router ledger when the sink runs.
func (v *Vault) settleWithdrawalStatusLocked() {
	if v.pending != nil && v.pending.PendingCount(protocol.CategoryWithdrawal) > 0 {
		return
	}
	_ = v.setStatusLocked(protocol.StatusNormal)
}

// releasePendingDeposit assumes the lock is held.
func (v *Vault) releasePendingDeposit(req *Request) {
	if req.Value == nil {
		return
	}
	v.pendingDeposits.Sub(v.pendingDeposits, req.Value)
	if v.pendingDeposits.Sign() < 0 {
		v.pendingDeposits.SetInt64(0)
	}
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
