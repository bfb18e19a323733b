// Package bank tracks token custody across the vault's internal accounts.
//
// Accounts are string-keyed: "vault" for pooled capital, "plugin:<id>" for
// transient adapter custody, "venue" for funds held by the external venue,
// plus holder addresses for deposit funding in tests.
package bank

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"OmniVault/internal/protocol"
)

const (
	AccountVault = "vault"
	AccountVenue = "venue"
)

// PluginAccount returns the custody account name for a plugin.
func PluginAccount(pluginID uint8) string {
	return fmt.Sprintf("plugin:%d", pluginID)
}

// Bank moves token balances between custody accounts.
type Bank interface {
	// Transfer moves amount of token from one account to another. It
	// returns protocol.ErrInsufficientBalance when the source account
	// cannot cover the amount.
	Transfer(token, from, to string, amount *big.Int) error

	// BalanceOf reports the balance of token held by account.
	BalanceOf(token, account string) *big.Int

	// Mint credits amount of token to account out of thin air. Used for
	// inbound deposits and venue payouts crossing the custody boundary.
	Mint(token, account string, amount *big.Int)

	// Burn debits amount of token from account, for funds leaving
	// custody entirely.
	Burn(token, account string, amount *big.Int) error
}

type balanceKey struct {
	token   string
	account string
}

// InMemoryBank is the in-process Bank used by the vault core. Balances are
// authoritative here; Postgres persistence records the event log, not
// custody state.
type InMemoryBank struct {
	mu       sync.RWMutex
	balances map[balanceKey]*big.Int
}

func NewInMemoryBank() *InMemoryBank {
	return &InMemoryBank{balances: make(map[balanceKey]*big.Int)}
}

func (b *InMemoryBank) Transfer(token, from, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount %s: %w", amount, protocol.ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.balances[balanceKey{token, from}]
	if src == nil || src.Cmp(amount) < 0 {
		return fmt.Errorf("account %q has %s %s, need %s: %w",
			from, nonNil(src), token, amount, protocol.ErrInsufficientBalance)
	}

	src.Sub(src, amount)
	b.credit(token, to, amount)
	return nil
}

func (b *InMemoryBank) BalanceOf(token, account string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bal := b.balances[balanceKey{token, account}]
	if bal == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

func (b *InMemoryBank) Mint(token, account string, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, account, amount)
}

func (b *InMemoryBank) Burn(token, account string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative burn amount %s: %w", amount, protocol.ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[balanceKey{token, account}]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("account %q has %s %s, burn %s: %w",
			account, nonNil(bal), token, amount, protocol.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// Balance is one custody row in a bank export.
type Balance struct {
	Token   string
	Account string
	Amount  *big.Int
}

// ExportBalances returns every nonzero custody row, ordered by token then
// account so snapshots are deterministic.
func (b *InMemoryBank) ExportBalances() []Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Balance, 0, len(b.balances))
	for key, bal := range b.balances {
		if bal.Sign() == 0 {
			continue
		}
		out = append(out, Balance{
			Token:   key.token,
			Account: key.account,
			Amount:  new(big.Int).Set(bal),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// RestoreBalances loads exported custody rows into an empty bank.
func (b *InMemoryBank) RestoreBalances(rows []Balance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.balances) != 0 {
		return fmt.Errorf("restore into non-empty bank (%d rows): %w", len(b.balances), protocol.ErrInvalidAmount)
	}
	for _, row := range rows {
		if row.Amount == nil || row.Amount.Sign() < 0 {
			return fmt.Errorf("balance %s/%s is %s: %w", row.Token, row.Account, nonNil(row.Amount), protocol.ErrInvalidAmount)
		}
		b.credit(row.Token, row.Account, row.Amount)
	}
	return nil
}

// credit assumes the lock is held.
func (b *InMemoryBank) credit(token, account string, amount *big.Int) {
	key := balanceKey{token, account}
	if bal := b.balances[key]; bal != nil {
		bal.Add(bal, amount)
		return
	}
	b.balances[key] = new(big.Int).Set(amount)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
