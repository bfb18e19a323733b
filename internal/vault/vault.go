// Package vault implements the pooled-capital core: the share ledger,
// liquidity-provider rate accounting, protocol-fee skim, and the request
// lifecycle that routes capital through venue plugins and reconciles their
// asynchronous settlement callbacks.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"OmniVault/internal/bank"
	"OmniVault/internal/event"
	fpmath "OmniVault/internal/math"
	"OmniVault/internal/observability"
	"OmniVault/internal/oracle"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// EscrowAccount holds shares between a withdrawal request and its
// settlement. Escrowed shares stay in TotalShares until the venue settles;
// they are burned then, or returned to the holder on cancellation.
const EscrowAccount = "escrow"

// Plugin is a venue adapter registered with the vault. The venue package
// provides the concrete implementation.
type Plugin interface {
	ID() uint8
	Name() string

	Execute(ctx context.Context, action protocol.Action) (protocol.RequestKey, error)
	Claim(ctx context.Context, poolID uint64) (tokens []string, amounts []*big.Int, err error)
	CancelRequest(ctx context.Context, category protocol.Category, key protocol.RequestKey) error

	TotalValue(useMin bool) (*big.Int, error)
	PoolExists(poolID uint64) bool
	ReceiptValue(poolID uint64, amount *big.Int, useMin bool) (*big.Int, error)
	ReceiptForValue(poolID uint64, value *big.Int, useMin bool) (*big.Int, error)

	ReconcileDeposit(entry router.Entry, receiptAmount *big.Int) error
	ReconcileWithdrawal(entry router.Entry, payoutToken string, payoutAmount *big.Int) error
	ReconcileOrder(entry router.Entry, outputToken string, outputAmount *big.Int) error
	ReconcileCancelled(entry router.Entry) error

	FundExecutionFee(amount *big.Int) error
	GetBalance(token string) *big.Int
}

// Config carries the vault's static parameters.
type Config struct {
	Owner       string
	Master      string
	Treasury    string
	NativeToken string
	FeeBps      int64
}

// Vault is the share ledger and request coordinator. All state mutations
// run under one lock; callbacks from the settlement router re-enter through
// the Sink methods in settlement.go.
type Vault struct {
	mu sync.Mutex

	access      protocol.AccessControl
	treasury    string
	nativeToken string
	status      protocol.Status

	tokens     []Token
	tokenIndex map[string]int // symbol -> slot+1, 0 means absent

	plugins     []Plugin
	pluginIndex map[uint8]int // plugin ID -> slot+1, 0 means absent

	shares      map[string]*big.Int
	totalShares *big.Int

	rate       *big.Int // 18-decimal value per share
	feeBps     int64
	feeReserve *big.Int // 18-decimal value owed to the treasury

	// Value of routed holder deposits whose shares are not minted yet.
	// Excluded from valuation so in-flight deposits cannot move the rate.
	pendingDeposits *big.Int

	bank    bank.Bank
	prices  oracle.Consumer
	pending *router.Router

	requests map[string]*Request // "<category>:<key>"
	byID     map[string]*Request

	sequence int64
	events   chan<- event.Event

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New builds a vault. events receives every emitted core event with a
// blocking send; pass nil to discard.
func New(cfg Config, b bank.Bank, prices oracle.Consumer, pending *router.Router, events chan<- event.Event, metrics *observability.Metrics, logger zerolog.Logger) (*Vault, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("owner: %w", protocol.ErrInvalidAddress)
	}
	if cfg.FeeBps < 0 || cfg.FeeBps > fpmath.BpsDenominator {
		return nil, fmt.Errorf("fee %d bps out of range: %w", cfg.FeeBps, protocol.ErrInvalidAmount)
	}

	v := &Vault{
		access:          protocol.AccessControl{Owner: cfg.Owner, Master: cfg.Master},
		treasury:        cfg.Treasury,
		nativeToken:     cfg.NativeToken,
		status:          protocol.StatusNormal,
		tokenIndex:      make(map[string]int),
		pluginIndex:     make(map[uint8]int),
		shares:          make(map[string]*big.Int),
		totalShares:     new(big.Int),
		rate:            new(big.Int).Set(fpmath.RateScale),
		feeBps:          cfg.FeeBps,
		feeReserve:      new(big.Int),
		pendingDeposits: new(big.Int),
		bank:            b,
		prices:          prices,
		pending:         pending,
		requests:        make(map[string]*Request),
		byID:            make(map[string]*Request),
		events:          events,
		logger:          logger.With().Str("component", "vault").Logger(),
		metrics:         metrics,
	}
	return v, nil
}

// Router exposes the pending-key ledger for callback wiring.
func (v *Vault) Router() *router.Router {
	return v.pending
}

// ============================================================================
// Administration
// ============================================================================

// SetMaster rotates the operational key. Owner only.
func (v *Vault) SetMaster(caller, master string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("set master: %w", protocol.ErrUnauthorized)
	}
	if master == "" {
		return fmt.Errorf("set master: %w", protocol.ErrInvalidAddress)
	}
	v.access.Master = master
	v.logger.Info().Str("master", master).Msg("Master rotated")
	return nil
}

// SetTreasury changes the protocol-fee recipient. Owner only.
func (v *Vault) SetTreasury(caller, treasury string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("set treasury: %w", protocol.ErrUnauthorized)
	}
	if treasury == "" {
		return fmt.Errorf("set treasury: %w", protocol.ErrInvalidAddress)
	}
	v.treasury = treasury
	v.logger.Info().Str("treasury", treasury).Msg("Treasury updated")
	return nil
}

// SetProtocolFeeBps updates the skim rate. Owner only.
func (v *Vault) SetProtocolFeeBps(caller string, bps int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.IsOwner(caller) {
		return fmt.Errorf("set fee: %w", protocol.ErrUnauthorized)
	}
	if bps < 0 || bps > fpmath.BpsDenominator {
		return fmt.Errorf("fee %d bps out of range: %w", bps, protocol.ErrInvalidAmount)
	}
	v.feeBps = bps
	v.logger.Info().Int64("fee_bps", bps).Msg("Protocol fee updated")
	return nil
}

// ActivatePendingStatus pauses new requests. Owner or master.
func (v *Vault) ActivatePendingStatus(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.CanOperate(caller) {
		return fmt.Errorf("activate pending: %w", protocol.ErrUnauthorized)
	}
	return v.setStatusLocked(protocol.StatusPending)
}

// SettlePendingStatus resumes normal operation. Owner or master.
func (v *Vault) SettlePendingStatus(caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.access.CanOperate(caller) {
		return fmt.Errorf("settle pending: %w", protocol.ErrUnauthorized)
	}
	if v.pending != nil {
		if n := v.pending.PendingCount(protocol.CategoryWithdrawal); n > 0 {
			return fmt.Errorf("settle pending: %d withdrawal keys outstanding: %w", n, protocol.ErrProtocolPending)
		}
	}
	return v.setStatusLocked(protocol.StatusNormal)
}

// setStatusLocked assumes the lock is held.
func (v *Vault) setStatusLocked(status protocol.Status) error {
	if v.status == status {
		return nil
	}
	v.status = status
	v.logger.Info().Str("status", status.String()).Msg("Protocol status changed")
	v.emit(&event.StatusChanged{
		ChangeID: uuid.New(),
		Status:   status,
		Sequence: v.nextSeq(),
	})
	return nil
}

// ============================================================================
// Queries
// ============================================================================

func (v *Vault) Status() protocol.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *Vault) Master() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.access.Master
}

func (v *Vault) Treasury() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.treasury
}

// Rate returns the current 18-decimal value-per-share rate.
func (v *Vault) Rate() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.rate)
}

func (v *Vault) TotalShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalShares)
}

// ShareBalance reports a holder's share balance.
func (v *Vault) ShareBalance(holder string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.shareBalanceLocked(holder))
}

// FeeReserve reports the accrued protocol fee in 18-decimal value.
func (v *Vault) FeeReserve() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.feeReserve)
}

// shareBalanceLocked assumes the lock is held.
func (v *Vault) shareBalanceLocked(holder string) *big.Int {
	if bal := v.shares[holder]; bal != nil {
		return bal
	}
	return new(big.Int)
}

// creditShares assumes the lock is held.
func (v *Vault) creditShares(holder string, amount *big.Int) {
	if bal := v.shares[holder]; bal != nil {
		bal.Add(bal, amount)
		return
	}
	v.shares[holder] = new(big.Int).Set(amount)
}

// debitShares assumes the lock is held.
func (v *Vault) debitShares(holder string, amount *big.Int) error {
	bal := v.shares[holder]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("holder %q has %s shares, need %s: %w",
			holder, v.shareBalanceLocked(holder), amount, protocol.ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// ============================================================================
// Event emission
// ============================================================================

// nextSeq assumes the lock is held.
func (v *Vault) nextSeq() int64 {
	v.sequence++
	return v.sequence
}

// Sequence returns the last assigned core sequence.
func (v *Vault) Sequence() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}

// RestoreSequence seeds the sequence counter on warm restart.
func (v *Vault) RestoreSequence(seq int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sequence = seq
}

// emit sends to the persistence pipeline with a blocking send so no core
// event is lost. Assumes the lock is held.
func (v *Vault) emit(ev event.Event) {
	if v.metrics != nil {
		v.metrics.VaultEventsEmitted.WithLabelValues(ev.EventType().String()).Inc()
	}
	if v.events == nil {
		return
	}
	v.events <- ev
}

var timeNow = time.Now
