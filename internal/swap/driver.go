package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// DriverConfig tunes a Driver. Zero fields take the defaults.
type DriverConfig struct {
	// SafetyMargin is kept between a redeem and the lock time of the lock
	// it spends.
	SafetyMargin time.Duration
	// RetryCooldown is how long a broadcast redeem or refund is only
	// tracked before its payload is sent again.
	RetryCooldown       time.Duration
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration

	BroadcastBackoff     time.Duration
	MaxBackoff           time.Duration
	MaxBroadcastAttempts int
}

// DefaultDriverConfig returns the default timings.
func DefaultDriverConfig() *DriverConfig {
	return &DriverConfig{
		SafetyMargin:         30 * time.Minute,
		RetryCooldown:        10 * time.Minute,
		PollInterval:         30 * time.Second,
		ConfirmationTimeout:  2 * time.Hour,
		BroadcastBackoff:     10 * time.Second,
		MaxBackoff:           10 * time.Minute,
		MaxBroadcastAttempts: 6,
	}
}

func (c *DriverConfig) withDefaults() DriverConfig {
	def := DefaultDriverConfig()
	if c == nil {
		return *def
	}
	out := *c
	if out.SafetyMargin <= 0 {
		out.SafetyMargin = def.SafetyMargin
	}
	if out.RetryCooldown <= 0 {
		out.RetryCooldown = def.RetryCooldown
	}
	if out.PollInterval <= 0 {
		out.PollInterval = def.PollInterval
	}
	if out.ConfirmationTimeout <= 0 {
		out.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if out.BroadcastBackoff <= 0 {
		out.BroadcastBackoff = def.BroadcastBackoff
	}
	if out.MaxBackoff < out.BroadcastBackoff {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.MaxBroadcastAttempts <= 0 {
		out.MaxBroadcastAttempts = def.MaxBroadcastAttempts
	}
	return out
}

// Driver implements Coordinator on top of a ChainStrategy. It serializes
// work per swap and per funding address, persists every flag before acting
// on the network result, and retries transient broadcast failures with the
// transaction it already signed.
type Driver struct {
	strategy ChainStrategy
	repo     Repository
	cfg      DriverConfig
	log      *logging.Logger

	swaps     *keyedMutex
	addresses *keyedMutex

	mu   sync.RWMutex
	sink EventSink

	now func() time.Time
}

var _ Coordinator = (*Driver)(nil)

// NewDriver creates a coordinator for the strategy's chain.
func NewDriver(strategy ChainStrategy, repo Repository, cfg *DriverConfig) *Driver {
	return &Driver{
		strategy:  strategy,
		repo:      repo,
		cfg:       cfg.withDefaults(),
		log:       logging.GetDefault().Component("swap." + strategy.Symbol()),
		swaps:     newKeyedMutex(),
		addresses: newKeyedMutex(),
		now:       time.Now,
	}
}

// SetEventSink sets the receiver of swap events.
func (d *Driver) SetEventSink(sink EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Symbol returns the chain symbol.
func (d *Driver) Symbol() string {
	return d.strategy.Symbol()
}

// step describes one of the transactions a swap sends.
type step struct {
	kind           TxKind
	signed         StateFlags
	broadcast      StateFlags
	confirmed      StateFlags
	broadcastEvent EventKind
	confirmedEvent EventKind
}

var steps = map[TxKind]step{
	TxPayment:        {TxPayment, IsPaymentSigned, IsPaymentBroadcast, IsPaymentConfirmed, EventPaymentBroadcast, EventPaymentConfirmed},
	TxRedeem:         {TxRedeem, IsRedeemSigned, IsRedeemBroadcast, IsRedeemConfirmed, EventRedeemBroadcast, EventRedeemConfirmed},
	TxRefund:         {TxRefund, IsRefundSigned, IsRefundBroadcast, IsRefundConfirmed, EventRefundBroadcast, EventRefundConfirmed},
	TxRedeemForParty: {kind: TxRedeemForParty, broadcastEvent: EventRedeemForPartySent},
}

func (st step) txID(s *Swap) *string {
	switch st.kind {
	case TxPayment:
		return &s.PaymentTxID
	case TxRedeem:
		return &s.RedeemTxID
	case TxRefund:
		return &s.RefundTxID
	default:
		return &s.PartyRedeemTxID
	}
}

func (st step) lastTry(s *Swap) *time.Time {
	switch st.kind {
	case TxRedeem:
		return &s.LastRedeemTryAt
	case TxRefund:
		return &s.LastRefundTryAt
	default:
		return nil
	}
}

func (st step) isBroadcast(s *Swap) bool {
	if st.broadcast == 0 {
		return *st.txID(s) != ""
	}
	return s.StateFlags.Has(st.broadcast)
}

// Pay locks the swap amount on this chain and waits for the lock to
// confirm.
func (d *Driver) Pay(ctx context.Context, s *Swap) error {
	if err := s.Validate(); err != nil {
		return err
	}
	st := steps[TxPayment]

	unlock := d.swaps.Lock(s.ID)
	if s.StateFlags.Has(IsPaymentConfirmed) {
		unlock()
		return nil
	}
	if s.StateFlags.Has(IsCanceled) {
		unlock()
		return fmt.Errorf("%w: swap %s is canceled", ErrInvalidArgument, s.ID)
	}
	unlockAddress := d.addresses.Lock(s.RefundAddress)
	tx, err := d.send(ctx, s, st)
	unlockAddress()
	unlock()
	if err != nil {
		return fmt.Errorf("pay %s: %w", s.ID, err)
	}
	return d.await(ctx, s, st, tx)
}

// WatchForCounterpartLock polls for the counterparty's lock until it
// confirms with acceptable terms or the redeem deadline passes.
func (d *Driver) WatchForCounterpartLock(ctx context.Context, s *Swap, obs LockObserver) error {
	deadline := s.PartyRefundTime().Add(-d.cfg.SafetyMargin)
	for {
		if s.StateFlags.Has(IsPartyPaymentConfirmed) {
			obs.OnInitiated(s)
			return nil
		}
		if !d.now().Before(deadline) {
			d.log.Warn("Counterparty lock not confirmed before deadline",
				"swap_id", s.ID, "deadline", deadline)
			d.emit(newEvent(EventPartyLockExpired, s, d.Symbol(), ""))
			obs.OnExpired(s)
			return nil
		}

		lock, err := d.strategy.FindLock(ctx, s, true)
		switch {
		case err != nil && !isTransient(err):
			return fmt.Errorf("find counterparty lock of %s: %w", s.ID, err)
		case err != nil:
			d.log.Debug("Counterparty lock lookup failed", "swap_id", s.ID, "error", err)
		case lock == nil:
		case !acceptableLock(s, lock):
			d.log.Warn("Counterparty lock does not match swap terms",
				"swap_id", s.ID, "txid", lock.TxID, "amount", lock.Amount, "payoff", lock.Payoff,
				"refund_time", lock.RefundTime)
		default:
			confirmed, err := d.recordPartyLock(ctx, s, lock)
			if err != nil {
				return err
			}
			if confirmed {
				obs.OnInitiated(s)
				return nil
			}
		}

		if err := sleep(ctx, d.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func acceptableLock(s *Swap, lock *LockInfo) bool {
	if lock.Spent || lock.Amount < s.PartyAmount || lock.Payoff > s.PartyRewardForRedeem {
		return false
	}
	return lock.RefundTime == 0 || lock.RefundTime >= s.PartyRefundTime().Unix()
}

func (d *Driver) recordPartyLock(ctx context.Context, s *Swap, lock *LockInfo) (bool, error) {
	unlock := d.swaps.Lock(s.ID)
	defer unlock()

	found := !s.StateFlags.Has(HasPartyPayment)
	if !found && !lock.Confirmed {
		return false, nil
	}
	s.StateFlags.Set(HasPartyPayment)
	s.PartyPaymentTxID = lock.TxID
	if lock.Confirmed {
		s.StateFlags.Set(IsPartyPaymentConfirmed)
	}
	if err := d.save(ctx, s); err != nil {
		return false, err
	}

	if found {
		d.log.Info("Found counterparty lock", "swap_id", s.ID, "txid", lock.TxID, "amount", lock.Amount)
		d.emit(newEvent(EventPartyPaymentFound, s, d.Symbol(), lock.TxID))
	}
	if lock.Confirmed {
		d.emit(newEvent(EventPartyPaymentConfirmed, s, d.Symbol(), lock.TxID))
	}
	return lock.Confirmed, nil
}

// Redeem spends the counterparty's lock with the secret and waits for the
// redeem to confirm.
func (d *Driver) Redeem(ctx context.Context, s *Swap) error {
	st := steps[TxRedeem]

	unlock := d.swaps.Lock(s.ID)
	if s.StateFlags.Has(IsRedeemConfirmed) {
		unlock()
		return nil
	}
	if !s.StateFlags.Has(HasSecret) {
		unlock()
		return fmt.Errorf("%w: redeem %s: secret unknown", ErrInvalidArgument, s.ID)
	}
	if !s.StateFlags.Has(IsRedeemBroadcast) {
		deadline := s.PartyRefundTime().Add(-d.cfg.SafetyMargin)
		if !d.now().Before(deadline) {
			unlock()
			d.log.Error("Redeem deadline passed", "swap_id", s.ID, "deadline", deadline)
			return fmt.Errorf("%w: redeem %s after %s", ErrDeadlineExceeded, s.ID, deadline.Format(time.RFC3339))
		}
	}
	tx, err := d.send(ctx, s, st)
	unlock()
	if err != nil {
		return fmt.Errorf("redeem %s: %w", s.ID, err)
	}
	return d.await(ctx, s, st, tx)
}

// Refund returns our lock once its lock time passed. A swap whose payment
// never reached the chain is canceled instead; a signed payment is looked up
// on chain before that.
func (d *Driver) Refund(ctx context.Context, s *Swap) error {
	st := steps[TxRefund]

	unlock := d.swaps.Lock(s.ID)
	if s.StateFlags.Has(IsRefundConfirmed) {
		unlock()
		return nil
	}
	if !s.StateFlags.Has(IsRefundBroadcast) {
		if d.now().Before(s.RefundTime()) {
			unlock()
			return fmt.Errorf("%w: refund %s before %s", ErrLockNotExpired, s.ID, s.RefundTime().Format(time.RFC3339))
		}
		if !s.StateFlags.Has(IsPaymentBroadcast) {
			onChain, err := d.paymentOnChain(ctx, s)
			if err != nil {
				unlock()
				return fmt.Errorf("refund %s: %w", s.ID, err)
			}
			if !onChain {
				defer unlock()
				return d.cancel(ctx, s)
			}
		}
		lock, err := d.strategy.FindLock(ctx, s, false)
		if err != nil {
			unlock()
			return fmt.Errorf("refund %s: %w", s.ID, err)
		}
		if lock == nil {
			defer unlock()
			d.log.Warn("Payment not found on chain, canceling", "swap_id", s.ID, "txid", s.PaymentTxID)
			return d.cancel(ctx, s)
		}
		if lock.Spent {
			unlock()
			return fmt.Errorf("%w: refund %s", ErrLockSpent, s.ID)
		}
	}
	tx, err := d.send(ctx, s, st)
	unlock()
	if err != nil {
		return fmt.Errorf("refund %s: %w", s.ID, err)
	}
	return d.await(ctx, s, st, tx)
}

// RedeemForCounterparty redeems our own lock with the known secret so the
// counterparty gets its funds and we collect RewardForRedeem.
func (d *Driver) RedeemForCounterparty(ctx context.Context, s *Swap) error {
	st := steps[TxRedeemForParty]

	unlock := d.swaps.Lock(s.ID)
	if s.PartyRedeemTxID != "" {
		unlock()
		return nil
	}
	if !s.StateFlags.Has(HasSecret) {
		unlock()
		return fmt.Errorf("%w: redeem for counterparty %s: secret unknown", ErrInvalidArgument, s.ID)
	}
	if s.RewardForRedeem == 0 {
		unlock()
		return fmt.Errorf("%w: swap %s offers no reward for redeem", ErrInvalidArgument, s.ID)
	}
	deadline := s.RefundTime().Add(-d.cfg.SafetyMargin)
	if !d.now().Before(deadline) {
		unlock()
		return fmt.Errorf("%w: redeem for counterparty %s after %s", ErrDeadlineExceeded, s.ID, deadline.Format(time.RFC3339))
	}
	lock, err := d.strategy.FindLock(ctx, s, false)
	if err != nil {
		unlock()
		return fmt.Errorf("redeem for counterparty %s: %w", s.ID, err)
	}
	if lock == nil {
		unlock()
		return fmt.Errorf("%w: lock of %s", ErrTxNotFound, s.ID)
	}
	if lock.Spent {
		unlock()
		d.log.Debug("Lock already spent", "swap_id", s.ID)
		return nil
	}
	tx, err := d.send(ctx, s, st)
	unlock()
	if err != nil {
		return fmt.Errorf("redeem for counterparty %s: %w", s.ID, err)
	}
	return d.await(ctx, s, st, tx)
}

// WatchForRedeem polls our lock until a redeem reveals the secret.
func (d *Driver) WatchForRedeem(ctx context.Context, s *Swap) error {
	for {
		if s.StateFlags.Has(HasSecret) {
			return nil
		}
		secret, txID, err := d.strategy.FindSecret(ctx, s)
		switch {
		case err != nil && !isTransient(err):
			return fmt.Errorf("find secret of %s: %w", s.ID, err)
		case err != nil:
			d.log.Debug("Secret lookup failed", "swap_id", s.ID, "error", err)
		case secret != nil:
			return d.recordSecret(ctx, s, secret, txID)
		}

		if !d.now().Before(s.RefundTime()) {
			return fmt.Errorf("%w: lock of %s not redeemed before %s", ErrDeadlineExceeded, s.ID, s.RefundTime().Format(time.RFC3339))
		}
		if err := sleep(ctx, d.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (d *Driver) recordSecret(ctx context.Context, s *Swap, secret []byte, txID string) error {
	unlock := d.swaps.Lock(s.ID)
	defer unlock()

	if err := s.SetSecret(secret); err != nil {
		return fmt.Errorf("secret of %s from %s: %w", s.ID, txID, err)
	}
	s.PartyRedeemTxID = txID
	if err := d.save(ctx, s); err != nil {
		return err
	}
	d.log.Info("Found secret", "swap_id", s.ID, "txid", txID)
	d.emit(newEvent(EventSecretFound, s, d.Symbol(), txID))
	return nil
}

// Cancel marks a swap canceled. It fails once the payment was broadcast,
// also when a signed payment turns out to be on chain.
func (d *Driver) Cancel(ctx context.Context, s *Swap) error {
	unlock := d.swaps.Lock(s.ID)
	defer unlock()

	if s.StateFlags.Has(IsCanceled) {
		return nil
	}
	if !s.StateFlags.Has(IsPaymentBroadcast) {
		onChain, err := d.paymentOnChain(ctx, s)
		if err != nil {
			return fmt.Errorf("cancel %s: %w", s.ID, err)
		}
		if !onChain {
			return d.cancel(ctx, s)
		}
	}
	return fmt.Errorf("%w: payment of %s already broadcast", ErrInvalidArgument, s.ID)
}

// paymentOnChain looks for our lock when the payment was signed but its
// broadcast never succeeded. A lock found on chain is recorded as broadcast.
// Callers hold the swap lock.
func (d *Driver) paymentOnChain(ctx context.Context, s *Swap) (bool, error) {
	if !s.StateFlags.Has(IsPaymentSigned) {
		return false, nil
	}
	lock, err := d.strategy.FindLock(ctx, s, false)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	if s.PaymentTxID == "" {
		s.PaymentTxID = lock.TxID
	}
	s.StateFlags.Set(IsPaymentBroadcast)
	if err := d.save(ctx, s); err != nil {
		return false, err
	}
	d.log.Warn("Signed payment found on chain", "swap_id", s.ID, "txid", s.PaymentTxID)
	d.emit(newEvent(EventPaymentBroadcast, s, d.Symbol(), s.PaymentTxID))
	return true, nil
}

func (d *Driver) cancel(ctx context.Context, s *Swap) error {
	s.StateFlags.Set(IsCanceled)
	if err := d.save(ctx, s); err != nil {
		return err
	}
	d.log.Info("Swap canceled", "swap_id", s.ID)
	d.emit(newEvent(EventCanceled, s, d.Symbol(), ""))
	return nil
}

// TrackTransaction waits for a stored transaction to confirm and marks it
// confirmed.
func (d *Driver) TrackTransaction(ctx context.Context, tx *Transaction) error {
	return d.await(ctx, nil, steps[tx.Kind], tx)
}

// send signs and broadcasts the transaction of st. A transaction signed by
// an earlier call is sent again rather than rebuilt. A transaction already
// broadcast is returned for tracking, and for redeems and refunds resent
// once the retry cooldown passed. Callers hold the swap lock.
func (d *Driver) send(ctx context.Context, s *Swap, st step) (*Transaction, error) {
	txID := st.txID(s)

	if st.isBroadcast(s) {
		tx := d.loadTransaction(ctx, s, st.kind, *txID)
		last := st.lastTry(s)
		if last == nil || d.now().Sub(*last) < d.cfg.RetryCooldown {
			return tx, nil
		}
		d.log.Info("Resending transaction", "swap_id", s.ID, "kind", st.kind, "txid", tx.ID)
		return d.broadcast(ctx, s, st, tx)
	}

	var tx *Transaction
	if st.signed != 0 && s.StateFlags.Has(st.signed) && *txID != "" {
		stored, err := d.repo.GetTransactionByID(ctx, d.Symbol(), *txID)
		if err == nil && stored.Raw != "" {
			tx = stored
		}
	}
	if tx == nil {
		signed, err := d.strategy.Sign(ctx, s, st.kind)
		if err != nil {
			return nil, err
		}
		tx = signed
		tx.Symbol = d.Symbol()
		tx.SwapID = s.ID
		tx.Kind = st.kind
		tx.CreatedAt = d.now()

		if tx.ID != "" {
			if err := d.repo.UpsertTransaction(ctx, tx); err != nil {
				return nil, err
			}
			if st.signed != 0 {
				*txID = tx.ID
			}
		}
		if st.signed != 0 {
			s.StateFlags.Set(st.signed)
		}
		if err := d.save(ctx, s); err != nil {
			return nil, err
		}
	}
	return d.broadcast(ctx, s, st, tx)
}

func (d *Driver) broadcast(ctx context.Context, s *Swap, st step, tx *Transaction) (*Transaction, error) {
	var id string
	err := d.retry(ctx, func() error {
		var err error
		id, err = d.strategy.Broadcast(ctx, s, tx)
		return err
	})
	if last := st.lastTry(s); last != nil {
		*last = d.now()
	}
	if err != nil {
		if saveErr := d.save(ctx, s); saveErr != nil {
			d.log.Warn("Failed to save swap state", "swap_id", s.ID, "error", saveErr)
		}
		return nil, err
	}

	if id != "" {
		tx.ID = id
	}
	*st.txID(s) = tx.ID
	if st.broadcast != 0 {
		s.StateFlags.Set(st.broadcast)
	}
	if err := d.repo.UpsertTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := d.save(ctx, s); err != nil {
		return nil, err
	}

	d.log.Info("Broadcast transaction", "swap_id", s.ID, "kind", st.kind, "txid", tx.ID)
	d.emit(newEvent(st.broadcastEvent, s, d.Symbol(), tx.ID))
	return tx, nil
}

// retry calls fn until it succeeds, fails permanently or runs out of
// attempts, doubling the delay up to MaxBackoff.
func (d *Driver) retry(ctx context.Context, fn func() error) error {
	delay := d.cfg.BroadcastBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) || attempt >= d.cfg.MaxBroadcastAttempts {
			return err
		}
		d.log.Warn("Broadcast failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > d.cfg.MaxBackoff {
			delay = d.cfg.MaxBackoff
		}
	}
}

// await polls tx until it confirms or ConfirmationTimeout passes. s may be
// nil for transactions tracked without their swap.
func (d *Driver) await(parent context.Context, s *Swap, st step, tx *Transaction) error {
	ctx, cancel := context.WithTimeout(parent, d.cfg.ConfirmationTimeout)
	defer cancel()

	for {
		ok, err := d.strategy.IsConfirmed(ctx, tx)
		if err != nil && !isTransient(err) {
			return fmt.Errorf("%s %s: %w", st.kind, tx.ID, err)
		}
		if ok {
			break
		}
		if err := sleep(ctx, d.cfg.PollInterval); err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w: %s %s", ErrConfirmationTimeout, st.kind, tx.ID)
		}
	}

	tx.Confirmed = true
	if err := d.repo.UpsertTransaction(parent, tx); err != nil {
		return err
	}
	if s == nil || st.confirmed == 0 {
		return nil
	}

	unlock := d.swaps.Lock(s.ID)
	defer unlock()
	s.StateFlags.Set(st.confirmed)
	if err := d.save(parent, s); err != nil {
		return err
	}
	d.log.Info("Transaction confirmed", "swap_id", s.ID, "kind", st.kind, "txid", tx.ID)
	d.emit(newEvent(st.confirmedEvent, s, d.Symbol(), tx.ID))
	return nil
}

func (d *Driver) loadTransaction(ctx context.Context, s *Swap, kind TxKind, id string) *Transaction {
	tx, err := d.repo.GetTransactionByID(ctx, d.Symbol(), id)
	if err != nil {
		if !errors.Is(err, ErrTxNotFound) {
			d.log.Warn("Failed to load transaction", "txid", id, "error", err)
		}
		return &Transaction{ID: id, Symbol: d.Symbol(), SwapID: s.ID, Kind: kind}
	}
	return tx
}

func (d *Driver) save(ctx context.Context, s *Swap) error {
	s.UpdatedAt = d.now()
	if err := d.repo.UpsertSwap(ctx, s); err != nil {
		return fmt.Errorf("save swap %s: %w", s.ID, err)
	}
	return nil
}

func (d *Driver) emit(e Event) {
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink != nil {
		sink(e)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrBroadcast)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
