package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// RetryInterval separates attempts of a failed swap step.
	RetryInterval time.Duration
	// PassInterval is how often active swaps without a running flow are
	// picked up from the repository.
	PassInterval time.Duration
	EventBuffer  int
}

// DefaultManagerConfig returns the default intervals.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		RetryInterval: time.Minute,
		PassInterval:  5 * time.Minute,
		EventBuffer:   256,
	}
}

// eventSetter is implemented by coordinators that emit events.
type eventSetter interface {
	SetEventSink(sink EventSink)
}

// transactionTracker is implemented by coordinators that can follow a
// stored transaction to confirmation.
type transactionTracker interface {
	TrackTransaction(ctx context.Context, tx *Transaction) error
}

// flow is the goroutine driving one swap.
type flow struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the coordinators of every chain and drives each active swap
// through its steps in its own goroutine.
type Manager struct {
	repo Repository
	cfg  ManagerConfig
	log  *logging.Logger

	mu           sync.Mutex
	coordinators map[string]Coordinator
	flows        map[string]*flow
	abandoned    map[string]bool

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewManager creates a manager. Coordinators are added with Register.
func NewManager(repo Repository, cfg *ManagerConfig) *Manager {
	c := *DefaultManagerConfig()
	if cfg != nil {
		if cfg.RetryInterval > 0 {
			c.RetryInterval = cfg.RetryInterval
		}
		if cfg.PassInterval > 0 {
			c.PassInterval = cfg.PassInterval
		}
		if cfg.EventBuffer > 0 {
			c.EventBuffer = cfg.EventBuffer
		}
	}
	return &Manager{
		repo:         repo,
		cfg:          c,
		log:          logging.GetDefault().Component("swap"),
		coordinators: make(map[string]Coordinator),
		flows:        make(map[string]*flow),
		abandoned:    make(map[string]bool),
		events:       make(chan Event, c.EventBuffer),
		now:          time.Now,
	}
}

// Register adds the coordinator of a chain, replacing any earlier one.
func (m *Manager) Register(c Coordinator) {
	if es, ok := c.(eventSetter); ok {
		es.SetEventSink(m.emit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinators[c.Symbol()] = c
}

// Events returns the channel every swap event is sent on. Events are
// dropped when nobody reads it.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("Event channel full, dropping event", "swap_id", e.SwapID, "kind", e.Kind)
	}
}

func (m *Manager) coordinator(symbol string) (Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCoordinator, symbol)
	}
	return c, nil
}

// Start re-attaches to unconfirmed transactions, resumes every active swap
// from its flags and starts the periodic pass.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if err := m.recoverTransactions(); err != nil {
		return err
	}
	if err := m.resumeActive(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.passLoop()
	return nil
}

// Stop cancels every flow and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// recoverTransactions tracks unconfirmed transactions whose swap has no
// flow of its own to do it.
func (m *Manager) recoverTransactions() error {
	txs, err := m.repo.GetUnconfirmedTransactions(m.ctx)
	if err != nil {
		return fmt.Errorf("load unconfirmed transactions: %w", err)
	}
	for _, tx := range txs {
		s, err := m.repo.GetSwap(m.ctx, tx.SwapID)
		if err != nil && !errors.Is(err, ErrSwapNotFound) {
			return err
		}
		if s != nil && !s.StateFlags.IsTerminal() && tx.Kind != TxRedeemForParty {
			continue
		}
		c, err := m.coordinator(tx.Symbol)
		if err != nil {
			m.log.Warn("Cannot track transaction", "txid", tx.ID, "error", err)
			continue
		}
		tracker, ok := c.(transactionTracker)
		if !ok {
			continue
		}
		m.log.Info("Tracking unconfirmed transaction", "swap_id", tx.SwapID, "kind", tx.Kind, "txid", tx.ID)
		m.wg.Add(1)
		go func(tx *Transaction) {
			defer m.wg.Done()
			if err := tracker.TrackTransaction(m.ctx, tx); err != nil && m.ctx.Err() == nil {
				m.log.Warn("Transaction not confirmed", "txid", tx.ID, "error", err)
			}
		}(tx)
	}
	return nil
}

func (m *Manager) resumeActive() error {
	swaps, err := m.repo.GetActiveSwaps(m.ctx)
	if err != nil {
		return fmt.Errorf("load active swaps: %w", err)
	}
	for _, s := range swaps {
		if m.spawn(s) {
			m.log.Info("Resuming swap", "swap_id", s.ID, "state", s.StateFlags)
		}
	}
	return nil
}

func (m *Manager) passLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PassInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.resumeActive(); err != nil && m.ctx.Err() == nil {
				m.log.Warn("Periodic pass failed", "error", err)
			}
		}
	}
}

// AddSwap validates, stores and starts a new swap. An initiator swap without
// a secret hash gets a fresh secret.
func (m *Manager) AddSwap(ctx context.Context, s *Swap) error {
	if s.ID == "" {
		s.ID = NewSwapID()
	}
	if s.TimeStamp.IsZero() {
		s.TimeStamp = m.now().UTC().Truncate(time.Second)
	}
	if s.IsInitiator() && len(s.SecretHash) == 0 {
		secret, _, err := htlc.GenerateSecret()
		if err != nil {
			return err
		}
		if err := s.SetSecret(secret); err != nil {
			return err
		}
	}
	if len(s.SecretHash) > 0 {
		s.StateFlags.Set(HasSecretHash)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := m.coordinator(s.Symbol); err != nil {
		return err
	}
	if _, err := m.coordinator(s.PartySymbol); err != nil {
		return err
	}

	now := m.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	if err := m.repo.UpsertSwap(ctx, s); err != nil {
		return err
	}
	m.log.Info("Swap added", "swap_id", s.ID, "role", s.Role, "symbol", s.Symbol, "party_symbol", s.PartySymbol,
		"amount", s.Amount, "party_amount", s.PartyAmount)
	m.emit(newEvent(EventCreated, s, s.Symbol, ""))

	m.mu.Lock()
	started := m.ctx != nil
	m.mu.Unlock()
	if started {
		m.spawn(s.Clone())
	}
	return nil
}

// GetSwap returns the stored state of a swap.
func (m *Manager) GetSwap(ctx context.Context, id string) (*Swap, error) {
	return m.repo.GetSwap(ctx, id)
}

// CancelSwap stops the flow of a swap and cancels it. A swap whose payment
// was broadcast cannot be canceled and keeps running.
func (m *Manager) CancelSwap(ctx context.Context, id string) error {
	m.mu.Lock()
	f := m.flows[id]
	m.mu.Unlock()
	if f != nil {
		f.cancel()
		<-f.done
	}

	s, err := m.repo.GetSwap(ctx, id)
	if err != nil {
		return err
	}
	c, err := m.coordinator(s.Symbol)
	if err != nil {
		return err
	}
	cancelErr := c.Cancel(ctx, s)
	if cancelErr != nil && f != nil {
		m.spawn(s)
	}
	return cancelErr
}

// spawn starts the flow of s unless one is running. It reports whether a
// flow was started.
func (m *Manager) spawn(s *Swap) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return false
	}
	if _, ok := m.flows[s.ID]; ok || m.abandoned[s.ID] || s.StateFlags.IsTerminal() {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	f := &flow{cancel: cancel, done: make(chan struct{})}
	m.flows[s.ID] = f

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(f.done)
		defer cancel()
		m.run(ctx, s)

		m.mu.Lock()
		delete(m.flows, s.ID)
		m.mu.Unlock()
	}()
	return true
}

// run advances s until its flow completes, retrying failed steps.
func (m *Manager) run(ctx context.Context, s *Swap) {
	log := m.log.Swap(s.ID)
	for {
		err := m.advance(ctx, s)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("Swap flow finished", "state", s.StateFlags)
			if !s.StateFlags.IsTerminal() {
				m.abandon(s.ID)
			}
			return
		}

		log.Warn("Swap step failed", "state", s.StateFlags, "error", err)
		ev := newEvent(EventError, s, "", "")
		ev.Error = err.Error()
		m.emit(ev)

		if errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNoCoordinator) || errors.Is(err, ErrNotSupported) {
			m.abandon(s.ID)
			return
		}
		if sleep(ctx, m.cfg.RetryInterval) != nil {
			return
		}
	}
}

func (m *Manager) abandon(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned[id] = true
}

// advance performs the remaining steps of s. It returns nil once nothing is
// left to do.
func (m *Manager) advance(ctx context.Context, s *Swap) error {
	if s.StateFlags.IsTerminal() {
		return nil
	}
	own, err := m.coordinator(s.Symbol)
	if err != nil {
		return err
	}
	party, err := m.coordinator(s.PartySymbol)
	if err != nil {
		return err
	}
	if s.IsInitiator() {
		return m.advanceInitiator(ctx, s, own, party)
	}
	return m.advanceAcceptor(ctx, s, own, party)
}

// advanceInitiator pays, waits for the counterparty's lock, redeems it and
// refunds our lock when the counterparty never pays in time.
func (m *Manager) advanceInitiator(ctx context.Context, s *Swap, own, party Coordinator) error {
	paid := s.StateFlags.Has(IsPaymentBroadcast) || s.StateFlags.Has(IsPaymentSigned)
	if paid && !s.StateFlags.Has(IsRedeemBroadcast) && !m.now().Before(s.RefundTime()) {
		return m.refund(ctx, s, own)
	}
	if !s.StateFlags.Has(IsPaymentConfirmed) {
		if err := own.Pay(ctx, s); err != nil {
			return err
		}
	}
	if !s.StateFlags.Has(IsRedeemBroadcast) {
		expired, err := m.watch(ctx, s, party)
		if err != nil {
			return err
		}
		if expired {
			return m.refund(ctx, s, own)
		}
	}

	if err := party.Redeem(ctx, s); err != nil {
		if errors.Is(err, ErrDeadlineExceeded) {
			return m.refund(ctx, s, own)
		}
		return err
	}

	if s.RewardForRedeem > 0 {
		if err := own.RedeemForCounterparty(ctx, s); err != nil && !errors.Is(err, ErrNotSupported) {
			m.log.Warn("Redeem for counterparty failed", "swap_id", s.ID, "error", err)
		}
	}
	return nil
}

// advanceAcceptor waits for the initiator's lock, pays, learns the secret
// from the initiator's redeem of our lock and redeems the initiator's lock.
func (m *Manager) advanceAcceptor(ctx context.Context, s *Swap, own, party Coordinator) error {
	if !s.StateFlags.Has(IsPaymentBroadcast) {
		expired, err := m.watch(ctx, s, party)
		if err != nil {
			return err
		}
		if expired {
			return m.refund(ctx, s, own)
		}
	}
	if !s.StateFlags.Has(IsPaymentConfirmed) {
		if err := own.Pay(ctx, s); err != nil {
			return err
		}
	}

	if !s.StateFlags.Has(HasSecret) {
		err := own.WatchForRedeem(ctx, s)
		if errors.Is(err, ErrDeadlineExceeded) {
			err = m.refund(ctx, s, own)
			if !errors.Is(err, ErrLockSpent) {
				return err
			}
			// Redeemed just before our refund.
			err = own.WatchForRedeem(ctx, s)
		}
		if err != nil {
			return err
		}
	}

	if err := party.Redeem(ctx, s); err != nil {
		if errors.Is(err, ErrDeadlineExceeded) {
			m.log.Error("Secret learned too late to redeem", "swap_id", s.ID)
			return nil
		}
		return err
	}
	return nil
}

// refund waits for our lock time and refunds, or cancels a swap that never
// signed a payment. A signed payment may be on chain, so Refund decides.
func (m *Manager) refund(ctx context.Context, s *Swap, own Coordinator) error {
	if !s.StateFlags.Has(IsPaymentBroadcast) && !s.StateFlags.Has(IsPaymentSigned) {
		return own.Cancel(ctx, s)
	}
	if wait := s.RefundTime().Sub(m.now()); wait > 0 {
		m.log.Info("Waiting for refund time", "swap_id", s.ID, "refund_time", s.RefundTime())
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	err := own.Refund(ctx, s)
	if errors.Is(err, ErrLockSpent) && s.StateFlags.Has(HasSecret) {
		m.log.Warn("Lock redeemed by counterparty before refund", "swap_id", s.ID)
		return nil
	}
	return err
}

// lockResult records which LockObserver callback fired.
type lockResult struct {
	initiated bool
	expired   bool
}

func (r *lockResult) OnInitiated(*Swap) { r.initiated = true }

func (r *lockResult) OnExpired(*Swap) { r.expired = true }

func (m *Manager) watch(ctx context.Context, s *Swap, party Coordinator) (bool, error) {
	var r lockResult
	if err := party.WatchForCounterpartLock(ctx, s, &r); err != nil {
		return false, err
	}
	return r.expired, nil
}
