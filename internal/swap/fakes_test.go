package swap

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu    sync.Mutex
	swaps map[string]*Swap
	txs   map[string]*Transaction
}

func newMemRepo() *memRepo {
	return &memRepo{swaps: make(map[string]*Swap), txs: make(map[string]*Transaction)}
}

func (r *memRepo) UpsertSwap(ctx context.Context, s *Swap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swaps[s.ID] = s.Clone()
	return nil
}

func (r *memRepo) GetSwap(ctx context.Context, id string) (*Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.swaps[id]
	if !ok {
		return nil, ErrSwapNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) GetActiveSwaps(ctx context.Context) ([]*Swap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Swap
	for _, s := range r.swaps {
		if !s.StateFlags.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) UpsertTransaction(ctx context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *tx
	r.txs[tx.Symbol+"/"+tx.ID] = &c
	return nil
}

func (r *memRepo) GetTransactionByID(ctx context.Context, symbol, id string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[symbol+"/"+id]
	if !ok {
		return nil, ErrTxNotFound
	}
	c := *tx
	return &c, nil
}

func (r *memRepo) GetUnconfirmedTransactions(ctx context.Context) ([]*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Transaction
	for _, tx := range r.txs {
		if !tx.Confirmed {
			c := *tx
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) swap(t *testing.T, id string) *Swap {
	t.Helper()
	s, err := r.GetSwap(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSwap(%s) error = %v", id, err)
	}
	return s
}

// fakeStrategy is a scripted ChainStrategy.
type fakeStrategy struct {
	mu sync.Mutex

	symbol string
	nextID int

	signErr       error
	broadcastErrs []error
	confirmAll    bool

	ownLock   *LockInfo
	partyLock *LockInfo
	secret    []byte
	secretTx  string

	signed     int
	broadcasts int
	kinds      []TxKind
}

var _ ChainStrategy = (*fakeStrategy)(nil)

func newFakeStrategy(symbol string) *fakeStrategy {
	return &fakeStrategy{symbol: symbol, confirmAll: true}
}

func (f *fakeStrategy) Symbol() string { return f.symbol }

func (f *fakeStrategy) Sign(ctx context.Context, s *Swap, kind TxKind) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.signed++
	f.nextID++
	return &Transaction{ID: fmt.Sprintf("%s-%s-%d", f.symbol, kind, f.nextID), Raw: "00"}, nil
}

func (f *fakeStrategy) Broadcast(ctx context.Context, s *Swap, tx *Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	f.kinds = append(f.kinds, tx.Kind)
	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return tx.ID, nil
}

func (f *fakeStrategy) IsConfirmed(ctx context.Context, tx *Transaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmAll, nil
}

func (f *fakeStrategy) FindLock(ctx context.Context, s *Swap, party bool) (*LockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.ownLock
	if party {
		l = f.partyLock
	}
	if l == nil {
		return nil, nil
	}
	c := *l
	return &c, nil
}

func (f *fakeStrategy) FindSecret(ctx context.Context, s *Swap) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secret, f.secretTx, nil
}

func (f *fakeStrategy) set(fn func(f *fakeStrategy)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeStrategy) counts() (signed, broadcasts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signed, f.broadcasts
}

// eventLog collects events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

var testSecret = bytes.Repeat([]byte{0x42}, htlc.SecretSize)

func testDriverConfig() *DriverConfig {
	return &DriverConfig{
		SafetyMargin:         time.Hour,
		RetryCooldown:        time.Hour,
		PollInterval:         time.Millisecond,
		ConfirmationTimeout:  50 * time.Millisecond,
		BroadcastBackoff:     time.Millisecond,
		MaxBackoff:           2 * time.Millisecond,
		MaxBroadcastAttempts: 3,
	}
}

// testSwap returns a fresh swap. The initiator's lock lasts 4h and the
// acceptor's 2h.
func testSwap(role Role) *Swap {
	s := &Swap{
		ID:            NewSwapID(),
		Symbol:        "BTC",
		PartySymbol:   "XTZ",
		Role:          role,
		Amount:        100000,
		PartyAmount:   5000000,
		SecretHash:    htlc.HashSecret(testSecret),
		ToAddress:     "party-on-btc",
		RefundAddress: "us-on-btc",
		KeyPath:       "m/84'/1'/0'/0/0",
		RedeemAddress: "us-on-xtz",
		RedeemKeyPath: "m/44'/1729'/0'/0'/0'",
		PartyAddress:  "party-on-xtz",
		TimeStamp:     time.Now().UTC().Truncate(time.Second),
		LockTime:      4 * 3600,
		PartyLockTime: 2 * 3600,
		StateFlags:    HasSecretHash,
	}
	if role == RoleInitiator {
		s.Secret = append([]byte(nil), testSecret...)
		s.StateFlags.Set(HasSecret)
	} else {
		s.LockTime, s.PartyLockTime = s.PartyLockTime, s.LockTime
	}
	return s
}

func newTestDriver(t *testing.T, strategy ChainStrategy, repo Repository) (*Driver, *eventLog) {
	t.Helper()
	d := NewDriver(strategy, repo, testDriverConfig())
	events := &eventLog{}
	d.SetEventSink(events.sink)
	return d, events
}
