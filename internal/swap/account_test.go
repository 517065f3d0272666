package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
)

type contractCall struct {
	method     string
	secret     []byte
	secretHash []byte
	amount     uint64
	payoff     uint64
	refundTime int64
}

// fakeContract is an HTLC contract whose entry changes as requests are
// submitted through fakeSubmitter.
type fakeContract struct {
	mu       sync.Mutex
	lock     *ContractLock
	getErr   error
	buildErr error
}

func (c *fakeContract) InitiateRequest(participant string, secretHash []byte, refundTime int64, amount, payoff uint64) (*batcher.Request, error) {
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	return &batcher.Request{Content: contractCall{method: "initiate", secretHash: secretHash, amount: amount, payoff: payoff, refundTime: refundTime}}, nil
}

func (c *fakeContract) RedeemRequest(secret, secretHash []byte) (*batcher.Request, error) {
	return &batcher.Request{Content: contractCall{method: "redeem", secret: secret, secretHash: secretHash}}, nil
}

func (c *fakeContract) RefundRequest(secretHash []byte) (*batcher.Request, error) {
	return &batcher.Request{Content: contractCall{method: "refund", secretHash: secretHash}}, nil
}

func (c *fakeContract) GetLock(ctx context.Context, secretHash []byte) (*ContractLock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	if c.lock == nil {
		return nil, nil
	}
	l := *c.lock
	return &l, nil
}

func (c *fakeContract) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	return txID != "", nil
}

func (c *fakeContract) apply(from, hash string, call contractCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch call.method {
	case "initiate":
		c.lock = &ContractLock{
			InitiateTxID: hash,
			Initiator:    from,
			Participant:  "tz1-participant",
			Amount:       call.amount,
			Payoff:       call.payoff,
			RefundTime:   call.refundTime,
			Confirmed:    true,
			State:        ContractInitiated,
		}
	case "redeem":
		c.lock.State = ContractRedeemed
		c.lock.Secret = call.secret
		c.lock.SpendTxID = hash
	case "refund":
		c.lock.State = ContractRefunded
		c.lock.SpendTxID = hash
	}
}

type submission struct {
	from    string
	keyPath string
	method  string
}

type fakeSubmitter struct {
	mu          sync.Mutex
	contract    *fakeContract
	err         error
	submissions []submission
}

func (s *fakeSubmitter) Submit(ctx context.Context, address string, req *batcher.Request) (*batcher.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	call := req.Content.(contractCall)
	s.submissions = append(s.submissions, submission{from: address, keyPath: req.KeyPath, method: call.method})
	hash := fmt.Sprintf("op%d", len(s.submissions))
	s.contract.apply(address, hash, call)
	return &batcher.Result{Hash: hash, Counter: uint64(len(s.submissions))}, nil
}

func newAccountFixture() (*AccountStrategy, *fakeContract, *fakeSubmitter) {
	contract := &fakeContract{}
	submitter := &fakeSubmitter{contract: contract}
	return NewAccountStrategy("XTZ", contract, submitter), contract, submitter
}

// accountSwap pays on XTZ to tz1-participant.
func accountSwap() *Swap {
	s := testSwap(RoleInitiator)
	s.Symbol, s.PartySymbol = "XTZ", "BTC"
	s.ToAddress = "tz1-participant"
	s.RefundAddress = "tz1-us"
	s.KeyPath = "m/44'/1729'/0'/0'"
	s.RedeemAddress = "tb1-us"
	s.RedeemKeyPath = "m/84'/1'/0'/0/0"
	s.RewardForRedeem = 1000
	return s
}

func mustSend(t *testing.T, a *AccountStrategy, s *Swap, kind TxKind) string {
	t.Helper()
	tx, err := a.Sign(context.Background(), s, kind)
	if err != nil {
		t.Fatalf("Sign(%s) error = %v", kind, err)
	}
	if tx.ID != "" || tx.Kind != kind || tx.Symbol != "XTZ" {
		t.Fatalf("Sign(%s) = %+v", kind, tx)
	}
	id, err := a.Broadcast(context.Background(), s, tx)
	if err != nil {
		t.Fatalf("Broadcast(%s) error = %v", kind, err)
	}
	return id
}

func TestAccountPaymentIsSentOnce(t *testing.T) {
	a, contract, submitter := newAccountFixture()
	s := accountSwap()

	first := mustSend(t, a, s, TxPayment)
	second := mustSend(t, a, s, TxPayment)
	if first != "op1" || second != first {
		t.Errorf("payment ids = %s, %s", first, second)
	}
	if len(submitter.submissions) != 1 {
		t.Fatalf("submissions = %+v", submitter.submissions)
	}
	if sub := submitter.submissions[0]; sub.from != "tz1-us" || sub.keyPath != s.KeyPath {
		t.Errorf("payment sent as %+v", sub)
	}
	if contract.lock.RefundTime != s.RefundTime().Unix() || contract.lock.Payoff != 1000 {
		t.Errorf("lock = %+v", contract.lock)
	}

	lock, err := a.FindLock(context.Background(), s, false)
	if err != nil || lock == nil {
		t.Fatalf("FindLock() = %+v, %v", lock, err)
	}
	if lock.TxID != "op1" || lock.Amount != s.Amount || lock.Spent || !lock.Confirmed {
		t.Errorf("lock = %+v", lock)
	}
}

func TestAccountRedeemRevealsSecret(t *testing.T) {
	a, _, submitter := newAccountFixture()
	s := accountSwap()
	mustSend(t, a, s, TxPayment)

	if secret, _, err := a.FindSecret(context.Background(), s); secret != nil || err != nil {
		t.Errorf("FindSecret() before redeem = %x, %v", secret, err)
	}

	// The participant redeems from their own side.
	party := accountSwap()
	party.RedeemAddress = "tz1-participant"
	party.RedeemKeyPath = "m/44'/1729'/1'/0'"
	redeem := mustSend(t, a, party, TxRedeem)
	if again := mustSend(t, a, party, TxRedeem); again != redeem {
		t.Errorf("second redeem = %s, want %s", again, redeem)
	}
	if sub := submitter.submissions[len(submitter.submissions)-1]; sub.from != "tz1-participant" || sub.keyPath != party.RedeemKeyPath {
		t.Errorf("redeem sent as %+v", sub)
	}

	secret, txID, err := a.FindSecret(context.Background(), s)
	if err != nil || !bytes.Equal(secret, testSecret) || txID != redeem {
		t.Errorf("FindSecret() = %x, %s, %v", secret, txID, err)
	}

	lock, _ := a.FindLock(context.Background(), s, false)
	if lock == nil || !lock.Spent {
		t.Errorf("lock after redeem = %+v", lock)
	}

	tx, _ := a.Sign(context.Background(), s, TxRefund)
	if _, err := a.Broadcast(context.Background(), s, tx); !errors.Is(err, ErrLockSpent) {
		t.Errorf("refund of redeemed lock: err = %v, want ErrLockSpent", err)
	}
}

func TestAccountRefund(t *testing.T) {
	a, _, submitter := newAccountFixture()
	s := accountSwap()

	tx, _ := a.Sign(context.Background(), s, TxRefund)
	if _, err := a.Broadcast(context.Background(), s, tx); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("refund without lock: err = %v, want ErrTxNotFound", err)
	}

	mustSend(t, a, s, TxPayment)
	refund := mustSend(t, a, s, TxRefund)
	if again := mustSend(t, a, s, TxRefund); again != refund {
		t.Errorf("second refund = %s, want %s", again, refund)
	}
	if len(submitter.submissions) != 2 {
		t.Errorf("submissions = %+v", submitter.submissions)
	}
	if secret, _, _ := a.FindSecret(context.Background(), s); secret != nil {
		t.Errorf("refund revealed secret %x", secret)
	}

	redeem, _ := a.Sign(context.Background(), s, TxRedeem)
	if _, err := a.Broadcast(context.Background(), s, redeem); !errors.Is(err, ErrLockSpent) {
		t.Errorf("redeem of refunded lock: err = %v, want ErrLockSpent", err)
	}
}

func TestAccountFindLockChecksParticipant(t *testing.T) {
	a, contract, _ := newAccountFixture()
	s := accountSwap()
	mustSend(t, a, s, TxPayment)

	// As the counterparty's lock it must pay our RedeemAddress.
	if lock, err := a.FindLock(context.Background(), s, true); lock != nil || err != nil {
		t.Errorf("FindLock(party) = %+v, %v", lock, err)
	}
	s.RedeemAddress = "tz1-participant"
	if lock, err := a.FindLock(context.Background(), s, true); lock == nil || err != nil {
		t.Errorf("FindLock(party) = %+v, %v", lock, err)
	}

	contract.lock.Participant = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	s.ToAddress = "0xabcdef0123456789abcdef0123456789abcdef01"
	if lock, _ := a.FindLock(context.Background(), s, false); lock == nil {
		t.Error("hex addresses should compare without case")
	}
}

func TestAccountErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid request", batcher.ErrInvalidRequest, ErrInvalidArgument},
		{"signing", batcher.ErrSigning, ErrSigning},
		{"simulation", batcher.ErrSimulation, ErrBroadcast},
		{"closed", batcher.ErrClosed, batcher.ErrClosed},
		{"counter", batcher.ErrCounter, ErrNetwork},
		{"node", errors.New("connection refused"), ErrNetwork},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, submitter := newAccountFixture()
			submitter.err = tt.err
			s := accountSwap()
			tx, _ := a.Sign(context.Background(), s, TxPayment)
			_, err := a.Broadcast(context.Background(), s, tx)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	a, contract, _ := newAccountFixture()
	contract.getErr = errors.New("indexer down")
	if _, err := a.FindLock(context.Background(), accountSwap(), false); !errors.Is(err, ErrNetwork) {
		t.Errorf("FindLock err = %v, want ErrNetwork", err)
	}
}

func TestAccountSignRejectsBadRequests(t *testing.T) {
	a, contract, _ := newAccountFixture()
	contract.buildErr = fmt.Errorf("%w: amount overflows", ErrInvalidArgument)
	if _, err := a.Sign(context.Background(), accountSwap(), TxPayment); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if _, err := a.Sign(context.Background(), accountSwap(), TxKind("bogus")); !errors.Is(err, ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

func TestAccountCoordinatorRedeemForCounterparty(t *testing.T) {
	repo := newMemRepo()
	contract := &fakeContract{}
	submitter := &fakeSubmitter{contract: contract}
	d := NewAccountCoordinator("XTZ", contract, submitter, repo, testDriverConfig())
	ctx := context.Background()

	s := accountSwap()
	if err := d.Pay(ctx, s); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	if s.PaymentTxID != "op1" || !s.StateFlags.Has(IsPaymentConfirmed) {
		t.Fatalf("payment %q flags %v", s.PaymentTxID, s.StateFlags)
	}

	if err := d.RedeemForCounterparty(ctx, s); err != nil {
		t.Fatalf("RedeemForCounterparty() error = %v", err)
	}
	last := submitter.submissions[len(submitter.submissions)-1]
	if last.method != "redeem" || last.from != s.RefundAddress {
		t.Errorf("reward redeem sent as %+v", last)
	}
}
