package swap

import (
	"context"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
)

// ChainStrategy is the chain-specific half of a coordinator. The Driver owns
// locking, persistence, deadlines and retries; a strategy only builds,
// signs, sends and inspects transactions.
type ChainStrategy interface {
	Symbol() string

	// Sign builds and signs the transaction of kind for s. Account chains
	// sign inside their batcher, so the returned Raw may be empty.
	Sign(ctx context.Context, s *Swap, kind TxKind) (*Transaction, error)

	// Broadcast sends tx and returns its final id. It must be safe to call
	// again after a failure: a repeated call either finds the earlier
	// broadcast or sends the same payload.
	Broadcast(ctx context.Context, s *Swap, tx *Transaction) (string, error)

	IsConfirmed(ctx context.Context, tx *Transaction) (bool, error)

	// FindLock looks up the lock of s. With party set it looks for the
	// counterparty's lock on this chain, otherwise for ours. It returns
	// nil, nil when no lock exists yet.
	FindLock(ctx context.Context, s *Swap, party bool) (*LockInfo, error)

	// FindSecret returns the secret revealed by a redeem of our lock, or
	// nil when our lock has not been redeemed.
	FindSecret(ctx context.Context, s *Swap) (secret []byte, txID string, err error)
}

// LockObserver receives the outcome of WatchForCounterpartLock. Exactly one
// of its methods is called, once.
type LockObserver interface {
	OnInitiated(s *Swap)
	OnExpired(s *Swap)
}

// Coordinator runs the swap steps of one chain.
type Coordinator interface {
	Symbol() string

	// Pay locks Amount on this chain. It is a no-op once the payment was
	// broadcast.
	Pay(ctx context.Context, s *Swap) error

	// WatchForCounterpartLock waits for the counterparty's lock on this
	// chain to confirm with at least PartyAmount, and gives up at the
	// redeem deadline.
	WatchForCounterpartLock(ctx context.Context, s *Swap, obs LockObserver) error

	// Redeem claims the counterparty's lock on this chain with the secret.
	Redeem(ctx context.Context, s *Swap) error

	// Refund returns our expired lock on this chain.
	Refund(ctx context.Context, s *Swap) error

	// RedeemForCounterparty redeems our own lock on the counterparty's
	// behalf to collect RewardForRedeem.
	RedeemForCounterparty(ctx context.Context, s *Swap) error

	// WatchForRedeem waits for our lock on this chain to be redeemed and
	// records the secret it reveals. It returns ErrDeadlineExceeded once
	// our lock becomes refundable without a redeem.
	WatchForRedeem(ctx context.Context, s *Swap) error

	// Cancel abandons a swap whose payment was never broadcast.
	Cancel(ctx context.Context, s *Swap) error
}

// ContractState is the state of one swap entry of an HTLC contract.
type ContractState int

const (
	ContractInitiated ContractState = iota + 1
	ContractRedeemed
	ContractRefunded
)

func (s ContractState) String() string {
	switch s {
	case ContractInitiated:
		return "initiated"
	case ContractRedeemed:
		return "redeemed"
	case ContractRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// ContractLock is a swap entry of an HTLC contract. Amounts are in the
// chain's swap unit.
type ContractLock struct {
	InitiateTxID string
	Initiator    string
	Participant  string
	Amount       uint64
	Payoff       uint64
	RefundTime   int64
	Confirmed    bool

	State ContractState
	// Secret and SpendTxID are set once the entry was redeemed or refunded.
	Secret    []byte
	SpendTxID string
}

// HtlcContract speaks to the HTLC contract of an account chain. Request
// builders return batcher requests; reads go to the chain or its indexer.
type HtlcContract interface {
	InitiateRequest(participant string, secretHash []byte, refundTime int64, amount, payoff uint64) (*batcher.Request, error)
	RedeemRequest(secret, secretHash []byte) (*batcher.Request, error)
	RefundRequest(secretHash []byte) (*batcher.Request, error)

	// GetLock returns nil, nil when the contract holds no entry for
	// secretHash.
	GetLock(ctx context.Context, secretHash []byte) (*ContractLock, error)

	IsConfirmed(ctx context.Context, txID string) (bool, error)
}

// Submitter queues a request for an address. *batcher.Batcher implements it.
type Submitter interface {
	Submit(ctx context.Context, address string, req *batcher.Request) (*batcher.Result, error)
}
