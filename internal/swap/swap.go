// Package swap implements the HTLC atomic swap lifecycle.
// This package contains the state machine and its chain strategies. It uses
// existing packages directly:
//   - htlc, coinselect and txbuilder for UTXO chains
//   - batcher for account chains (Tezos, EVM)
//   - backend for UTXO chain queries
//   - signer for every signature, addressed by key path
package swap

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
)

// Common errors
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBroadcast           = errors.New("broadcast failed")
	ErrNetwork             = errors.New("network error")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrSigning             = errors.New("signing failed")
	ErrDeadlineExceeded    = errors.New("deadline exceeded")
	ErrLockNotExpired      = errors.New("lock time not reached")
	ErrLockSpent           = errors.New("lock already spent")
	ErrNotSupported        = errors.New("not supported on this chain")
	ErrSwapNotFound        = errors.New("swap not found")
	ErrTxNotFound          = errors.New("transaction not found")
	ErrNoCoordinator       = errors.New("no coordinator for chain")
)

// Role is our side of a swap.
type Role string

const (
	// RoleInitiator generates the secret and pays first.
	RoleInitiator Role = "initiator"
	// RoleAcceptor pays after the initiator's lock confirms.
	RoleAcceptor Role = "acceptor"
)

// StateFlags records facts about a swap. Flags accumulate and are never
// cleared, so every step can check them and skip work already done.
type StateFlags uint32

const (
	HasSecret StateFlags = 1 << iota
	HasSecretHash
	HasPartyPayment
	IsPartyPaymentConfirmed
	IsPaymentSigned
	IsPaymentBroadcast
	IsPaymentConfirmed
	IsRedeemSigned
	IsRedeemBroadcast
	IsRedeemConfirmed
	IsRefundSigned
	IsRefundBroadcast
	IsRefundConfirmed
	IsCanceled
)

var flagNames = []struct {
	flag StateFlags
	name string
}{
	{HasSecret, "HasSecret"},
	{HasSecretHash, "HasSecretHash"},
	{HasPartyPayment, "HasPartyPayment"},
	{IsPartyPaymentConfirmed, "IsPartyPaymentConfirmed"},
	{IsPaymentSigned, "IsPaymentSigned"},
	{IsPaymentBroadcast, "IsPaymentBroadcast"},
	{IsPaymentConfirmed, "IsPaymentConfirmed"},
	{IsRedeemSigned, "IsRedeemSigned"},
	{IsRedeemBroadcast, "IsRedeemBroadcast"},
	{IsRedeemConfirmed, "IsRedeemConfirmed"},
	{IsRefundSigned, "IsRefundSigned"},
	{IsRefundBroadcast, "IsRefundBroadcast"},
	{IsRefundConfirmed, "IsRefundConfirmed"},
	{IsCanceled, "IsCanceled"},
}

// Has reports whether every bit of flag is set.
func (f StateFlags) Has(flag StateFlags) bool {
	return f&flag == flag
}

// Set adds flag. There is no way to clear a flag.
func (f *StateFlags) Set(flag StateFlags) {
	*f |= flag
}

// IsTerminal reports whether no further step applies.
func (f StateFlags) IsTerminal() bool {
	return f&(IsRedeemConfirmed|IsRefundConfirmed|IsCanceled) != 0
}

func (f StateFlags) String() string {
	if f == 0 {
		return "None"
	}
	var names []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Swap is one atomic swap as seen by our side. Symbol is the chain we pay
// on; PartySymbol is the chain the counterparty pays on and we redeem from.
// Amounts are in each chain's swap unit.
type Swap struct {
	ID          string
	Symbol      string
	PartySymbol string
	Role        Role

	Amount      uint64
	PartyAmount uint64

	// RewardForRedeem is the payoff our lock offers whoever redeems it on
	// the counterparty's behalf. PartyRewardForRedeem is the payoff in the
	// counterparty's lock.
	RewardForRedeem      uint64
	PartyRewardForRedeem uint64

	Secret     []byte
	SecretHash []byte

	// ToAddress receives our lock on Symbol. RefundAddress funds it and gets
	// refunds and change.
	ToAddress     string
	RefundAddress string
	KeyPath       string

	// RedeemAddress receives the counterparty's lock on PartySymbol.
	// PartyAddress is the counterparty's refund address there.
	RedeemAddress string
	RedeemKeyPath string
	PartyAddress  string

	// TimeStamp anchors both lock windows. LockTime and PartyLockTime are
	// in seconds.
	TimeStamp     time.Time
	LockTime      uint32
	PartyLockTime uint32

	StateFlags StateFlags

	PaymentTxID      string
	PartyPaymentTxID string
	RedeemTxID       string
	RefundTxID       string
	PartyRedeemTxID  string

	LastRedeemTryAt time.Time
	LastRefundTryAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSwapID returns a fresh swap identifier.
func NewSwapID() string {
	return uuid.NewString()
}

// RefundTime is when our lock becomes refundable.
func (s *Swap) RefundTime() time.Time {
	return s.TimeStamp.Add(time.Duration(s.LockTime) * time.Second).Truncate(time.Second)
}

// PartyRefundTime is when the counterparty's lock becomes refundable.
func (s *Swap) PartyRefundTime() time.Time {
	return s.TimeStamp.Add(time.Duration(s.PartyLockTime) * time.Second).Truncate(time.Second)
}

// IsInitiator reports whether we generated the secret.
func (s *Swap) IsInitiator() bool {
	return s.Role == RoleInitiator
}

// SetSecret records a secret after checking it against the secret hash.
func (s *Swap) SetSecret(secret []byte) error {
	if len(s.SecretHash) > 0 && !htlc.VerifySecret(secret, s.SecretHash) {
		return ErrInvalidArgument
	}
	s.Secret = append([]byte(nil), secret...)
	if len(s.SecretHash) == 0 {
		s.SecretHash = htlc.HashSecret(secret)
		s.StateFlags.Set(HasSecretHash)
	}
	s.StateFlags.Set(HasSecret)
	return nil
}

// Validate checks the fields every step relies on.
func (s *Swap) Validate() error {
	switch {
	case s.ID == "":
		return errors.Join(ErrInvalidArgument, errors.New("missing id"))
	case s.Symbol == "" || s.PartySymbol == "":
		return errors.Join(ErrInvalidArgument, errors.New("missing chain symbol"))
	case s.Role != RoleInitiator && s.Role != RoleAcceptor:
		return errors.Join(ErrInvalidArgument, errors.New("unknown role "+string(s.Role)))
	case s.Amount == 0 || s.PartyAmount == 0:
		return errors.Join(ErrInvalidArgument, errors.New("zero amount"))
	case len(s.SecretHash) != htlc.SecretHashSize:
		return errors.Join(ErrInvalidArgument, errors.New("missing secret hash"))
	case s.ToAddress == "" || s.RefundAddress == "" || s.RedeemAddress == "" || s.PartyAddress == "":
		return errors.Join(ErrInvalidArgument, errors.New("missing address"))
	case s.TimeStamp.IsZero() || s.LockTime == 0 || s.PartyLockTime == 0:
		return errors.Join(ErrInvalidArgument, errors.New("missing lock time"))
	case s.IsInitiator() && s.LockTime <= s.PartyLockTime:
		return errors.Join(ErrInvalidArgument, errors.New("initiator lock must outlast the acceptor's"))
	case !s.IsInitiator() && s.LockTime >= s.PartyLockTime:
		return errors.Join(ErrInvalidArgument, errors.New("acceptor lock must expire first"))
	}
	return nil
}

// Clone returns a deep copy.
func (s *Swap) Clone() *Swap {
	c := *s
	c.Secret = append([]byte(nil), s.Secret...)
	c.SecretHash = append([]byte(nil), s.SecretHash...)
	return &c
}

// TxKind names the step a transaction performs.
type TxKind string

const (
	TxPayment        TxKind = "payment"
	TxRedeem         TxKind = "redeem"
	TxRefund         TxKind = "refund"
	TxRedeemForParty TxKind = "redeem_for_party"
)

// Transaction is a swap transaction we created. Raw holds the signed payload
// of UTXO chains so a broadcast can be repeated without signing again.
type Transaction struct {
	ID          string
	Symbol      string
	SwapID      string
	Kind        TxKind
	Raw         string
	Confirmed   bool
	BlockHeight int64
	CreatedAt   time.Time
}

// LockInfo describes an HTLC lock found on chain.
type LockInfo struct {
	TxID       string
	Vout       uint32
	Amount     uint64
	Payoff     uint64
	RefundTime int64
	Confirmed  bool

	// Spent is set once the lock was redeemed or refunded.
	Spent bool
}
