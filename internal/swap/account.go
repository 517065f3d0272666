package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// AccountStrategy runs swaps on an account chain through its HTLC contract.
// Requests go through a batcher, which signs them, so Sign only describes
// the step and Broadcast does the work. Before every submit the contract is
// read, so a step that already landed is never sent twice.
type AccountStrategy struct {
	symbol    string
	contract  HtlcContract
	submitter Submitter
	log       *logging.Logger
}

var _ ChainStrategy = (*AccountStrategy)(nil)

// NewAccountStrategy creates the strategy for an account chain.
func NewAccountStrategy(symbol string, contract HtlcContract, submitter Submitter) *AccountStrategy {
	return &AccountStrategy{
		symbol:    symbol,
		contract:  contract,
		submitter: submitter,
		log:       logging.GetDefault().Component("swap.account." + symbol),
	}
}

// NewAccountCoordinator wires an AccountStrategy into a Driver.
func NewAccountCoordinator(symbol string, contract HtlcContract, submitter Submitter, repo Repository, driverCfg *DriverConfig) *Driver {
	return NewDriver(NewAccountStrategy(symbol, contract, submitter), repo, driverCfg)
}

// Symbol returns the chain symbol.
func (a *AccountStrategy) Symbol() string {
	return a.symbol
}

// Sign checks that the step can be built and returns it without an id.
func (a *AccountStrategy) Sign(ctx context.Context, s *Swap, kind TxKind) (*Transaction, error) {
	if _, _, err := a.request(s, kind); err != nil {
		return nil, err
	}
	return &Transaction{Symbol: a.symbol, SwapID: s.ID, Kind: kind}, nil
}

// request builds the contract call of kind with its sender.
func (a *AccountStrategy) request(s *Swap, kind TxKind) (*batcher.Request, string, error) {
	var (
		req      *batcher.Request
		from     = s.RefundAddress
		keyPath  = s.KeyPath
		buildErr error
	)
	switch kind {
	case TxPayment:
		req, buildErr = a.contract.InitiateRequest(s.ToAddress, s.SecretHash, s.RefundTime().Unix(), s.Amount, s.RewardForRedeem)
	case TxRedeem:
		req, buildErr = a.contract.RedeemRequest(s.Secret, s.SecretHash)
		from, keyPath = s.RedeemAddress, s.RedeemKeyPath
	case TxRedeemForParty:
		req, buildErr = a.contract.RedeemRequest(s.Secret, s.SecretHash)
	case TxRefund:
		req, buildErr = a.contract.RefundRequest(s.SecretHash)
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrNotSupported, kind)
	}
	if buildErr != nil {
		return nil, "", buildErr
	}
	req.KeyPath = keyPath
	return req, from, nil
}

// Broadcast submits the step unless the contract shows it already happened,
// in which case the id of the earlier transaction is returned.
func (a *AccountStrategy) Broadcast(ctx context.Context, s *Swap, tx *Transaction) (string, error) {
	lock, err := a.contract.GetLock(ctx, s.SecretHash)
	if err != nil {
		return "", a.wrap(err)
	}

	switch tx.Kind {
	case TxPayment:
		if lock != nil {
			if lock.InitiateTxID == "" {
				return "", fmt.Errorf("%w: lock of %s exists without initiate transaction", ErrNetwork, s.ID)
			}
			a.log.Debug("Lock already initiated", "swap_id", s.ID, "txid", lock.InitiateTxID)
			return lock.InitiateTxID, nil
		}
	case TxRedeem, TxRedeemForParty:
		if lock == nil {
			return "", fmt.Errorf("%w: no lock for %s", ErrTxNotFound, s.ID)
		}
		switch lock.State {
		case ContractRedeemed:
			return lock.SpendTxID, nil
		case ContractRefunded:
			return "", fmt.Errorf("%w: refunded by %s", ErrLockSpent, lock.SpendTxID)
		}
	case TxRefund:
		if lock == nil {
			return "", fmt.Errorf("%w: no lock for %s", ErrTxNotFound, s.ID)
		}
		switch lock.State {
		case ContractRefunded:
			return lock.SpendTxID, nil
		case ContractRedeemed:
			return "", fmt.Errorf("%w: redeemed by %s", ErrLockSpent, lock.SpendTxID)
		}
	}

	req, from, err := a.request(s, tx.Kind)
	if err != nil {
		return "", err
	}
	result, err := a.submitter.Submit(ctx, from, req)
	if err != nil {
		return "", a.wrap(err)
	}
	a.log.Debug("Submitted", "swap_id", s.ID, "kind", tx.Kind, "hash", result.Hash, "counter", result.Counter, "fee", result.Fee)
	return result.Hash, nil
}

// wrap classifies batcher and contract errors as retryable.
func (a *AccountStrategy) wrap(err error) error {
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrBroadcast), errors.Is(err, ErrInvalidArgument):
		return err
	case errors.Is(err, batcher.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, batcher.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, batcher.ErrSigning):
		return fmt.Errorf("%w: %v", ErrSigning, err)
	case errors.Is(err, batcher.ErrSimulation):
		return fmt.Errorf("%w: %v", ErrBroadcast, err)
	default:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// IsConfirmed asks the contract's chain.
func (a *AccountStrategy) IsConfirmed(ctx context.Context, tx *Transaction) (bool, error) {
	return a.contract.IsConfirmed(ctx, tx.ID)
}

// FindLock reads the contract entry of the swap's secret hash. An entry for
// another participant is ignored.
func (a *AccountStrategy) FindLock(ctx context.Context, s *Swap, party bool) (*LockInfo, error) {
	lock, err := a.contract.GetLock(ctx, s.SecretHash)
	if err != nil {
		return nil, a.wrap(err)
	}
	if lock == nil {
		return nil, nil
	}
	participant := s.ToAddress
	if party {
		participant = s.RedeemAddress
	}
	if !sameAddress(lock.Participant, participant) {
		a.log.Warn("Lock pays another participant", "swap_id", s.ID, "participant", lock.Participant)
		return nil, nil
	}
	return &LockInfo{
		TxID:       lock.InitiateTxID,
		Amount:     lock.Amount,
		Payoff:     lock.Payoff,
		RefundTime: lock.RefundTime,
		Confirmed:  lock.Confirmed,
		Spent:      lock.State != ContractInitiated,
	}, nil
}

// FindSecret returns the secret of a redeemed entry.
func (a *AccountStrategy) FindSecret(ctx context.Context, s *Swap) ([]byte, string, error) {
	lock, err := a.contract.GetLock(ctx, s.SecretHash)
	if err != nil {
		return nil, "", a.wrap(err)
	}
	if lock == nil || lock.State != ContractRedeemed || len(lock.Secret) == 0 {
		return nil, "", nil
	}
	return lock.Secret, lock.SpendTxID, nil
}

// sameAddress compares account addresses. Hex addresses differ in case
// only by their checksum.
func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
