package tezos

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
)

// Contract entrypoints.
const (
	EntrypointInitiate = "initiate"
	EntrypointRedeem   = "redeem"
	EntrypointRefund   = "refund"
)

// DefaultBigMapPath is the storage path of the swaps big map.
const DefaultBigMapPath = "swaps"

// ContractConfig describes a deployed Atomex HTLC contract. Fees are floors
// in mutez, gas and storage are floors in units.
type ContractConfig struct {
	Address       string
	BigMapPath    string
	Confirmations int64

	InitiateFee     uint64
	InitiateGas     uint64
	InitiateStorage uint64
	RedeemFee       uint64
	RedeemGas       uint64
	RefundFee       uint64
	RefundGas       uint64
}

// DefaultContractConfig returns the limits used when the config file does
// not override them.
func DefaultContractConfig(address string) *ContractConfig {
	return &ContractConfig{
		Address:         address,
		BigMapPath:      DefaultBigMapPath,
		Confirmations:   1,
		InitiateFee:     2000,
		InitiateGas:     15000,
		InitiateStorage: 300,
		RedeemFee:       2000,
		RedeemGas:       15000,
		RefundFee:       1600,
		RefundGas:       15000,
	}
}

// Contract implements swap.HtlcContract for the Atomex Tezos HTLC. Writes
// become batcher requests; reads go through TzKT.
type Contract struct {
	cfg  *ContractConfig
	tzkt *TzKT
}

var _ swap.HtlcContract = (*Contract)(nil)

// NewContract creates a contract client.
func NewContract(tzkt *TzKT, cfg *ContractConfig) (*Contract, error) {
	if cfg == nil {
		return nil, errors.New("missing contract config")
	}
	if err := ValidateAddress(cfg.Address); err != nil || !strings.HasPrefix(cfg.Address, "KT1") {
		return nil, fmt.Errorf("contract %q: %w", cfg.Address, ErrInvalidAddress)
	}
	if cfg.BigMapPath == "" {
		cfg.BigMapPath = DefaultBigMapPath
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 1
	}
	return &Contract{cfg: cfg, tzkt: tzkt}, nil
}

// Address returns the contract address.
func (c *Contract) Address() string {
	return c.cfg.Address
}

// InitiateRequest locks amount mutez for participant. The payoff is part of
// amount and goes to whoever redeems.
func (c *Contract) InitiateRequest(participant string, secretHash []byte, refundTime int64, amount, payoff uint64) (*batcher.Request, error) {
	if err := ValidateAddress(participant); err != nil {
		return nil, fmt.Errorf("%w: participant: %v", swap.ErrInvalidArgument, err)
	}
	if len(secretHash) != htlc.SecretHashSize || amount == 0 || payoff > amount {
		return nil, swap.ErrInvalidArgument
	}

	value := prim("Pair",
		str(participant),
		prim("Pair",
			prim("Pair", byteLit(secretHash), intLit(refundTime)),
			intLit(int64(payoff)),
		),
	)
	return c.request(EntrypointInitiate, value, amount,
		c.cfg.InitiateFee, c.cfg.InitiateGas, c.cfg.InitiateStorage)
}

// RedeemRequest reveals secret. Anyone may send it; the locked amount goes
// to the participant.
func (c *Contract) RedeemRequest(secret, secretHash []byte) (*batcher.Request, error) {
	if !htlc.VerifySecret(secret, secretHash) {
		return nil, fmt.Errorf("%w: secret does not match hash", swap.ErrInvalidArgument)
	}
	return c.request(EntrypointRedeem, byteLit(secret), 0, c.cfg.RedeemFee, c.cfg.RedeemGas, 0)
}

// RefundRequest returns an expired lock to its initiator.
func (c *Contract) RefundRequest(secretHash []byte) (*batcher.Request, error) {
	if len(secretHash) != htlc.SecretHashSize {
		return nil, swap.ErrInvalidArgument
	}
	return c.request(EntrypointRefund, byteLit(secretHash), 0, c.cfg.RefundFee, c.cfg.RefundGas, 0)
}

func (c *Contract) request(entrypoint string, value json.RawMessage, amount, fee, gas, storage uint64) (*batcher.Request, error) {
	return &batcher.Request{
		Content: &Transaction{
			Destination: c.cfg.Address,
			Amount:      amount,
			Parameters:  &Parameters{Entrypoint: entrypoint, Value: value},
		},
		Fee:     batcher.NetworkWithFloor(fee),
		Gas:     batcher.NetworkWithFloor(gas),
		Storage: batcher.NetworkWithFloor(storage),
	}, nil
}

// swapEntry is a value of the swaps big map as rendered by TzKT.
type swapEntry struct {
	Recipients struct {
		Initiator   string `json:"initiator"`
		Participant string `json:"participant"`
	} `json:"recipients"`
	Settings struct {
		Amount     string `json:"amount"`
		RefundTime string `json:"refund_time"`
		Payoff     string `json:"payoff"`
	} `json:"settings"`
}

// GetLock reads the swap entry for secretHash and, once it was removed,
// the redeem or refund that removed it.
func (c *Contract) GetLock(ctx context.Context, secretHash []byte) (*swap.ContractLock, error) {
	key := hex.EncodeToString(secretHash)
	entry, err := c.tzkt.BigMapKey(ctx, c.cfg.Address, c.cfg.BigMapPath, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	if entry == nil {
		return nil, nil
	}

	var value swapEntry
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		return nil, fmt.Errorf("decode swap entry: %w", err)
	}
	amount, err := strconv.ParseUint(value.Settings.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	payoff, err := strconv.ParseUint(value.Settings.Payoff, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode payoff: %w", err)
	}
	refundTime, err := parseTimestamp(value.Settings.RefundTime)
	if err != nil {
		return nil, err
	}

	lock := &swap.ContractLock{
		Initiator:   value.Recipients.Initiator,
		Participant: value.Recipients.Participant,
		Amount:      amount,
		Payoff:      payoff,
		RefundTime:  refundTime,
		State:       swap.ContractInitiated,
	}

	initiates, err := c.tzkt.Transactions(ctx, url.Values{
		"target":                           {c.cfg.Address},
		"entrypoint":                       {EntrypointInitiate},
		"parameter.settings.hashed_secret": {key},
		"status":                           {"applied"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	if len(initiates) > 0 {
		lock.InitiateTxID = initiates[0].Hash
	}

	head, err := c.tzkt.HeadLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	lock.Confirmed = head-entry.FirstLevel+1 >= c.cfg.Confirmations

	if entry.Active {
		return lock, nil
	}
	if err := c.findSpend(ctx, lock, secretHash, entry.LastLevel); err != nil {
		return nil, err
	}
	return lock, nil
}

// findSpend looks for the redeem or refund of secretHash at level.
func (c *Contract) findSpend(ctx context.Context, lock *swap.ContractLock, secretHash []byte, level int64) error {
	txs, err := c.tzkt.Transactions(ctx, url.Values{
		"target":        {c.cfg.Address},
		"entrypoint.in": {EntrypointRedeem + "," + EntrypointRefund},
		"level":         {strconv.FormatInt(level, 10)},
		"status":        {"applied"},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}

	for _, tx := range txs {
		if tx.Parameter == nil {
			continue
		}
		var arg string
		if err := json.Unmarshal(tx.Parameter.Value, &arg); err != nil {
			continue
		}
		data, err := hex.DecodeString(arg)
		if err != nil {
			continue
		}
		switch tx.Parameter.Entrypoint {
		case EntrypointRedeem:
			if htlc.VerifySecret(data, secretHash) {
				lock.State = swap.ContractRedeemed
				lock.Secret = data
				lock.SpendTxID = tx.Hash
				return nil
			}
		case EntrypointRefund:
			if bytes.Equal(data, secretHash) {
				lock.State = swap.ContractRefunded
				lock.SpendTxID = tx.Hash
				return nil
			}
		}
	}
	return fmt.Errorf("%w: entry %x removed at level %d without a matching spend", swap.ErrNetwork, secretHash, level)
}

// IsConfirmed reports whether the operation group was applied with the
// configured number of confirmations.
func (c *Contract) IsConfirmed(ctx context.Context, hash string) (bool, error) {
	ops, err := c.tzkt.Operations(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	if len(ops) == 0 {
		return false, nil
	}
	for _, op := range ops {
		if op.Status != "applied" {
			return false, fmt.Errorf("%w: operation %s is %s", ErrRejected, hash, op.Status)
		}
	}
	head, err := c.tzkt.HeadLevel(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	return head-ops[0].Level+1 >= c.cfg.Confirmations, nil
}

// parseTimestamp accepts the RFC 3339 rendering of TzKT and plain Unix
// seconds.
func parseTimestamp(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q", s)
	}
	return v, nil
}
