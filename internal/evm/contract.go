package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
)

// ContractConfig describes a deployed HTLC contract. GasPrice is a floor in
// gwei, the gas values are floors in gas units.
type ContractConfig struct {
	Address       string
	StartBlock    uint64
	Confirmations uint64

	GasPrice    uint64
	InitiateGas uint64
	RedeemGas   uint64
	RefundGas   uint64
}

// DefaultContractConfig returns the limits used when the config file does
// not override them.
func DefaultContractConfig(address string) *ContractConfig {
	return &ContractConfig{
		Address:       address,
		Confirmations: 1,
		GasPrice:      1,
		InitiateGas:   200000,
		RedeemGas:     120000,
		RefundGas:     90000,
	}
}

// Contract implements swap.HtlcContract over an EVM node.
type Contract struct {
	cfg     *ContractConfig
	address common.Address
	client  Client
}

var _ swap.HtlcContract = (*Contract)(nil)

// NewContract creates a contract client.
func NewContract(client Client, cfg *ContractConfig) (*Contract, error) {
	if cfg == nil {
		return nil, errors.New("missing contract config")
	}
	address, err := ParseAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("contract: %w", err)
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &Contract{cfg: cfg, address: address, client: client}, nil
}

// Address returns the contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// InitiateRequest locks amount gwei for participant. The payoff is part of
// the locked value.
func (c *Contract) InitiateRequest(participant string, secretHash []byte, refundTime int64, amount, payoff uint64) (*batcher.Request, error) {
	to, err := ParseAddress(participant)
	if err != nil {
		return nil, fmt.Errorf("%w: participant: %v", swap.ErrInvalidArgument, err)
	}
	if len(secretHash) != htlc.SecretHashSize || amount == 0 || payoff > amount || refundTime <= 0 {
		return nil, swap.ErrInvalidArgument
	}

	data, err := parsedABI.Pack("initiate", toHash32(secretHash), to, big.NewInt(refundTime), toWei(payoff))
	if err != nil {
		return nil, err
	}
	return c.request(data, toWei(amount), c.cfg.InitiateGas), nil
}

// RedeemRequest reveals secret; the value goes to the participant.
func (c *Contract) RedeemRequest(secret, secretHash []byte) (*batcher.Request, error) {
	if !htlc.VerifySecret(secret, secretHash) {
		return nil, fmt.Errorf("%w: secret does not match hash", swap.ErrInvalidArgument)
	}
	data, err := parsedABI.Pack("redeem", toHash32(secretHash), secret)
	if err != nil {
		return nil, err
	}
	return c.request(data, new(big.Int), c.cfg.RedeemGas), nil
}

// RefundRequest returns an expired lock to its initiator.
func (c *Contract) RefundRequest(secretHash []byte) (*batcher.Request, error) {
	if len(secretHash) != htlc.SecretHashSize {
		return nil, swap.ErrInvalidArgument
	}
	data, err := parsedABI.Pack("refund", toHash32(secretHash))
	if err != nil {
		return nil, err
	}
	return c.request(data, new(big.Int), c.cfg.RefundGas), nil
}

func (c *Contract) request(data []byte, value *big.Int, gas uint64) *batcher.Request {
	return &batcher.Request{
		Content: &Call{To: c.address, Value: value, Data: data},
		Fee:     batcher.NetworkWithFloor(c.cfg.GasPrice),
		Gas:     batcher.NetworkWithFloor(gas),
		Storage: batcher.Value(0),
	}
}

// GetLock reads the swap entry and, for redeemed entries, the secret from
// the Redeemed event.
func (c *Contract) GetLock(ctx context.Context, secretHash []byte) (*swap.ContractLock, error) {
	if len(secretHash) != htlc.SecretHashSize {
		return nil, swap.ErrInvalidArgument
	}
	hash := toHash32(secretHash)

	input, err := parsedABI.Pack("swaps", hash)
	if err != nil {
		return nil, err
	}
	output, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	values, err := parsedABI.Unpack("swaps", output)
	if err != nil {
		return nil, fmt.Errorf("decode swap entry: %w", err)
	}
	if len(values) != 7 {
		return nil, fmt.Errorf("decode swap entry: %d values", len(values))
	}

	state := values[6].(uint8)
	if state == stateEmpty {
		return nil, nil
	}
	lock := &swap.ContractLock{
		Initiator:   values[1].(common.Address).Hex(),
		Participant: values[2].(common.Address).Hex(),
		RefundTime:  values[3].(*big.Int).Int64(),
		Amount:      fromWei(values[4].(*big.Int)),
		Payoff:      fromWei(values[5].(*big.Int)),
		State:       swap.ContractInitiated,
	}

	initiated, err := c.logs(ctx, "Initiated", hash)
	if err != nil {
		return nil, err
	}
	if len(initiated) > 0 {
		lock.InitiateTxID = initiated[0].TxHash.Hex()
		if lock.Confirmed, err = c.IsConfirmed(ctx, lock.InitiateTxID); err != nil {
			return nil, err
		}
	}

	switch state {
	case stateRedeemed:
		redeemed, err := c.logs(ctx, "Redeemed", hash)
		if err != nil {
			return nil, err
		}
		for _, l := range redeemed {
			out, err := parsedABI.Unpack("Redeemed", l.Data)
			if err != nil || len(out) != 1 {
				continue
			}
			secret, ok := out[0].([]byte)
			if !ok || !htlc.VerifySecret(secret, secretHash) {
				continue
			}
			lock.State = swap.ContractRedeemed
			lock.Secret = secret
			lock.SpendTxID = l.TxHash.Hex()
			return lock, nil
		}
		return nil, fmt.Errorf("%w: redeemed entry %x has no matching event", swap.ErrNetwork, secretHash)
	case stateRefunded:
		lock.State = swap.ContractRefunded
		refunded, err := c.logs(ctx, "Refunded", hash)
		if err != nil {
			return nil, err
		}
		if len(refunded) > 0 {
			lock.SpendTxID = refunded[0].TxHash.Hex()
		}
	}
	return lock, nil
}

func (c *Contract) logs(ctx context.Context, event string, hash [32]byte) ([]types.Log, error) {
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.cfg.StartBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{parsedABI.Events[event].ID}, {common.Hash(hash)}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	return logs, nil
}

// IsConfirmed reports whether a transaction was mined successfully with the
// configured number of confirmations.
func (c *Contract) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	if receipt.Status == 0 {
		return false, fmt.Errorf("%w: %s", ErrReverted, txID)
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", swap.ErrNetwork, err)
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= c.cfg.Confirmations, nil
}

func toHash32(b []byte) [32]byte {
	var h [32]byte
	copy(h[:], b)
	return h
}

func toWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), GweiInWei)
}

func fromWei(wei *big.Int) uint64 {
	return new(big.Int).Quo(wei, GweiInWei).Uint64()
}
