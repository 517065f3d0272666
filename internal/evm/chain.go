// Package evm is the EVM account chain: a batcher adapter that turns each
// batched call into one legacy transaction with sequential nonces, and the
// Atomex Ethereum HTLC contract. Swap amounts are in gwei.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/signer"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// GweiInWei converts swap units to wei.
var GweiInWei = big.NewInt(1_000_000_000)

// gasReservePercent is added on top of estimated gas.
const gasReservePercent = 20

// Errors
var (
	ErrInvalidAddress = errors.New("invalid evm address")
	ErrReverted       = errors.New("transaction reverted")
)

// Client is the part of ethclient the chain uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to an EVM node.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// Call is the content of a batched contract call. Value is in wei.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Chain implements batcher.Chain for EVM chains. Fees resolve to a gas
// price in gwei.
type Chain struct {
	client Client
	signer signer.Signer
	log    *logging.Logger

	mu      sync.Mutex
	chainID *big.Int
}

var _ batcher.Chain = (*Chain)(nil)

// NewChain creates the batcher adapter.
func NewChain(client Client, s signer.Signer) *Chain {
	return &Chain{
		client: client,
		signer: s,
		log:    logging.GetDefault().Component("evm"),
	}
}

// AddressFromPublicKey returns the checksummed address of a compressed
// secp256k1 key.
func AddressFromPublicKey(pubKey []byte) (string, error) {
	key, err := crypto.DecompressPubkey(pubKey)
	if err != nil {
		return "", fmt.Errorf("bad public key: %w", err)
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}

// ParseAddress validates a hex address.
func ParseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address), nil
}

// NextCounter returns the pending nonce, which already counts transactions
// in the node's pool.
func (c *Chain) NextCounter(ctx context.Context, address string) (uint64, error) {
	from, err := ParseAddress(address)
	if err != nil {
		return 0, err
	}
	return c.client.PendingNonceAt(ctx, from)
}

// Preamble is empty on EVM chains.
func (c *Chain) Preamble(ctx context.Context, address, keyPath string) ([]*batcher.Operation, error) {
	return nil, nil
}

// Simulate estimates gas per call plus a reserve, and the gas price in gwei
// rounded up.
func (c *Chain) Simulate(ctx context.Context, address string, ops []*batcher.Operation) ([]batcher.Estimate, error) {
	from, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	priceGwei := ceilDivBig(price, GweiInWei)

	estimates := make([]batcher.Estimate, len(ops))
	for i, op := range ops {
		call, err := callOf(op)
		if err != nil {
			return nil, err
		}
		gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &call.To,
			Value: call.Value,
			Data:  call.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas of call %d: %w", i, err)
		}
		estimates[i] = batcher.Estimate{
			Fee: priceGwei,
			Gas: gas + (gas*gasReservePercent+99)/100,
		}
	}
	return estimates, nil
}

// Forge builds one unsigned legacy transaction per operation.
func (c *Chain) Forge(ctx context.Context, address string, ops []*batcher.Operation) ([]*batcher.Payload, error) {
	payloads := make([]*batcher.Payload, len(ops))
	for i, op := range ops {
		call, err := callOf(op)
		if err != nil {
			return nil, err
		}
		if op.GasLimit == 0 || op.Fee == 0 {
			return nil, fmt.Errorf("call %d has no gas limit or price", i)
		}
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    op.Counter,
			To:       &call.To,
			Value:    call.Value,
			Gas:      op.GasLimit,
			GasPrice: new(big.Int).Mul(new(big.Int).SetUint64(op.Fee), GweiInWei),
			Data:     call.Data,
		})
		unsigned, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		payloads[i] = &batcher.Payload{Ops: []int{i}, Unsigned: unsigned}
	}
	return payloads, nil
}

// Sign signs every transaction with EIP-155 replay protection.
func (c *Chain) Sign(ctx context.Context, keyPath string, payloads []*batcher.Payload) error {
	chainID, err := c.getChainID(ctx)
	if err != nil {
		return err
	}
	txSigner := types.LatestSignerForChainID(chainID)

	for _, p := range payloads {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(p.Unsigned); err != nil {
			return err
		}
		compact, err := c.signer.SignCompact(ctx, txSigner.Hash(tx).Bytes(), keyPath)
		if err != nil {
			return err
		}
		sig, err := toRecoverable(compact)
		if err != nil {
			return err
		}
		signed, err := tx.WithSignature(txSigner, sig)
		if err != nil {
			return err
		}
		if p.Signed, err = signed.MarshalBinary(); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends the transactions in nonce order. A node that already
// holds a transaction counts as success.
func (c *Chain) Broadcast(ctx context.Context, payloads []*batcher.Payload) ([]string, error) {
	hashes := make([]string, 0, len(payloads))
	for _, p := range payloads {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(p.Signed); err != nil {
			return nil, err
		}
		if err := c.client.SendTransaction(ctx, tx); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "already known") {
				return nil, err
			}
			c.log.Debug("Transaction already known", "hash", tx.Hash().Hex())
		}
		hashes = append(hashes, tx.Hash().Hex())
	}
	return hashes, nil
}

func (c *Chain) getChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

func callOf(op *batcher.Operation) (*Call, error) {
	call, ok := op.Content.(*Call)
	if !ok {
		return nil, fmt.Errorf("unsupported operation content %T", op.Content)
	}
	return call, nil
}

// toRecoverable converts a compact signature (header, r, s) into the
// r || s || v form go-ethereum expects, v being the recovery id.
func toRecoverable(compact []byte) ([]byte, error) {
	if len(compact) != 65 {
		return nil, fmt.Errorf("compact signature is %d bytes", len(compact))
	}
	header := compact[0]
	if header < 27 {
		return nil, fmt.Errorf("bad signature header %d", header)
	}
	recID := (header - 27) & 3
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = recID
	return sig, nil
}

func ceilDivBig(a, b *big.Int) uint64 {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Uint64()
}
