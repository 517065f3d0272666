// Package tezos is the Tezos account chain: a node RPC client, a TzKT
// indexer client, the batcher adapter that reveals, simulates, forges,
// signs and injects operation groups, and the Atomex HTLC contract.
package tezos

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/signer"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// Protocol constants used for limits and the minimal fee. Fees are in mutez.
const (
	minimalFee                   = 100
	nanotezPerGasUnit            = 100
	nanotezPerByte               = 1000
	gasReserve                   = 100
	hardGasLimitPerOperation     = 1040000
	hardGasLimitPerBlock         = 5200000
	hardStorageLimitPerOperation = 60000
	signatureSize                = 64
	allocationStorage            = 257

	// placeholderFee is forged while sizing a group; its encoding is at
	// least as long as any real fee.
	placeholderFee = 100000
)

// Reveal defaults.
const (
	DefaultRevealFee = 1300
	DefaultRevealGas = 1000
)

// Transaction is the content of a batched transfer or contract call.
// Amount is in mutez.
type Transaction struct {
	Destination string
	Amount      uint64
	Parameters  *Parameters
}

// Reveal is the content of a key reveal.
type Reveal struct {
	PublicKey string
}

// Chain implements batcher.Chain for Tezos. Every batch forges into one
// operation group.
type Chain struct {
	rpc    *RPC
	signer signer.Signer
	log    *logging.Logger

	mu      sync.Mutex
	chainID string
}

var _ batcher.Chain = (*Chain)(nil)

// NewChain creates the batcher adapter.
func NewChain(rpc *RPC, s signer.Signer) *Chain {
	return &Chain{
		rpc:    rpc,
		signer: s,
		log:    logging.GetDefault().Component("tezos"),
	}
}

// NextCounter returns the counter following the last one the node applied.
func (c *Chain) NextCounter(ctx context.Context, address string) (uint64, error) {
	counter, err := c.rpc.Counter(ctx, address)
	if err != nil {
		return 0, err
	}
	return counter + 1, nil
}

// Preamble returns a reveal when the key of address is not revealed yet.
func (c *Chain) Preamble(ctx context.Context, address, keyPath string) ([]*batcher.Operation, error) {
	revealed, err := c.rpc.ManagerKey(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("manager key: %w", err)
	}
	if revealed != "" {
		return nil, nil
	}

	pubKey, err := c.signer.PublicKey(ctx, keyPath)
	if err != nil {
		return nil, err
	}
	derived, err := AddressFromPublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	if derived != address {
		return nil, fmt.Errorf("key %s belongs to %s, not %s", keyPath, derived, address)
	}
	sppk, err := EncodePublicKey(pubKey)
	if err != nil {
		return nil, err
	}

	c.log.Info("Revealing key", "address", address)
	return []*batcher.Operation{{
		Content:       &Reveal{PublicKey: sppk},
		FeePolicy:     batcher.NetworkWithFloor(DefaultRevealFee),
		GasPolicy:     batcher.NetworkWithFloor(DefaultRevealGas),
		StoragePolicy: batcher.Value(0),
	}}, nil
}

// Simulate runs the group on the head and derives gas, storage and the
// minimal fee of every operation. Fees share the group's byte cost evenly.
func (c *Chain) Simulate(ctx context.Context, address string, ops []*batcher.Operation) ([]batcher.Estimate, error) {
	branch, err := c.rpc.BlockHash(ctx, "head")
	if err != nil {
		return nil, err
	}
	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	gasPerOp := uint64(hardGasLimitPerOperation)
	if limit := uint64(hardGasLimitPerBlock / len(ops)); limit < gasPerOp {
		gasPerOp = limit
	}
	contents := make([]Content, len(ops))
	for i, op := range ops {
		content, err := toContent(address, op, 0, gasPerOp, hardStorageLimitPerOperation)
		if err != nil {
			return nil, err
		}
		contents[i] = content
	}

	results, err := c.rpc.Simulate(ctx, branch, chainID, contents)
	if err != nil {
		return nil, err
	}

	estimates := make([]batcher.Estimate, len(ops))
	for i, result := range results {
		gas, storage, err := consumed(result)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		estimates[i].Gas = gas
		estimates[i].Storage = storage
	}

	// Size the group with the estimated limits to price its bytes.
	for i, op := range ops {
		content, err := toContent(address, op, placeholderFee, estimates[i].Gas, estimates[i].Storage)
		if err != nil {
			return nil, err
		}
		contents[i] = content
	}
	forged, err := c.rpc.Forge(ctx, branch, contents)
	if err != nil {
		return nil, err
	}
	size := uint64(len(forged) + signatureSize)
	share := (size + uint64(len(ops)) - 1) / uint64(len(ops))

	for i := range estimates {
		estimates[i].Fee = minimalFee +
			ceilDiv(estimates[i].Gas*nanotezPerGasUnit, 1000) +
			ceilDiv(share*nanotezPerByte, 1000)
	}
	return estimates, nil
}

// Forge builds one operation group from the whole batch.
func (c *Chain) Forge(ctx context.Context, address string, ops []*batcher.Operation) ([]*batcher.Payload, error) {
	branch, err := c.rpc.BlockHash(ctx, "head~2")
	if err != nil {
		return nil, err
	}

	contents := make([]Content, len(ops))
	indexes := make([]int, len(ops))
	for i, op := range ops {
		content, err := toContent(address, op, op.Fee, op.GasLimit, op.StorageLimit)
		if err != nil {
			return nil, err
		}
		contents[i] = content
		indexes[i] = i
	}

	forged, err := c.rpc.Forge(ctx, branch, contents)
	if err != nil {
		return nil, err
	}
	return []*batcher.Payload{{Ops: indexes, Unsigned: forged}}, nil
}

// Sign appends a 64-byte r||s signature over the watermarked group.
func (c *Chain) Sign(ctx context.Context, keyPath string, payloads []*batcher.Payload) error {
	for _, p := range payloads {
		sig, err := c.signer.SignCompact(ctx, SigningDigest(p.Unsigned), keyPath)
		if err != nil {
			return err
		}
		if len(sig) != 65 {
			return fmt.Errorf("compact signature is %d bytes", len(sig))
		}
		p.Signed = append(append([]byte(nil), p.Unsigned...), sig[1:]...)
	}
	return nil
}

// Broadcast injects each group.
func (c *Chain) Broadcast(ctx context.Context, payloads []*batcher.Payload) ([]string, error) {
	hashes := make([]string, 0, len(payloads))
	for _, p := range payloads {
		hash, err := c.rpc.Inject(ctx, p.Signed)
		if err != nil {
			return nil, err
		}
		if local := OperationHash(p.Signed); local != hash {
			c.log.Warn("Node returned unexpected operation hash", "node", hash, "local", local)
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (c *Chain) getChainID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != "" {
		return c.chainID, nil
	}
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return "", err
	}
	c.chainID = id
	return id, nil
}

func toContent(source string, op *batcher.Operation, fee, gas, storage uint64) (Content, error) {
	content := Content{
		Source:       source,
		Fee:          strconv.FormatUint(fee, 10),
		Counter:      strconv.FormatUint(op.Counter, 10),
		GasLimit:     strconv.FormatUint(gas, 10),
		StorageLimit: strconv.FormatUint(storage, 10),
	}
	switch v := op.Content.(type) {
	case *Transaction:
		content.Kind = "transaction"
		content.Destination = v.Destination
		content.Amount = strconv.FormatUint(v.Amount, 10)
		content.Parameters = v.Parameters
	case *Reveal:
		content.Kind = "reveal"
		content.PublicKey = v.PublicKey
	default:
		return Content{}, fmt.Errorf("unsupported operation content %T", op.Content)
	}
	return content, nil
}

// consumed sums gas and storage over an operation and its internal
// operations. Gas is rounded up to whole units plus a reserve.
func consumed(result simulatedContent) (uint64, uint64, error) {
	all := []operationResult{result.Metadata.OperationResult}
	for _, internal := range result.Metadata.InternalOperationResults {
		all = append(all, internal.Result)
	}

	var milligas, storage uint64
	for _, r := range all {
		if r.Status != "applied" {
			return 0, 0, fmt.Errorf("status %s: %s", r.Status, string(r.Errors))
		}
		if r.ConsumedMilligas != "" {
			v, err := strconv.ParseUint(r.ConsumedMilligas, 10, 64)
			if err != nil {
				return 0, 0, err
			}
			milligas += v
		}
		if r.PaidStorageSizeDiff != "" {
			v, err := strconv.ParseUint(r.PaidStorageSizeDiff, 10, 64)
			if err != nil {
				return 0, 0, err
			}
			storage += v
		}
		if r.AllocatedContract {
			storage += allocationStorage
		}
	}
	return ceilDiv(milligas, 1000) + gasReserve, storage, nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
