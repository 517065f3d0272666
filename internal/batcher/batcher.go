// Package batcher serializes operation submission per address on chains
// with an account counter (Tezos counter, EVM nonce). Concurrent requests for
// one address are queued, and each drain of the queue becomes one batch that
// fetches the counter once, is simulated, signed and broadcast once, and
// fans the outcome back to every waiter.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// Errors
var (
	ErrClosed         = errors.New("batcher closed")
	ErrInvalidRequest = errors.New("invalid request")
	ErrCounter        = errors.New("failed to get counter")
	ErrSimulation     = errors.New("simulation failed")
	ErrSigning        = errors.New("signing failed")
	ErrBroadcast      = errors.New("broadcast failed")
)

// Defaults
const (
	DefaultQueueSize = 64
	DefaultMaxBatch  = 50
)

// Operation is one operation of a batch. The chain adapter owns Content; the
// batcher assigns Counter and resolves the limits from the policies.
type Operation struct {
	Content interface{}
	Counter uint64

	FeePolicy     Policy
	GasPolicy     Policy
	StoragePolicy Policy

	Fee          uint64
	GasLimit     uint64
	StorageLimit uint64
}

// needsNetwork reports whether any limit of op depends on a simulation.
func (op *Operation) needsNetwork() bool {
	return op.FeePolicy.NeedsNetwork() || op.GasPolicy.NeedsNetwork() || op.StoragePolicy.NeedsNetwork()
}

// Estimate is the simulated cost of one operation, rounded up.
type Estimate struct {
	Fee     uint64
	Gas     uint64
	Storage uint64
}

// Payload is one signable unit. A Tezos batch forges into a single operation
// group; an EVM batch into one transaction per operation.
type Payload struct {
	// Ops are the indexes of the batch operations carried by this payload.
	Ops      []int
	Unsigned []byte
	Signed   []byte
	Hash     string
}

// Chain is the chain-specific half of the batcher.
type Chain interface {
	// NextCounter returns the first counter the node has not seen used.
	NextCounter(ctx context.Context, address string) (uint64, error)
	// Preamble returns operations that must precede the batch, such as a
	// Tezos key reveal. It may return nil.
	Preamble(ctx context.Context, address, keyPath string) ([]*Operation, error)
	// Simulate returns one estimate per operation.
	Simulate(ctx context.Context, address string, ops []*Operation) ([]Estimate, error)
	Forge(ctx context.Context, address string, ops []*Operation) ([]*Payload, error)
	Sign(ctx context.Context, keyPath string, payloads []*Payload) error
	// Broadcast sends the payloads in order and returns their hashes.
	Broadcast(ctx context.Context, payloads []*Payload) ([]string, error)
}

// Request is one operation waiting to be batched.
type Request struct {
	Content interface{}
	KeyPath string

	Fee     Policy
	Gas     Policy
	Storage Policy

	// IsFinal closes the batch after this request.
	IsFinal bool

	result chan outcome
}

// Result is what a request's operation became.
type Result struct {
	Hash         string
	Counter      uint64
	Fee          uint64
	GasLimit     uint64
	StorageLimit uint64
}

type outcome struct {
	result *Result
	err    error
}

// Config holds batcher configuration.
type Config struct {
	// Name tags log lines, usually the chain symbol.
	Name      string
	QueueSize int
	MaxBatch  int
}

// Batcher owns one worker per address, created on first use.
type Batcher struct {
	chain    Chain
	counters *CounterCache
	log      *logging.Logger

	queueSize int
	maxBatch  int

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	address string
	queue   chan *Request
}

// New creates a batcher over chain. The counter cache is shared by every
// batcher of one chain and outlives none of them.
func New(chain Chain, counters *CounterCache, cfg *Config) *Batcher {
	if cfg == nil {
		cfg = &Config{}
	}
	if counters == nil {
		counters = NewCounterCache(0)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	name := "batcher"
	if cfg.Name != "" {
		name = "batcher-" + cfg.Name
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		chain:     chain,
		counters:  counters,
		log:       logging.GetDefault().Component(name),
		queueSize: queueSize,
		maxBatch:  maxBatch,
		workers:   make(map[string]*worker),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit queues req for address and waits for its batch to complete. If ctx
// ends first the operation may still be broadcast later.
func (b *Batcher) Submit(ctx context.Context, address string, req *Request) (*Result, error) {
	if address == "" || req == nil || req.Content == nil {
		return nil, ErrInvalidRequest
	}
	req.result = make(chan outcome, 1)

	w, err := b.worker(address)
	if err != nil {
		return nil, err
	}

	select {
	case w.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}

	select {
	case out := <-req.result:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

// Close stops all workers. Queued requests fail with ErrClosed.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
}

// worker returns the worker of address, starting it if needed.
func (b *Batcher) worker(address string) (*worker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if w, ok := b.workers[address]; ok {
		return w, nil
	}

	w := &worker{
		address: address,
		queue:   make(chan *Request, b.queueSize),
	}
	b.workers[address] = w
	b.wg.Add(1)
	go b.run(w)
	return w, nil
}

// pending returns the number of queued requests for address.
func (b *Batcher) pending(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workers[address]; ok {
		return len(w.queue)
	}
	return 0
}

func (b *Batcher) run(w *worker) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			b.failQueued(w)
			return
		case req := <-w.queue:
			batch := b.collect(w, req)
			b.process(w.address, batch)
		}
	}
}

// collect drains queued requests after first, up to the next final one.
func (b *Batcher) collect(w *worker, first *Request) []*Request {
	batch := []*Request{first}
	if first.IsFinal {
		return batch
	}
	for len(batch) < b.maxBatch {
		select {
		case req := <-w.queue:
			batch = append(batch, req)
			if req.IsFinal {
				return batch
			}
		default:
			return batch
		}
	}
	return batch
}

func (b *Batcher) failQueued(w *worker) {
	for {
		select {
		case req := <-w.queue:
			req.result <- outcome{err: ErrClosed}
		default:
			return
		}
	}
}

func (b *Batcher) process(address string, batch []*Request) {
	results, err := b.execute(b.ctx, address, batch)
	if err != nil {
		b.log.Warn("Batch failed", "address", address, "size", len(batch), "error", err)
	}
	for i, req := range batch {
		if err != nil {
			req.result <- outcome{err: err}
			continue
		}
		req.result <- outcome{result: results[i]}
	}
}

// execute runs one batch end to end and returns one result per request.
func (b *Batcher) execute(ctx context.Context, address string, batch []*Request) ([]*Result, error) {
	keyPath := batch[0].KeyPath

	preamble, err := b.chain.Preamble(ctx, address, keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSimulation, err)
	}

	ops := make([]*Operation, 0, len(preamble)+len(batch))
	ops = append(ops, preamble...)
	for _, req := range batch {
		ops = append(ops, &Operation{
			Content:       req.Content,
			FeePolicy:     req.Fee,
			GasPolicy:     req.Gas,
			StoragePolicy: req.Storage,
		})
	}
	offset := len(preamble)

	nodeNext, err := b.chain.NextCounter(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCounter, err)
	}
	if cached, ok := b.counters.Next(address); ok && cached > nodeNext {
		b.log.Debug("Node counter behind last batch", "address", address, "node", nodeNext, "cached", cached)
	}
	first := b.counters.Reserve(address, nodeNext, len(ops))
	for i, op := range ops {
		op.Counter = first + uint64(i)
		op.Fee = op.FeePolicy.Resolve(0)
		op.GasLimit = op.GasPolicy.Resolve(0)
		op.StorageLimit = op.StoragePolicy.Resolve(0)
	}

	if err := b.resolve(ctx, address, ops); err != nil {
		b.counters.Invalidate(address)
		return nil, err
	}

	payloads, err := b.chain.Forge(ctx, address, ops)
	if err != nil {
		b.counters.Invalidate(address)
		return nil, fmt.Errorf("%w: forge: %v", ErrSimulation, err)
	}
	if err := b.chain.Sign(ctx, keyPath, payloads); err != nil {
		b.counters.Invalidate(address)
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	hashes, err := b.chain.Broadcast(ctx, payloads)
	if err != nil {
		b.counters.Invalidate(address)
		return nil, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	if len(hashes) != len(payloads) {
		return nil, fmt.Errorf("%w: got %d hashes for %d payloads", ErrBroadcast, len(hashes), len(payloads))
	}

	hashOf := make(map[int]string, len(ops))
	for i, p := range payloads {
		p.Hash = hashes[i]
		for _, idx := range p.Ops {
			hashOf[idx] = hashes[i]
		}
	}

	results := make([]*Result, len(batch))
	for i := range batch {
		op := ops[offset+i]
		results[i] = &Result{
			Hash:         hashOf[offset+i],
			Counter:      op.Counter,
			Fee:          op.Fee,
			GasLimit:     op.GasLimit,
			StorageLimit: op.StorageLimit,
		}
	}

	b.log.Info("Batch broadcast",
		"address", address,
		"operations", len(ops),
		"first_counter", first,
		"payloads", len(payloads),
		"hash", hashes[0],
	)
	return results, nil
}

// resolve simulates the batch when any limit depends on the network.
func (b *Batcher) resolve(ctx context.Context, address string, ops []*Operation) error {
	needed := false
	for _, op := range ops {
		if op.needsNetwork() {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	estimates, err := b.chain.Simulate(ctx, address, ops)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSimulation, err)
	}
	if len(estimates) != len(ops) {
		return fmt.Errorf("%w: got %d estimates for %d operations", ErrSimulation, len(estimates), len(ops))
	}

	for i, op := range ops {
		op.Fee = op.FeePolicy.Resolve(estimates[i].Fee)
		op.GasLimit = op.GasPolicy.Resolve(estimates[i].Gas)
		op.StorageLimit = op.StoragePolicy.Resolve(estimates[i].Storage)
	}
	return nil
}
