package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"

	"github.com/atomex-me/atomex.client.core-sub004/internal/backend"
	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/signer"
	"github.com/atomex-me/atomex.client.core-sub004/internal/txbuilder"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	alicePath    = "m/84'/1'/0'/0/0"
	bobPath      = "m/84'/1'/0'/0/1"
)

// fakeChain is a Backend that applies broadcast transactions to an
// in-memory output set and confirms them at once.
type fakeChain struct {
	mu      sync.Mutex
	params  *chain.Params
	outputs map[string][]backend.Output
	txs     map[string]*backend.Transaction
	feeRate float64
}

var _ backend.Backend = (*fakeChain)(nil)

func newFakeChain(params *chain.Params) *fakeChain {
	return &fakeChain{
		params:  params,
		outputs: make(map[string][]backend.Output),
		txs:     make(map[string]*backend.Transaction),
		feeRate: 2,
	}
}

func (c *fakeChain) fund(t *testing.T, address string, value uint64) {
	t.Helper()
	pkScript, err := chain.PayToAddrScript(address, c.params)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[address] = append(c.outputs[address], backend.Output{
		TxID:          fmt.Sprintf("%064x", len(c.outputs)+1),
		Value:         value,
		PkScript:      pkScript,
		Address:       address,
		Confirmations: 6,
	})
}

func (c *fakeChain) Type() backend.Type { return backend.TypeEsplora }

func (c *fakeChain) Connect(ctx context.Context) error { return nil }

func (c *fakeChain) GetOutputs(ctx context.Context, address string) ([]backend.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Output(nil), c.outputs[address]...), nil
}

func (c *fakeChain) GetBalance(ctx context.Context, address string) (uint64, error) {
	outputs, _ := c.GetOutputs(ctx, address)
	var total uint64
	for _, o := range backend.UnspentOutputs(outputs) {
		total += o.Value
	}
	return total, nil
}

func (c *fakeChain) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx, nil
}

func (c *fakeChain) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	tx, err := txbuilder.Deserialize(rawTxHex)
	if err != nil {
		return "", err
	}
	id := txbuilder.TxID(tx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[id]; ok {
		return "", fmt.Errorf("%w: txn-already-known", backend.ErrBroadcastFailed)
	}

	apiTx := &backend.Transaction{TxID: id, LockTime: tx.LockTime, Confirmed: true, Confirmations: 1}
	for vin, in := range tx.TxIn {
		witness := make([]string, len(in.Witness))
		for i, item := range in.Witness {
			witness[i] = hex.EncodeToString(item)
		}
		apiTx.Inputs = append(apiTx.Inputs, backend.TxInput{
			TxID:      in.PreviousOutPoint.Hash.String(),
			Vout:      in.PreviousOutPoint.Index,
			ScriptSig: hex.EncodeToString(in.SignatureScript),
			Witness:   witness,
		})
		c.markSpent(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index, id, uint32(vin))
	}
	for vout, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, c.params.NetParams())
		if err != nil || len(addrs) != 1 {
			continue
		}
		address := addrs[0].EncodeAddress()
		c.outputs[address] = append(c.outputs[address], backend.Output{
			TxID:          id,
			Vout:          uint32(vout),
			Value:         uint64(out.Value),
			PkScript:      out.PkScript,
			Address:       address,
			Confirmations: 1,
		})
	}
	c.txs[id] = apiTx
	return id, nil
}

func (c *fakeChain) markSpent(txID string, vout uint32, spender string, vin uint32) {
	for address, outputs := range c.outputs {
		for i := range outputs {
			if outputs[i].TxID == txID && outputs[i].Vout == vout {
				outputs[i].Spent = true
				outputs[i].SpentTxID = spender
				outputs[i].SpentVin = vin
				c.outputs[address] = outputs
				return
			}
		}
	}
}

func (c *fakeChain) GetBlockHeight(ctx context.Context) (int64, error) { return 100, nil }

func (c *fakeChain) GetFeeRate(ctx context.Context) (float64, error) { return c.feeRate, nil }

type bitcoinFixture struct {
	params   *chain.Params
	chain    *fakeChain
	keys     *signer.Keyring
	strategy *BitcoinStrategy
	alice    string
	bob      string
}

func newBitcoinFixture(t *testing.T) *bitcoinFixture {
	t.Helper()
	params := chain.MustGet("BTC", chain.Testnet)
	keys, err := signer.NewKeyringFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}
	address := func(path string) string {
		pub, err := keys.PublicKey(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		addr, err := chain.AddressFromPubKey(pub, params, chain.AddressP2WPKH)
		if err != nil {
			t.Fatal(err)
		}
		return addr
	}
	fc := newFakeChain(params)
	return &bitcoinFixture{
		params:   params,
		chain:    fc,
		keys:     keys,
		strategy: NewBitcoinStrategy(params, fc, keys, &BitcoinConfig{Confirmations: 1}),
		alice:    address(alicePath),
		bob:      address(bobPath),
	}
}

// aliceSwap pays from Alice to Bob on BTC.
func (f *bitcoinFixture) aliceSwap(timeStamp time.Time) *Swap {
	return &Swap{
		ID:            NewSwapID(),
		Symbol:        "BTC",
		PartySymbol:   "XTZ",
		Role:          RoleInitiator,
		Amount:        100000,
		PartyAmount:   5000000,
		Secret:        append([]byte(nil), testSecret...),
		SecretHash:    htlc.HashSecret(testSecret),
		ToAddress:     f.bob,
		RefundAddress: f.alice,
		KeyPath:       alicePath,
		RedeemAddress: "tz2-alice",
		PartyAddress:  "tz2-bob",
		TimeStamp:     timeStamp,
		LockTime:      4 * 3600,
		PartyLockTime: 2 * 3600,
		StateFlags:    HasSecret | HasSecretHash,
	}
}

// bobSwap is the same swap seen from Bob, who redeems on BTC.
func (f *bitcoinFixture) bobSwap(alice *Swap) *Swap {
	return &Swap{
		ID:            NewSwapID(),
		Symbol:        "XTZ",
		PartySymbol:   "BTC",
		Role:          RoleAcceptor,
		Amount:        alice.PartyAmount,
		PartyAmount:   alice.Amount,
		Secret:        append([]byte(nil), alice.Secret...),
		SecretHash:    alice.SecretHash,
		ToAddress:     "tz2-alice",
		RefundAddress: "tz2-bob",
		RedeemAddress: f.bob,
		RedeemKeyPath: bobPath,
		PartyAddress:  f.alice,
		TimeStamp:     alice.TimeStamp,
		LockTime:      alice.PartyLockTime,
		PartyLockTime: alice.LockTime,
		StateFlags:    HasSecret | HasSecretHash,
	}
}

func (f *bitcoinFixture) send(t *testing.T, s *Swap, kind TxKind) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.strategy.Sign(ctx, s, kind)
	if err != nil {
		t.Fatalf("Sign(%s) error = %v", kind, err)
	}
	id, err := f.strategy.Broadcast(ctx, s, tx)
	if err != nil {
		t.Fatalf("Broadcast(%s) error = %v", kind, err)
	}
	if id != tx.ID {
		t.Fatalf("Broadcast(%s) id = %s, want %s", kind, id, tx.ID)
	}
	return tx
}

func TestBitcoinPayRedeemAndFindSecret(t *testing.T) {
	f := newBitcoinFixture(t)
	ctx := context.Background()
	f.chain.fund(t, f.alice, 250000)

	alice := f.aliceSwap(time.Now().UTC().Truncate(time.Second))
	payment := f.send(t, alice, TxPayment)

	lock, err := f.strategy.FindLock(ctx, alice, false)
	if err != nil || lock == nil {
		t.Fatalf("FindLock() = %+v, %v", lock, err)
	}
	if lock.TxID != payment.ID || lock.Vout != 0 || lock.Amount != alice.Amount || !lock.Confirmed || lock.Spent {
		t.Errorf("lock = %+v", lock)
	}
	if lock.RefundTime != alice.RefundTime().Unix() {
		t.Errorf("RefundTime = %d, want %d", lock.RefundTime, alice.RefundTime().Unix())
	}
	if ok, err := f.strategy.IsConfirmed(ctx, payment); !ok || err != nil {
		t.Errorf("IsConfirmed() = %v, %v", ok, err)
	}

	// Change returns to Alice.
	outputs, _ := f.chain.GetOutputs(ctx, f.alice)
	unspent := backend.UnspentOutputs(outputs)
	if len(unspent) != 1 || unspent[0].TxID != payment.ID || unspent[0].Value >= 150000 {
		t.Errorf("alice unspent = %+v", unspent)
	}

	// Bob sees the same lock as the counterparty's.
	bob := f.bobSwap(alice)
	partyLock, err := f.strategy.FindLock(ctx, bob, true)
	if err != nil || partyLock == nil || partyLock.TxID != payment.ID {
		t.Fatalf("party FindLock() = %+v, %v", partyLock, err)
	}

	if secret, _, err := f.strategy.FindSecret(ctx, alice); secret != nil || err != nil {
		t.Errorf("FindSecret() before redeem = %x, %v", secret, err)
	}

	redeem := f.send(t, bob, TxRedeem)

	secret, txID, err := f.strategy.FindSecret(ctx, alice)
	if err != nil {
		t.Fatalf("FindSecret() error = %v", err)
	}
	if !bytes.Equal(secret, testSecret) || txID != redeem.ID {
		t.Errorf("FindSecret() = %x %s, want %x %s", secret, txID, testSecret, redeem.ID)
	}

	bobOutputs, _ := f.chain.GetOutputs(ctx, f.bob)
	if len(bobOutputs) != 1 || bobOutputs[0].Value >= alice.Amount || bobOutputs[0].Value < alice.Amount-2000 {
		t.Errorf("bob outputs = %+v", bobOutputs)
	}

	if _, err := f.strategy.Sign(ctx, bob, TxRedeem); !errors.Is(err, ErrLockSpent) {
		t.Errorf("second redeem: err = %v, want ErrLockSpent", err)
	}
}

func TestBitcoinRefund(t *testing.T) {
	f := newBitcoinFixture(t)
	ctx := context.Background()
	f.chain.fund(t, f.alice, 250000)

	alice := f.aliceSwap(time.Now().Add(-5 * time.Hour).UTC().Truncate(time.Second))
	f.send(t, alice, TxPayment)
	refund := f.send(t, alice, TxRefund)

	tx, err := txbuilder.Deserialize(refund.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if int64(tx.LockTime) != alice.RefundTime().Unix() {
		t.Errorf("LockTime = %d, want %d", tx.LockTime, alice.RefundTime().Unix())
	}
	if tx.TxIn[0].Sequence != txbuilder.LockSequence {
		t.Errorf("Sequence = %x", tx.TxIn[0].Sequence)
	}

	// A refund reveals no secret.
	if secret, _, err := f.strategy.FindSecret(ctx, alice); secret != nil || err != nil {
		t.Errorf("FindSecret() after refund = %x, %v", secret, err)
	}
	lock, err := f.strategy.FindLock(ctx, alice, false)
	if err != nil || lock == nil || !lock.Spent {
		t.Errorf("lock after refund = %+v, %v", lock, err)
	}
}

func TestBitcoinBroadcastIsIdempotent(t *testing.T) {
	f := newBitcoinFixture(t)
	f.chain.fund(t, f.alice, 250000)
	alice := f.aliceSwap(time.Now().UTC().Truncate(time.Second))

	payment := f.send(t, alice, TxPayment)
	id, err := f.strategy.Broadcast(context.Background(), alice, payment)
	if err != nil || id != payment.ID {
		t.Errorf("repeated Broadcast() = %s, %v", id, err)
	}
}

func TestBitcoinSignErrors(t *testing.T) {
	f := newBitcoinFixture(t)
	ctx := context.Background()
	alice := f.aliceSwap(time.Now().UTC().Truncate(time.Second))

	f.chain.fund(t, f.alice, 50000)
	if _, err := f.strategy.Sign(ctx, alice, TxPayment); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("underfunded: err = %v, want ErrInsufficientFunds", err)
	}
	if _, err := f.strategy.Sign(ctx, alice, TxRedeemForParty); !errors.Is(err, ErrNotSupported) {
		t.Errorf("redeem for party: err = %v, want ErrNotSupported", err)
	}
	if _, err := f.strategy.Sign(ctx, alice, TxRefund); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("refund without lock: err = %v, want ErrTxNotFound", err)
	}

	bad := f.aliceSwap(alice.TimeStamp)
	bad.ToAddress = "not-an-address"
	if _, err := f.strategy.Sign(ctx, bad, TxPayment); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad address: err = %v, want ErrInvalidArgument", err)
	}

	bob := f.bobSwap(alice)
	bob.Secret = bytes.Repeat([]byte{1}, htlc.SecretSize)
	if _, err := f.strategy.Sign(ctx, bob, TxRedeem); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("wrong secret: err = %v, want ErrInvalidArgument", err)
	}
}

func TestBitcoinCoordinatorEndToEnd(t *testing.T) {
	f := newBitcoinFixture(t)
	f.chain.fund(t, f.alice, 250000)
	repo := newMemRepo()
	d := NewBitcoinCoordinator(f.params, f.chain, f.keys, repo, &BitcoinConfig{Confirmations: 1}, testDriverConfig())

	alice := f.aliceSwap(time.Now().UTC().Truncate(time.Second))
	if err := d.Pay(context.Background(), alice); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	stored, err := repo.GetTransactionByID(context.Background(), "BTC", alice.PaymentTxID)
	if err != nil || stored.Raw == "" || !stored.Confirmed {
		t.Errorf("stored payment = %+v, %v", stored, err)
	}

	bob := f.bobSwap(alice)
	if err := d.Redeem(context.Background(), bob); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}

	watcher := f.aliceSwap(alice.TimeStamp)
	watcher.Secret = nil
	watcher.StateFlags = HasSecretHash
	if err := d.WatchForRedeem(context.Background(), watcher); err != nil {
		t.Fatalf("WatchForRedeem() error = %v", err)
	}
	if !bytes.Equal(watcher.Secret, testSecret) || watcher.PartyRedeemTxID != bob.RedeemTxID {
		t.Errorf("secret %x from %s, want %s", watcher.Secret, watcher.PartyRedeemTxID, bob.RedeemTxID)
	}
}
