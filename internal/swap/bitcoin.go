package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/atomex-me/atomex.client.core-sub004/internal/backend"
	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/coinselect"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/script"
	"github.com/atomex-me/atomex.client.core-sub004/internal/txbuilder"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/logging"
)

// BitcoinConfig tunes a BitcoinStrategy.
type BitcoinConfig struct {
	// FeeRate in smallest units per vbyte is used when the backend has no
	// estimate.
	FeeRate float64
	// Confirmations needed before a transaction counts as confirmed.
	Confirmations int64
}

// BitcoinStrategy runs swaps on a Bitcoin-family chain with script HTLCs.
type BitcoinStrategy struct {
	params  *chain.Params
	backend backend.Backend
	signer  txbuilder.Signer
	cfg     BitcoinConfig
	log     *logging.Logger
}

var _ ChainStrategy = (*BitcoinStrategy)(nil)

// NewBitcoinStrategy creates the strategy for params' chain.
func NewBitcoinStrategy(params *chain.Params, b backend.Backend, signer txbuilder.Signer, cfg *BitcoinConfig) *BitcoinStrategy {
	c := BitcoinConfig{FeeRate: 1, Confirmations: 1}
	if cfg != nil {
		if cfg.FeeRate > 0 {
			c.FeeRate = cfg.FeeRate
		}
		if cfg.Confirmations > 0 {
			c.Confirmations = cfg.Confirmations
		}
	}
	return &BitcoinStrategy{
		params:  params,
		backend: b,
		signer:  signer,
		cfg:     c,
		log:     logging.GetDefault().Component("swap.utxo." + params.Symbol),
	}
}

// NewBitcoinCoordinator wires a BitcoinStrategy into a Driver.
func NewBitcoinCoordinator(params *chain.Params, b backend.Backend, signer txbuilder.Signer, repo Repository, cfg *BitcoinConfig, driverCfg *DriverConfig) *Driver {
	return NewDriver(NewBitcoinStrategy(params, b, signer, cfg), repo, driverCfg)
}

// Symbol returns the chain symbol.
func (b *BitcoinStrategy) Symbol() string {
	return b.params.Symbol
}

// htlcLock describes one HTLC of a swap on this chain.
type htlcLock struct {
	script []byte
	segwit bool
	// refundTime is the lock script's lock time.
	refundTime int64
}

// ownLock is the HTLC we fund: refunds go to RefundAddress and ToAddress
// redeems.
func (b *BitcoinStrategy) ownLock(s *Swap) (*htlcLock, error) {
	return b.buildLock(s.RefundAddress, s.ToAddress, s.RefundTime().Unix(), s.SecretHash)
}

// partyLock is the counterparty's HTLC we redeem to RedeemAddress.
func (b *BitcoinStrategy) partyLock(s *Swap) (*htlcLock, error) {
	return b.buildLock(s.PartyAddress, s.RedeemAddress, s.PartyRefundTime().Unix(), s.SecretHash)
}

func (b *BitcoinStrategy) buildLock(refundAddress, targetAddress string, refundTime int64, secretHash []byte) (*htlcLock, error) {
	lockScript, err := htlc.BuildLockScriptFromAddresses(refundAddress, targetAddress, refundTime, secretHash, htlc.SecretSize, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	segwit, err := chain.IsSegwitAddress(targetAddress, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &htlcLock{script: lockScript, segwit: segwit, refundTime: refundTime}, nil
}

// Sign builds and signs a payment, redeem or refund.
func (b *BitcoinStrategy) Sign(ctx context.Context, s *Swap, kind TxKind) (*Transaction, error) {
	var (
		tx  *wire.MsgTx
		err error
	)
	switch kind {
	case TxPayment:
		tx, err = b.signPayment(ctx, s)
	case TxRedeem:
		tx, err = b.signRedeem(ctx, s)
	case TxRefund:
		tx, err = b.signRefund(ctx, s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, kind)
	}
	if err != nil {
		return nil, err
	}

	raw, err := txbuilder.Serialize(tx)
	if err != nil {
		return nil, err
	}
	return &Transaction{ID: txbuilder.TxID(tx), Symbol: b.Symbol(), SwapID: s.ID, Kind: kind, Raw: raw}, nil
}

func (b *BitcoinStrategy) signPayment(ctx context.Context, s *Swap) (*wire.MsgTx, error) {
	own, err := b.ownLock(s)
	if err != nil {
		return nil, err
	}
	lockPkScript, err := htlc.LockPkScript(own.script, own.segwit)
	if err != nil {
		return nil, err
	}
	b.log.Debug("Lock script", "swap_id", s.ID, "segwit", own.segwit, "script", script.Disasm(own.script))
	changePkScript, err := chain.PayToAddrScript(s.RefundAddress, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: refund address: %v", ErrInvalidArgument, err)
	}
	target, err := chain.DecodeAddress(s.ToAddress, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	targetType, err := chain.AddressTypeOf(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	outputs, err := b.backend.GetOutputs(ctx, s.RefundAddress)
	if err != nil && !errors.Is(err, backend.ErrAddressNotFound) {
		return nil, fmt.Errorf("%w: outputs of %s: %v", ErrNetwork, s.RefundAddress, err)
	}
	unspent := backend.UnspentOutputs(outputs)
	inputs := make([]coinselect.UtxoInput, 0, len(unspent))
	for _, o := range unspent {
		pkScript := o.PkScript
		if len(pkScript) == 0 {
			pkScript = changePkScript
		}
		inputs = append(inputs, coinselect.UtxoInput{
			TxID:     o.TxID,
			Vout:     o.Vout,
			Value:    o.Value,
			Type:     coinselect.ClassifyOutput(pkScript),
			PkScript: pkScript,
			KeyPath:  s.KeyPath,
		})
	}

	sel, err := coinselect.SelectByFeeRate(inputs,
		[]coinselect.Output{{Value: s.Amount, PkScript: lockPkScript}},
		coinselect.ChangeOutput{Address: s.RefundAddress, PkScript: changePkScript},
		b.feeRate(ctx), b.params.DustThreshold)
	if errors.Is(err, coinselect.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	if err != nil {
		return nil, err
	}

	tx, err := txbuilder.BuildLockTransaction(sel, own.script, s.Amount, targetType)
	if err != nil {
		return nil, err
	}
	if err := txbuilder.SignInputs(ctx, tx, sel.Inputs, b.signer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	spent := make([]txbuilder.SpentOutput, 0, len(sel.Inputs))
	for _, in := range sel.Inputs {
		so, err := txbuilder.SpentOutputOf(in)
		if err != nil {
			return nil, err
		}
		spent = append(spent, so)
	}
	if err := b.verify(tx, spent); err != nil {
		return nil, err
	}

	b.log.Debug("Built payment", "swap_id", s.ID, "inputs", len(sel.Inputs), "fee", sel.Fee, "change", sel.Change)
	return tx, nil
}

func (b *BitcoinStrategy) signRedeem(ctx context.Context, s *Swap) (*wire.MsgTx, error) {
	if !htlc.VerifySecret(s.Secret, s.SecretHash) {
		return nil, fmt.Errorf("%w: secret does not match hash", ErrInvalidArgument)
	}
	party, err := b.partyLock(s)
	if err != nil {
		return nil, err
	}
	return b.signSpend(ctx, party, s.PartyAmount, s.RedeemAddress, s.Secret, s.RedeemKeyPath, 0)
}

func (b *BitcoinStrategy) signRefund(ctx context.Context, s *Swap) (*wire.MsgTx, error) {
	own, err := b.ownLock(s)
	if err != nil {
		return nil, err
	}
	return b.signSpend(ctx, own, s.Amount, s.RefundAddress, nil, s.KeyPath, uint32(own.refundTime))
}

// signSpend moves the lock output to destination. A nil secret refunds.
func (b *BitcoinStrategy) signSpend(ctx context.Context, l *htlcLock, minAmount uint64, destination string, secret []byte, keyPath string, lockTime uint32) (*wire.MsgTx, error) {
	out, err := b.findLockOutput(ctx, l, minAmount)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: no lock output for %d", ErrTxNotFound, minAmount)
	}
	if out.Spent {
		return nil, fmt.Errorf("%w: %s:%d by %s", ErrLockSpent, out.TxID, out.Vout, out.SpentTxID)
	}

	destPkScript, err := chain.PayToAddrScript(destination, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	lockPkScript, err := htlc.LockPkScript(l.script, l.segwit)
	if err != nil {
		return nil, err
	}

	size, err := coinselect.EstimateSize([]coinselect.UtxoInput{{
		TxID:     out.TxID,
		Vout:     out.Vout,
		Value:    out.Value,
		Type:     coinselect.ClassifyOutput(lockPkScript),
		PkScript: lockPkScript,
		Spender: coinselect.HtlcSpend{
			LockScript: l.script,
			SecretSize: htlc.SecretSize,
			Refund:     secret == nil,
			Segwit:     l.segwit,
		},
	}}, [][]byte{destPkScript})
	if err != nil {
		return nil, err
	}
	fee := coinselect.FeeForSize(size, b.feeRate(ctx))
	if coinselect.IsDust(out.Value-min(fee, out.Value), b.params.DustThreshold) {
		return nil, fmt.Errorf("%w: lock value %d does not cover fee %d", ErrInsufficientFunds, out.Value, fee)
	}

	op, err := txbuilder.NewOutPoint(out.TxID, out.Vout)
	if err != nil {
		return nil, err
	}
	spent := txbuilder.SpentOutput{OutPoint: op, Value: out.Value, PkScript: lockPkScript}
	tx, err := txbuilder.BuildSpendTransaction(spent, destPkScript, fee, lockTime)
	if err != nil {
		return nil, err
	}
	if err := txbuilder.SignHtlcSpend(ctx, tx, spent, l.script, secret, b.signer, keyPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if err := b.verify(tx, []txbuilder.SpentOutput{spent}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (b *BitcoinStrategy) verify(tx *wire.MsgTx, spent []txbuilder.SpentOutput) error {
	if ok, problems := txbuilder.Verify(tx, spent, b.params.DustThreshold); !ok {
		return fmt.Errorf("%w: %v", ErrSigning, errors.Join(policyErrors(problems)...))
	}
	return nil
}

func policyErrors(problems []txbuilder.PolicyError) []error {
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = p
	}
	return errs
}

// findLockOutput returns the largest output paying to the lock with at
// least minAmount, preferring unspent outputs. It returns nil when there is
// none.
func (b *BitcoinStrategy) findLockOutput(ctx context.Context, l *htlcLock, minAmount uint64) (*backend.Output, error) {
	address, err := htlc.LockAddress(l.script, b.params, l.segwit)
	if err != nil {
		return nil, err
	}
	outputs, err := b.backend.GetOutputs(ctx, address.EncodeAddress())
	if errors.Is(err, backend.ErrAddressNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: outputs of %s: %v", ErrNetwork, address.EncodeAddress(), err)
	}

	var best *backend.Output
	for i := range outputs {
		o := &outputs[i]
		if o.Value < minAmount {
			continue
		}
		switch {
		case best == nil:
			best = o
		case best.Spent && !o.Spent:
			best = o
		case best.Spent == o.Spent && o.Value > best.Value:
			best = o
		}
	}
	return best, nil
}

// Broadcast sends the signed payload. A payload the backend rejects but
// already knows counts as sent.
func (b *BitcoinStrategy) Broadcast(ctx context.Context, s *Swap, tx *Transaction) (string, error) {
	if tx.Raw == "" {
		if _, err := b.backend.GetTransaction(ctx, tx.ID); err == nil {
			return tx.ID, nil
		}
		return "", fmt.Errorf("%w: no signed payload for %s", ErrTxNotFound, tx.ID)
	}

	id, err := b.backend.Broadcast(ctx, tx.Raw)
	if err == nil {
		if id != tx.ID {
			b.log.Warn("Backend returned unexpected txid", "want", tx.ID, "got", id)
		}
		return tx.ID, nil
	}
	if _, getErr := b.backend.GetTransaction(ctx, tx.ID); getErr == nil {
		b.log.Debug("Transaction already known", "txid", tx.ID, "error", err)
		return tx.ID, nil
	}
	if errors.Is(err, backend.ErrRateLimited) || errors.Is(err, backend.ErrNotConnected) {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
}

// IsConfirmed reports whether tx has the configured confirmations.
func (b *BitcoinStrategy) IsConfirmed(ctx context.Context, tx *Transaction) (bool, error) {
	t, err := b.backend.GetTransaction(ctx, tx.ID)
	if errors.Is(err, backend.ErrTxNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if !t.Confirmed {
		return false, nil
	}
	return t.Confirmations == 0 || t.Confirmations >= b.cfg.Confirmations, nil
}

// FindLock looks for an output paying to the lock script of s.
func (b *BitcoinStrategy) FindLock(ctx context.Context, s *Swap, party bool) (*LockInfo, error) {
	var (
		l   *htlcLock
		err error
	)
	if party {
		l, err = b.partyLock(s)
	} else {
		l, err = b.ownLock(s)
	}
	if err != nil {
		return nil, err
	}
	out, err := b.findLockOutput(ctx, l, 0)
	if err != nil || out == nil {
		return nil, err
	}
	return &LockInfo{
		TxID:       out.TxID,
		Vout:       out.Vout,
		Amount:     out.Value,
		RefundTime: l.refundTime,
		Confirmed:  out.IsConfirmed() && out.Confirmations >= b.cfg.Confirmations,
		Spent:      out.Spent,
	}, nil
}

// FindSecret reads the secret from the input that spent our lock. Refund
// spends reveal nothing.
func (b *BitcoinStrategy) FindSecret(ctx context.Context, s *Swap) ([]byte, string, error) {
	own, err := b.ownLock(s)
	if err != nil {
		return nil, "", err
	}
	address, err := htlc.LockAddress(own.script, b.params, own.segwit)
	if err != nil {
		return nil, "", err
	}
	outputs, err := b.backend.GetOutputs(ctx, address.EncodeAddress())
	if errors.Is(err, backend.ErrAddressNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	for _, o := range outputs {
		if !o.Spent || o.SpentTxID == "" {
			continue
		}
		spend, err := b.backend.GetTransaction(ctx, o.SpentTxID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: spend %s: %v", ErrNetwork, o.SpentTxID, err)
		}
		secret, err := secretFromSpend(spend, o.TxID, o.Vout)
		if err != nil {
			b.log.Debug("Spend reveals no secret", "txid", o.SpentTxID, "error", err)
			continue
		}
		if htlc.VerifySecret(secret, s.SecretHash) {
			return secret, o.SpentTxID, nil
		}
	}
	return nil, "", nil
}

// secretFromSpend rebuilds the spending input of an API transaction and
// extracts the secret from it.
func secretFromSpend(spend *backend.Transaction, txID string, vout uint32) ([]byte, error) {
	op, err := txbuilder.NewOutPoint(txID, vout)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range spend.Inputs {
		if in.TxID != txID || in.Vout != vout {
			continue
		}
		sigScript, err := hex.DecodeString(in.ScriptSig)
		if err != nil {
			return nil, fmt.Errorf("bad scriptsig: %w", err)
		}
		witness := make(wire.TxWitness, len(in.Witness))
		for i, item := range in.Witness {
			if witness[i], err = hex.DecodeString(item); err != nil {
				return nil, fmt.Errorf("bad witness: %w", err)
			}
		}
		txIn := wire.NewTxIn(&op, sigScript, witness)
		tx.AddTxIn(txIn)
		return txbuilder.ExtractSecret(tx, op)
	}
	return nil, fmt.Errorf("%w: %s:%d", txbuilder.ErrInputNotFound, txID, vout)
}

// feeRate asks the backend and falls back to the configured rate.
func (b *BitcoinStrategy) feeRate(ctx context.Context) float64 {
	rate, err := b.backend.GetFeeRate(ctx)
	if err != nil || rate <= 0 {
		if err != nil {
			b.log.Debug("Fee rate unavailable, using default", "rate", b.cfg.FeeRate, "error", err)
		}
		return b.cfg.FeeRate
	}
	return rate
}
