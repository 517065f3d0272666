package txbuilder

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/atomex-me/atomex.client.core-sub004/internal/coinselect"
)

// Signer produces DER signatures for keys held elsewhere.
type Signer interface {
	Sign(ctx context.Context, digest []byte, keyPath string) ([]byte, error)
	PublicKey(ctx context.Context, keyPath string) ([]byte, error)
}

// prevOutFetcher serves known spent outputs. Segwit v0 midstates do not
// read prevout values, so unknown outpoints get an empty output.
type prevOutFetcher map[wire.OutPoint]*wire.TxOut

func (f prevOutFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	if out, ok := f[op]; ok {
		return out
	}
	return &wire.TxOut{}
}

func newPrevOutFetcher(spent ...SpentOutput) prevOutFetcher {
	f := make(prevOutFetcher, len(spent))
	for _, s := range spent {
		f[s.OutPoint] = s.TxOut()
	}
	return f
}

// ComputeSignatureHash returns the digest to sign for the input of tx that
// spends spent.
//
// The hashing algorithm follows the spent output: BIP143 for P2WPKH, P2WSH
// and nested P2WPKH, legacy otherwise. redeemScript is the script behind a
// P2SH or P2WSH output and replaces the script code when set.
func ComputeSignatureHash(tx *wire.MsgTx, spent SpentOutput, redeemScript []byte, hashType txscript.SigHashType) ([]byte, error) {
	idx, err := FindInput(tx, spent.OutPoint)
	if err != nil {
		return nil, err
	}

	witnessHash := func(scriptCode []byte) ([]byte, error) {
		sigHashes := txscript.NewTxSigHashes(tx, newPrevOutFetcher(spent))
		return txscript.CalcWitnessSigHash(scriptCode, sigHashes, hashType, tx, idx, int64(spent.Value))
	}

	switch txscript.GetScriptClass(spent.PkScript) {
	case txscript.PubKeyHashTy:
		return txscript.CalcSignatureHash(spent.PkScript, hashType, tx, idx)

	case txscript.WitnessV0PubKeyHashTy:
		return witnessHash(spent.PkScript)

	case txscript.WitnessV0ScriptHashTy:
		if len(redeemScript) == 0 {
			return nil, fmt.Errorf("%w: P2WSH input %s needs its witness script", ErrInvalidArgument, spent.OutPoint)
		}
		return witnessHash(redeemScript)

	case txscript.ScriptHashTy:
		if len(redeemScript) == 0 {
			return nil, fmt.Errorf("%w: P2SH input %s needs its redeem script", ErrInvalidArgument, spent.OutPoint)
		}
		if txscript.IsPayToWitnessPubKeyHash(redeemScript) {
			return witnessHash(redeemScript)
		}
		return txscript.CalcSignatureHash(redeemScript, hashType, tx, idx)

	default:
		if len(redeemScript) > 0 {
			return txscript.CalcSignatureHash(redeemScript, hashType, tx, idx)
		}
		return nil, fmt.Errorf("%w: input %s", ErrUnsupportedOutput, spent.OutPoint)
	}
}

// SignatureWithHashType appends the sighash type byte to a DER signature.
func SignatureWithHashType(der []byte, hashType txscript.SigHashType) []byte {
	sig := make([]byte, 0, len(der)+1)
	sig = append(sig, der...)
	return append(sig, byte(hashType))
}

// SignInputs signs every key hash input of tx with SIGHASH_ALL through
// signer, using each input's KeyPath. Inputs with a Spender are skipped; the
// caller installs their scripts.
func SignInputs(ctx context.Context, tx *wire.MsgTx, inputs []coinselect.UtxoInput, signer Signer) error {
	for _, in := range inputs {
		if in.Spender != nil {
			continue
		}

		spent, err := SpentOutputOf(in)
		if err != nil {
			return err
		}

		pubKey, err := signer.PublicKey(ctx, in.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to get public key for %s: %w", in.KeyPath, err)
		}

		digest, err := ComputeSignatureHash(tx, spent, in.RedeemScript, txscript.SigHashAll)
		if err != nil {
			return err
		}
		der, err := signer.Sign(ctx, digest, in.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to sign input %s: %w", spent.OutPoint, err)
		}
		sig := SignatureWithHashType(der, txscript.SigHashAll)

		switch in.Type {
		case coinselect.OutputP2PKH:
			sigScript, err := txscript.NewScriptBuilder().AddData(sig).AddData(pubKey).Script()
			if err != nil {
				return err
			}
			if err := ApplySignatureScript(tx, spent.OutPoint, sigScript); err != nil {
				return err
			}

		case coinselect.OutputP2WPKH:
			if err := ApplyWitness(tx, spent.OutPoint, [][]byte{sig, pubKey}); err != nil {
				return err
			}

		case coinselect.OutputP2SH:
			if !txscript.IsPayToWitnessPubKeyHash(in.RedeemScript) {
				return fmt.Errorf("%w: P2SH input %s is not nested P2WPKH", ErrUnsupportedOutput, spent.OutPoint)
			}
			sigScript, err := txscript.NewScriptBuilder().AddData(in.RedeemScript).Script()
			if err != nil {
				return err
			}
			if err := ApplySignatureScript(tx, spent.OutPoint, sigScript); err != nil {
				return err
			}
			if err := ApplyWitness(tx, spent.OutPoint, [][]byte{sig, pubKey}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %s input %s", ErrUnsupportedOutput, in.Type, spent.OutPoint)
		}
	}
	return nil
}
