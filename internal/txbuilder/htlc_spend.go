package txbuilder

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
)

// SignHtlcSpend signs the input of tx spending lock and installs the redeem
// data when secret is set, or the refund data otherwise. P2WSH locks get a
// witness, P2SH locks a signature script.
func SignHtlcSpend(ctx context.Context, tx *wire.MsgTx, lock SpentOutput, lockScript, secret []byte, signer Signer, keyPath string) error {
	if !htlc.MatchesLockOutput(lock.PkScript, lockScript) {
		return fmt.Errorf("%w: output %s does not pay to the lock script", ErrInvalidArgument, lock.OutPoint)
	}

	digest, err := ComputeSignatureHash(tx, lock, lockScript, txscript.SigHashAll)
	if err != nil {
		return err
	}
	der, err := signer.Sign(ctx, digest, keyPath)
	if err != nil {
		return fmt.Errorf("failed to sign lock spend: %w", err)
	}
	sig := SignatureWithHashType(der, txscript.SigHashAll)

	pubKey, err := signer.PublicKey(ctx, keyPath)
	if err != nil {
		return fmt.Errorf("failed to get public key for %s: %w", keyPath, err)
	}

	if txscript.IsPayToWitnessScriptHash(lock.PkScript) {
		var witness [][]byte
		if secret != nil {
			witness = htlc.BuildRedeemWitness(sig, pubKey, secret, lockScript)
		} else {
			witness = htlc.BuildRefundWitness(sig, pubKey, lockScript)
		}
		return ApplyWitness(tx, lock.OutPoint, witness)
	}

	var sigScript []byte
	if secret != nil {
		sigScript, err = htlc.BuildRedeemSigScript(sig, pubKey, secret, lockScript)
	} else {
		sigScript, err = htlc.BuildRefundSigScript(sig, pubKey, lockScript)
	}
	if err != nil {
		return fmt.Errorf("failed to build signature script: %w", err)
	}
	return ApplySignatureScript(tx, lock.OutPoint, sigScript)
}

// ExtractSecret returns the secret revealed by the input of tx spending
// outpoint, if that input redeems an HTLC.
func ExtractSecret(tx *wire.MsgTx, outpoint wire.OutPoint) ([]byte, error) {
	idx, err := FindInput(tx, outpoint)
	if err != nil {
		return nil, err
	}
	txIn := tx.TxIn[idx]
	if len(txIn.Witness) > 0 {
		return htlc.ExtractSecretFromWitness(txIn.Witness)
	}
	return htlc.ExtractSecretFromSigScript(txIn.SignatureScript)
}
