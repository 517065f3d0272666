// Package txbuilder assembles the lock, redeem and refund transactions of a
// Bitcoin-family swap and computes their signature hashes.
//
// Inputs are always located by outpoint, never by position, so a transaction
// may be reordered between building and signing.
package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/coinselect"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
)

// Errors
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInputNotFound     = errors.New("input not found")
	ErrUnsupportedOutput = errors.New("unsupported output type")
)

// LockSequence signals replaceability and keeps lock time checks enabled.
const LockSequence = wire.MaxTxInSequenceNum - 2

// SpentOutput is an output being spent, identified by outpoint.
type SpentOutput struct {
	OutPoint wire.OutPoint
	Value    uint64
	PkScript []byte
}

// TxOut returns the wire form of the spent output.
func (s SpentOutput) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(s.Value), s.PkScript)
}

// NewOutPoint parses a transaction id and output index.
func NewOutPoint(txID string, vout uint32) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("%w: bad txid %q: %v", ErrInvalidArgument, txID, err)
	}
	return *wire.NewOutPoint(hash, vout), nil
}

// SpentOutputOf converts a selected input into the output it spends.
func SpentOutputOf(in coinselect.UtxoInput) (SpentOutput, error) {
	op, err := NewOutPoint(in.TxID, in.Vout)
	if err != nil {
		return SpentOutput{}, err
	}
	return SpentOutput{OutPoint: op, Value: in.Value, PkScript: in.PkScript}, nil
}

// BuildLockTransaction creates the unsigned transaction paying lockAmount to
// the hash of lockScript. The output is P2WSH when the destination party's
// address is segwit and P2SH otherwise. A change output follows when the
// selection asked for one. The lock output is always at index 0.
func BuildLockTransaction(sel *coinselect.Result, lockScript []byte, lockAmount uint64, destination chain.AddressType) (*wire.MsgTx, error) {
	if sel == nil || len(sel.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs selected", ErrInvalidArgument)
	}
	if lockAmount == 0 {
		return nil, fmt.Errorf("%w: zero lock amount", ErrInvalidArgument)
	}
	if !htlc.IsLockScript(lockScript) {
		return nil, fmt.Errorf("%w: not a lock script", ErrInvalidArgument)
	}

	spent := lockAmount + sel.Fee
	if sel.UseChangeAddress {
		spent += sel.Change
	}
	if spent != sel.InputsTotal {
		return nil, fmt.Errorf("%w: inputs %d do not balance lock %d + fee %d + change %d",
			ErrInvalidArgument, sel.InputsTotal, lockAmount, sel.Fee, sel.Change)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range sel.Inputs {
		op, err := NewOutPoint(in.TxID, in.Vout)
		if err != nil {
			return nil, err
		}
		txIn := wire.NewTxIn(&op, nil, nil)
		txIn.Sequence = LockSequence
		tx.AddTxIn(txIn)
	}

	lockPkScript, err := htlc.LockPkScript(lockScript, destination.IsSegwit())
	if err != nil {
		return nil, fmt.Errorf("failed to build lock output: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(lockAmount), lockPkScript))

	if sel.UseChangeAddress {
		if len(sel.ChangePkScript) == 0 {
			return nil, fmt.Errorf("%w: change requested without change script", ErrInvalidArgument)
		}
		tx.AddTxOut(wire.NewTxOut(int64(sel.Change), sel.ChangePkScript))
	}

	return tx, nil
}

// BuildSpendTransaction creates the unsigned transaction moving a lock output
// to destPkScript. A redeem uses lockTime 0; a refund passes the lock
// script's lock time so OP_CHECKLOCKTIMEVERIFY is satisfied.
func BuildSpendTransaction(lock SpentOutput, destPkScript []byte, fee uint64, lockTime uint32) (*wire.MsgTx, error) {
	if len(destPkScript) == 0 {
		return nil, fmt.Errorf("%w: empty destination script", ErrInvalidArgument)
	}
	if fee >= lock.Value {
		return nil, fmt.Errorf("%w: fee %d consumes lock value %d", ErrInvalidArgument, fee, lock.Value)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(&lock.OutPoint, nil, nil)
	txIn.Sequence = LockSequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(lock.Value-fee), destPkScript))
	tx.LockTime = lockTime

	return tx, nil
}

// FindInput returns the index of the input spending outpoint.
func FindInput(tx *wire.MsgTx, outpoint wire.OutPoint) (int, error) {
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == outpoint {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrInputNotFound, outpoint)
}

// ApplyWitness installs witness on the input spending outpoint.
func ApplyWitness(tx *wire.MsgTx, outpoint wire.OutPoint, witness [][]byte) error {
	idx, err := FindInput(tx, outpoint)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = wire.TxWitness(witness)
	return nil
}

// ApplySignatureScript installs sigScript on the input spending outpoint.
func ApplySignatureScript(tx *wire.MsgTx, outpoint wire.OutPoint, sigScript []byte) error {
	idx, err := FindInput(tx, outpoint)
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// Serialize returns the hex encoding of tx, witness included.
func Serialize(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// Deserialize parses a hex encoded transaction.
func Deserialize(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex: %v", ErrInvalidArgument, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return tx, nil
}

// TxID returns the transaction id in display byte order.
func TxID(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}
