package coinselect

import (
	"fmt"
	"math"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// TxOverhead is 4 bytes version + 4 bytes lock time. Input and output
	// count varints are added separately.
	TxOverhead = 4 + 4

	// TxInOverhead is hash 32 bytes + index 4 bytes + sequence 4 bytes.
	TxInOverhead = 32 + 4 + 4

	// TxOutOverhead is the 8 byte value; the script length varint is added
	// separately.
	TxOutOverhead = 8

	// DERSigLength is the maximum length of a DER encoded signature with a
	// sighash type byte.
	DERSigLength = 73

	// PubKeyLength is the length of a serialized compressed public key.
	PubKeyLength = 33

	// RedeemP2PKHSigScriptSize is the worst case signature script redeeming a
	// compressed P2PKH output:
	//
	//   - OP_DATA_73
	//   - 72 bytes DER signature + 1 byte sighash
	//   - OP_DATA_33
	//   - 33 bytes serialized compressed pubkey
	RedeemP2PKHSigScriptSize = 1 + DERSigLength + 1 + PubKeyLength // 108

	// RedeemP2WPKHWitnessSize is the worst case witness spending a P2WPKH or
	// nested P2WPKH output:
	//
	//   - 1 byte item count
	//   - 1 byte + 73 bytes signature
	//   - 1 byte + 33 bytes pubkey
	RedeemP2WPKHWitnessSize = 1 + 1 + DERSigLength + 1 + PubKeyLength // 109

	// NestedP2WPKHSigScriptSize pushes the 22 byte witness program.
	NestedP2WPKHSigScriptSize = 1 + 22

	// SegwitMarkerAndFlagWeight is the 2 weight units of marker and flag
	// added to every segwit transaction.
	SegwitMarkerAndFlagWeight = 2

	// WitnessScaleFactor is the discount applied to witness data.
	WitnessScaleFactor = 4
)

// Spender sizes the unlocking data of a non-standard output. Standard key
// hash outputs are sized without one.
type Spender interface {
	SigScriptSize() int
	WitnessSize() int
}

// HtlcSpend sizes the redeem or refund of an HTLC lock output.
type HtlcSpend struct {
	LockScript []byte
	SecretSize int
	Refund     bool
	Segwit     bool
}

// SigScriptSize returns the P2SH signature script size, or 0 for segwit.
func (h HtlcSpend) SigScriptSize() int {
	if h.Segwit {
		return 0
	}
	size := 1 + DERSigLength + 1 + PubKeyLength
	if h.Refund {
		size += 1 // OP_TRUE
	} else {
		size += pushSize(h.SecretSize) + 1 // secret + OP_FALSE
	}
	return size + pushSize(len(h.LockScript))
}

// WitnessSize returns the witness size, or 0 for P2SH.
func (h HtlcSpend) WitnessSize() int {
	if !h.Segwit {
		return 0
	}
	items := 4
	size := 1 + DERSigLength + 1 + PubKeyLength
	if h.Refund {
		size += 2 // <0x01>
	} else {
		items = 5
		size += 1 + h.SecretSize + 1 // secret + <>
	}
	size += wire.VarIntSerializeSize(uint64(len(h.LockScript))) + len(h.LockScript)
	return wire.VarIntSerializeSize(uint64(items)) + size
}

// pushSize is the size of a minimal data push of n bytes.
func pushSize(n int) int {
	switch {
	case n < txscript.OP_PUSHDATA1:
		return 1 + n
	case n <= 0xff:
		return 2 + n
	case n <= 0xffff:
		return 3 + n
	default:
		return 5 + n
	}
}

// inputSize returns the non-witness and witness byte sizes of spending in.
func inputSize(in *UtxoInput) (base, witness int, err error) {
	sigScript := 0
	switch {
	case in.Spender != nil:
		sigScript = in.Spender.SigScriptSize()
		witness = in.Spender.WitnessSize()
	case in.Type == OutputP2PKH:
		sigScript = RedeemP2PKHSigScriptSize
	case in.Type == OutputP2WPKH:
		witness = RedeemP2WPKHWitnessSize
	case in.Type == OutputP2SH && isNestedP2WPKH(in.RedeemScript):
		sigScript = NestedP2WPKHSigScriptSize
		witness = RedeemP2WPKHWitnessSize
	default:
		return 0, 0, fmt.Errorf("%w: no spender for %s input %s:%d", ErrInvalidArgument, in.Type, in.TxID, in.Vout)
	}

	base = TxInOverhead + wire.VarIntSerializeSize(uint64(sigScript)) + sigScript
	return base, witness, nil
}

func isNestedP2WPKH(redeemScript []byte) bool {
	return len(redeemScript) == 22 &&
		redeemScript[0] == txscript.OP_0 &&
		redeemScript[1] == txscript.OP_DATA_20
}

// OutputSize is the serialized size of an output with pkScript.
func OutputSize(pkScript []byte) int {
	return TxOutOverhead + wire.VarIntSerializeSize(uint64(len(pkScript))) + len(pkScript)
}

// InputVirtualSize returns the virtual size one input adds to a transaction.
func InputVirtualSize(in *UtxoInput) (int, error) {
	base, witness, err := inputSize(in)
	if err != nil {
		return 0, err
	}
	return base + (witness+WitnessScaleFactor-1)/WitnessScaleFactor, nil
}

// EstimateSize returns the virtual size of a transaction spending inputs to
// outputs. Witness bytes count a quarter, and a segwit transaction pays
// 0.5 + ceil(varint(witnessCount)/4) bytes on top. Rounding happens once,
// at the end.
func EstimateSize(inputs []UtxoInput, outputs [][]byte) (int, error) {
	base := TxOverhead +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(len(outputs)))

	witnessBytes := 0
	witnessCount := 0
	for i := range inputs {
		inBase, inWitness, err := inputSize(&inputs[i])
		if err != nil {
			return 0, err
		}
		base += inBase
		if inWitness > 0 {
			witnessBytes += inWitness
			witnessCount++
		}
	}

	for _, pkScript := range outputs {
		base += OutputSize(pkScript)
	}

	// Work in weight units so the only rounding is the final one.
	weight := base * WitnessScaleFactor
	if witnessCount > 0 {
		countBytes := wire.VarIntSerializeSize(uint64(witnessCount))
		weight += witnessBytes + SegwitMarkerAndFlagWeight +
			WitnessScaleFactor*((countBytes+WitnessScaleFactor-1)/WitnessScaleFactor)
	}

	return (weight + WitnessScaleFactor - 1) / WitnessScaleFactor, nil
}

// FeeForSize returns ceil(size * feeRate).
func FeeForSize(size int, feeRate float64) uint64 {
	return uint64(math.Ceil(float64(size) * feeRate))
}

// IsDust reports whether value is below the dust threshold.
func IsDust(value, dustThreshold uint64) bool {
	return value < dustThreshold
}
