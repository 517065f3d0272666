// Package coinselect chooses which unspent outputs fund a payment and decides
// the fee and whether a change output is worth creating.
//
// Selection is pure: it never touches the network and never signs.
package coinselect

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
)

// Errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// OutputType is the script type of a spendable output.
type OutputType int

const (
	OutputNonStandard OutputType = iota
	OutputP2PKH
	OutputP2WPKH
	OutputP2SH
	OutputP2WSH
)

func (t OutputType) String() string {
	switch t {
	case OutputP2PKH:
		return "p2pkh"
	case OutputP2WPKH:
		return "p2wpkh"
	case OutputP2SH:
		return "p2sh"
	case OutputP2WSH:
		return "p2wsh"
	default:
		return "nonstandard"
	}
}

// IsWitness reports whether spending this type places data in the witness.
func (t OutputType) IsWitness() bool {
	return t == OutputP2WPKH || t == OutputP2WSH
}

// ClassifyOutput returns the output type of pkScript.
func ClassifyOutput(pkScript []byte) OutputType {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return OutputP2PKH
	case txscript.WitnessV0PubKeyHashTy:
		return OutputP2WPKH
	case txscript.ScriptHashTy:
		return OutputP2SH
	case txscript.WitnessV0ScriptHashTy:
		return OutputP2WSH
	default:
		return OutputNonStandard
	}
}

// UtxoInput is an unspent output together with what is needed to size and
// sign its spend.
type UtxoInput struct {
	TxID     string
	Vout     uint32
	Value    uint64
	Type     OutputType
	PkScript []byte

	// RedeemScript is the script behind a P2SH or P2WSH output.
	RedeemScript []byte

	// Spender sizes non-standard spends such as HTLC redeems and refunds.
	Spender Spender

	// KeyPath is the signer path of the key controlling this output.
	KeyPath string
}

// Output is a payment destination.
type Output struct {
	Value    uint64
	PkScript []byte
}

// ChangeOutput is where leftover funds return.
type ChangeOutput struct {
	Address  string
	PkScript []byte
}

// Result is the outcome of one coin selection. It is not modified after
// being returned.
type Result struct {
	Inputs         []UtxoInput
	Size           int // virtual size without a change output
	SizeWithChange int
	Fee            uint64
	FeeRate        float64
	InputsTotal    uint64
	Required       uint64

	ChangeAddress    string
	ChangePkScript   []byte
	Change           uint64
	UseChangeAddress bool
}

// SelectedSize returns the size of the transaction the result describes.
func (r *Result) SelectedSize() int {
	if r.UseChangeAddress {
		return r.SizeWithChange
	}
	return r.Size
}
