package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Standardness limits enforced by default relay policy.
const (
	MaxStandardTxWeight      = 400000
	MaxStandardSigScriptSize = 1650
)

// Policy error codes.
const (
	PolicyMissingPrevOut  = "missing-prevout"
	PolicyScript          = "script-verify"
	PolicySigScriptSize   = "scriptsig-size"
	PolicySigScriptPush   = "scriptsig-not-pushonly"
	PolicyDust            = "dust"
	PolicyNonStandardOut  = "scriptpubkey"
	PolicyTxWeight        = "tx-size"
	PolicyValueOverflow   = "bad-txns-in-belowout"
	PolicyNoInputsOutputs = "bad-txns-vin-vout-empty"
)

// PolicyError is a consensus or standardness failure. Input is -1 for
// transaction level failures.
type PolicyError struct {
	Input  int
	Output int
	Code   string
	Err    error
}

func (e PolicyError) Error() string {
	switch {
	case e.Input >= 0 && e.Err != nil:
		return fmt.Sprintf("input %d: %s: %v", e.Input, e.Code, e.Err)
	case e.Input >= 0:
		return fmt.Sprintf("input %d: %s", e.Input, e.Code)
	case e.Output >= 0:
		return fmt.Sprintf("output %d: %s", e.Output, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

// Verify executes every input script of tx against the output it spends and
// applies relay policy checks. spent must contain an entry for each input.
// Outputs below dustThreshold are reported as dust.
func Verify(tx *wire.MsgTx, spent []SpentOutput, dustThreshold uint64) (bool, []PolicyError) {
	var errs []PolicyError
	txErr := func(code string, err error) {
		errs = append(errs, PolicyError{Input: -1, Output: -1, Code: code, Err: err})
	}

	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		txErr(PolicyNoInputsOutputs, nil)
		return false, errs
	}

	fetcher := newPrevOutFetcher(spent...)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	var inTotal uint64
	for i, txIn := range tx.TxIn {
		prevOut, ok := fetcher[txIn.PreviousOutPoint]
		if !ok {
			errs = append(errs, PolicyError{Input: i, Output: -1, Code: PolicyMissingPrevOut})
			continue
		}
		inTotal += uint64(prevOut.Value)

		if len(txIn.SignatureScript) > MaxStandardSigScriptSize {
			errs = append(errs, PolicyError{Input: i, Output: -1, Code: PolicySigScriptSize})
		}
		if !txscript.IsPushOnlyScript(txIn.SignatureScript) {
			errs = append(errs, PolicyError{Input: i, Output: -1, Code: PolicySigScriptPush})
		}

		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
		if err != nil {
			errs = append(errs, PolicyError{Input: i, Output: -1, Code: PolicyScript, Err: err})
			continue
		}
		if err := vm.Execute(); err != nil {
			errs = append(errs, PolicyError{Input: i, Output: -1, Code: PolicyScript, Err: err})
		}
	}

	var outTotal uint64
	for i, txOut := range tx.TxOut {
		outTotal += uint64(txOut.Value)

		class := txscript.GetScriptClass(txOut.PkScript)
		if class == txscript.NonStandardTy {
			errs = append(errs, PolicyError{Input: -1, Output: i, Code: PolicyNonStandardOut})
		}
		if class != txscript.NullDataTy && uint64(txOut.Value) < dustThreshold {
			errs = append(errs, PolicyError{Input: -1, Output: i, Code: PolicyDust})
		}
	}

	if outTotal > inTotal {
		txErr(PolicyValueOverflow, fmt.Errorf("outputs %d exceed inputs %d", outTotal, inTotal))
	}

	if weight := TxWeight(tx); weight > MaxStandardTxWeight {
		txErr(PolicyTxWeight, fmt.Errorf("weight %d", weight))
	}

	return len(errs) == 0, errs
}

// TxWeight returns the BIP141 weight of tx.
func TxWeight(tx *wire.MsgTx) int {
	return tx.SerializeSizeStripped()*(WitnessScaleFactor-1) + tx.SerializeSize()
}

// VirtualSize returns the virtual size of tx, rounded up.
func VirtualSize(tx *wire.MsgTx) int {
	return (TxWeight(tx) + WitnessScaleFactor - 1) / WitnessScaleFactor
}

// WitnessScaleFactor is the witness discount of BIP141.
const WitnessScaleFactor = 4
