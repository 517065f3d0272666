// Package htlc builds and recognises the hash-time-locked contract scripts used
// to settle a swap on Bitcoin-family chains.
//
// Lock script structure:
//
//	OP_IF
//	    <lock_time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund_pkh> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ELSE
//	    OP_SIZE <secret_size> OP_EQUALVERIFY
//	    OP_HASH256 <secret_hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <target_pkh> OP_EQUALVERIFY OP_CHECKSIG
//	OP_ENDIF
//
// Refund path (OP_IF branch): refund key signature once lock_time has passed.
// Redeem path (OP_ELSE branch): target key signature plus the secret.
package htlc

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/script"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/helpers"
)

const (
	// SecretSize is the size of a swap secret in bytes.
	SecretSize = 16

	// SecretHashSize is the size of HASH256(secret).
	SecretHashSize = chainhash.HashSize

	// PubKeyHashSize is the size of HASH160(pubkey).
	PubKeyHashSize = 20

	// LockScriptOps is the number of opcodes in a lock script.
	LockScriptOps = 22
)

// Errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotLockScript   = errors.New("not an htlc lock script")
	ErrNotRedeem       = errors.New("not an htlc redeem")
)

// LockScript holds the parameters encoded in a lock script.
type LockScript struct {
	RefundPubKeyHash []byte
	TargetPubKeyHash []byte
	LockTime         int64
	SecretHash       []byte
	SecretSize       int64
}

// Template slot kinds.
const (
	slotOpcode = iota
	slotLockTime
	slotSecretSize
	slotPubKeyHash
	slotSecretHash
)

type templateSlot struct {
	kind int
	code byte
}

var lockTemplate = [LockScriptOps]templateSlot{
	{slotOpcode, txscript.OP_IF},
	{kind: slotLockTime},
	{slotOpcode, txscript.OP_CHECKLOCKTIMEVERIFY},
	{slotOpcode, txscript.OP_DROP},
	{slotOpcode, txscript.OP_DUP},
	{slotOpcode, txscript.OP_HASH160},
	{kind: slotPubKeyHash},
	{slotOpcode, txscript.OP_EQUALVERIFY},
	{slotOpcode, txscript.OP_CHECKSIG},
	{slotOpcode, txscript.OP_ELSE},
	{slotOpcode, txscript.OP_SIZE},
	{kind: slotSecretSize},
	{slotOpcode, txscript.OP_EQUALVERIFY},
	{slotOpcode, txscript.OP_HASH256},
	{kind: slotSecretHash},
	{slotOpcode, txscript.OP_EQUALVERIFY},
	{slotOpcode, txscript.OP_DUP},
	{slotOpcode, txscript.OP_HASH160},
	{kind: slotPubKeyHash},
	{slotOpcode, txscript.OP_EQUALVERIFY},
	{slotOpcode, txscript.OP_CHECKSIG},
	{slotOpcode, txscript.OP_ENDIF},
}

// Operand positions within the template.
const (
	posLockTime   = 1
	posRefundHash = 6
	posSecretSize = 11
	posSecretHash = 14
	posTargetHash = 18
)

// BuildLockScript creates the lock script paying to targetPubKeyHash on
// presentation of the secret, refundable to refundPubKeyHash after lockTime.
func BuildLockScript(refundPubKeyHash, targetPubKeyHash []byte, lockTime int64, secretHash []byte, secretSize int64) ([]byte, error) {
	if len(refundPubKeyHash) != PubKeyHashSize {
		return nil, fmt.Errorf("%w: refund pubkey hash must be %d bytes, got %d", ErrInvalidArgument, PubKeyHashSize, len(refundPubKeyHash))
	}
	if len(targetPubKeyHash) != PubKeyHashSize {
		return nil, fmt.Errorf("%w: target pubkey hash must be %d bytes, got %d", ErrInvalidArgument, PubKeyHashSize, len(targetPubKeyHash))
	}
	if len(secretHash) != SecretHashSize {
		return nil, fmt.Errorf("%w: secret hash must be %d bytes, got %d", ErrInvalidArgument, SecretHashSize, len(secretHash))
	}
	if secretSize <= 0 {
		return nil, fmt.Errorf("%w: secret size must be positive, got %d", ErrInvalidArgument, secretSize)
	}
	if lockTime < 0 || lockTime > 0xffffffff {
		return nil, fmt.Errorf("%w: lock time %d out of range", ErrInvalidArgument, lockTime)
	}

	builder := txscript.NewScriptBuilder()

	// Refund branch
	builder.AddOp(txscript.OP_IF)
	builder.AddInt64(lockTime)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(refundPubKeyHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	// Redeem branch
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(secretSize)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_HASH256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(targetPubKeyHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildLockScriptFromAddresses resolves both addresses to their key hashes and
// builds the lock script. Only P2PKH and P2WPKH addresses can be used.
func BuildLockScriptFromAddresses(refundAddress, targetAddress string, lockTime int64, secretHash []byte, secretSize int64, params *chain.Params) ([]byte, error) {
	refundHash, err := chain.PubKeyHash(refundAddress, params)
	if err != nil {
		return nil, fmt.Errorf("%w: refund address: %v", ErrInvalidArgument, err)
	}
	targetHash, err := chain.PubKeyHash(targetAddress, params)
	if err != nil {
		return nil, fmt.Errorf("%w: target address: %v", ErrInvalidArgument, err)
	}
	return BuildLockScript(refundHash, targetHash, lockTime, secretHash, secretSize)
}

// ParseLockScript matches script against the lock template and returns its
// parameters. Returns ErrNotLockScript for anything else.
func ParseLockScript(lockScript []byte) (*LockScript, error) {
	ops, err := script.Decode(lockScript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLockScript, err)
	}
	if len(ops) != LockScriptOps {
		return nil, fmt.Errorf("%w: %d opcodes, want %d", ErrNotLockScript, len(ops), LockScriptOps)
	}

	parsed := &LockScript{}
	for i, slot := range lockTemplate {
		op := ops[i]
		switch slot.kind {
		case slotOpcode:
			if op.Code != slot.code {
				return nil, fmt.Errorf("%w: opcode %d is %s", ErrNotLockScript, i, op)
			}
		case slotLockTime, slotSecretSize:
			n, err := script.OpInt(op, script.MaxLockTimeNumLen)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad number at %d", ErrNotLockScript, i)
			}
			if slot.kind == slotLockTime {
				parsed.LockTime = n
				continue
			}
			if n == 0 {
				return nil, fmt.Errorf("%w: zero secret size", ErrNotLockScript)
			}
			parsed.SecretSize = n
		case slotPubKeyHash:
			if !op.IsDataPush() || len(op.Data) != PubKeyHashSize {
				return nil, fmt.Errorf("%w: bad pubkey hash at %d", ErrNotLockScript, i)
			}
		case slotSecretHash:
			if !op.IsDataPush() || len(op.Data) != SecretHashSize {
				return nil, fmt.Errorf("%w: bad secret hash at %d", ErrNotLockScript, i)
			}
		}
	}

	parsed.RefundPubKeyHash = ops[posRefundHash].Data
	parsed.TargetPubKeyHash = ops[posTargetHash].Data
	parsed.SecretHash = ops[posSecretHash].Data

	return parsed, nil
}

// IsLockScript reports whether script has the exact lock template shape.
func IsLockScript(lockScript []byte) bool {
	_, err := ParseLockScript(lockScript)
	return err == nil
}

// ExtractSecretHash returns the secret hash of a lock script.
func ExtractSecretHash(lockScript []byte) ([]byte, error) {
	parsed, err := ParseLockScript(lockScript)
	if err != nil {
		return nil, err
	}
	return parsed.SecretHash, nil
}

// ExtractLockTime returns the refund lock time of a lock script.
func ExtractLockTime(lockScript []byte) (int64, error) {
	parsed, err := ParseLockScript(lockScript)
	if err != nil {
		return 0, err
	}
	return parsed.LockTime, nil
}

// ExtractTargetHash returns the redeeming party's pubkey hash.
func ExtractTargetHash(lockScript []byte) ([]byte, error) {
	parsed, err := ParseLockScript(lockScript)
	if err != nil {
		return nil, err
	}
	return parsed.TargetPubKeyHash, nil
}

// ExtractRefundHash returns the refunding party's pubkey hash.
func ExtractRefundHash(lockScript []byte) ([]byte, error) {
	parsed, err := ParseLockScript(lockScript)
	if err != nil {
		return nil, err
	}
	return parsed.RefundPubKeyHash, nil
}

// GenerateSecret returns a new random swap secret and its hash.
func GenerateSecret() (secret, secretHash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, HashSecret(secret), nil
}

// HashSecret returns HASH256(secret), the hash committed to in a lock.
func HashSecret(secret []byte) []byte {
	return chainhash.DoubleHashB(secret)
}

// VerifySecret checks secret against the expected hash.
func VerifySecret(secret, secretHash []byte) bool {
	return helpers.ConstantTimeCompare(HashSecret(secret), secretHash)
}

// LockAddress returns the P2WSH (segwit) or P2SH address of a lock script.
func LockAddress(lockScript []byte, params *chain.Params, segwit bool) (btcutil.Address, error) {
	net := params.NetParams()
	if net == nil {
		return nil, fmt.Errorf("%w: %s has no script addresses", ErrInvalidArgument, params.Symbol)
	}
	if segwit {
		scriptHash := sha256.Sum256(lockScript)
		return btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	}
	return btcutil.NewAddressScriptHash(lockScript, net)
}

// LockPkScript returns the output script paying to the lock script's hash.
func LockPkScript(lockScript []byte, segwit bool) ([]byte, error) {
	if segwit {
		scriptHash := sha256.Sum256(lockScript)
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(scriptHash[:]).
			Script()
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(lockScript)).
		AddOp(txscript.OP_EQUAL).
		Script()
}

// MatchesLockOutput reports whether pkScript pays to lockScript, either by
// script hash (P2SH or P2WSH) or as a bare script with the same parameters.
func MatchesLockOutput(pkScript, lockScript []byte) bool {
	for _, segwit := range []bool{true, false} {
		expected, err := LockPkScript(lockScript, segwit)
		if err == nil && helpers.BytesEqual(expected, pkScript) {
			return true
		}
	}

	bare, err := ParseLockScript(pkScript)
	if err != nil {
		return false
	}
	want, err := ParseLockScript(lockScript)
	if err != nil {
		return false
	}
	return bare.LockTime == want.LockTime &&
		bare.SecretSize == want.SecretSize &&
		helpers.BytesEqual(bare.SecretHash, want.SecretHash) &&
		helpers.BytesEqual(bare.TargetPubKeyHash, want.TargetPubKeyHash) &&
		helpers.BytesEqual(bare.RefundPubKeyHash, want.RefundPubKeyHash)
}
