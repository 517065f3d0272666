package htlc

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"

	"github.com/atomex-me/atomex.client.core-sub004/internal/script"
)

// Branch selectors. An empty element is the only false value accepted by the
// minimal-if policy for witness programs.
var (
	selectRefund = []byte{0x01}
	selectRedeem = []byte{}
)

// BuildRefundWitness creates the witness stack spending the refund branch.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<pubkey>
//	<1> (selects OP_IF branch)
//	<lock_script>
func BuildRefundWitness(sig, pubKey, lockScript []byte) [][]byte {
	return [][]byte{sig, pubKey, selectRefund, lockScript}
}

// BuildRedeemWitness creates the witness stack spending the redeem branch.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<pubkey>
//	<secret>
//	<> (selects OP_ELSE branch)
//	<lock_script>
func BuildRedeemWitness(sig, pubKey, secret, lockScript []byte) [][]byte {
	return [][]byte{sig, pubKey, secret, selectRedeem, lockScript}
}

// BuildRefundSigScript is the P2SH form of BuildRefundWitness.
func BuildRefundSigScript(sig, pubKey, lockScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pubKey).
		AddOp(txscript.OP_TRUE).
		AddData(lockScript).
		Script()
}

// BuildRedeemSigScript is the P2SH form of BuildRedeemWitness.
func BuildRedeemSigScript(sig, pubKey, secret, lockScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pubKey).
		AddData(secret).
		AddOp(txscript.OP_FALSE).
		AddData(lockScript).
		Script()
}

// IsRedeemWitness reports whether witness spends a lock script through the
// redeem branch. Foreign or malformed witnesses return false.
func IsRedeemWitness(witness [][]byte) bool {
	if len(witness) != 5 || !IsLockScript(witness[4]) {
		return false
	}
	return !script.AsBool(witness[len(witness)-2])
}

// IsRefundWitness reports whether witness spends a lock script through the
// refund branch. Foreign or malformed witnesses return false.
func IsRefundWitness(witness [][]byte) bool {
	if len(witness) != 4 || !IsLockScript(witness[3]) {
		return false
	}
	return script.AsBool(witness[len(witness)-2])
}

// IsRedeemSigScript is IsRedeemWitness for P2SH signature scripts.
func IsRedeemSigScript(sigScript []byte) bool {
	stack, ok := sigScriptStack(sigScript)
	return ok && IsRedeemWitness(stack)
}

// IsRefundSigScript is IsRefundWitness for P2SH signature scripts.
func IsRefundSigScript(sigScript []byte) bool {
	stack, ok := sigScriptStack(sigScript)
	return ok && IsRefundWitness(stack)
}

// ExtractSecretFromWitness returns the secret revealed by a redeem witness.
func ExtractSecretFromWitness(witness [][]byte) ([]byte, error) {
	if !IsRedeemWitness(witness) {
		return nil, ErrNotRedeem
	}
	return witness[2], nil
}

// ExtractSecretFromSigScript returns the secret revealed by a P2SH redeem.
func ExtractSecretFromSigScript(sigScript []byte) ([]byte, error) {
	stack, ok := sigScriptStack(sigScript)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable signature script", ErrNotRedeem)
	}
	return ExtractSecretFromWitness(stack)
}

// sigScriptStack evaluates a push-only signature script into the stack it
// would leave behind.
func sigScriptStack(sigScript []byte) ([][]byte, bool) {
	ops, err := script.Decode(sigScript)
	if err != nil {
		return nil, false
	}

	stack := make([][]byte, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.IsDataPush():
			stack = append(stack, op.Data)
		case op.IsSmallInt():
			stack = append(stack, script.EncodeInt(int64(txscript.AsSmallInt(op.Code))))
		case op.Code == txscript.OP_1NEGATE:
			stack = append(stack, script.EncodeInt(-1))
		default:
			return nil, false
		}
	}
	return stack, true
}
