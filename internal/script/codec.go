// Package script encodes and decodes Bitcoin-family scripts as sequences of
// opcodes and pushed data.
//
// Encoding goes through txscript.ScriptBuilder so every push is minimal, and
// decoding goes through txscript's tokenizer so truncated pushes are rejected
// the same way the consensus engine rejects them.
package script

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// Errors
var (
	ErrMalformedScript = errors.New("malformed script")
	ErrNumberOverflow  = errors.New("script number overflow")
	ErrNonMinimalNum   = errors.New("script number not minimally encoded")
)

// MaxLockTimeNumLen is the maximum byte length of a CHECKLOCKTIMEVERIFY
// operand.
const MaxLockTimeNumLen = 5

// Op is a single script element. Data is only set for push opcodes.
type Op struct {
	Code byte
	Data []byte
}

// Push returns an Op pushing data.
func Push(data []byte) Op {
	return Op{Code: pushOpcode(len(data)), Data: data}
}

// Opcode returns a non-push Op.
func Opcode(code byte) Op {
	return Op{Code: code}
}

// IsDataPush reports whether the op carries pushed bytes (OP_0 through OP_PUSHDATA4).
func (o Op) IsDataPush() bool {
	return o.Code <= txscript.OP_PUSHDATA4
}

// IsSmallInt reports whether the op is OP_0 or OP_1 through OP_16.
func (o Op) IsSmallInt() bool {
	return txscript.IsSmallInt(o.Code)
}

// String returns the disassembled form of the op.
func (o Op) String() string {
	if o.IsDataPush() && len(o.Data) > 0 {
		return fmt.Sprintf("%x", o.Data)
	}
	name, ok := opcodeNames[o.Code]
	if !ok {
		return fmt.Sprintf("OP_UNKNOWN%d", o.Code)
	}
	return name
}

// Encode serializes ops into a script.
func Encode(ops []Op) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	for _, op := range ops {
		if op.IsDataPush() {
			builder.AddData(op.Data)
			continue
		}
		builder.AddOp(op.Code)
	}
	return builder.Script()
}

// Decode parses a script into ops. Pushed data is copied out of the script.
func Decode(script []byte) ([]Op, error) {
	var ops []Op
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := Op{Code: tokenizer.Opcode()}
		if data := tokenizer.Data(); data != nil {
			op.Data = append([]byte(nil), data...)
		}
		ops = append(ops, op)
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScript, err)
	}
	return ops, nil
}

// Disasm returns a human readable representation of script for logs.
func Disasm(script []byte) string {
	s, err := txscript.DisasmString(script)
	if err != nil {
		return fmt.Sprintf("[error: %v] %x", err, script)
	}
	return s
}

// EncodeInt returns the minimal script number encoding of n.
func EncodeInt(n int64) []byte {
	if n == 0 {
		return nil
	}

	negative := n < 0
	abs := uint64(n)
	if negative {
		abs = uint64(-n)
	}

	var result []byte
	for abs > 0 {
		result = append(result, byte(abs&0xff))
		abs >>= 8
	}

	// The sign lives in the top bit of the last byte.
	if result[len(result)-1]&0x80 != 0 {
		extra := byte(0x00)
		if negative {
			extra = 0x80
		}
		result = append(result, extra)
	} else if negative {
		result[len(result)-1] |= 0x80
	}

	return result
}

// DecodeInt decodes a minimally encoded script number of at most maxLen bytes.
func DecodeInt(data []byte, maxLen int) (int64, error) {
	if len(data) > maxLen {
		return 0, fmt.Errorf("%w: %d bytes, max %d", ErrNumberOverflow, len(data), maxLen)
	}
	if len(data) == 0 {
		return 0, nil
	}

	last := data[len(data)-1]
	if last&0x7f == 0 {
		if len(data) == 1 || data[len(data)-2]&0x80 == 0 {
			return 0, ErrNonMinimalNum
		}
	}

	var result int64
	for i, b := range data {
		result |= int64(b) << uint8(8*i)
	}

	if last&0x80 != 0 {
		result &= ^(int64(0x80) << uint8(8*(len(data)-1)))
		return -result, nil
	}
	return result, nil
}

// OpInt returns the integer value carried by a small-int opcode or a number push.
func OpInt(op Op, maxLen int) (int64, error) {
	if op.IsSmallInt() {
		return int64(txscript.AsSmallInt(op.Code)), nil
	}
	if op.Code == txscript.OP_1NEGATE {
		return -1, nil
	}
	if !op.IsDataPush() {
		return 0, fmt.Errorf("%w: opcode %s is not a number", ErrMalformedScript, op)
	}
	return DecodeInt(op.Data, maxLen)
}

// AsBool applies the consensus cast-to-bool rule: any non-zero byte is true,
// except a negative zero (0x80 in the last byte with all others zero).
func AsBool(data []byte) bool {
	for i, b := range data {
		if b != 0 {
			if i == len(data)-1 && b == 0x80 {
				return false
			}
			return true
		}
	}
	return false
}

func pushOpcode(size int) byte {
	switch {
	case size == 0:
		return txscript.OP_0
	case size < txscript.OP_PUSHDATA1:
		return byte(size)
	case size <= 0xff:
		return txscript.OP_PUSHDATA1
	case size <= 0xffff:
		return txscript.OP_PUSHDATA2
	default:
		return txscript.OP_PUSHDATA4
	}
}

var opcodeNames = map[byte]string{
	txscript.OP_0:                   "OP_0",
	txscript.OP_1NEGATE:             "OP_1NEGATE",
	txscript.OP_1:                   "OP_1",
	txscript.OP_IF:                  "OP_IF",
	txscript.OP_NOTIF:               "OP_NOTIF",
	txscript.OP_ELSE:                "OP_ELSE",
	txscript.OP_ENDIF:               "OP_ENDIF",
	txscript.OP_VERIFY:              "OP_VERIFY",
	txscript.OP_RETURN:              "OP_RETURN",
	txscript.OP_DROP:                "OP_DROP",
	txscript.OP_DUP:                 "OP_DUP",
	txscript.OP_SIZE:                "OP_SIZE",
	txscript.OP_EQUAL:               "OP_EQUAL",
	txscript.OP_EQUALVERIFY:         "OP_EQUALVERIFY",
	txscript.OP_SHA256:              "OP_SHA256",
	txscript.OP_HASH160:             "OP_HASH160",
	txscript.OP_HASH256:             "OP_HASH256",
	txscript.OP_CHECKSIG:            "OP_CHECKSIG",
	txscript.OP_CHECKSIGVERIFY:      "OP_CHECKSIGVERIFY",
	txscript.OP_CHECKLOCKTIMEVERIFY: "OP_CHECKLOCKTIMEVERIFY",
	txscript.OP_CHECKSEQUENCEVERIFY: "OP_CHECKSEQUENCEVERIFY",
}
