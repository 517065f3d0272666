package tezos

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/blake2b"
)

// Base58check prefixes.
var (
	prefixTz1       = []byte{6, 161, 159}
	prefixTz2       = []byte{6, 161, 161}
	prefixTz3       = []byte{6, 161, 164}
	prefixKT1       = []byte{2, 90, 121}
	prefixSppk      = []byte{3, 254, 226, 86}
	prefixOperation = []byte{5, 116}
	prefixBlock     = []byte{1, 52}
)

// Encoding errors
var (
	ErrInvalidAddress   = errors.New("invalid tezos address")
	ErrInvalidPublicKey = errors.New("invalid secp256k1 public key")
)

// watermark for generic operations in the signing digest
const operationWatermark = 0x03

// encodeCheck is Tezos base58check: prefix || payload || sha256d[:4]. It is
// btcd's encoding with a multi-byte version.
func encodeCheck(prefix, payload []byte) string {
	input := make([]byte, 0, len(prefix)-1+len(payload))
	input = append(input, prefix[1:]...)
	input = append(input, payload...)
	return base58.CheckEncode(input, prefix[0])
}

func decodeCheck(s string, prefix []byte, size int) ([]byte, error) {
	result, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, err
	}
	full := append([]byte{version}, result...)
	if !bytes.HasPrefix(full, prefix) {
		return nil, fmt.Errorf("unexpected prefix")
	}
	payload := full[len(prefix):]
	if size > 0 && len(payload) != size {
		return nil, fmt.Errorf("payload is %d bytes, want %d", len(payload), size)
	}
	return payload, nil
}

// AddressFromPublicKey returns the tz2 address of a secp256k1 public key.
func AddressFromPublicKey(pubKey []byte) (string, error) {
	key, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	hash, err := blake2b.New(20, nil)
	if err != nil {
		return "", err
	}
	hash.Write(key.SerializeCompressed())
	return encodeCheck(prefixTz2, hash.Sum(nil)), nil
}

// EncodePublicKey returns the sppk form of a secp256k1 public key, used by
// reveal operations.
func EncodePublicKey(pubKey []byte) (string, error) {
	key, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return encodeCheck(prefixSppk, key.SerializeCompressed()), nil
}

// ValidateAddress checks an implicit (tz1/tz2/tz3) or originated (KT1)
// address.
func ValidateAddress(address string) error {
	var prefix []byte
	switch {
	case len(address) < 3:
		return ErrInvalidAddress
	case address[:3] == "tz1":
		prefix = prefixTz1
	case address[:3] == "tz2":
		prefix = prefixTz2
	case address[:3] == "tz3":
		prefix = prefixTz3
	case address[:3] == "KT1":
		prefix = prefixKT1
	default:
		return ErrInvalidAddress
	}
	if _, err := decodeCheck(address, prefix, 20); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// SigningDigest is the 32-byte digest signed for a forged operation group.
func SigningDigest(forged []byte) []byte {
	msg := make([]byte, 0, len(forged)+1)
	msg = append(msg, operationWatermark)
	msg = append(msg, forged...)
	digest := blake2b.Sum256(msg)
	return digest[:]
}

// OperationHash returns the hash of a signed operation group.
func OperationHash(signed []byte) string {
	digest := blake2b.Sum256(signed)
	return encodeCheck(prefixOperation, digest[:])
}

// EncodeBlockHash encodes a raw block hash, mostly useful in tests.
func EncodeBlockHash(hash []byte) string {
	return encodeCheck(prefixBlock, hash)
}
