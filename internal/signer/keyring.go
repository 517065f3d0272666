// Package signer signs digests with keys addressed by derivation path. Callers
// never hold private keys; they pass a path such as m/84'/0'/0'/0/3.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// Errors
var (
	ErrInvalidPath   = errors.New("invalid key path")
	ErrInvalidDigest = errors.New("digest must be 32 bytes")
)

// Signer signs 32-byte digests with the key at a derivation path.
type Signer interface {
	// Sign returns a DER encoded ECDSA signature.
	Sign(ctx context.Context, digest []byte, keyPath string) ([]byte, error)

	// SignCompact returns a 65-byte recoverable signature: a header byte
	// (27 + recovery id + 4 for compressed keys) followed by r and s.
	SignCompact(ctx context.Context, digest []byte, keyPath string) ([]byte, error)

	// PublicKey returns the 33-byte compressed public key.
	PublicKey(ctx context.Context, keyPath string) ([]byte, error)
}

// Keyring is an HD key tree derived from a BIP39 seed.
type Keyring struct {
	master *hdkeychain.ExtendedKey

	mu    sync.Mutex
	cache map[string]*btcec.PrivateKey
}

// NewKeyringFromMnemonic creates a keyring from a BIP39 mnemonic and optional
// passphrase.
func NewKeyringFromMnemonic(mnemonic, passphrase string) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)
	return NewKeyringFromSeed(seed)
}

// NewKeyringFromSeed creates a keyring from a raw seed.
func NewKeyringFromSeed(seed []byte) (*Keyring, error) {
	// Network params only affect extended key serialization, never used here.
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Keyring{
		master: master,
		cache:  make(map[string]*btcec.PrivateKey),
	}, nil
}

// ParsePath parses a path like m/44'/0'/0'/0/1. Hardened levels are marked
// with ' or h.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q must start with m", ErrInvalidPath, path)
	}

	indexes := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		if hardened {
			part = part[:len(part)-1]
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: bad level %q in %q", ErrInvalidPath, part, path)
		}
		index := uint32(n)
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

// privateKey derives and caches the key at path.
func (k *Keyring) privateKey(path string) (*btcec.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.cache[path]; ok {
		return key, nil
	}

	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	key := k.master
	for _, index := range indexes {
		key, err = key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", path, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	k.cache[path] = priv
	return priv, nil
}

// Sign returns a DER encoded signature of digest.
func (k *Keyring) Sign(ctx context.Context, digest []byte, keyPath string) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	priv, err := k.privateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return btcecdsa.Sign(priv, digest).Serialize(), nil
}

// SignCompact returns a recoverable compact signature of digest.
func (k *Keyring) SignCompact(ctx context.Context, digest []byte, keyPath string) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	priv, err := k.privateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return btcecdsa.SignCompact(priv, digest, true), nil
}

// PublicKey returns the compressed public key at keyPath.
func (k *Keyring) PublicKey(ctx context.Context, keyPath string) ([]byte, error) {
	priv, err := k.privateKey(keyPath)
	if err != nil {
		return nil, err
	}
	return priv.PubKey().SerializeCompressed(), nil
}

// Ensure Keyring implements Signer
var _ Signer = (*Keyring)(nil)
