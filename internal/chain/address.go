package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// ErrUnsupportedAddress is returned for addresses that cannot hold or pay a swap.
var ErrUnsupportedAddress = errors.New("unsupported address")

// DecodeAddress decodes a Bitcoin-family address and checks it belongs to p.
func DecodeAddress(address string, p *Params) (btcutil.Address, error) {
	net := p.NetParams()
	if net == nil {
		return nil, fmt.Errorf("%w: %s is not a bitcoin-family chain", ErrUnsupportedAddress, p.Symbol)
	}

	decoded, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %q: %w", p.Symbol, address, err)
	}
	if !decoded.IsForNet(net) {
		return nil, fmt.Errorf("address %q is not for %s", address, net.Name)
	}
	return decoded, nil
}

// AddressTypeOf returns the encoding type of a decoded address.
func AddressTypeOf(addr btcutil.Address) (AddressType, error) {
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return AddressP2PKH, nil
	case *btcutil.AddressScriptHash:
		return AddressP2SH, nil
	case *btcutil.AddressWitnessPubKeyHash:
		return AddressP2WPKH, nil
	case *btcutil.AddressWitnessScriptHash:
		return AddressP2WSH, nil
	case *btcutil.AddressTaproot:
		return AddressP2TR, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedAddress, addr)
	}
}

// PubKeyHash returns the 20-byte key hash behind a P2PKH or P2WPKH address.
func PubKeyHash(address string, p *Params) ([]byte, error) {
	decoded, err := DecodeAddress(address, p)
	if err != nil {
		return nil, err
	}

	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return a.Hash160()[:], nil
	case *btcutil.AddressWitnessPubKeyHash:
		return a.Hash160()[:], nil
	default:
		return nil, fmt.Errorf("%w: %s is not a key hash address", ErrUnsupportedAddress, address)
	}
}

// IsSegwitAddress reports whether address is a witness program address.
func IsSegwitAddress(address string, p *Params) (bool, error) {
	decoded, err := DecodeAddress(address, p)
	if err != nil {
		return false, err
	}
	t, err := AddressTypeOf(decoded)
	if err != nil {
		return false, err
	}
	return t.IsSegwit(), nil
}

// PayToAddrScript returns the output script paying to address.
func PayToAddrScript(address string, p *Params) ([]byte, error) {
	decoded, err := DecodeAddress(address, p)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

// AddressFromPubKey returns the key hash address of a compressed public key,
// P2WPKH or P2PKH depending on addrType.
func AddressFromPubKey(pubKey []byte, p *Params, addrType AddressType) (string, error) {
	net := p.NetParams()
	if net == nil {
		return "", fmt.Errorf("%w: %s is not a bitcoin-family chain", ErrUnsupportedAddress, p.Symbol)
	}

	hash := btcutil.Hash160(pubKey)
	var (
		addr btcutil.Address
		err  error
	)
	switch addrType {
	case AddressP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, net)
	case AddressP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(hash, net)
	default:
		return "", fmt.Errorf("%w: %s addresses cannot receive swaps", ErrUnsupportedAddress, addrType)
	}
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
