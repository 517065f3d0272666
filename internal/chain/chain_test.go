package chain

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestAllChainsRegistered(t *testing.T) {
	expectedChains := []string{"BTC", "LTC", "ETH", "XTZ"}

	for _, symbol := range expectedChains {
		if !IsSupported(symbol) {
			t.Errorf("expected %s to be registered", symbol)
		}
		for _, net := range []Network{Mainnet, Testnet} {
			if _, ok := Get(symbol, net); !ok {
				t.Errorf("%s %s should be registered", symbol, net)
			}
		}
	}
}

func TestBitcoinMainnet(t *testing.T) {
	params := MustGet("BTC", Mainnet)

	if params.Type != ChainTypeBitcoin {
		t.Errorf("Type = %s, want bitcoin", params.Type)
	}
	if params.UnitDecimals != 8 {
		t.Errorf("UnitDecimals = %d, want 8", params.UnitDecimals)
	}
	if params.NetParams().Name != "mainnet" {
		t.Errorf("NetParams().Name = %s, want mainnet", params.NetParams().Name)
	}
	if got := params.DerivationPath(0, 1, 5); got != "m/84'/0'/0'/1/5" {
		t.Errorf("DerivationPath() = %s, want m/84'/0'/0'/1/5", got)
	}
}

func TestEthereumUnits(t *testing.T) {
	params := MustGet("ETH", Mainnet)
	if params.UnitDecimals != 9 {
		t.Errorf("UnitDecimals = %d, want 9", params.UnitDecimals)
	}
	if params.NetParams() != nil {
		t.Error("NetParams() should be nil for EVM chains")
	}
	if !params.Type.IsAccountBased() {
		t.Error("ETH should be account based")
	}
}

func TestTezosDerivationPath(t *testing.T) {
	params := MustGet("XTZ", Mainnet)
	if got := params.DerivationPath(0, 0, 0); got != "m/44'/1729'/0'/0'/0'" {
		t.Errorf("DerivationPath() = %s, want m/44'/1729'/0'/0'/0'", got)
	}
}

func TestAddressTypes(t *testing.T) {
	btc := MustGet("BTC", Mainnet)

	tests := []struct {
		address string
		want    AddressType
		segwit  bool
	}{
		{"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", AddressP2PKH, false},
		{"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", AddressP2SH, false},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", AddressP2WPKH, true},
		{"bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3", AddressP2WSH, true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			decoded, err := DecodeAddress(tt.address, btc)
			if err != nil {
				t.Fatalf("DecodeAddress() error = %v", err)
			}
			got, err := AddressTypeOf(decoded)
			if err != nil {
				t.Fatalf("AddressTypeOf() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("AddressTypeOf() = %s, want %s", got, tt.want)
			}
			if got.IsSegwit() != tt.segwit {
				t.Errorf("IsSegwit() = %v, want %v", got.IsSegwit(), tt.segwit)
			}
		})
	}
}

func TestDecodeAddressWrongNetwork(t *testing.T) {
	ltc := MustGet("LTC", Mainnet)
	if _, err := DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", ltc); err == nil {
		t.Error("DecodeAddress() should reject a bitcoin address on litecoin")
	}
}

func TestPubKeyHash(t *testing.T) {
	btc := MustGet("BTC", Mainnet)
	want, _ := hex.DecodeString("751e76e8199196d454941c45d1b3a323f1433bd6")

	got, err := PubKeyHash("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", btc)
	if err != nil {
		t.Fatalf("PubKeyHash() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("PubKeyHash() = %x, want %x", got, want)
	}

	if _, err := PubKeyHash("3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", btc); err == nil {
		t.Error("PubKeyHash() should reject a script hash address")
	}
}

func TestLitecoinBech32(t *testing.T) {
	ltc := MustGet("LTC", Mainnet)

	script, err := PayToAddrScript("ltc1qw508d6qejxtdg4y5r3zarvary0c5xw7kgmn4n9", ltc)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	want, _ := hex.DecodeString("0014751e76e8199196d454941c45d1b3a323f1433bd6")
	if !bytes.Equal(script, want) {
		t.Errorf("PayToAddrScript() = %x, want %x", script, want)
	}
}
