package chain

func init() {
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       2,
		DefaultPurpose: 84,

		NetMagic:         0xdbb6c0fb,
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xb0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		SupportsSegWit:     true,
		DefaultAddressType: AddressP2WPKH,
		DustThreshold:      54600,
	})

	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Type:     ChainTypeBitcoin,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		NetMagic:         0xf1c8d2fd,
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0x3a, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xef,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		SupportsSegWit:     true,
		DefaultAddressType: AddressP2WPKH,
		DustThreshold:      54600,
	})
}
