package chain

func init() {
	Register("XTZ", Mainnet, &Params{
		Symbol:   "XTZ",
		Name:     "Tezos",
		Type:     ChainTypeTezos,
		Decimals: 6,

		CoinType:       1729,
		DefaultPurpose: 44,

		TezosChain: "main",

		DefaultAddressType: AddressTezos,
	})

	Register("XTZ", Testnet, &Params{
		Symbol:   "XTZ",
		Name:     "Tezos Ghostnet",
		Type:     ChainTypeTezos,
		Decimals: 6,

		CoinType:       1729,
		DefaultPurpose: 44,

		TezosChain: "main",

		DefaultAddressType: AddressTezos,
	})
}
