package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// htlcABI is the interface of the Atomex Ethereum HTLC. Secret hashes are
// HASH256 of the secret; values are in wei.
const htlcABI = `[
	{"type":"function","name":"initiate","stateMutability":"payable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"},
		{"name":"_participant","type":"address"},
		{"name":"_refundTimestamp","type":"uint256"},
		{"name":"_payoff","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"},
		{"name":"_secret","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"_hashedSecret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"swaps","stateMutability":"view","inputs":[
		{"name":"","type":"bytes32"}],"outputs":[
		{"name":"hashedSecret","type":"bytes32"},
		{"name":"initiator","type":"address"},
		{"name":"participant","type":"address"},
		{"name":"refundTimestamp","type":"uint256"},
		{"name":"value","type":"uint256"},
		{"name":"payoff","type":"uint256"},
		{"name":"state","type":"uint8"}]},
	{"type":"event","name":"Initiated","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true},
		{"name":"_participant","type":"address","indexed":true},
		{"name":"_initiator","type":"address","indexed":false},
		{"name":"_refundTimestamp","type":"uint256","indexed":false},
		{"name":"_value","type":"uint256","indexed":false},
		{"name":"_payoff","type":"uint256","indexed":false}]},
	{"type":"event","name":"Redeemed","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true},
		{"name":"_secret","type":"bytes","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[
		{"name":"_hashedSecret","type":"bytes32","indexed":true}]}
]`

// Swap entry states of the contract.
const (
	stateEmpty uint8 = iota
	stateInitiated
	stateRedeemed
	stateRefunded
)

var parsedABI = mustParseABI(htlcABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: bad htlc abi: " + err.Error())
	}
	return parsed
}
