package tezos

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Micheline JSON literals for contract parameters.

func prim(name string, args ...json.RawMessage) json.RawMessage {
	data, _ := json.Marshal(struct {
		Prim string            `json:"prim"`
		Args []json.RawMessage `json:"args,omitempty"`
	}{name, args})
	return data
}

func str(s string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"string": s})
	return data
}

func byteLit(b []byte) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"bytes": hex.EncodeToString(b)})
	return data
}

func intLit(v int64) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"int": strconv.FormatInt(v, 10)})
	return data
}
