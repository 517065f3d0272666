package tezos

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/atomex-me/atomex.client.core-sub004/internal/batcher"
	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/signer"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testKeyPath  = "m/44'/1729'/0'/0/0"
)

// fakeNode serves the node RPC endpoints the adapter uses.
type fakeNode struct {
	mu        sync.Mutex
	revealed  bool
	counter   string
	forged    []byte
	forges    [][]Content
	simulated [][]Content
	injected  [][]byte
}

func (n *fakeNode) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()

		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/counter"):
			json.NewEncoder(w).Encode(n.counter)
		case strings.HasSuffix(path, "/manager_key"):
			if n.revealed {
				json.NewEncoder(w).Encode("sppk7a2WEfU54JzDXgW3bJ2qT3gn5x4D5m1vWzEeBnHkpPKAvL2pGyp")
				return
			}
			w.Write([]byte("null"))
		case strings.HasSuffix(path, "/hash"):
			json.NewEncoder(w).Encode(EncodeBlockHash(bytes.Repeat([]byte{1}, 32)))
		case path == "/chains/main/chain_id":
			json.NewEncoder(w).Encode("NetXdQprcVkpaWU")
		case strings.HasSuffix(path, "/simulate_operation"):
			var body struct {
				Operation struct {
					Contents []Content `json:"contents"`
				} `json:"operation"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode simulation: %v", err)
			}
			n.simulated = append(n.simulated, body.Operation.Contents)
			var results []map[string]interface{}
			for _, c := range body.Operation.Contents {
				result := map[string]interface{}{"status": "applied"}
				if c.Kind == "reveal" {
					result["consumed_milligas"] = "1000000"
				} else {
					result["consumed_milligas"] = "10000000"
					result["paid_storage_size_diff"] = "67"
				}
				results = append(results, map[string]interface{}{
					"kind":     c.Kind,
					"metadata": map[string]interface{}{"operation_result": result},
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"contents": results})
		case strings.HasSuffix(path, "/forge/operations"):
			var body struct {
				Contents []Content `json:"contents"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode forge: %v", err)
			}
			n.forges = append(n.forges, body.Contents)
			json.NewEncoder(w).Encode(hex.EncodeToString(n.forged))
		case path == "/injection/operation":
			var signed string
			if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
				t.Errorf("decode injection: %v", err)
			}
			raw, _ := hex.DecodeString(signed)
			n.injected = append(n.injected, raw)
			json.NewEncoder(w).Encode(OperationHash(raw))
		default:
			http.NotFound(w, r)
		}
	})
}

func setupChain(t *testing.T, node *fakeNode) (*batcher.Batcher, string, func()) {
	t.Helper()

	server := httptest.NewServer(node.handler(t))
	keys, err := signer.NewKeyringFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}
	pub, err := keys.PublicKey(context.Background(), testKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	address, err := AddressFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	b := batcher.New(NewChain(NewRPC(server.URL, 0), keys), batcher.NewCounterCache(0), &batcher.Config{Name: "XTZ"})
	return b, address, func() {
		b.Close()
		server.Close()
	}
}

func testContract(t *testing.T) *Contract {
	t.Helper()
	cfg := &ContractConfig{Address: encodeCheck(prefixKT1, bytes.Repeat([]byte{9}, 20))}
	c, err := NewContract(NewTzKT("http://127.0.0.1:1", 0), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBatchWithReveal(t *testing.T) {
	node := &fakeNode{counter: "41", forged: bytes.Repeat([]byte{0xab}, 136)}
	b, address, cleanup := setupChain(t, node)
	defer cleanup()

	contract := testContract(t)
	participant := encodeCheck(prefixTz1, bytes.Repeat([]byte{3}, 20))
	secretHash := htlc.HashSecret(bytes.Repeat([]byte{1}, htlc.SecretSize))

	req, err := contract.InitiateRequest(participant, secretHash, 1700000000, 5000000, 0)
	if err != nil {
		t.Fatal(err)
	}
	req.KeyPath = testKeyPath

	result, err := b.Submit(context.Background(), address, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Reveal takes counter 42, the call 43.
	if result.Counter != 43 {
		t.Errorf("Counter = %d, want 43", result.Counter)
	}
	// 100 base + ceil(10100 gas / 10) + half of 200 bytes.
	if result.Fee != 1210 {
		t.Errorf("Fee = %d, want 1210", result.Fee)
	}
	if result.GasLimit != 10100 || result.StorageLimit != 67 {
		t.Errorf("limits = %d/%d, want 10100/67", result.GasLimit, result.StorageLimit)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	final := node.forges[len(node.forges)-1]
	if len(final) != 2 || final[0].Kind != "reveal" || final[1].Kind != "transaction" {
		t.Fatalf("forged contents = %+v", final)
	}
	if final[0].Counter != "42" || final[1].Counter != "43" {
		t.Errorf("counters = %s, %s", final[0].Counter, final[1].Counter)
	}
	if !strings.HasPrefix(final[0].PublicKey, "sppk") {
		t.Errorf("reveal key = %s", final[0].PublicKey)
	}
	if final[1].Destination != contract.Address() || final[1].Amount != "5000000" {
		t.Errorf("call = %+v", final[1])
	}
	if final[1].Parameters == nil || final[1].Parameters.Entrypoint != EntrypointInitiate {
		t.Errorf("parameters = %+v", final[1].Parameters)
	}

	if len(node.injected) != 1 {
		t.Fatalf("injected %d groups, want 1", len(node.injected))
	}
	signed := node.injected[0]
	if len(signed) != len(node.forged)+signatureSize || !bytes.HasPrefix(signed, node.forged) {
		t.Errorf("signed group is %d bytes", len(signed))
	}
	if result.Hash != OperationHash(signed) {
		t.Errorf("Hash = %s", result.Hash)
	}
}

func TestSimulationEstimates(t *testing.T) {
	node := &fakeNode{counter: "7", revealed: true, forged: bytes.Repeat([]byte{0xab}, 136)}
	b, address, cleanup := setupChain(t, node)
	defer cleanup()

	contract := testContract(t)
	secret := bytes.Repeat([]byte{2}, htlc.SecretSize)
	req, err := contract.RedeemRequest(secret, htlc.HashSecret(secret))
	if err != nil {
		t.Fatal(err)
	}
	req.KeyPath = testKeyPath
	req.Fee = batcher.Network()
	req.Gas = batcher.Network()
	req.Storage = batcher.Network()

	result, err := b.Submit(context.Background(), address, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result.Counter != 8 {
		t.Errorf("Counter = %d, want 8", result.Counter)
	}
	// 10000 gas + 100 reserve.
	if result.GasLimit != 10100 || result.StorageLimit != 67 {
		t.Errorf("limits = %d/%d", result.GasLimit, result.StorageLimit)
	}
	// 100 + ceil(10100*100/1000) + 136+64 bytes.
	if result.Fee != 100+1010+200 {
		t.Errorf("Fee = %d, want %d", result.Fee, 100+1010+200)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.simulated) != 1 || len(node.simulated[0]) != 1 {
		t.Fatalf("simulated = %+v", node.simulated)
	}
	if node.simulated[0][0].GasLimit != "1040000" {
		t.Errorf("simulation gas limit = %s", node.simulated[0][0].GasLimit)
	}
}

func TestPreambleRejectsForeignAddress(t *testing.T) {
	node := &fakeNode{counter: "1"}
	server := httptest.NewServer(node.handler(t))
	defer server.Close()

	keys, err := signer.NewKeyringFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}
	chain := NewChain(NewRPC(server.URL, 0), keys)

	other := encodeCheck(prefixTz2, bytes.Repeat([]byte{5}, 20))
	if _, err := chain.Preamble(context.Background(), other, testKeyPath); err == nil {
		t.Error("Preamble() accepted a key of another address")
	}
}

func TestConsumedRejectsFailedOperation(t *testing.T) {
	var result simulatedContent
	result.Metadata.OperationResult = operationResult{Status: "failed", Errors: json.RawMessage(`[{"id":"script_rejected"}]`)}
	if _, _, err := consumed(result); err == nil {
		t.Error("consumed() accepted a failed operation")
	}
}
