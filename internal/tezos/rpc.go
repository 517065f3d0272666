package tezos

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrRejected     = errors.New("operation rejected")
)

// Content is one operation of a group in node RPC JSON.
type Content struct {
	Kind         string      `json:"kind"`
	Source       string      `json:"source"`
	Fee          string      `json:"fee"`
	Counter      string      `json:"counter"`
	GasLimit     string      `json:"gas_limit"`
	StorageLimit string      `json:"storage_limit"`
	Amount       string      `json:"amount,omitempty"`
	Destination  string      `json:"destination,omitempty"`
	Parameters   *Parameters `json:"parameters,omitempty"`
	PublicKey    string      `json:"public_key,omitempty"`
}

// Parameters is a contract call.
type Parameters struct {
	Entrypoint string          `json:"entrypoint"`
	Value      json.RawMessage `json:"value"`
}

// operationResult is the applied or failed result of one operation.
type operationResult struct {
	Status              string          `json:"status"`
	ConsumedMilligas    string          `json:"consumed_milligas"`
	PaidStorageSizeDiff string          `json:"paid_storage_size_diff"`
	AllocatedContract   bool            `json:"allocated_destination_contract"`
	Errors              json.RawMessage `json:"errors,omitempty"`
}

type simulatedContent struct {
	Kind     string `json:"kind"`
	Metadata struct {
		OperationResult          operationResult `json:"operation_result"`
		InternalOperationResults []struct {
			Result operationResult `json:"result"`
		} `json:"internal_operation_results"`
	} `json:"metadata"`
}

// RPC is a client of the Tezos node RPC.
type RPC struct {
	baseURL    string
	httpClient *http.Client
}

// NewRPC creates a node client. A zero timeout means 30 seconds.
func NewRPC(baseURL string, timeout time.Duration) *RPC {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPC{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Counter returns the last counter used by address.
func (r *RPC) Counter(ctx context.Context, address string) (uint64, error) {
	var counter string
	if err := r.do(ctx, http.MethodGet, "/chains/main/blocks/head/context/contracts/"+address+"/counter", nil, &counter); err != nil {
		return 0, err
	}
	return strconv.ParseUint(counter, 10, 64)
}

// ManagerKey returns the revealed public key of address, or "" when the key
// was never revealed.
func (r *RPC) ManagerKey(ctx context.Context, address string) (string, error) {
	var key *string
	if err := r.do(ctx, http.MethodGet, "/chains/main/blocks/head/context/contracts/"+address+"/manager_key", nil, &key); err != nil {
		return "", err
	}
	if key == nil {
		return "", nil
	}
	return *key, nil
}

// BlockHash returns the hash of block, such as "head" or "head~2".
func (r *RPC) BlockHash(ctx context.Context, block string) (string, error) {
	var hash string
	if err := r.do(ctx, http.MethodGet, "/chains/main/blocks/"+block+"/hash", nil, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// ChainID returns the chain identifier.
func (r *RPC) ChainID(ctx context.Context) (string, error) {
	var id string
	if err := r.do(ctx, http.MethodGet, "/chains/main/chain_id", nil, &id); err != nil {
		return "", err
	}
	return id, nil
}

// simulationSignature is a syntactically valid signature; the node does not
// check signatures when simulating.
const simulationSignature = "sigUHx32f9wesZ1n2BWpixXz4AQaZggEtchaQNHYGRCoWNAXx45WGW2ua3apUUUAGMLPwAU41QoaFCzVSL61VaessLg4YbbP"

// Simulate runs contents against the head without a valid signature.
func (r *RPC) Simulate(ctx context.Context, branch, chainID string, contents []Content) ([]simulatedContent, error) {
	body := map[string]interface{}{
		"operation": map[string]interface{}{
			"branch":    branch,
			"contents":  contents,
			"signature": simulationSignature,
		},
		"chain_id": chainID,
	}
	var result struct {
		Contents []simulatedContent `json:"contents"`
	}
	if err := r.do(ctx, http.MethodPost, "/chains/main/blocks/head/helpers/scripts/simulate_operation", body, &result); err != nil {
		return nil, err
	}
	if len(result.Contents) != len(contents) {
		return nil, fmt.Errorf("simulation returned %d results for %d operations", len(result.Contents), len(contents))
	}
	return result.Contents, nil
}

// Forge returns the binary form of an operation group.
func (r *RPC) Forge(ctx context.Context, branch string, contents []Content) ([]byte, error) {
	body := map[string]interface{}{
		"branch":   branch,
		"contents": contents,
	}
	var forged string
	if err := r.do(ctx, http.MethodPost, "/chains/main/blocks/head/helpers/forge/operations", body, &forged); err != nil {
		return nil, err
	}
	return hex.DecodeString(forged)
}

// Inject sends a signed operation group and returns its hash.
func (r *RPC) Inject(ctx context.Context, signed []byte) (string, error) {
	var hash string
	if err := r.do(ctx, http.MethodPost, "/injection/operation?chain=main", hex.EncodeToString(signed), &hash); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return hash, nil
}

func (r *RPC) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
