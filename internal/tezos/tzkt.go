package tezos

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TzKT is a client of the TzKT indexer API, used for every read the node
// cannot answer without scanning blocks.
type TzKT struct {
	baseURL    string
	httpClient *http.Client
}

// NewTzKT creates an indexer client. A zero timeout means 30 seconds.
func NewTzKT(baseURL string, timeout time.Duration) *TzKT {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TzKT{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BigMapKey is a key of a contract big map. Removed keys stay listed with
// Active false.
type BigMapKey struct {
	Key        string          `json:"key"`
	Active     bool            `json:"active"`
	Value      json.RawMessage `json:"value"`
	FirstLevel int64           `json:"firstLevel"`
	LastLevel  int64           `json:"lastLevel"`
}

// BigMapUpdate is one change of a big map key.
type BigMapUpdate struct {
	Level  int64           `json:"level"`
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value"`
}

// Big map update actions.
const (
	ActionAddKey    = "add_key"
	ActionUpdateKey = "update_key"
	ActionRemoveKey = "remove_key"
)

// TzktTransaction is a transaction operation as listed by the indexer.
type TzktTransaction struct {
	Hash   string `json:"hash"`
	Level  int64  `json:"level"`
	Status string `json:"status"`
	Sender struct {
		Address string `json:"address"`
	} `json:"sender"`
	Target struct {
		Address string `json:"address"`
	} `json:"target"`
	Amount    uint64 `json:"amount"`
	Parameter *struct {
		Entrypoint string          `json:"entrypoint"`
		Value      json.RawMessage `json:"value"`
	} `json:"parameter"`
}

// TzktOperation is any operation as returned by /operations/{hash}.
type TzktOperation struct {
	Type   string `json:"type"`
	Hash   string `json:"hash"`
	Level  int64  `json:"level"`
	Status string `json:"status"`
}

// HeadLevel returns the level of the indexed head.
func (t *TzKT) HeadLevel(ctx context.Context) (int64, error) {
	var head struct {
		Level int64 `json:"level"`
	}
	if err := t.get(ctx, "/v1/head", &head); err != nil {
		return 0, err
	}
	return head.Level, nil
}

// BigMapKey returns the key of a contract big map, or nil when the key was
// never set.
func (t *TzKT) BigMapKey(ctx context.Context, contract, path, key string) (*BigMapKey, error) {
	var result *BigMapKey
	err := t.get(ctx, "/v1/contracts/"+contract+"/bigmaps/"+path+"/keys/"+key, &result)
	if err == ErrNotFound {
		return nil, nil
	}
	return result, err
}

// BigMapKeyUpdates returns the history of a big map key, oldest first.
func (t *TzKT) BigMapKeyUpdates(ctx context.Context, contract, path, key string) ([]BigMapUpdate, error) {
	var updates []BigMapUpdate
	err := t.get(ctx, "/v1/contracts/"+contract+"/bigmaps/"+path+"/keys/"+key+"/updates?sort.asc=id", &updates)
	if err == ErrNotFound {
		return nil, nil
	}
	return updates, err
}

// Transactions lists transactions matching query, such as target,
// entrypoint and level filters.
func (t *TzKT) Transactions(ctx context.Context, query url.Values) ([]TzktTransaction, error) {
	var txs []TzktTransaction
	if err := t.get(ctx, "/v1/operations/transactions?"+query.Encode(), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// Operations returns the operations of a group, empty when it is not
// included yet.
func (t *TzKT) Operations(ctx context.Context, hash string) ([]TzktOperation, error) {
	var ops []TzktOperation
	err := t.get(ctx, "/v1/operations/"+hash, &ops)
	if err == ErrNotFound {
		return nil, nil
	}
	return ops, err
}

// get decodes a GET response. TzKT answers 204 with no body for missing
// single objects; that maps to ErrNotFound like a 404.
func (t *TzKT) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
