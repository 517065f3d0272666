package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// confirmedPageSize is the number of confirmed transactions the address
// endpoint returns per page.
const confirmedPageSize = 25

// maxTxPages bounds history paging for busy addresses.
const maxTxPages = 40

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space, litecoinspace.org, and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool

	// feePath and feeKey locate the fast fee rate in the fee endpoint.
	feePath string
	feeKey  string
}

// NewMempoolBackend creates a new mempool.space backend. A zero timeout
// means 30 seconds.
func NewMempoolBackend(baseURL string, timeout time.Duration) *MempoolBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MempoolBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		feePath: "/v1/fees/recommended",
		feeKey:  "fastestFee",
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetBalance returns the confirmed balance plus the unconfirmed delta.
func (m *MempoolBackend) GetBalance(ctx context.Context, address string) (uint64, error) {
	var result struct {
		ChainStats struct {
			FundedTxoSum uint64 `json:"funded_txo_sum"`
			SpentTxoSum  uint64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
		MempoolStats struct {
			FundedTxoSum uint64 `json:"funded_txo_sum"`
			SpentTxoSum  uint64 `json:"spent_txo_sum"`
		} `json:"mempool_stats"`
	}

	if err := m.get(ctx, "/address/"+address, &result); err != nil {
		return 0, err
	}

	funded := result.ChainStats.FundedTxoSum + result.MempoolStats.FundedTxoSum
	spent := result.ChainStats.SpentTxoSum + result.MempoolStats.SpentTxoSum
	if spent > funded {
		return 0, nil
	}
	return funded - spent, nil
}

// GetOutputs returns all outputs paid to address, each with its spend status.
func (m *MempoolBackend) GetOutputs(ctx context.Context, address string) ([]Output, error) {
	txs, err := m.addressTxs(ctx, address)
	if err != nil {
		return nil, err
	}

	height, err := m.GetBlockHeight(ctx)
	if err != nil {
		height = 0
	}

	var outputs []Output
	for _, tx := range txs {
		var owned []uint32
		for i, vout := range tx.Vout {
			if vout.ScriptPubKeyAddr == address {
				owned = append(owned, uint32(i))
			}
		}
		if len(owned) == 0 {
			continue
		}

		var spends []mempoolOutspend
		if err := m.get(ctx, "/tx/"+tx.TxID+"/outspends", &spends); err != nil {
			return nil, fmt.Errorf("outspends of %s: %w", tx.TxID, err)
		}

		for _, idx := range owned {
			vout := tx.Vout[idx]
			pkScript, err := hex.DecodeString(vout.ScriptPubKey)
			if err != nil {
				return nil, fmt.Errorf("bad script in %s:%d: %w", tx.TxID, idx, err)
			}

			out := Output{
				TxID:          tx.TxID,
				Vout:          idx,
				Value:         vout.Value,
				PkScript:      pkScript,
				Address:       address,
				BlockHeight:   tx.Status.BlockHeight,
				Confirmations: confirmations(tx.Status.Confirmed, tx.Status.BlockHeight, height),
			}
			if int(idx) < len(spends) && spends[idx].Spent {
				out.Spent = true
				out.SpentTxID = spends[idx].TxID
				out.SpentVin = spends[idx].Vin
				out.SpentConfirmed = spends[idx].Status.Confirmed
			}
			outputs = append(outputs, out)
		}
	}

	return outputs, nil
}

// addressTxs pages through the address history, mempool first.
func (m *MempoolBackend) addressTxs(ctx context.Context, address string) ([]mempoolTx, error) {
	var all []mempoolTx
	if err := m.get(ctx, "/address/"+address+"/txs", &all); err != nil {
		return nil, err
	}

	page := all
	for i := 0; i < maxTxPages; i++ {
		confirmed := 0
		lastSeen := ""
		for _, tx := range page {
			if tx.Status.Confirmed {
				confirmed++
				lastSeen = tx.TxID
			}
		}
		if confirmed < confirmedPageSize || lastSeen == "" {
			break
		}

		page = nil
		if err := m.get(ctx, "/address/"+address+"/txs/chain/"+lastSeen, &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
	}

	return all, nil
}

// GetTransaction returns a transaction by ID.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.get(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
		}
		return nil, err
	}

	tx := result.convert()
	if tx.Confirmed && tx.BlockHeight > 0 {
		height, err := m.GetBlockHeight(ctx)
		if err == nil {
			tx.Confirmations = confirmations(true, tx.BlockHeight, height)
		}
	}

	return tx, nil
}

// Broadcast broadcasts a raw transaction.
func (m *MempoolBackend) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}

	// Response is the txid
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := m.get(ctx, "/blocks/tip/height", &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetFeeRate returns the fast fee rate in sat/vB.
func (m *MempoolBackend) GetFeeRate(ctx context.Context) (float64, error) {
	var result map[string]float64
	if err := m.get(ctx, m.feePath, &result); err != nil {
		return 0, err
	}
	rate, ok := result[m.feeKey]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no %s in fee estimates", m.feeKey)
	}
	return rate, nil
}

// get performs a GET request and decodes JSON response.
func (m *MempoolBackend) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAddressNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func confirmations(confirmed bool, blockHeight, tipHeight int64) int64 {
	switch {
	case !confirmed:
		return 0
	case blockHeight > 0 && tipHeight >= blockHeight:
		return tipHeight - blockHeight + 1
	default:
		return 1
	}
}

// mempoolOutspend is one entry of /tx/:txid/outspends.
type mempoolOutspend struct {
	Spent  bool   `json:"spent"`
	TxID   string `json:"txid"`
	Vin    uint32 `json:"vin"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string    `json:"txid"`
		Vout      uint32    `json:"vout"`
		ScriptSig string    `json:"scriptsig"`
		Witness   []string  `json:"witness"`
		Sequence  uint32    `json:"sequence"`
		Prevout   *TxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []TxOutput `json:"vout"`
}

// convert converts mempool format to our Transaction format.
func (mt *mempoolTx) convert() *Transaction {
	tx := &Transaction{
		TxID:        mt.TxID,
		Version:     mt.Version,
		Size:        mt.Size,
		Weight:      mt.Weight,
		VSize:       (mt.Weight + 3) / 4,
		LockTime:    mt.LockTime,
		Fee:         mt.Fee,
		Confirmed:   mt.Status.Confirmed,
		BlockHash:   mt.Status.BlockHash,
		BlockHeight: mt.Status.BlockHeight,
		BlockTime:   mt.Status.BlockTime,
		Inputs:      make([]TxInput, len(mt.Vin)),
		Outputs:     append([]TxOutput(nil), mt.Vout...),
	}
	if tx.Confirmed {
		tx.Confirmations = 1
	}

	for j, vin := range mt.Vin {
		tx.Inputs[j] = TxInput{
			TxID:      vin.TxID,
			Vout:      vin.Vout,
			ScriptSig: vin.ScriptSig,
			Witness:   vin.Witness,
			Sequence:  vin.Sequence,
			PrevOut:   vin.Prevout,
		}
	}
	return tx
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
