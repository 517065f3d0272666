package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/chain"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
	"github.com/atomex-me/atomex.client.core-sub004/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

var (
	errInvalidParams = errors.New("invalid params")
	errSwapExists    = errors.New("swap already exists")
)

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Version   string `json:"version"`
	Network   string `json:"network"`
	Uptime    string `json:"uptime"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &NodeStatusResult{
		Version:   Version,
		Network:   string(s.cfg.Network),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

// AddSwapParams describes a swap agreed with a counterparty. Amounts are
// decimal strings in each chain's swap unit; hashes and secrets are hex.
type AddSwapParams struct {
	ID          string `json:"id,omitempty"`
	Symbol      string `json:"symbol"`
	PartySymbol string `json:"party_symbol"`
	Role        string `json:"role"`

	Amount               string `json:"amount"`
	PartyAmount          string `json:"party_amount"`
	RewardForRedeem      string `json:"reward_for_redeem,omitempty"`
	PartyRewardForRedeem string `json:"party_reward_for_redeem,omitempty"`

	SecretHash string `json:"secret_hash,omitempty"`

	ToAddress     string `json:"to_address"`
	RefundAddress string `json:"refund_address"`
	KeyPath       string `json:"key_path"`
	RedeemAddress string `json:"redeem_address"`
	RedeemKeyPath string `json:"redeem_key_path"`
	PartyAddress  string `json:"party_address"`

	// TimeStamp in unix seconds defaults to now. Lock times are seconds.
	TimeStamp     int64  `json:"timestamp,omitempty"`
	LockTime      uint32 `json:"lock_time,omitempty"`
	PartyLockTime uint32 `json:"party_lock_time,omitempty"`
}

// SwapInfo is a swap as returned over RPC. The secret is never exposed.
type SwapInfo struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	PartySymbol string `json:"party_symbol"`
	Role        string `json:"role"`

	Amount      string `json:"amount"`
	PartyAmount string `json:"party_amount"`

	SecretHash string `json:"secret_hash"`
	HasSecret  bool   `json:"has_secret"`

	ToAddress     string `json:"to_address"`
	RefundAddress string `json:"refund_address"`
	RedeemAddress string `json:"redeem_address"`
	PartyAddress  string `json:"party_address"`

	TimeStamp       int64 `json:"timestamp"`
	RefundTime      int64 `json:"refund_time"`
	PartyRefundTime int64 `json:"party_refund_time"`

	Flags uint32 `json:"flags"`
	State string `json:"state"`

	PaymentTxID      string `json:"payment_txid,omitempty"`
	PartyPaymentTxID string `json:"party_payment_txid,omitempty"`
	RedeemTxID       string `json:"redeem_txid,omitempty"`
	RefundTxID       string `json:"refund_txid,omitempty"`
	PartyRedeemTxID  string `json:"party_redeem_txid,omitempty"`

	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// SwapIDParams selects one swap.
type SwapIDParams struct {
	ID string `json:"id"`
}

func (s *Server) swapAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddSwapParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	sw, err := s.newSwap(&p)
	if err != nil {
		return nil, err
	}
	if sw.ID != "" {
		if _, err := s.manager.GetSwap(ctx, sw.ID); err == nil {
			return nil, fmt.Errorf("%w: %s", errSwapExists, sw.ID)
		}
	}
	if err := s.manager.AddSwap(ctx, sw); err != nil {
		return nil, err
	}
	s.log.Info("Swap added", "swap_id", sw.ID, "role", sw.Role, "symbol", sw.Symbol, "party_symbol", sw.PartySymbol)
	return s.swapInfo(sw), nil
}

// newSwap converts request params, filling lock times from the config.
func (s *Server) newSwap(p *AddSwapParams) (*swap.Swap, error) {
	role := swap.Role(strings.ToLower(p.Role))
	if role != swap.RoleInitiator && role != swap.RoleAcceptor {
		return nil, fmt.Errorf("%w: role must be initiator or acceptor", errInvalidParams)
	}

	sw := &swap.Swap{
		ID:            p.ID,
		Symbol:        strings.ToUpper(p.Symbol),
		PartySymbol:   strings.ToUpper(p.PartySymbol),
		Role:          role,
		ToAddress:     p.ToAddress,
		RefundAddress: p.RefundAddress,
		KeyPath:       p.KeyPath,
		RedeemAddress: p.RedeemAddress,
		RedeemKeyPath: p.RedeemKeyPath,
		PartyAddress:  p.PartyAddress,
		LockTime:      p.LockTime,
		PartyLockTime: p.PartyLockTime,
	}

	var err error
	if sw.Amount, err = s.parseAmount(p.Amount, sw.Symbol, true); err != nil {
		return nil, err
	}
	if sw.RewardForRedeem, err = s.parseAmount(p.RewardForRedeem, sw.Symbol, false); err != nil {
		return nil, err
	}
	if sw.PartyAmount, err = s.parseAmount(p.PartyAmount, sw.PartySymbol, true); err != nil {
		return nil, err
	}
	if sw.PartyRewardForRedeem, err = s.parseAmount(p.PartyRewardForRedeem, sw.PartySymbol, false); err != nil {
		return nil, err
	}

	if p.SecretHash != "" {
		hash, err := helpers.HexToBytes(p.SecretHash)
		if err != nil {
			return nil, fmt.Errorf("%w: secret_hash: %v", errInvalidParams, err)
		}
		sw.SecretHash = hash
		sw.StateFlags.Set(swap.HasSecretHash)
	} else if role == swap.RoleAcceptor {
		return nil, fmt.Errorf("%w: acceptor needs the initiator's secret_hash", errInvalidParams)
	}

	if p.TimeStamp > 0 {
		sw.TimeStamp = time.Unix(p.TimeStamp, 0).UTC()
	}
	initiator := uint32(s.cfg.InitiatorLockTime / time.Second)
	acceptor := uint32(s.cfg.AcceptorLockTime / time.Second)
	if role == swap.RoleAcceptor {
		initiator, acceptor = acceptor, initiator
	}
	if sw.LockTime == 0 {
		sw.LockTime = initiator
	}
	if sw.PartyLockTime == 0 {
		sw.PartyLockTime = acceptor
	}
	return sw, nil
}

// parseAmount reads a decimal amount in the swap unit of symbol.
func (s *Server) parseAmount(value, symbol string, required bool) (uint64, error) {
	if value == "" && !required {
		return 0, nil
	}
	params, ok := chain.Get(symbol, s.cfg.Network)
	if !ok {
		return 0, fmt.Errorf("%w: %s", swap.ErrNoCoordinator, symbol)
	}
	amount, err := helpers.ParseAmount(value, params.UnitDecimals)
	if err != nil {
		return 0, fmt.Errorf("%w: %s amount: %v", errInvalidParams, symbol, err)
	}
	return amount, nil
}

func (s *Server) formatAmount(amount uint64, symbol string) string {
	params, ok := chain.Get(symbol, s.cfg.Network)
	if !ok {
		return fmt.Sprintf("%d", amount)
	}
	return helpers.FormatAmount(amount, params.UnitDecimals)
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("%w: id required", errInvalidParams)
	}
	sw, err := s.manager.GetSwap(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return s.swapInfo(sw), nil
}

func (s *Server) swapCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("%w: id required", errInvalidParams)
	}
	if err := s.manager.CancelSwap(ctx, p.ID); err != nil {
		return nil, err
	}
	sw, err := s.manager.GetSwap(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return s.swapInfo(sw), nil
}

func (s *Server) swapInfo(sw *swap.Swap) *SwapInfo {
	info := &SwapInfo{
		ID:               sw.ID,
		Symbol:           sw.Symbol,
		PartySymbol:      sw.PartySymbol,
		Role:             string(sw.Role),
		Amount:           s.formatAmount(sw.Amount, sw.Symbol),
		PartyAmount:      s.formatAmount(sw.PartyAmount, sw.PartySymbol),
		SecretHash:       helpers.BytesToHex(sw.SecretHash),
		HasSecret:        sw.StateFlags.Has(swap.HasSecret),
		ToAddress:        sw.ToAddress,
		RefundAddress:    sw.RefundAddress,
		RedeemAddress:    sw.RedeemAddress,
		PartyAddress:     sw.PartyAddress,
		TimeStamp:        sw.TimeStamp.Unix(),
		RefundTime:       sw.RefundTime().Unix(),
		PartyRefundTime:  sw.PartyRefundTime().Unix(),
		Flags:            uint32(sw.StateFlags),
		State:            sw.StateFlags.String(),
		PaymentTxID:      sw.PaymentTxID,
		PartyPaymentTxID: sw.PartyPaymentTxID,
		RedeemTxID:       sw.RedeemTxID,
		RefundTxID:       sw.RefundTxID,
		PartyRedeemTxID:  sw.PartyRedeemTxID,
	}
	if !sw.UpdatedAt.IsZero() {
		info.UpdatedAt = sw.UpdatedAt.Unix()
	}
	return info
}
