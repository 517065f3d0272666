package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
	"github.com/atomex-me/atomex.client.core-sub004/internal/swap"
)

// setupTestStorage creates a temporary storage for testing.
func setupTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "swap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func createTestSwap(id string) *swap.Swap {
	secret := bytes.Repeat([]byte{0x42}, htlc.SecretSize)
	return &swap.Swap{
		ID:            id,
		Symbol:        "BTC",
		PartySymbol:   "XTZ",
		Role:          swap.RoleInitiator,
		Amount:        100000,
		PartyAmount:   25000000,
		Secret:        secret,
		SecretHash:    htlc.HashSecret(secret),
		ToAddress:     "bc1qto",
		RefundAddress: "bc1qrefund",
		KeyPath:       "m/84'/0'/0'/0/0",
		RedeemAddress: "tz2redeem",
		RedeemKeyPath: "m/44'/1729'/0'/0'/0'",
		PartyAddress:  "tz2party",
		TimeStamp:     time.Unix(1700000000, 0),
		LockTime:      36000,
		PartyLockTime: 18000,
		StateFlags:    swap.HasSecret | swap.HasSecretHash,
	}
}

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: filepath.Join(tmpDir, "nested")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "nested", DatabaseFile)); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	for _, table := range []string{"swaps", "transactions"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.swapd"), filepath.Join(home, ".swapd"); got != want {
		t.Errorf("expandPath(~/.swapd) = %s, want %s", got, want)
	}
	if got := expandPath("/var/lib/swapd"); got != "/var/lib/swapd" {
		t.Errorf("expandPath changed an absolute path: %s", got)
	}
}

func TestSwapCRUD(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	sw := createTestSwap("swap-1")
	if err := store.UpsertSwap(ctx, sw); err != nil {
		t.Fatalf("UpsertSwap() error = %v", err)
	}
	if sw.CreatedAt.IsZero() {
		t.Error("CreatedAt was not set")
	}

	got, err := store.GetSwap(ctx, "swap-1")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.Role != swap.RoleInitiator || got.Symbol != "BTC" || got.PartySymbol != "XTZ" {
		t.Errorf("identity = %s %s/%s", got.Role, got.Symbol, got.PartySymbol)
	}
	if got.Amount != 100000 || got.PartyAmount != 25000000 {
		t.Errorf("amounts = %d/%d", got.Amount, got.PartyAmount)
	}
	if !bytes.Equal(got.Secret, sw.Secret) || !bytes.Equal(got.SecretHash, sw.SecretHash) {
		t.Error("secret did not round trip")
	}
	if !got.TimeStamp.Equal(sw.TimeStamp) || got.LockTime != 36000 || got.PartyLockTime != 18000 {
		t.Errorf("timing = %v %d %d", got.TimeStamp, got.LockTime, got.PartyLockTime)
	}
	if !got.RefundTime().Equal(sw.RefundTime()) {
		t.Errorf("RefundTime = %v, want %v", got.RefundTime(), sw.RefundTime())
	}
	if got.KeyPath != sw.KeyPath || got.RedeemKeyPath != sw.RedeemKeyPath {
		t.Errorf("key paths = %q %q", got.KeyPath, got.RedeemKeyPath)
	}
	if got.StateFlags != sw.StateFlags {
		t.Errorf("StateFlags = %s, want %s", got.StateFlags, sw.StateFlags)
	}

	// Progress columns update, terms do not.
	sw.StateFlags.Set(swap.IsPaymentSigned | swap.IsPaymentBroadcast)
	sw.PaymentTxID = "aa11"
	sw.LastRefundTryAt = time.Unix(1700001000, 0)
	sw.Amount = 1
	if err := store.UpsertSwap(ctx, sw); err != nil {
		t.Fatalf("UpsertSwap() update error = %v", err)
	}

	got, err = store.GetSwap(ctx, "swap-1")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if !got.StateFlags.Has(swap.IsPaymentBroadcast) || got.PaymentTxID != "aa11" {
		t.Errorf("progress = %s %q", got.StateFlags, got.PaymentTxID)
	}
	if !got.LastRefundTryAt.Equal(time.Unix(1700001000, 0)) {
		t.Errorf("LastRefundTryAt = %v", got.LastRefundTryAt)
	}
	if !got.LastRedeemTryAt.IsZero() {
		t.Errorf("LastRedeemTryAt = %v, want zero", got.LastRedeemTryAt)
	}
	if got.Amount != 100000 {
		t.Errorf("Amount = %d, terms must not change", got.Amount)
	}
}

func TestGetSwapNotFound(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := store.GetSwap(context.Background(), "missing")
	if !errors.Is(err, swap.ErrSwapNotFound) {
		t.Errorf("err = %v, want ErrSwapNotFound", err)
	}
}

func TestSwapWithoutSecret(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	sw := createTestSwap("acceptor")
	sw.Role = swap.RoleAcceptor
	sw.Secret = nil
	sw.StateFlags = swap.HasSecretHash
	if err := store.UpsertSwap(ctx, sw); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSwap(ctx, "acceptor")
	if err != nil {
		t.Fatal(err)
	}
	if got.Secret != nil {
		t.Errorf("Secret = %x, want nil", got.Secret)
	}
}

func TestGetActiveSwaps(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	terminal := map[string]swap.StateFlags{
		"active":   swap.IsPaymentBroadcast,
		"redeemed": swap.IsRedeemConfirmed,
		"refunded": swap.IsRefundConfirmed,
		"canceled": swap.IsCanceled,
		"pending":  swap.IsRedeemBroadcast,
	}
	for id, flags := range terminal {
		sw := createTestSwap(id)
		sw.StateFlags.Set(flags)
		if err := store.UpsertSwap(ctx, sw); err != nil {
			t.Fatal(err)
		}
	}

	active, err := store.GetActiveSwaps(ctx)
	if err != nil {
		t.Fatalf("GetActiveSwaps() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active swaps, want 2", len(active))
	}
	for _, sw := range active {
		if sw.ID != "active" && sw.ID != "pending" {
			t.Errorf("unexpected active swap %s", sw.ID)
		}
	}

	all, err := store.ListSwaps(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("ListSwaps returned %d, want 5", len(all))
	}
}

func TestTransactionCRUD(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.UpsertSwap(ctx, createTestSwap("swap-1")); err != nil {
		t.Fatal(err)
	}

	tx := &swap.Transaction{
		ID:     "aa11",
		Symbol: "BTC",
		SwapID: "swap-1",
		Kind:   swap.TxPayment,
		Raw:    "0200000001",
	}
	if err := store.UpsertTransaction(ctx, tx); err != nil {
		t.Fatalf("UpsertTransaction() error = %v", err)
	}

	// Same id on another chain is a different transaction.
	other := &swap.Transaction{ID: "aa11", Symbol: "LTC", SwapID: "swap-1", Kind: swap.TxRedeem}
	if err := store.UpsertTransaction(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTransactionByID(ctx, "BTC", "aa11")
	if err != nil {
		t.Fatalf("GetTransactionByID() error = %v", err)
	}
	if got.Kind != swap.TxPayment || got.Raw != "0200000001" || got.Confirmed {
		t.Errorf("transaction = %+v", got)
	}

	unconfirmed, err := store.GetUnconfirmedTransactions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 2 {
		t.Fatalf("got %d unconfirmed, want 2", len(unconfirmed))
	}

	// Confirmation without the raw payload keeps the stored payload.
	if err := store.UpsertTransaction(ctx, &swap.Transaction{
		ID: "aa11", Symbol: "BTC", SwapID: "swap-1", Kind: swap.TxPayment,
		Confirmed: true, BlockHeight: 800000,
	}); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetTransactionByID(ctx, "BTC", "aa11")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Confirmed || got.BlockHeight != 800000 || got.Raw != "0200000001" {
		t.Errorf("after confirm = %+v", got)
	}

	// A stale unconfirmed write does not undo the confirmation.
	tx.Confirmed = false
	if err := store.UpsertTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTransactionByID(ctx, "BTC", "aa11")
	if !got.Confirmed {
		t.Error("confirmation was cleared")
	}

	unconfirmed, _ = store.GetUnconfirmedTransactions(ctx)
	if len(unconfirmed) != 1 || unconfirmed[0].Symbol != "LTC" {
		t.Errorf("unconfirmed = %+v", unconfirmed)
	}

	all, err := store.GetSwapTransactions(ctx, "swap-1")
	if err != nil || len(all) != 2 {
		t.Errorf("GetSwapTransactions = %d, %v", len(all), err)
	}

	if _, err := store.GetTransactionByID(ctx, "BTC", "missing"); !errors.Is(err, swap.ErrTxNotFound) {
		t.Errorf("err = %v, want ErrTxNotFound", err)
	}
}
