package swap

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/atomex-me/atomex.client.core-sub004/internal/htlc"
)

func TestStateFlags(t *testing.T) {
	var f StateFlags
	if f.String() != "None" || f.IsTerminal() {
		t.Errorf("zero flags = %s terminal %v", f, f.IsTerminal())
	}

	f.Set(HasSecret | IsPaymentSigned)
	f.Set(IsPaymentSigned)
	if !f.Has(HasSecret) || !f.Has(HasSecret|IsPaymentSigned) || f.Has(IsPaymentBroadcast) {
		t.Errorf("Has() wrong for %s", f)
	}
	if got := f.String(); got != "HasSecret|IsPaymentSigned" {
		t.Errorf("String() = %q", got)
	}

	for _, terminal := range []StateFlags{IsRedeemConfirmed, IsRefundConfirmed, IsCanceled} {
		if !(f | terminal).IsTerminal() {
			t.Errorf("%s should be terminal", terminal)
		}
	}
}

func TestSwapTimes(t *testing.T) {
	s := testSwap(RoleInitiator)
	s.TimeStamp = time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)

	if want := time.Date(2024, 5, 1, 16, 0, 0, 0, time.UTC); !s.RefundTime().Equal(want) {
		t.Errorf("RefundTime() = %s, want %s", s.RefundTime(), want)
	}
	if want := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC); !s.PartyRefundTime().Equal(want) {
		t.Errorf("PartyRefundTime() = %s, want %s", s.PartyRefundTime(), want)
	}
}

func TestSwapValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Swap)
		ok     bool
	}{
		{"valid initiator", func(s *Swap) {}, true},
		{"valid acceptor", func(s *Swap) { s.Role = RoleAcceptor; s.LockTime, s.PartyLockTime = s.PartyLockTime, s.LockTime }, true},
		{"missing id", func(s *Swap) { s.ID = "" }, false},
		{"missing symbol", func(s *Swap) { s.PartySymbol = "" }, false},
		{"unknown role", func(s *Swap) { s.Role = "maker" }, false},
		{"zero amount", func(s *Swap) { s.Amount = 0 }, false},
		{"short hash", func(s *Swap) { s.SecretHash = s.SecretHash[:8] }, false},
		{"missing address", func(s *Swap) { s.PartyAddress = "" }, false},
		{"missing lock time", func(s *Swap) { s.LockTime = 0 }, false},
		{"initiator expires first", func(s *Swap) { s.LockTime = s.PartyLockTime }, false},
		{"acceptor outlasts initiator", func(s *Swap) { s.Role = RoleAcceptor }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSwap(RoleInitiator)
			tt.mutate(s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Validate() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestSwapSetSecret(t *testing.T) {
	s := testSwap(RoleAcceptor)
	if err := s.SetSecret(bytes.Repeat([]byte{1}, htlc.SecretSize)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("wrong secret: err = %v", err)
	}
	if s.StateFlags.Has(HasSecret) || s.Secret != nil {
		t.Fatal("wrong secret was recorded")
	}

	if err := s.SetSecret(testSecret); err != nil {
		t.Fatalf("SetSecret() error = %v", err)
	}
	if !s.StateFlags.Has(HasSecret) || !bytes.Equal(s.Secret, testSecret) {
		t.Errorf("secret %x flags %s", s.Secret, s.StateFlags)
	}

	// Without a hash the secret defines it.
	fresh := &Swap{}
	if err := fresh.SetSecret(testSecret); err != nil {
		t.Fatal(err)
	}
	if !fresh.StateFlags.Has(HasSecret|HasSecretHash) || !bytes.Equal(fresh.SecretHash, htlc.HashSecret(testSecret)) {
		t.Errorf("hash %x flags %s", fresh.SecretHash, fresh.StateFlags)
	}
}

func TestSwapClone(t *testing.T) {
	s := testSwap(RoleInitiator)
	c := s.Clone()
	c.Secret[0] ^= 0xff
	c.SecretHash[0] ^= 0xff
	c.StateFlags.Set(IsCanceled)

	if !bytes.Equal(s.Secret, testSecret) || !bytes.Equal(s.SecretHash, htlc.HashSecret(testSecret)) {
		t.Error("Clone shares byte slices")
	}
	if s.StateFlags.Has(IsCanceled) {
		t.Error("Clone shares flags")
	}
}
