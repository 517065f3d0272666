package coinselect

import (
	"errors"
	"fmt"
	"testing"
)

const testDust = 1000

func p2pkhInputs(values ...uint64) []UtxoInput {
	inputs := make([]UtxoInput, len(values))
	for i, v := range values {
		inputs[i] = UtxoInput{
			TxID:     fmt.Sprintf("%064x", i+1),
			Vout:     uint32(i),
			Value:    v,
			Type:     OutputP2PKH,
			PkScript: p2pkhScript(byte(i)),
		}
	}
	return inputs
}

func payTo(value uint64) []Output {
	return []Output{{Value: value, PkScript: p2pkhScript(0xaa)}}
}

var testChange = ChangeOutput{Address: "change", PkScript: p2pkhScript(0xcc)}

func checkBalance(t *testing.T, r *Result) {
	t.Helper()
	out := r.Required + r.Fee
	if r.UseChangeAddress {
		out += r.Change
		if r.Change < testDust {
			t.Errorf("change %d is dust", r.Change)
		}
	} else if r.Change != 0 {
		t.Errorf("Change = %d without change output", r.Change)
	}
	if out != r.InputsTotal {
		t.Errorf("inputs %d != required %d + fee %d + change %d", r.InputsTotal, r.Required, r.Fee, r.Change)
	}
}

func TestSelectSingleInputWithChange(t *testing.T) {
	r, err := SelectByFeeRate(p2pkhInputs(5000, 30000, 20000), payTo(10000), testChange, 2, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}

	if len(r.Inputs) != 1 || r.Inputs[0].Value != 20000 {
		t.Fatalf("selected %v, want the 20000 input", r.Inputs)
	}
	if r.Size != 193 || r.SizeWithChange != 227 {
		t.Errorf("sizes = %d/%d, want 193/227", r.Size, r.SizeWithChange)
	}
	if !r.UseChangeAddress {
		t.Fatal("expected change output")
	}
	if r.Fee != 454 {
		t.Errorf("Fee = %d, want 454", r.Fee)
	}
	if r.Change != 9546 {
		t.Errorf("Change = %d, want 9546", r.Change)
	}
	if r.ChangeAddress != "change" {
		t.Errorf("ChangeAddress = %q", r.ChangeAddress)
	}
	checkBalance(t, r)
}

func TestSelectDustChangeFoldedIntoFee(t *testing.T) {
	r, err := SelectByFeeRate(p2pkhInputs(30000, 20000), payTo(19500), testChange, 2, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}
	if len(r.Inputs) != 1 || r.Inputs[0].Value != 20000 {
		t.Fatalf("selected %v, want the 20000 input", r.Inputs)
	}
	if r.UseChangeAddress {
		t.Error("dust change should not create an output")
	}
	if r.Fee != 500 {
		t.Errorf("Fee = %d, want 500", r.Fee)
	}
	checkBalance(t, r)
}

func TestSelectExactAmountNoChange(t *testing.T) {
	r, err := SelectByFeeRate(p2pkhInputs(10386), payTo(10000), testChange, 2, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}
	if r.UseChangeAddress || r.Fee != 386 {
		t.Errorf("UseChangeAddress=%v Fee=%d, want false/386", r.UseChangeAddress, r.Fee)
	}
	checkBalance(t, r)
}

func TestSelectMinimalInputCount(t *testing.T) {
	r, err := SelectByFeeRate(p2pkhInputs(1000, 2000, 3000, 9000, 10000), payTo(18000), testChange, 1, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}
	if len(r.Inputs) != 2 {
		t.Fatalf("selected %d inputs, want 2", len(r.Inputs))
	}
	got := r.Inputs[0].Value + r.Inputs[1].Value
	if got != 19000 {
		t.Errorf("selected total %d, want 19000", got)
	}
	checkBalance(t, r)
}

func TestSelectMinimalInputCountMixedTypes(t *testing.T) {
	inputs := []UtxoInput{
		{TxID: fmt.Sprintf("%064x", 1), Value: 6000, Type: OutputP2WPKH, PkScript: p2wpkhScript(1)},
		{TxID: fmt.Sprintf("%064x", 2), Value: 6001, Type: OutputP2PKH, PkScript: p2pkhScript(2)},
		{TxID: fmt.Sprintf("%064x", 3), Value: 6002, Type: OutputP2WPKH, PkScript: p2wpkhScript(3)},
	}
	r, err := SelectByFeeRate(inputs, payTo(10000), testChange, 10, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}
	if len(r.Inputs) != 2 {
		t.Fatalf("selected %d inputs, want 2", len(r.Inputs))
	}
	for _, in := range r.Inputs {
		if in.Type != OutputP2WPKH {
			t.Errorf("selected %s input %d, want the two P2WPKH inputs", in.Type, in.Value)
		}
	}
	if r.Inputs[0].Value != 6000 || r.Inputs[1].Value != 6002 {
		t.Errorf("selected %d and %d, want 6000 and 6002", r.Inputs[0].Value, r.Inputs[1].Value)
	}
	checkBalance(t, r)
}

func TestSelectSkipsUneconomicalInputs(t *testing.T) {
	r, err := SelectByFeeRate(p2pkhInputs(1000, 1000, 30000, 30000), payTo(50000), testChange, 10, testDust)
	if err != nil {
		t.Fatalf("SelectByFeeRate failed: %v", err)
	}
	for _, in := range r.Inputs {
		if in.Value == 1000 {
			t.Errorf("uneconomical input %s selected", in.TxID)
		}
	}
	checkBalance(t, r)
}

func TestSelectInsufficientFunds(t *testing.T) {
	_, err := SelectByFeeRate(p2pkhInputs(1000, 2000), payTo(5000), testChange, 1, testDust)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}

	_, err = SelectByFeeRate(nil, payTo(5000), testChange, 1, testDust)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("empty inputs: err = %v, want ErrInsufficientFunds", err)
	}

	// Enough value, not enough for the fee.
	_, err = SelectByFeeRate(p2pkhInputs(5000), payTo(5000), testChange, 1, testDust)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("fee shortfall: err = %v, want ErrInsufficientFunds", err)
	}
}

func TestSelectInvalidArguments(t *testing.T) {
	inputs := p2pkhInputs(10000)
	tests := []struct {
		name    string
		outputs []Output
		change  ChangeOutput
		rate    float64
	}{
		{"no outputs", nil, testChange, 1},
		{"zero output", payTo(0), testChange, 1},
		{"no change script", payTo(100), ChangeOutput{}, 1},
		{"zero fee rate", payTo(100), testChange, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SelectByFeeRate(inputs, tt.outputs, tt.change, tt.rate, testDust)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}

	unsized := []UtxoInput{{TxID: "x", Value: 50000, Type: OutputNonStandard}}
	if _, err := SelectByFeeRate(unsized, payTo(100), testChange, 1, testDust); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unsized input: err = %v, want ErrInvalidArgument", err)
	}
}

func TestSelectDoesNotReorderCallerInputs(t *testing.T) {
	inputs := p2pkhInputs(30000, 5000, 20000)
	if _, err := SelectByFeeRate(inputs, payTo(10000), testChange, 1, testDust); err != nil {
		t.Fatal(err)
	}
	if inputs[0].Value != 30000 || inputs[1].Value != 5000 || inputs[2].Value != 20000 {
		t.Error("caller inputs were reordered")
	}
}

func TestSelectByFixedFee(t *testing.T) {
	r, err := SelectByFixedFee(p2pkhInputs(20000), payTo(10000), testChange, 1000, testDust)
	if err != nil {
		t.Fatalf("SelectByFixedFee failed: %v", err)
	}
	if !r.UseChangeAddress || r.Fee != 1000 || r.Change != 9000 {
		t.Errorf("UseChangeAddress=%v Fee=%d Change=%d, want true/1000/9000", r.UseChangeAddress, r.Fee, r.Change)
	}
	if want := 1000.0 / 227.0; r.FeeRate != want {
		t.Errorf("FeeRate = %v, want %v", r.FeeRate, want)
	}
	checkBalance(t, r)

	// Fixed fee mode keeps small inputs: they cost nothing extra to spend.
	r, err = SelectByFixedFee(p2pkhInputs(600, 600, 600), payTo(1000), testChange, 500, testDust)
	if err != nil {
		t.Fatalf("SelectByFixedFee failed: %v", err)
	}
	if len(r.Inputs) != 3 {
		t.Errorf("selected %d inputs, want 3", len(r.Inputs))
	}
	checkBalance(t, r)
}

func TestSelectNeverLeavesDustChange(t *testing.T) {
	inputs := p2pkhInputs(1500, 4000, 7000, 12000, 25000, 60000)
	for required := uint64(500); required < 100000; required += 777 {
		for _, rate := range []float64{1, 2.5, 7} {
			r, err := SelectByFeeRate(inputs, payTo(required), testChange, rate, testDust)
			if errors.Is(err, ErrInsufficientFunds) {
				continue
			}
			if err != nil {
				t.Fatalf("required=%d rate=%v: %v", required, rate, err)
			}
			checkBalance(t, r)
			if r.Fee < FeeForSize(r.SelectedSize(), rate) {
				t.Errorf("required=%d rate=%v: fee %d below rate for size %d", required, rate, r.Fee, r.SelectedSize())
			}
		}
	}
}

func TestCalculateFee(t *testing.T) {
	fee := func(size int) uint64 { return uint64(size) }
	tests := []struct {
		name       string
		total      uint64
		required   uint64
		wantFee    uint64
		wantChange uint64
		wantUse    bool
	}{
		{"exact", 1100, 1000, 100, 0, false},
		{"dust leftover", 1600, 1000, 600, 0, false},
		{"change above dust after larger fee", 3200, 1000, 150, 2050, true},
		{"change becomes dust after larger fee", 2130, 1000, 1130, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotFee, gotChange, gotUse := CalculateFee(tt.total, tt.required, 100, 150, fee, testDust)
			if gotFee != tt.wantFee || gotChange != tt.wantChange || gotUse != tt.wantUse {
				t.Errorf("CalculateFee = (%d, %d, %v), want (%d, %d, %v)",
					gotFee, gotChange, gotUse, tt.wantFee, tt.wantChange, tt.wantUse)
			}
		})
	}
}
