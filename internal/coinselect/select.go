package coinselect

import (
	"fmt"
	"sort"
)

// FeeFunc returns the fee for a transaction of the given virtual size.
type FeeFunc func(size int) uint64

// SelectByFeeRate selects inputs paying outputs at feeRate per virtual byte.
// Inputs that cost more to spend than they are worth are never used.
func SelectByFeeRate(inputs []UtxoInput, outputs []Output, change ChangeOutput, feeRate float64, dustThreshold uint64) (*Result, error) {
	if feeRate <= 0 {
		return nil, fmt.Errorf("%w: fee rate must be positive", ErrInvalidArgument)
	}
	s := selector{
		fee:              func(size int) uint64 { return FeeForSize(size, feeRate) },
		feeRate:          feeRate,
		dropUneconomical: true,
	}
	return s.run(inputs, outputs, change, dustThreshold)
}

// SelectByFixedFee selects inputs paying outputs plus a fee that does not
// depend on the transaction size.
func SelectByFixedFee(inputs []UtxoInput, outputs []Output, change ChangeOutput, fee uint64, dustThreshold uint64) (*Result, error) {
	s := selector{
		fee: func(int) uint64 { return fee },
	}
	return s.run(inputs, outputs, change, dustThreshold)
}

// CalculateFee decides whether leftover funds become a change output.
//
// change = inputsTotal - required - fee(size). Zero change needs no output.
// Change below the dust threshold is added to the fee. Otherwise the fee is
// recomputed for the larger transaction, and the change output is only added
// if what remains is still not dust.
//
// The caller guarantees inputsTotal >= required + fee(size).
func CalculateFee(inputsTotal, required uint64, size, sizeWithChange int, fee FeeFunc, dustThreshold uint64) (totalFee, change uint64, useChange bool) {
	baseFee := fee(size)
	leftover := inputsTotal - required - baseFee

	if leftover == 0 {
		return baseFee, 0, false
	}
	if IsDust(leftover, dustThreshold) {
		return baseFee + leftover, 0, false
	}

	feeWithChange := fee(sizeWithChange)
	if inputsTotal < required+feeWithChange || IsDust(inputsTotal-required-feeWithChange, dustThreshold) {
		return baseFee + leftover, 0, false
	}

	return feeWithChange, inputsTotal - required - feeWithChange, true
}

type selector struct {
	fee              FeeFunc
	feeRate          float64
	dropUneconomical bool

	required      uint64
	dustThreshold uint64
	outScripts    [][]byte
	change        ChangeOutput
}

func (s *selector) run(inputs []UtxoInput, outputs []Output, change ChangeOutput, dustThreshold uint64) (*Result, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", ErrInvalidArgument)
	}
	if len(change.PkScript) == 0 {
		return nil, fmt.Errorf("%w: change script required", ErrInvalidArgument)
	}

	s.dustThreshold = dustThreshold
	s.change = change
	s.outScripts = make([][]byte, 0, len(outputs))
	for _, out := range outputs {
		if out.Value == 0 {
			return nil, fmt.Errorf("%w: zero value output", ErrInvalidArgument)
		}
		s.required += out.Value
		s.outScripts = append(s.outScripts, out.PkScript)
	}

	sorted := make([]UtxoInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Value < sorted[j].Value
	})
	for i := range sorted {
		if _, _, err := inputSize(&sorted[i]); err != nil {
			return nil, err
		}
	}

	// Single input: the smallest one that pays for everything.
	if len(sorted) > 0 && sorted[len(sorted)-1].Value >= s.required {
		for i := range sorted {
			set := sorted[i : i+1]
			if s.covers(set) {
				return s.finish(set)
			}
		}
	}

	candidates := sorted
	if s.dropUneconomical {
		candidates = s.economical(sorted)
	}

	// Accumulate ascending until the running total covers the payment.
	superset := 0
	for i := range candidates {
		if s.covers(candidates[:i+1]) {
			superset = i + 1
			break
		}
	}
	if superset == 0 {
		return nil, fmt.Errorf("%w: need %d plus fee, have %d in %d inputs",
			ErrInsufficientFunds, s.required, sumValues(candidates), len(candidates))
	}

	return s.finish(s.reduce(candidates, superset))
}

// covers reports whether set pays the outputs and the fee without change.
func (s *selector) covers(set []UtxoInput) bool {
	size, err := EstimateSize(set, s.outScripts)
	if err != nil {
		return false
	}
	return sumValues(set) >= s.required+s.fee(size)
}

// economical drops inputs whose own spending fee is at least their value.
func (s *selector) economical(sorted []UtxoInput) []UtxoInput {
	kept := make([]UtxoInput, 0, len(sorted))
	for i := range sorted {
		vsize, err := InputVirtualSize(&sorted[i])
		if err != nil {
			continue
		}
		if s.fee(vsize) < sorted[i].Value {
			kept = append(kept, sorted[i])
		}
	}
	return kept
}

// reduce looks for a feasible set with fewer inputs than the accumulated
// prefix candidates[:n]. No set of a given count covers the payment unless
// the count inputs worth most after their own spending fee do, so that set
// decides whether the count is feasible. A contiguous window of the value
// sorted candidates is preferred when one covers, being the least over-funded.
func (s *selector) reduce(candidates []UtxoInput, n int) []UtxoInput {
	ranked := make([]UtxoInput, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return s.effectiveValue(&ranked[i]) > s.effectiveValue(&ranked[j])
	})

	for count := 1; count < n; count++ {
		best := ranked[:count]
		if !s.covers(best) {
			continue
		}
		for start := 0; start+count <= len(candidates); start++ {
			window := candidates[start : start+count]
			if s.covers(window) {
				return window
			}
		}
		set := append([]UtxoInput(nil), best...)
		sort.SliceStable(set, func(i, j int) bool {
			return set[i].Value < set[j].Value
		})
		return set
	}
	return candidates[:n]
}

// effectiveValue is what an input adds to the transaction after paying for
// its own size.
func (s *selector) effectiveValue(in *UtxoInput) int64 {
	vsize, err := InputVirtualSize(in)
	if err != nil {
		return int64(in.Value)
	}
	return int64(in.Value) - int64(s.fee(vsize))
}

func (s *selector) finish(set []UtxoInput) (*Result, error) {
	size, err := EstimateSize(set, s.outScripts)
	if err != nil {
		return nil, err
	}
	sizeWithChange, err := EstimateSize(set, append(append([][]byte(nil), s.outScripts...), s.change.PkScript))
	if err != nil {
		return nil, err
	}

	total := sumValues(set)
	fee, change, useChange := CalculateFee(total, s.required, size, sizeWithChange, s.fee, s.dustThreshold)

	result := &Result{
		Inputs:           append([]UtxoInput(nil), set...),
		Size:             size,
		SizeWithChange:   sizeWithChange,
		Fee:              fee,
		FeeRate:          s.feeRate,
		InputsTotal:      total,
		Required:         s.required,
		ChangeAddress:    s.change.Address,
		ChangePkScript:   s.change.PkScript,
		Change:           change,
		UseChangeAddress: useChange,
	}
	if result.FeeRate == 0 {
		result.FeeRate = float64(fee) / float64(result.SelectedSize())
	}
	return result, nil
}

func sumValues(set []UtxoInput) uint64 {
	var total uint64
	for _, in := range set {
		total += in.Value
	}
	return total
}
