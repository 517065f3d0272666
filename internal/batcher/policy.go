package batcher

import "fmt"

// PolicyMode selects where a fee, gas or storage value comes from.
type PolicyMode int

const (
	// UseValue takes the caller's value verbatim.
	UseValue PolicyMode = iota
	// UseNetwork takes the simulated value.
	UseNetwork
	// UseNetworkWithFloor takes the larger of the simulated value and the
	// caller's default.
	UseNetworkWithFloor
)

func (m PolicyMode) String() string {
	switch m {
	case UseValue:
		return "value"
	case UseNetwork:
		return "network"
	case UseNetworkWithFloor:
		return "network_with_floor"
	default:
		return fmt.Sprintf("PolicyMode(%d)", int(m))
	}
}

// Policy resolves one fee, gas or storage limit of an operation.
type Policy struct {
	Mode  PolicyMode
	Value uint64
}

// Value returns a policy fixed to v.
func Value(v uint64) Policy {
	return Policy{Mode: UseValue, Value: v}
}

// Network returns a policy taking the simulated value.
func Network() Policy {
	return Policy{Mode: UseNetwork}
}

// NetworkWithFloor returns a policy taking max(floor, simulated).
func NetworkWithFloor(floor uint64) Policy {
	return Policy{Mode: UseNetworkWithFloor, Value: floor}
}

// NeedsNetwork reports whether resolving p requires a simulation.
func (p Policy) NeedsNetwork() bool {
	return p.Mode != UseValue
}

// Resolve returns the value to use given the simulated one. Simulated values
// are already rounded up by the chain adapter.
func (p Policy) Resolve(simulated uint64) uint64 {
	switch p.Mode {
	case UseNetwork:
		return simulated
	case UseNetworkWithFloor:
		if simulated > p.Value {
			return simulated
		}
		return p.Value
	default:
		return p.Value
	}
}
