package backend

import "time"

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// The Esplora API is the same as mempool.space apart from fee estimation.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, timeout time.Duration) *EsploraBackend {
	m := NewMempoolBackend(baseURL, timeout)
	// Esplora returns a map of confirmation targets to fee rates.
	m.feePath = "/fee-estimates"
	m.feeKey = "2"
	return &EsploraBackend{MempoolBackend: m}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
