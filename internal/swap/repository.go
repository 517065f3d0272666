package swap

import "context"

// Repository persists swaps and their transactions. It is the only record of
// what was already signed or broadcast, so every flag change is written
// before its result is relied on.
type Repository interface {
	UpsertSwap(ctx context.Context, s *Swap) error
	// GetSwap returns ErrSwapNotFound for unknown ids.
	GetSwap(ctx context.Context, id string) (*Swap, error)
	// GetActiveSwaps returns swaps not yet in a terminal state.
	GetActiveSwaps(ctx context.Context) ([]*Swap, error)

	UpsertTransaction(ctx context.Context, tx *Transaction) error
	// GetTransactionByID returns ErrTxNotFound for unknown ids.
	GetTransactionByID(ctx context.Context, symbol, id string) (*Transaction, error)
	GetUnconfirmedTransactions(ctx context.Context) ([]*Transaction, error)
}
