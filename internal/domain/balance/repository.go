package balance

import (
	"context"
	"time"

	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
)

// TransactionFilter narrows sub-ledger queries.
type TransactionFilter struct {
	Type     *TransactionType
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

// PeriodStats aggregates sub-ledger activity for a period window.
type PeriodStats struct {
	TransactionCount int         `json:"transactionCount"`
	TotalRevenue     types.Money `json:"totalRevenue"`
	TotalReceivables types.Money `json:"totalReceivables"`
}

// Repository persists accounts and their transaction sub-ledger.
//
// GetAccount/UpdateAccount form the optimistic unit: UpdateAccount must
// condition its write on the version the account was read at and fail
// with CONCURRENT_MODIFICATION when it changed underneath.
type Repository interface {
	// GetAccount loads an account. Returns NOT_FOUND when absent.
	GetAccount(ctx context.Context, accountID id.ID) (*Account, error)

	// GetOrCreateAccount loads an account, creating a zero-balance one
	// on first use.
	GetOrCreateAccount(ctx context.Context, accountID id.ID, kind AccountKind) (*Account, error)

	// UpdateAccount writes balance fields conditioned on the read
	// version and increments the stored version on success.
	UpdateAccount(ctx context.Context, acct *Account) error

	// AppendTransaction adds one entry to the append-only sub-ledger.
	AppendTransaction(ctx context.Context, t Transaction) error

	// GetTransaction loads one sub-ledger entry.
	GetTransaction(ctx context.Context, transactionID id.ID) (*Transaction, error)

	// Transactions returns the account's entries in posted order.
	Transactions(ctx context.Context, accountID id.ID, filter TransactionFilter) ([]Transaction, error)

	// MarkReversed flips a posted entry to reversed. Must be called in
	// the same transaction as the compensating account update.
	MarkReversed(ctx context.Context, transactionID id.ID, at time.Time) error

	// ListAccountIDs returns every known account id, for reconciliation
	// sweeps.
	ListAccountIDs(ctx context.Context) ([]id.ID, error)

	// Stats aggregates sub-ledger activity for a period window.
	Stats(ctx context.Context, from, to time.Time) (PeriodStats, error)
}
