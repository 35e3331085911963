// Package balance implements the customer/supplier balance ledger: a
// running pending/advance balance per account plus the append-only
// transaction sub-ledger that justifies it. Replaying the sub-ledger for
// an account must reproduce the stored balance exactly; reconciliation
// verifies that.
package balance

import (
	"time"

	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
)

// AccountKind distinguishes customer and supplier accounts.
type AccountKind string

const (
	KindCustomer AccountKind = "customer"
	KindSupplier AccountKind = "supplier"
)

// Snapshot captures the balance fields at a point in time. Stored on
// every sub-ledger entry so replay has ground truth independent of the
// mutable summary fields.
type Snapshot struct {
	PendingBalance types.Money `db:"pending_balance" json:"pendingBalance"`
	AdvanceBalance types.Money `db:"advance_balance" json:"advanceBalance"`
	CurrentBalance types.Money `db:"current_balance" json:"currentBalance"`
}

// Account is the running balance embedded in a customer/supplier record.
// pendingBalance >= 0 is the amount owed, advanceBalance >= 0 is prepaid
// credit; currentBalance = pending - advance is always derived.
type Account struct {
	AccountID id.ID       `db:"account_id" json:"accountId"`
	Kind      AccountKind `db:"kind" json:"kind"`

	PendingBalance types.Money `db:"pending_balance" json:"pendingBalance"`
	AdvanceBalance types.Money `db:"advance_balance" json:"advanceBalance"`

	// Version for optimistic concurrency, incremented on every
	// successful balance mutation.
	Version   int       `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewAccount creates a zero-balance account.
func NewAccount(accountID id.ID, kind AccountKind) *Account {
	return &Account{
		AccountID:      accountID,
		Kind:           kind,
		PendingBalance: types.ZeroMoney(),
		AdvanceBalance: types.ZeroMoney(),
		Version:        1,
		UpdatedAt:      time.Now().UTC(),
	}
}

// CurrentBalance derives pending minus advance.
func (a *Account) CurrentBalance() types.Money {
	return a.PendingBalance.Sub(a.AdvanceBalance)
}

// Snapshot captures the current balance fields.
func (a *Account) Snapshot() Snapshot {
	return Snapshot{
		PendingBalance: a.PendingBalance,
		AdvanceBalance: a.AdvanceBalance,
		CurrentBalance: a.CurrentBalance(),
	}
}

// TransactionType classifies sub-ledger entries.
type TransactionType string

const (
	TypeInvoice    TransactionType = "invoice"
	TypePayment    TransactionType = "payment"
	TypeRefund     TransactionType = "refund"
	TypeCreditNote TransactionType = "credit_note"
)

// TransactionStatus is posted or reversed. Reversed entries are excluded
// from replay.
type TransactionStatus string

const (
	StatusPosted   TransactionStatus = "posted"
	StatusReversed TransactionStatus = "reversed"
)

// Transaction is one append-only sub-ledger entry.
type Transaction struct {
	TransactionID id.ID           `db:"transaction_id" json:"transactionId"`
	AccountID     id.ID           `db:"account_id" json:"accountId"`
	Type          TransactionType `db:"transaction_type" json:"transactionType"`

	NetAmount types.Money `db:"net_amount" json:"netAmount"`

	// BalanceImpact is the signed change to currentBalance.
	BalanceImpact types.Money `db:"balance_impact" json:"balanceImpact"`

	BalanceBefore Snapshot `json:"balanceBefore"`
	BalanceAfter  Snapshot `json:"balanceAfter"`

	Reference   string `db:"reference" json:"reference"`
	PerformedBy string `db:"performed_by" json:"performedBy"`

	Status     TransactionStatus `db:"status" json:"status"`
	PostedAt   time.Time         `db:"posted_at" json:"postedAt"`
	ReversedAt *time.Time        `db:"reversed_at" json:"reversedAt,omitempty"`
}

// apply mutates the account per the allocation rules of the transaction
// type. The same rules drive posting and replay so reconciliation is
// exact by construction.
func apply(a *Account, txType TransactionType, amount types.Money) {
	switch txType {
	case TypeInvoice:
		a.PendingBalance = a.PendingBalance.Add(amount)

	case TypePayment, TypeCreditNote:
		// Drain pending first; any remainder becomes prepaid credit.
		fromPending := decimalMin(a.PendingBalance, amount)
		a.PendingBalance = a.PendingBalance.Sub(fromPending)
		a.AdvanceBalance = a.AdvanceBalance.Add(amount.Sub(fromPending))

	case TypeRefund:
		// Drain advance first; a remainder re-grows advance (the source
		// system's behavior: refunding more than advanced means we now
		// owe them more).
		fromAdvance := decimalMin(a.AdvanceBalance, amount)
		a.AdvanceBalance = a.AdvanceBalance.Sub(fromAdvance).
			Add(amount.Sub(fromAdvance))
	}
}

// Replay rebuilds balance fields from scratch by applying all
// non-reversed transactions in posted order.
func Replay(accountID id.ID, kind AccountKind, txns []Transaction) Snapshot {
	acct := NewAccount(accountID, kind)
	for _, t := range txns {
		if t.Status == StatusReversed {
			continue
		}
		apply(acct, t.Type, t.NetAmount)
	}
	return acct.Snapshot()
}

func decimalMin(a, b types.Money) types.Money {
	if a.LessThan(b) {
		return a
	}
	return b
}
