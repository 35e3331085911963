package dto

import (
	"time"

	"tallybook/internal/core/types"
	"tallybook/internal/domain/balance"
)

// --- Requests ---

// PostTransactionRequest records a balance-affecting business event.
type PostTransactionRequest struct {
	Amount    types.Money `json:"amount" binding:"required"`
	Kind      string      `json:"kind"`
	Reference string      `json:"reference"`
	Date      *time.Time  `json:"date"`
}

// TransactionListRequest filters the transaction sub-ledger.
type TransactionListRequest struct {
	PaginationRequest
	Type     string     `form:"type"`
	FromDate *time.Time `form:"fromDate"`
	ToDate   *time.Time `form:"toDate"`
}

// ReconcileRequest triggers a ledger-wide reconciliation run.
type ReconcileRequest struct {
	AutoCorrect bool `json:"autoCorrect"`
}

// --- Responses ---

// AccountResponse represents a balance account.
type AccountResponse struct {
	AccountID      string      `json:"accountId"`
	Kind           string      `json:"kind"`
	PendingBalance types.Money `json:"pendingBalance"`
	AdvanceBalance types.Money `json:"advanceBalance"`
	CurrentBalance types.Money `json:"currentBalance"`
	Version        int         `json:"version"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// FromAccount converts an account to its response DTO.
func FromAccount(a *balance.Account) AccountResponse {
	return AccountResponse{
		AccountID:      a.AccountID.String(),
		Kind:           string(a.Kind),
		PendingBalance: a.PendingBalance,
		AdvanceBalance: a.AdvanceBalance,
		CurrentBalance: a.CurrentBalance(),
		Version:        a.Version,
		UpdatedAt:      a.UpdatedAt,
	}
}

// TransactionResponse represents a sub-ledger entry.
type TransactionResponse struct {
	TransactionID string           `json:"transactionId"`
	AccountID     string           `json:"accountId"`
	Type          string           `json:"type"`
	NetAmount     types.Money      `json:"netAmount"`
	BalanceImpact types.Money      `json:"balanceImpact"`
	BalanceBefore balance.Snapshot `json:"balanceBefore"`
	BalanceAfter  balance.Snapshot `json:"balanceAfter"`
	Reference     string           `json:"reference"`
	PerformedBy   string           `json:"performedBy"`
	Status        string           `json:"status"`
	PostedAt      time.Time        `json:"postedAt"`
	ReversedAt    *time.Time       `json:"reversedAt,omitempty"`
}

// FromTransaction converts a transaction to its response DTO.
func FromTransaction(t *balance.Transaction) TransactionResponse {
	return TransactionResponse{
		TransactionID: t.TransactionID.String(),
		AccountID:     t.AccountID.String(),
		Type:          string(t.Type),
		NetAmount:     t.NetAmount,
		BalanceImpact: t.BalanceImpact,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Reference:     t.Reference,
		PerformedBy:   t.PerformedBy,
		Status:        string(t.Status),
		PostedAt:      t.PostedAt,
		ReversedAt:    t.ReversedAt,
	}
}

// ReconciliationReportResponse represents one reconciliation run.
type ReconciliationReportResponse struct {
	RanAt           time.Time             `json:"ranAt"`
	AccountsChecked int                   `json:"accountsChecked"`
	AutoCorrect     bool                  `json:"autoCorrect"`
	Clean           bool                  `json:"clean"`
	Discrepancies   []balance.Discrepancy `json:"discrepancies,omitempty"`
}

// FromReconciliationReport converts a report to its response DTO.
func FromReconciliationReport(r *balance.ReconciliationReport) ReconciliationReportResponse {
	return ReconciliationReportResponse{
		RanAt:           r.RanAt,
		AccountsChecked: r.AccountsChecked,
		AutoCorrect:     r.AutoCorrect,
		Clean:           r.Clean(),
		Discrepancies:   r.Discrepancies,
	}
}
