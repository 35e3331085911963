package balance

import (
	"context"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/policy"
	"tallybook/internal/core/retry"
	"tallybook/internal/core/tx"
	"tallybook/internal/core/types"
	"tallybook/pkg/logger"
)

// Tolerance is the reconciliation threshold: stored-vs-replayed
// differences at or below it are rounding noise, not discrepancies.
var Tolerance = types.MustMoney("0.01")

// PostRequest carries the business fields of a balance posting.
type PostRequest struct {
	Amount      types.Money
	Reference   string
	PerformedBy string
	// Date is the posting date checked against closed periods. Zero
	// means now.
	Date time.Time
}

// Discrepancy is one stored-vs-replayed mismatch found by reconciliation.
type Discrepancy struct {
	AccountID id.ID       `json:"accountId"`
	Field     string      `json:"field"`
	Stored    types.Money `json:"stored"`
	Replayed  types.Money `json:"replayed"`
	Diff      types.Money `json:"diff"`
	Corrected bool        `json:"corrected"`
}

// ReconciliationReport summarizes one reconciliation sweep.
type ReconciliationReport struct {
	RanAt           time.Time     `json:"ranAt"`
	AccountsChecked int           `json:"accountsChecked"`
	AutoCorrect     bool          `json:"autoCorrect"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
}

// Clean reports whether the sweep found no discrepancies.
func (r *ReconciliationReport) Clean() bool {
	return len(r.Discrepancies) == 0
}

// ReportArchiver stores reconciliation reports for audit.
type ReportArchiver interface {
	ArchiveReconciliation(ctx context.Context, report *ReconciliationReport) error
}

// EntrySink receives posted transactions for downstream accounting
// (chart-of-accounts entries). Failures there must not unwind the
// ledger write; they are logged and left to the sink's own retry.
type EntrySink interface {
	Post(ctx context.Context, t Transaction) error
}

// Service provides the balance ledger operations. Every posting runs as
// one optimistic-retry unit: load account, apply allocation, write the
// account conditioned on its version, append the sub-ledger entry.
type Service struct {
	repo          Repository
	txManager     tx.Manager
	postingPolicy policy.PostingPolicy
	retryPolicy   retry.Policy
	archiver      ReportArchiver
	sink          EntrySink
}

// NewService creates a balance ledger service.
func NewService(repo Repository, txManager tx.Manager, postingPolicy policy.PostingPolicy) *Service {
	if postingPolicy == nil {
		postingPolicy = policy.OpenPolicy{}
	}
	return &Service{
		repo:          repo,
		txManager:     txManager,
		postingPolicy: postingPolicy,
		retryPolicy:   retry.DefaultPolicy(),
	}
}

// WithArchiver attaches a reconciliation report archive.
func (s *Service) WithArchiver(a ReportArchiver) *Service {
	s.archiver = a
	return s
}

// WithEntrySink attaches a downstream accounting entry sink.
func (s *Service) WithEntrySink(sink EntrySink) *Service {
	s.sink = sink
	return s
}

// RecordInvoice posts an invoice: pending balance grows by the net
// amount.
func (s *Service) RecordInvoice(ctx context.Context, accountID id.ID, kind AccountKind, req PostRequest) (*Transaction, error) {
	return s.post(ctx, accountID, kind, TypeInvoice, req)
}

// RecordPayment posts a payment: pending is drained first, the
// remainder becomes advance.
func (s *Service) RecordPayment(ctx context.Context, accountID id.ID, kind AccountKind, req PostRequest) (*Transaction, error) {
	return s.post(ctx, accountID, kind, TypePayment, req)
}

// RecordRefund posts a refund against the advance balance.
func (s *Service) RecordRefund(ctx context.Context, accountID id.ID, kind AccountKind, req PostRequest) (*Transaction, error) {
	return s.post(ctx, accountID, kind, TypeRefund, req)
}

// RecordCreditNote posts a credit note: pending is drained first, the
// remainder grows advance.
func (s *Service) RecordCreditNote(ctx context.Context, accountID id.ID, kind AccountKind, req PostRequest) (*Transaction, error) {
	return s.post(ctx, accountID, kind, TypeCreditNote, req)
}

func (s *Service) post(ctx context.Context, accountID id.ID, kind AccountKind, txType TransactionType, req PostRequest) (*Transaction, error) {
	if id.IsNil(accountID) {
		return nil, apperror.NewValidation("account id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperror.NewValidation("amount must be positive").
			WithDetail("amount", req.Amount.String())
	}
	if req.Date.IsZero() {
		req.Date = time.Now().UTC()
	}
	if err := s.postingPolicy.CanPost(ctx, req.Date); err != nil {
		return nil, err
	}

	var posted *Transaction
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			acct, err := s.repo.GetOrCreateAccount(ctx, accountID, kind)
			if err != nil {
				return err
			}

			before := acct.Snapshot()
			apply(acct, txType, req.Amount)
			after := acct.Snapshot()
			acct.UpdatedAt = time.Now().UTC()

			t := Transaction{
				TransactionID: id.New(),
				AccountID:     accountID,
				Type:          txType,
				NetAmount:     req.Amount,
				BalanceImpact: after.CurrentBalance.Sub(before.CurrentBalance),
				BalanceBefore: before,
				BalanceAfter:  after,
				Reference:     req.Reference,
				PerformedBy:   req.PerformedBy,
				Status:        StatusPosted,
				PostedAt:      req.Date,
			}

			if err := s.repo.UpdateAccount(ctx, acct); err != nil {
				return err
			}
			if err := s.repo.AppendTransaction(ctx, t); err != nil {
				return err
			}

			posted = &t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.forward(ctx, *posted)

	logger.Info(ctx, "posted balance transaction",
		"account_id", accountID,
		"type", string(txType),
		"amount", req.Amount.String(),
		"impact", posted.BalanceImpact.String(),
	)
	return posted, nil
}

// forward hands the posted entry to the accounting sink. Sink failures
// never unwind the already-committed ledger write.
func (s *Service) forward(ctx context.Context, t Transaction) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Post(ctx, t); err != nil {
		logger.Error(ctx, "accounting entry sink rejected transaction",
			"transaction_id", t.TransactionID,
			"error", err,
		)
	}
}

// Reverse marks a posted entry reversed and rebuilds the account by
// replaying the remaining entries. Subtracting the entry's recorded
// deltas would be wrong: later postings allocated against the balance
// this entry produced, so only a replay keeps pending and advance
// consistent with the sub-ledger. Already-reversed entries fail with a
// conflict.
func (s *Service) Reverse(ctx context.Context, transactionID id.ID) (*Transaction, error) {
	var reversed *Transaction
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			t, err := s.repo.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			if t.Status == StatusReversed {
				return apperror.NewConflict("transaction already reversed").
					WithDetail("transaction_id", t.TransactionID.String())
			}

			now := time.Now().UTC()
			if err := s.repo.MarkReversed(ctx, t.TransactionID, now); err != nil {
				return err
			}

			acct, err := s.repo.GetAccount(ctx, t.AccountID)
			if err != nil {
				return err
			}
			txns, err := s.repo.Transactions(ctx, t.AccountID, TransactionFilter{})
			if err != nil {
				return err
			}

			replayed := Replay(t.AccountID, acct.Kind, txns)
			acct.PendingBalance = replayed.PendingBalance
			acct.AdvanceBalance = replayed.AdvanceBalance
			acct.UpdatedAt = now

			if err := s.repo.UpdateAccount(ctx, acct); err != nil {
				return err
			}

			t.Status = StatusReversed
			t.ReversedAt = &now
			reversed = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "reversed balance transaction",
		"transaction_id", transactionID,
		"account_id", reversed.AccountID,
	)
	return reversed, nil
}

// Recalculate replays the account's sub-ledger from a zero state and
// overwrites the stored balance fields with the replayed values.
func (s *Service) Recalculate(ctx context.Context, accountID id.ID) (*Account, error) {
	var result *Account
	err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) error {
		return s.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			acct, err := s.repo.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			txns, err := s.repo.Transactions(ctx, accountID, TransactionFilter{})
			if err != nil {
				return err
			}

			replayed := Replay(accountID, acct.Kind, txns)
			acct.PendingBalance = replayed.PendingBalance
			acct.AdvanceBalance = replayed.AdvanceBalance
			acct.UpdatedAt = time.Now().UTC()

			if err := s.repo.UpdateAccount(ctx, acct); err != nil {
				return err
			}
			result = acct
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReconcileAll replays every account in comparison mode and reports
// stored-vs-replayed differences beyond the tolerance. With autoCorrect
// the discrepant accounts are recalculated; otherwise nothing mutates.
func (s *Service) ReconcileAll(ctx context.Context, autoCorrect bool) (*ReconciliationReport, error) {
	accountIDs, err := s.repo.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		RanAt:       time.Now().UTC(),
		AutoCorrect: autoCorrect,
	}

	for _, accountID := range accountIDs {
		discrepancies, err := s.reconcileOne(ctx, accountID)
		if err != nil {
			return nil, err
		}
		report.AccountsChecked++
		if len(discrepancies) == 0 {
			continue
		}

		if autoCorrect {
			if _, err := s.Recalculate(ctx, accountID); err != nil {
				return nil, err
			}
			for i := range discrepancies {
				discrepancies[i].Corrected = true
			}
		}
		report.Discrepancies = append(report.Discrepancies, discrepancies...)
	}

	if !report.Clean() {
		logger.Warn(ctx, "balance reconciliation found discrepancies",
			"accounts_checked", report.AccountsChecked,
			"discrepancies", len(report.Discrepancies),
			"auto_correct", autoCorrect,
		)
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveReconciliation(ctx, report); err != nil {
			logger.Error(ctx, "failed to archive reconciliation report", "error", err)
		}
	}
	return report, nil
}

func (s *Service) reconcileOne(ctx context.Context, accountID id.ID) ([]Discrepancy, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txns, err := s.repo.Transactions(ctx, accountID, TransactionFilter{})
	if err != nil {
		return nil, err
	}
	replayed := Replay(accountID, acct.Kind, txns)

	var out []Discrepancy
	check := func(field string, stored, rep types.Money) {
		diff := stored.Sub(rep)
		if diff.Abs().GreaterThan(Tolerance) {
			out = append(out, Discrepancy{
				AccountID: accountID,
				Field:     field,
				Stored:    stored,
				Replayed:  rep,
				Diff:      diff,
			})
		}
	}
	check("pendingBalance", acct.PendingBalance, replayed.PendingBalance)
	check("advanceBalance", acct.AdvanceBalance, replayed.AdvanceBalance)
	return out, nil
}

// GetAccount returns the stored account.
func (s *Service) GetAccount(ctx context.Context, accountID id.ID) (*Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// TransactionHistory returns the account's sub-ledger entries.
func (s *Service) TransactionHistory(ctx context.Context, accountID id.ID, filter TransactionFilter) ([]Transaction, error) {
	return s.repo.Transactions(ctx, accountID, filter)
}

// PeriodStats aggregates sub-ledger activity for a period window.
func (s *Service) PeriodStats(ctx context.Context, from, to time.Time) (PeriodStats, error) {
	return s.repo.Stats(ctx, from, to)
}
