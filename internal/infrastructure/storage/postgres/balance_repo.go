package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/balance"
)

const (
	balanceAccountsTable     = "bal_accounts"
	balanceTransactionsTable = "bal_transactions"
)

// BalanceRepo implements balance.Repository on PostgreSQL.
type BalanceRepo struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

var _ balance.Repository = (*BalanceRepo)(nil)

// NewBalanceRepo creates the balance repository.
func NewBalanceRepo(txManager *TxManager) *BalanceRepo {
	return &BalanceRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var accountColumns = []string{
	"account_id", "kind", "pending_balance", "advance_balance",
	"version", "created_at", "updated_at",
}

type accountRow struct {
	AccountID      id.ID       `db:"account_id"`
	Kind           string      `db:"kind"`
	PendingBalance types.Money `db:"pending_balance"`
	AdvanceBalance types.Money `db:"advance_balance"`
	Version        int         `db:"version"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

func (row *accountRow) toAccount() *balance.Account {
	return &balance.Account{
		AccountID:      row.AccountID,
		Kind:           balance.AccountKind(row.Kind),
		PendingBalance: row.PendingBalance,
		AdvanceBalance: row.AdvanceBalance,
		Version:        row.Version,
		UpdatedAt:      row.UpdatedAt,
	}
}

// GetAccount loads an account.
func (r *BalanceRepo) GetAccount(ctx context.Context, accountID id.ID) (*balance.Account, error) {
	q := r.builder.Select(accountColumns...).
		From(balanceAccountsTable).
		Where(squirrel.Eq{"account_id": accountID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row accountRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("account", accountID)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return row.toAccount(), nil
}

// GetOrCreateAccount loads an account, inserting a zero-balance one on
// first use.
func (r *BalanceRepo) GetOrCreateAccount(ctx context.Context, accountID id.ID, kind balance.AccountKind) (*balance.Account, error) {
	acct, err := r.GetAccount(ctx, accountID)
	if err == nil {
		return acct, nil
	}
	if !apperror.IsNotFound(err) {
		return nil, err
	}

	fresh := balance.NewAccount(accountID, kind)
	q := r.builder.Insert(balanceAccountsTable).
		Columns(accountColumns...).
		Values(
			fresh.AccountID, string(fresh.Kind),
			fresh.PendingBalance, fresh.AdvanceBalance,
			fresh.Version, fresh.UpdatedAt, fresh.UpdatedAt,
		).
		Suffix("ON CONFLICT (account_id) DO NOTHING")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return r.GetAccount(ctx, accountID)
}

// UpdateAccount writes balance fields conditioned on the read version.
func (r *BalanceRepo) UpdateAccount(ctx context.Context, acct *balance.Account) error {
	readVersion := acct.Version

	q := r.builder.Update(balanceAccountsTable).
		Set("pending_balance", acct.PendingBalance).
		Set("advance_balance", acct.AdvanceBalance).
		Set("version", readVersion+1).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{
			"account_id": acct.AccountID,
			"version":    readVersion,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("account", acct.AccountID)
	}
	acct.Version = readVersion + 1
	return nil
}

var transactionColumns = []string{
	"transaction_id", "account_id", "transaction_type", "net_amount", "balance_impact",
	"pending_before", "advance_before", "current_before",
	"pending_after", "advance_after", "current_after",
	"reference", "performed_by", "status", "posted_at", "reversed_at",
}

type transactionRow struct {
	TransactionID id.ID       `db:"transaction_id"`
	AccountID     id.ID       `db:"account_id"`
	Type          string      `db:"transaction_type"`
	NetAmount     types.Money `db:"net_amount"`
	BalanceImpact types.Money `db:"balance_impact"`
	PendingBefore types.Money `db:"pending_before"`
	AdvanceBefore types.Money `db:"advance_before"`
	CurrentBefore types.Money `db:"current_before"`
	PendingAfter  types.Money `db:"pending_after"`
	AdvanceAfter  types.Money `db:"advance_after"`
	CurrentAfter  types.Money `db:"current_after"`
	Reference     string      `db:"reference"`
	PerformedBy   string      `db:"performed_by"`
	Status        string      `db:"status"`
	PostedAt      time.Time   `db:"posted_at"`
	ReversedAt    *time.Time  `db:"reversed_at"`
}

func (row *transactionRow) toTransaction() balance.Transaction {
	return balance.Transaction{
		TransactionID: row.TransactionID,
		AccountID:     row.AccountID,
		Type:          balance.TransactionType(row.Type),
		NetAmount:     row.NetAmount,
		BalanceImpact: row.BalanceImpact,
		BalanceBefore: balance.Snapshot{
			PendingBalance: row.PendingBefore,
			AdvanceBalance: row.AdvanceBefore,
			CurrentBalance: row.CurrentBefore,
		},
		BalanceAfter: balance.Snapshot{
			PendingBalance: row.PendingAfter,
			AdvanceBalance: row.AdvanceAfter,
			CurrentBalance: row.CurrentAfter,
		},
		Reference:   row.Reference,
		PerformedBy: row.PerformedBy,
		Status:      balance.TransactionStatus(row.Status),
		PostedAt:    row.PostedAt,
		ReversedAt:  row.ReversedAt,
	}
}

// AppendTransaction adds one entry to the append-only sub-ledger.
func (r *BalanceRepo) AppendTransaction(ctx context.Context, t balance.Transaction) error {
	q := r.builder.Insert(balanceTransactionsTable).
		Columns(transactionColumns...).
		Values(
			t.TransactionID, t.AccountID, string(t.Type), t.NetAmount, t.BalanceImpact,
			t.BalanceBefore.PendingBalance, t.BalanceBefore.AdvanceBalance, t.BalanceBefore.CurrentBalance,
			t.BalanceAfter.PendingBalance, t.BalanceAfter.AdvanceBalance, t.BalanceAfter.CurrentBalance,
			t.Reference, t.PerformedBy, string(t.Status), t.PostedAt, t.ReversedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction loads one sub-ledger entry.
func (r *BalanceRepo) GetTransaction(ctx context.Context, transactionID id.ID) (*balance.Transaction, error) {
	q := r.builder.Select(transactionColumns...).
		From(balanceTransactionsTable).
		Where(squirrel.Eq{"transaction_id": transactionID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row transactionRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("transaction", transactionID)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	t := row.toTransaction()
	return &t, nil
}

// Transactions returns the account's entries in posted order.
func (r *BalanceRepo) Transactions(ctx context.Context, accountID id.ID, filter balance.TransactionFilter) ([]balance.Transaction, error) {
	q := r.builder.Select(transactionColumns...).
		From(balanceTransactionsTable).
		Where(squirrel.Eq{"account_id": accountID})

	if filter.Type != nil {
		q = q.Where(squirrel.Eq{"transaction_type": string(*filter.Type)})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"posted_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"posted_at": *filter.ToDate})
	}

	q = q.OrderBy("posted_at", "transaction_id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []transactionRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}

	txns := make([]balance.Transaction, 0, len(rows))
	for i := range rows {
		txns = append(txns, rows[i].toTransaction())
	}
	return txns, nil
}

// MarkReversed flips a posted entry to reversed.
func (r *BalanceRepo) MarkReversed(ctx context.Context, transactionID id.ID, at time.Time) error {
	q := r.builder.Update(balanceTransactionsTable).
		Set("status", string(balance.StatusReversed)).
		Set("reversed_at", at).
		Where(squirrel.Eq{
			"transaction_id": transactionID,
			"status":         string(balance.StatusPosted),
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("mark reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConflict("transaction already reversed or missing").
			WithDetail("transaction_id", transactionID.String())
	}
	return nil
}

// ListAccountIDs returns every known account id.
func (r *BalanceRepo) ListAccountIDs(ctx context.Context) ([]id.ID, error) {
	sql := "SELECT account_id FROM bal_accounts ORDER BY account_id"
	rows, err := r.txManager.GetQuerier(ctx).Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query account ids: %w", err)
	}
	defer rows.Close()

	var ids []id.ID
	for rows.Next() {
		var accountID id.ID
		if err := rows.Scan(&accountID); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, accountID)
	}
	return ids, rows.Err()
}

// Stats aggregates sub-ledger activity for a period window.
func (r *BalanceRepo) Stats(ctx context.Context, from, to time.Time) (balance.PeriodStats, error) {
	stats := balance.PeriodStats{
		TotalRevenue:     types.ZeroMoney(),
		TotalReceivables: types.ZeroMoney(),
	}
	querier := r.txManager.GetQuerier(ctx)

	sql := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN transaction_type = 'invoice' THEN net_amount ELSE 0 END), 0)
		FROM bal_transactions
		WHERE status = 'posted' AND posted_at >= $1 AND posted_at <= $2
	`
	err := querier.QueryRow(ctx, sql, from, to).Scan(&stats.TransactionCount, &stats.TotalRevenue)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return stats, fmt.Errorf("aggregate transactions: %w", err)
	}

	receivablesSQL := "SELECT COALESCE(SUM(pending_balance), 0) FROM bal_accounts"
	err = querier.QueryRow(ctx, receivablesSQL).Scan(&stats.TotalReceivables)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return stats, fmt.Errorf("aggregate receivables: %w", err)
	}

	return stats, nil
}
