package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/policy"
	"tallybook/internal/domain/period"
)

const periodsTable = "acc_periods"

// PeriodRepo implements period.Repository on PostgreSQL. It also feeds
// the posting-date policy through ClosedThrough.
type PeriodRepo struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

var _ period.Repository = (*PeriodRepo)(nil)
var _ policy.ClosedPeriodSource = (*PeriodRepo)(nil)

// NewPeriodRepo creates the period repository.
func NewPeriodRepo(txManager *TxManager) *PeriodRepo {
	return &PeriodRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var periodColumns = []string{
	"period_key", "start_date", "end_date", "state", "reconciled",
	"closed_at", "closed_by", "failure_reason", "lock_reason", "locked_at",
	"stats", "version", "created_at", "updated_at",
}

type periodRow struct {
	Key           string     `db:"period_key"`
	StartDate     time.Time  `db:"start_date"`
	EndDate       time.Time  `db:"end_date"`
	State         string     `db:"state"`
	Reconciled    bool       `db:"reconciled"`
	ClosedAt      *time.Time `db:"closed_at"`
	ClosedBy      string     `db:"closed_by"`
	FailureReason string     `db:"failure_reason"`
	LockReason    string     `db:"lock_reason"`
	LockedAt      *time.Time `db:"locked_at"`
	Stats         []byte     `db:"stats"`
	Version       int        `db:"version"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func toPeriodRow(p *period.Period) (*periodRow, error) {
	var stats []byte
	if p.Stats != nil {
		var err error
		stats, err = json.Marshal(p.Stats)
		if err != nil {
			return nil, fmt.Errorf("marshal stats: %w", err)
		}
	}
	return &periodRow{
		Key:           p.Key,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		State:         string(p.State),
		Reconciled:    p.Reconciled,
		ClosedAt:      p.ClosedAt,
		ClosedBy:      p.ClosedBy,
		FailureReason: p.FailureReason,
		LockReason:    p.LockReason,
		LockedAt:      p.LockedAt,
		Stats:         stats,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}, nil
}

func (row *periodRow) toPeriod() (*period.Period, error) {
	p := &period.Period{
		Key:           row.Key,
		StartDate:     row.StartDate,
		EndDate:       row.EndDate,
		State:         period.State(row.State),
		Reconciled:    row.Reconciled,
		ClosedAt:      row.ClosedAt,
		ClosedBy:      row.ClosedBy,
		FailureReason: row.FailureReason,
		LockReason:    row.LockReason,
		LockedAt:      row.LockedAt,
		Version:       row.Version,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if len(row.Stats) > 0 {
		if err := json.Unmarshal(row.Stats, &p.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	return p, nil
}

// Get loads a period by key.
func (r *PeriodRepo) Get(ctx context.Context, key string) (*period.Period, error) {
	q := r.builder.Select(periodColumns...).
		From(periodsTable).
		Where(squirrel.Eq{"period_key": key}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row periodRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("period", key)
		}
		return nil, fmt.Errorf("get period: %w", err)
	}
	return row.toPeriod()
}

// Create inserts a new period.
func (r *PeriodRepo) Create(ctx context.Context, p *period.Period) error {
	row, err := toPeriodRow(p)
	if err != nil {
		return err
	}

	q := r.builder.Insert(periodsTable).
		Columns(periodColumns...).
		Values(
			row.Key, row.StartDate, row.EndDate, row.State, row.Reconciled,
			row.ClosedAt, row.ClosedBy, row.FailureReason, row.LockReason, row.LockedAt,
			row.Stats, row.Version, row.CreatedAt, row.UpdatedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return apperror.NewConflict("period already exists").WithDetail("key", p.Key)
		}
		return fmt.Errorf("insert period: %w", err)
	}
	return nil
}

// Update writes the period conditioned on the read version.
func (r *PeriodRepo) Update(ctx context.Context, p *period.Period) error {
	readVersion := p.Version
	row, err := toPeriodRow(p)
	if err != nil {
		return err
	}

	q := r.builder.Update(periodsTable).
		Set("state", row.State).
		Set("reconciled", row.Reconciled).
		Set("closed_at", row.ClosedAt).
		Set("closed_by", row.ClosedBy).
		Set("failure_reason", row.FailureReason).
		Set("lock_reason", row.LockReason).
		Set("locked_at", row.LockedAt).
		Set("stats", row.Stats).
		Set("version", readVersion+1).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{
			"period_key": row.Key,
			"version":    readVersion,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("period", p.Key)
	}
	p.Version = readVersion + 1
	return nil
}

// List returns all periods ordered by start date.
func (r *PeriodRepo) List(ctx context.Context) ([]*period.Period, error) {
	q := r.builder.Select(periodColumns...).
		From(periodsTable).
		OrderBy("start_date")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []periodRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select periods: %w", err)
	}

	periods := make([]*period.Period, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPeriod()
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, nil
}

// ClosedThrough returns the latest end date among frozen periods.
func (r *PeriodRepo) ClosedThrough(ctx context.Context) (time.Time, error) {
	sql := `
		SELECT COALESCE(MAX(end_date), 'epoch'::timestamptz)
		FROM acc_periods
		WHERE state IN ('closed', 'locked')
	`
	var through time.Time
	err := r.txManager.GetQuerier(ctx).QueryRow(ctx, sql).Scan(&through)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("query closed boundary: %w", err)
	}
	if !through.After(time.Unix(0, 0)) {
		return time.Time{}, nil
	}
	return through, nil
}

// isUniqueViolation reports whether err is a unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
