package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"tallybook/internal/core/id"
	"tallybook/internal/domain/balance"
)

// CompressionAlgo names the compression used for an archived report.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// ArchivedReport is one stored reconciliation report. Large reports are
// zstd-compressed; small ones are kept as plain JSON for easy ad-hoc
// querying.
type ArchivedReport struct {
	ID               id.ID           `db:"id"`
	RanAt            time.Time       `db:"ran_at"`
	AccountsChecked  int             `db:"accounts_checked"`
	DiscrepancyCount int             `db:"discrepancy_count"`
	AutoCorrect      bool            `db:"auto_correct"`
	Report           json.RawMessage `db:"report"`
	ReportCompressed []byte          `db:"report_compressed"`
	CompressionAlgo  CompressionAlgo `db:"compression_algo"`
	CreatedAt        time.Time       `db:"created_at"`
}

// ArchiveStore persists reconciliation reports for audit.
type ArchiveStore struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

var _ balance.ReportArchiver = (*ArchiveStore)(nil)

// NewArchiveStore creates the reconciliation report archive.
func NewArchiveStore(txManager *TxManager) (*ArchiveStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ArchiveStore{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 10 * 1024,
	}, nil
}

// ArchiveReconciliation stores one reconciliation report.
func (s *ArchiveStore) ArchiveReconciliation(ctx context.Context, report *balance.ReconciliationReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	entry := ArchivedReport{
		ID:               id.New(),
		RanAt:            report.RanAt,
		AccountsChecked:  report.AccountsChecked,
		DiscrepancyCount: len(report.Discrepancies),
		AutoCorrect:      report.AutoCorrect,
		Report:           payload,
		CompressionAlgo:  CompressionNone,
		CreatedAt:        time.Now().UTC(),
	}
	if len(payload) > s.compressThreshold {
		entry.ReportCompressed = s.encoder.EncodeAll(payload, nil)
		entry.Report = nil
		entry.CompressionAlgo = CompressionZstd
	}

	sql := `
		INSERT INTO sys_reconciliation_reports (
			id, ran_at, accounts_checked, discrepancy_count, auto_correct,
			report, report_compressed, compression_algo, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, sql,
		entry.ID, entry.RanAt, entry.AccountsChecked, entry.DiscrepancyCount,
		entry.AutoCorrect, entry.Report, entry.ReportCompressed,
		entry.CompressionAlgo, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation report: %w", err)
	}
	return nil
}

// History returns the most recent archived reports, decompressed.
func (s *ArchiveStore) History(ctx context.Context, limit int) ([]ArchivedReport, error) {
	sql := `
		SELECT id, ran_at, accounts_checked, discrepancy_count, auto_correct,
		       report, report_compressed, compression_algo, created_at
		FROM sys_reconciliation_reports
		ORDER BY ran_at DESC
		LIMIT $1
	`
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var entries []ArchivedReport
	for rows.Next() {
		var e ArchivedReport
		err := rows.Scan(
			&e.ID, &e.RanAt, &e.AccountsChecked, &e.DiscrepancyCount,
			&e.AutoCorrect, &e.Report, &e.ReportCompressed,
			&e.CompressionAlgo, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if e.CompressionAlgo == CompressionZstd && len(e.ReportCompressed) > 0 {
			decompressed, err := s.decoder.DecodeAll(e.ReportCompressed, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress report: %w", err)
			}
			e.Report = decompressed
			e.ReportCompressed = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
