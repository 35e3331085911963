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
	"tallybook/internal/core/entity"
	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
	"tallybook/internal/domain/costing"
	"tallybook/internal/domain/inventory"
)

const (
	inventoryRecordsTable   = "inv_records"
	inventoryMovementsTable = "inv_movements"
)

// InventoryRepo implements inventory.Repository on PostgreSQL. Records
// carry their lot list and reservations as JSONB; the movement log is a
// plain append-only table written over COPY inside the posting
// transaction.
type InventoryRepo struct {
	txManager *TxManager
	builder   squirrel.StatementBuilderType
}

var _ inventory.Repository = (*InventoryRepo)(nil)

// NewInventoryRepo creates the inventory repository.
func NewInventoryRepo(txManager *TxManager) *InventoryRepo {
	return &InventoryRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type inventoryRow struct {
	ID               id.ID          `db:"id"`
	ProductKind      string         `db:"product_kind"`
	ProductID        id.ID          `db:"product_id"`
	CurrentStock     types.Quantity `db:"current_stock"`
	ReservedStock    types.Quantity `db:"reserved_stock"`
	AvailableStock   types.Quantity `db:"available_stock"`
	ReorderPoint     types.Quantity `db:"reorder_point"`
	ReorderQuantity  types.Quantity `db:"reorder_quantity"`
	MaxStock         types.Quantity `db:"max_stock"`
	Status           string         `db:"status"`
	CostMethod       string         `db:"cost_method"`
	StandardCost     types.Money    `db:"standard_cost"`
	AverageCost      types.Money    `db:"average_cost"`
	LastPurchaseCost types.Money    `db:"last_purchase_cost"`
	Lots             []byte         `db:"lots"`
	Reservations     []byte         `db:"reservations"`
	Version          int            `db:"version"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

var inventoryColumns = []string{
	"id", "product_kind", "product_id",
	"current_stock", "reserved_stock", "available_stock",
	"reorder_point", "reorder_quantity", "max_stock", "status",
	"cost_method", "standard_cost", "average_cost", "last_purchase_cost",
	"lots", "reservations",
	"version", "created_at", "updated_at",
}

func toInventoryRow(rec *inventory.Record) (*inventoryRow, error) {
	lots, err := json.Marshal(rec.Cost.Lots)
	if err != nil {
		return nil, fmt.Errorf("marshal lots: %w", err)
	}
	reservations, err := json.Marshal(rec.Reservations)
	if err != nil {
		return nil, fmt.Errorf("marshal reservations: %w", err)
	}
	return &inventoryRow{
		ID:               rec.ID,
		ProductKind:      string(rec.Product.Kind),
		ProductID:        rec.Product.ID,
		CurrentStock:     rec.CurrentStock,
		ReservedStock:    rec.ReservedStock,
		AvailableStock:   rec.AvailableStock,
		ReorderPoint:     rec.ReorderPoint,
		ReorderQuantity:  rec.ReorderQuantity,
		MaxStock:         rec.MaxStock,
		Status:           string(rec.Status),
		CostMethod:       string(rec.Cost.Method),
		StandardCost:     rec.Cost.StandardCost,
		AverageCost:      rec.Cost.AverageCost,
		LastPurchaseCost: rec.Cost.LastPurchaseCost,
		Lots:             lots,
		Reservations:     reservations,
		Version:          rec.Version,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

func (row *inventoryRow) toRecord() (*inventory.Record, error) {
	rec := &inventory.Record{
		Versioned: entity.Versioned{
			ID:        row.ID,
			Version:   row.Version,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Product: inventory.ProductRef{
			Kind: inventory.RefKind(row.ProductKind),
			ID:   row.ProductID,
		},
		CurrentStock:    row.CurrentStock,
		ReservedStock:   row.ReservedStock,
		AvailableStock:  row.AvailableStock,
		ReorderPoint:    row.ReorderPoint,
		ReorderQuantity: row.ReorderQuantity,
		MaxStock:        row.MaxStock,
		Status:          inventory.Status(row.Status),
		Cost: costing.State{
			Method:           costing.Method(row.CostMethod),
			StandardCost:     row.StandardCost,
			AverageCost:      row.AverageCost,
			LastPurchaseCost: row.LastPurchaseCost,
		},
	}
	if len(row.Lots) > 0 {
		if err := json.Unmarshal(row.Lots, &rec.Cost.Lots); err != nil {
			return nil, fmt.Errorf("unmarshal lots: %w", err)
		}
	}
	if len(row.Reservations) > 0 {
		if err := json.Unmarshal(row.Reservations, &rec.Reservations); err != nil {
			return nil, fmt.Errorf("unmarshal reservations: %w", err)
		}
	}
	return rec, nil
}

// Get loads the record for a product reference.
func (r *InventoryRepo) Get(ctx context.Context, product inventory.ProductRef) (*inventory.Record, error) {
	q := r.builder.Select(inventoryColumns...).
		From(inventoryRecordsTable).
		Where(squirrel.Eq{
			"product_kind": string(product.Kind),
			"product_id":   product.ID,
		}).Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row inventoryRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("inventory record", product.String())
		}
		return nil, fmt.Errorf("get inventory record: %w", err)
	}
	return row.toRecord()
}

// GetOrCreate loads the record, inserting an empty one on first use.
// The insert tolerates a concurrent creator; the stored row wins.
func (r *InventoryRepo) GetOrCreate(ctx context.Context, product inventory.ProductRef) (*inventory.Record, error) {
	rec, err := r.Get(ctx, product)
	if err == nil {
		return rec, nil
	}
	if !apperror.IsNotFound(err) {
		return nil, err
	}

	fresh := inventory.NewRecord(product)
	row, err := toInventoryRow(fresh)
	if err != nil {
		return nil, err
	}

	q := r.builder.Insert(inventoryRecordsTable).
		Columns(inventoryColumns...).
		Values(
			row.ID, row.ProductKind, row.ProductID,
			row.CurrentStock, row.ReservedStock, row.AvailableStock,
			row.ReorderPoint, row.ReorderQuantity, row.MaxStock, row.Status,
			row.CostMethod, row.StandardCost, row.AverageCost, row.LastPurchaseCost,
			row.Lots, row.Reservations,
			row.Version, row.CreatedAt, row.UpdatedAt,
		).
		Suffix("ON CONFLICT (product_kind, product_id) DO NOTHING")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("insert inventory record: %w", err)
	}

	return r.Get(ctx, product)
}

// Update writes the record conditioned on the version it was read at.
func (r *InventoryRepo) Update(ctx context.Context, rec *inventory.Record) error {
	readVersion := rec.Version
	rec.Touch()

	row, err := toInventoryRow(rec)
	if err != nil {
		rec.SetVersion(readVersion)
		return err
	}

	q := r.builder.Update(inventoryRecordsTable).
		Set("current_stock", row.CurrentStock).
		Set("reserved_stock", row.ReservedStock).
		Set("available_stock", row.AvailableStock).
		Set("reorder_point", row.ReorderPoint).
		Set("reorder_quantity", row.ReorderQuantity).
		Set("max_stock", row.MaxStock).
		Set("status", row.Status).
		Set("cost_method", row.CostMethod).
		Set("standard_cost", row.StandardCost).
		Set("average_cost", row.AverageCost).
		Set("last_purchase_cost", row.LastPurchaseCost).
		Set("lots", row.Lots).
		Set("reservations", row.Reservations).
		Set("version", row.Version).
		Set("updated_at", row.UpdatedAt).
		Where(squirrel.Eq{
			"product_kind": row.ProductKind,
			"product_id":   row.ProductID,
			"version":      readVersion,
		})

	sql, args, err := q.ToSql()
	if err != nil {
		rec.SetVersion(readVersion)
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		rec.SetVersion(readVersion)
		return fmt.Errorf("update inventory record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		rec.SetVersion(readVersion)
		return apperror.NewConcurrentModification("inventory record", rec.Product.String())
	}
	return nil
}

var movementColumns = []string{
	"line_id", "product_kind", "product_id", "movement_type",
	"quantity", "delta", "unit_cost", "cost",
	"reference", "performed_by", "occurred_at", "created_at",
}

// AppendMovement writes one movement log entry. Uses COPY when inside
// the posting transaction, a plain insert otherwise.
func (r *InventoryRepo) AppendMovement(ctx context.Context, m inventory.Movement) error {
	values := []any{
		m.LineID, string(m.Product.Kind), m.Product.ID, string(m.Type),
		m.Quantity, m.Delta, m.UnitCost, m.Cost,
		m.Reference, m.PerformedBy, m.OccurredAt, m.CreatedAt,
	}

	if r.txManager.GetTx(ctx) != nil {
		inserter := NewBatchInserter(r.txManager)
		if _, err := inserter.CopyFromSlice(ctx, inventoryMovementsTable, movementColumns, [][]any{values}); err != nil {
			return fmt.Errorf("copy movement: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(inventoryMovementsTable).
		Columns(movementColumns...).
		Values(values...)
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

type movementRow struct {
	LineID      id.ID          `db:"line_id"`
	ProductKind string         `db:"product_kind"`
	ProductID   id.ID          `db:"product_id"`
	Type        string         `db:"movement_type"`
	Quantity    types.Quantity `db:"quantity"`
	Delta       types.Quantity `db:"delta"`
	UnitCost    *types.Money   `db:"unit_cost"`
	Cost        types.Money    `db:"cost"`
	Reference   string         `db:"reference"`
	PerformedBy string         `db:"performed_by"`
	OccurredAt  time.Time      `db:"occurred_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (row *movementRow) toMovement() inventory.Movement {
	return inventory.Movement{
		LineID: row.LineID,
		Product: inventory.ProductRef{
			Kind: inventory.RefKind(row.ProductKind),
			ID:   row.ProductID,
		},
		Type:        inventory.MovementType(row.Type),
		Quantity:    row.Quantity,
		Delta:       row.Delta,
		UnitCost:    row.UnitCost,
		Cost:        row.Cost,
		Reference:   row.Reference,
		PerformedBy: row.PerformedBy,
		OccurredAt:  row.OccurredAt,
		CreatedAt:   row.CreatedAt,
	}
}

// Movements returns movement history for a product, newest first.
func (r *InventoryRepo) Movements(ctx context.Context, product inventory.ProductRef, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	q := r.builder.Select(movementColumns...).
		From(inventoryMovementsTable).
		Where(squirrel.Eq{
			"product_kind": string(product.Kind),
			"product_id":   product.ID,
		})

	if filter.Type != nil {
		q = q.Where(squirrel.Eq{"movement_type": string(*filter.Type)})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"occurred_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"occurred_at": *filter.ToDate})
	}

	q = q.OrderBy("occurred_at DESC", "created_at DESC")
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

	var rows []movementRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}

	movements := make([]inventory.Movement, 0, len(rows))
	for i := range rows {
		movements = append(movements, rows[i].toMovement())
	}
	return movements, nil
}

// GetTurnover summarizes inbound/outbound quantities for a window.
func (r *InventoryRepo) GetTurnover(ctx context.Context, filter inventory.TurnoverFilter) (inventory.Turnover, error) {
	result := inventory.Turnover{Product: filter.Product}
	querier := r.txManager.GetQuerier(ctx)

	sql := `
		SELECT
			COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0) AS inbound,
			COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0) AS outbound
		FROM inv_movements
		WHERE product_kind = $1 AND product_id = $2
		  AND occurred_at >= $3 AND occurred_at < $4
	`
	var inboundScaled, outboundScaled int64
	err := querier.QueryRow(ctx, sql,
		string(filter.Product.Kind), filter.Product.ID, filter.FromDate, filter.ToDate,
	).Scan(&inboundScaled, &outboundScaled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return result, fmt.Errorf("calculate turnover: %w", err)
	}
	result.Inbound = types.Quantity(inboundScaled)
	result.Outbound = types.Quantity(outboundScaled)

	openingSQL := `
		SELECT COALESCE(SUM(delta), 0)
		FROM inv_movements
		WHERE product_kind = $1 AND product_id = $2 AND occurred_at < $3
	`
	var openingScaled int64
	err = querier.QueryRow(ctx, openingSQL,
		string(filter.Product.Kind), filter.Product.ID, filter.FromDate,
	).Scan(&openingScaled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return result, fmt.Errorf("calculate opening balance: %w", err)
	}
	result.OpeningBalance = types.Quantity(openingScaled)
	result.ClosingBalance = result.OpeningBalance + result.Inbound - result.Outbound

	return result, nil
}

// LowStock returns records needing replenishment. The predicate mirrors
// Record.BelowReorderPoint exactly: a configured reorder point, stock at
// or below it, sticky inactive/discontinued records excluded.
func (r *InventoryRepo) LowStock(ctx context.Context) ([]*inventory.Record, error) {
	q := r.builder.Select(inventoryColumns...).
		From(inventoryRecordsTable).
		Where(squirrel.Gt{"reorder_point": 0}).
		Where("current_stock <= reorder_point").
		Where(squirrel.NotEq{"status": []string{
			string(inventory.StatusInactive),
			string(inventory.StatusDiscontinued),
		}}).
		OrderBy("product_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []inventoryRow
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select low stock: %w", err)
	}

	records := make([]*inventory.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// WithExpiredReservations returns product refs holding at least one
// reservation lapsed at the given instant.
func (r *InventoryRepo) WithExpiredReservations(ctx context.Context, now time.Time) ([]inventory.ProductRef, error) {
	sql := `
		SELECT product_kind, product_id
		FROM inv_records
		WHERE reserved_stock > 0
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(reservations) AS r
			WHERE (r->>'expiresAt')::timestamptz < $1
		  )
	`
	rows, err := r.txManager.GetQuerier(ctx).Query(ctx, sql, now)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var refs []inventory.ProductRef
	for rows.Next() {
		var kind string
		var productID id.ID
		if err := rows.Scan(&kind, &productID); err != nil {
			return nil, fmt.Errorf("scan product ref: %w", err)
		}
		refs = append(refs, inventory.ProductRef{Kind: inventory.RefKind(kind), ID: productID})
	}
	return refs, rows.Err()
}
