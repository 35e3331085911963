package costing

import (
	"sort"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/core/types"
)

// Lot is a batch of stock acquired at a specific unit cost and date.
// Lots are consumed in acquisition order (oldest-first for fifo,
// newest-first for lifo); a lot reduced to zero is removed.
type Lot struct {
	LotID           id.ID          `db:"lot_id" json:"lotId"`
	Quantity        types.Quantity `db:"quantity" json:"quantity"`
	UnitCost        types.Money    `db:"unit_cost" json:"unitCost"`
	AcquiredAt      time.Time      `db:"acquired_at" json:"acquiredAt"`
	SourceReference string         `db:"source_reference" json:"sourceReference"`
}

// State is the cost state embedded in an inventory record. The engine
// mutates it in place so average recomputation always operates on the
// exact document state about to be persisted.
type State struct {
	Method           Method      `json:"method"`
	StandardCost     types.Money `json:"standardCost"`
	AverageCost      types.Money `json:"averageCost"`
	LastPurchaseCost types.Money `json:"lastPurchaseCost"`
	Lots             []Lot       `json:"lots"`
}

// LotConsumption is one lot's share of a costed quantity.
type LotConsumption struct {
	LotID    id.ID          `json:"lotId"`
	Quantity types.Quantity `json:"quantity"`
	UnitCost types.Money    `json:"unitCost"`
	Cost     types.Money    `json:"cost"`
}

// Result is the outcome of a cost calculation or lot consumption.
type Result struct {
	// Method is the effective method used; FallbackPartial when lots ran
	// out and the remainder was priced at average cost.
	Method       string           `json:"method"`
	UnitCost     types.Money      `json:"unitCost"`
	TotalCost    types.Money      `json:"totalCost"`
	LotsConsumed []LotConsumption `json:"lotsConsumed,omitempty"`

	// FallbackQuantity is the portion priced at average cost.
	FallbackQuantity types.Quantity `json:"fallbackQuantity,omitempty"`
}

type strategyFunc func(state *State, quantity types.Quantity, mutate bool) Result

// strategies is the dispatch table, one entry per method variant.
var strategies = map[Method]strategyFunc{
	MethodStandard: costStandard,
	MethodAverage:  costAverage,
	MethodFIFO:     costFIFO,
	MethodLIFO:     costLIFO,
}

// Calculate prices a quantity without mutating the lot list.
func Calculate(state *State, quantity types.Quantity) (Result, error) {
	if !quantity.IsPositive() {
		return Result{}, apperror.NewValidation("quantity must be positive")
	}
	return strategies[ParseMethod(string(state.Method))](state, quantity, false), nil
}

// ConsumeLots prices a quantity per the configured method and reduces
// the consumed lots. Lots drain oldest-first even under standard and
// average pricing: AddLot appends on every stock-in regardless of
// method, so consumption must shrink the list too, or it grows without
// bound and mis-prices a later switch to fifo or lifo.
func ConsumeLots(state *State, quantity types.Quantity) (Result, error) {
	if !quantity.IsPositive() {
		return Result{}, apperror.NewValidation("quantity must be positive")
	}
	method := ParseMethod(string(state.Method))
	if method.IsLotBased() {
		return strategies[method](state, quantity, true), nil
	}
	result := strategies[method](state, quantity, false)
	drainLots(state, quantity)
	return result, nil
}

// drainLots reduces lots oldest-first without touching the price.
// Bookkeeping for methods that do not price from lots.
func drainLots(state *State, quantity types.Quantity) {
	remaining := quantity
	for i := range state.Lots {
		if !remaining.IsPositive() {
			break
		}
		take := state.Lots[i].Quantity
		if take > remaining {
			take = remaining
		}
		state.Lots[i].Quantity -= take
		remaining -= take
	}
	state.Lots = pruneEmptyLots(state.Lots)
}

// AddLot appends a new cost lot and recomputes the running average using
// the post-addition stock level as denominator (weighted-average-cost
// convention). stockAfter is the stock level after the addition.
func AddLot(state *State, stockAfter, quantity types.Quantity, unitCost types.Money, acquiredAt time.Time, sourceReference string) (Lot, error) {
	if !quantity.IsPositive() {
		return Lot{}, apperror.NewValidation("lot quantity must be positive")
	}
	if unitCost.IsNegative() {
		return Lot{}, apperror.NewValidation("lot unit cost must not be negative")
	}

	lot := Lot{
		LotID:           id.New(),
		Quantity:        quantity,
		UnitCost:        unitCost,
		AcquiredAt:      acquiredAt,
		SourceReference: sourceReference,
	}

	state.Lots = append(state.Lots, lot)
	sort.SliceStable(state.Lots, func(i, j int) bool {
		return state.Lots[i].AcquiredAt.Before(state.Lots[j].AcquiredAt)
	})

	priorStock := stockAfter - quantity
	if priorStock.IsPositive() && !state.AverageCost.IsZero() {
		// newAvg = (priorStock*oldAvg + qty*cost) / stockAfter
		weighted := state.AverageCost.Mul(priorStock.Decimal()).
			Add(unitCost.Mul(quantity.Decimal()))
		state.AverageCost = weighted.Div(stockAfter.Decimal())
	} else {
		// Zero prior stock: the new lot defines the average.
		state.AverageCost = unitCost
	}
	state.LastPurchaseCost = unitCost

	return lot, nil
}

// --- strategies ---

func costStandard(state *State, quantity types.Quantity, _ bool) Result {
	return Result{
		Method:    string(MethodStandard),
		UnitCost:  state.StandardCost,
		TotalCost: state.StandardCost.Mul(quantity.Decimal()),
	}
}

func costAverage(state *State, quantity types.Quantity, _ bool) Result {
	return Result{
		Method:    string(MethodAverage),
		UnitCost:  state.AverageCost,
		TotalCost: state.AverageCost.Mul(quantity.Decimal()),
	}
}

func costFIFO(state *State, quantity types.Quantity, mutate bool) Result {
	return costFromLots(state, quantity, false, mutate)
}

func costLIFO(state *State, quantity types.Quantity, mutate bool) Result {
	return costFromLots(state, quantity, true, mutate)
}

// costFromLots walks the lot list in acquisition order (reversed for
// lifo), consuming quantity from each lot until satisfied. An exhausted
// remainder is priced at the running average and the result is flagged
// fallback-partial.
func costFromLots(state *State, quantity types.Quantity, newestFirst, mutate bool) Result {
	method := MethodFIFO
	if newestFirst {
		method = MethodLIFO
	}

	result := Result{Method: string(method)}
	remaining := quantity
	total := types.ZeroMoney()

	indexes := make([]int, 0, len(state.Lots))
	for i := range state.Lots {
		indexes = append(indexes, i)
	}
	if newestFirst {
		for l, r := 0, len(indexes)-1; l < r; l, r = l+1, r-1 {
			indexes[l], indexes[r] = indexes[r], indexes[l]
		}
	}

	for _, i := range indexes {
		if !remaining.IsPositive() {
			break
		}
		lot := &state.Lots[i]
		take := lot.Quantity
		if take > remaining {
			take = remaining
		}
		if !take.IsPositive() {
			continue
		}

		cost := lot.UnitCost.Mul(take.Decimal())
		result.LotsConsumed = append(result.LotsConsumed, LotConsumption{
			LotID:    lot.LotID,
			Quantity: take,
			UnitCost: lot.UnitCost,
			Cost:     cost,
		})
		total = total.Add(cost)
		remaining -= take

		if mutate {
			lot.Quantity -= take
		}
	}

	if remaining.IsPositive() {
		// Lots exhausted: price the remainder at the running average.
		result.Method = FallbackPartial
		result.FallbackQuantity = remaining
		total = total.Add(state.AverageCost.Mul(remaining.Decimal()))
	}

	if mutate {
		state.Lots = pruneEmptyLots(state.Lots)
	}

	result.TotalCost = total
	if quantity.IsPositive() {
		result.UnitCost = total.Div(quantity.Decimal())
	}
	return result
}

func pruneEmptyLots(lots []Lot) []Lot {
	kept := lots[:0]
	for _, lot := range lots {
		if lot.Quantity.IsPositive() {
			kept = append(kept, lot)
		}
	}
	return kept
}
