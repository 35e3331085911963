package costing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallybook/internal/core/types"
)

func day(n int) time.Time {
	return time.Date(2026, 1, n, 0, 0, 0, 0, time.UTC)
}

func lotState(method Method, lots ...Lot) *State {
	return &State{Method: method, Lots: lots}
}

func mkLot(qty int64, cost string, acquired time.Time) Lot {
	l, err := AddLot(&State{}, types.NewQuantityFromInt(qty), types.NewQuantityFromInt(qty), types.MustMoney(cost), acquired, "test")
	if err != nil {
		panic(err)
	}
	return l
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
	}{
		{"fifo", MethodFIFO},
		{"LIFO", MethodLIFO},
		{"average", MethodAverage},
		{"standard", MethodStandard},
		{"", MethodStandard},
		{"weighted", MethodStandard}, // misconfigured defaults to standard
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMethod(tt.in), "input %q", tt.in)
	}
}

func TestConsumeLots_FIFO(t *testing.T) {
	state := lotState(MethodFIFO,
		mkLot(5, "10", day(1)),
		mkLot(5, "12", day(2)),
	)

	result, err := ConsumeLots(state, types.NewQuantityFromInt(7))
	require.NoError(t, err)

	// 5*10 + 2*12 = 74
	assert.Equal(t, "74", result.TotalCost.String())
	assert.InDelta(t, 10.571428, result.UnitCost.InexactFloat64(), 0.0001)
	assert.Equal(t, string(MethodFIFO), result.Method)
	require.Len(t, result.LotsConsumed, 2)
	assert.Equal(t, types.NewQuantityFromInt(5), result.LotsConsumed[0].Quantity)
	assert.Equal(t, types.NewQuantityFromInt(2), result.LotsConsumed[1].Quantity)

	// First lot drained and removed, second reduced to 3.
	require.Len(t, state.Lots, 1)
	assert.Equal(t, types.NewQuantityFromInt(3), state.Lots[0].Quantity)
	assert.Equal(t, "12", state.Lots[0].UnitCost.String())
}

func TestConsumeLots_LIFO(t *testing.T) {
	state := lotState(MethodLIFO,
		mkLot(5, "10", day(1)),
		mkLot(5, "12", day(2)),
	)

	result, err := ConsumeLots(state, types.NewQuantityFromInt(7))
	require.NoError(t, err)

	// Newest first: 5*12 + 2*10 = 80
	assert.Equal(t, "80", result.TotalCost.String())
	require.Len(t, state.Lots, 1)
	assert.Equal(t, types.NewQuantityFromInt(3), state.Lots[0].Quantity)
	assert.Equal(t, "10", state.Lots[0].UnitCost.String())
}

func TestConsumeLots_AverageDrainsLotsOldestFirst(t *testing.T) {
	state := lotState(MethodAverage,
		mkLot(5, "10", day(1)),
		mkLot(5, "12", day(2)),
	)
	state.AverageCost = types.MustMoney("11")

	result, err := ConsumeLots(state, types.NewQuantityFromInt(7))
	require.NoError(t, err)

	// Priced at the running average, not the lot costs.
	assert.Equal(t, string(MethodAverage), result.Method)
	assert.Equal(t, "77", result.TotalCost.String())
	assert.Equal(t, "11", result.UnitCost.String())

	// The oldest lot is gone and the newer one shrank: the list must not
	// grow unboundedly just because pricing ignores it.
	require.Len(t, state.Lots, 1)
	assert.Equal(t, types.NewQuantityFromInt(3), state.Lots[0].Quantity)
	assert.Equal(t, "12", state.Lots[0].UnitCost.String())
}

func TestConsumeLots_StandardDrainsLots(t *testing.T) {
	state := lotState(MethodStandard, mkLot(5, "10", day(1)))
	state.StandardCost = types.MustMoney("9")

	result, err := ConsumeLots(state, types.NewQuantityFromInt(5))
	require.NoError(t, err)

	assert.Equal(t, "45", result.TotalCost.String())
	assert.Empty(t, state.Lots)
}

func TestCalculate_DoesNotMutateLots(t *testing.T) {
	state := lotState(MethodFIFO,
		mkLot(5, "10", day(1)),
		mkLot(5, "12", day(2)),
	)

	result, err := Calculate(state, types.NewQuantityFromInt(7))
	require.NoError(t, err)
	assert.Equal(t, "74", result.TotalCost.String())

	require.Len(t, state.Lots, 2)
	assert.Equal(t, types.NewQuantityFromInt(5), state.Lots[0].Quantity)
	assert.Equal(t, types.NewQuantityFromInt(5), state.Lots[1].Quantity)
}

func TestCalculate_FallbackPartial(t *testing.T) {
	state := lotState(MethodFIFO, mkLot(5, "10", day(1)))
	state.AverageCost = types.MustMoney("11")

	result, err := Calculate(state, types.NewQuantityFromInt(8))
	require.NoError(t, err)

	// 5*10 from the lot, 3*11 at average cost.
	assert.Equal(t, FallbackPartial, result.Method)
	assert.Equal(t, "83", result.TotalCost.String())
	assert.Equal(t, types.NewQuantityFromInt(3), result.FallbackQuantity)
}

func TestCalculate_StandardAndAverage(t *testing.T) {
	state := &State{
		Method:       MethodStandard,
		StandardCost: types.MustMoney("2.50"),
		AverageCost:  types.MustMoney("3.10"),
	}

	result, err := Calculate(state, types.NewQuantityFromInt(4))
	require.NoError(t, err)
	assert.Equal(t, "10", result.TotalCost.String())

	state.Method = MethodAverage
	result, err = Calculate(state, types.NewQuantityFromInt(4))
	require.NoError(t, err)
	assert.Equal(t, "12.4", result.TotalCost.String())
}

func TestCalculate_RejectsNonPositiveQuantity(t *testing.T) {
	state := &State{Method: MethodStandard}
	_, err := Calculate(state, types.NewQuantityFromInt(0))
	assert.Error(t, err)
	_, err = ConsumeLots(state, types.NewQuantityFromInt(-1))
	assert.Error(t, err)
}

func TestAddLot_AverageUsesPostAdditionDenominator(t *testing.T) {
	state := &State{Method: MethodAverage, AverageCost: types.MustMoney("10")}

	// Prior stock 10 @ avg 10, add 10 @ 20 -> stockAfter 20 -> avg 15.
	_, err := AddLot(state, types.NewQuantityFromInt(20), types.NewQuantityFromInt(10),
		types.MustMoney("20"), day(3), "PO-1")
	require.NoError(t, err)

	assert.Equal(t, "15", state.AverageCost.String())
	assert.Equal(t, "20", state.LastPurchaseCost.String())
	require.Len(t, state.Lots, 1)
}

func TestAddLot_ZeroPriorStockFallsBackToLotCost(t *testing.T) {
	state := &State{Method: MethodAverage}

	_, err := AddLot(state, types.NewQuantityFromInt(5), types.NewQuantityFromInt(5),
		types.MustMoney("7.25"), day(1), "PO-2")
	require.NoError(t, err)

	assert.Equal(t, "7.25", state.AverageCost.String())
}

func TestAddLot_KeepsAcquisitionOrder(t *testing.T) {
	state := &State{Method: MethodFIFO}

	_, err := AddLot(state, types.NewQuantityFromInt(5), types.NewQuantityFromInt(5),
		types.MustMoney("12"), day(2), "PO-2")
	require.NoError(t, err)
	_, err = AddLot(state, types.NewQuantityFromInt(10), types.NewQuantityFromInt(5),
		types.MustMoney("10"), day(1), "PO-1")
	require.NoError(t, err)

	// Backdated lot sorts first; fifo consumes it first.
	result, err := ConsumeLots(state, types.NewQuantityFromInt(6))
	require.NoError(t, err)
	assert.Equal(t, "62", result.TotalCost.String()) // 5*10 + 1*12
}

func TestAddLot_Validation(t *testing.T) {
	state := &State{}
	_, err := AddLot(state, types.NewQuantityFromInt(0), types.NewQuantityFromInt(0),
		types.MustMoney("1"), day(1), "x")
	assert.Error(t, err)

	_, err = AddLot(state, types.NewQuantityFromInt(1), types.NewQuantityFromInt(1),
		types.MustMoney("-1"), day(1), "x")
	assert.Error(t, err)
}
