package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

func insertTrade(t *testing.T, store *recordstore.MemoryStore, id string, side schema.Side, volume, price, fee string, at time.Time) {
	t.Helper()
	err := store.InsertTrade(context.Background(), schema.Trade{
		Exchange:  "fake",
		Symbol:    "BTC/USD",
		Side:      side,
		Volume:    decimal.RequireFromString(volume),
		Price:     decimal.RequireFromString(price),
		Fee:       decimal.RequireFromString(fee),
		TradeID:   id,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("insert trade %s: %v", id, err)
	}
}

func TestRecalculateStampsPendingTrades(t *testing.T) {
	store := recordstore.NewMemoryStore()
	recalc := NewRecalculator(store)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insertTrade(t, store, "T-1", schema.SideBuy, "1", "100", "0.1", base)
	insertTrade(t, store, "T-2", schema.SideBuy, "1", "200", "0.1", base.Add(time.Minute))

	if err := recalc.Recalculate(ctx, "fake", "BTC/USD"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	trades, err := store.Trades(ctx, "fake")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	last := trades[len(trades)-1]
	if !last.Calculated {
		t.Fatalf("running fields not persisted")
	}
	if !last.TotalVolume.Equal(decimal.NewFromInt(2)) || !last.AvgPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("running state = volume %s avg %s", last.TotalVolume, last.AvgPrice)
	}
}

func TestRecalculateContinuesFromPersistedState(t *testing.T) {
	store := recordstore.NewMemoryStore()
	recalc := NewRecalculator(store)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insertTrade(t, store, "T-1", schema.SideBuy, "0.2", "2456", "0.5", base)
	if err := recalc.Recalculate(ctx, "fake", "BTC/USD"); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	insertTrade(t, store, "T-2", schema.SideSell, "0.2", "3001", "0.3", base.Add(time.Minute))
	if err := recalc.Recalculate(ctx, "fake", "BTC/USD"); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	trades, err := store.Trades(ctx, "fake")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	closing := trades[len(trades)-1]
	if !closing.TotalVolume.IsZero() {
		t.Fatalf("position must be flat after exact close, got %s", closing.TotalVolume)
	}
	want := decimal.RequireFromString("3001").Mul(decimal.RequireFromString("0.2")).
		Add(decimal.RequireFromString("0.3")).
		Sub(decimal.RequireFromString("2456").Mul(decimal.RequireFromString("0.2")).
			Add(decimal.RequireFromString("0.5")))
	if !closing.ROI.Equal(want) {
		t.Fatalf("roi = %s, want %s", closing.ROI, want)
	}
	if closing.ROI.Sign() <= 0 {
		t.Fatalf("closing a profitable long must realize positive roi")
	}
}

func TestRecalculateIdempotentOnDuplicates(t *testing.T) {
	store := recordstore.NewMemoryStore()
	recalc := NewRecalculator(store)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insertTrade(t, store, "T-1", schema.SideBuy, "1", "100", "0", base)
	// duplicate delivery of the same trade id
	insertTrade(t, store, "T-1", schema.SideBuy, "1", "100", "0", base)

	if err := recalc.Recalculate(ctx, "fake", "BTC/USD"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	trades, err := store.Trades(ctx, "fake")
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("duplicate trade id must not double-count, got %d rows", len(trades))
	}
	if !trades[0].TotalVolume.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("running volume = %s, want 1", trades[0].TotalVolume)
	}
}
