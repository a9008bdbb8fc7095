package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/schema"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func buy(volume, price, fee string, at time.Time) schema.Trade {
	return schema.Trade{
		Exchange: "kraken", Symbol: "BTC/USD", Side: schema.SideBuy,
		Volume: d(volume), Price: d(price), Fee: d(fee), Timestamp: at,
	}
}

func sell(volume, price, fee string, at time.Time) schema.Trade {
	t := buy(volume, price, fee, at)
	t.Side = schema.SideSell
	return t
}

func TestSameSideMonotonicVolume(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := []schema.Trade{
		buy("0.1", "30000", "0.1", base),
		buy("0.25", "30100", "0.1", base.Add(time.Minute)),
		buy("0.003", "29950", "0.1", base.Add(2*time.Minute)),
		buy("1.647", "30500", "0.1", base.Add(3*time.Minute)),
	}

	state := Running{}
	sum := decimal.Zero
	for _, trade := range trades {
		var stamped schema.Trade
		state, stamped = Apply(state, trade)
		sum = sum.Add(trade.Side.Signed(trade.Volume))
		if !stamped.TotalVolume.Equal(sum) {
			t.Fatalf("running volume = %s, want exact sum %s", stamped.TotalVolume, sum)
		}
		if !stamped.ROI.IsZero() {
			t.Fatalf("same-side trade must not realize ROI, got %s", stamped.ROI)
		}
	}
}

func TestVolumeWeightedAveragePrice(t *testing.T) {
	base := time.Now().UTC()
	state, first := Apply(Running{}, buy("1", "100", "0", base))
	if !first.AvgPrice.Equal(d("100")) {
		t.Fatalf("avg price after open = %s, want 100", first.AvgPrice)
	}

	_, second := Apply(state, buy("1", "200", "0", base.Add(time.Second)))
	if !second.AvgPrice.Equal(d("150")) {
		t.Fatalf("avg price after extend = %s, want 150", second.AvgPrice)
	}
	if !second.AvgCost.Equal(d("300")) {
		t.Fatalf("cost basis = %s, want 300", second.AvgCost)
	}
}

func TestLongCloseROISign(t *testing.T) {
	// Prior long 0.2 @ 2456 with accumulated fee 0.5; closing sell releases
	// the full basis.
	prev := Running{
		Volume:   d("0.2"),
		AvgPrice: d("2456"),
		Cost:     d("491.2"),
		Fee:      d("0.5"),
	}
	closing := sell("0.2", "3001", "0.3", time.Now().UTC())

	next, stamped := Apply(prev, closing)

	// (3001*0.2 + fee) - (2456*0.2 + proportional prior fee)
	want := d("3001").Mul(d("0.2")).Add(d("0.3")).Sub(d("491.2").Add(d("0.5")))
	if !stamped.ROI.Equal(want) {
		t.Fatalf("ROI = %s, want %s", stamped.ROI, want)
	}
	if stamped.ROI.Sign() <= 0 {
		t.Fatalf("closing above entry must realize positive ROI, got %s", stamped.ROI)
	}
	if !next.Zero() {
		t.Fatalf("exact close must reset running state, got %+v", next)
	}
	if !stamped.TotalVolume.IsZero() || !stamped.AvgPrice.IsZero() || !stamped.AvgCost.IsZero() {
		t.Fatal("running fields must reset to zero on exact close")
	}
}

func TestPartialReduceReleasesProportionalBasis(t *testing.T) {
	prev := Running{
		Volume:   d("1"),
		AvgPrice: d("100"),
		Cost:     d("100"),
		Fee:      d("1"),
	}
	next, stamped := Apply(prev, sell("0.25", "120", "0.1", time.Now().UTC()))

	if !next.Volume.Equal(d("0.75")) {
		t.Fatalf("remaining volume = %s, want 0.75", next.Volume)
	}
	if !next.Cost.Equal(d("75")) {
		t.Fatalf("remaining cost = %s, want 75", next.Cost)
	}
	if !next.Fee.Equal(d("0.75")) {
		t.Fatalf("remaining fee = %s, want 0.75", next.Fee)
	}
	if !next.AvgPrice.Equal(d("100")) {
		t.Fatalf("avg price must not move on reduce, got %s", next.AvgPrice)
	}

	// (120*0.25 + 0.1) - (100*0.25 + 1*0.25)
	want := d("30.1").Sub(d("25.25"))
	if !stamped.ROI.Equal(want) {
		t.Fatalf("ROI = %s, want %s", stamped.ROI, want)
	}
	basis := d("25.25")
	wantPct := want.Div(basis).Mul(d("100"))
	if !stamped.ROIPercent.Equal(wantPct) {
		t.Fatalf("ROI%% = %s, want %s", stamped.ROIPercent, wantPct)
	}
}

func TestShortCloseROISign(t *testing.T) {
	// Short 1 @ 100; buying back cheaper realizes a gain.
	prev := Running{
		Volume:   d("-1"),
		AvgPrice: d("100"),
		Cost:     d("100"),
		Fee:      d("0"),
	}
	_, stamped := Apply(prev, buy("1", "80", "0", time.Now().UTC()))
	if !stamped.ROI.Equal(d("20")) {
		t.Fatalf("short close ROI = %s, want 20", stamped.ROI)
	}

	_, losing := Apply(prev, buy("1", "130", "0", time.Now().UTC()))
	if losing.ROI.Sign() >= 0 {
		t.Fatalf("buying back above entry must realize negative ROI, got %s", losing.ROI)
	}
}

func TestFlipClosesThenReopens(t *testing.T) {
	prev := Running{
		Volume:   d("0.5"),
		AvgPrice: d("100"),
		Cost:     d("50"),
		Fee:      d("0.2"),
	}
	next, stamped := Apply(prev, sell("0.8", "110", "0.16", time.Now().UTC()))

	if !next.Volume.Equal(d("-0.3")) {
		t.Fatalf("residual volume = %s, want -0.3", next.Volume)
	}
	if !next.AvgPrice.Equal(d("110")) {
		t.Fatalf("fresh open avg price = %s, want 110", next.AvgPrice)
	}
	if !next.Cost.Equal(d("33")) {
		t.Fatalf("fresh open cost = %s, want 33", next.Cost)
	}
	// Closing 0.5 of 0.8 carries 0.1 of the 0.16 fee; residual keeps 0.06.
	if !next.Fee.Equal(d("0.06")) {
		t.Fatalf("residual fee = %s, want 0.06", next.Fee)
	}
	if stamped.ROI.IsZero() {
		t.Fatal("flip must realize ROI for the closed leg")
	}
	if !stamped.TotalVolume.Equal(d("-0.3")) {
		t.Fatalf("stamped running volume = %s, want -0.3", stamped.TotalVolume)
	}
}

func TestReplayOrdersByTimestamp(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	// Deliberately out of order, as a streaming source might deliver them.
	trades := []schema.Trade{
		sell("1", "120", "0", base.Add(2*time.Minute)),
		buy("1", "100", "0", base),
		buy("1", "110", "0", base.Add(time.Minute)),
	}

	state, stamped := Replay(Running{}, trades)

	if !state.Volume.Equal(d("1")) {
		t.Fatalf("final volume = %s, want 1", state.Volume)
	}
	// Replay output is in canonical timestamp order.
	if !stamped[0].Price.Equal(d("100")) || !stamped[2].Price.Equal(d("120")) {
		t.Fatal("replay must process trades in timestamp order")
	}
	if stamped[2].ROI.IsZero() {
		t.Fatal("the closing sell must realize ROI")
	}
}
