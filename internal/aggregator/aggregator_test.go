package aggregator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"fxfeed/internal/config"
	"fxfeed/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const dayMs = int64(24 * 60 * 60 * 1000)

var testSymbol = types.Symbol{ID: 1, Name: "EURUSD", Digits: 5, PipPosition: 4}

func testAggConfig() config.AggregatorConfig {
	return config.AggregatorConfig{
		AdrWindowDays:      5,
		AdrAnchor:          "open",
		ProfileClassifyOn:  "mid",
		VolatilityHalfLife: 30 * time.Second,
		InboxCapacity:      64,
		PrimingRetryPeriod: 20 * time.Millisecond,
	}
}

// testBars returns 5 completed daily bars with ranges 10, 20, 30, 40, 50
// pips (mean 30 pips = 0.0030) and today's first few minute bars.
func testBars() ([]types.DailyBar, []types.MinuteBar) {
	daily := make([]types.DailyBar, 5)
	for i := range daily {
		r := float64(i+1) * 0.0010
		daily[i] = types.DailyBar{
			SymbolID:    1,
			TimestampMs: int64(i+1) * dayMs,
			Open:        1.1000,
			High:        1.1000 + r,
			Low:         1.1000,
			Close:       1.1000 + r/2,
		}
	}
	minute := []types.MinuteBar{
		{SymbolID: 1, TimestampMs: 6*dayMs + 60_000, Open: 1.1010, High: 1.1015, Low: 1.1005, Close: 1.1012},
		{SymbolID: 1, TimestampMs: 6*dayMs + 120_000, Open: 1.1012, High: 1.1020, Low: 1.1010, Close: 1.1018},
	}
	return daily, minute
}

func startTestAggregator(t *testing.T, prime PrimeFunc) (*Aggregator, func()) {
	t.Helper()
	a := New(testSymbol, testAggConfig(), prime, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	return a, func() {
		cancel()
		<-done
	}
}

func recvUpdate(t *testing.T, a *Aggregator) Update {
	t.Helper()
	select {
	case u, ok := <-a.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestPrimingSeedsSessionState(t *testing.T) {
	t.Parallel()
	daily, minute := testBars()
	a, stop := startTestAggregator(t, func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		return daily, minute, nil
	})
	defer stop()

	u := recvUpdate(t, a)
	if u.Kind != UpdateSnapshot {
		t.Fatalf("first update kind = %v, want snapshot", u.Kind)
	}
	st := u.State
	if !st.Ready {
		t.Error("state not ready after priming")
	}
	if math.Abs(st.AdrValue-0.0030) > 1e-12 {
		t.Errorf("AdrValue = %v, want 0.0030", st.AdrValue)
	}
	if st.PreviousClose != daily[4].Close {
		t.Errorf("PreviousClose = %v, want %v", st.PreviousClose, daily[4].Close)
	}
	if st.TodaysOpen != 1.1010 {
		t.Errorf("TodaysOpen = %v, want 1.1010", st.TodaysOpen)
	}
	if st.TodaysHigh != 1.1020 || st.TodaysLow != 1.1005 {
		t.Errorf("high/low = %v/%v, want 1.1020/1.1005", st.TodaysHigh, st.TodaysLow)
	}
	// ADR anchored on today's open; the band width equals the ADR value.
	if got := st.ProjectedAdrHigh - st.ProjectedAdrLow; math.Abs(got-st.AdrValue) > 1e-12 {
		t.Errorf("projected band = %v, want AdrValue %v", got, st.AdrValue)
	}
	if len(st.MarketProfile) == 0 {
		t.Error("market profile not seeded from minute bars")
	}
	// 2 bars × 4 OHLC points, every point counted.
	var vol int64
	for _, lv := range st.MarketProfile {
		vol += lv.Volume
		if lv.Volume < lv.BuyVolume+lv.SellVolume {
			t.Errorf("level %v: Volume %d < buy+sell %d", lv.Price, lv.Volume, lv.BuyVolume+lv.SellVolume)
		}
	}
	if vol != 8 {
		t.Errorf("seeded profile volume = %d, want 8", vol)
	}
}

func TestTickUpdatesQuoteAndProfile(t *testing.T) {
	t.Parallel()
	daily, minute := testBars()
	a, stop := startTestAggregator(t, func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		return daily, minute, nil
	})
	defer stop()
	recvUpdate(t, a) // priming snapshot

	ts := 6*dayMs + 180_000
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1020, Ask: 1.1022, TimestampMs: ts})
	u := recvUpdate(t, a)
	if u.Kind != UpdateTick {
		t.Fatalf("update kind = %v, want tick", u.Kind)
	}
	if math.Abs(u.State.Mid-1.1021) > 1e-12 {
		t.Errorf("Mid = %v, want 1.1021", u.State.Mid)
	}
	if math.Abs(u.State.TodaysHigh-1.1021) > 1e-12 {
		t.Errorf("TodaysHigh = %v, want 1.1021", u.State.TodaysHigh)
	}
	if len(u.ProfileDelta) == 0 {
		t.Error("tick update carries no profile delta")
	}

	// Second tick, lower mid: direction down, sell volume in its bucket.
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1015, Ask: 1.1017, TimestampMs: ts + 100})
	u = recvUpdate(t, a)
	if u.State.LastTickDirection != types.DirectionDown {
		t.Errorf("LastTickDirection = %v, want down", u.State.LastTickDirection)
	}
	if len(u.ProfileDelta) != 1 {
		t.Fatalf("len(ProfileDelta) = %d, want 1", len(u.ProfileDelta))
	}
	if u.ProfileDelta[0].SellVolume != 1 {
		t.Errorf("SellVolume = %d, want 1", u.ProfileDelta[0].SellVolume)
	}
	if u.State.VolatilityPct <= 0 || u.State.VolatilityPct > 100 {
		t.Errorf("VolatilityPct = %v, want in (0, 100]", u.State.VolatilityPct)
	}
}

func TestMalformedTicksDropped(t *testing.T) {
	t.Parallel()
	daily, minute := testBars()
	a, stop := startTestAggregator(t, func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		return daily, minute, nil
	})
	defer stop()
	recvUpdate(t, a)

	ts := 6*dayMs + 180_000
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1020, Ask: 1.1022, TimestampMs: ts})
	recvUpdate(t, a)

	a.OfferTick(types.Tick{SymbolID: 1, Bid: -1, Ask: 1.1, TimestampMs: ts + 1})
	a.OfferTick(types.Tick{SymbolID: 1, Bid: math.NaN(), Ask: 1.1, TimestampMs: ts + 2})
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1, Ask: 1.1, TimestampMs: ts - 10*60*1000})

	// A valid tick still flows after the bad ones were discarded.
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1030, Ask: 1.1032, TimestampMs: ts + 3})
	u := recvUpdate(t, a)
	if math.Abs(u.State.Mid-1.1031) > 1e-12 {
		t.Errorf("Mid = %v, want 1.1031", u.State.Mid)
	}
	if got := a.MalformedTicks(); got != 3 {
		t.Errorf("MalformedTicks = %d, want 3", got)
	}
}

func TestSessionRollover(t *testing.T) {
	t.Parallel()
	daily, minute := testBars()
	a, stop := startTestAggregator(t, func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		return daily, minute, nil
	})
	defer stop()
	recvUpdate(t, a)

	ts := 6*dayMs + 180_000
	a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1020, Ask: 1.1022, TimestampMs: ts})
	lastMid := recvUpdate(t, a).State.Mid

	a.OfferDailyBar(types.DailyBar{SymbolID: 1, TimestampMs: 7 * dayMs, Open: 1.1025, High: 1.1025, Low: 1.1025, Close: 1.1025})
	u := recvUpdate(t, a)
	if u.Kind != UpdateSnapshot {
		t.Fatalf("rollover update kind = %v, want snapshot", u.Kind)
	}
	st := u.State
	if st.PreviousClose != lastMid {
		t.Errorf("PreviousClose = %v, want last mid %v", st.PreviousClose, lastMid)
	}
	if st.TodaysOpen != 1.1025 {
		t.Errorf("TodaysOpen = %v, want 1.1025", st.TodaysOpen)
	}
	if st.TodaysHigh != lastMid || st.TodaysLow != lastMid {
		t.Errorf("high/low = %v/%v, want both %v", st.TodaysHigh, st.TodaysLow, lastMid)
	}
	if len(st.MarketProfile) != 0 {
		t.Errorf("market profile has %d levels after rollover, want 0", len(st.MarketProfile))
	}
	if st.AdrValue <= 0 {
		t.Errorf("AdrValue = %v after rollover, want > 0", st.AdrValue)
	}
	if got := st.ProjectedAdrHigh - st.ProjectedAdrLow; math.Abs(got-st.AdrValue) > 1e-12 {
		t.Errorf("projected band = %v, want AdrValue %v", got, st.AdrValue)
	}
}

func TestPrimingRetriesOnFailure(t *testing.T) {
	t.Parallel()
	daily, minute := testBars()
	var calls atomic.Int32
	a, stop := startTestAggregator(t, func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		if calls.Add(1) < 3 {
			return nil, nil, errors.New("trendbar request rejected")
		}
		return daily, minute, nil
	})
	defer stop()

	u := recvUpdate(t, a)
	if u.Kind != UpdateSnapshot || !u.State.Ready {
		t.Fatalf("expected ready snapshot after retries, got kind=%v ready=%v", u.Kind, u.State.Ready)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("prime calls = %d, want 3", got)
	}
}

func TestOfferTickDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	cfg := testAggConfig()
	cfg.InboxCapacity = 4
	a := New(testSymbol, cfg, nil, testLogger())

	for i := 0; i < 10; i++ {
		a.OfferTick(types.Tick{SymbolID: 1, Bid: 1.1, Ask: 1.2, TimestampMs: int64(i)})
	}
	if got := a.DroppedTicks(); got != 6 {
		t.Errorf("DroppedTicks = %d, want 6", got)
	}
	if got := len(a.inbox); got != 4 {
		t.Errorf("inbox length = %d, want 4", got)
	}
}
