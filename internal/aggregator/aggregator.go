// Package aggregator owns one symbol's live derived state: latest quote,
// session OHLC, ADR projection, rolling market profile, and a volatility
// estimate. Each Aggregator runs as a single goroutine consuming a bounded
// inbox; every mutation of its state flows through that loop, and readers
// only ever see value snapshots published on the updates channel.
package aggregator

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"fxfeed/internal/config"
	"fxfeed/pkg/types"
)

// staleTickAfter is how far behind the latest accepted tick a timestamp may
// lag before the tick is dropped as malformed.
const staleTickAfter = 5 * time.Minute

// UpdateKind discriminates the two event shapes on the updates channel.
type UpdateKind int

const (
	// UpdateSnapshot carries the full state including every profile level.
	UpdateSnapshot UpdateKind = iota
	// UpdateTick carries the scalar state plus only the profile buckets
	// touched since the previous emit.
	UpdateTick
)

// Update is one event published to subscribers. State is a value copy; the
// receiving side never shares memory with the aggregator loop.
type Update struct {
	Kind         UpdateKind
	State        types.SymbolState
	ProfileDelta []types.MarketProfileLevel
}

// PrimeFunc fetches the historical bars that seed session state: the last N
// completed daily bars and today's 1-minute bars.
type PrimeFunc func(ctx context.Context) (daily []types.DailyBar, minute []types.MinuteBar, err error)

type primeResult struct {
	daily  []types.DailyBar
	minute []types.MinuteBar
	err    error
}

// Aggregator maintains one symbol's state. Construct with New, start with
// Run, feed with OfferTick/OfferDailyBar, consume from Updates.
type Aggregator struct {
	sym    types.Symbol
	cfg    config.AggregatorConfig
	prime  PrimeFunc
	logger *slog.Logger

	inbox   chan any
	updates chan Update

	droppedTicks   atomic.Uint64
	malformedTicks atomic.Uint64

	// Everything below is owned exclusively by the Run loop.
	state           types.SymbolState
	profile         *Profile
	daily           []types.DailyBar // most recent completed daily bars, oldest first
	sessionAnchorMs int64
	prevMid         float64
	prevClassify    float64
	haveClassify    bool
	vol             float64
	volAtMs         int64
}

// New creates an aggregator for the given symbol. prime is invoked from the
// Run loop and retried on failure until it succeeds.
func New(sym types.Symbol, cfg config.AggregatorConfig, prime PrimeFunc, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		sym:     sym,
		cfg:     cfg,
		prime:   prime,
		logger:  logger.With("component", "aggregator", "symbol", sym.Name),
		inbox:   make(chan any, cfg.InboxCapacity),
		updates: make(chan Update, 64),
		profile: NewProfile(sym.PipPosition),
	}
	a.state.Symbol = sym
	return a
}

// Updates returns the channel of published state updates. It is closed when
// Run exits.
func (a *Aggregator) Updates() <-chan Update { return a.updates }

// Symbol returns the symbol this aggregator owns.
func (a *Aggregator) Symbol() types.Symbol { return a.sym }

// DroppedTicks reports how many inbox entries and published updates were
// discarded under overload.
func (a *Aggregator) DroppedTicks() uint64 { return a.droppedTicks.Load() }

// MalformedTicks reports how many inbound ticks failed validation.
func (a *Aggregator) MalformedTicks() uint64 { return a.malformedTicks.Load() }

// OfferTick enqueues a tick without blocking. When the inbox is full the
// oldest entry is dropped first; tick state is cumulative, so losing an
// intermediate tick only costs profile granularity.
func (a *Aggregator) OfferTick(t types.Tick) { a.offer(t) }

// OfferDailyBar enqueues a daily-bar event without blocking.
func (a *Aggregator) OfferDailyBar(b types.DailyBar) { a.offer(b) }

func (a *Aggregator) offer(ev any) {
	select {
	case a.inbox <- ev:
		return
	default:
	}
	select {
	case <-a.inbox:
		a.droppedTicks.Add(1)
	default:
	}
	select {
	case a.inbox <- ev:
	default:
		a.droppedTicks.Add(1)
	}
}

// Run consumes the inbox until ctx is cancelled. It kicks off priming
// immediately and retries on a timer while the broker request keeps
// failing; subscribers see no updates until priming succeeds.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.updates)

	primeCh := make(chan primeResult, 1)
	go a.runPrime(ctx, primeCh)

	retry := time.NewTimer(a.cfg.PrimingRetryPeriod)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case res := <-primeCh:
			if res.err != nil {
				a.logger.Warn("priming failed, will retry",
					"error", res.err,
					"retry_in", a.cfg.PrimingRetryPeriod,
				)
				retry.Reset(a.cfg.PrimingRetryPeriod)
				continue
			}
			a.applyPrime(res.daily, res.minute)
			a.emit(Update{Kind: UpdateSnapshot, State: a.snapshot(true)})
			a.logger.Info("primed",
				"adr", a.state.AdrValue,
				"todays_open", a.state.TodaysOpen,
				"profile_levels", a.profile.Len(),
			)

		case <-retry.C:
			go a.runPrime(ctx, primeCh)

		case ev := <-a.inbox:
			switch e := ev.(type) {
			case types.Tick:
				a.onTick(e)
			case types.DailyBar:
				a.onDailyBar(e)
			}
		}
	}
}

func (a *Aggregator) runPrime(ctx context.Context, out chan<- primeResult) {
	daily, minute, err := a.prime(ctx)
	select {
	case out <- primeResult{daily: daily, minute: minute, err: err}:
	case <-ctx.Done():
	}
}

// applyPrime seeds session state from historical bars: ADR from the last N
// completed daily bars, session OHLC and profile buckets from today's
// 1-minute bars.
func (a *Aggregator) applyPrime(daily []types.DailyBar, minute []types.MinuteBar) {
	a.daily = append(a.daily[:0], daily...)
	a.state.AdrValue = meanRange(a.daily)
	if n := len(a.daily); n > 0 {
		a.state.PreviousClose = a.daily[n-1].Close
	}

	if len(minute) > 0 {
		first := minute[0]
		a.state.TodaysOpen = first.Open
		a.sessionAnchorMs = first.TimestampMs - first.TimestampMs%int64(24*time.Hour/time.Millisecond)

		high, low := first.High, first.Low
		// Seed profile buckets by replaying each bar's OHLC as four
		// synthesized ticks. The very first open has no predecessor
		// and contributes flat, to total volume only.
		prev := math.NaN()
		for _, bar := range minute {
			if bar.High > high {
				high = bar.High
			}
			if bar.Low < low {
				low = bar.Low
			}
			for _, px := range [4]float64{bar.Open, bar.High, bar.Low, bar.Close} {
				dir := types.DirectionFlat
				if !math.IsNaN(prev) {
					dir = types.ClassifyDirection(px, prev)
				}
				a.profile.Apply(px, dir)
				prev = px
			}
		}
		if a.state.HasPrice {
			a.state.TodaysHigh = math.Max(a.state.TodaysHigh, high)
			a.state.TodaysLow = math.Min(a.state.TodaysLow, low)
		} else {
			a.state.TodaysHigh = high
			a.state.TodaysLow = low
		}
	} else if a.state.HasPrice {
		a.state.TodaysOpen = a.state.Mid
	}

	a.recomputeAdrProjection()
	// The ready snapshot carries the full profile; start the delta
	// tracking clean so the first tick update only reports its own bucket.
	a.profile.Flush()
	a.state.Ready = true
}

// onTick folds one live tick into the session state and, once primed,
// publishes a tick update.
func (a *Aggregator) onTick(t types.Tick) {
	if !validTick(t) || (a.state.TimestampMs > 0 && t.TimestampMs < a.state.TimestampMs-staleTickAfter.Milliseconds()) {
		a.malformedTicks.Add(1)
		return
	}

	mid := t.Mid()
	dir := types.DirectionFlat
	if a.state.HasPrice {
		dir = types.ClassifyDirection(mid, a.prevMid)
	}

	if a.state.HasPrice {
		a.state.TodaysHigh = math.Max(a.state.TodaysHigh, mid)
		a.state.TodaysLow = math.Min(a.state.TodaysLow, mid)
	} else {
		if !a.state.Ready {
			a.state.TodaysOpen = mid
		}
		if a.state.TodaysHigh == 0 && a.state.TodaysLow == 0 {
			a.state.TodaysHigh = mid
			a.state.TodaysLow = mid
		} else {
			a.state.TodaysHigh = math.Max(a.state.TodaysHigh, mid)
			a.state.TodaysLow = math.Min(a.state.TodaysLow, mid)
		}
	}

	classifyPx := mid
	if a.cfg.ProfileClassifyOn == "bid" {
		classifyPx = t.Bid
	}
	profileDir := types.DirectionFlat
	if a.haveClassify {
		profileDir = types.ClassifyDirection(classifyPx, a.prevClassify)
	}
	a.profile.Apply(classifyPx, profileDir)

	a.updateVolatility(mid, t.TimestampMs)

	a.state.Bid = t.Bid
	a.state.Ask = t.Ask
	a.state.Mid = mid
	a.state.TimestampMs = t.TimestampMs
	a.state.LastTickDirection = dir
	a.state.HasPrice = true
	a.prevMid = mid
	a.prevClassify = classifyPx
	a.haveClassify = true

	if a.state.Ready {
		a.emit(Update{
			Kind:         UpdateTick,
			State:        a.snapshot(false),
			ProfileDelta: a.profile.Flush(),
		})
	}
}

// onDailyBar detects session rollover: a bar whose timestamp is past the
// current session anchor starts a new session.
func (a *Aggregator) onDailyBar(b types.DailyBar) {
	if a.sessionAnchorMs == 0 {
		a.sessionAnchorMs = b.TimestampMs
		if a.state.TodaysOpen == 0 {
			a.state.TodaysOpen = b.Open
		}
		return
	}
	if b.TimestampMs <= a.sessionAnchorMs {
		// Same-session refresh of today's bar.
		return
	}

	// Close out the finished session as a completed daily bar.
	closed := types.DailyBar{
		SymbolID:    a.sym.ID,
		TimestampMs: a.sessionAnchorMs,
		Open:        a.state.TodaysOpen,
		High:        a.state.TodaysHigh,
		Low:         a.state.TodaysLow,
		Close:       a.prevMid,
	}
	a.daily = append(a.daily, closed)
	if len(a.daily) > a.cfg.AdrWindowDays {
		a.daily = a.daily[len(a.daily)-a.cfg.AdrWindowDays:]
	}

	a.state.PreviousClose = a.prevMid
	a.state.TodaysOpen = b.Open
	if a.state.HasPrice {
		a.state.TodaysHigh = a.prevMid
		a.state.TodaysLow = a.prevMid
	} else {
		a.state.TodaysHigh = b.Open
		a.state.TodaysLow = b.Open
	}
	a.profile.Reset()
	a.state.AdrValue = meanRange(a.daily)
	a.recomputeAdrProjection()
	a.sessionAnchorMs = b.TimestampMs

	a.logger.Info("session rollover",
		"previous_close", a.state.PreviousClose,
		"todays_open", a.state.TodaysOpen,
		"adr", a.state.AdrValue,
	)

	if a.state.Ready {
		a.emit(Update{Kind: UpdateSnapshot, State: a.snapshot(true)})
	}
}

func (a *Aggregator) recomputeAdrProjection() {
	anchor := a.state.TodaysOpen
	if a.cfg.AdrAnchor == "previous_close" {
		anchor = a.state.PreviousClose
	}
	a.state.ProjectedAdrHigh = anchor + a.state.AdrValue/2
	a.state.ProjectedAdrLow = anchor - a.state.AdrValue/2
}

// updateVolatility folds one tick-to-tick mid change into the
// exponentially weighted estimator. The decay constant derives from the
// configured half-life: tau = halfLife / ln 2.
func (a *Aggregator) updateVolatility(mid float64, tsMs int64) {
	if a.volAtMs > 0 {
		dt := float64(tsMs-a.volAtMs) / 1000.0
		if dt > 0 {
			tau := a.cfg.VolatilityHalfLife.Seconds() / math.Ln2
			a.vol *= math.Exp(-dt / tau)
		}
	}
	if a.state.HasPrice {
		a.vol += math.Abs(mid - a.prevMid)
	}
	a.volAtMs = tsMs

	if a.state.AdrValue > 0 {
		a.state.VolatilityPct = math.Min(math.Max(a.vol/a.state.AdrValue*100, 0), 100)
	} else {
		a.state.VolatilityPct = 0
	}
}

// snapshot copies the current state. full additionally copies every
// profile level; tick updates carry deltas instead.
func (a *Aggregator) snapshot(full bool) types.SymbolState {
	st := a.state
	if full {
		st.MarketProfile = a.profile.Levels()
	} else {
		st.MarketProfile = nil
	}
	return st
}

func (a *Aggregator) emit(u Update) {
	select {
	case a.updates <- u:
		return
	default:
	}
	// Updates are cumulative snapshots; under backpressure the oldest
	// pending one is the safest to lose.
	select {
	case <-a.updates:
		a.droppedTicks.Add(1)
	default:
	}
	select {
	case a.updates <- u:
	default:
		a.droppedTicks.Add(1)
	}
}

func validTick(t types.Tick) bool {
	if t.Bid <= 0 || t.Ask <= 0 {
		return false
	}
	if math.IsNaN(t.Bid) || math.IsNaN(t.Ask) || math.IsInf(t.Bid, 0) || math.IsInf(t.Ask, 0) {
		return false
	}
	return true
}

func meanRange(bars []types.DailyBar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.High - b.Low
	}
	return sum / float64(len(bars))
}
