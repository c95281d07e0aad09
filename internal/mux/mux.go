// Package mux is the subscription multiplexer: a reference-counted
// registry guaranteeing at most one broker spot subscription per symbol no
// matter how many clients ask for it. The first acquire resolves metadata,
// subscribes at the broker, and starts the symbol's aggregator; the last
// release unsubscribes and tears it down. Broker-pushed events are routed
// here to the owning aggregator.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fxfeed/internal/aggregator"
	"fxfeed/internal/catalog"
	"fxfeed/internal/codec"
	"fxfeed/internal/config"
	"fxfeed/pkg/types"
)

// Requester issues correlated broker requests. Satisfied by *broker.Session.
type Requester interface {
	Request(ctx context.Context, identifier string, params map[string]any) (map[string]any, error)
}

// minuteBarFetchCount covers a full trading day of 1-minute bars.
const minuteBarFetchCount = 1440

// Entry is one live symbol subscription: the aggregator plus its fan-out.
// Clients attach listeners here and must pair every Acquire with a Release.
type Entry struct {
	sym    types.Symbol
	agg    *aggregator.Aggregator
	fan    *fanout
	cancel context.CancelFunc

	mu       sync.Mutex
	refcount int

	ready   chan struct{} // closed once the broker subscribe resolved
	initErr error         // set before ready closes when the subscribe failed
}

// Symbol returns the subscribed symbol's metadata.
func (e *Entry) Symbol() types.Symbol { return e.sym }

// AddListener attaches an update listener. A fresh snapshot is delivered
// first whenever the aggregator is already primed.
func (e *Entry) AddListener() (int64, <-chan aggregator.Update) {
	return e.fan.add()
}

// RemoveListener detaches a listener and closes its channel.
func (e *Entry) RemoveListener(id int64) {
	e.fan.remove(id)
}

// Mux is the process-wide subscription registry.
type Mux struct {
	broker    Requester
	catalog   *catalog.Catalog
	accountID int64
	aggCfg    config.AggregatorConfig
	logger    *slog.Logger
	aggLogger *slog.Logger // unscoped; aggregators attach their own component

	mu      sync.Mutex
	entries map[string]*Entry
	byID    map[int32]*Entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the multiplexer. Close tears down every live aggregator.
func New(broker Requester, cat *catalog.Catalog, accountID int64, aggCfg config.AggregatorConfig, logger *slog.Logger) *Mux {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mux{
		broker:    broker,
		catalog:   cat,
		accountID: accountID,
		aggCfg:    aggCfg,
		logger:    logger.With("component", "mux"),
		aggLogger: logger,
		entries:   make(map[string]*Entry),
		byID:      make(map[int32]*Entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Acquire returns the entry for a symbol, creating the broker subscription
// and aggregator on first use. Concurrent acquirers of the same symbol
// converge on the same in-flight setup; if that setup fails, every waiter
// receives the error and no entry remains.
func (m *Mux) Acquire(ctx context.Context, name string) (*Entry, error) {
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			m.Release(name)
			return nil, ctx.Err()
		}
		if e.initErr != nil {
			m.Release(name)
			return nil, e.initErr
		}
		return e, nil
	}

	e := &Entry{refcount: 1, ready: make(chan struct{})}
	m.entries[name] = e
	m.mu.Unlock()

	sym, err := m.subscribe(ctx, name)
	if err != nil {
		e.initErr = err
		close(e.ready)
		m.evict(name, e)
		return nil, err
	}

	aggCtx, aggCancel := context.WithCancel(m.ctx)
	e.sym = sym
	e.agg = aggregator.New(sym, m.aggCfg, m.primeFunc(sym), m.aggLogger)
	e.fan = newFanout()
	e.cancel = aggCancel
	go e.agg.Run(aggCtx)
	go e.fan.run(e.agg.Updates())

	m.mu.Lock()
	m.byID[sym.ID] = e
	m.mu.Unlock()
	close(e.ready)

	m.logger.Info("symbol subscribed", "symbol", name, "symbol_id", sym.ID)
	return e, nil
}

// subscribe resolves metadata and issues the broker spot subscription.
func (m *Mux) subscribe(ctx context.Context, name string) (types.Symbol, error) {
	sym, err := m.catalog.EnsureMetadata(ctx, name)
	if err != nil {
		return types.Symbol{}, err
	}
	_, err = m.broker.Request(ctx, "SubscribeSpotsReq", map[string]any{
		"accountId": m.accountID,
		"symbolId":  int64(sym.ID),
	})
	if err != nil {
		return types.Symbol{}, fmt.Errorf("subscribe %s: %w", name, err)
	}
	return sym, nil
}

// Release decrements a symbol's refcount; at zero the aggregator is torn
// down and the broker unsubscribed. Bookkeeping completes synchronously,
// the broker unsubscribe ack does not gate the caller.
func (m *Mux) Release(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.mu.Lock()
	e.refcount--
	last := e.refcount <= 0
	e.mu.Unlock()
	if !last {
		m.mu.Unlock()
		return
	}
	delete(m.entries, name)
	if e.sym.ID != 0 {
		delete(m.byID, e.sym.ID)
	}
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.initErr == nil && e.sym.ID != 0 {
		go m.unsubscribe(e.sym)
	}
	m.logger.Info("symbol released", "symbol", name)
}

func (m *Mux) unsubscribe(sym types.Symbol) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	_, err := m.broker.Request(ctx, "UnsubscribeSpotsReq", map[string]any{
		"accountId": m.accountID,
		"symbolId":  int64(sym.ID),
	})
	if err != nil {
		m.logger.Warn("broker unsubscribe failed", "symbol", sym.Name, "error", err)
	}
}

// evict removes a never-completed entry whose setup failed, unless a
// concurrent Release already dropped it.
func (m *Mux) evict(name string, e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[name]; ok && cur == e {
		delete(m.entries, name)
	}
}

// SnapshotActiveSet lists the currently subscribed symbol names.
func (m *Mux) SnapshotActiveSet() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// Resubscribe replays every active broker subscription. Called after the
// broker session reauthenticates; aggregator state survives the outage.
func (m *Mux) Resubscribe(ctx context.Context) {
	for _, name := range m.SnapshotActiveSet() {
		m.mu.Lock()
		e, ok := m.entries[name]
		m.mu.Unlock()
		if !ok || e.sym.ID == 0 {
			continue
		}
		_, err := m.broker.Request(ctx, "SubscribeSpotsReq", map[string]any{
			"accountId": m.accountID,
			"symbolId":  int64(e.sym.ID),
		})
		if err != nil {
			m.logger.Error("resubscribe failed", "symbol", name, "error", err)
			continue
		}
		m.logger.Info("resubscribed", "symbol", name)
	}
}

// HandleSpotEvent routes a broker spot tick to the owning aggregator.
// Registered as a broker event handler; must not block.
func (m *Mux) HandleSpotEvent(msg *codec.DecodedMessage) {
	tick, err := codec.TickFromParams(msg.Params)
	if err != nil {
		m.logger.Warn("bad spot event", "error", err)
		return
	}
	m.mu.Lock()
	e, ok := m.byID[tick.SymbolID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.agg.OfferTick(tick)
}

// HandleTrendbarEvent routes a broker trendbar push. Daily bars drive
// session rollover; other periods are ignored.
func (m *Mux) HandleTrendbarEvent(msg *codec.DecodedMessage) {
	period, bar, err := codec.TrendbarEventFromParams(msg.Params)
	if err != nil {
		m.logger.Warn("bad trendbar event", "error", err)
		return
	}
	if period != "D1" {
		return
	}
	m.mu.Lock()
	e, ok := m.byID[bar.SymbolID]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.agg.OfferDailyBar(bar)
}

// primeFunc builds the aggregator's priming fetch: the last N completed
// daily bars plus today's minute bars.
func (m *Mux) primeFunc(sym types.Symbol) aggregator.PrimeFunc {
	return func(ctx context.Context) ([]types.DailyBar, []types.MinuteBar, error) {
		dailyParams, err := m.broker.Request(ctx, "GetTrendbarsReq", map[string]any{
			"accountId": m.accountID,
			"symbolId":  int64(sym.ID),
			"period":    "D1",
			"count":     int32(m.aggCfg.AdrWindowDays),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("daily bars for %s: %w", sym.Name, err)
		}
		daily, err := codec.DailyBarsFromParams(dailyParams)
		if err != nil {
			return nil, nil, fmt.Errorf("daily bars for %s: %w", sym.Name, err)
		}

		minuteParams, err := m.broker.Request(ctx, "GetTrendbarsReq", map[string]any{
			"accountId": m.accountID,
			"symbolId":  int64(sym.ID),
			"period":    "M1",
			"count":     int32(minuteBarFetchCount),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minute bars for %s: %w", sym.Name, err)
		}
		minute, err := codec.MinuteBarsFromParams(minuteParams)
		if err != nil {
			return nil, nil, fmt.Errorf("minute bars for %s: %w", sym.Name, err)
		}
		return daily, minute, nil
	}
}

// Close cancels every aggregator. Used at shutdown, after the gateway has
// stopped releasing subscriptions.
func (m *Mux) Close() {
	m.cancel()
}
