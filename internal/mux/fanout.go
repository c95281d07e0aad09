package mux

import (
	"sort"
	"sync"

	"fxfeed/internal/aggregator"
	"fxfeed/pkg/types"
)

// listenerBuffer bounds each listener's channel. Updates are cumulative, so
// on overflow the listener's whole backlog is replaced by one fresh snapshot.
const listenerBuffer = 32

// fanout distributes one aggregator's update stream to any number of
// listeners. It keeps a patched copy of the latest full state so a
// listener attaching mid-stream receives a fresh snapshot before any tick,
// without reaching into the aggregator's loop.
type fanout struct {
	mu        sync.Mutex
	nextID    int64
	listeners map[int64]chan aggregator.Update
	cur       types.SymbolState
	profile   map[float64]types.MarketProfileLevel
	haveState bool
	closed    bool
}

func newFanout() *fanout {
	return &fanout{
		listeners: make(map[int64]chan aggregator.Update),
		profile:   make(map[float64]types.MarketProfileLevel),
	}
}

// run consumes the aggregator's updates until the channel closes, then
// closes every listener.
func (f *fanout) run(updates <-chan aggregator.Update) {
	for u := range updates {
		f.publish(u)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.listeners {
		delete(f.listeners, id)
		close(ch)
	}
}

func (f *fanout) publish(u aggregator.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.apply(u)
	for _, ch := range f.listeners {
		select {
		case ch <- u:
			continue
		default:
		}
		// Listener saturated: discard its backlog (which may include its
		// initial snapshot) and hand it one fresh full snapshot, which
		// resynchronizes state and preserves snapshot-before-tick order.
		for {
			select {
			case <-ch:
				continue
			default:
			}
			break
		}
		select {
		case ch <- aggregator.Update{Kind: aggregator.UpdateSnapshot, State: f.snapshotLocked()}:
		default:
		}
	}
}

// apply folds an update into the fanout's state copy.
func (f *fanout) apply(u aggregator.Update) {
	switch u.Kind {
	case aggregator.UpdateSnapshot:
		f.cur = u.State
		f.profile = make(map[float64]types.MarketProfileLevel, len(u.State.MarketProfile))
		for _, lv := range u.State.MarketProfile {
			f.profile[lv.Price] = lv
		}
	case aggregator.UpdateTick:
		prof := f.profile
		f.cur = u.State
		f.profile = prof
		for _, lv := range u.ProfileDelta {
			f.profile[lv.Price] = lv
		}
	}
	f.haveState = true
}

// add registers a listener. If a ready state is known, a snapshot update is
// queued on the new channel before any further update can be delivered.
func (f *fanout) add() (int64, <-chan aggregator.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan aggregator.Update, listenerBuffer)
	id := f.nextID
	f.nextID++

	if f.closed {
		close(ch)
		return id, ch
	}
	if f.haveState && f.cur.Ready {
		ch <- aggregator.Update{Kind: aggregator.UpdateSnapshot, State: f.snapshotLocked()}
	}
	f.listeners[id] = ch
	return id, ch
}

func (f *fanout) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.listeners[id]; ok {
		delete(f.listeners, id)
		close(ch)
	}
}

func (f *fanout) snapshotLocked() types.SymbolState {
	st := f.cur
	st.MarketProfile = make([]types.MarketProfileLevel, 0, len(f.profile))
	for _, lv := range f.profile {
		st.MarketProfile = append(st.MarketProfile, lv)
	}
	sort.Slice(st.MarketProfile, func(i, j int) bool {
		return st.MarketProfile[i].Price < st.MarketProfile[j].Price
	})
	return st
}
