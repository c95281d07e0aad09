package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fxfeed/internal/aggregator"
	"fxfeed/internal/mux"
	"fxfeed/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// slowConsumerWait is how long a control message may wait on a full
	// queue before the connection is closed as a slow consumer.
	slowConsumerWait = 5 * time.Second

	// More than badFrameLimit malformed frames within badFrameWindow close
	// the connection.
	badFrameLimit  = 3
	badFrameWindow = 10 * time.Second

	subscribeTimeout = 15 * time.Second
)

// client is one WebSocket connection: a reader goroutine interpreting
// commands, a writer goroutine draining the bounded outbound queue, and a
// forwarder goroutine per subscription. Ticks are coalesced last-write-wins
// per symbol and flushed on the frame-rate ticker; control messages are
// never dropped.
type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	logger *slog.Logger

	send chan any

	tickMu       sync.Mutex
	pendingTicks map[string]tickMsg

	subsMu sync.Mutex
	subs   map[string]*subscription

	badFrames []time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type subscription struct {
	entry      *mux.Entry
	listenerID int64
}

func newClient(gw *Gateway, conn *websocket.Conn) *client {
	return &client{
		gw:           gw,
		conn:         conn,
		logger:       gw.logger.With("remote", conn.RemoteAddr().String()),
		send:         make(chan any, gw.cfg.OutboundQueue),
		pendingTicks: make(map[string]tickMsg),
		subs:         make(map[string]*subscription),
		done:         make(chan struct{}),
	}
}

// readPump interprets inbound commands in arrival order.
func (c *client) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.recordBadFrame() {
				c.sendControl(errorMsg{Type: "error", Code: "bad_frame", Message: "too many malformed frames"})
				c.close(websocket.ClosePolicyViolation, "bad_frame")
				return
			}
			c.sendControl(errorMsg{Type: "error", Code: "bad_frame", Message: "invalid JSON"})
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *client) handleMessage(msg inboundMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg.Symbol)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Symbol)
	case "ping":
		c.sendControl(pongMsg{Type: "pong", ServerTimeMs: time.Now().UnixMilli()})
	default:
		c.sendControl(errorMsg{Type: "error", Code: "unknown_type", Message: "unsupported message type " + msg.Type})
	}
}

func (c *client) handleSubscribe(symbol string) {
	c.subsMu.Lock()
	_, exists := c.subs[symbol]
	c.subsMu.Unlock()
	if exists {
		c.sendControl(errorMsg{Type: "error", Code: "already_subscribed", Message: symbol})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	known, err := c.gw.catalog.Known(ctx, symbol)
	if err != nil {
		c.sendControl(errorMsg{Type: "error", Code: "subscribe_failed", Message: err.Error()})
		return
	}
	if !known {
		c.sendControl(errorMsg{Type: "error", Code: "unknown_symbol", Message: symbol})
		return
	}

	entry, err := c.gw.mux.Acquire(ctx, symbol)
	if err != nil {
		code := "subscribe_failed"
		var be *types.BrokerError
		if errors.As(err, &be) {
			c.sendControl(errorMsg{Type: "error", Code: code, Message: be.Description})
		} else {
			c.sendControl(errorMsg{Type: "error", Code: code, Message: err.Error()})
		}
		return
	}

	id, updates := entry.AddListener()
	c.subsMu.Lock()
	c.subs[symbol] = &subscription{entry: entry, listenerID: id}
	c.subsMu.Unlock()

	go c.forward(updates)
	c.logger.Debug("subscribed", "symbol", symbol)
}

func (c *client) handleUnsubscribe(symbol string) {
	c.subsMu.Lock()
	sub, ok := c.subs[symbol]
	if ok {
		delete(c.subs, symbol)
	}
	c.subsMu.Unlock()
	if !ok {
		c.sendControl(errorMsg{Type: "error", Code: "not_subscribed", Message: symbol})
		return
	}

	sub.entry.RemoveListener(sub.listenerID)
	c.gw.mux.Release(symbol)
	c.tickMu.Lock()
	delete(c.pendingTicks, symbol)
	c.tickMu.Unlock()

	c.sendControl(unsubscribedMsg{Type: "unsubscribed", Symbol: symbol})
	c.logger.Debug("unsubscribed", "symbol", symbol)
}

// forward relays one subscription's update stream into the outbound path:
// snapshots to the control queue, ticks to the coalescing map.
func (c *client) forward(updates <-chan aggregator.Update) {
	for u := range updates {
		switch u.Kind {
		case aggregator.UpdateSnapshot:
			c.sendControl(newDataPackage(u.State))
		case aggregator.UpdateTick:
			c.enqueueTick(newTickMsg(u.State, u.ProfileDelta))
		}
	}
}

// sendControl queues a non-tick message. Control messages are never
// dropped; a queue that stays full past the grace period means the peer
// has stopped reading and the connection is closed.
func (c *client) sendControl(msg any) {
	select {
	case c.send <- msg:
		return
	case <-c.done:
		return
	default:
	}

	timer := time.NewTimer(slowConsumerWait)
	defer timer.Stop()
	select {
	case c.send <- msg:
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("outbound queue full, dropping slow consumer")
		c.close(websocket.ClosePolicyViolation, "slow_consumer")
	}
}

// enqueueTick coalesces last-write-wins per symbol. An undelivered pending
// tick's profile delta is folded into the newer one so bucket totals are
// not lost between flushes.
func (c *client) enqueueTick(msg tickMsg) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if prev, ok := c.pendingTicks[msg.Symbol]; ok && len(prev.ProfileDelta) > 0 {
		msg.ProfileDelta = mergeDeltas(prev.ProfileDelta, msg.ProfileDelta)
	}
	c.pendingTicks[msg.Symbol] = msg
}

// mergeDeltas unions two delta lists by price. Values are absolute bucket
// totals, so the newer entry wins on collision.
func mergeDeltas(prev, next []deltaLevel) []deltaLevel {
	seen := make(map[float64]bool, len(next))
	for _, lv := range next {
		seen[lv.Price] = true
	}
	out := make([]deltaLevel, 0, len(prev)+len(next))
	for _, lv := range prev {
		if !seen[lv.Price] {
			out = append(out, lv)
		}
	}
	return append(out, next...)
}

// writePump drains the outbound queue. Control messages flow as they
// arrive; coalesced ticks are flushed on the frame-rate ticker, after any
// queued control messages, which preserves snapshot-before-tick ordering.
func (c *client) writePump() {
	flush := time.NewTicker(time.Duration(c.gw.cfg.TickIntervalMs) * time.Millisecond)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		flush.Stop()
		ping.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-flush.C:
			if !c.drainControls() {
				return
			}
			if !c.flushTicks() {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) drainControls() bool {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *client) flushTicks() bool {
	c.tickMu.Lock()
	if len(c.pendingTicks) == 0 {
		c.tickMu.Unlock()
		return true
	}
	batch := make([]tickMsg, 0, len(c.pendingTicks))
	for _, msg := range c.pendingTicks {
		batch = append(batch, msg)
	}
	c.pendingTicks = make(map[string]tickMsg)
	c.tickMu.Unlock()

	for _, msg := range batch {
		if !c.write(msg) {
			return false
		}
	}
	return true
}

func (c *client) write(msg any) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

// recordBadFrame reports whether the malformed-frame budget is exhausted.
func (c *client) recordBadFrame() bool {
	now := time.Now()
	cutoff := now.Add(-badFrameWindow)
	kept := c.badFrames[:0]
	for _, t := range c.badFrames {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.badFrames = append(kept, now)
	return len(c.badFrames) > badFrameLimit
}

// close tears the connection down exactly once and releases every
// subscription this client held.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()

		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[string]*subscription)
		c.subsMu.Unlock()
		for symbol, sub := range subs {
			sub.entry.RemoveListener(sub.listenerID)
			c.gw.mux.Release(symbol)
		}

		c.gw.removeClient(c)
		c.logger.Debug("connection closed", "code", code, "reason", reason)
	})
}
