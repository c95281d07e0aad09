// Package broker maintains the single TLS session to the upstream broker:
// one writer goroutine serializing outbound frames, one reader goroutine
// demultiplexing inbound frames to request waiters or event handlers, an
// application-level heartbeat, and reconnection with jittered exponential
// backoff. Callers of Request may be many and concurrent; correlation is by
// per-request client message id.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fxfeed/internal/codec"
	"fxfeed/internal/config"
	"fxfeed/pkg/types"
)

var (
	// ErrTimeout is returned when no response arrives within the request
	// deadline.
	ErrTimeout = errors.New("broker request timed out")
	// ErrDisconnected is returned to pending requests when the session
	// drops; callers may retry after reconnection.
	ErrDisconnected = errors.New("broker session disconnected")
	// ErrAuthFatal is returned from Run when authentication keeps failing
	// past the configured window. The process should exit.
	ErrAuthFatal = errors.New("broker authentication failed permanently")

	errAuthRejected = errors.New("broker rejected authentication")
)

// State is the session's position in its connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAppAuthed
	StateAccountAuthed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAppAuthed:
		return "app_authed"
	case StateAccountAuthed:
		return "account_authed"
	default:
		return "disconnected"
	}
}

// stableAuthAfter is how long the session must hold AccountAuthed before
// the reconnect backoff resets to its base delay.
const stableAuthAfter = 60 * time.Second

type result struct {
	params map[string]any
	err    error
}

// EventHandler receives broker-pushed frames (empty clientMsgId) for one
// payload type. Handlers run on the reader goroutine and must not block.
type EventHandler func(msg *codec.DecodedMessage)

// StatusHandler is notified when the broker link comes up (after account
// auth) or goes down. Handlers are invoked on a fresh goroutine.
type StatusHandler func(up bool)

// Session is the single broker connection for the process.
type Session struct {
	cfg    config.BrokerConfig
	codec  *codec.Codec
	logger *slog.Logger

	// dial is swappable so tests can run the session over a pipe.
	dial func(ctx context.Context) (net.Conn, error)

	mu       sync.Mutex
	pending  map[string]chan result
	handlers map[int32][]EventHandler
	statusFn []StatusHandler

	writeCh chan []byte

	state       atomic.Int32
	seq         atomic.Uint64
	nonce       string
	lastInbound atomic.Int64 // unix ms of the last decoded inbound frame
}

// New creates a session. Register event and status handlers before Run.
func New(cfg config.BrokerConfig, c *codec.Codec, logger *slog.Logger) *Session {
	s := &Session{
		cfg:      cfg,
		codec:    c,
		logger:   logger.With("component", "broker"),
		pending:  make(map[string]chan result),
		handlers: make(map[int32][]EventHandler),
		writeCh:  make(chan []byte, 256),
		nonce:    fmt.Sprintf("%08x", rand.Uint32()),
	}
	s.dial = func(ctx context.Context) (net.Conn, error) {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}}
		return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// OnEvent registers a handler for broker-pushed frames of one payload type.
func (s *Session) OnEvent(payloadType int32, fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[payloadType] = append(s.handlers[payloadType], fn)
}

// OnStatus registers a link up/down observer.
func (s *Session) OnStatus(fn StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFn = append(s.statusFn, fn)
}

// Run connects and keeps the session alive until ctx is cancelled. It only
// returns early with ErrAuthFatal when the broker keeps rejecting
// authentication for longer than the configured window.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectBaseDelay
	var authFailSince time.Time

	for {
		authedAt, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !authedAt.IsZero() {
			authFailSince = time.Time{}
			if time.Since(authedAt) >= stableAuthAfter {
				backoff = s.cfg.ReconnectBaseDelay
			}
		} else if errors.Is(err, errAuthRejected) {
			if authFailSince.IsZero() {
				authFailSince = time.Now()
			} else if time.Since(authFailSince) > s.cfg.AuthFatalAfter {
				return fmt.Errorf("%w: %v", ErrAuthFatal, err)
			}
		}

		delay := jitter(backoff)
		s.logger.Warn("broker session lost, reconnecting",
			"error", err,
			"backoff", delay,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > s.cfg.ReconnectMaxDelay {
			backoff = s.cfg.ReconnectMaxDelay
		}
	}
}

// jitter spreads a delay by ±20% so reconnecting processes do not stampede.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// runOnce runs a single connection lifetime: dial, authenticate, pump
// frames until something breaks. Returns when the connection died.
func (s *Session) runOnce(ctx context.Context) (authedAt time.Time, err error) {
	s.drainStaleWrites()

	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return time.Time{}, fmt.Errorf("dial %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.setState(StateConnected)
	s.lastInbound.Store(time.Now().UnixMilli())

	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(connCtx, conn, cancel)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(conn, cancel)
	}()

	if err := s.authenticate(connCtx); err != nil {
		cancel(err)
		conn.Close()
		wg.Wait()
		s.teardown()
		return time.Time{}, err
	}
	authedAt = time.Now()
	s.setState(StateAccountAuthed)
	s.notifyStatus(true)
	s.logger.Info("broker session authenticated", "account_id", s.cfg.AccountID)

	s.heartbeatLoop(connCtx, cancel)

	conn.Close()
	wg.Wait()
	s.teardown()
	s.notifyStatus(false)
	return authedAt, context.Cause(connCtx)
}

// authenticate replays the app-auth then account-auth handshake.
func (s *Session) authenticate(ctx context.Context) error {
	_, err := s.Request(ctx, "ApplicationAuthReq", map[string]any{
		"clientId":     s.cfg.ClientID,
		"clientSecret": s.cfg.ClientSecret,
	})
	if err != nil {
		return authErr("application auth", err)
	}
	s.setState(StateAppAuthed)

	_, err = s.Request(ctx, "AccountAuthReq", map[string]any{
		"accountId":   s.cfg.AccountID,
		"accessToken": s.cfg.AccessToken,
	})
	if err != nil {
		return authErr("account auth", err)
	}
	return nil
}

// authErr folds a broker rejection into the fatal-tracking sentinel;
// transport failures stay plain so they never count toward auth fatality.
func authErr(stage string, err error) error {
	var be *types.BrokerError
	if errors.As(err, &be) {
		return fmt.Errorf("%s: %v: %w", stage, err, errAuthRejected)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// Request sends one correlated request and waits for its response or the
// deadline. The configured default timeout applies when ctx carries none.
func (s *Session) Request(ctx context.Context, identifier string, params map[string]any) (map[string]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	clientMsgID := fmt.Sprintf("%s-%d", s.nonce, s.seq.Add(1))
	frame, err := s.codec.EncodeFrame(identifier, params, clientMsgID)
	if err != nil {
		return nil, err
	}

	ch := make(chan result, 1)
	s.mu.Lock()
	s.pending[clientMsgID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, clientMsgID)
		s.mu.Unlock()
	}()

	select {
	case s.writeCh <- frame:
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", identifier, ErrTimeout)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("request %s: %w", identifier, r.err)
		}
		return r.params, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", identifier, ErrTimeout)
	}
}

func (s *Session) writeLoop(ctx context.Context, conn net.Conn, cancel context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.writeCh:
			// Frames from EncodeFrame already carry their length prefix.
			if _, err := conn.Write(frame); err != nil {
				cancel(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (s *Session) readLoop(conn net.Conn, cancel context.CancelCauseFunc) {
	for {
		body, err := codec.ReadFrame(conn)
		if err != nil {
			var fe *types.FrameError
			if errors.As(err, &fe) {
				// Protocol error on one frame: drop it, keep reading.
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			cancel(fmt.Errorf("read: %w", err))
			return
		}
		s.handleEnvelope(body)
	}
}

func (s *Session) handleEnvelope(body []byte) {
	decoded, err := s.codec.DecodeEnvelope(body)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	s.lastInbound.Store(time.Now().UnixMilli())

	if decoded.MessageName == "" {
		s.logger.Warn("dropping unknown payload type", "payload_type", decoded.PayloadType)
		return
	}

	if decoded.ClientMsgID != "" {
		s.resolveWaiter(decoded)
		return
	}

	s.mu.Lock()
	handlers := s.handlers[decoded.PayloadType]
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(decoded)
	}
}

func (s *Session) resolveWaiter(decoded *codec.DecodedMessage) {
	s.mu.Lock()
	ch, ok := s.pending[decoded.ClientMsgID]
	if ok {
		delete(s.pending, decoded.ClientMsgID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping orphan response",
			"client_msg_id", decoded.ClientMsgID,
			"message", decoded.MessageName,
		)
		return
	}

	if decoded.PayloadType == codec.PayloadErrorRes {
		code, _ := decoded.Params["errorCode"].(string)
		desc, _ := decoded.Params["description"].(string)
		ch <- result{err: &types.BrokerError{Code: code, Description: desc}}
		return
	}
	ch <- result{params: decoded.Params}
}

// heartbeatLoop sends an application heartbeat every interval and declares
// the session dead when nothing inbound has arrived for the miss window.
func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.UnixMilli(s.lastInbound.Load()))
			if silent > s.cfg.HeartbeatMissAfter {
				cancel(fmt.Errorf("no inbound frames for %s", silent.Round(time.Second)))
				return
			}
			frame, err := s.codec.EncodeFrame("HeartbeatEvent", nil, "")
			if err != nil {
				s.logger.Error("encode heartbeat", "error", err)
				continue
			}
			select {
			case s.writeCh <- frame:
			default:
				s.logger.Warn("write queue full, skipping heartbeat")
			}
		}
	}
}

// teardown fails every pending request and resets connection state.
func (s *Session) teardown() {
	s.setState(StateDisconnected)
	s.mu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- result{err: ErrDisconnected}
	}
	s.mu.Unlock()
}

// drainStaleWrites discards frames queued for a connection that no longer
// exists; their waiters have already been failed.
func (s *Session) drainStaleWrites() {
	for {
		select {
		case <-s.writeCh:
		default:
			return
		}
	}
}

func (s *Session) notifyStatus(up bool) {
	s.mu.Lock()
	fns := make([]StatusHandler, len(s.statusFn))
	copy(fns, s.statusFn)
	s.mu.Unlock()
	for _, fn := range fns {
		go fn(up)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
