package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"fxfeed/internal/codec"
	"fxfeed/internal/config"
	"fxfeed/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:               "test",
		Port:               5035,
		ClientID:           "client-id",
		ClientSecret:       "client-secret",
		AccessToken:        "access-token",
		AccountID:          100,
		RequestTimeout:     500 * time.Millisecond,
		HeartbeatInterval:  25 * time.Millisecond,
		HeartbeatMissAfter: 10 * time.Second,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		AuthFatalAfter:     10 * time.Minute,
	}
}

// scriptFunc decides the reply for one correlated request. An empty name
// means no reply (the request is left to time out or fail).
type scriptFunc func(msg *codec.DecodedMessage) (respName string, params map[string]any)

func authScript(msg *codec.DecodedMessage) (string, map[string]any) {
	switch msg.PayloadType {
	case codec.PayloadApplicationAuthReq:
		return "ApplicationAuthRes", nil
	case codec.PayloadAccountAuthReq:
		return "AccountAuthRes", map[string]any{"accountId": int64(100)}
	}
	return "", nil
}

// serveBroker plays the broker on the far end of a pipe: it answers
// correlated requests per the script and signals observed heartbeats.
func serveBroker(conn net.Conn, c *codec.Codec, heartbeats chan<- struct{}, script scriptFunc) {
	go func() {
		for {
			body, err := codec.ReadFrame(conn)
			if err != nil {
				return
			}
			msg, err := c.DecodeEnvelope(body)
			if err != nil {
				continue
			}
			if msg.ClientMsgID == "" {
				if msg.PayloadType == codec.PayloadHeartbeatEvent && heartbeats != nil {
					select {
					case heartbeats <- struct{}{}:
					default:
					}
				}
				continue
			}
			name, params := script(msg)
			if name == "" {
				continue
			}
			frame, err := c.EncodeFrame(name, params, msg.ClientMsgID)
			if err != nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}()
}

// pipeDialer hands out the given connections one per dial, then fails.
func pipeDialer(conns ...net.Conn) func(ctx context.Context) (net.Conn, error) {
	ch := make(chan net.Conn, len(conns))
	for _, c := range conns {
		ch <- c
	}
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case c := <-ch:
			return c, nil
		default:
			return nil, errors.New("no more test connections")
		}
	}
}

func startSession(t *testing.T, s *Session) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestSessionAuthenticatesAndCorrelates(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	serveBroker(server, c, nil, func(msg *codec.DecodedMessage) (string, map[string]any) {
		if msg.PayloadType == codec.PayloadSymbolsListReq {
			return "SymbolsListRes", map[string]any{
				"accountId": int64(100),
				"symbols": []map[string]any{
					{"symbolId": int64(1), "symbolName": "EURUSD"},
					{"symbolId": int64(2), "symbolName": "GBPUSD"},
				},
			}
		}
		return authScript(msg)
	})

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)

	statusCh := make(chan bool, 4)
	s.OnStatus(func(up bool) { statusCh <- up })

	stop := startSession(t, s)
	defer stop()

	waitState(t, s, StateAccountAuthed)
	select {
	case up := <-statusCh:
		if !up {
			t.Error("first status notification = down, want up")
		}
	case <-time.After(time.Second):
		t.Fatal("no status notification after auth")
	}

	params, err := s.Request(context.Background(), "SymbolsListReq", map[string]any{"accountId": int64(100)})
	if err != nil {
		t.Fatalf("SymbolsListReq: %v", err)
	}
	symbols, err := codec.SymbolEntriesFromParams(params)
	if err != nil {
		t.Fatalf("SymbolEntriesFromParams: %v", err)
	}
	if len(symbols) != 2 || symbols[0].Name != "EURUSD" {
		t.Errorf("symbols = %+v, want EURUSD and GBPUSD", symbols)
	}
}

func TestSessionSurfacesBrokerError(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	serveBroker(server, c, nil, func(msg *codec.DecodedMessage) (string, map[string]any) {
		if msg.PayloadType == codec.PayloadSubscribeSpotsReq {
			return "ErrorRes", map[string]any{"errorCode": "SYMBOL_HALTED", "description": "market closed"}
		}
		return authScript(msg)
	})

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)
	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	_, err := s.Request(context.Background(), "SubscribeSpotsReq", map[string]any{
		"accountId": int64(100),
		"symbolId":  int64(1),
	})
	var be *types.BrokerError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BrokerError", err)
	}
	if be.Code != "SYMBOL_HALTED" {
		t.Errorf("Code = %q, want SYMBOL_HALTED", be.Code)
	}
}

func TestSessionDispatchesEvents(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	serveBroker(server, c, nil, authScript)

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)

	ticks := make(chan types.Tick, 1)
	s.OnEvent(codec.PayloadSpotEvent, func(msg *codec.DecodedMessage) {
		tick, err := codec.TickFromParams(msg.Params)
		if err != nil {
			t.Errorf("TickFromParams: %v", err)
			return
		}
		ticks <- tick
	})

	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	frame, err := c.EncodeFrame("SpotEvent", map[string]any{
		"symbolId":    int64(1),
		"bid":         1.1010,
		"ask":         1.1012,
		"timestampMs": int64(1700000000000),
	}, "")
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if _, err := server.Write(frame); err != nil {
		t.Fatalf("write spot event: %v", err)
	}

	select {
	case tick := <-ticks:
		if tick.SymbolID != 1 || tick.Bid != 1.1010 {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("spot event not dispatched")
	}
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	serveBroker(server, c, nil, authScript)

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)
	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	start := time.Now()
	_, err := s.Request(context.Background(), "GetTrendbarsReq", map[string]any{
		"accountId": int64(100),
		"symbolId":  int64(1),
		"period":    "D1",
		"count":     int32(5),
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("request failed after %v, before the deadline", elapsed)
	}
}

func TestPendingRequestsFailOnDisconnect(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	serveBroker(server, c, nil, authScript)

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)
	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "SymbolsListReq", map[string]any{"accountId": int64(100)})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on disconnect")
	}
}

func TestSessionReconnectsAndReauthenticates(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	serveBroker(server1, c, nil, authScript)
	serveBroker(server2, c, nil, authScript)

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client1, client2)

	statusCh := make(chan bool, 8)
	s.OnStatus(func(up bool) { statusCh <- up })

	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	server1.Close()

	var transitions []bool
	deadline := time.After(2 * time.Second)
	for len(transitions) < 3 {
		select {
		case up := <-statusCh:
			transitions = append(transitions, up)
		case <-deadline:
			t.Fatalf("transitions = %v, want up/down/up", transitions)
		}
	}
	want := []bool{true, false, true}
	for i, up := range want {
		if transitions[i] != up {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
	waitState(t, s, StateAccountAuthed)
}

func TestSessionSendsHeartbeats(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	client, server := net.Pipe()
	heartbeats := make(chan struct{}, 1)
	serveBroker(server, c, heartbeats, authScript)

	s := New(testBrokerConfig(), c, testLogger())
	s.dial = pipeDialer(client)
	stop := startSession(t, s)
	defer stop()
	waitState(t, s, StateAccountAuthed)

	select {
	case <-heartbeats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestRepeatedAuthRejectionIsFatal(t *testing.T) {
	t.Parallel()
	c := codec.New(codec.NewSchema())
	cfg := testBrokerConfig()
	cfg.AuthFatalAfter = 30 * time.Millisecond

	s := New(cfg, c, testLogger())
	s.dial = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		serveBroker(server, c, nil, func(msg *codec.DecodedMessage) (string, map[string]any) {
			return "ErrorRes", map[string]any{"errorCode": "CH_CLIENT_AUTH_FAILURE", "description": "bad credentials"}
		})
		return client, nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthFatal) {
			t.Errorf("Run returned %v, want ErrAuthFatal", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after repeated auth rejection")
	}
}
