package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/schema"
)

type wireFrame struct {
	Op      string         `json:"op"`
	Channel schema.Channel `json:"channel,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
}

// fakeExchange is a minimal streaming endpoint that acknowledges subscribe
// frames, optionally ignoring the first n of them.
type fakeExchange struct {
	server     *httptest.Server
	ignoreSubs atomic.Int32
	dials      atomic.Int32
	subsSeen   atomic.Int32
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fake := &fakeExchange{}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fake.dials.Add(1)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame wireFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Op != "subscribe" {
				continue
			}
			fake.subsSeen.Add(1)
			if fake.ignoreSubs.Load() > 0 {
				fake.ignoreSubs.Add(-1)
				continue
			}
			ack, _ := json.Marshal(wireFrame{Op: "subscribed", Channel: frame.Channel, Symbol: frame.Symbol})
			if err := conn.Write(r.Context(), websocket.MessageText, ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeExchange) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func newTestSession(t *testing.T, fake *fakeExchange, cfg Config) *Session {
	t.Helper()
	cfg.Exchange = "fake"
	cfg.URL = fake.wsURL()
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.AckPoll == 0 {
		cfg.AckPoll = 20 * time.Millisecond
	}
	cfg.MaxReconnectInterval = 100 * time.Millisecond

	var session *Session
	hooks := Hooks{
		SubscribeFrames: func(_ string, subs []Subscription) ([][]byte, error) {
			frames := make([][]byte, 0, len(subs))
			for _, sub := range subs {
				payload, err := json.Marshal(wireFrame{Op: "subscribe", Channel: sub.Channel, Symbol: sub.Symbol})
				if err != nil {
					return nil, err
				}
				frames = append(frames, payload)
			}
			return frames, nil
		},
		HandleMessage: func(_ context.Context, payload []byte) error {
			var frame wireFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				return err
			}
			if frame.Op == "subscribed" {
				session.Ack(Subscription{Channel: frame.Channel, Symbol: frame.Symbol})
			}
			return nil
		},
	}
	session = NewSession(context.Background(), cfg, hooks, nil)
	t.Cleanup(session.Stop)
	return session
}

func TestSessionSubscribeReachesSteady(t *testing.T) {
	fake := newFakeExchange(t)
	session := newTestSession(t, fake, Config{})
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	subs := []Subscription{
		{Channel: schema.ChannelTicker, Symbol: "BTC/USD"},
		{Channel: schema.ChannelTrade, Symbol: "BTC/USD"},
	}
	if err := session.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := session.State(); got != StateSteady {
		t.Fatalf("expected steady state, got %s", got)
	}
	if len(session.Subscriptions().Active()) != 2 {
		t.Fatalf("expected both subscriptions active")
	}
}

func TestSessionSubscribeIdempotent(t *testing.T) {
	fake := newFakeExchange(t)
	session := newTestSession(t, fake, Config{})
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	subs := []Subscription{{Channel: schema.ChannelTicker, Symbol: "ETH/USD"}}
	if err := session.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	first := fake.subsSeen.Load()
	if err := session.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if fake.subsSeen.Load() != first {
		t.Fatalf("repeat subscribe must not send new frames")
	}
	if got := session.Subscriptions().Len(); got != 1 {
		t.Fatalf("expected 1 tracked subscription, got %d", got)
	}
}

func TestSessionAckTimeoutRemovesUnacked(t *testing.T) {
	fake := newFakeExchange(t)
	fake.ignoreSubs.Store(1)
	session := newTestSession(t, fake, Config{AckTimeout: 200 * time.Millisecond})
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	err := session.Subscribe(context.Background(), []Subscription{
		{Channel: schema.ChannelTicker, Symbol: "BTC/USD"},
	})
	if err == nil {
		t.Fatalf("expected ack timeout error")
	}
	if errs.KindOf(err) != errs.KindExchangeUnavailable {
		t.Fatalf("expected exchange_unavailable, got %v", err)
	}
	if session.Subscriptions().Len() != 0 {
		t.Fatalf("unacked subscription must be removed")
	}
	if session.State() == StateStopped {
		t.Fatalf("session must survive an ack timeout")
	}
}

func TestSessionReconnectRestoresSubscriptions(t *testing.T) {
	fake := newFakeExchange(t)
	session := newTestSession(t, fake, Config{})
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	subs := []Subscription{{Channel: schema.ChannelTicker, Symbol: "BTC/USD"}}
	if err := session.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	session.ForceRebuild()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fake.dials.Load() >= 2 && session.Subscriptions().AllAcked(subs) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("reconnect did not restore subscriptions: dials=%d", fake.dials.Load())
}

func TestSessionStopIsTerminal(t *testing.T) {
	fake := newFakeExchange(t)
	session := newTestSession(t, fake, Config{})
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := session.Subscribe(context.Background(), []Subscription{
		{Channel: schema.ChannelTicker, Symbol: "BTC/USD"},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	dialsBefore := fake.dials.Load()
	session.Stop()

	if got := session.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %s", got)
	}
	if session.Subscriptions().Len() != 0 {
		t.Fatalf("stop must clear subscription state")
	}
	time.Sleep(300 * time.Millisecond)
	if fake.dials.Load() != dialsBefore {
		t.Fatalf("stopped session must not reconnect")
	}
}

func TestSessionTokenRefreshFailureRebuilds(t *testing.T) {
	fake := newFakeExchange(t)
	var refreshes atomic.Int32
	cfg := Config{
		Exchange:             "fake",
		URL:                  fake.wsURL(),
		TokenRefreshInterval: 50 * time.Millisecond,
		MaxReconnectInterval: 100 * time.Millisecond,
	}
	hooks := Hooks{
		RefreshToken: func(context.Context) (string, error) {
			n := refreshes.Add(1)
			if n == 2 {
				return "", errs.New("fake", errs.KindAuthentication, errs.WithMessage("token expired"))
			}
			return "token", nil
		},
	}
	session := NewSession(context.Background(), cfg, hooks, nil)
	t.Cleanup(session.Stop)
	if err := session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if session.Token() != "token" {
		t.Fatalf("expected initial token fetch")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fake.dials.Load() >= 2 && refreshes.Load() >= 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("token refresh failure did not rebuild session: dials=%d refreshes=%d",
		fake.dials.Load(), refreshes.Load())
}
