// Package stream manages live exchange streaming sessions.
//
// A Session owns exactly one network handle at a time and drives the
// connect → authenticate → subscribe → steady lifecycle, rebuilding the whole
// session from scratch on any disconnect. Exchange specifics (frame encoding,
// auth handshakes, message routing) plug in through Hooks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/observability"
)

// State names a point in the session lifecycle.
type State int32

// Session lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateSubscribing
	StateSteady
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribing:
		return "subscribing"
	case StateSteady:
		return "steady"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hooks supplies the exchange-specific pieces of a session.
type Hooks struct {
	// Authenticate performs the signed handshake after the transport opens.
	// Nil for exchanges whose streams need no authentication.
	Authenticate func(ctx context.Context, s *Session) error
	// RefreshToken fetches a short-lived streaming credential via REST.
	// Nil for exchanges without token auth.
	RefreshToken func(ctx context.Context) (string, error)
	// SubscribeFrames encodes subscribe requests for the given subscriptions.
	SubscribeFrames func(token string, subs []Subscription) ([][]byte, error)
	// PingFrame encodes the keepalive payload. Nil disables the ping loop.
	PingFrame func() []byte
	// HandleMessage demultiplexes one inbound frame. It must route
	// subscription acks back through Session.Ack.
	HandleMessage func(ctx context.Context, payload []byte) error
}

// Config tunes session behaviour.
type Config struct {
	Exchange             string
	URL                  string
	DialTimeout          time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	AckTimeout           time.Duration
	AckPoll              time.Duration
	TokenRefreshInterval time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
	ControlRate          rate.Limit
	ControlBurst         int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 40 * time.Second
	}
	if c.AckPoll <= 0 {
		c.AckPoll = time.Second
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = 20 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 2 * 1024 * 1024
	}
	if c.ControlRate <= 0 {
		c.ControlRate = rate.Every(200 * time.Millisecond)
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 1
	}
}

// Session is one live streaming connection to an exchange.
type Session struct {
	cfg   Config
	hooks Hooks

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	subs    *SubscriptionSet
	state   atomic.Int32
	limiter *rate.Limiter

	tokenMu sync.RWMutex
	token   string

	ready     chan struct{}
	readyOnce sync.Once
	rebuild   chan struct{}
	stopped   atomic.Bool

	errorChan chan<- error
}

// NewSession builds a session; Start must be called before use.
func NewSession(ctx context.Context, cfg Config, hooks Hooks, errCh chan<- error) *Session {
	cfg.applyDefaults()
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:       cfg,
		hooks:     hooks,
		ctx:       sessionCtx,
		cancel:    cancel,
		subs:      NewSubscriptionSet(),
		limiter:   rate.NewLimiter(cfg.ControlRate, cfg.ControlBurst),
		ready:     make(chan struct{}),
		rebuild:   make(chan struct{}, 1),
		errorChan: errCh,
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Subscriptions exposes the session's subscription set.
func (s *Session) Subscriptions() *SubscriptionSet {
	return s.subs
}

// Token returns the current short-lived streaming credential.
func (s *Session) Token() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

func (s *Session) setToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

// Start opens the transport and blocks until the first connection is
// established (including authentication) or the dial window expires.
func (s *Session) Start() error {
	go func() {
		if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.reportError(fmt.Errorf("%s stream session: %w", s.cfg.Exchange, err))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(s.cfg.DialTimeout):
		return errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
			errs.WithMessage("timeout waiting for streaming connection"))
	case <-s.ctx.Done():
		return fmt.Errorf("%s stream context done: %w", s.cfg.Exchange, s.ctx.Err())
	}
}

// Stop tears the session down deliberately. The transport closes, keepalive
// and token-refresh workers stop, and the subscription state clears before
// returning. A stopped session never reconnects.
func (s *Session) Stop() {
	s.stopped.Store(true)
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.subs.Clear()
	s.state.Store(int32(StateStopped))
}

// ForceRebuild asks the connect loop to discard the current transport and
// rebuild the session from scratch.
func (s *Session) ForceRebuild() {
	select {
	case s.rebuild <- struct{}{}:
	default:
	}
}

// Ack records an exchange acknowledgment for the subscription. Adapters call
// this from their inbound demultiplexer.
func (s *Session) Ack(sub Subscription) {
	s.subs.Ack(sub)
	if s.State() == StateSubscribing {
		s.state.Store(int32(StateSteady))
	}
}

// Subscribe requests the given channels and blocks until every one is
// acknowledged or the bounded ack wait expires. Repeat calls with the same
// set are idempotent. Unacknowledged requests are removed and reported
// failed; the rest of the session stays up.
func (s *Session) Subscribe(ctx context.Context, subs []Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	fresh := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if s.subs.Request(sub) {
			fresh = append(fresh, sub)
		}
	}
	if len(fresh) > 0 {
		s.state.Store(int32(StateSubscribing))
		if err := s.sendSubscribe(ctx, fresh); err != nil {
			for _, sub := range fresh {
				s.subs.Remove(sub)
			}
			return err
		}
	}
	return s.waitAcked(ctx, subs)
}

func (s *Session) sendSubscribe(ctx context.Context, subs []Subscription) error {
	if s.hooks.SubscribeFrames == nil {
		return errs.New(s.cfg.Exchange, errs.KindUnsupportedCall,
			errs.WithMessage("session has no subscribe encoder"))
	}
	frames, err := s.hooks.SubscribeFrames(s.Token(), subs)
	if err != nil {
		return fmt.Errorf("encode subscribe frames: %w", err)
	}
	for _, frame := range frames {
		if err := s.Send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) waitAcked(ctx context.Context, subs []Subscription) error {
	deadline := time.Now().Add(s.cfg.AckTimeout)
	ticker := time.NewTicker(s.cfg.AckPoll)
	defer ticker.Stop()
	for {
		if s.subs.AllAcked(subs) {
			s.state.Store(int32(StateSteady))
			return nil
		}
		if time.Now().After(deadline) {
			var failed []Subscription
			for _, sub := range subs {
				if !s.subs.Acked(sub) {
					s.subs.Remove(sub)
					failed = append(failed, sub)
				}
			}
			return errs.New(s.cfg.Exchange, errs.KindExchangeUnavailable,
				errs.WithMessage(fmt.Sprintf("%d subscription(s) not acknowledged within %s", len(failed), s.cfg.AckTimeout)))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("subscription ack wait: %w", ctx.Err())
		case <-s.ctx.Done():
			return fmt.Errorf("subscription ack wait: %w", s.ctx.Err())
		case <-ticker.C:
		}
	}
}

// Send writes one frame, honouring the outbound control-message rate limit.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("control rate wait: %w", err)
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
			errs.WithMessage("no live transport"))
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.cfg.MaxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		s.state.Store(int32(StateConnecting))
		conn, _, err := websocket.Dial(s.ctx, s.cfg.URL, nil)
		if err != nil {
			if s.stopped.Load() {
				return context.Canceled
			}
			s.reportError(errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
				errs.WithMessage("dial "+s.cfg.URL), errs.WithCause(err)))
			if !s.sleepBackoff(backoffCfg) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(s.cfg.ReadLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.state.Store(int32(StateConnected))

		if err := s.establish(conn); err != nil {
			s.reportError(err)
			s.dropConn(conn)
			if !s.sleepBackoff(backoffCfg) {
				return context.Canceled
			}
			continue
		}

		backoffCfg.Reset()
		s.readyOnce.Do(func() { close(s.ready) })

		if err := s.resubscribeAll(); err != nil {
			s.reportError(fmt.Errorf("resubscribe after reconnect: %w", err))
		}

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 3)
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		if s.hooks.PingFrame != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- s.pingLoop(connCtx, conn)
			}()
		}
		if s.hooks.RefreshToken != nil && s.cfg.TokenRefreshInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- s.tokenLoop(connCtx)
			}()
		}

		var firstErr error
		select {
		case firstErr = <-errCh:
		case <-s.rebuild:
			firstErr = errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
				errs.WithMessage("session rebuild requested"))
		}
		connCancel()
		s.dropConn(conn)
		wg.Wait()

		if s.stopped.Load() {
			return context.Canceled
		}
		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Info("stream session rebuilding",
				observability.F("exchange", s.cfg.Exchange),
				observability.F("reason", firstErr.Error()))
		}
		s.state.Store(int32(StateReconnecting))
		s.subs.ResetAcks()
		if !s.sleepBackoff(backoffCfg) {
			return context.Canceled
		}
	}
}

// establish performs token fetch and signed authentication on a fresh
// transport. Failure discards the transport entirely; stale handles are
// never partially reused.
func (s *Session) establish(_ *websocket.Conn) error {
	if s.hooks.RefreshToken != nil {
		token, err := s.hooks.RefreshToken(s.ctx)
		if err != nil {
			return fmt.Errorf("fetch streaming token: %w", err)
		}
		s.setToken(token)
	}
	if s.hooks.Authenticate != nil {
		if err := s.hooks.Authenticate(s.ctx, s); err != nil {
			return fmt.Errorf("authenticate session: %w", err)
		}
	}
	s.state.Store(int32(StateAuthenticated))
	return nil
}

func (s *Session) resubscribeAll() error {
	pending := s.allTracked()
	if len(pending) == 0 {
		return nil
	}
	return s.sendSubscribe(s.ctx, pending)
}

func (s *Session) allTracked() []Subscription {
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs.entries))
	for sub := range s.subs.entries {
		out = append(out, sub)
	}
	return out
}

func (s *Session) dropConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Session) sleepBackoff(cfg *backoff.ExponentialBackOff) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = s.cfg.MaxReconnectInterval
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
				errs.WithMessage("read frame"), errs.WithCause(err))
		}
		if len(data) == 0 {
			continue
		}
		if s.hooks.HandleMessage != nil {
			if err := s.hooks.HandleMessage(ctx, data); err != nil {
				s.reportError(fmt.Errorf("handle frame: %w", err))
			}
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			frame := s.hooks.PingFrame()
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return errs.New(s.cfg.Exchange, errs.KindNetworkTransient,
					errs.WithMessage("write ping"), errs.WithCause(err))
			}
		}
	}
}

// tokenLoop refreshes the short-lived streaming credential. A refresh
// failure forces a full session rebuild rather than a silent skip.
func (s *Session) tokenLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			token, err := s.hooks.RefreshToken(ctx)
			if err != nil {
				s.reportError(fmt.Errorf("refresh streaming token: %w", err))
				s.ForceRebuild()
				return context.Canceled
			}
			s.setToken(token)
		}
	}
}

func (s *Session) reportError(err error) {
	if err == nil || s.errorChan == nil {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.errorChan <- err:
	default:
	}
}
