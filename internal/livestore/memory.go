package livestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/schema"
)

const (
	defaultTradeListCap = 512
	sweepInterval       = 30 * time.Second
)

// MemoryStore is an in-memory implementation of the fast-access Store.
// Production deployments point the engine at an external store; this
// implementation backs tests and single-process runs.
type MemoryStore struct {
	mu         sync.RWMutex
	tickers    map[string]schema.Ticker
	trades     map[string][]schema.Trade
	myTrades   map[string][]schema.Trade
	tradeSeen  map[string]map[string]struct{}
	orders     map[string]schema.Order
	accounts   map[string]schema.Account
	positions  map[string]schema.Position
	openOrders map[string]schema.Order

	ttl      time.Duration
	tickerAt map[string]time.Time
	shutdown chan struct{}
	once     sync.Once
}

// NewMemoryStore creates a memory-backed store. ttl bounds ticker freshness;
// zero disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		tickers:    make(map[string]schema.Ticker),
		trades:     make(map[string][]schema.Trade),
		myTrades:   make(map[string][]schema.Trade),
		tradeSeen:  make(map[string]map[string]struct{}),
		orders:     make(map[string]schema.Order),
		accounts:   make(map[string]schema.Account),
		positions:  make(map[string]schema.Position),
		openOrders: make(map[string]schema.Order),
		ttl:        ttl,
		tickerAt:   make(map[string]time.Time),
		shutdown:   make(chan struct{}),
	}
	go s.sweepExpired()
	return s
}

// Close stops background maintenance routines.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.shutdown) })
}

func tickerKey(exchange, symbol string) string { return exchange + "|" + symbol }

func ctxAlive(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

// GetTicker returns the latest ticker for the exchange/symbol pair.
func (s *MemoryStore) GetTicker(ctx context.Context, exchange, symbol string) (schema.Ticker, error) {
	if err := ctxAlive(ctx, "get ticker"); err != nil {
		return schema.Ticker{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[tickerKey(exchange, symbol)]
	if !ok {
		return schema.Ticker{}, errs.New(exchange, errs.KindNotFound,
			errs.WithMessage("ticker not found: "+symbol))
	}
	return t, nil
}

// UpsertTicker stores the ticker, last write wins.
func (s *MemoryStore) UpsertTicker(ctx context.Context, ticker schema.Ticker) error {
	if err := ctxAlive(ctx, "upsert ticker"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tickerKey(ticker.Exchange, ticker.Symbol)
	s.tickers[key] = ticker
	s.tickerAt[key] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) pushTrade(bucket map[string][]schema.Trade, key string, trade schema.Trade) {
	seen, ok := s.tradeSeen[key]
	if !ok {
		seen = make(map[string]struct{})
		s.tradeSeen[key] = seen
	}
	if trade.TradeID != "" {
		if _, dup := seen[trade.TradeID]; dup {
			// At-least-once delivery re-upserts duplicates; keep the newest copy.
			list := bucket[key]
			for i := range list {
				if list[i].TradeID == trade.TradeID {
					list[i] = trade
					return
				}
			}
			return
		}
		seen[trade.TradeID] = struct{}{}
	}
	list := append(bucket[key], trade)
	if len(list) > defaultTradeListCap {
		drop := list[0]
		if drop.TradeID != "" {
			delete(seen, drop.TradeID)
		}
		list = list[1:]
	}
	bucket[key] = list
}

// PushTrade appends a public trade to the bounded per-symbol list.
func (s *MemoryStore) PushTrade(ctx context.Context, trade schema.Trade) error {
	if err := ctxAlive(ctx, "push trade"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushTrade(s.trades, tickerKey(trade.Exchange, trade.Symbol), trade)
	return nil
}

// PushMyTrade appends an own execution to the bounded per-exchange list.
func (s *MemoryStore) PushMyTrade(ctx context.Context, trade schema.Trade) error {
	if err := ctxAlive(ctx, "push my trade"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushTrade(s.myTrades, "own|"+trade.Exchange, trade)
	return nil
}

// RecentTrades returns up to limit public trades, newest last.
func (s *MemoryStore) RecentTrades(ctx context.Context, exchange, symbol string, limit int) ([]schema.Trade, error) {
	if err := ctxAlive(ctx, "recent trades"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.trades[tickerKey(exchange, symbol)], limit), nil
}

// RecentMyTrades returns up to limit own executions, newest last.
func (s *MemoryStore) RecentMyTrades(ctx context.Context, exchange string, limit int) ([]schema.Trade, error) {
	if err := ctxAlive(ctx, "recent my trades"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.myTrades["own|"+exchange], limit), nil
}

func tail(list []schema.Trade, limit int) []schema.Trade {
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]schema.Trade, limit)
	copy(out, list[len(list)-limit:])
	return out
}

// SaveOrder upserts order state. A terminal status already present is never
// regressed by a later non-terminal observation.
func (s *MemoryStore) SaveOrder(ctx context.Context, order schema.Order) error {
	if err := ctxAlive(ctx, "save order"); err != nil {
		return err
	}
	if order.ExchangeID == "" && order.LocalID == "" {
		return errs.New(order.Exchange, errs.KindInvalid, errs.WithMessage("order id required"))
	}
	key := tickerKey(order.Exchange, orderKey(order))
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[key]; ok {
		if existing.Status.Terminal() && !order.Status.Terminal() {
			return nil
		}
	}
	// An order saved before submission lives under its local id; once the
	// exchange assigns an id that entry is superseded, not kept alongside.
	if order.ExchangeID != "" && order.LocalID != "" {
		delete(s.orders, tickerKey(order.Exchange, order.LocalID))
	}
	s.orders[key] = order
	return nil
}

func orderKey(order schema.Order) string {
	if order.ExchangeID != "" {
		return order.ExchangeID
	}
	return order.LocalID
}

// GetOrderStatus returns the stored status for the exchange order id.
func (s *MemoryStore) GetOrderStatus(ctx context.Context, exchange, exchangeID string) (schema.OrderStatus, error) {
	order, err := s.GetOrder(ctx, exchange, exchangeID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}

// GetOrder returns the stored order for the exchange order id.
func (s *MemoryStore) GetOrder(ctx context.Context, exchange, exchangeID string) (schema.Order, error) {
	if err := ctxAlive(ctx, "get order"); err != nil {
		return schema.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[tickerKey(exchange, exchangeID)]
	if !ok {
		return schema.Order{}, errs.New(exchange, errs.KindNotFound,
			errs.WithMessage("order not found: "+exchangeID))
	}
	return order, nil
}

// GetAccount returns the account snapshot for the exchange.
func (s *MemoryStore) GetAccount(ctx context.Context, exchange string) (schema.Account, error) {
	if err := ctxAlive(ctx, "get account"); err != nil {
		return schema.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[exchange]
	if !ok {
		return schema.Account{}, errs.New(exchange, errs.KindNotFound,
			errs.WithMessage("account snapshot missing"))
	}
	return account, nil
}

// UpsertAccount stores the account snapshot.
func (s *MemoryStore) UpsertAccount(ctx context.Context, account schema.Account) error {
	if err := ctxAlive(ctx, "upsert account"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Exchange] = account
	return nil
}

// GetPosition returns the stored position for the exchange/symbol pair.
func (s *MemoryStore) GetPosition(ctx context.Context, exchange, symbol string) (schema.Position, error) {
	if err := ctxAlive(ctx, "get position"); err != nil {
		return schema.Position{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	position, ok := s.positions[tickerKey(exchange, symbol)]
	if !ok {
		return schema.Position{}, errs.New(exchange, errs.KindNotFound,
			errs.WithMessage("position not found: "+symbol))
	}
	return position, nil
}

// UpsertPositions replaces the position set for the exchange.
func (s *MemoryStore) UpsertPositions(ctx context.Context, exchange string, positions []schema.Position) error {
	if err := ctxAlive(ctx, "upsert positions"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pos := range s.positions {
		if pos.Exchange == exchange {
			delete(s.positions, key)
		}
	}
	for _, pos := range positions {
		s.positions[tickerKey(exchange, pos.Symbol)] = pos
	}
	return nil
}

// PushOpenOrder parks an order ack for the caller correlating on localID.
func (s *MemoryStore) PushOpenOrder(ctx context.Context, localID string, order schema.Order) error {
	if err := ctxAlive(ctx, "push open order"); err != nil {
		return err
	}
	if localID == "" {
		return errs.New(order.Exchange, errs.KindInvalid, errs.WithMessage("local id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openOrders[localID] = order
	return nil
}

// PopOpenOrder removes and returns the parked ack for localID, if present.
func (s *MemoryStore) PopOpenOrder(ctx context.Context, localID string) (schema.Order, bool, error) {
	if err := ctxAlive(ctx, "pop open order"); err != nil {
		return schema.Order{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.openOrders[localID]
	if ok {
		delete(s.openOrders, localID)
	}
	return order, ok, nil
}

func (s *MemoryStore) sweepExpired() {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *MemoryStore) pruneExpired() {
	now := time.Now().UTC()
	s.mu.Lock()
	for key, at := range s.tickerAt {
		if at.Add(s.ttl).Before(now) {
			delete(s.tickers, key)
			delete(s.tickerAt, key)
		}
	}
	s.mu.Unlock()
}
