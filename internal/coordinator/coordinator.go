// Package coordinator drives the order lifecycle.
//
// One coordinator serves all exchanges. Each order moves through validate,
// price, submit and monitor steps; the caller blocks only until submission,
// while monitoring runs on a bounded pool until a terminal status is proven.
// Operations on the same logical order are serialized, so at most one
// in-flight submission exists per local id.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/adapters"
	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/numeric"
	"github.com/openquant/tradewire/internal/observability"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/lib/async"
)

// Config tunes the polling ceilings. Every wait is bounded; the defaults
// mirror long-standing production values.
type Config struct {
	// TickerMaxAge is the oldest ticker accepted during validation.
	TickerMaxAge time.Duration
	// SpreadOffset is the fractional price bias toward immediate fill.
	SpreadOffset decimal.Decimal
	// MarketPollInterval and MarketPollAttempts bound the market-order
	// status wait.
	MarketPollInterval time.Duration
	MarketPollAttempts int
	// CancelConfirmWindow and CancelPollInterval bound cancel confirmation.
	CancelConfirmWindow time.Duration
	CancelPollInterval  time.Duration
	// ScheduledPollInterval paces deadline checks for twap/vwap orders.
	ScheduledPollInterval time.Duration
	// MonitorWorkers and MonitorQueue size the async monitoring pool.
	MonitorWorkers int
	MonitorQueue   int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		TickerMaxAge:          time.Hour,
		SpreadOffset:          decimal.RequireFromString("0.00005"),
		MarketPollInterval:    500 * time.Millisecond,
		MarketPollAttempts:    20,
		CancelConfirmWindow:   10 * time.Second,
		CancelPollInterval:    200 * time.Millisecond,
		ScheduledPollInterval: time.Second,
		MonitorWorkers:        8,
		MonitorQueue:          64,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.TickerMaxAge <= 0 {
		c.TickerMaxAge = defaults.TickerMaxAge
	}
	if c.SpreadOffset.IsZero() {
		c.SpreadOffset = defaults.SpreadOffset
	}
	if c.MarketPollInterval <= 0 {
		c.MarketPollInterval = defaults.MarketPollInterval
	}
	if c.MarketPollAttempts <= 0 {
		c.MarketPollAttempts = defaults.MarketPollAttempts
	}
	if c.CancelConfirmWindow <= 0 {
		c.CancelConfirmWindow = defaults.CancelConfirmWindow
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = defaults.CancelPollInterval
	}
	if c.ScheduledPollInterval <= 0 {
		c.ScheduledPollInterval = defaults.ScheduledPollInterval
	}
	if c.MonitorWorkers <= 0 {
		c.MonitorWorkers = defaults.MonitorWorkers
	}
	if c.MonitorQueue <= 0 {
		c.MonitorQueue = defaults.MonitorQueue
	}
}

// Lifecycle step names recorded on failed orders.
const (
	StepValidate = "validate"
	StepPrice    = "price"
	StepSubmit   = "submit"
	StepMonitor  = "monitor"
	StepCancel   = "cancel"
	StepReplace  = "replace"
)

// Coordinator owns every order from acceptance to terminal status.
type Coordinator struct {
	cfg      Config
	registry *adapters.Registry
	live     livestore.Store
	records  recordstore.Store

	locks *keyedMutex
	pool  *async.Pool

	// runCtx outlives individual callers; monitors run against it so a
	// returning caller never kills its own order's watcher.
	runCtx context.Context
	stop   context.CancelFunc
}

// New builds a coordinator over the configured adapters and stores.
func New(cfg Config, registry *adapters.Registry, live livestore.Store, records recordstore.Store) (*Coordinator, error) {
	cfg.applyDefaults()
	pool, err := async.NewPool(cfg.MonitorWorkers, cfg.MonitorQueue)
	if err != nil {
		return nil, err
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		live:     live,
		records:  records,
		locks:    newKeyedMutex(),
		pool:     pool,
		runCtx:   runCtx,
		stop:     stop,
	}, nil
}

// Shutdown cancels in-flight monitors cooperatively and waits for them.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	return c.pool.Shutdown(ctx)
}

// CreateOrder runs the order through validation, pricing and submission, then
// hands it to the asynchronous monitor. The returned order carries either the
// submitted state or a terminal error status explaining which step failed.
func (c *Coordinator) CreateOrder(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	if order.LocalID == "" {
		order.LocalID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Status = schema.StatusNew

	unlock := c.locks.lock(order.LocalID)
	defer unlock()

	adapter, err := c.registry.Get(order.Exchange)
	if err != nil {
		order.Fail(StepValidate, string(errs.KindOf(err)))
		return order, err
	}

	if err := c.validate(ctx, adapter, order); err != nil {
		order.Fail(StepValidate, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return order, err
	}
	if err := c.price(ctx, order); err != nil {
		order.Fail(StepPrice, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return order, err
	}
	if err := c.submit(ctx, adapter, order); err != nil {
		order.Fail(StepSubmit, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return order, err
	}
	c.saveOrder(ctx, order)

	monitored := *order
	if submitErr := c.pool.Submit(c.runCtx, func(context.Context) error {
		return c.monitor(c.runCtx, &monitored)
	}); submitErr != nil {
		observability.Log().Error("order monitor not scheduled",
			observability.F("local_id", order.LocalID),
			observability.F("error", submitErr.Error()))
	}
	return order, nil
}

// validate runs the precondition checks in their documented order. The first
// failure aborts; nothing is ever partially submitted.
func (c *Coordinator) validate(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	if order.Volume.IsZero() || order.Volume.IsNegative() {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate), errs.WithMessage("volume must be positive"))
	}
	base, quote, err := schema.SplitSymbol(order.Symbol)
	if err != nil {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate), errs.WithCause(err),
			errs.WithMessage("unresolvable symbol"))
	}

	account, err := c.live.GetAccount(ctx, order.Exchange)
	if err != nil {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate), errs.WithCause(err),
			errs.WithMessage("no account snapshot"))
	}

	ticker, err := c.live.GetTicker(ctx, order.Exchange, order.Symbol)
	if err != nil || !ticker.Fresh(time.Now().UTC(), c.cfg.TickerMaxAge) {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage("no fresh ticker for "+order.Symbol))
	}

	cost := ticker.Last.Mul(order.Volume)
	if order.Side == schema.SideBuy {
		if account.Free(quote).LessThan(cost) {
			return errs.New(order.Exchange, errs.KindInsufficientFunds,
				errs.WithStep(StepValidate),
				errs.WithMessage(fmt.Sprintf("free %s balance below %s", quote, cost)))
		}
	} else if !order.ReduceOnly {
		if account.Free(base).LessThan(order.Volume) {
			return errs.New(order.Exchange, errs.KindInsufficientFunds,
				errs.WithStep(StepValidate),
				errs.WithMessage(fmt.Sprintf("free %s balance below %s", base, order.Volume)))
		}
	}

	if order.Type == schema.OrderTypeStopLoss || order.Type == schema.OrderTypeTakeProfit {
		if err := c.validateTrigger(ctx, order, ticker); err != nil {
			return err
		}
	}

	decimals, err := c.symbolDecimals(ctx, adapter, order)
	if err != nil {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate), errs.WithCause(err),
			errs.WithMessage("no precision metadata for "+order.Symbol))
	}
	if !decimals.MinCost.IsZero() && cost.LessThan(decimals.MinCost) {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage(fmt.Sprintf("order cost %s below exchange minimum %s", cost, decimals.MinCost)))
	}
	return nil
}

// validateTrigger requires an existing position and a trigger price on the
// protective side of the market.
func (c *Coordinator) validateTrigger(ctx context.Context, order *schema.Order, ticker schema.Ticker) error {
	position, err := c.live.GetPosition(ctx, order.Exchange, order.Symbol)
	if err != nil || position.Volume.IsZero() {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage("trigger order requires an open position"))
	}
	if order.Price.IsZero() {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage("trigger order requires a trigger price"))
	}

	exitBelow := order.Type == schema.OrderTypeStopLoss
	if order.Side == schema.SideBuy {
		// closing a short: stop-loss triggers above market, take-profit below
		exitBelow = !exitBelow
	}
	if exitBelow && !order.Price.LessThan(ticker.Last) {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage("trigger price must be below current ticker"))
	}
	if !exitBelow && !order.Price.GreaterThan(ticker.Last) {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepValidate),
			errs.WithMessage("trigger price must be above current ticker"))
	}
	order.ReduceOnly = true
	return nil
}

func (c *Coordinator) symbolDecimals(ctx context.Context, adapter adapters.Adapter, order *schema.Order) (recordstore.SymbolDecimals, error) {
	decimals, err := c.records.Decimals(ctx, order.Exchange, order.Symbol)
	if err == nil {
		return decimals, nil
	}
	decimals, err = adapter.Decimals(ctx, order.Symbol)
	if err != nil {
		return recordstore.SymbolDecimals{}, err
	}
	if upsertErr := c.records.UpsertSymbol(ctx, order.Exchange, order.Symbol, decimals); upsertErr != nil {
		observability.Log().Warn("symbol metadata not cached",
			observability.F("symbol", order.Symbol),
			observability.F("error", upsertErr.Error()))
	}
	return decimals, nil
}

// price resolves the submission price from the order's command.
func (c *Coordinator) price(ctx context.Context, order *schema.Order) error {
	// trigger orders carry their own price
	if order.Type == schema.OrderTypeStopLoss || order.Type == schema.OrderTypeTakeProfit {
		return nil
	}
	if order.Type == schema.OrderTypeMarket {
		return nil
	}

	switch order.Command {
	case schema.CommandSpread, "":
		ticker, err := c.live.GetTicker(ctx, order.Exchange, order.Symbol)
		if err != nil {
			return errs.New(order.Exchange, errs.KindValidationFailed,
				errs.WithStep(StepPrice), errs.WithCause(err),
				errs.WithMessage("no ticker for spread pricing"))
		}
		order.Price = spreadPrice(ticker.Last, order.Side, c.cfg.SpreadOffset)
	case schema.CommandTWAP, schema.CommandVWAP:
		compression, period, ok := order.Window()
		if !ok {
			return errs.New(order.Exchange, errs.KindValidationFailed,
				errs.WithStep(StepPrice),
				errs.WithMessage("scheduled order requires a compression/period subcommand"))
		}
		average, err := c.windowPrice(ctx, order, compression, period)
		if err != nil {
			return err
		}
		if average.IsZero() {
			return errs.New(order.Exchange, errs.KindValidationFailed,
				errs.WithStep(StepPrice),
				errs.WithMessage("no candle data in pricing window"))
		}
		order.Price = average
	default:
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepPrice),
			errs.WithMessage("unknown pricing command "+string(order.Command)))
	}
	return nil
}

func (c *Coordinator) windowPrice(ctx context.Context, order *schema.Order, compression, period int) (decimal.Decimal, error) {
	if order.Command == schema.CommandVWAP {
		average, err := c.records.VWAP(ctx, order.Exchange, order.Symbol, compression, period)
		if err != nil {
			return decimal.Zero, errs.New(order.Exchange, errs.KindValidationFailed,
				errs.WithStep(StepPrice), errs.WithCause(err))
		}
		return average, nil
	}
	average, err := c.records.TWAP(ctx, order.Exchange, order.Symbol, compression, period)
	if err != nil {
		return decimal.Zero, errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepPrice), errs.WithCause(err))
	}
	return average, nil
}

// spreadPrice biases the price a fixed fraction toward immediate fill: buys
// land just above the market, sells just below.
func spreadPrice(last decimal.Decimal, side schema.Side, offset decimal.Decimal) decimal.Decimal {
	delta := last.Mul(offset)
	if side == schema.SideBuy {
		return last.Add(delta)
	}
	return last.Sub(delta)
}

// submit rounds to the declared precision and places the order. Precision is
// applied exactly once, immediately before transmission.
func (c *Coordinator) submit(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	decimals, err := c.symbolDecimals(ctx, adapter, order)
	if err == nil {
		if !order.Price.IsZero() {
			order.Price = numeric.Round(order.Price, decimals.PairDecimals)
		}
		order.Volume = numeric.Round(order.Volume, decimals.CostDecimals)
	}
	if order.Volume.IsZero() {
		return errs.New(order.Exchange, errs.KindValidationFailed,
			errs.WithStep(StepSubmit),
			errs.WithMessage("volume rounds to zero at exchange precision"))
	}

	exchangeID, err := adapter.PlaceOrder(ctx, order)
	if err != nil {
		return err
	}
	order.ExchangeID = exchangeID
	order.Status = schema.StatusOpen
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Coordinator) saveOrder(ctx context.Context, order *schema.Order) {
	if err := c.live.SaveOrder(ctx, *order); err != nil {
		observability.Log().Error("order not saved",
			observability.F("local_id", order.LocalID),
			observability.F("error", err.Error()))
	}
}
