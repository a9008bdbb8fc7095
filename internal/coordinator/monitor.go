package coordinator

import (
	"context"
	"time"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/adapters"
	"github.com/openquant/tradewire/internal/observability"
	"github.com/openquant/tradewire/internal/schema"
)

// monitor watches a submitted order until a terminal status is proven or its
// bounded wait expires. It runs on the pool, outside the caller's submission
// lock; any resubmission re-acquires the per-order lock first.
func (c *Coordinator) monitor(ctx context.Context, order *schema.Order) error {
	adapter, err := c.registry.Get(order.Exchange)
	if err != nil {
		return err
	}
	if order.Scheduled() {
		return c.monitorScheduled(ctx, adapter, order)
	}
	return c.monitorMarket(ctx, adapter, order)
}

// monitorMarket polls for closure a fixed number of times. An order still
// open after the ceiling is left to the streaming feed; the wait itself
// always terminates.
func (c *Coordinator) monitorMarket(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	for attempt := 0; attempt < c.cfg.MarketPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.MarketPollInterval):
		}

		status, ok := c.currentStatus(ctx, adapter, order)
		if !ok {
			continue
		}
		switch status {
		case schema.StatusClosed:
			order.Status = schema.StatusClosed
			order.UpdatedAt = time.Now().UTC()
			c.saveOrder(ctx, order)
			c.refreshAfterFill(ctx, adapter, order)
			return nil
		case schema.StatusCanceled:
			order.Status = schema.StatusCanceled
			order.UpdatedAt = time.Now().UTC()
			c.saveOrder(ctx, order)
			return nil
		}
	}
	observability.Log().Warn("order still open after monitoring window",
		observability.F("exchange", order.Exchange),
		observability.F("local_id", order.LocalID),
		observability.F("exchange_id", order.ExchangeID))
	return nil
}

// monitorScheduled waits out the order's twap/vwap window. Hitting the
// deadline cancels and replaces at a fresh price; an out-of-band cancel
// triggers automatic re-pricing and resubmission.
func (c *Coordinator) monitorScheduled(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	compression, period, ok := order.Window()
	if !ok {
		compression, period = 1, 1
	}
	deadline := time.Now().Add(time.Duration(compression*period) * time.Minute)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ScheduledPollInterval):
		}

		status, known := c.currentStatus(ctx, adapter, order)
		if known {
			switch status {
			case schema.StatusClosed:
				order.Status = schema.StatusClosed
				order.UpdatedAt = time.Now().UTC()
				c.saveOrder(ctx, order)
				c.refreshAfterFill(ctx, adapter, order)
				return nil
			case schema.StatusCanceled:
				// canceled out of band: restart pricing and resubmit
				if err := c.resubmit(ctx, adapter, order); err != nil {
					return err
				}
				deadline = time.Now().Add(time.Duration(compression*period) * time.Minute)
				continue
			case schema.StatusError:
				return nil
			}
		}

		if time.Now().After(deadline) {
			if err := c.cancelAndReplace(ctx, adapter, order); err != nil {
				return err
			}
			deadline = time.Now().Add(time.Duration(compression*period) * time.Minute)
		}
	}
}

// currentStatus prefers the streaming-fed store and falls back to polling
// the venue directly.
func (c *Coordinator) currentStatus(ctx context.Context, adapter adapters.Adapter, order *schema.Order) (schema.OrderStatus, bool) {
	status, err := c.live.GetOrderStatus(ctx, order.Exchange, order.ExchangeID)
	if err == nil && status != "" {
		return status, true
	}
	status, err = adapter.FetchOrderStatus(ctx, order.ExchangeID)
	if err != nil {
		return "", false
	}
	return status, true
}

// cancelAndReplace cancels the live order, proves the cancellation and
// resubmits at a freshly computed price. Any unprovable step fails the order
// instead of leaving a half-canceled state.
func (c *Coordinator) cancelAndReplace(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	if err := adapter.CancelOrder(ctx, order); err != nil {
		order.Fail(StepReplace, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return err
	}

	status, err := c.confirmCancel(ctx, adapter, order)
	if err != nil {
		order.Fail(StepReplace, string(errs.KindAmbiguousState))
		c.saveOrder(ctx, order)
		return err
	}
	if status == schema.StatusClosed {
		// filled before the cancel landed
		order.Status = schema.StatusClosed
		order.UpdatedAt = time.Now().UTC()
		c.saveOrder(ctx, order)
		c.refreshAfterFill(ctx, adapter, order)
		return nil
	}
	return c.resubmit(ctx, adapter, order)
}

// confirmCancel polls until the order proves canceled or closed. Halfway
// through the window one forced re-cancel is issued in case the first request
// was lost.
func (c *Coordinator) confirmCancel(ctx context.Context, adapter adapters.Adapter, order *schema.Order) (schema.OrderStatus, error) {
	deadline := time.Now().Add(c.cfg.CancelConfirmWindow)
	recancelAt := time.Now().Add(c.cfg.CancelConfirmWindow / 2)
	recanceled := false

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.CancelPollInterval):
		}

		status, known := c.currentStatus(ctx, adapter, order)
		if known && status.Terminal() {
			return status, nil
		}
		if !recanceled && time.Now().After(recancelAt) {
			recanceled = true
			if err := adapter.CancelOrder(ctx, order); err != nil {
				observability.Log().Warn("forced re-cancel failed",
					observability.F("exchange_id", order.ExchangeID),
					observability.F("error", err.Error()))
			}
		}
	}
	return "", errs.New(order.Exchange, errs.KindAmbiguousState,
		errs.WithStep(StepCancel),
		errs.WithMessage("cancel unconfirmed for "+order.ExchangeID))
}

// resubmit re-prices and re-places the order under the per-order lock,
// preserving the at-most-one-in-flight guarantee.
func (c *Coordinator) resubmit(ctx context.Context, adapter adapters.Adapter, order *schema.Order) error {
	unlock := c.locks.lock(order.LocalID)
	defer unlock()

	order.ExchangeID = ""
	order.Status = schema.StatusNew
	if err := c.price(ctx, order); err != nil {
		order.Fail(StepReplace, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return err
	}
	if err := c.submit(ctx, adapter, order); err != nil {
		order.Fail(StepReplace, string(errs.KindOf(err)))
		c.saveOrder(ctx, order)
		return err
	}
	c.saveOrder(ctx, order)
	return nil
}

// refreshAfterFill pulls fresh balances and positions after a fill so the
// shared store reflects the venue before strategies read it again.
func (c *Coordinator) refreshAfterFill(ctx context.Context, adapter adapters.Adapter, order *schema.Order) {
	account, err := adapter.FetchBalances(ctx)
	if err != nil {
		observability.Log().Warn("balance refresh failed",
			observability.F("exchange", order.Exchange),
			observability.F("error", err.Error()))
	} else if err := c.live.UpsertAccount(ctx, account); err != nil {
		observability.Log().Warn("account upsert failed",
			observability.F("exchange", order.Exchange),
			observability.F("error", err.Error()))
	}

	positions, err := adapter.FetchPositions(ctx)
	if err != nil {
		if errs.KindOf(err) != errs.KindUnsupportedCall {
			observability.Log().Warn("position refresh failed",
				observability.F("exchange", order.Exchange),
				observability.F("error", err.Error()))
		}
		return
	}
	if err := c.live.UpsertPositions(ctx, order.Exchange, positions); err != nil {
		observability.Log().Warn("position upsert failed",
			observability.F("exchange", order.Exchange),
			observability.F("error", err.Error()))
	}
}
