package coordinator

import (
	"context"
	"time"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/schema"
)

// CancelOrder cancels by exchange order id and blocks until the outcome is
// proven. A cancellation that loses the race to a fill reports success with
// the closed status; an unconfirmed outcome surfaces as ambiguous.
func (c *Coordinator) CancelOrder(ctx context.Context, exchange, exchangeID string) (schema.OrderStatus, error) {
	adapter, err := c.registry.Get(exchange)
	if err != nil {
		return "", err
	}

	order, lookupErr := c.live.GetOrder(ctx, exchange, exchangeID)
	if lookupErr != nil {
		order = schema.Order{Exchange: exchange, ExchangeID: exchangeID}
	}
	if order.LocalID != "" {
		unlock := c.locks.lock(order.LocalID)
		defer unlock()
	}
	if order.Status.Terminal() {
		return order.Status, nil
	}

	if err := adapter.CancelOrder(ctx, &order); err != nil {
		if errs.KindOf(err) == errs.KindOrderNotFound {
			return schema.StatusCanceled, nil
		}
		return "", err
	}

	deadline := time.Now().Add(c.cfg.CancelConfirmWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.CancelPollInterval):
		}

		status, known := c.currentStatus(ctx, adapter, &order)
		if !known {
			continue
		}
		switch status {
		case schema.StatusCanceled:
			order.Status = schema.StatusCanceled
			order.UpdatedAt = time.Now().UTC()
			c.saveOrder(ctx, &order)
			return schema.StatusCanceled, nil
		case schema.StatusClosed:
			// too late: the order filled before the cancel landed
			order.Status = schema.StatusClosed
			order.UpdatedAt = time.Now().UTC()
			c.saveOrder(ctx, &order)
			return schema.StatusClosed, nil
		}
	}
	return "", errs.New(exchange, errs.KindAmbiguousState,
		errs.WithStep(StepCancel),
		errs.WithMessage("cancel unconfirmed for "+exchangeID))
}
