package stream

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"

	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/observability"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

// Event is one normalized inbound streaming update. Exactly one pointer is
// set per event.
type Event struct {
	Ticker   *schema.Ticker
	Trade    *schema.Trade
	OwnTrade *schema.Trade
	Order    *schema.Order
	Candle   *schema.Candle
}

// Upserter drains normalized events into the stores.
//
// Market data lands in the fast-access store only. Own trades additionally
// land in the durable record store, which deduplicates by trade id. Order
// events both update status and feed the open-order correlation queue so the
// coordinator can match streaming acks to in-flight submissions.
type Upserter struct {
	live    livestore.Store
	records recordstore.Store

	// OnOwnTrade, when set, runs after an own trade is durably recorded.
	// The position calculator hangs off this hook.
	OnOwnTrade func(ctx context.Context, trade schema.Trade)

	events chan Event
	wg     conc.WaitGroup
	cancel context.CancelFunc
}

// NewUpserter creates an upsert worker with a bounded inbox.
func NewUpserter(live livestore.Store, records recordstore.Store, buffer int) *Upserter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Upserter{
		live:    live,
		records: records,
		events:  make(chan Event, buffer),
	}
}

// Events returns the inbox sessions publish into.
func (u *Upserter) Events() chan<- Event {
	return u.events
}

// Publish enqueues one event, dropping it if the worker has stopped.
func (u *Upserter) Publish(ctx context.Context, event Event) {
	select {
	case u.events <- event:
	case <-ctx.Done():
	}
}

// Start launches the drain worker.
func (u *Upserter) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Go(func() {
		u.drain(workerCtx)
	})
}

// Stop halts the drain worker and waits for it to finish.
func (u *Upserter) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

func (u *Upserter) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-u.events:
			if err := u.apply(ctx, event); err != nil {
				observability.Log().Error("stream upsert failed",
					observability.F("error", err.Error()))
			}
		}
	}
}

func (u *Upserter) apply(ctx context.Context, event Event) error {
	switch {
	case event.Ticker != nil:
		return u.live.UpsertTicker(ctx, *event.Ticker)
	case event.Trade != nil:
		return u.live.PushTrade(ctx, *event.Trade)
	case event.OwnTrade != nil:
		return u.applyOwnTrade(ctx, *event.OwnTrade)
	case event.Order != nil:
		return u.applyOrder(ctx, *event.Order)
	case event.Candle != nil:
		return u.records.InsertCandle(ctx, *event.Candle)
	default:
		return nil
	}
}

func (u *Upserter) applyOwnTrade(ctx context.Context, trade schema.Trade) error {
	if err := u.live.PushMyTrade(ctx, trade); err != nil {
		return fmt.Errorf("push own trade: %w", err)
	}
	if u.records != nil {
		if err := u.records.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("record own trade: %w", err)
		}
	}
	if u.OnOwnTrade != nil {
		u.OnOwnTrade(ctx, trade)
	}
	return nil
}

func (u *Upserter) applyOrder(ctx context.Context, order schema.Order) error {
	if err := u.live.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	if order.LocalID != "" && order.Status == schema.StatusOpen {
		if err := u.live.PushOpenOrder(ctx, order.LocalID, order); err != nil {
			return fmt.Errorf("correlate open order: %w", err)
		}
	}
	return nil
}
