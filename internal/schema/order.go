// Package schema defines the canonical data model shared across the engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the direction of an order or trade.
type Side string

const (
	// SideBuy opens or extends a long position.
	SideBuy Side = "buy"
	// SideSell opens or extends a short position.
	SideSell Side = "sell"
)

// Signed returns volume with the sign implied by the side (buy positive).
func (s Side) Signed(volume decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return volume.Neg()
	}
	return volume
}

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType identifies the execution style requested from the exchange.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the prevailing price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the stated price.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStopLoss triggers a reduce-only exit on adverse movement.
	OrderTypeStopLoss OrderType = "stop-loss"
	// OrderTypeTakeProfit triggers a reduce-only exit at a favourable price.
	OrderTypeTakeProfit OrderType = "take-profit"
)

// Command selects the pricing strategy applied before submission.
type Command string

const (
	// CommandSpread prices off the live ticker with a small bias toward fill.
	CommandSpread Command = "spread"
	// CommandTWAP prices off the time-weighted average over a window.
	CommandTWAP Command = "twap"
	// CommandVWAP prices off the volume-weighted average over a window.
	CommandVWAP Command = "vwap"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	// StatusNew marks an order not yet submitted.
	StatusNew OrderStatus = "new"
	// StatusOpen marks an order resting on the exchange.
	StatusOpen OrderStatus = "open"
	// StatusClosed marks a fully filled order.
	StatusClosed OrderStatus = "closed"
	// StatusCanceled marks an order canceled before completion.
	StatusCanceled OrderStatus = "canceled"
	// StatusError marks an order that failed somewhere in the lifecycle.
	StatusError OrderStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCanceled, StatusError:
		return true
	default:
		return false
	}
}

// Order represents exactly one intended exchange action.
//
// The order lifecycle coordinator owns the instance for its lifetime; only
// the coordinator or the adapter callback observing the terminal exchange
// event may mutate it.
type Order struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Command    Command         `json:"command"`
	SubCommand string          `json:"sub_command,omitempty"`
	Leverage   int             `json:"leverage,omitempty"`
	ReduceOnly bool            `json:"reduce_only,omitempty"`
	LocalID    string          `json:"local_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Status     OrderStatus     `json:"status"`

	// FailedStep and FailureKind explain a terminal "error" status without
	// requiring log inspection.
	FailedStep  string `json:"failed_step,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fail marks the order as terminally failed at the given step.
func (o *Order) Fail(step, kind string) {
	o.Status = StatusError
	o.FailedStep = step
	o.FailureKind = kind
	o.UpdatedAt = time.Now().UTC()
}

// Scheduled reports whether the command defers execution over a window.
func (o *Order) Scheduled() bool {
	return o.Command == CommandTWAP || o.Command == CommandVWAP
}

// Window decodes the "compression period" subcommand of a scheduled order.
// Compression names the candle size in minutes; period counts windows.
func (o *Order) Window() (compression, period int, ok bool) {
	fields := strings.Fields(o.SubCommand)
	if len(fields) != 2 {
		return 0, 0, false
	}
	compression = atoiSafe(fields[0])
	period = atoiSafe(fields[1])
	if compression <= 0 || period <= 0 {
		return 0, 0, false
	}
	return compression, period, true
}

func atoiSafe(s string) int {
	if s == "" {
		return -1
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
