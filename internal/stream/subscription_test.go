package stream

import (
	"testing"

	"github.com/openquant/tradewire/internal/schema"
)

func TestSubscriptionSetIdempotentRequest(t *testing.T) {
	set := NewSubscriptionSet()
	sub := Subscription{Channel: schema.ChannelTicker, Symbol: "BTC/USD"}

	if !set.Request(sub) {
		t.Fatalf("first request should be new")
	}
	if set.Request(sub) {
		t.Fatalf("second request should not be new")
	}
	if set.Len() != 1 {
		t.Fatalf("expected 1 tracked subscription, got %d", set.Len())
	}
}

func TestSubscriptionSetActiveOnlyAfterAck(t *testing.T) {
	set := NewSubscriptionSet()
	ticker := Subscription{Channel: schema.ChannelTicker, Symbol: "BTC/USD"}
	trades := Subscription{Channel: schema.ChannelTrade, Symbol: "BTC/USD"}

	set.Request(ticker)
	set.Request(trades)
	if len(set.Active()) != 0 {
		t.Fatalf("nothing should be active before acks")
	}

	set.Ack(ticker)
	active := set.Active()
	if len(active) != 1 || active[0] != ticker {
		t.Fatalf("expected only acked ticker active, got %v", active)
	}
	if set.AllAcked([]Subscription{ticker, trades}) {
		t.Fatalf("AllAcked should fail with one pending")
	}

	set.Ack(trades)
	if !set.AllAcked([]Subscription{ticker, trades}) {
		t.Fatalf("AllAcked should pass after both acks")
	}
}

func TestSubscriptionSetAckUnknownIgnored(t *testing.T) {
	set := NewSubscriptionSet()
	set.Ack(Subscription{Channel: schema.ChannelTicker, Symbol: "ETH/USD"})
	if set.Len() != 0 {
		t.Fatalf("ack of unknown subscription must not create an entry")
	}
}

func TestSubscriptionSetResetAcks(t *testing.T) {
	set := NewSubscriptionSet()
	sub := Subscription{Channel: schema.ChannelOwnTrades}
	set.Request(sub)
	set.Ack(sub)

	set.ResetAcks()
	if len(set.Active()) != 0 {
		t.Fatalf("reset must downgrade acked entries")
	}
	if set.Request(sub) {
		t.Fatalf("entry must survive reset as requested")
	}
}
