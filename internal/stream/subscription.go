package stream

import (
	"sync"

	"github.com/openquant/tradewire/internal/schema"
)

// Subscription identifies one streaming channel request. Symbol is empty for
// account-wide private channels.
type Subscription struct {
	Channel schema.Channel
	Symbol  string
}

type subscriptionStatus int

const (
	subscriptionRequested subscriptionStatus = iota
	subscriptionAcked
)

// SubscriptionSet tracks the requested and acknowledged channels of one
// session. A subscription counts as active only after the exchange
// acknowledgment is observed.
type SubscriptionSet struct {
	mu      sync.Mutex
	entries map[Subscription]subscriptionStatus
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{entries: make(map[Subscription]subscriptionStatus)}
}

// Request marks the subscription as requested and reports whether it was new.
// Already-acked entries stay acked, keeping repeated subscribe calls idempotent.
func (s *SubscriptionSet) Request(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sub]; exists {
		return false
	}
	s.entries[sub] = subscriptionRequested
	return true
}

// Ack marks the subscription as acknowledged by the exchange.
func (s *SubscriptionSet) Ack(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sub]; exists {
		s.entries[sub] = subscriptionAcked
	}
}

// Acked reports whether the subscription has been acknowledged.
func (s *SubscriptionSet) Acked(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[sub] == subscriptionAcked
}

// AllAcked reports whether every given subscription has been acknowledged.
func (s *SubscriptionSet) AllAcked(subs []Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		if s.entries[sub] != subscriptionAcked {
			return false
		}
	}
	return true
}

// Remove drops the subscription from the set.
func (s *SubscriptionSet) Remove(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sub)
}

// Active returns the acknowledged subscriptions; the set a rebuilt session
// must restore exactly.
func (s *SubscriptionSet) Active() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.entries))
	for sub, status := range s.entries {
		if status == subscriptionAcked {
			out = append(out, sub)
		}
	}
	return out
}

// ResetAcks downgrades every acknowledged entry to requested, ahead of a
// session rebuild.
func (s *SubscriptionSet) ResetAcks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.entries {
		s.entries[sub] = subscriptionRequested
	}
}

// Clear empties the set.
func (s *SubscriptionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Subscription]subscriptionStatus)
}

// Len returns the number of tracked subscriptions.
func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
