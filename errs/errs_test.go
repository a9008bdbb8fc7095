package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesKindAndStep(t *testing.T) {
	err := New(
		"kraken",
		KindInsufficientFunds,
		WithHTTP(200),
		WithMessage("balance below order cost"),
		WithStep("validate"),
		WithRawCode("EOrder:Insufficient funds"),
		WithCause(errors.New("kraken AddOrder rejected")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=kraken") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "kind=insufficient_funds") {
		t.Fatalf("expected kind in error string: %s", out)
	}
	if !strings.Contains(out, "step=validate") {
		t.Fatalf("expected step in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"EOrder:Insufficient funds\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"kraken AddOrder rejected\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestPolicyTableIsExhaustiveOverRetryableKinds(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
		delay     time.Duration
	}{
		{KindRateLimited, true, 60 * time.Second},
		{KindExchangeUnavailable, true, 60 * time.Second},
		{KindNetworkTransient, true, 5 * time.Second},
		{KindAuthentication, false, 0},
		{KindInsufficientFunds, false, 0},
		{KindOrderNotFound, false, 0},
		{KindUnsupportedCall, false, 0},
		{KindValidationFailed, false, 0},
		{KindAmbiguousState, false, 0},
		{KindUnknown, false, 0},
	}
	for _, tc := range cases {
		policy := Policy(tc.kind)
		if policy.Retryable != tc.retryable {
			t.Fatalf("kind %s: retryable = %v, want %v", tc.kind, policy.Retryable, tc.retryable)
		}
		if policy.Delay != tc.delay {
			t.Fatalf("kind %s: delay = %v, want %v", tc.kind, policy.Delay, tc.delay)
		}
		if tc.retryable && policy.MaxAttempts < 2 {
			t.Fatalf("kind %s: retryable policy must allow multiple attempts", tc.kind)
		}
	}
}

func TestKindOfWalksWrapChain(t *testing.T) {
	inner := New("bitmex", KindRateLimited, WithHTTP(429))
	wrapped := fmt.Errorf("place order: %w", inner)

	if kind := KindOf(wrapped); kind != KindRateLimited {
		t.Fatalf("KindOf() = %s, want %s", kind, KindRateLimited)
	}
	if !Retryable(wrapped) {
		t.Fatal("rate limited error should be retryable")
	}
}

func TestKindOfUncategorizedIsUnknown(t *testing.T) {
	if kind := KindOf(errors.New("plain")); kind != KindUnknown {
		t.Fatalf("KindOf(plain) = %s, want %s", kind, KindUnknown)
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("uncategorized errors must not be retryable")
	}
}

func TestAmbiguous(t *testing.T) {
	err := New("kraken", KindAmbiguousState, WithMessage("cancel unconfirmed"))
	if !Ambiguous(err) {
		t.Fatal("expected ambiguous state detection")
	}
	if Ambiguous(New("kraken", KindNetworkTransient)) {
		t.Fatal("network errors are not ambiguous")
	}
}
