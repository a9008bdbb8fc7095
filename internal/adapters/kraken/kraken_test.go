package kraken

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openquant/tradewire/errs"
)

// Signature vector from the venue's API documentation.
func TestSignKnownVector(t *testing.T) {
	creds, err := newCredentials(
		"dummy-key",
		"kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg==",
	)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"
	req := httptest.NewRequest(http.MethodPost, "https://api.kraken.com/0/private/AddOrder", nil)
	if err := creds.sign(req, []byte(body)); err != nil {
		t.Fatalf("sign: %v", err)
	}

	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if got := req.Header.Get("API-Sign"); got != want {
		t.Fatalf("signature mismatch:\n got %s\nwant %s", got, want)
	}
	if req.Header.Get("API-Key") != "dummy-key" {
		t.Fatalf("missing API-Key header")
	}
}

func TestNonceStrictlyIncreasing(t *testing.T) {
	creds, err := newCredentials("k", "c2VjcmV0")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	prev := ""
	for i := 0; i < 100; i++ {
		next := creds.nonce()
		if prev != "" && next <= prev && len(next) <= len(prev) {
			t.Fatalf("nonce not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestSymbolTranslation(t *testing.T) {
	cases := []struct {
		canonical string
		venue     string
		rest      string
	}{
		{"BTC/USD", "XBT/USD", "XBTUSD"},
		{"ETH/USD", "ETH/USD", "ETHUSD"},
		{"DOGE/EUR", "XDG/EUR", "XDGEUR"},
	}
	for _, tc := range cases {
		if got := venuePair(tc.canonical); got != tc.venue {
			t.Fatalf("venuePair(%s) = %s, want %s", tc.canonical, got, tc.venue)
		}
		if got := restPair(tc.canonical); got != tc.rest {
			t.Fatalf("restPair(%s) = %s, want %s", tc.canonical, got, tc.rest)
		}
		if got := canonicalPair(tc.venue); got != tc.canonical {
			t.Fatalf("canonicalPair(%s) = %s, want %s", tc.venue, got, tc.canonical)
		}
	}
}

func TestCanonicalRESTPairLegacyKeys(t *testing.T) {
	cases := map[string]string{
		"XXBTZUSD": "BTC/USD",
		"XETHZEUR": "ETH/EUR",
		"XBTUSDT":  "BTC/USDT",
		"SOLUSD":   "SOL/USD",
	}
	for input, want := range cases {
		if got := canonicalRESTPair(input); got != want {
			t.Fatalf("canonicalRESTPair(%s) = %s, want %s", input, got, want)
		}
	}
}

func TestClassifyPayload(t *testing.T) {
	cases := []struct {
		body string
		kind errs.Kind
	}{
		{`{"error":["EAPI:Invalid key"]}`, errs.KindAuthentication},
		{`{"error":["EAPI:Rate limit exceeded"]}`, errs.KindRateLimited},
		{`{"error":["EOrder:Insufficient funds"]}`, errs.KindInsufficientFunds},
		{`{"error":["EOrder:Unknown order"]}`, errs.KindOrderNotFound},
		{`{"error":["EService:Unavailable"]}`, errs.KindExchangeUnavailable},
		{`{"error":["EGeneral:Invalid arguments"]}`, errs.KindInvalid},
	}
	for _, tc := range cases {
		err := classifyPayload(200, []byte(tc.body))
		if err == nil {
			t.Fatalf("expected error for %s", tc.body)
		}
		if got := errs.KindOf(err); got != tc.kind {
			t.Fatalf("classify %s = %s, want %s", tc.body, got, tc.kind)
		}
	}
	if err := classifyPayload(200, []byte(`{"error":[],"result":{}}`)); err != nil {
		t.Fatalf("success payload classified as error: %v", err)
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]string{
		"pending":  "open",
		"open":     "open",
		"closed":   "closed",
		"canceled": "canceled",
		"expired":  "canceled",
		"weird":    "error",
	}
	for input, want := range cases {
		if got := string(mapOrderStatus(input)); got != want {
			t.Fatalf("mapOrderStatus(%s) = %s, want %s", input, got, want)
		}
	}
}
