// Package shared carries the REST plumbing common to all exchange adapters.
package shared

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/observability"
)

const maxErrorBody = 4 << 10

// SignFunc attaches venue authentication to an outgoing request. The body is
// the exact payload being sent, for venues that sign over it.
type SignFunc func(req *http.Request, body []byte) error

// ClassifyFunc inspects a venue-level response payload and returns a
// classified error, or nil when the payload reports success.
type ClassifyFunc func(status int, body []byte) error

// RESTClient is the retrying, rate-limited HTTP core under every adapter.
//
// Retry behaviour comes from the central policy table keyed by failure kind;
// adapters only classify, they never choose their own delays.
type RESTClient struct {
	Exchange string
	BaseURL  string
	Client   *http.Client
	Limiter  *rate.Limiter
	Sign     SignFunc
	Classify ClassifyFunc
}

// NewRESTClient builds a client with sane transport defaults.
func NewRESTClient(exchange, baseURL string, requestRate rate.Limit) *RESTClient {
	if requestRate <= 0 {
		requestRate = rate.Every(time.Second)
	}
	return &RESTClient{
		Exchange: exchange,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: 15 * time.Second},
		Limiter:  rate.NewLimiter(requestRate, 1),
	}
}

// Request describes one REST call.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Headers map[string]string
	Signed  bool
	// Idempotent marks calls safe to retry after a transport failure.
	// Non-idempotent calls (order placement) classify transport failures
	// as ambiguous instead, because the venue may have acted on them.
	Idempotent bool
	// Out, when non-nil, receives the decoded JSON response body.
	Out any
}

// Do executes the request, retrying per the policy for the classified
// failure kind.
func (c *RESTClient) Do(ctx context.Context, req Request) error {
	attempt := 0
	for {
		attempt++
		err := c.doOnce(ctx, req)
		if err == nil {
			return nil
		}
		policy := errs.Policy(errs.KindOf(err))
		if !policy.Retryable || attempt >= policy.MaxAttempts {
			return err
		}
		observability.Log().Warn("rest call retrying",
			observability.F("exchange", c.Exchange),
			observability.F("path", req.Path),
			observability.F("attempt", attempt),
			observability.F("error", err.Error()))
		select {
		case <-ctx.Done():
			return fmt.Errorf("rest retry wait: %w", ctx.Err())
		case <-time.After(policy.Delay):
		}
	}
}

func (c *RESTClient) doOnce(ctx context.Context, req Request) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rest rate wait: %w", err)
	}

	endpoint := c.BaseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}
	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", req.Path, err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Signed {
		if c.Sign == nil {
			return errs.New(c.Exchange, errs.KindAuthentication,
				errs.WithMessage("no credentials configured"))
		}
		if err := c.Sign(httpReq, req.Body); err != nil {
			return errs.New(c.Exchange, errs.KindAuthentication,
				errs.WithMessage("sign request"), errs.WithCause(err))
		}
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return c.transportError(req, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return c.transportError(req, err)
	}

	if err := c.classifyStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if c.Classify != nil {
		if err := c.Classify(resp.StatusCode, body); err != nil {
			return err
		}
	}
	if req.Out != nil {
		if err := json.Unmarshal(body, req.Out); err != nil {
			return fmt.Errorf("decode %s response: %w", req.Path, err)
		}
	}
	return nil
}

// transportError maps a network failure according to whether the venue may
// have already acted on the request.
func (c *RESTClient) transportError(req Request, cause error) error {
	if req.Idempotent {
		return errs.New(c.Exchange, errs.KindNetworkTransient,
			errs.WithMessage(req.Method+" "+req.Path), errs.WithCause(cause))
	}
	return errs.New(c.Exchange, errs.KindAmbiguousState,
		errs.WithMessage(req.Method+" "+req.Path+" outcome unknown"),
		errs.WithCause(cause))
}

func (c *RESTClient) classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	raw := strings.TrimSpace(string(truncate(body, maxErrorBody)))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(c.Exchange, errs.KindAuthentication,
			errs.WithHTTP(status), errs.WithRawMessage(raw))
	case status == http.StatusTooManyRequests:
		return errs.New(c.Exchange, errs.KindRateLimited,
			errs.WithHTTP(status), errs.WithRawMessage(raw))
	case status >= 500:
		return errs.New(c.Exchange, errs.KindExchangeUnavailable,
			errs.WithHTTP(status), errs.WithRawMessage(raw))
	default:
		return errs.New(c.Exchange, errs.KindInvalid,
			errs.WithHTTP(status), errs.WithRawMessage(raw))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
