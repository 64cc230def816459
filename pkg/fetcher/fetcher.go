// Package fetcher wraps outbound HTTP calls with bounded retries,
// per-attempt timeouts and endpoint fallback. All gateway and
// downstream API traffic goes through it so retry behavior lives in
// one place instead of being sprinkled across call sites.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind classifies a failed fetch.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is the terminal error of a fetch. It wraps the last attempt's
// error and records how many attempts were made.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch failed after %d attempt(s) (%s): %v", e.Attempts, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is returned when the remote answered with a non-2xx status.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Policy controls retry behavior for a single fetch.
type Policy struct {
	MaxAttempts int           // total attempts, default 3
	Timeout     time.Duration // per-attempt timeout, default 15s
	Backoff     time.Duration // delay between attempts, default 1s
	Exponential bool          // double the backoff after each attempt
	// RetryClientErrors opts into retrying 4xx responses. Only safe for
	// idempotent requests such as status polls.
	RetryClientErrors bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Timeout <= 0 {
		p.Timeout = 15 * time.Second
	}
	if p.Backoff <= 0 {
		p.Backoff = 1 * time.Second
	}
	return p
}

// Request describes one logical outbound call. Endpoints is an ordered
// candidate list; the fetcher advances to the next candidate after a
// failed attempt and stays on the last one once the list is exhausted.
type Request struct {
	Method    string
	Endpoints []string
	Header    http.Header
	Body      []byte
}

// Response is the successful result of a fetch.
type Response struct {
	StatusCode int
	Body       []byte
	Endpoint   string // the endpoint that answered
}

// Fetcher executes requests under a retry policy.
type Fetcher struct {
	client *http.Client
	logger *logrus.Logger
}

// New creates a fetcher. Per-attempt timeouts come from the policy, so
// the underlying client carries none of its own.
func New(logger *logrus.Logger) *Fetcher {
	return &Fetcher{client: &http.Client{}, logger: logger}
}

// NewWithClient creates a fetcher around a caller-supplied HTTP client.
func NewWithClient(client *http.Client, logger *logrus.Logger) *Fetcher {
	return &Fetcher{client: client, logger: logger}
}

// Do executes the request, retrying per policy. On success the response
// body is fully read and returned. On failure the returned error is
// always a *Error carrying the classification and attempt count.
func (f *Fetcher) Do(ctx context.Context, req Request, policy Policy) (*Response, error) {
	policy = policy.withDefaults()
	if len(req.Endpoints) == 0 {
		return nil, &Error{Kind: KindPermanent, Attempts: 0, Err: errors.New("no endpoints configured")}
	}

	var lastErr error
	lastKind := KindTransient
	endpointIdx := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		endpoint := req.Endpoints[endpointIdx]
		entry := f.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": policy.MaxAttempts,
			"method":       req.Method,
			"endpoint":     endpoint,
		})

		resp, kind, err := f.attempt(ctx, req, endpoint, policy.Timeout)
		if err == nil {
			entry.WithField("status", resp.StatusCode).Debug("Request succeeded")
			return resp, nil
		}

		lastErr, lastKind = err, kind
		entry.WithError(err).WithField("outcome", string(kind)).Warn("Request attempt failed")

		if !retryable(kind, err, policy) || attempt == policy.MaxAttempts {
			return nil, &Error{Kind: lastKind, Attempts: attempt, Err: lastErr}
		}

		// Fall over to the next endpoint candidate, if there is one.
		if endpointIdx+1 < len(req.Endpoints) {
			endpointIdx++
		}

		delay := policy.Backoff
		if policy.Exponential {
			delay = policy.Backoff << (attempt - 1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Attempts: attempt, Err: ctx.Err()}
		}
	}

	return nil, &Error{Kind: lastKind, Attempts: policy.MaxAttempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, endpoint string, timeout time.Duration) (*Response, Kind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, KindPermanent, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetworkError(err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, KindTransient, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, KindTransient, &StatusError{Code: resp.StatusCode, Body: body}
	case resp.StatusCode >= 400:
		return nil, KindPermanent, &StatusError{Code: resp.StatusCode, Body: body}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body, Endpoint: endpoint}, "", nil
}

func retryable(kind Kind, err error, policy Policy) bool {
	switch kind {
	case KindTimeout, KindTransient:
		return true
	case KindPermanent:
		// 4xx may be retried only when the caller opted in; other
		// permanent failures (cancellation, malformed request) never are.
		var statusErr *StatusError
		return policy.RetryClientErrors && errors.As(err, &statusErr)
	}
	return false
}

func classifyNetworkError(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	// Connection refused, connection reset, DNS failures.
	return KindTransient
}
