package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/token"
	"tc.com/price-estimator/pkg/version"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRetries  = 2
	maxResponseBytes   = 4 << 20
)

// BaseOptions configures the shared adapter machinery.
type BaseOptions struct {
	// Chains the adapter can serve. Empty means every chain.
	Chains []token.ChainID
	// RequestsPerSecond and Burst configure the adapter's own limiter. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxRetries bounds transport retries within the caller deadline.
	MaxRetries uint64
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// BaseAdapter provides identity, chain routing, rate limiting and retrying
// HTTP access for concrete adapters. It is safe for concurrent use.
type BaseAdapter struct {
	id         string
	class      Class
	chains     map[token.ChainID]struct{}
	limiter    *rate.Limiter
	maxRetries uint64
	client     *http.Client
	logger     *logging.Logger
}

// NewBaseAdapter creates a base adapter.
func NewBaseAdapter(id string, class Class, opts BaseOptions) *BaseAdapter {
	b := &BaseAdapter{
		id:         id,
		class:      class,
		chains:     make(map[token.ChainID]struct{}, len(opts.Chains)),
		maxRetries: opts.MaxRetries,
		client:     opts.HTTPClient,
		logger:     opts.Logger,
	}
	for _, c := range opts.Chains {
		b.chains[c] = struct{}{}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if b.client == nil {
		b.client = newHTTPClient(defaultHTTPTimeout)
	}
	if b.logger == nil {
		b.logger = logging.NewNoopLogger()
	}
	return b
}

// ID returns the source id
func (b *BaseAdapter) ID() string {
	return b.id
}

// Class returns the source class
func (b *BaseAdapter) Class() Class {
	return b.class
}

// Logger returns the logger
func (b *BaseAdapter) Logger() *logging.Logger {
	return b.logger
}

// SupportsChain reports whether the adapter serves the chain.
func (b *BaseAdapter) SupportsChain(c token.ChainID) bool {
	if len(b.chains) == 0 {
		return true
	}
	_, ok := b.chains[c]
	return ok
}

// SupportsPair reports whether both sides of the pair are on supported chains.
func (b *BaseAdapter) SupportsPair(p token.Pair) bool {
	return b.SupportsChain(p.Base.ChainID) && b.SupportsChain(p.Quote.ChainID)
}

// Wait blocks until the limiter grants a request. When the grant would arrive
// after the context deadline the call fails immediately with RateLimited.
func (b *BaseAdapter) Wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return NewAdapterError(KindTimeout, b.id, ctx.Err())
		}
		return NewAdapterError(KindRateLimited, b.id, err)
	}
	return nil
}

// Retry runs op with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts MaxRetries, or the context ends. Only
// transport failures are retried.
func (b *BaseAdapter) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		classified := Classify(b.id, err)
		if ctx.Err() != nil {
			return backoff.Permanent(NewAdapterError(KindTimeout, b.id, err))
		}
		if classified.Kind != KindTransport {
			return backoff.Permanent(classified)
		}
		b.logger.Debug("Retrying source request", "source", b.id, "attempt", attempt, "error", err)
		return classified
	}, backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx))
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctx.Err() != nil && KindOf(err) == KindTransport {
		return NewAdapterError(KindTimeout, b.id, ctx.Err())
	}
	return Classify(b.id, err)
}

// GetJSON performs a rate-limited GET and returns the response body. HTTP
// statuses are mapped onto adapter error kinds.
func (b *BaseAdapter) GetJSON(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if err := b.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewAdapterError(KindTransport, b.id, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.AgentString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, Classify(b.id, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Classify(b.id, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewAdapterError(KindRateLimited, b.id, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewAdapterError(KindUnsupported, b.id, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, NewAdapterError(KindMalformedResponse, b.id,
			fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(body, 256)))
	case resp.StatusCode != http.StatusOK:
		return nil, NewAdapterError(KindTransport, b.id, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
