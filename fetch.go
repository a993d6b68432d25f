package yoloprep

// Remote image retrieval.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Fetcher retrieves the bytes behind a URL. Failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Defaults for FetcherConfig zero values.
const (
	DefaultFetchTimeout    = 60 * time.Second
	DefaultFetchRetries    = 3
	DefaultInitialInterval = 500 * time.Millisecond
	defaultUserAgent       = "yoloprep"
	maxImageBytes          = 256 << 20
)

// FetcherConfig configures an HTTPFetcher.
type FetcherConfig struct {
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for transient failures.
	MaxRetries int

	// InitialInterval is the first backoff delay between attempts.
	InitialInterval time.Duration

	// RequestsPerSecond limits the request rate. Zero means unlimited.
	RequestsPerSecond float64

	// UserAgent is sent with every request.
	UserAgent string
}

// HTTPFetcher fetches images over HTTP(S) with a per-attempt timeout, exponential backoff for
// transient failures and an optional rate limit. It is safe for concurrent use.
type HTTPFetcher struct {
	client  *http.Client
	cfg     FetcherConfig
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses a client on http.DefaultTransport and a
// nil logger uses the logrus standard logger.
func NewHTTPFetcher(cfg FetcherConfig, client *http.Client, logger logrus.FieldLogger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &HTTPFetcher{client: client, cfg: cfg, limiter: limiter, logger: logger}
}

// Fetch downloads url. Client errors other than 408 and 429 fail immediately; other failures are
// retried up to MaxRetries times.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, &FetchError{URL: url, Err: errors.New("empty URL")}
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if f.cfg.MaxRetries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = f.cfg.InitialInterval
		exp.MaxElapsedTime = 0
		exp.Reset()
		policy = backoff.WithMaxRetries(exp, uint64(f.cfg.MaxRetries))
	}

	var data []byte
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if ctx.Err() != nil {
			return backoff.Permanent(&FetchError{URL: url, Err: ctx.Err()})
		}

		var err error
		data, err = f.fetchOnce(ctx, url)
		if err == nil {
			return nil
		}

		var fe *FetchError
		if errors.As(err, &fe) && !retryableStatus(fe.StatusCode) {
			return backoff.Permanent(err)
		}
		f.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt}).WithError(err).
			Debug("fetch attempt failed")
		return err
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{URL: url, Err: err}
		}
		return nil, err
	}
	return data, nil
}

// fetchOnce performs a single bounded attempt.
func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{URL: url, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: url, StatusCode: -1, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: errors.Wrap(err, "read body")}
	}
	if len(data) > maxImageBytes {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("body exceeds %d bytes", maxImageBytes)}
	}
	return data, nil
}

// retryableStatus reports whether a failure with the given status code may succeed on retry.
// Zero means no response was received. Negative codes mark malformed requests.
func retryableStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code < 0:
		return false
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
