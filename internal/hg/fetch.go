package hg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/onexay/hgrev/internal/metrics"
	"github.com/onexay/hgrev/internal/types"
)

const (
	// DefaultTimeout bounds a single request to the hosting service.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryDelay is the pause before retrying over plain HTTP.
	DefaultRetryDelay = 5 * time.Second
	// DefaultUserAgent identifies requests made by hgrev.
	DefaultUserAgent = "hgrev/1.0"

	maxBodySize = 64 << 20
)

// HTTPClient is the subset of *http.Client the fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Client  HTTPClient
	Timeout time.Duration
	// RetryDelay defaults to DefaultRetryDelay; a negative value disables it.
	RetryDelay time.Duration
	UserAgent  string
	Logger     logr.Logger
}

// Fetcher retrieves documents from the hosting service, falling back from
// HTTPS to HTTP and then to rewritten repository URLs.
type Fetcher struct {
	client     HTTPClient
	timeout    time.Duration
	retryDelay time.Duration
	logger     logr.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher, filling defaults for unset options.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	switch {
	case opts.RetryDelay == 0:
		opts.RetryDelay = DefaultRetryDelay
	case opts.RetryDelay < 0:
		opts.RetryDelay = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: &userAgentTransport{base: http.DefaultTransport, agent: opts.UserAgent}}
	}
	return &Fetcher{
		client:     opts.Client,
		timeout:    opts.Timeout,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		sleep:      sleepContext,
	}
}

// FetchJSON returns the JSON document at rawURL. On success the repository
// part of the URL that answered is recorded on branch, when given.
func (f *Fetcher) FetchJSON(ctx context.Context, rawURL string, branch *types.Branch) (json.RawMessage, error) {
	data, httpsErr := f.getJSON(ctx, rawURL)
	if httpsErr == nil {
		f.record(branch, rawURL)
		return data, nil
	}
	if isTerminal(httpsErr) {
		return nil, httpsErr
	}

	metrics.RemoteFetches.WithLabelValues(metrics.OutcomeRetry).Inc()
	f.logger.V(1).Info("retrying over http", "url", rawURL, "error", httpsErr.Error())
	if err := f.sleep(ctx, f.retryDelay); err != nil {
		return nil, err
	}

	plainURL := strings.Replace(rawURL, "https://", "http://", 1)
	data, httpErr := f.getJSON(ctx, plainURL)
	if httpErr == nil {
		f.record(branch, plainURL)
		return data, nil
	}
	if isTerminal(httpErr) {
		return nil, httpErr
	}

	if rewritten, ok := Rewrite(rawURL); ok {
		f.logger.V(1).Info("rewriting repository url", "from", rawURL, "to", rewritten)
		return f.FetchJSON(ctx, rewritten, branch)
	}

	metrics.RemoteFetches.WithLabelValues(metrics.OutcomeFailure).Inc()
	return nil, &UnavailableError{URL: rawURL, Err: multierr.Combine(httpsErr, httpErr)}
}

// FetchText returns the raw body at rawURL in a single attempt.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	body, status, err := f.do(ctx, rawURL)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound:
		metrics.RemoteFetches.WithLabelValues(metrics.OutcomeNotFound).Inc()
		return "", &NotFoundError{URL: rawURL}
	case status != http.StatusOK:
		metrics.RemoteFetches.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", fmt.Errorf("%s returned status %d", rawURL, status)
	}
	metrics.RemoteFetches.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return strings.ToValidUTF8(string(body), "\uFFFD"), nil
}

func (f *Fetcher) getJSON(ctx context.Context, rawURL string) (json.RawMessage, error) {
	body, status, err := f.do(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var msg string
		if json.Unmarshal(trimmed, &msg) == nil && strings.HasPrefix(msg, "unknown revision") {
			metrics.RemoteFetches.WithLabelValues(metrics.OutcomeNotFound).Inc()
			return nil, &NotFoundError{URL: rawURL, Revision: between(msg, "'", "'")}
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", rawURL, status, limit(trimmed, 200))
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%s returned invalid json", rawURL)
	}
	metrics.RemoteFetches.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return json.RawMessage(trimmed), nil
}

// do performs one request. A started request runs to completion or timeout
// even if ctx is cancelled meanwhile.
func (f *Fetcher) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) record(branch *types.Branch, rawURL string) {
	if branch != nil {
		branch.URL = Trim(rawURL)
	}
}

func isTerminal(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) || errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func between(s, left, right string) string {
	_, rest, ok := strings.Cut(s, left)
	if !ok {
		return ""
	}
	inner, _, _ := strings.Cut(rest, right)
	return inner
}

func limit(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}
