// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package upstream forwards store lookups to a provider service speaking
// JSON-RPC 2.0 over HTTP. Operation "search" is sent as method
// "Store.Search" with the normalized query as params.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"github.com/luxfi/storerpc/query"
)

const (
	maxRetries     = 3
	retryBaseWait  = 500 * time.Millisecond
	defaultTimeout = 30 * time.Second

	// DefaultService is the JSON-RPC service name methods are sent under.
	DefaultService = "Store"
)

var ErrStatus = errors.New("upstream: unexpected status")

// Client implements provider.Backend against one upstream URL.
type Client struct {
	uri     *url.URL
	service string
	headers http.Header
	timeout time.Duration
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithService overrides the JSON-RPC service name.
func WithService(name string) Option {
	return func(c *Client) { c.service = name }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Add(key, value) }
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Client posting to rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", rawURL)
	}
	c := &Client{
		uri:     uri,
		service: DefaultService,
		headers: make(http.Header),
		timeout: defaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// freshHTTPClient disables connection reuse; provider services are often
// restarted under us and pooled connections then fail with EOF.
func (c *Client) freshHTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// Method maps an operation name to the JSON-RPC method, e.g. Store.Search.
func (c *Client) Method(op string) string {
	r, size := utf8.DecodeRuneInString(op)
	return c.service + "." + string(unicode.ToUpper(r)) + op[size:]
}

// Do performs op upstream. The JSON result is returned verbatim as a
// json.RawMessage.
func (c *Client) Do(ctx context.Context, op string, q query.Query) (any, error) {
	var reply json.RawMessage
	if err := c.send(ctx, c.Method(op), q, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// CleanlyCloseBody drains and closes an HTTP response body.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is a transient connection failure
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

func (c *Client) send(ctx context.Context, method string, params, reply any) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// exponential backoff: 500ms, 1s
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri.String(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header = c.headers.Clone()
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.freshHTTPClient().Do(req)
		if err != nil {
			lastErr = err
			retry := isRetryableError(err) && ctx.Err() == nil
			c.log.Debug("upstream request failed",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
				zap.Bool("retryable", retry),
				zap.Error(err),
			)
			if retry {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			c.log.Debug("upstream request succeeded after retry",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
			)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		}

		err = rpc.DecodeClientResponse(resp.Body, reply)
		CleanlyCloseBody(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}
