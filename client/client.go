// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client calls a running bridge for one platform.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/luxfi/storerpc"
	"github.com/luxfi/storerpc/config"
	"github.com/luxfi/storerpc/dispatch"
	"github.com/luxfi/storerpc/lifecycle"
	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/query"
)

// Locale used by callers that do not pick one.
const (
	DefaultLang    = "en"
	DefaultCountry = "us"
)

// ErrNoServer is returned when no server answers and none could be started.
var ErrNoServer = errors.New("no server on socket")

// SpawnFunc starts a server for p that will listen on socketPath. It must
// not wait for the server to exit.
type SpawnFunc func(ctx context.Context, p provider.Platform, socketPath string) error

// Option configures Dial and New.
type Option func(*options)

type options struct {
	dir       string
	prefix    string
	transport string
	fresh     bool
	spawn     SpawnFunc
	defaults  query.Query
}

// WithSocketDir sets the directory holding the socket files.
func WithSocketDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithSocketPrefix sets the socket file prefix.
func WithSocketPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTransport selects the wire transport. It must match the server's.
func WithTransport(t string) Option {
	return func(o *options) { o.transport = t }
}

// WithFresh removes a socket file left behind by a dead server before
// dialing. A live server is kept and dialed.
func WithFresh() Option {
	return func(o *options) { o.fresh = true }
}

// WithSpawn starts a server with fn when none answers on the socket.
func WithSpawn(fn SpawnFunc) Option {
	return func(o *options) { o.spawn = fn }
}

// WithDefaults fills lang and country into every query lacking them.
// Empty values are not filled.
func WithDefaults(lang, country string) Option {
	return func(o *options) {
		o.defaults = query.Query{}
		if lang != "" {
			o.defaults[query.FieldLang] = lang
		}
		if country != "" {
			o.defaults[query.FieldCountry] = country
		}
	}
}

// SpawnCommand runs name with args followed by the platform, detached
// from the caller.
func SpawnCommand(name string, args ...string) SpawnFunc {
	return func(_ context.Context, p provider.Platform, _ string) error {
		cmd := exec.Command(name, append(append([]string(nil), args...), p.String())...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("spawn %s: %w", name, err)
		}
		go cmd.Wait()
		return nil
	}
}

// Client is a connection to the endpoint of one platform.
type Client struct {
	rpc      storerpc.Client
	platform provider.Platform
	defaults query.Query
}

// Dial connects to the endpoint of p.
func Dial(ctx context.Context, p provider.Platform, opts ...Option) (*Client, error) {
	def := config.Default()
	o := options{
		dir:       def.Socket.Dir,
		prefix:    def.Socket.Prefix,
		transport: def.Socket.Transport,
	}
	for _, opt := range opts {
		opt(&o)
	}
	path := config.SocketPath(o.dir, o.prefix, p)

	if o.fresh {
		if err := lifecycle.RemoveStale(path); err != nil && !errors.Is(err, lifecycle.ErrSocketInUse) {
			return nil, err
		}
	}
	if o.spawn != nil && !lifecycle.Alive(path) {
		if err := o.spawn(ctx, p, path); err != nil {
			return nil, err
		}
		if err := waitAlive(ctx, path); err != nil {
			return nil, err
		}
	}

	rpc, err := storerpc.Dial(ctx, storerpc.SocketAddr(path), storerpc.WithTransport(o.transport))
	if err != nil {
		return nil, fmt.Errorf("dial %s endpoint: %w", p, err)
	}
	return newClient(rpc, p, o), nil
}

func waitAlive(ctx context.Context, path string) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !lifecycle.Alive(path) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNoServer, path, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

// New wraps an established connection. Only WithDefaults applies.
func New(rpc storerpc.Client, p provider.Platform, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(rpc, p, o)
}

func newClient(rpc storerpc.Client, p provider.Platform, o options) *Client {
	return &Client{rpc: rpc, platform: p, defaults: o.defaults}
}

// Platform is the platform the client talks to.
func (c *Client) Platform() provider.Platform { return c.platform }

// Hello returns "Hello, <name>".
func (c *Client) Hello(ctx context.Context, name string) (string, error) {
	var s string
	err := c.rpc.Call(ctx, dispatch.HelloMethod, name, &s)
	return s, err
}

// Call runs operation op with q and decodes the result into reply. q is
// not modified.
func (c *Client) Call(ctx context.Context, op string, q query.Query, reply any) error {
	return c.rpc.Call(ctx, c.platform.MethodName(op), c.withDefaults(q), reply)
}

func (c *Client) withDefaults(q query.Query) query.Query {
	out := make(query.Query, len(q)+len(c.defaults))
	for k, v := range q {
		out[k] = v
	}
	for k, v := range c.defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Lookup runs op and returns the raw JSON result.
func (c *Client) Lookup(ctx context.Context, op string, q query.Query) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, op, q, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Methods lists the methods the endpoint serves.
func (c *Client) Methods(ctx context.Context) ([]string, error) {
	var names []string
	err := c.rpc.Call(ctx, storerpc.InspectMethod, nil, &names)
	return names, err
}

// Close closes the connection.
func (c *Client) Close() error { return c.rpc.Close() }
