// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatch builds the method table served on the endpoint.
//
// Every provider operation is exposed as "<platform>_<operation>". A call
// decodes its JSON params into a query, normalizes it, logs it and runs the
// operation. Provider failures are logged and counted but answered with an
// empty list, so callers see them as "no results". The hello method is
// always present.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/storerpc"
	"github.com/luxfi/storerpc/metrics"
	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/query"
)

// HelloMethod is the liveness check present on every platform.
const HelloMethod = "hello"

// Empty is the reply sent in place of a provider failure.
var Empty = []any{}

// Handler serves one method. params is the raw JSON payload.
type Handler func(ctx context.Context, params []byte) (any, error)

// Table is the immutable method table for one platform.
type Table struct {
	platform provider.Platform
	names    []string
	handlers map[string]Handler
}

// Option configures Build.
type Option func(*builder)

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *builder) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics records call outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *builder) { b.metrics = m }
}

type builder struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Build wires ops into a Table for platform.
func Build(platform provider.Platform, ops []provider.Operation, opts ...Option) (*Table, error) {
	b := &builder{log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	t := &Table{
		platform: platform,
		handlers: make(map[string]Handler, len(ops)+1),
	}
	t.add(HelloMethod, hello)
	for _, op := range ops {
		if op.Call == nil {
			return nil, fmt.Errorf("operation %q has no implementation", op.Name)
		}
		method := platform.MethodName(op.Name)
		if _, dup := t.handlers[method]; dup {
			return nil, fmt.Errorf("duplicate method %q", method)
		}
		t.add(method, b.operation(method, op))
	}
	return t, nil
}

func (t *Table) add(method string, h Handler) {
	t.names = append(t.names, method)
	t.handlers[method] = h
}

// Platform returns the platform the table serves.
func (t *Table) Platform() provider.Platform { return t.platform }

// Methods returns the method names, hello first, then operations in
// advertised order.
func (t *Table) Methods() []string {
	return append([]string(nil), t.names...)
}

// Lookup returns the handler for method.
func (t *Table) Lookup(method string) (Handler, bool) {
	h, ok := t.handlers[method]
	return h, ok
}

// Call runs method with params. Unknown methods fail with
// storerpc.ErrMethodNotFound.
func (t *Table) Call(ctx context.Context, method string, params []byte) (any, error) {
	h, ok := t.handlers[method]
	if !ok {
		return nil, storerpc.MethodNotFound(method)
	}
	return h(ctx, params)
}

// Mount registers every method on s. Replies are JSON encoded.
func (t *Table) Mount(s storerpc.Server) error {
	codec := storerpc.JSONCodec{}
	for _, method := range t.names {
		h := t.handlers[method]
		err := s.RegisterRaw(method, func(ctx context.Context, payload []byte) ([]byte, error) {
			res, err := h(ctx, payload)
			if err != nil {
				return nil, err
			}
			return codec.Encode(res)
		})
		if err != nil {
			return fmt.Errorf("mount %s: %w", method, err)
		}
	}
	return nil
}

func hello(_ context.Context, params []byte) (any, error) {
	return "Hello, " + helloName(params), nil
}

func helloName(params []byte) string {
	params = bytes.TrimSpace(params)
	if len(params) == 0 {
		return ""
	}
	var name string
	if err := json.Unmarshal(params, &name); err == nil {
		return name
	}
	return string(params)
}

func (b *builder) operation(method string, op provider.Operation) Handler {
	return func(ctx context.Context, params []byte) (any, error) {
		q, err := decodeQuery(params)
		if err != nil {
			return nil, storerpc.InvalidParams(err)
		}
		q = query.Normalize(q)

		log := b.log.With(zap.String("method", method), zap.String("call", uuid.NewString()))
		log.Info("dispatch", zap.Any("query", q))

		end := b.metrics.Begin(method)
		res, err := invoke(ctx, op.Call, q)
		if err != nil {
			end(true)
			log.Warn("provider failed, replying empty", zap.Error(err))
			return Empty, nil
		}
		end(false)
		return res, nil
	}
}

// invoke runs fn, reporting a panic as an error.
func invoke(ctx context.Context, fn provider.Func, q query.Query) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return fn(ctx, q)
}

// decodeQuery accepts a JSON object, null or an empty payload. Numbers are
// kept as json.Number so they reach the provider unchanged.
func decodeQuery(params []byte) (query.Query, error) {
	params = bytes.TrimSpace(params)
	if len(params) == 0 {
		return query.Query{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var q query.Query
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("query must be a JSON object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("query: trailing content")
	}
	if q == nil {
		q = query.Query{}
	}
	return q, nil
}
