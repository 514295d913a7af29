// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/storerpc/provider"
	"github.com/luxfi/storerpc/query"
)

// fakeStore is a provider service as seen over JSON-RPC.
type fakeStore struct {
	mu   sync.Mutex
	seen []map[string]any
}

func (s *fakeStore) record(args *map[string]any) {
	s.mu.Lock()
	s.seen = append(s.seen, *args)
	s.mu.Unlock()
}

func (s *fakeStore) Search(r *http.Request, args *map[string]any, reply *[]map[string]any) error {
	s.record(args)
	*reply = []map[string]any{{"appId": "com.example.maps", "title": "Maps & More"}}
	return nil
}

func (s *fakeStore) App(r *http.Request, args *map[string]any, reply *map[string]any) error {
	s.record(args)
	return errors.New("app not found")
}

func newFakeService(t *testing.T) (*fakeStore, *httptest.Server) {
	t.Helper()
	store := &fakeStore{}
	s := gorpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	require.NoError(t, s.RegisterService(store, DefaultService))
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return store, ts
}

func TestMethodName(t *testing.T) {
	c, err := New("http://localhost:1")
	require.NoError(t, err)
	assert.Equal(t, "Store.Search", c.Method("search"))
	assert.Equal(t, "Store.Permissions", c.Method("permissions"))

	c, err = New("http://localhost:1", WithService("Gplay"))
	require.NoError(t, err)
	assert.Equal(t, "Gplay.App", c.Method("app"))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("unix:///tmp/x.sock")
	assert.Error(t, err)
	_, err = New("://")
	assert.Error(t, err)
}

func TestDoRelaysResultVerbatim(t *testing.T) {
	store, ts := newFakeService(t)
	c, err := New(ts.URL, WithHeader("X-Caller", "test"))
	require.NoError(t, err)

	q := query.Normalize(query.Query{"term": "maps"})
	res, err := c.Do(context.Background(), provider.OpSearch, q)
	require.NoError(t, err)

	raw, ok := res.(json.RawMessage)
	require.True(t, ok)
	var apps []map[string]any
	require.NoError(t, json.Unmarshal(raw, &apps))
	assert.Equal(t, "Maps & More", apps[0]["title"])

	require.Len(t, store.seen, 1)
	assert.Equal(t, map[string]any{"term": "maps", "cache": true}, store.seen[0])
}

func TestDoReturnsRemoteError(t *testing.T) {
	_, ts := newFakeService(t)
	c, err := New(ts.URL)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), provider.OpApp, query.Query{"appId": "nope"})
	require.Error(t, err)
	var rpcErr *json2.Error
	assert.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, err.Error(), "app not found")
}

func TestDoNonSuccessStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), provider.OpSearch, query.Query{})
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(1), calls.Load(), "status errors are not retried")
}

func TestDoRetriesDroppedConnection(t *testing.T) {
	store, svc := newFakeService(t)
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		svc.Config.Handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	require.NoError(t, err)
	_, err = c.Do(context.Background(), provider.OpSearch, query.Query{"term": "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, store.seen, 1)
}

func TestDoStopsRetryingOnCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
	}))
	defer ts.Close()

	c, err := New(ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, provider.OpSearch, query.Query{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errors.New("read tcp: connection reset by peer")))
	assert.True(t, isRetryableError(errors.New("unexpected EOF")))
	assert.False(t, isRetryableError(errors.New("no such host")))
}
