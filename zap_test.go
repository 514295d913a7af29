// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSocket returns a socket path short enough for sun_path limits.
func shortSocket(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "srpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startServer(t testing.TB, addr string, opts ...ServerOption) Server {
	t.Helper()
	server, err := Listen(addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server
}

func TestZAPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("hello world")
	resp, err := client.CallRaw(ctx, "echo", payload)
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(resp))
}

func TestZAPCallOverUnixSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := shortSocket(t)
	server := startServer(t, SocketAddr(path))
	require.NoError(t, server.RegisterRaw("add", func(ctx context.Context, payload []byte) ([]byte, error) {
		var req struct{ A, B int }
		if err := defaultCodec.Decode(payload, &req); err != nil {
			return nil, InvalidParams(err)
		}
		return defaultCodec.Encode(struct{ Sum int }{Sum: req.A + req.B})
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, "ipc://"+path)
	require.NoError(t, err)
	defer client.Close()

	var resp struct{ Sum int }
	require.NoError(t, client.Call(ctx, "add", struct{ A, B int }{A: 2, B: 3}, &resp))
	assert.Equal(t, 5, resp.Sum)

	err = client.Call(ctx, "add", nil, &resp)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestZAPUnknownMethod(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, SocketAddr(shortSocket(t)))
	go server.Serve(ctx)

	client, err := Dial(ctx, SocketAddr(server.Addr()))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CallRaw(ctx, "ios_permissions", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMethodNotFound)
	assert.NotErrorIs(t, err, ErrInvalidParams)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Message, "ios_permissions")
}

func TestZAPInspect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, ":0")
	noop := func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil }
	require.NoError(t, server.RegisterRaw("zeta", noop))
	require.NoError(t, server.RegisterRaw("alpha", noop))
	require.Error(t, server.RegisterRaw("alpha", noop))
	require.Error(t, server.RegisterRaw(InspectMethod, noop))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	var names []string
	require.NoError(t, client.Call(ctx, InspectMethod, nil, &names))
	assert.Equal(t, []string{"alpha", "zeta"}, names)
	assert.Equal(t, names, server.Methods())
}

func TestZAPRepliesOutOfOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return []byte(`"slow"`), nil
	}))
	require.NoError(t, server.RegisterRaw("fast", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`"fast"`), nil
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	slowDone := make(chan string, 1)
	go func() {
		var s string
		client.Call(ctx, "slow", nil, &s)
		slowDone <- s
	}()

	var fast string
	require.NoError(t, client.Call(ctx, "fast", nil, &fast))
	assert.Equal(t, "fast", fast)

	close(release)
	assert.Equal(t, "slow", <-slowDone)
}

func TestZAPConcurrentCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if assert.NoError(t, client.Call(ctx, "echo", i, &got)) {
				assert.Equal(t, i, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestZAPServeReturnsOnClose(t *testing.T) {
	path := shortSocket(t)
	server := startServer(t, SocketAddr(path))

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "listener close should unlink the socket")
}

func TestZAPServeReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := startServer(t, ":0")

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNotifyRunsHandlerWithoutReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("ping", func(ctx context.Context, payload []byte) ([]byte, error) {
		got <- string(payload)
		return []byte(`"ignored"`), nil
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Notify(ctx, "ping", "x"))
	select {
	case payload := <-got:
		assert.Equal(t, `"x"`, payload)
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}
}

func TestOverlongMethodNameRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	long := strings.Repeat("m", maxMethodLen+1)
	_, err = client.CallRaw(ctx, long, nil)
	assert.ErrorIs(t, err, ErrZAPMethodLen)
	assert.ErrorIs(t, client.Notify(ctx, long, nil), ErrZAPMethodLen)

	// the connection is still framed correctly
	resp, err := client.CallRaw(ctx, "echo", []byte(`"ok"`))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(resp))
}

func TestConnAcceptedDuringCloseIsDropped(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewZAPServer(l, ZAPHandlerFunc(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return nil, nil
	}))
	require.NoError(t, s.Close())

	local, remote := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), local)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection kept serving after Close")
	}
	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	remaining := 0
	s.conns.Range(func(_, _ interface{}) bool { remaining++; return true })
	assert.Zero(t, remaining)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := startServer(t, ":0")
	require.NoError(t, server.RegisterRaw("boom", func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	}))
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CallRaw(ctx, "boom", nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeInternal, e.Code)
}

func TestUnknownTransport(t *testing.T) {
	_, err := Listen(":0", WithServerTransport("carrier-pigeon"))
	assert.Error(t, err)
	_, err = Dial(context.Background(), ":0", WithTransport("carrier-pigeon"))
	assert.Error(t, err)
	assert.Equal(t, []string{TransportGRPC, TransportZAP}, AvailableTransports())
	assert.True(t, HasTransport(TransportGRPC))
}

func BenchmarkZAPRoundTrip(b *testing.B) {
	ctx := context.Background()

	server := startServer(b, ":0")
	server.RegisterRaw("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	go server.Serve(ctx)

	client, err := Dial(ctx, server.Addr())
	if err != nil {
		b.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	payload := make([]byte, 1024)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := client.CallRaw(ctx, "echo", payload); err != nil {
			b.Fatal(err)
		}
	}
}
