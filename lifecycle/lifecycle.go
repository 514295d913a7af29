// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lifecycle owns the endpoint's socket file: it claims the path on
// startup, serves on it, and removes it on every shutdown path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/storerpc"
)

var (
	// ErrSocketExists is returned by Bind when the socket path is taken.
	ErrSocketExists = errors.New("socket file already exists")
	// ErrSocketInUse is returned by RemoveStale when a server answers.
	ErrSocketInUse = errors.New("socket is in use by a running server")
	ErrNotBound    = errors.New("endpoint not bound")
	ErrBadState    = errors.New("invalid lifecycle state")
)

// State of a Manager. It only moves forward.
type State int32

const (
	Unbound State = iota
	Bound
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "UNBOUND"
	case Bound:
		return "BOUND"
	case Closing:
		return "CLOSING"
	case Terminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Mounter registers methods on a server.
type Mounter interface {
	Mount(s storerpc.Server) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithServerOptions are passed to storerpc.Listen.
func WithServerOptions(opts ...storerpc.ServerOption) Option {
	return func(m *Manager) { m.serverOpts = append(m.serverOpts, opts...) }
}

// ListenFunc opens the endpoint on addr.
type ListenFunc func(addr string, opts ...storerpc.ServerOption) (storerpc.Server, error)

// WithListen replaces storerpc.Listen.
func WithListen(fn ListenFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.listen = fn
		}
	}
}

// Manager binds one endpoint to one socket path.
type Manager struct {
	path       string
	methods    Mounter
	serverOpts []storerpc.ServerOption
	listen     ListenFunc
	log        *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	server storerpc.Server

	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
}

// New returns an unbound Manager for path.
func New(path string, methods Mounter, opts ...Option) *Manager {
	m := &Manager{
		path:    path,
		methods: methods,
		listen:  storerpc.Listen,
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("socket", path))
	return m
}

// Path is the socket file path.
func (m *Manager) Path() string { return m.path }

// State returns the current state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Done is closed once the manager is terminated.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Bind claims the socket path and mounts the methods. An existing file at
// the path fails with ErrSocketExists and leaves it alone.
func (m *Manager) Bind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.State(); s != Unbound {
		return fmt.Errorf("%w: bind in %s", ErrBadState, s)
	}
	if _, err := os.Lstat(m.path); err == nil {
		return fmt.Errorf("%w: %s (kill the running server and/or delete the socket file)", ErrSocketExists, m.path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", m.path, err)
	}

	server, err := m.listen(storerpc.SocketAddr(m.path), m.serverOpts...)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.path, err)
	}
	if err := m.methods.Mount(server); err != nil {
		server.Close()
		os.Remove(m.path)
		return err
	}

	m.server = server
	m.state.Store(int32(Bound))
	m.log.Info("endpoint bound", zap.Strings("methods", server.Methods()))
	return nil
}

// Serve runs the endpoint until it closes or fails, then shuts down. The
// endpoint's error, if any, is returned after cleanup.
func (m *Manager) Serve(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server == nil {
		return ErrNotBound
	}

	err := server.Serve(ctx)
	if err != nil {
		m.log.Error("endpoint error", zap.Error(err))
	} else {
		m.log.Info("endpoint closed")
	}
	if shutdownErr := m.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// Shutdown stops the endpoint and removes the socket file. It runs once;
// later and concurrent calls wait for it and return the same result.
// In-flight calls are abandoned.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		defer close(m.done)
		m.mu.Lock()
		prev := State(m.state.Swap(int32(Closing)))
		server := m.server
		m.mu.Unlock()
		defer m.state.Store(int32(Terminated))

		if prev == Unbound {
			// nothing was acquired; the file, if any, is not ours
			return
		}
		m.log.Info("shutting down")

		var errs []error
		if err := server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint: %w", err))
		}
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove socket: %w", err))
		}
		m.shutdownErr = errors.Join(errs...)
	})
	<-m.done
	return m.shutdownErr
}

// RemoveStale deletes the socket file at path unless a server still
// answers on it. A missing file is not an error.
func RemoveStale(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	if Alive(path) {
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a server accepts connections on path.
func Alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
