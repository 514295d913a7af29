// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
)

// SocketAddr returns the address form of a unix socket path.
func SocketAddr(path string) string {
	return "unix://" + path
}

// splitAddr maps an address to a network and a network-specific address.
// unix:///path and ipc:///path select unix sockets; anything else is tcp.
func splitAddr(addr string) (network, address string) {
	for _, prefix := range []string{"unix://", "ipc://"} {
		if strings.HasPrefix(addr, prefix) {
			return "unix", strings.TrimPrefix(addr, prefix)
		}
	}
	return "tcp", addr
}

// Dial connects to an RPC server using the default transport (ZAP).
func Dial(ctx context.Context, addr string, opts ...DialOption) (Client, error) {
	o := &dialOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	network, address := splitAddr(addr)
	return t.dial(ctx, network, address, o)
}

// Listen creates an RPC server listener using the default transport (ZAP).
func Listen(addr string, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		transport: DefaultTransport,
	}
	for _, opt := range opts {
		opt(o)
	}

	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}
	network, address := splitAddr(addr)
	return t.listen(network, address, o)
}

// dialZAP creates a ZAP client
func dialZAP(ctx context.Context, network, addr string, o *dialOptions) (Client, error) {
	conn, err := ZAPDial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &zapClient{
		conn:  conn,
		codec: o.getCodec(),
	}, nil
}

// listenZAP creates a ZAP server
func listenZAP(network, addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &zapServer{
		listener: listener,
		handlers: newHandlerTable(),
		codec:    o.getCodec(),
	}, nil
}

// zapClient implements Client using ZAP transport
type zapClient struct {
	conn  *ZAPConn
	codec Codec
}

func (c *zapClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}

	resp, err := c.conn.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	return decodeReply(c.codec, resp, reply)
}

func (c *zapClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return c.conn.Call(ctx, method, payload)
}

func (c *zapClient) Notify(ctx context.Context, method string, args interface{}) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	return c.conn.Notify(ctx, method, payload)
}

func (c *zapClient) Close() error {
	return c.conn.Close()
}

func encodeArgs(codec Codec, args interface{}) ([]byte, error) {
	if args == nil {
		return nil, nil
	}
	payload, err := codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return payload, nil
}

func decodeReply(codec Codec, resp []byte, reply interface{}) error {
	if reply == nil || len(resp) == 0 {
		return nil
	}
	if err := codec.Decode(resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// handlerTable is the method table shared by the server transports.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]RawHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{handlers: make(map[string]RawHandler)}
}

func (t *handlerTable) register(method string, handler RawHandler) error {
	if method == "" || method == InspectMethod {
		return fmt.Errorf("invalid method name %q", method)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %q", method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.handlers[method]; dup {
		return fmt.Errorf("method %q already registered", method)
	}
	t.handlers[method] = handler
	return nil
}

func (t *handlerTable) methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// call runs the handler registered for method. Unknown methods yield
// MethodNotFound and the introspection method lists the table.
func (t *handlerTable) call(ctx context.Context, codec Codec, method string, payload []byte) ([]byte, error) {
	if method == InspectMethod {
		return codec.Encode(t.methods())
	}
	t.mu.RLock()
	handler, ok := t.handlers[method]
	t.mu.RUnlock()
	if !ok {
		return nil, MethodNotFound(method)
	}
	return handler(ctx, payload)
}

// zapServer implements Server using ZAP transport
type zapServer struct {
	listener net.Listener
	handlers *handlerTable
	codec    Codec

	mu     sync.Mutex
	server *ZAPServer
	closed bool
}

func (s *zapServer) RegisterRaw(method string, handler RawHandler) error {
	return s.handlers.register(method, handler)
}

func (s *zapServer) Methods() []string {
	return s.handlers.methods()
}

func (s *zapServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = NewZAPServer(s.listener, ZAPHandlerFunc(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return s.handlers.call(ctx, s.codec, method, payload)
	}))
	server := s.server
	s.mu.Unlock()
	return server.Serve(ctx)
}

func (s *zapServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.server != nil {
		return s.server.Close()
	}
	return s.listener.Close()
}

func (s *zapServer) Addr() string {
	return s.listener.Addr().String()
}
