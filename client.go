// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import "context"

// InspectMethod is answered by every server with the sorted list of
// registered method names. It is never dispatched to a handler.
const InspectMethod = "_inspect"

// Client is the protocol-agnostic RPC client interface.
type Client interface {
	// Call makes a synchronous RPC call
	Call(ctx context.Context, method string, args, reply interface{}) error

	// CallRaw makes a call with raw bytes
	CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error)

	// Notify sends a one-way message (no response expected)
	Notify(ctx context.Context, method string, args interface{}) error

	// Close closes the connection
	Close() error
}

// Server is the protocol-agnostic RPC server interface.
type Server interface {
	// RegisterRaw registers a raw byte handler. Registration must happen
	// before Serve.
	RegisterRaw(method string, handler RawHandler) error

	// Methods returns the registered method names, sorted.
	Methods() []string

	// Serve accepts connections until the server is closed, the listener
	// fails or ctx is cancelled. A nil error means the server was closed.
	Serve(ctx context.Context) error

	// Close stops the server and drops open connections.
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// RawHandler handles raw byte RPC calls
type RawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Codec encodes/decodes RPC messages
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	codec     Codec
	transport string // "zap", "grpc"
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	codec     Codec
	transport string
}

// WithServerCodec sets a custom codec for the server
func WithServerCodec(c Codec) ServerOption {
	return func(o *serverOptions) { o.codec = c }
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

func (o *dialOptions) getCodec() Codec {
	if o.codec != nil {
		return o.codec
	}
	return defaultCodec
}

func (o *serverOptions) getCodec() Codec {
	if o.codec != nil {
		return o.codec
	}
	return defaultCodec
}
