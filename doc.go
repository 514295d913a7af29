// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storerpc provides the local RPC endpoint that exposes app store
// lookups to other processes on the same host.
//
// # Transport Selection
//
// ZAP is the default transport: length-prefixed binary frames over a unix
// socket. A gRPC transport is registered as well and serves the same method
// table on the same kind of socket:
//
//	storerpc.Listen(addr)                                            // ZAP
//	storerpc.Listen(addr, storerpc.WithServerTransport(storerpc.TransportGRPC))
//
// Addresses are unix:///path (or ipc:///path) for unix sockets and
// host:port for tcp.
//
// # Usage
//
// Server usage:
//
//	server, err := storerpc.Listen(storerpc.SocketAddr("/tmp/ipv-spyware_ios.sock"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.RegisterRaw("hello", func(ctx context.Context, payload []byte) ([]byte, error) {
//	    return payload, nil
//	})
//	server.Serve(ctx)
//
// Client usage:
//
//	client, err := storerpc.Dial(ctx, storerpc.SocketAddr("/tmp/ipv-spyware_ios.sock"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var apps []map[string]any
//	err = client.Call(ctx, "ios_search", map[string]any{"term": "maps"}, &apps)
//
// # Errors
//
// Handlers never see transport problems and the transport never sees
// provider problems. The only errors a caller gets from the endpoint are
// *Error values: ErrMethodNotFound for names missing from the method table,
// ErrInvalidParams for payloads the handler could not decode, and internal
// errors. Match them with errors.Is.
//
// # Architecture
//
//   - client.go: Client and Server interfaces, options
//   - codec.go: JSON and binary codecs
//   - errors.go: wire error type and codes
//   - transport.go: transport registry
//   - dial.go: Dial and Listen factories, shared method table
//   - zap.go: ZAP framing (default)
//   - dial_grpc.go: gRPC transport
package storerpc
