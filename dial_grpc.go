// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// grpcService prefixes every full method name, /storerpc/<method>.
const grpcService = "storerpc"

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// rawCodec moves *[]byte payloads through gRPC untouched; encoding is done
// by the storerpc Codec on either side.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpc raw codec: unexpected %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "storerpc-raw" }

func grpcTarget(network, addr string) string {
	if network == "unix" {
		return "unix://" + addr
	}
	return "passthrough:///" + addr
}

func dialGRPC(ctx context.Context, network, addr string, o *dialOptions) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(grpcTarget(network, addr),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, codec: o.getCodec()}, nil
}

type grpcClient struct {
	conn  *grpc.ClientConn
	codec Codec
}

func (c *grpcClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	resp, err := c.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	return decodeReply(c.codec, resp, reply)
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	if err := c.conn.Invoke(ctx, "/"+grpcService+"/"+method, &payload, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// Notify is a call whose reply is discarded; gRPC has no one-way unary.
func (c *grpcClient) Notify(ctx context.Context, method string, args interface{}) error {
	payload, err := encodeArgs(c.codec, args)
	if err != nil {
		return err
	}
	_, err = c.CallRaw(ctx, method, payload)
	return err
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

func listenGRPC(network, addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	s := &grpcServer{
		listener: listener,
		handlers: newHandlerTable(),
		codec:    o.getCodec(),
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handleStream),
	)
	return s, nil
}

// grpcServer implements Server on a generic gRPC server. Every full method
// name is routed through UnknownServiceHandler to the method table.
type grpcServer struct {
	listener net.Listener
	handlers *handlerTable
	codec    Codec
	server   *grpc.Server

	closeOnce sync.Once
}

func (s *grpcServer) RegisterRaw(method string, handler RawHandler) error {
	return s.handlers.register(method, handler)
}

func (s *grpcServer) Methods() []string {
	return s.handlers.methods()
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *grpcServer) Close() error {
	s.closeOnce.Do(s.server.Stop)
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *grpcServer) handleStream(_ any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	method := strings.TrimPrefix(fullMethod, "/"+grpcService+"/")
	if method == fullMethod {
		return toStatus(MethodNotFound(fullMethod))
	}

	var payload []byte
	if err := stream.RecvMsg(&payload); err != nil {
		return err
	}
	resp, err := s.invoke(stream.Context(), method, payload)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(&resp)
}

func (s *grpcServer) invoke(ctx context.Context, method string, payload []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", method, r)
		}
	}()
	return s.handlers.call(ctx, s.codec, method, payload)
}

func toStatus(err error) error {
	e := asError(err)
	code := codes.Internal
	switch e.Code {
	case CodeMethodNotFound:
		code = codes.Unimplemented
	case CodeInvalidParams:
		code = codes.InvalidArgument
	}
	return status.Error(code, e.Message)
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return &Error{Code: CodeMethodNotFound, Message: st.Message()}
	case codes.InvalidArgument:
		return &Error{Code: CodeInvalidParams, Message: st.Message()}
	case codes.Internal:
		return &Error{Code: CodeInternal, Message: st.Message()}
	}
	return err
}
