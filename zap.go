// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrZAPClosed      = errors.New("zap: connection closed")
	ErrZAPInvalidResp = errors.New("zap: invalid response")
	ErrZAPMethodLen   = errors.New("zap: method name too long")
)

// maxFrameSize bounds a single frame.
const maxFrameSize = 64 * 1024 * 1024

// maxMethodLen is what the 2 byte length field can carry.
const maxMethodLen = math.MaxUint16

func checkMethod(method string) error {
	if len(method) > maxMethodLen {
		return fmt.Errorf("%w: %d bytes", ErrZAPMethodLen, len(method))
	}
	return nil
}

// MessageType identifies ZAP message types
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
)

// ZAPConn represents a ZAP connection for RPC
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	pending  sync.Map // requestID -> chan *ZAPResponse
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

// ZAPResponse holds a response from a ZAP call
type ZAPResponse struct {
	Data []byte
	Err  error
}

// ZAPDial connects to a ZAP server
func ZAPDial(ctx context.Context, network, addr string) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader, header []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > maxFrameSize {
		return nil, fmt.Errorf("zap: bad frame length %d", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Call makes a ZAP RPC call
func (z *ZAPConn) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}
	if err := checkMethod(method); err != nil {
		return nil, err
	}

	requestID := z.nextID.Add(1)
	respCh := make(chan *ZAPResponse, 1)
	z.pending.Store(requestID, respCh)
	defer z.pending.Delete(requestID)

	// Encode: [4 len][1 type][4 reqID][2 methodLen][method][payload]
	methodBytes := []byte(method)
	msgLen := 1 + 4 + 2 + len(methodBytes) + len(payload)

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgRequest)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(methodBytes)))
	copy(buf[11:], methodBytes)
	copy(buf[11+len(methodBytes):], payload)

	if err := z.write(buf); err != nil {
		return nil, fmt.Errorf("zap write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Data, nil
	case <-z.readDone:
		return nil, ErrZAPClosed
	}
}

// Notify sends a one-way notification (no response expected)
func (z *ZAPConn) Notify(ctx context.Context, method string, payload []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkMethod(method); err != nil {
		return err
	}

	methodBytes := []byte(method)
	msgLen := 1 + 2 + len(methodBytes) + len(payload)

	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(MsgNotify)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(methodBytes)))
	copy(buf[7:], methodBytes)
	copy(buf[7+len(methodBytes):], payload)

	return z.write(buf)
}

func (z *ZAPConn) write(buf []byte) error {
	z.writeMu.Lock()
	defer z.writeMu.Unlock()
	_, err := z.conn.Write(buf)
	return err
}

func (z *ZAPConn) readLoop() {
	defer close(z.readDone)

	header := make([]byte, 4)
	for {
		msg, err := readFrame(z.conn, header)
		if err != nil {
			return
		}
		if len(msg) < 5 {
			continue
		}

		msgType := MessageType(msg[0])
		requestID := binary.BigEndian.Uint32(msg[1:5])
		payload := msg[5:]

		ch, ok := z.pending.Load(requestID)
		if !ok {
			continue
		}
		respCh := ch.(chan *ZAPResponse)
		switch msgType {
		case MsgResponse:
			respCh <- &ZAPResponse{Data: payload}
		case MsgError:
			respCh <- &ZAPResponse{Err: decodeError(payload)}
		default:
			respCh <- &ZAPResponse{Err: ErrZAPInvalidResp}
		}
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// ZAPServer handles incoming ZAP RPC requests
type ZAPServer struct {
	listener net.Listener
	handler  ZAPHandler
	conns    sync.Map // net.Conn -> *sync.Mutex (write lock)
	closed   atomic.Bool
}

// ZAPHandler handles ZAP requests
type ZAPHandler interface {
	HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// ZAPHandlerFunc is a function adapter for ZAPHandler
type ZAPHandlerFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

func (f ZAPHandlerFunc) HandleZAP(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// NewZAPServer creates a new ZAP server
func NewZAPServer(listener net.Listener, handler ZAPHandler) *ZAPServer {
	return &ZAPServer{
		listener: listener,
		handler:  handler,
	}
}

// Serve accepts connections until the server is closed (nil), ctx is
// cancelled (nil) or the listener fails (the accept error).
func (s *ZAPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("zap accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	s.conns.Store(conn, writeMu)
	defer s.conns.Delete(conn)
	if s.closed.Load() {
		// Close may have ranged over conns before the Store
		return
	}

	header := make([]byte, 4)
	for {
		msg, err := readFrame(conn, header)
		if err != nil {
			return
		}
		if len(msg) < 1 {
			continue
		}

		switch MessageType(msg[0]) {
		case MsgRequest:
			if len(msg) < 7 {
				continue
			}
			requestID := binary.BigEndian.Uint32(msg[1:5])
			methodLen := binary.BigEndian.Uint16(msg[5:7])
			if len(msg) < 7+int(methodLen) {
				continue
			}
			method := string(msg[7 : 7+methodLen])
			payload := msg[7+methodLen:]

			go func() {
				respData, err := s.invoke(ctx, method, payload)
				s.sendResponse(conn, writeMu, requestID, respData, err)
			}()

		case MsgNotify:
			if len(msg) < 3 {
				continue
			}
			methodLen := binary.BigEndian.Uint16(msg[1:3])
			if len(msg) < 3+int(methodLen) {
				continue
			}
			method := string(msg[3 : 3+methodLen])
			payload := msg[3+methodLen:]
			go s.invoke(ctx, method, payload)
		}
	}
}

// invoke runs the handler, turning a panic into an internal error.
func (s *ZAPServer) invoke(ctx context.Context, method string, payload []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", method, r)
		}
	}()
	return s.handler.HandleZAP(ctx, method, payload)
}

func (s *ZAPServer) sendResponse(conn net.Conn, writeMu *sync.Mutex, requestID uint32, data []byte, err error) {
	var msgType MessageType
	var payload []byte
	if err != nil {
		msgType = MsgError
		payload = encodeError(err)
	} else {
		msgType = MsgResponse
		payload = data
	}

	msgLen := 1 + 4 + len(payload)
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(msgType)
	binary.BigEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	conn.Write(buf)
}

// Close closes the listener and every open connection. Calls in flight are
// abandoned.
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() net.Addr {
	return s.listener.Addr()
}
