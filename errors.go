// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes carried in error frames. They follow JSON-RPC 2.0.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

var (
	// ErrMethodNotFound is matched by any *Error with CodeMethodNotFound.
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: "method not found"}
	// ErrInvalidParams is matched by any *Error with CodeInvalidParams.
	ErrInvalidParams = &Error{Code: CodeInvalidParams, Message: "invalid params"}
)

// Error is an endpoint-level failure reported by the remote side.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// MethodNotFound builds the error returned for unregistered methods.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "unknown method: " + method}
}

// InvalidParams wraps a payload decoding failure.
func InvalidParams(err error) *Error {
	return &Error{Code: CodeInvalidParams, Message: err.Error()}
}

// asError converts a handler error into the wire error type.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

func encodeError(err error) []byte {
	b, mErr := json.Marshal(asError(err))
	if mErr != nil {
		return []byte(err.Error())
	}
	return b
}

// decodeError parses an error frame. Frames that are not JSON are kept as
// internal errors with the raw text.
func decodeError(payload []byte) error {
	var e Error
	if err := json.Unmarshal(payload, &e); err != nil || e.Code == 0 {
		return &Error{Code: CodeInternal, Message: string(payload)}
	}
	return &e
}
