// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package provider defines the store lookup operations offered per platform.
//
// The lookups themselves are done by a Backend, usually an upstream
// provider service. This package only fixes which operation names exist
// for each platform and in which order they are advertised.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/storerpc/query"
)

// Platform selects the store whose operations are served.
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
)

// Platforms lists the supported platforms.
var Platforms = []Platform{Android, IOS}

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNoUpstream      = errors.New("no upstream provider configured")
)

// Operation names.
const (
	OpApp         = "app"
	OpList        = "list"
	OpSearch      = "search"
	OpSuggest     = "suggest"
	OpSimilar     = "similar"
	OpReviews     = "reviews"
	OpPermissions = "permissions"
	OpDeveloper   = "developer"
)

// operation tables, in advertised order. The app store has no permissions
// or developer lookups.
var tables = map[Platform][]string{
	Android: {OpApp, OpList, OpSuggest, OpSimilar, OpSearch, OpReviews, OpPermissions, OpDeveloper},
	IOS:     {OpApp, OpList, OpSearch, OpSuggest, OpSimilar, OpReviews},
}

// ParsePlatform validates a platform selector. Only the exact names are
// accepted.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if _, ok := tables[p]; !ok {
		return "", fmt.Errorf("%w: %q (want one of android, ios)", ErrUnknownPlatform, s)
	}
	return p, nil
}

func (p Platform) String() string { return string(p) }

// OperationNames returns the operation names of p, in advertised order.
func (p Platform) OperationNames() []string {
	return append([]string(nil), tables[p]...)
}

// Supports reports whether p offers op.
func (p Platform) Supports(op string) bool {
	for _, name := range tables[p] {
		if name == op {
			return true
		}
	}
	return false
}

// MethodName is the endpoint method for op on p, e.g. "ios_search".
func (p Platform) MethodName(op string) string {
	return string(p) + "_" + op
}

// Func performs one lookup. The result is relayed to the caller as is.
type Func func(ctx context.Context, q query.Query) (any, error)

// Operation pairs a canonical name with its lookup.
type Operation struct {
	Name string
	Call Func
}

// Backend performs lookups for one platform.
type Backend interface {
	Do(ctx context.Context, op string, q query.Query) (any, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, op string, q query.Query) (any, error)

func (f BackendFunc) Do(ctx context.Context, op string, q query.Query) (any, error) {
	return f(ctx, op, q)
}

// Unavailable fails every lookup with ErrNoUpstream.
var Unavailable Backend = BackendFunc(func(context.Context, string, query.Query) (any, error) {
	return nil, ErrNoUpstream
})

// NewSet returns the operations of p, each bound to backend.
func NewSet(p Platform, backend Backend) ([]Operation, error) {
	names, ok := tables[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, string(p))
	}
	if backend == nil {
		backend = Unavailable
	}
	ops := make([]Operation, 0, len(names))
	for _, name := range names {
		op := name
		ops = append(ops, Operation{
			Name: op,
			Call: func(ctx context.Context, q query.Query) (any, error) {
				return backend.Do(ctx, op, q)
			},
		})
	}
	return ops, nil
}
