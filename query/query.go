// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package query holds the per-call lookup query and its normalization.
package query

import (
	"encoding/json"
	"strconv"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field names the normalizer knows about.
const (
	FieldPrice   = "price"
	FieldAppID   = "appId"
	FieldCountry = "country"
	FieldLang    = "lang"
	FieldTerm    = "term"
	FieldCache   = "cache"
)

// TextFields are coerced to ASCII text before a query reaches a provider.
var TextFields = []string{FieldPrice, FieldAppID, FieldCountry, FieldLang, FieldTerm}

// Replacement stands in for characters with no ASCII equivalent.
const Replacement = '?'

// Query is the decoded request object. Keys other than the known fields
// are forwarded to the provider untouched.
type Query map[string]any

// String returns the value of a text field, or "" when absent.
func (q Query) String(key string) string {
	s, _ := q[key].(string)
	return s
}

// Normalize coerces the text fields to ASCII and defaults cache to true.
// q is modified in place and returned; a nil q yields a new Query.
func Normalize(q Query) Query {
	if q == nil {
		q = Query{}
	}
	for _, key := range TextFields {
		v, ok := q[key]
		if !ok || v == nil {
			continue
		}
		q[key] = ToASCII(textOf(v))
	}
	if !truthy(q[FieldCache]) {
		q[FieldCache] = true
	}
	return q
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// truthy mirrors the loose truthiness callers rely on for cache: absent,
// null, false, zero and the empty string all count as unset.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	}
	return true
}

func asciiOnly(r rune) rune {
	if r > unicode.MaxASCII {
		return Replacement
	}
	return r
}

// ToASCII folds s to ASCII. Accents are stripped after compatibility
// decomposition; anything still outside ASCII becomes Replacement.
func ToASCII(s string) string {
	if isASCII(s) {
		return s
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Map(asciiOnly))
	out, _, err := transform.String(t, s)
	if err != nil {
		out, _, _ = transform.String(runes.Map(asciiOnly), s)
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
