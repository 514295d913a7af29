// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSearchScenario(t *testing.T) {
	q := Query{"term": "maps", "cache": nil}
	got := Normalize(q)

	assert.Equal(t, Query{"term": "maps", "cache": true}, got)
	// same map, mutated in place
	assert.Equal(t, true, q["cache"])
}

func TestNormalizeDoesNotInventFields(t *testing.T) {
	q := Normalize(Query{"appId": "com.example", "num": 50.0})

	assert.Equal(t, Query{"appId": "com.example", "num": 50.0, "cache": true}, q)
	for _, key := range []string{FieldPrice, FieldCountry, FieldLang, FieldTerm} {
		_, ok := q[key]
		assert.False(t, ok, key)
	}
}

func TestNormalizeNil(t *testing.T) {
	assert.Equal(t, Query{"cache": true}, Normalize(nil))
}

func TestNormalizeTextFieldsToASCII(t *testing.T) {
	q := Normalize(Query{
		"term":    "café münchen",
		"country": "it",
		"lang":    "日本",
		"price":   0.99,
		"appId":   json.Number("553834731"),
	})

	assert.Equal(t, "cafe munchen", q["term"])
	assert.Equal(t, "it", q["country"])
	assert.Equal(t, "??", q["lang"])
	assert.Equal(t, "0.99", q["price"])
	assert.Equal(t, "553834731", q["appId"])

	for _, key := range TextFields {
		s, ok := q[key].(string)
		require.True(t, ok, key)
		for i := 0; i < len(s); i++ {
			assert.Less(t, s[i], byte(0x80), key)
		}
	}
}

func TestNormalizeLeavesNullTextFieldsAlone(t *testing.T) {
	q := Normalize(Query{"term": nil})
	v, ok := q["term"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestNormalizeCache(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"false", false, true},
		{"zero", 0.0, true},
		{"empty", "", true},
		{"null", nil, true},
		{"true", true, true},
		{"truthy string", "yes", "yes"},
		{"truthy number", 1.0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Normalize(Query{"cache": tt.in})
			assert.Equal(t, tt.want, q["cache"])
		})
	}
}

func TestNormalizeUnknownFieldsUntouched(t *testing.T) {
	nested := map[string]any{"k": "ü"}
	q := Normalize(Query{"extra": "ü", "nested": nested, "cache": true})
	assert.Equal(t, "ü", q["extra"])
	assert.Equal(t, nested, q["nested"])
}

func TestToASCII(t *testing.T) {
	assert.Equal(t, "plain", ToASCII("plain"))
	assert.Equal(t, "Creme brulee", ToASCII("Crème brûlée"))
	assert.Equal(t, "fi", ToASCII("ﬁ"))
	assert.Equal(t, "a?b", ToASCII("a€b"))
}
