// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storerpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes payloads as JSON. HTML characters are left unescaped so
// provider results are relayed as the provider produced them.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("json decode: empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case json.RawMessage:
		return b, nil
	}
	return JSONCodec{}.Encode(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	switch b := v.(type) {
	case *[]byte:
		*b = append((*b)[:0], data...)
		return nil
	case *json.RawMessage:
		*b = append((*b)[:0], data...)
		return nil
	}
	return JSONCodec{}.Decode(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}
