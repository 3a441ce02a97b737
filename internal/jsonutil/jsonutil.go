// Package jsonutil canonicalises JSON documents for hashing and bounds the
// size of inbound frames.
package jsonutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/jsonc"
	"pkt.systems/jpact"
)

// ErrTooLarge is returned when a payload exceeds the configured limit.
var ErrTooLarge = errors.New("json: payload too large")

// Compact strips insignificant whitespace from data. maxBytes limits the input
// size (<=0 disables the limit).
func Compact(data []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(data), maxBytes)
	}
	if bytes.IndexAny(data, " \t\r\n") < 0 {
		if !json.Valid(data) {
			return nil, fmt.Errorf("json: invalid input")
		}
		return data, nil
	}
	return jpact.CompactToBuffer(bytes.NewReader(data), maxBytes)
}

// Canonical encodes v with sorted object keys and no whitespace, so equal
// documents produce equal bytes.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json: encode: %w", err)
	}
	return Compact(data, 0)
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeJSONC decodes a JSON document that may contain comments and trailing
// commas into an object.
func DecodeJSONC(data []byte) (map[string]any, error) {
	plain, err := Compact(jsonc.ToJSON(data), 0)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("json: decode object: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
