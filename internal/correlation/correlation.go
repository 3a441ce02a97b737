// Package correlation carries an operation id through a context so the log
// lines and spans of one control plane operation can be joined.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/tenantd/internal/uuidv7"
)

// MaxIDLength is the longest accepted correlation id.
const MaxIDLength = 128

// LogKey is the log field correlation ids are written under.
const LogKey = "cid"

type contextKey struct{}

// With returns a context carrying id. An id that fails Normalize is replaced
// by a generated one.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		normalized = Generate()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx and its correlation id, attaching a generated id when
// ctx has none.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// ID returns the correlation id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and accepts it when it is non-empty, at most
// MaxIDLength long and printable ASCII.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered correlation id.
func Generate() string {
	return uuidv7.NewString()
}
