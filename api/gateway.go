package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Gateway RPC methods consumed by tenantd.
const (
	MethodConfigGet    = "config.get"
	MethodConfigPatch  = "config.patch"
	MethodChatSend     = "chat.send"
	MethodChatHistory  = "chat.history"
	MethodSessionsList = "sessions.list"
)

// Request is the outbound RPC frame. The id is chosen by the caller and must
// round-trip unchanged in the matching Response.
type Request struct {
	// ID correlates the request with its response on a shared connection.
	ID int64 `json:"id"`
	// Method names the remote operation (for example "config.get").
	Method string `json:"method"`
	// Params carries the method arguments; nil encodes as an empty object.
	Params any `json:"params"`
}

// MarshalJSON encodes the request, substituting an empty object for nil params.
func (r Request) MarshalJSON() ([]byte, error) {
	type wire Request
	w := wire(r)
	if w.Params == nil {
		w.Params = struct{}{}
	}
	return json.Marshal(w)
}

// Response is the inbound RPC frame. Fields are kept raw so the transport can
// validate the id before interpreting the payload.
type Response struct {
	// ID must be a JSON integer matching an outstanding Request.
	ID json.RawMessage `json:"id"`
	// Result carries the success payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries an ErrorObject when the call failed remotely.
	Error json.RawMessage `json:"error,omitempty"`
}

// CallID parses the response id. It reports false when the id is absent or is
// not a well-formed integer.
func (r Response) CallID() (int64, bool) {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Failed reports whether the frame carries an error object.
func (r Response) Failed() bool {
	raw := bytes.TrimSpace(r.Error)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// ErrorCode is a remote error identifier. Gateways emit either numeric
// JSON-RPC style codes or symbolic strings; both decode into ErrorCode.
type ErrorCode string

// Well-known error codes.
const (
	// CodeConflict reports that config.patch was submitted against a stale baseHash.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeInvalidParams reports malformed method parameters.
	CodeInvalidParams ErrorCode = "INVALID_PARAMS"
	// CodeMethodNotFound reports an unknown method.
	CodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	// CodeUnauthorized reports a rejected gateway token.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// CodeInternal reports an unexpected gateway failure.
	CodeInternal ErrorCode = "INTERNAL"
)

// UnmarshalJSON accepts both numbers and strings.
func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	*c = ErrorCode(n.String())
	return nil
}

// ErrorObject is the payload of a failed Response.
type ErrorObject struct {
	// Code identifies the failure class.
	Code ErrorCode `json:"code"`
	// Message is the human-readable failure description.
	Message string `json:"message,omitempty"`
	// Data carries optional structured diagnostics.
	Data json.RawMessage `json:"data,omitempty"`
}

// ConfigSnapshot is the result of config.get: the gateway configuration
// document and the hash identifying its version.
type ConfigSnapshot struct {
	// Config is the full configuration document.
	Config map[string]any `json:"config"`
	// Hash is the opaque version token to pass as baseHash when patching.
	Hash string `json:"hash"`
}

// ConfigPatchParams are the parameters for config.patch. The gateway applies
// Patch as a JSON merge patch only when BaseHash matches its current hash.
type ConfigPatchParams struct {
	// Patch is the merge patch document.
	Patch map[string]any `json:"patch"`
	// BaseHash is the hash of the snapshot the patch was computed from.
	BaseHash string `json:"baseHash"`
}

// ConfigPatchResult is returned by gateways that report the new hash.
type ConfigPatchResult struct {
	// Hash is the document hash after the patch was applied, when reported.
	Hash string `json:"hash,omitempty"`
}
