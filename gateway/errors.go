package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/tenantd/api"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("gateway: request timeout")
	// ErrConnectionClosed is returned to calls that were outstanding when the
	// connection was lost or disconnected.
	ErrConnectionClosed = errors.New("gateway: connection closed")
	// ErrClosed is returned once the transport has been closed for good.
	ErrClosed = errors.New("gateway: transport closed")
	// ErrNoDialer is returned by NewTransport when Options.Dialer is nil.
	ErrNoDialer = errors.New("gateway: dialer required")

	// errStaleConnection means the connection a call was about to use has
	// been replaced; nothing was sent on it.
	errStaleConnection = errors.New("gateway: connection replaced")
)

// TimeoutError reports a call that did not receive a response within the
// request timeout.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway: request timeout: %s (%s)", e.Method, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError is the failure carried by a response frame's error object.
type RemoteError struct {
	Method  string
	Code    api.ErrorCode
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("RPC error %s", e.Code)
}

// IsRemoteCode reports whether err is (or wraps) a *RemoteError with code.
func IsRemoteCode(err error, code api.ErrorCode) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return remote.Code == code
}

func decodeRemoteError(method string, raw json.RawMessage) *RemoteError {
	var obj api.ErrorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &RemoteError{Method: method, Message: string(raw)}
	}
	return &RemoteError{
		Method:  method,
		Code:    obj.Code,
		Message: obj.Message,
		Data:    obj.Data,
	}
}

func connectionClosed(cause error) error {
	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
}
