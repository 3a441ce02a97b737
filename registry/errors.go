package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateAgent reports an AddAgent for an id already in the registry.
	ErrDuplicateAgent = errors.New("registry: agent already exists")
	// ErrAgentNotFound reports an UpdateAgent or Agent lookup for an absent id.
	ErrAgentNotFound = errors.New("registry: agent not found")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("registry: config changed concurrently")
	// ErrMalformedConfig reports an agents section that is not shaped like a
	// registry.
	ErrMalformedConfig = errors.New("registry: malformed agents section")
)

// EntryError carries the agent id an entry-level failure refers to.
type EntryError struct {
	Op      string
	AgentID string
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("registry: %s %s: %v", e.Op, e.AgentID, e.Err)
}

// Unwrap exposes the underlying sentinel.
func (e *EntryError) Unwrap() error {
	return e.Err
}

// ConflictError reports that config.patch was rejected because the document
// changed after the snapshot at BaseHash was taken. The mutation can be
// retried from a fresh snapshot.
type ConflictError struct {
	Op       string
	AgentID  string
	BaseHash string
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry: %s %s: config changed since %s: %v", e.Op, e.AgentID, e.BaseHash, e.Err)
	}
	return fmt.Sprintf("registry: %s %s: config changed since %s", e.Op, e.AgentID, e.BaseHash)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Unwrap exposes the remote error.
func (e *ConflictError) Unwrap() error {
	return e.Err
}
