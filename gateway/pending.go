package gateway

import (
	"encoding/json"
	"time"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is the single-assignment result slot of one outstanding call.
type pendingCall struct {
	id      int64
	method  string
	started time.Time
	result  chan callResult
}

func newPendingCall(id int64, method string, started time.Time) *pendingCall {
	return &pendingCall{
		id:      id,
		method:  method,
		started: started,
		result:  make(chan callResult, 1),
	}
}

// resolve delivers the outcome. Callers must have removed the entry from the
// table first, which guarantees resolve runs at most once per call.
func (p *pendingCall) resolve(payload json.RawMessage, err error) {
	p.result <- callResult{payload: payload, err: err}
}

// pendingTable maps correlation ids to outstanding calls. It is not
// synchronized; the transport guards it with its own mutex so registration can
// be checked against the current connection atomically.
type pendingTable map[int64]*pendingCall

// take removes and returns the entry for id.
func (t pendingTable) take(id int64) (*pendingCall, bool) {
	call, ok := t[id]
	if ok {
		delete(t, id)
	}
	return call, ok
}

// drain empties the table and returns everything it held.
func (t pendingTable) drain() []*pendingCall {
	if len(t) == 0 {
		return nil
	}
	out := make([]*pendingCall, 0, len(t))
	for id, call := range t {
		out = append(out, call)
		delete(t, id)
	}
	return out
}
