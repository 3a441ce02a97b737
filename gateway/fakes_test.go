package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// pipeConn is an in-memory Conn. The test plays the gateway: it reads what
// the transport wrote from out and injects frames through in.
type pipeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *pipeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *pipeConn) nextRequest(t *testing.T) wireRequest {
	t.Helper()
	select {
	case frame := <-c.out:
		var req wireRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			t.Fatalf("decode request %q: %v", frame, err)
		}
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for request")
		return wireRequest{}
	}
}

func (c *pipeConn) send(frame string) {
	c.in <- []byte(frame)
}

func (c *pipeConn) reply(id int64, result string) {
	c.send(fmt.Sprintf(`{"id":%d,"result":%s}`, id, result))
}

type pipeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	gate  chan struct{}
	conns chan *pipeConn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan *pipeConn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	conn := newPipeConn()
	d.conns <- conn
	return conn, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) nextConn(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return nil
	}
}

type callOutcomeResult struct {
	payload json.RawMessage
	err     error
}

func goCall(ctx context.Context, tr *Transport, method string, params any) <-chan callOutcomeResult {
	ch := make(chan callOutcomeResult, 1)
	go func() {
		payload, err := tr.Call(ctx, method, params)
		ch <- callOutcomeResult{payload: payload, err: err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan callOutcomeResult) callOutcomeResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for call result")
		return callOutcomeResult{}
	}
}

func waitPending(t *testing.T, tr *Transport, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tr.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d, want %d", tr.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}
