package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/svcfields"
)

const (
	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds the wait for a call's response.
	DefaultRequestTimeout = 30 * time.Second
)

// State is the connection state of a Transport.
type State int32

const (
	// StateDisconnected means no connection is open; the next Call dials.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means a connection is open and its reader is running.
	StateConnected
	// StateClosed is terminal; every Call fails with ErrClosed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Transport.
type Options struct {
	// Dialer opens the underlying connection. Required.
	Dialer Dialer
	// ConnectTimeout bounds each dial. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each call. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Logger receives transport diagnostics. Defaults to a no-op logger.
	Logger pslog.Logger
	// Clock drives request deadlines. Defaults to the wall clock.
	Clock clock.Clock
}

// Transport multiplexes correlated request/response calls over one
// connection. It is safe for concurrent use.
type Transport struct {
	dialer         Dialer
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         pslog.Logger
	clock          clock.Clock
	metrics        *transportMetrics
	tracer         trace.Tracer

	connectGroup singleflight.Group
	writeMu      sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	readerDone chan struct{}
	nextID     int64
	pending    pendingTable
	// generation is bumped by Disconnect; a dial started under an older
	// generation is discarded when it completes.
	generation uint64

	// beforeRegister, when set, runs between connecting and registering a
	// call. Tests use it to replace the connection in that window.
	beforeRegister func()
}

// NewTransport builds a Transport. No connection is opened until the first
// Call.
func NewTransport(opts Options) (*Transport, error) {
	if opts.Dialer == nil {
		return nil, ErrNoDialer
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	t := &Transport{
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		requestTimeout: opts.RequestTimeout,
		logger:         svcfields.WithSubsystem(opts.Logger, "gateway.transport"),
		clock:          clock.OrReal(opts.Clock),
		tracer:         otel.Tracer(instrumentationName),
		pending:        make(pendingTable),
	}
	t.metrics = newTransportMetrics(t.logger, t.Pending)
	return t, nil
}

// Call sends method with params and waits for the matching response. The
// returned payload is the response's result, or "{}" when the gateway sent
// none. Remote failures come back as *RemoteError, deadline expiry as
// *TimeoutError, and connection loss as ErrConnectionClosed.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{attribute.String("rpc.method", method)}
	if cid := correlation.ID(ctx); cid != "" {
		attrs = append(attrs, attribute.String("tenantd.correlation_id", cid))
	}
	ctx, span := t.tracer.Start(ctx, "tenantd.gateway.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	begin := t.clock.Now()
	payload, err := t.call(ctx, method, params)
	t.metrics.recordCall(ctx, method, err, t.clock.Now().Sub(begin))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, callOutcome(err))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return payload, nil
}

func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, call, err := t.connectAndRegister(ctx, method)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rpc.id", call.id))

	frame, err := json.Marshal(api.Request{ID: call.id, Method: method, Params: params})
	if err != nil {
		t.forget(call.id)
		return nil, fmt.Errorf("gateway: encode %s: %w", method, err)
	}
	if err := t.write(conn, frame); err != nil {
		t.forget(call.id)
		t.logger.Warn("gateway.write.failed", "method", method, "id", call.id, "error", err)
		t.connectionLost(conn, err)
		return nil, connectionClosed(err)
	}
	t.logger.Trace("gateway.call.sent", "method", method, "id", call.id, correlation.LogKey, correlation.ID(ctx))
	return t.await(ctx, call)
}

// connectAndRegister obtains a connection and registers the call on it. When
// the connection is replaced in between, nothing has been sent yet, so it
// goes back for the current connection once before giving up.
func (t *Transport) connectAndRegister(ctx context.Context, method string) (Conn, *pendingCall, error) {
	for attempt := 0; ; attempt++ {
		conn, err := t.ensureConnected(ctx)
		if err != nil {
			return nil, nil, err
		}
		if t.beforeRegister != nil {
			t.beforeRegister()
		}
		call, err := t.register(conn, method)
		if errors.Is(err, errStaleConnection) {
			if attempt == 0 {
				t.logger.Debug("gateway.call.reconnect", "method", method)
				continue
			}
			return nil, nil, ErrConnectionClosed
		}
		if err != nil {
			return nil, nil, err
		}
		return conn, call, nil
	}
}

// register allocates the next id and records the pending call, provided conn
// is still the live connection. Checking under the same lock that
// connectionLost drains with means no call can be registered against a dead
// connection and then wait forever.
func (t *Transport) register(conn Conn, method string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return nil, ErrClosed
	}
	if t.conn != conn {
		return nil, errStaleConnection
	}
	t.nextID++
	call := newPendingCall(t.nextID, method, t.clock.Now())
	t.pending[call.id] = call
	return call, nil
}

// forget removes id from the table. It reports false when someone else
// already took the entry, in which case a result is on its way.
func (t *Transport) forget(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending.take(id)
	return ok
}

func (t *Transport) write(conn Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteFrame(frame)
}

func (t *Transport) await(ctx context.Context, call *pendingCall) (json.RawMessage, error) {
	select {
	case res := <-call.result:
		return res.payload, res.err
	case <-t.clock.After(t.requestTimeout):
		if !t.forget(call.id) {
			res := <-call.result
			return res.payload, res.err
		}
		t.logger.Warn("gateway.call.timeout",
			"method", call.method,
			"id", call.id,
			"timeout", t.requestTimeout,
		)
		return nil, &TimeoutError{Method: call.method, ID: call.id, Timeout: t.requestTimeout}
	case <-ctx.Done():
		if !t.forget(call.id) {
			res := <-call.result
			return res.payload, res.err
		}
		return nil, ctx.Err()
	}
}

func (t *Transport) ensureConnected(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	ch := t.connectGroup.DoChan("connect", func() (any, error) {
		return t.connect(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials once on behalf of every caller waiting in ensureConnected.
// The attempt is detached from the first caller's cancellation so a caller
// giving up does not fail the others.
func (t *Transport) connect(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	t.state = StateConnecting
	generation := t.generation
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.connectTimeout)
	defer cancel()
	conn, err := t.dialer.Dial(dialCtx)
	t.metrics.recordConnect(ctx, err)
	if err != nil {
		t.mu.Lock()
		if t.state == StateConnecting && t.generation == generation {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		t.logger.Warn("gateway.connect.failed", "timeout", t.connectTimeout, "error", err)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("gateway: connect timeout after %s: %w", t.connectTimeout, err)
		}
		return nil, fmt.Errorf("gateway: connect: %w", err)
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	if t.generation != generation {
		t.mu.Unlock()
		_ = conn.Close()
		t.logger.Debug("gateway.connect.discarded")
		return nil, ErrConnectionClosed
	}
	done := make(chan struct{})
	t.conn = conn
	t.state = StateConnected
	t.readerDone = done
	t.mu.Unlock()

	go t.readLoop(conn, done)
	t.logger.Info("gateway.connected")
	return conn, nil
}

func (t *Transport) readLoop(conn Conn, done chan struct{}) {
	defer close(done)
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(frame []byte) {
	var resp api.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.logger.Debug("gateway.frame.malformed", "error", err, "bytes", len(frame))
		return
	}
	id, ok := resp.CallID()
	if !ok {
		t.logger.Debug("gateway.frame.invalid_id", "id", string(resp.ID))
		return
	}
	t.mu.Lock()
	call, found := t.pending.take(id)
	t.mu.Unlock()
	if !found {
		t.logger.Debug("gateway.frame.unmatched", "id", id)
		return
	}
	if resp.Failed() {
		call.resolve(nil, decodeRemoteError(call.method, resp.Error))
		return
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		result = []byte("{}")
	}
	call.resolve(json.RawMessage(result), nil)
}

// connectionLost tears down conn after a read or write failure. It is a no-op
// when conn has already been replaced or disconnected.
func (t *Transport) connectionLost(conn Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.state != StateClosed {
		t.state = StateDisconnected
	}
	calls := t.pending.drain()
	t.mu.Unlock()

	_ = conn.Close()
	t.logger.Warn("gateway.connection.lost", "pending", len(calls), "error", cause)
	err := connectionClosed(cause)
	for _, call := range calls {
		call.resolve(nil, err)
	}
}

// Disconnect closes the current connection, fails every outstanding call with
// ErrConnectionClosed and waits for the reader to exit. A dial still in
// flight is discarded when it completes. It is safe to call
// repeatedly; a later Call reconnects.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	done := t.readerDone
	t.conn = nil
	t.readerDone = nil
	t.generation++
	if t.state != StateClosed {
		t.state = StateDisconnected
	}
	calls := t.pending.drain()
	t.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, ErrConnectionClosed)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.Debug("gateway.disconnect.close_failed", "error", err)
		}
		t.logger.Info("gateway.disconnected", "failed_calls", len(calls))
	}
	if done != nil {
		<-done
	}
}

// Close disconnects and permanently retires the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	already := t.state == StateClosed
	t.state = StateClosed
	t.mu.Unlock()
	t.Disconnect()
	if !already {
		t.metrics.close()
	}
	return nil
}

// State reports the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending reports the number of outstanding calls.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
