// Package gatewaysim is an in-process agent gateway. It speaks the same
// websocket RPC dialect as a production gateway for config.get, config.patch,
// chat.send, chat.history and sessions.list, and keeps all state in memory. It
// backs the end-to-end tests and the "tenantd gateway-sim" command.
package gatewaysim

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/websocket"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/jsonutil"
	"pkt.systems/tenantd/internal/svcfields"
)

// DefaultMaxFrameBytes bounds inbound request frames.
const DefaultMaxFrameBytes = 4 << 20

const httpSpanName = "tenantd.gatewaysim"

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token string
	// Config seeds the configuration document. A nil map starts empty.
	Config map[string]any
	// MaxFrameBytes overrides DefaultMaxFrameBytes.
	MaxFrameBytes int64
	// Responder produces the assistant reply for chat.send.
	Responder func(agentID, message string) string
	Logger    pslog.Logger
	Clock     clock.Clock
}

// Server is the simulated gateway. It implements http.Handler.
type Server struct {
	token     string
	maxFrame  int64
	responder func(agentID, message string) string
	logger    pslog.Logger
	clock     clock.Clock
	ws        websocket.Server

	mu        sync.Mutex
	config    map[string]any
	hash      string
	sessions  map[string]*session
	patches   int
	conflicts int

	connMu sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

// New builds a Server from opts.
func New(opts Options) (*Server, error) {
	seed, err := copyDocument(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("gatewaysim: seed: %w", err)
	}
	hash, err := jsonutil.Hash(seed)
	if err != nil {
		return nil, fmt.Errorf("gatewaysim: seed hash: %w", err)
	}
	s := &Server{
		token:     strings.TrimSpace(opts.Token),
		maxFrame:  opts.MaxFrameBytes,
		responder: opts.Responder,
		logger:    svcfields.WithSubsystem(opts.Logger, "gatewaysim"),
		clock:     clock.OrReal(opts.Clock),
		config:    seed,
		hash:      hash,
		sessions:  make(map[string]*session),
		conns:     make(map[string]*websocket.Conn),
	}
	if s.maxFrame <= 0 {
		s.maxFrame = DefaultMaxFrameBytes
	}
	if s.responder == nil {
		s.responder = defaultResponder
	}
	s.ws = websocket.Server{Handler: s.serveConn}
	return s, nil
}

// LoadSeed reads a configuration document from path. Comments and trailing
// commas are accepted.
func LoadSeed(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gatewaysim: read seed: %w", err)
	}
	doc, err := jsonutil.DecodeJSONC(data)
	if err != nil {
		return nil, fmt.Errorf("gatewaysim: parse seed %s: %w", path, err)
	}
	return doc, nil
}

// Handler returns the traced HTTP handler: the websocket endpoint at "/" and a
// liveness probe at "/healthz".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/", s)
	return otelhttp.NewHandler(mux, httpSpanName)
}

// ServeHTTP authenticates the request and upgrades it to a websocket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	closed := s.closed
	s.connMu.Unlock()
	if closed {
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		s.logger.Warn("gatewaysim.auth.rejected", "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": api.ErrorObject{Code: api.CodeUnauthorized, Message: "invalid gateway token"},
		})
		return
	}
	s.ws.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *Server) serveConn(ws *websocket.Conn) {
	id := xid.New().String()
	ws.MaxPayloadBytes = int(s.maxFrame)
	logger := s.logger.With("conn_id", id)
	if !s.track(id, ws) {
		ws.Close()
		return
	}
	defer s.untrack(id)
	logger.Debug("gatewaysim.conn.open", "remote", ws.Request().RemoteAddr)
	for {
		var frame []byte
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			logger.Debug("gatewaysim.conn.closed", "error", err)
			return
		}
		reply, ok := s.handleFrame(frame, logger)
		if !ok {
			continue
		}
		if err := websocket.Message.Send(ws, string(reply)); err != nil {
			logger.Debug("gatewaysim.conn.write_failed", "error", err)
			return
		}
	}
}

type wireRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleFrame answers one request frame. Frames without a usable integer id
// get no reply.
func (s *Server) handleFrame(frame []byte, logger pslog.Logger) ([]byte, bool) {
	compact, err := jsonutil.Compact(frame, s.maxFrame)
	if err != nil {
		logger.Debug("gatewaysim.frame.invalid", "error", err)
		return nil, false
	}
	var req wireRequest
	if err := json.Unmarshal(compact, &req); err != nil {
		logger.Debug("gatewaysim.frame.invalid", "error", err)
		return nil, false
	}
	if _, err := strconv.ParseInt(string(req.ID), 10, 64); err != nil {
		logger.Debug("gatewaysim.frame.invalid_id", "id", string(req.ID))
		return nil, false
	}

	s.mu.Lock()
	result, rerr := s.dispatch(req.Method, req.Params)
	s.mu.Unlock()

	resp := api.Response{ID: req.ID}
	if rerr != nil {
		logger.Debug("gatewaysim.call.error", "method", req.Method, "code", string(rerr.code), "error", rerr.message)
		resp.Error, err = json.Marshal(api.ErrorObject{Code: rerr.code, Message: rerr.message})
	} else {
		logger.Trace("gatewaysim.call", "method", req.Method)
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Result = nil
		resp.Error, _ = json.Marshal(api.ErrorObject{Code: api.CodeInternal, Message: err.Error()})
	}
	out, err := json.Marshal(resp)
	if err != nil {
		logger.Error("gatewaysim.frame.encode_failed", "error", err)
		return nil, false
	}
	return out, true
}

func (s *Server) track(id string, ws *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = ws
	return true
}

func (s *Server) untrack(id string) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open connection while continuing to accept
// new ones.
func (s *Server) DropConnections() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, ws := range s.conns {
		conns = append(conns, ws)
	}
	s.connMu.Unlock()
	for _, ws := range conns {
		_ = ws.Close()
	}
}

// Close drops every connection and rejects new ones.
func (s *Server) Close() error {
	s.connMu.Lock()
	s.closed = true
	s.connMu.Unlock()
	s.DropConnections()
	return nil
}

// Snapshot returns a copy of the configuration document and its hash.
func (s *Server) Snapshot() (map[string]any, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := copyDocument(s.config)
	if err != nil {
		return map[string]any{}, s.hash
	}
	return doc, s.hash
}

// SetConfig replaces the configuration document, as an out-of-band writer
// would, and returns the new hash.
func (s *Server) SetConfig(doc map[string]any) (string, error) {
	seed, err := copyDocument(doc)
	if err != nil {
		return "", err
	}
	hash, err := jsonutil.Hash(seed)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.config = seed
	s.hash = hash
	s.mu.Unlock()
	return hash, nil
}

// Stats reports how many patches were applied and how many were rejected as
// conflicts.
func (s *Server) Stats() (patches, conflicts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches, s.conflicts
}
