package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/clock"
)

// DefaultHistoryLimit is used by ChatHistory when limit <= 0.
const DefaultHistoryLimit = 50

// Client exposes the gateway methods tenantd uses as typed calls over a
// Transport.
type Client struct {
	transport *Transport
}

type clientConfig struct {
	token          string
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         pslog.Logger
	clock          clock.Clock
	dialer         Dialer
	tlsConfig      *tls.Config
}

// Option customises a Client built by New.
type Option func(*clientConfig)

// WithToken sets the bearer token presented on connect.
func WithToken(token string) Option {
	return func(c *clientConfig) {
		c.token = token
	}
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.connectTimeout = d
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.requestTimeout = d
	}
}

// WithLogger supplies the logger used by the transport.
func WithLogger(logger pslog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithClock supplies the clock driving request deadlines.
func WithClock(clk clock.Clock) Option {
	return func(c *clientConfig) {
		c.clock = clk
	}
}

// WithDialer replaces the websocket dialer. The URL and token passed to New
// are ignored when a custom dialer is used.
func WithDialer(d Dialer) Option {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithTLSConfig sets the TLS configuration for wss:// endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *clientConfig) {
		c.tlsConfig = cfg
	}
}

// New builds a Client for the gateway websocket at url.
func New(url string, opts ...Option) (*Client, error) {
	cfg := clientConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	dialer := cfg.dialer
	if dialer == nil {
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, fmt.Errorf("gateway: url required")
		}
		dialer = WebsocketDialer{URL: url, Token: cfg.token, TLSConfig: cfg.tlsConfig}
	}
	transport, err := NewTransport(Options{
		Dialer:         dialer,
		ConnectTimeout: cfg.connectTimeout,
		RequestTimeout: cfg.requestTimeout,
		Logger:         cfg.logger,
		Clock:          cfg.clock,
	})
	if err != nil {
		return nil, err
	}
	return &Client{transport: transport}, nil
}

// NewWithTransport wraps an existing transport.
func NewWithTransport(t *Transport) *Client {
	return &Client{transport: t}
}

// Transport returns the underlying transport.
func (c *Client) Transport() *Transport {
	return c.transport
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.transport.State() == StateConnected
}

// Disconnect drops the connection; the next call reconnects.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// Close retires the client and its transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// GetConfig fetches the gateway configuration and its hash.
func (c *Client) GetConfig(ctx context.Context) (api.ConfigSnapshot, error) {
	var snap api.ConfigSnapshot
	if err := c.invoke(ctx, api.MethodConfigGet, nil, &snap); err != nil {
		return api.ConfigSnapshot{}, err
	}
	if snap.Config == nil {
		snap.Config = map[string]any{}
	}
	return snap, nil
}

// PatchConfig submits a merge patch guarded by baseHash.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any, baseHash string) (api.ConfigPatchResult, error) {
	var res api.ConfigPatchResult
	err := c.invoke(ctx, api.MethodConfigPatch, api.ConfigPatchParams{Patch: patch, BaseHash: baseHash}, &res)
	return res, err
}

// ChatSend delivers a message into a session.
func (c *Client) ChatSend(ctx context.Context, params api.ChatSendParams) (api.ChatSendResult, error) {
	var res api.ChatSendResult
	err := c.invoke(ctx, api.MethodChatSend, params, &res)
	return res, err
}

// ChatHistory returns up to limit recent messages of a session.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]api.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var res api.ChatHistoryResult
	if err := c.invoke(ctx, api.MethodChatHistory, api.ChatHistoryParams{SessionKey: sessionKey, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// SessionsList lists sessions, optionally filtered by agent and recency.
func (c *Client) SessionsList(ctx context.Context, params api.SessionsListParams) ([]api.SessionEntry, error) {
	var res api.SessionsListResult
	if err := c.invoke(ctx, api.MethodSessionsList, params, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (c *Client) invoke(ctx context.Context, method string, params any, out any) error {
	raw, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gateway: decode %s result: %w", method, err)
	}
	return nil
}
