package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/tenantd/api"
)

type clientResult struct {
	value any
	err   error
}

func newPipeClient(t *testing.T) (*Client, *pipeDialer) {
	t.Helper()
	dialer := newPipeDialer()
	client, err := New("", WithDialer(dialer), WithRequestTimeout(time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, dialer
}

func runClient(fn func() (any, error)) <-chan clientResult {
	ch := make(chan clientResult, 1)
	go func() {
		v, err := fn()
		ch <- clientResult{value: v, err: err}
	}()
	return ch
}

func waitClient(t *testing.T, ch <-chan clientResult) clientResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for client call")
		return clientResult{}
	}
}

func TestNewRequiresURLWithoutDialer(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("expected error for empty url")
	}
	client, err := New("ws://127.0.0.1:1", WithToken("secret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer client.Close()
	dialer, ok := client.Transport().dialer.(WebsocketDialer)
	if !ok {
		t.Fatalf("expected websocket dialer, got %T", client.Transport().dialer)
	}
	if dialer.URL != "ws://127.0.0.1:1" || dialer.Token != "secret" {
		t.Fatalf("unexpected dialer %+v", dialer)
	}
	if client.Connected() {
		t.Fatalf("client must not connect eagerly")
	}
}

func TestClientGetConfig(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	done := runClient(func() (any, error) { return client.GetConfig(ctx) })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	if req.Method != api.MethodConfigGet {
		t.Fatalf("unexpected method %q", req.Method)
	}
	conn.reply(req.ID, `{"config":{"agents":{"list":[{"id":"a"}]}},"hash":"h1"}`)

	res := waitClient(t, done)
	if res.err != nil {
		t.Fatalf("get config: %v", res.err)
	}
	snap := res.value.(api.ConfigSnapshot)
	if snap.Hash != "h1" {
		t.Fatalf("unexpected hash %q", snap.Hash)
	}
	if _, ok := snap.Config["agents"]; !ok {
		t.Fatalf("expected agents section, got %v", snap.Config)
	}
	if !client.Connected() {
		t.Fatalf("expected connected client")
	}
}

func TestClientGetConfigEmptyResult(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	done := runClient(func() (any, error) { return client.GetConfig(ctx) })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	conn.send(`{"id":` + jsonInt(req.ID) + `}`)

	res := waitClient(t, done)
	if res.err != nil {
		t.Fatalf("get config: %v", res.err)
	}
	snap := res.value.(api.ConfigSnapshot)
	if snap.Config == nil || len(snap.Config) != 0 || snap.Hash != "" {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestClientPatchConfigSendsBaseHash(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	patch := map[string]any{"agents": map[string]any{"list": []any{}}}
	done := runClient(func() (any, error) { return client.PatchConfig(ctx, patch, "h1") })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	if req.Method != api.MethodConfigPatch {
		t.Fatalf("unexpected method %q", req.Method)
	}
	var params api.ConfigPatchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.BaseHash != "h1" {
		t.Fatalf("unexpected baseHash %q", params.BaseHash)
	}
	if _, ok := params.Patch["agents"]; !ok {
		t.Fatalf("patch missing agents: %v", params.Patch)
	}
	conn.reply(req.ID, `{"hash":"h2"}`)

	res := waitClient(t, done)
	if res.err != nil {
		t.Fatalf("patch: %v", res.err)
	}
	if got := res.value.(api.ConfigPatchResult).Hash; got != "h2" {
		t.Fatalf("unexpected hash %q", got)
	}
}

func TestClientChatHistoryDefaultsLimit(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	done := runClient(func() (any, error) { return client.ChatHistory(ctx, "agent:tenant-acme:main", 0) })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	var params api.ChatHistoryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Limit != DefaultHistoryLimit || params.SessionKey != "agent:tenant-acme:main" {
		t.Fatalf("unexpected params %+v", params)
	}
	conn.reply(req.ID, `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)

	res := waitClient(t, done)
	if res.err != nil {
		t.Fatalf("history: %v", res.err)
	}
	msgs := res.value.([]api.ChatMessage)
	if len(msgs) != 2 || msgs[1].Content != "hello" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestClientChatSendAndSessions(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	send := runClient(func() (any, error) {
		return client.ChatSend(ctx, api.ChatSendParams{SessionKey: "s1", Message: "hello", AgentID: "tenant-acme"})
	})
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	var params api.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.AgentID != "tenant-acme" || params.Message != "hello" {
		t.Fatalf("unexpected params %+v", params)
	}
	conn.reply(req.ID, `{"ok":true,"message_id":"m1","response":"hi there"}`)
	res := waitClient(t, send)
	if res.err != nil {
		t.Fatalf("chat send: %v", res.err)
	}
	if out := res.value.(api.ChatSendResult); !out.OK || out.MessageID != "m1" {
		t.Fatalf("unexpected result %+v", out)
	}

	list := runClient(func() (any, error) {
		return client.SessionsList(ctx, api.SessionsListParams{AgentID: "tenant-acme"})
	})
	req = conn.nextRequest(t)
	if req.Method != api.MethodSessionsList {
		t.Fatalf("unexpected method %q", req.Method)
	}
	conn.reply(req.ID, `{"sessions":[{"key":"s1","agent_id":"tenant-acme","message_count":2}]}`)
	res = waitClient(t, list)
	if res.err != nil {
		t.Fatalf("sessions: %v", res.err)
	}
	sessions := res.value.([]api.SessionEntry)
	if len(sessions) != 1 || sessions[0].MessageCount != 2 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestClientDecodeError(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	done := runClient(func() (any, error) { return client.ChatHistory(ctx, "s", 5) })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	conn.reply(req.ID, `{"messages":"nope"}`)

	res := waitClient(t, done)
	if res.err == nil {
		t.Fatalf("expected decode error")
	}
	var remote *RemoteError
	if errors.As(res.err, &remote) {
		t.Fatalf("decode failure must not look like a remote error")
	}
}

func TestClientDisconnectThenReconnect(t *testing.T) {
	client, dialer := newPipeClient(t)
	ctx := context.Background()

	done := runClient(func() (any, error) { return client.GetConfig(ctx) })
	conn := dialer.nextConn(t)
	req := conn.nextRequest(t)
	conn.reply(req.ID, `{"config":{},"hash":"h"}`)
	if res := waitClient(t, done); res.err != nil {
		t.Fatalf("get config: %v", res.err)
	}

	client.Disconnect()
	if client.Connected() {
		t.Fatalf("expected disconnected client")
	}

	done = runClient(func() (any, error) { return client.GetConfig(ctx) })
	conn = dialer.nextConn(t)
	req = conn.nextRequest(t)
	conn.reply(req.ID, `{"config":{},"hash":"h"}`)
	if res := waitClient(t, done); res.err != nil {
		t.Fatalf("get config after reconnect: %v", res.err)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected reconnect, dials=%d", dialer.dialCount())
	}
}
