package gatewaysim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/gateway"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/registry"
)

const testToken = "sim-token"

func seedConfig() map[string]any {
	return map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{"model": "azure/gpt-4o"},
			"list":     []any{map[string]any{"id": "main", "name": "Main"}},
		},
		"gateway": map[string]any{"port": 18789},
	}
}

type harness struct {
	sim    *Server
	http   *httptest.Server
	client *gateway.Client
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Token == "" {
		opts.Token = testToken
	}
	if opts.Config == nil {
		opts.Config = seedConfig()
	}
	sim, err := New(opts)
	if err != nil {
		t.Fatalf("new sim: %v", err)
	}
	srv := httptest.NewServer(sim.Handler())
	client, err := gateway.New(wsURL(srv), gateway.WithToken(opts.Token), gateway.WithRequestTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = sim.Close()
		srv.Close()
	})
	return &harness{sim: sim, http: srv, client: client}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConfigGetAndPatch(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	snap, err := h.client.GetConfig(ctx)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	_, simHash := h.sim.Snapshot()
	if snap.Hash == "" || snap.Hash != simHash {
		t.Fatalf("unexpected hash %q (sim %q)", snap.Hash, simHash)
	}
	res, err := h.client.PatchConfig(ctx, map[string]any{
		"gateway": map[string]any{"port": nil, "bind": "loopback"},
	}, snap.Hash)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	doc, hash := h.sim.Snapshot()
	if res.Hash != hash || hash == snap.Hash {
		t.Fatalf("patch should report the new hash, got %q want %q", res.Hash, hash)
	}
	gw := doc["gateway"].(map[string]any)
	if _, ok := gw["port"]; ok || gw["bind"] != "loopback" {
		t.Fatalf("merge patch not applied: %v", gw)
	}
	if _, ok := doc["agents"]; !ok {
		t.Fatalf("untouched sections must survive: %v", doc)
	}
	if patches, conflicts := h.sim.Stats(); patches != 1 || conflicts != 0 {
		t.Fatalf("unexpected stats %d/%d", patches, conflicts)
	}
}

func TestPatchWithStaleHashConflicts(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	snap, err := h.client.GetConfig(ctx)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	external := seedConfig()
	external["meta"] = map[string]any{"edited_by": "operator"}
	if _, err := h.sim.SetConfig(external); err != nil {
		t.Fatalf("set config: %v", err)
	}
	before, beforeHash := h.sim.Snapshot()

	_, err = h.client.PatchConfig(ctx, map[string]any{"meta": nil}, snap.Hash)
	if !gateway.IsRemoteCode(err, api.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	after, afterHash := h.sim.Snapshot()
	if afterHash != beforeHash {
		t.Fatalf("rejected patch must not change the document")
	}
	if _, ok := after["meta"]; !ok || len(after) != len(before) {
		t.Fatalf("document changed: %v", after)
	}
	if _, conflicts := h.sim.Stats(); conflicts != 1 {
		t.Fatalf("expected one conflict, got %d", conflicts)
	}
}

func TestPatchRequiresPatchDocument(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	snap, _ := h.client.GetConfig(ctx)
	_, err := h.client.PatchConfig(ctx, nil, snap.Hash)
	if !gateway.IsRemoteCode(err, api.CodeInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

// interleavingClient lets another writer change the document between the
// read and the write of a registry mutation.
type interleavingClient struct {
	*gateway.Client
	sim *Server
}

func (c interleavingClient) GetConfig(ctx context.Context) (api.ConfigSnapshot, error) {
	snap, err := c.Client.GetConfig(ctx)
	if err != nil {
		return snap, err
	}
	doc, _ := c.sim.Snapshot()
	doc["touched"] = true
	if _, err := c.sim.SetConfig(doc); err != nil {
		return snap, err
	}
	return snap, nil
}

func TestRegistryOverWebsocket(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	reg := registry.New(h.client)

	agent := api.AgentConfig{ID: "tenant-acme", Name: "Acme", Workspace: "/ws/tenant-acme", Model: &api.AgentModel{Primary: "azure/gpt-4o"}}
	if err := reg.AddAgent(ctx, agent); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	agents, err := reg.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 || agents[1].ID != "tenant-acme" || agents[1].Model.Primary != "azure/gpt-4o" {
		t.Fatalf("unexpected agents %+v", agents)
	}
	doc, _ := h.sim.Snapshot()
	defaults := doc["agents"].(map[string]any)["defaults"].(map[string]any)
	if defaults["model"] != "azure/gpt-4o" {
		t.Fatalf("sibling keys of agents.list must survive: %v", doc["agents"])
	}
	if err := reg.AddAgent(ctx, agent); !errors.Is(err, registry.ErrDuplicateAgent) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := reg.RemoveAgent(ctx, "tenant-acme"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Agent(ctx, "tenant-acme"); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("agent should be gone, got %v", err)
	}
}

func TestRegistryConflictLeavesDocumentUntouched(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	reg := registry.New(interleavingClient{Client: h.client, sim: h.sim})

	err := reg.AddAgent(ctx, api.AgentConfig{ID: "tenant-acme", Model: &api.AgentModel{Primary: "m"}})
	if !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) || !gateway.IsRemoteCode(conflict, api.CodeConflict) {
		t.Fatalf("conflict should wrap the remote error: %v", err)
	}
	doc, _ := h.sim.Snapshot()
	if doc["touched"] != true {
		t.Fatalf("the concurrent write must win: %v", doc)
	}
	list := doc["agents"].(map[string]any)["list"].([]any)
	if len(list) != 1 {
		t.Fatalf("stale patch must not be applied: %v", list)
	}
}

func TestChatAndSessions(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	h := newHarness(t, Options{Clock: clk})
	ctx := context.Background()

	_, err := h.client.ChatSend(ctx, api.ChatSendParams{SessionKey: "s1", Message: "hi", AgentID: "ghost"})
	if !gateway.IsRemoteCode(err, api.CodeInvalidParams) {
		t.Fatalf("unknown agent should be rejected, got %v", err)
	}
	res, err := h.client.ChatSend(ctx, api.ChatSendParams{SessionKey: "s1", Message: "hello", AgentID: "main"})
	if err != nil {
		t.Fatalf("chat send: %v", err)
	}
	if !res.OK || res.MessageID == "" || res.Response != "[main] hello" {
		t.Fatalf("unexpected send result %+v", res)
	}
	clk.Advance(10 * time.Minute)
	if _, err := h.client.ChatSend(ctx, api.ChatSendParams{SessionKey: "s2", Message: "later"}); err != nil {
		t.Fatalf("chat send without agent: %v", err)
	}

	history, err := h.client.ChatHistory(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", history)
	}
	if last, _ := h.client.ChatHistory(ctx, "s1", 1); len(last) != 1 || last[0].Role != "assistant" {
		t.Fatalf("limit not applied: %+v", last)
	}
	if none, err := h.client.ChatHistory(ctx, "missing", 5); err != nil || len(none) != 0 {
		t.Fatalf("unknown session should be empty, got %+v, %v", none, err)
	}

	all, err := h.client.SessionsList(ctx, api.SessionsListParams{})
	if err != nil || len(all) != 2 || all[0].Key != "s2" {
		t.Fatalf("sessions should be most recent first: %+v, %v", all, err)
	}
	byAgent, _ := h.client.SessionsList(ctx, api.SessionsListParams{AgentID: "main"})
	if len(byAgent) != 1 || byAgent[0].Key != "s1" || byAgent[0].MessageCount != 2 {
		t.Fatalf("agent filter: %+v", byAgent)
	}
	recent, _ := h.client.SessionsList(ctx, api.SessionsListParams{ActiveMinutes: 5})
	if len(recent) != 1 || recent[0].Key != "s2" {
		t.Fatalf("activity filter: %+v", recent)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.client.Transport().Call(context.Background(), "agents.explode", nil)
	if !gateway.IsRemoteCode(err, api.CodeMethodNotFound) {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestRejectsBadToken(t *testing.T) {
	h := newHarness(t, Options{})
	bad, err := gateway.New(wsURL(h.http), gateway.WithToken("wrong"), gateway.WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer bad.Close()
	if _, err := bad.GetConfig(context.Background()); err == nil {
		t.Fatalf("expected handshake failure")
	}
	if bad.Connected() {
		t.Fatalf("client must not report a connection")
	}

	resp, err := http.Get(h.http.URL + "/")
	if err != nil {
		t.Fatalf("plain get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body struct {
		Error api.ErrorObject `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Code != api.CodeUnauthorized {
		t.Fatalf("unexpected body %+v, %v", body, err)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Options{})
	resp, err := http.Get(h.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(data)) != "ok" {
		t.Fatalf("unexpected healthz %d %q", resp.StatusCode, data)
	}
}

func TestDropConnectionsThenReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if _, err := h.client.GetConfig(ctx); err != nil {
		t.Fatalf("get config: %v", err)
	}
	if h.sim.Connections() != 1 {
		t.Fatalf("expected one connection, got %d", h.sim.Connections())
	}
	h.sim.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	for h.client.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client did not notice the dropped connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := h.client.GetConfig(ctx); err != nil {
		t.Fatalf("get config after reconnect: %v", err)
	}
	if !h.client.Connected() {
		t.Fatalf("client should be connected again")
	}
}

func TestHandleFrame(t *testing.T) {
	sim, err := New(Options{Config: seedConfig()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger := sim.logger
	for _, frame := range []string{`not json`, `{"method":"config.get"}`, `{"id":"7","method":"config.get"}`, `{"id":1.5,"method":"config.get"}`} {
		if _, ok := sim.handleFrame([]byte(frame), logger); ok {
			t.Fatalf("frame %s should get no reply", frame)
		}
	}
	reply, ok := sim.handleFrame([]byte(`{ "id": 42, "method": "config.get", "params": {} }`), logger)
	if !ok {
		t.Fatalf("expected reply")
	}
	var resp api.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if id, ok := resp.CallID(); !ok || id != 42 || resp.Failed() {
		t.Fatalf("unexpected reply %s", reply)
	}

	small, _ := New(Options{MaxFrameBytes: 16})
	if _, ok := small.handleFrame([]byte(`{"id":1,"method":"config.get"}`), logger); ok {
		t.Fatalf("oversized frame should be dropped")
	}
}

func TestMergePatch(t *testing.T) {
	current := map[string]any{
		"a": map[string]any{"b": 1.0, "c": 2.0},
		"d": "keep",
		"e": []any{1.0},
	}
	patch := map[string]any{
		"a": map[string]any{"b": nil, "x": "new"},
		"e": []any{2.0, 3.0},
		"f": map[string]any{"g": true},
	}
	got := mergePatch(current, patch).(map[string]any)
	a := got["a"].(map[string]any)
	if _, ok := a["b"]; ok || a["c"] != 2.0 || a["x"] != "new" {
		t.Fatalf("nested merge: %v", a)
	}
	if got["d"] != "keep" || len(got["e"].([]any)) != 2 || got["f"].(map[string]any)["g"] != true {
		t.Fatalf("unexpected result %v", got)
	}
	if _, ok := current["a"].(map[string]any)["x"]; ok {
		t.Fatalf("merge must not mutate the current document")
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.jsonc")
	body := `{
  // agents known to the gateway
  "agents": {"list": [{"id": "main"},]},
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	sim, err := New(Options{Config: doc})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !sim.hasAgent("main") {
		t.Fatalf("seeded agent missing: %v", doc)
	}
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "missing.jsonc")); err == nil {
		t.Fatalf("expected error for missing seed")
	}
}
