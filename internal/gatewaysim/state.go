package gatewaysim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/jsonutil"
)

// rpcError is returned by method handlers and encoded as the frame's error
// object.
type rpcError struct {
	code    api.ErrorCode
	message string
}

func (e *rpcError) Error() string { return string(e.code) + ": " + e.message }

func errorf(code api.ErrorCode, format string, args ...any) *rpcError {
	return &rpcError{code: code, message: fmt.Sprintf(format, args...)}
}

type session struct {
	key          string
	agentID      string
	messages     []api.ChatMessage
	lastActivity time.Time
}

// dispatch runs one method against the simulator state. Callers hold s.mu.
func (s *Server) dispatch(method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case api.MethodConfigGet:
		return s.configGet()
	case api.MethodConfigPatch:
		return s.configPatch(params)
	case api.MethodChatSend:
		return s.chatSend(params)
	case api.MethodChatHistory:
		return s.chatHistory(params)
	case api.MethodSessionsList:
		return s.sessionsList(params)
	default:
		return nil, errorf(api.CodeMethodNotFound, "unknown method %q", method)
	}
}

func decodeParams(params json.RawMessage, out any) *rpcError {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return errorf(api.CodeInvalidParams, "decode params: %v", err)
	}
	return nil
}

func (s *Server) configGet() (any, *rpcError) {
	doc, err := copyDocument(s.config)
	if err != nil {
		return nil, errorf(api.CodeInternal, "%v", err)
	}
	return api.ConfigSnapshot{Config: doc, Hash: s.hash}, nil
}

func (s *Server) configPatch(params json.RawMessage) (any, *rpcError) {
	var p api.ConfigPatchParams
	if rerr := decodeParams(params, &p); rerr != nil {
		return nil, rerr
	}
	if p.Patch == nil {
		return nil, errorf(api.CodeInvalidParams, "patch required")
	}
	if p.BaseHash != s.hash {
		s.conflicts++
		return nil, errorf(api.CodeConflict, "config changed since last load; re-run config.get and retry")
	}
	merged, ok := mergePatch(s.config, p.Patch).(map[string]any)
	if !ok {
		return nil, errorf(api.CodeInvalidParams, "patch must be an object")
	}
	hash, err := jsonutil.Hash(merged)
	if err != nil {
		return nil, errorf(api.CodeInvalidParams, "%v", err)
	}
	s.config = merged
	s.hash = hash
	s.patches++
	return api.ConfigPatchResult{Hash: hash}, nil
}

func (s *Server) chatSend(params json.RawMessage) (any, *rpcError) {
	var p api.ChatSendParams
	if rerr := decodeParams(params, &p); rerr != nil {
		return nil, rerr
	}
	if strings.TrimSpace(p.SessionKey) == "" || strings.TrimSpace(p.Message) == "" {
		return nil, errorf(api.CodeInvalidParams, "key and message required")
	}
	if p.AgentID != "" && !s.hasAgent(p.AgentID) {
		return nil, errorf(api.CodeInvalidParams, "unknown agent %q", p.AgentID)
	}
	now := s.clock.Now()
	sess, ok := s.sessions[p.SessionKey]
	if !ok {
		sess = &session{key: p.SessionKey, agentID: p.AgentID}
		s.sessions[p.SessionKey] = sess
	}
	if sess.agentID == "" {
		sess.agentID = p.AgentID
	}
	reply := s.responder(sess.agentID, p.Message)
	stamp := now.Format(time.RFC3339)
	sess.messages = append(sess.messages,
		api.ChatMessage{Role: "user", Content: p.Message, Timestamp: stamp},
		api.ChatMessage{Role: "assistant", Content: reply, Timestamp: stamp},
	)
	sess.lastActivity = now
	return api.ChatSendResult{OK: true, MessageID: xid.New().String(), Response: reply}, nil
}

func (s *Server) chatHistory(params json.RawMessage) (any, *rpcError) {
	var p api.ChatHistoryParams
	if rerr := decodeParams(params, &p); rerr != nil {
		return nil, rerr
	}
	out := api.ChatHistoryResult{Messages: []api.ChatMessage{}}
	sess, ok := s.sessions[p.SessionKey]
	if !ok {
		return out, nil
	}
	msgs := sess.messages
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	out.Messages = append(out.Messages, msgs...)
	return out, nil
}

func (s *Server) sessionsList(params json.RawMessage) (any, *rpcError) {
	var p api.SessionsListParams
	if rerr := decodeParams(params, &p); rerr != nil {
		return nil, rerr
	}
	now := s.clock.Now()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if p.AgentID != "" && sess.agentID != p.AgentID {
			continue
		}
		if p.ActiveMinutes > 0 && now.Sub(sess.lastActivity) > time.Duration(p.ActiveMinutes)*time.Minute {
			continue
		}
		list = append(list, sess)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].lastActivity.Equal(list[j].lastActivity) {
			return list[i].lastActivity.After(list[j].lastActivity)
		}
		return list[i].key < list[j].key
	})
	if p.Limit > 0 && len(list) > p.Limit {
		list = list[:p.Limit]
	}
	out := api.SessionsListResult{Sessions: make([]api.SessionEntry, 0, len(list))}
	for _, sess := range list {
		out.Sessions = append(out.Sessions, api.SessionEntry{
			Key:          sess.key,
			AgentID:      sess.agentID,
			LastActivity: sess.lastActivity.Format(time.RFC3339),
			MessageCount: len(sess.messages),
		})
	}
	return out, nil
}

func (s *Server) hasAgent(id string) bool {
	agents, _ := s.config[api.ConfigAgentsKey].(map[string]any)
	list, _ := agents[api.ConfigListKey].([]any)
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if entryID, _ := entry["id"].(string); entryID == id {
			return true
		}
	}
	return false
}

// mergePatch applies an RFC 7386 merge patch: objects merge recursively, null
// deletes a key and any other value replaces the target.
func mergePatch(current, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	currentObj, ok := current.(map[string]any)
	if !ok {
		currentObj = map[string]any{}
	}
	out := make(map[string]any, len(currentObj))
	for key, value := range currentObj {
		out[key] = value
	}
	for key, value := range patchObj {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = mergePatch(out[key], value)
	}
	return out
}

// copyDocument deep-copies doc through its JSON encoding.
func copyDocument(doc map[string]any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func defaultResponder(agentID, message string) string {
	if agentID == "" {
		agentID = "gateway"
	}
	return fmt.Sprintf("[%s] %s", agentID, message)
}
