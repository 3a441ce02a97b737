package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Keys of the agent registry inside the gateway configuration document.
const (
	ConfigAgentsKey = "agents"
	ConfigListKey   = "list"
)

// AgentConfig mirrors one entry of the gateway's agents.list.
type AgentConfig struct {
	// ID is the registry key for the agent.
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name,omitempty"`
	// Workspace is the absolute path of the agent workspace directory.
	Workspace string `json:"workspace,omitempty"`
	// Model selects the primary model and optional fallbacks.
	Model *AgentModel `json:"model,omitempty"`
	// Skills lists enabled skill identifiers.
	Skills []string `json:"skills,omitempty"`
	// Sandbox carries sandbox settings passed through to the gateway.
	Sandbox map[string]any `json:"sandbox,omitempty"`
	// Identity carries optional persona attributes.
	Identity map[string]string `json:"identity,omitempty"`
}

// Entry converts the agent into the generic map form stored in the config
// document, omitting empty fields.
func (a AgentConfig) Entry() (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode agent %s: %w", a.ID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", a.ID, err)
	}
	return out, nil
}

// AgentFromEntry decodes a registry entry into an AgentConfig. Unknown fields
// are ignored.
func AgentFromEntry(entry map[string]any) (AgentConfig, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return AgentConfig{}, err
	}
	var agent AgentConfig
	if err := json.Unmarshal(data, &agent); err != nil {
		return AgentConfig{}, err
	}
	return agent, nil
}

// AgentModel is the model selection of an agent. It encodes as a bare string
// when there are no fallbacks and as {primary, fallbacks} otherwise.
type AgentModel struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m AgentModel) MarshalJSON() ([]byte, error) {
	if len(m.Fallbacks) == 0 {
		return json.Marshal(m.Primary)
	}
	type wire AgentModel
	return json.Marshal(wire(m))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *AgentModel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		m.Fallbacks = nil
		return json.Unmarshal(data, &m.Primary)
	}
	type wire AgentModel
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = AgentModel(w)
	return nil
}

// ChatSendParams are the parameters of chat.send.
type ChatSendParams struct {
	// SessionKey identifies the conversation session.
	SessionKey string `json:"key"`
	// Message is the user message text.
	Message string `json:"message"`
	// AgentID routes the message to a specific agent.
	AgentID string `json:"agentId,omitempty"`
	// Attachments carries optional attachment descriptors.
	Attachments []map[string]string `json:"attachments,omitempty"`
}

// ChatSendResult is the result of chat.send.
type ChatSendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id,omitempty"`
	Response  string `json:"response,omitempty"`
}

// ChatMessage is one entry of chat.history.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ChatHistoryParams are the parameters of chat.history.
type ChatHistoryParams struct {
	SessionKey string `json:"key"`
	Limit      int    `json:"limit"`
}

// ChatHistoryResult is the result of chat.history.
type ChatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// SessionsListParams are the parameters of sessions.list; zero values are omitted.
type SessionsListParams struct {
	AgentID       string `json:"agentId,omitempty"`
	ActiveMinutes int    `json:"activeMinutes,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// SessionEntry describes one gateway session.
type SessionEntry struct {
	Key          string `json:"key"`
	AgentID      string `json:"agent_id"`
	LastActivity string `json:"last_activity,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
}

// SessionsListResult is the result of sessions.list.
type SessionsListResult struct {
	Sessions []SessionEntry `json:"sessions"`
}
