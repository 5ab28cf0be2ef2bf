package assistant

import "encoding/json"

// Skill names used by Watson Assistant v2 in the returned context.
const (
	MainSkill    = "main skill"
	ActionsSkill = "actions skill"
)

// Generic output item types consumed by the dispatcher.
const (
	ResponseTypeText   = "text"
	ResponseTypeSearch = "search"
)

// MessageRequest is one call to the assistant. SessionID travels in the URL path.
type MessageRequest struct {
	SessionID string          `json:"-"`
	UserID    string          `json:"user_id,omitempty"`
	Input     MessageInput    `json:"input"`
	Context   *MessageContext `json:"context,omitempty"`
}

// MessageInput carries the user text.
type MessageInput struct {
	MessageType string        `json:"message_type,omitempty"`
	Text        string        `json:"text,omitempty"`
	Options     *InputOptions `json:"options,omitempty"`
}

// InputOptions toggles what the assistant returns.
type InputOptions struct {
	ReturnContext bool `json:"return_context"`
}

// MessageContext mirrors the assistant's context object.
type MessageContext struct {
	Global *GlobalContext          `json:"global,omitempty"`
	Skills map[string]SkillContext `json:"skills,omitempty"`
}

// GlobalContext holds the system section.
type GlobalContext struct {
	System *SystemContext `json:"system,omitempty"`
}

// SystemContext holds system flags; SkipUserInput is set by custom extensions.
type SystemContext struct {
	UserID        string `json:"user_id,omitempty"`
	SkipUserInput bool   `json:"skip_user_input,omitempty"`
}

// SkillContext is the per-skill context. Dialog skills use user_defined,
// action skills expose skill_variables.
type SkillContext struct {
	UserDefined    map[string]any `json:"user_defined,omitempty"`
	SkillVariables map[string]any `json:"skill_variables,omitempty"`
}

// MessageResponse is the subset of the assistant reply the orchestrator reads.
type MessageResponse struct {
	Output  MessageOutput  `json:"output"`
	Context MessageContext `json:"context"`
	UserID  string         `json:"user_id,omitempty"`
}

// MessageOutput wraps the generic response items.
type MessageOutput struct {
	Generic []GenericItem `json:"generic"`
}

// GenericItem is a single output item.
type GenericItem struct {
	ResponseType   string            `json:"response_type"`
	Text           string            `json:"text,omitempty"`
	Header         string            `json:"header,omitempty"`
	PrimaryResults []json.RawMessage `json:"primary_results,omitempty"`
}

// SkipUserInput reports whether the reply was produced by a custom extension
// that expects an immediate follow-up call.
func (r *MessageResponse) SkipUserInput() bool {
	if r == nil || r.Context.Global == nil || r.Context.Global.System == nil {
		return false
	}
	return r.Context.Global.System.SkipUserInput
}

// Skill returns the named skill context, or the zero value when absent.
func (r *MessageResponse) Skill(name string) SkillContext {
	if r == nil || r.Context.Skills == nil {
		return SkillContext{}
	}
	return r.Context.Skills[name]
}

// CreateSessionResponse is returned by the session endpoint.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}
