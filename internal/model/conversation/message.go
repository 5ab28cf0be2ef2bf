package conversation

import "encoding/json"

// Inbound frame identifiers.
const (
	KindEvent               = "event"
	NameConversationRequest = "conversationRequest"
)

// Outbound frame identifiers.
const (
	CategoryScene            = "scene"
	KindRequest              = "request"
	NameConversationResponse = "conversationResponse"
	DefaultPersonaID         = 1
)

// Variables maps a renderer variable name to its JSON-encoded value.
type Variables map[string]string

// InboundMessage is a frame sent by the avatar front end.
type InboundMessage struct {
	Kind string      `json:"kind"`
	Name string      `json:"name"`
	Body InboundBody `json:"body"`
}

// InboundBody holds the user input.
type InboundBody struct {
	Input InboundInput `json:"input"`
}

// InboundInput is the recognized speech or typed text.
type InboundInput struct {
	Text string `json:"text"`
}

// IsConversationRequest reports whether the frame asks for a turn.
func (m InboundMessage) IsConversationRequest() bool {
	return m.Kind == KindEvent && m.Name == NameConversationRequest
}

// ParseInbound decodes a raw socket frame.
func ParseInbound(raw []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return InboundMessage{}, err
	}
	return msg, nil
}

// OutboundMessage is the frame the renderer consumes.
type OutboundMessage struct {
	Category    string       `json:"category"`
	Kind        string       `json:"kind"`
	Name        string       `json:"name"`
	Transaction *string      `json:"transaction"`
	Body        OutboundBody `json:"body"`
}

// OutboundBody carries the speech and card variables.
type OutboundBody struct {
	PersonaID int            `json:"personaId"`
	Output    OutboundOutput `json:"output"`
	Variables Variables      `json:"variables"`
}

// OutboundOutput is the text the avatar speaks.
type OutboundOutput struct {
	Text string `json:"text"`
}

// NewConversationResponse builds the speech response frame.
func NewConversationResponse(text string, variables Variables) OutboundMessage {
	if variables == nil {
		variables = Variables{}
	}
	return OutboundMessage{
		Category: CategoryScene,
		Kind:     KindRequest,
		Name:     NameConversationResponse,
		Body: OutboundBody{
			PersonaID: DefaultPersonaID,
			Output:    OutboundOutput{Text: text},
			Variables: variables,
		},
	}
}
