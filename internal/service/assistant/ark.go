package assistant

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/zhouzirui/avatar-bridge/backend/internal/config"
	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
)

// Ark answers turns with a Volcengine Ark chat model through an eino chain.
// It keeps the per-session history the hosted assistant would otherwise own.
type Ark struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	historyLimit int

	mu       sync.Mutex
	sessions map[string]*arkSession
}

type arkSession struct {
	history     []*schema.Message
	userDefined map[string]any
}

// NewArk creates the chat model from configuration and compiles the chain.
func NewArk(ctx context.Context, cfg config.ArkConfig) (*Ark, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewArkWithModel(ctx, chatModel, cfg.SystemPrompt, cfg.HistoryLimit)
}

// NewArkWithModel compiles the chain around an existing chat model.
func NewArkWithModel(ctx context.Context, chatModel model.BaseChatModel, systemPrompt string, historyLimit int) (*Ark, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Ark{
		chain:        runnable,
		systemPrompt: systemPrompt,
		historyLimit: historyLimit,
		sessions:     make(map[string]*arkSession),
	}, nil
}

// CreateSession allocates a local conversation history.
func (a *Ark) CreateSession(context.Context) (string, error) {
	id := uuid.NewString()

	a.mu.Lock()
	a.sessions[id] = &arkSession{}
	a.mu.Unlock()

	log.Printf("[assistant] created ark session=%s", id)
	return id, nil
}

// DeleteSession drops the conversation history.
func (a *Ark) DeleteSession(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sessionID]; !ok {
		return &APIError{StatusCode: http.StatusNotFound, Body: "Invalid Session"}
	}
	delete(a.sessions, sessionID)
	return nil
}

// Message runs one turn. Empty input only refreshes context and yields no speech.
func (a *Ark) Message(ctx context.Context, req *assistantmodel.MessageRequest) (*assistantmodel.MessageResponse, error) {
	if req == nil || req.SessionID == "" {
		return nil, ErrSessionIDMissing
	}

	a.mu.Lock()
	sess, ok := a.sessions[req.SessionID]
	if ok {
		mergeUserDefined(sess, req.Context)
	}
	var history []*schema.Message
	if ok {
		history = append(history, sess.history...)
	}
	a.mu.Unlock()

	if !ok {
		return nil, &APIError{StatusCode: http.StatusNotFound, Body: "Invalid Session"}
	}

	query := strings.TrimSpace(req.Input.Text)
	if query == "" {
		return a.response(req.SessionID, req.UserID, nil), nil
	}

	reply, err := a.chain.Invoke(ctx, map[string]any{
		"system":  a.systemPrompt,
		"history": history,
		"query":   query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run chat chain: %w", err)
	}

	a.mu.Lock()
	if sess, ok := a.sessions[req.SessionID]; ok {
		sess.history = trimHistory(append(sess.history, schema.UserMessage(query), schema.AssistantMessage(reply.Content, nil)), a.historyLimit)
	}
	a.mu.Unlock()

	log.Printf("[assistant] ark reply session=%s, length=%d", req.SessionID, len(reply.Content))
	return a.response(req.SessionID, req.UserID, []assistantmodel.GenericItem{{
		ResponseType: assistantmodel.ResponseTypeText,
		Text:         reply.Content,
	}}), nil
}

func (a *Ark) response(sessionID, userID string, items []assistantmodel.GenericItem) *assistantmodel.MessageResponse {
	a.mu.Lock()
	userDefined := map[string]any{}
	if sess, ok := a.sessions[sessionID]; ok {
		for k, v := range sess.userDefined {
			userDefined[k] = v
		}
	}
	a.mu.Unlock()

	if items == nil {
		items = []assistantmodel.GenericItem{}
	}
	return &assistantmodel.MessageResponse{
		Output: assistantmodel.MessageOutput{Generic: items},
		Context: assistantmodel.MessageContext{
			Global: &assistantmodel.GlobalContext{System: &assistantmodel.SystemContext{UserID: userID}},
			Skills: map[string]assistantmodel.SkillContext{
				assistantmodel.MainSkill: {UserDefined: userDefined},
			},
		},
		UserID: userID,
	}
}

func mergeUserDefined(sess *arkSession, ctx *assistantmodel.MessageContext) {
	if ctx == nil {
		return
	}
	skill, ok := ctx.Skills[assistantmodel.MainSkill]
	if !ok {
		return
	}
	if sess.userDefined == nil {
		sess.userDefined = make(map[string]any, len(skill.UserDefined))
	}
	for k, v := range skill.UserDefined {
		if v == nil {
			delete(sess.userDefined, k)
			continue
		}
		sess.userDefined[k] = v
	}
}

func trimHistory(history []*schema.Message, limit int) []*schema.Message {
	if limit <= 0 {
		return nil
	}
	if len(history) <= limit {
		return history
	}
	return append([]*schema.Message(nil), history[len(history)-limit:]...)
}
