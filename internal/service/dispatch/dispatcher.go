package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"
	"time"

	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/model/conversation"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/cards"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/delay"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/textnorm"
)

var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrMalformedMessage = errors.New("malformed conversation message")
)

const (
	customExtensionDirectives = "@hideCards() @showCards(customExtensionCard) "
	defaultRetryBackoff       = 250 * time.Millisecond
)

var linkPattern = regexp.MustCompile(`href="([^"]*)`)

// TurnResult is the outcome of one inbound frame.
type TurnResult int

const (
	// Ignored frames are not conversation requests.
	Ignored TurnResult = iota
	// Delivered means the final response reached the client.
	Delivered
	// Retryable means the turn failed on a transient assistant error.
	Retryable
	// Terminal means the turn failed for good or was abandoned.
	Terminal
)

func (r TurnResult) String() string {
	switch r {
	case Ignored:
		return "ignored"
	case Delivered:
		return "delivered"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("TurnResult(%d)", int(r))
	}
}

// Config tunes turn handling. A failed turn is dropped and only logged unless
// ErrorAck is set.
type Config struct {
	WordsPerMinute      int
	DelayEnabled        bool
	MaxRetries          int
	ErrorAck            bool
	FallbackSpeech      string
	GreeterTopics       []string
	CustomExtensionName string
}

// Dispatcher runs conversation turns and control operations for connected avatars.
type Dispatcher struct {
	assistant assistant.Assistant
	sessions  *session.Registry
	text      *textnorm.Pipeline
	cfg       Config

	now     func() time.Time
	pick    func(n int) int
	backoff time.Duration
}

// New wires a dispatcher.
func New(asst assistant.Assistant, sessions *session.Registry, text *textnorm.Pipeline, cfg Config) *Dispatcher {
	if cfg.WordsPerMinute <= 0 {
		cfg.WordsPerMinute = 150
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CustomExtensionName == "" {
		cfg.CustomExtensionName = "Generative AI"
	}
	return &Dispatcher{
		assistant: asst,
		sessions:  sessions,
		text:      text,
		cfg:       cfg,
		now:       time.Now,
		pick:      rand.Intn,
		backoff:   defaultRetryBackoff,
	}
}

// Connect opens an assistant session and registers the connection under its id.
func (d *Dispatcher) Connect(ctx context.Context, sender session.Sender) (*session.Session, error) {
	id, err := d.assistant.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create assistant session: %w", err)
	}

	sess, err := d.sessions.Create(id, sender)
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	log.Printf("[dispatch] connection established, session=%s, active=%d", id, d.sessions.Count())
	return sess, nil
}

// Disconnect forgets the connection and abandons its deferred delivery.
// The assistant session is left to expire on its own.
func (d *Dispatcher) Disconnect(id string) {
	if err := d.sessions.Remove(id); err != nil {
		log.Printf("[dispatch] disconnect session=%s: %v", id, err)
		return
	}
	log.Printf("[dispatch] connection closed, session=%s, active=%d", id, d.sessions.Count())
}

// HandleMessage decodes one raw socket frame and runs a turn for conversation requests.
func (d *Dispatcher) HandleMessage(ctx context.Context, id string, raw []byte) TurnResult {
	msg, err := conversation.ParseInbound(raw)
	if err != nil {
		sess, getErr := d.sessions.Get(id)
		if getErr != nil {
			log.Printf("[dispatch] malformed frame for unknown session=%s: %v", id, err)
			return Terminal
		}
		return d.fail(sess, fmt.Errorf("%w: %v", ErrMalformedMessage, err))
	}

	if !msg.IsConversationRequest() {
		return Ignored
	}
	return d.HandleTurn(ctx, id, msg.Body.Input.Text)
}

// HandleTurn runs one conversation turn. The session's turn lock is held until
// the final response has been delivered or abandoned. A reset interrupts the
// turn through its context.
func (d *Dispatcher) HandleTurn(ctx context.Context, id, text string) TurnResult {
	sess, err := d.sessions.Get(id)
	if err != nil {
		log.Printf("[dispatch] turn for session=%s: %v", id, err)
		return Terminal
	}

	sess.Lock()
	defer sess.Unlock()

	turnCtx, end := sess.BeginTurn(ctx)
	defer end()

	result := d.runTurn(turnCtx, sess, text)
	log.Printf("[dispatch] turn finished, session=%s, result=%s", id, result)
	return result
}

func (d *Dispatcher) runTurn(ctx context.Context, sess *session.Session, text string) TurnResult {
	resp, err := d.message(ctx, sess, text)
	if err != nil {
		return d.fail(sess, err)
	}

	vars := conversation.Variables{}
	intermediate := false
	words := 0
	var started time.Time

	if resp.SkipUserInput() {
		log.Printf("[dispatch] custom extension hit, session=%s", sess.ID())

		spoken := SpokenText(resp)
		words = len(strings.Split(spoken, " "))

		cards.AddCustomExtensionCard(d.cfg.CustomExtensionName, vars, sess.ID())
		started = d.now()

		speech := d.text.AnnotatePronunciation(customExtensionDirectives + spoken)
		if err := sess.SendJSON(conversation.NewConversationResponse(speech, vars)); err != nil {
			log.Printf("[dispatch] send intermediate failed, session=%s: %v", sess.ID(), err)
			return Terminal
		}
		intermediate = true

		vars = conversation.Variables{}
		resp, err = d.message(ctx, sess, "")
		if err != nil {
			return d.fail(sess, err)
		}
	}

	if err := ctx.Err(); err != nil {
		log.Printf("[dispatch] turn interrupted before delivery, session=%s: %v", sess.ID(), err)
		return Terminal
	}

	frame := d.render(sess.ID(), resp, vars)

	if intermediate && d.cfg.DelayEnabled {
		elapsed := d.now().Sub(started)
		wait := delay.Timeout(words, d.cfg.WordsPerMinute, elapsed)
		log.Printf("[dispatch] api response time=%s, intermediate words=%d, timeout=%s", elapsed, words, wait)
		return d.deliverAfter(ctx, sess, wait, frame)
	}

	return d.deliver(sess, frame)
}

// render turns an assistant reply into the outbound speech frame.
func (d *Dispatcher) render(id string, resp *assistantmodel.MessageResponse, vars conversation.Variables) conversation.OutboundMessage {
	spoken := SpokenText(resp)

	if link := FirstLink(spoken); link != "" {
		cards.AddLinkCard(link, vars, id)
		log.Printf("[dispatch] link in response, session=%s, link=%s", id, link)
	}

	cards.ExtractContext(resp, vars, id)
	return conversation.NewConversationResponse(d.text.AnnotatePronunciation(spoken), vars)
}

func (d *Dispatcher) deliver(sess *session.Session, frame conversation.OutboundMessage) TurnResult {
	if err := sess.SendJSON(frame); err != nil {
		log.Printf("[dispatch] send failed, session=%s: %v", sess.ID(), err)
		return Terminal
	}
	return Delivered
}

func (d *Dispatcher) deliverAfter(ctx context.Context, sess *session.Session, wait time.Duration, frame conversation.OutboundMessage) TurnResult {
	var sendErr error
	task := delay.Schedule(ctx, wait, func() {
		sendErr = sess.SendJSON(frame)
	})
	sess.SetPending(task)

	<-task.Done()
	sess.ClearPending(task)

	if !task.Fired() {
		log.Printf("[dispatch] deferred delivery cancelled, session=%s", sess.ID())
		return Terminal
	}
	if sendErr != nil {
		log.Printf("[dispatch] deferred send failed, session=%s: %v", sess.ID(), sendErr)
		return Terminal
	}
	return Delivered
}

// fail logs err. With ErrorAck set it also answers the client with the
// fallback speech and an error card; otherwise the turn is dropped.
func (d *Dispatcher) fail(sess *session.Session, err error) TurnResult {
	if errors.Is(err, context.Canceled) {
		log.Printf("[dispatch] turn interrupted, session=%s: %v", sess.ID(), err)
		return Terminal
	}

	retryable := assistant.IsRetryable(err)
	log.Printf("[dispatch] turn failed, session=%s, retryable=%t: %v", sess.ID(), retryable, err)

	result := Terminal
	if retryable {
		result = Retryable
	}
	if !d.cfg.ErrorAck {
		return result
	}

	message := "The assistant could not answer this request."
	switch {
	case errors.Is(err, ErrMalformedMessage):
		message = "The message could not be understood."
	case retryable:
		message = "The assistant is temporarily unavailable."
	}

	vars := conversation.Variables{}
	cards.AddErrorCard(message, retryable, vars, sess.ID())
	if sendErr := sess.SendJSON(conversation.NewConversationResponse(d.cfg.FallbackSpeech, vars)); sendErr != nil {
		log.Printf("[dispatch] send error acknowledgment failed, session=%s: %v", sess.ID(), sendErr)
		return Terminal
	}
	return result
}

// message sends a user query with the cached language context and refreshes
// the cached user-defined context from the reply.
func (d *Dispatcher) message(ctx context.Context, sess *session.Session, text string) (*assistantmodel.MessageResponse, error) {
	sid, err := d.ensureAssistantSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	userID := sess.UserID()
	if userID == "" {
		userID = sid
	}

	userDefined := map[string]any{}
	if lang, ok := sess.UserContext()["lang_id"]; ok && lang != nil {
		userDefined["lang_id"] = lang
	}

	resp, err := d.call(ctx, &assistantmodel.MessageRequest{
		SessionID: sid,
		UserID:    userID,
		Input: assistantmodel.MessageInput{
			MessageType: "text",
			Text:        d.text.CorrectMishearings(text),
			Options:     &assistantmodel.InputOptions{ReturnContext: true},
		},
		Context: &assistantmodel.MessageContext{
			Skills: map[string]assistantmodel.SkillContext{
				assistantmodel.MainSkill: {UserDefined: userDefined},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	sess.SetUserContext(resp.Skill(assistantmodel.MainSkill).UserDefined)
	if resp.UserID != "" {
		sess.SetUserID(resp.UserID)
	}
	return resp, nil
}

// ensureAssistantSession lazily opens an assistant session after a reset cleared it.
func (d *Dispatcher) ensureAssistantSession(ctx context.Context, sess *session.Session) (string, error) {
	if sid := sess.AssistantSessionID(); sid != "" {
		return sid, nil
	}

	sid, err := d.assistant.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create assistant session: %w", err)
	}
	sess.SetAssistantSessionID(sid)
	log.Printf("[dispatch] opened assistant session=%s for connection=%s", sid, sess.ID())
	return sid, nil
}

// call retries transient assistant failures with a linear backoff.
func (d *Dispatcher) call(ctx context.Context, req *assistantmodel.MessageRequest) (*assistantmodel.MessageResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := d.assistant.Message(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= d.cfg.MaxRetries || !assistant.IsRetryable(err) {
			return nil, err
		}

		log.Printf("[dispatch] retrying assistant call, session=%s, attempt=%d: %v", req.SessionID, attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.backoff * time.Duration(attempt+1)):
		}
	}
}

// SpokenText concatenates text items and search headers, each preceded by a space.
func SpokenText(resp *assistantmodel.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, item := range resp.Output.Generic {
		switch item.ResponseType {
		case assistantmodel.ResponseTypeText:
			b.WriteString(" ")
			b.WriteString(item.Text)
		case assistantmodel.ResponseTypeSearch:
			b.WriteString(" ")
			b.WriteString(item.Header)
		}
	}
	return b.String()
}

// FirstLink returns the target of the first href attribute in text.
func FirstLink(text string) string {
	m := linkPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
