package dispatch

import (
	"context"
	"fmt"
	"log"

	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/model/conversation"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
)

// Reset modes sent by the front end.
const (
	ResetID    = "ResetID"
	ResetConvo = "ResetConvo"
	StopConvo  = "StopConvo"
)

// Acknowledgments returned to the control caller.
const (
	AckSessionReset = "Session ID set to null"
	AckRestarting   = "Restarting the conversation"
	AckNewTopic     = "New topic"
	AckStopConvo    = "Stop Convo"

	socketResetSuccessful = "Reset successful"
	restartQuery          = "start over"
	lowSpeedQuery         = "stop_convo_low_speed"
	capabilitiesQuery     = "What can you do?"
)

// resetVariables are nulled in the assistant context on a fresh session.
var resetVariables = []string{"user-id"}

// Reset restarts the session according to fn and returns the acknowledgment text.
// A turn still in flight is interrupted and its final response is never sent.
// ResetConvo pushes the restart reply rendered like a turn reply, with
// pronunciation directives and link card.
func (d *Dispatcher) Reset(ctx context.Context, id, fn string) (string, error) {
	sess, err := d.controlSession(id)
	if err != nil {
		return "", err
	}
	if sess.Interrupt() {
		log.Printf("[dispatch] interrupted running turn for connection=%s", id)
	}

	sess.Lock()
	defer sess.Unlock()

	switch fn {
	case ResetID:
		log.Printf("[dispatch] session timeout, resetting assistant session for connection=%s", id)
		if _, err := d.replaceAssistantSession(ctx, sess, ""); err != nil {
			return "", err
		}
		d.sendText(sess, AckSessionReset)
		return AckSessionReset, nil

	case ResetConvo:
		log.Printf("[dispatch] restarting conversation for connection=%s", id)
		resp, err := d.replaceAssistantSession(ctx, sess, restartQuery)
		if err != nil {
			return "", err
		}
		if err := d.sessions.ClearUserContext(id); err != nil {
			return "", err
		}
		d.push(sess, d.render(id, resp, conversation.Variables{}))
		return AckRestarting, nil

	default:
		log.Printf("[dispatch] inactivity detected for connection=%s", id)
		sess.SetAssistantSessionID("")
		sess.SetUserID("")
		sess.SetUserContext(nil)
		d.sendText(sess, socketResetSuccessful)
		return AckSessionReset, nil
	}
}

// NewTopic asks the assistant about a random greeter topic and pushes the reply,
// rendered like a turn reply.
func (d *Dispatcher) NewTopic(ctx context.Context, id string) (string, error) {
	sess, err := d.controlSession(id)
	if err != nil {
		return "", err
	}

	sess.Lock()
	defer sess.Unlock()

	topic := ""
	if n := len(d.cfg.GreeterTopics); n > 0 {
		topic = d.cfg.GreeterTopics[d.pick(n)]
	}
	log.Printf("[dispatch] new topic for connection=%s, topic=%q", id, topic)

	resp, err := d.plainMessage(ctx, sess, assistantmodel.MessageInput{
		MessageType: "text",
		Text:        topic,
		Options:     &assistantmodel.InputOptions{ReturnContext: true},
	})
	if err != nil {
		return "", err
	}

	d.push(sess, d.render(id, resp, conversation.Variables{}))
	return AckNewTopic, nil
}

// LowSpeed refreshes the context and then either stops the conversation or
// prompts the assistant to list its capabilities. The pushed reply is rendered
// like a turn reply.
func (d *Dispatcher) LowSpeed(ctx context.Context, id, fn string, speed any) (string, error) {
	sess, err := d.controlSession(id)
	if err != nil {
		return "", err
	}

	sess.Lock()
	defer sess.Unlock()

	log.Printf("[dispatch] low speed for connection=%s, fn=%s, speed=%v", id, fn, speed)

	if _, err := d.plainMessage(ctx, sess, assistantmodel.MessageInput{
		Options: &assistantmodel.InputOptions{ReturnContext: true},
	}); err != nil {
		return "", err
	}

	query := capabilitiesQuery
	if fn == StopConvo {
		query = lowSpeedQuery
	}
	resp, err := d.plainMessage(ctx, sess, assistantmodel.MessageInput{
		MessageType: "text",
		Text:        query,
		Options:     &assistantmodel.InputOptions{ReturnContext: true},
	})
	if err != nil {
		return "", err
	}

	d.push(sess, d.render(id, resp, conversation.Variables{}))
	return AckStopConvo, nil
}

func (d *Dispatcher) controlSession(id string) (*session.Session, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}
	return d.sessions.Get(id)
}

// replaceAssistantSession opens a new assistant session, clears the reset
// variables on it and retires the previous one.
func (d *Dispatcher) replaceAssistantSession(ctx context.Context, sess *session.Session, text string) (*assistantmodel.MessageResponse, error) {
	newID, err := d.assistant.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create assistant session: %w", err)
	}

	cleared := make(map[string]any, len(resetVariables))
	for _, name := range resetVariables {
		cleared[name] = nil
	}

	resp, err := d.call(ctx, &assistantmodel.MessageRequest{
		SessionID: newID,
		UserID:    newID,
		Input: assistantmodel.MessageInput{
			MessageType: "text",
			Text:        text,
			Options:     &assistantmodel.InputOptions{ReturnContext: true},
		},
		Context: &assistantmodel.MessageContext{
			Skills: map[string]assistantmodel.SkillContext{
				assistantmodel.MainSkill: {UserDefined: cleared},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reset context: %w", err)
	}

	if old := sess.AssistantSessionID(); old != "" {
		if err := d.assistant.DeleteSession(ctx, old); err != nil {
			log.Printf("[dispatch] delete assistant session=%s failed: %v", old, err)
		}
	}

	if err := d.sessions.ReplaceAssistantSession(sess.ID(), newID); err != nil {
		return nil, err
	}
	return resp, nil
}

// plainMessage queries the assistant as the session itself, without cached context.
func (d *Dispatcher) plainMessage(ctx context.Context, sess *session.Session, input assistantmodel.MessageInput) (*assistantmodel.MessageResponse, error) {
	sid, err := d.ensureAssistantSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	return d.call(ctx, &assistantmodel.MessageRequest{SessionID: sid, UserID: sid, Input: input})
}

func (d *Dispatcher) push(sess *session.Session, frame conversation.OutboundMessage) {
	if err := sess.SendJSON(frame); err != nil {
		log.Printf("[dispatch] push failed, session=%s: %v", sess.ID(), err)
	}
}

func (d *Dispatcher) sendText(sess *session.Session, text string) {
	if err := sess.SendText(text); err != nil {
		log.Printf("[dispatch] send text failed, session=%s: %v", sess.ID(), err)
	}
}
