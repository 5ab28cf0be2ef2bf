package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/model/conversation"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/cards"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/textnorm"
)

type reply struct {
	resp *assistantmodel.MessageResponse
	err  error
}

type fakeAssistant struct {
	mu       sync.Mutex
	created  int
	deleted  []string
	requests []assistantmodel.MessageRequest
	replies  []reply

	// holdCall makes the n-th Message call wait for its context, closing held first.
	holdCall int
	held     chan struct{}
}

func (f *fakeAssistant) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("asst-%d", f.created), nil
}

func (f *fakeAssistant) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAssistant) Message(ctx context.Context, req *assistantmodel.MessageRequest) (*assistantmodel.MessageResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	hold := f.holdCall != 0 && len(f.requests) == f.holdCall
	next := reply{resp: textReply()}
	if len(f.replies) > 0 {
		next = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if hold {
		close(f.held)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return next.resp, next.err
}

func (f *fakeAssistant) queue(replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeAssistant) request(i int) assistantmodel.MessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeAssistant) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordingSender struct {
	mu     sync.Mutex
	frames []conversation.OutboundMessage
	texts  []string
	notify chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{notify: make(chan struct{}, 16)}
}

func (s *recordingSender) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg conversation.OutboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) Frames() []conversation.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.OutboundMessage(nil), s.frames...)
}

func (s *recordingSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func textReply(texts ...string) *assistantmodel.MessageResponse {
	resp := &assistantmodel.MessageResponse{}
	for _, text := range texts {
		resp.Output.Generic = append(resp.Output.Generic, assistantmodel.GenericItem{
			ResponseType: assistantmodel.ResponseTypeText,
			Text:         text,
		})
	}
	return resp
}

func customExtensionReply(text string) *assistantmodel.MessageResponse {
	resp := textReply(text)
	resp.Context.Global = &assistantmodel.GlobalContext{System: &assistantmodel.SystemContext{SkipUserInput: true}}
	return resp
}

type harness struct {
	d      *Dispatcher
	asst   *fakeAssistant
	sender *recordingSender
	sess   *session.Session
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	pipeline, err := textnorm.NewPipeline(textnorm.DefaultTables())
	if err != nil {
		t.Fatalf("NewPipeline err: %v", err)
	}
	if cfg.FallbackSpeech == "" {
		cfg.FallbackSpeech = "Sorry, please try again."
	}

	asst := &fakeAssistant{}
	d := New(asst, session.NewRegistry(), pipeline, cfg)
	d.backoff = 0

	sender := newRecordingSender()
	sess, err := d.Connect(context.Background(), sender)
	if err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	return &harness{d: d, asst: asst, sender: sender, sess: sess}
}

func decodeCard(t *testing.T, vars conversation.Variables, key string) map[string]any {
	t.Helper()
	raw, ok := vars[key]
	if !ok {
		t.Fatalf("missing variable %s in %v", key, vars)
	}
	var card map[string]any
	if err := json.Unmarshal([]byte(raw), &card); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return card
}

func TestHandleTurnCorrectsAndAnnotates(t *testing.T) {
	h := newHarness(t, Config{})
	h.asst.queue(reply{resp: textReply("Learn about watsonx.")})

	result := h.d.HandleTurn(context.Background(), h.sess.ID(), "tell me about watson x")
	if result != Delivered {
		t.Fatalf("expected Delivered, got %s", result)
	}

	req := h.asst.request(0)
	if req.Input.Text != "tell me about watsonx" {
		t.Fatalf("expected mishearing corrected, got %q", req.Input.Text)
	}
	if req.SessionID != "asst-1" || req.UserID != "asst-1" {
		t.Fatalf("unexpected request ids %+v", req)
	}
	if req.Input.Options == nil || !req.Input.Options.ReturnContext {
		t.Fatal("expected return_context")
	}

	frames := h.sender.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	if got := frames[0].Body.Output.Text; got != " Learn about @pronounce(watsonx, Watson X) " {
		t.Fatalf("unexpected speech %q", got)
	}
	if frames[0].Name != conversation.NameConversationResponse || frames[0].Body.PersonaID != 1 {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
}

func TestHandleTurnCachesLanguageContext(t *testing.T) {
	h := newHarness(t, Config{})
	first := textReply("Bonjour")
	first.Context.Skills = map[string]assistantmodel.SkillContext{
		assistantmodel.MainSkill: {UserDefined: map[string]any{"lang_id": "fr", "other": "x"}},
	}
	h.asst.queue(reply{resp: first}, reply{resp: textReply("Encore")})

	h.d.HandleTurn(context.Background(), h.sess.ID(), "hello")
	h.d.HandleTurn(context.Background(), h.sess.ID(), "again")

	if skill := h.asst.request(0).Context.Skills[assistantmodel.MainSkill]; len(skill.UserDefined) != 0 {
		t.Fatalf("expected empty language context on first turn, got %v", skill.UserDefined)
	}
	skill := h.asst.request(1).Context.Skills[assistantmodel.MainSkill]
	if skill.UserDefined["lang_id"] != "fr" || len(skill.UserDefined) != 1 {
		t.Fatalf("expected only lang_id forwarded, got %v", skill.UserDefined)
	}
	if h.sess.UserContext()["other"] != "x" {
		t.Fatalf("expected user context cached, got %v", h.sess.UserContext())
	}
}

func TestHandleTurnCustomExtension(t *testing.T) {
	h := newHarness(t, Config{})
	h.asst.queue(
		reply{resp: customExtensionReply("Let me look that up")},
		reply{resp: textReply("Here it is")},
	)

	if result := h.d.HandleTurn(context.Background(), h.sess.ID(), "what is new"); result != Delivered {
		t.Fatalf("expected Delivered, got %s", result)
	}

	if h.asst.requestCount() != 2 {
		t.Fatalf("expected follow-up call, got %d calls", h.asst.requestCount())
	}
	if follow := h.asst.request(1); follow.Input.Text != "" {
		t.Fatalf("expected empty follow-up input, got %q", follow.Input.Text)
	}

	frames := h.sender.Frames()
	if len(frames) != 2 {
		t.Fatalf("expected intermediate and final frames, got %d", len(frames))
	}

	intermediate := frames[0]
	if got := intermediate.Body.Output.Text; got != "@hideCards() @showCards(customExtensionCard)  Let me look that up" {
		t.Fatalf("unexpected intermediate speech %q", got)
	}
	card := decodeCard(t, intermediate.Body.Variables, cards.KeyCustomExtensionCard)
	if card["component"] != cards.ComponentCustomExtension || card["id"] != h.sess.ID() {
		t.Fatalf("unexpected custom extension card %v", card)
	}
	if data, _ := card["data"].(map[string]any); data["name"] != "Generative AI" {
		t.Fatalf("unexpected card data %v", card["data"])
	}

	final := frames[1]
	if final.Body.Output.Text != " Here it is" {
		t.Fatalf("unexpected final speech %q", final.Body.Output.Text)
	}
	if _, ok := final.Body.Variables[cards.KeyCustomExtensionCard]; ok {
		t.Fatal("final frame must not repeat the custom extension card")
	}
}

func TestHandleTurnDelaysFinalResponse(t *testing.T) {
	h := newHarness(t, Config{DelayEnabled: true, WordsPerMinute: 6000})
	h.asst.queue(
		reply{resp: customExtensionReply("Let me check")},
		reply{resp: textReply("Done")},
	)

	start := time.Now()
	if result := h.d.HandleTurn(context.Background(), h.sess.ID(), "check"); result != Delivered {
		t.Fatalf("expected Delivered, got %s", result)
	}
	if len(h.sender.Frames()) != 2 {
		t.Fatalf("expected two frames, got %d", len(h.sender.Frames()))
	}
	// " Let me check" splits into four words: 40ms at 6000 wpm.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("final frame delivered too early: %s", elapsed)
	}
}

func TestHandleTurnElapsedTimeShortensDelay(t *testing.T) {
	h := newHarness(t, Config{DelayEnabled: true, WordsPerMinute: 1})
	base := time.Now()
	calls := 0
	h.d.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(time.Hour)
	}
	h.asst.queue(
		reply{resp: customExtensionReply("slow")},
		reply{resp: textReply("fast")},
	)

	done := make(chan TurnResult, 1)
	go func() { done <- h.d.HandleTurn(context.Background(), h.sess.ID(), "go") }()

	select {
	case result := <-done:
		if result != Delivered {
			t.Fatalf("expected Delivered, got %s", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("elapsed time longer than the pause must deliver immediately")
	}
}

func TestHandleTurnDeferredDeliveryCancelled(t *testing.T) {
	h := newHarness(t, Config{DelayEnabled: true, WordsPerMinute: 1})
	h.asst.queue(
		reply{resp: customExtensionReply("a long intermediate message")},
		reply{resp: textReply("never spoken")},
	)

	done := make(chan TurnResult, 1)
	go func() { done <- h.d.HandleTurn(context.Background(), h.sess.ID(), "go") }()

	deadline := time.After(2 * time.Second)
	for !h.sess.CancelPending() {
		select {
		case <-deadline:
			t.Fatal("deferred delivery was never scheduled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case result := <-done:
		if result != Terminal {
			t.Fatalf("expected Terminal, got %s", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after cancellation")
	}
	if frames := h.sender.Frames(); len(frames) != 1 {
		t.Fatalf("expected only the intermediate frame, got %d", len(frames))
	}
}

func TestHandleTurnDeferredDeliveryStopsWithContext(t *testing.T) {
	h := newHarness(t, Config{DelayEnabled: true, WordsPerMinute: 1})
	h.asst.queue(
		reply{resp: customExtensionReply("wait for it")},
		reply{resp: textReply("later")},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan TurnResult, 1)
	go func() { done <- h.d.HandleTurn(ctx, h.sess.ID(), "go") }()

	select {
	case <-h.sender.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("intermediate frame not sent")
	}
	cancel()

	select {
	case result := <-done:
		if result != Terminal {
			t.Fatalf("expected Terminal, got %s", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop with its context")
	}
}

func TestHandleTurnLinkAndSearchCards(t *testing.T) {
	h := newHarness(t, Config{})
	resp := textReply(`Read <a href="https://example.com/docs">the docs</a>`)
	resp.Output.Generic = append(resp.Output.Generic, assistantmodel.GenericItem{
		ResponseType:   assistantmodel.ResponseTypeSearch,
		Header:         "I found this",
		PrimaryResults: []json.RawMessage{json.RawMessage(`{"title":"Doc"}`)},
	})
	h.asst.queue(reply{resp: resp})

	h.d.HandleTurn(context.Background(), h.sess.ID(), "docs")

	frame := h.sender.Frames()[0]
	link := decodeCard(t, frame.Body.Variables, cards.KeyLink)
	if data, _ := link["data"].(map[string]any); data["link"] != "https://example.com/docs" {
		t.Fatalf("unexpected link card %v", link)
	}
	search := decodeCard(t, frame.Body.Variables, cards.KeySearch)
	if search["component"] != cards.ComponentSearch {
		t.Fatalf("unexpected search card %v", search)
	}
	if !strings.HasSuffix(frame.Body.Output.Text, " I found this") {
		t.Fatalf("expected search header spoken, got %q", frame.Body.Output.Text)
	}
	if strings.Contains(frame.Body.Output.Text, `"`) {
		t.Fatalf("expected quotes stripped, got %q", frame.Body.Output.Text)
	}
}

func TestHandleTurnRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.asst.queue(
		reply{err: &assistant.APIError{StatusCode: http.StatusServiceUnavailable}},
		reply{resp: textReply("recovered")},
	)

	if result := h.d.HandleTurn(context.Background(), h.sess.ID(), "hi"); result != Delivered {
		t.Fatalf("expected Delivered, got %s", result)
	}
	if h.asst.requestCount() != 2 {
		t.Fatalf("expected one retry, got %d calls", h.asst.requestCount())
	}
}

func TestHandleTurnErrorAcknowledgment(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		calls     int
		result    TurnResult
		retryable bool
	}{
		{"exhausted retries", &assistant.APIError{StatusCode: http.StatusTooManyRequests}, 2, Retryable, true},
		{"terminal", &assistant.APIError{StatusCode: http.StatusBadRequest}, 1, Terminal, false},
		{"unknown", errors.New("boom"), 1, Terminal, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxRetries: 1, ErrorAck: true, FallbackSpeech: "One moment please."})
			h.asst.queue(reply{err: tc.err}, reply{err: tc.err})

			if result := h.d.HandleTurn(context.Background(), h.sess.ID(), "hi"); result != tc.result {
				t.Fatalf("expected %s, got %s", tc.result, result)
			}
			if h.asst.requestCount() != tc.calls {
				t.Fatalf("expected %d calls, got %d", tc.calls, h.asst.requestCount())
			}

			frames := h.sender.Frames()
			if len(frames) != 1 || frames[0].Body.Output.Text != "One moment please." {
				t.Fatalf("expected fallback speech, got %+v", frames)
			}
			card := decodeCard(t, frames[0].Body.Variables, cards.KeyError)
			data, _ := card["data"].(map[string]any)
			if data["retryable"] != tc.retryable || card["component"] != cards.ComponentError {
				t.Fatalf("unexpected error card %v", card)
			}
		})
	}
}

func TestHandleTurnFailureDroppedByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	h.asst.queue(
		reply{err: &assistant.APIError{StatusCode: http.StatusInternalServerError}},
		reply{resp: textReply("second answer")},
	)

	if result := h.d.HandleTurn(context.Background(), h.sess.ID(), "hi"); result != Retryable {
		t.Fatalf("expected Retryable, got %s", result)
	}
	if h.asst.requestCount() != 1 {
		t.Fatalf("message must not be repeated by default, got %d calls", h.asst.requestCount())
	}
	if frames := h.sender.Frames(); len(frames) != 0 {
		t.Fatalf("failed turn must not reach the client, got %+v", frames)
	}
}

func TestHandleMessageMalformedAcknowledged(t *testing.T) {
	h := newHarness(t, Config{ErrorAck: true})

	if result := h.d.HandleMessage(context.Background(), h.sess.ID(), []byte(`{"kind":`)); result != Terminal {
		t.Fatalf("expected Terminal for malformed frame, got %s", result)
	}
	frames := h.sender.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected an error acknowledgment, got %d frames", len(frames))
	}
	card := decodeCard(t, frames[0].Body.Variables, cards.KeyError)
	if data, _ := card["data"].(map[string]any); data["retryable"] != false {
		t.Fatalf("malformed frames are not retryable, got %v", card)
	}
}

func TestHandleMessageFrames(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if result := h.d.HandleMessage(ctx, h.sess.ID(), []byte(`{"kind":"event","name":"other"}`)); result != Ignored {
		t.Fatalf("expected Ignored, got %s", result)
	}
	if len(h.sender.Frames()) != 0 || h.asst.requestCount() != 0 {
		t.Fatal("ignored frames must not reach the assistant")
	}

	if result := h.d.HandleMessage(ctx, h.sess.ID(), []byte(`{"kind":`)); result != Terminal {
		t.Fatalf("expected Terminal for malformed frame, got %s", result)
	}
	if frames := h.sender.Frames(); len(frames) != 0 {
		t.Fatalf("malformed frame must be dropped, got %d frames", len(frames))
	}

	h.asst.queue(reply{resp: textReply("hi there")})
	raw := []byte(`{"kind":"event","name":"conversationRequest","body":{"input":{"text":"hello"}}}`)
	if result := h.d.HandleMessage(ctx, h.sess.ID(), raw); result != Delivered {
		t.Fatalf("expected Delivered, got %s", result)
	}
	if h.asst.request(0).Input.Text != "hello" {
		t.Fatalf("unexpected query %q", h.asst.request(0).Input.Text)
	}

	if result := h.d.HandleMessage(ctx, "unknown", raw); result != Terminal {
		t.Fatalf("expected Terminal for unknown session, got %s", result)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	if h.sess.ID() != "asst-1" || h.sess.AssistantSessionID() != "asst-1" {
		t.Fatalf("connection should be keyed by its first assistant session, got %s", h.sess.ID())
	}

	h.d.Disconnect(h.sess.ID())
	if _, err := h.d.sessions.Get(h.sess.ID()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
	if len(h.asst.deleted) != 0 {
		t.Fatal("disconnect must not delete the assistant session")
	}
	h.d.Disconnect(h.sess.ID())
}

func TestSpokenTextAndFirstLink(t *testing.T) {
	resp := &assistantmodel.MessageResponse{Output: assistantmodel.MessageOutput{Generic: []assistantmodel.GenericItem{
		{ResponseType: assistantmodel.ResponseTypeText, Text: "one"},
		{ResponseType: "option", Text: "skipped"},
		{ResponseType: assistantmodel.ResponseTypeSearch, Header: "two"},
	}}}
	if got := SpokenText(resp); got != " one two" {
		t.Fatalf("unexpected spoken text %q", got)
	}
	if SpokenText(nil) != "" {
		t.Fatal("expected empty spoken text for nil response")
	}

	if got := FirstLink(`<a href="a">x</a> <a href="b">y</a>`); got != "a" {
		t.Fatalf("expected first link, got %q", got)
	}
	if FirstLink("no links here") != "" {
		t.Fatal("expected no link")
	}
}
