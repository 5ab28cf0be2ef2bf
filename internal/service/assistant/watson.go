package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/IBM/go-sdk-core/v5/core"
	"github.com/google/uuid"
	"github.com/watson-developer-cloud/go-sdk/v3/assistantv2"
	"github.com/zhouzirui/avatar-bridge/backend/internal/config"
	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
)

// Watson talks to Watson Assistant v2 through the IBM SDK.
type Watson struct {
	service     *assistantv2.AssistantV2
	assistantID string
}

// WatsonOption customizes a Watson client.
type WatsonOption func(*watsonOptions)

type watsonOptions struct {
	client *http.Client
	auth   core.Authenticator
}

// WithHTTPClient replaces the HTTP client used for assistant calls.
func WithHTTPClient(client *http.Client) WatsonOption {
	return func(o *watsonOptions) {
		if client != nil {
			o.client = client
		}
	}
}

// WithAuthenticator replaces the authenticator derived from configuration.
func WithAuthenticator(auth core.Authenticator) WatsonOption {
	return func(o *watsonOptions) {
		if auth != nil {
			o.auth = auth
		}
	}
}

// NewWatson builds a client from configuration. IAM is used unless CP4D is enabled.
func NewWatson(cfg config.AssistantConfig, opts ...WatsonOption) (*Watson, error) {
	if cfg.ServiceURL == "" || cfg.EnvironmentID == "" {
		return nil, fmt.Errorf("%w: WATSON_ASSISTANT_SERVICEURL and WATSON_ASSISTANT_DRAFT_ENVIRONMENT_ID are required", ErrNotConfigured)
	}

	o := &watsonOptions{client: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(o)
	}

	if o.auth == nil {
		auth, err := newAuthenticator(cfg)
		if err != nil {
			return nil, err
		}
		o.auth = auth
	}

	service, err := assistantv2.NewAssistantV2(&assistantv2.AssistantV2Options{
		URL:           cfg.ServiceURL,
		Version:       core.StringPtr(cfg.Version),
		Authenticator: o.auth,
	})
	if err != nil {
		return nil, fmt.Errorf("create assistant service: %w", err)
	}
	service.Service.SetHTTPClient(o.client)
	if cfg.DisableSSL {
		service.DisableSSLVerification()
	}

	return &Watson{service: service, assistantID: cfg.EnvironmentID}, nil
}

func newAuthenticator(cfg config.AssistantConfig) (core.Authenticator, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: missing credentials", ErrNotConfigured)
	}

	var auth core.Authenticator
	if cfg.CP4D {
		auth = &core.CloudPakForDataAuthenticator{
			URL:                    cfg.CP4DURL,
			Username:               cfg.Username,
			Password:               cfg.Password,
			DisableSSLVerification: cfg.DisableSSL,
		}
	} else {
		auth = &core.IamAuthenticator{
			ApiKey:                 cfg.APIKey,
			DisableSSLVerification: cfg.DisableSSL,
		}
	}
	if err := auth.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	return auth, nil
}

// CreateSession opens a new assistant session.
func (w *Watson) CreateSession(ctx context.Context) (string, error) {
	result, resp, err := w.service.CreateSessionWithContext(ctx, &assistantv2.CreateSessionOptions{
		AssistantID: core.StringPtr(w.assistantID),
		Headers:     requestHeaders(),
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", wrapError(resp, err))
	}
	if result == nil || result.SessionID == nil || *result.SessionID == "" {
		return "", fmt.Errorf("create session: empty session_id")
	}
	log.Printf("[assistant] created session=%s", *result.SessionID)
	return *result.SessionID, nil
}

// DeleteSession closes an assistant session.
func (w *Watson) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionIDMissing
	}
	resp, err := w.service.DeleteSessionWithContext(ctx, &assistantv2.DeleteSessionOptions{
		AssistantID: core.StringPtr(w.assistantID),
		SessionID:   core.StringPtr(sessionID),
		Headers:     requestHeaders(),
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, wrapError(resp, err))
	}
	return nil
}

// Message sends one stateful message and returns the assistant's reply.
func (w *Watson) Message(ctx context.Context, req *assistantmodel.MessageRequest) (*assistantmodel.MessageResponse, error) {
	if req == nil || req.SessionID == "" {
		return nil, ErrSessionIDMissing
	}

	opts := &assistantv2.MessageOptions{
		AssistantID: core.StringPtr(w.assistantID),
		SessionID:   core.StringPtr(req.SessionID),
		Headers:     requestHeaders(),
	}
	if req.UserID != "" {
		opts.UserID = core.StringPtr(req.UserID)
	}

	input := new(assistantv2.MessageInput)
	if err := convert(req.Input, input); err != nil {
		return nil, fmt.Errorf("message session %s: encode input: %w", req.SessionID, err)
	}
	opts.Input = input

	if req.Context != nil {
		msgCtx := new(assistantv2.MessageContext)
		if err := convert(req.Context, msgCtx); err != nil {
			return nil, fmt.Errorf("message session %s: encode context: %w", req.SessionID, err)
		}
		opts.Context = msgCtx
	}

	result, resp, err := w.service.MessageWithContext(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("message session %s: %w", req.SessionID, wrapError(resp, err))
	}

	var payload assistantmodel.MessageResponse
	if result != nil {
		if err := convert(result, &payload); err != nil {
			return nil, fmt.Errorf("message session %s: decode response: %w", req.SessionID, err)
		}
	}
	return &payload, nil
}

func requestHeaders() map[string]string {
	return map[string]string{"X-Request-ID": uuid.NewString()}
}

// wrapError maps an SDK failure with an HTTP status onto APIError so the
// dispatcher can classify it.
func wrapError(resp *core.DetailedResponse, err error) error {
	if resp == nil || resp.StatusCode < http.StatusMultipleChoices {
		return err
	}
	return &APIError{StatusCode: resp.StatusCode, Body: err.Error()}
}

// convert moves a value between the wire-compatible model types and the SDK
// types through their shared JSON shape.
func convert(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
