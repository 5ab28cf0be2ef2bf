package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/avatar-bridge/backend/internal/service/dispatch"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
	"github.com/zhouzirui/avatar-bridge/backend/pkg/utils"
)

// Controller performs out-of-band session operations.
type Controller interface {
	Reset(ctx context.Context, id, fn string) (string, error)
	NewTopic(ctx context.Context, id string) (string, error)
	LowSpeed(ctx context.Context, id, fn string, speed any) (string, error)
}

// Handler 暴露前端调用的会话控制接口
type Handler struct {
	ctrl Controller
}

// New 创建控制接口处理器
func New(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// RegisterRoutes 注册控制与健康检查路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/reset", h.reset)
	r.Post("/newTopic", h.newTopic)
	r.Post("/lowspeed", h.lowSpeed)
	r.Get("/health", h.health)
}

type controlRequest struct {
	Fn    string `json:"fn"`
	ID    string `json:"id"`
	Speed any    `json:"speed"`
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r, "reset")
	if !ok {
		return
	}
	log.Printf("[control] reset id=%s fn=%s", req.ID, req.Fn)

	ack, err := h.ctrl.Reset(r.Context(), req.ID, req.Fn)
	respond(w, "reset", ack, err)
}

func (h *Handler) newTopic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r, "newTopic")
	if !ok {
		return
	}
	log.Printf("[control] new topic id=%s", req.ID)

	ack, err := h.ctrl.NewTopic(r.Context(), req.ID)
	respond(w, "newTopic", ack, err)
}

func (h *Handler) lowSpeed(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r, "lowspeed")
	if !ok {
		return
	}
	log.Printf("[control] lowspeed id=%s fn=%s speed=%v", req.ID, req.Fn, req.Speed)

	ack, err := h.ctrl.LowSpeed(r.Context(), req.ID, req.Fn, req.Speed)
	respond(w, "lowspeed", ack, err)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, op string) (controlRequest, bool) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[control] %s invalid body: %v", op, err)
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return controlRequest{}, false
	}
	if req.ID == "" {
		log.Printf("[control] %s id is missing", op)
		utils.RespondError(w, http.StatusBadRequest, "id is required")
		return controlRequest{}, false
	}
	return req, true
}

func respond(w http.ResponseWriter, op, ack string, err error) {
	switch {
	case err == nil:
		utils.RespondText(w, http.StatusOK, ack)
	case errors.Is(err, dispatch.ErrMissingSessionID):
		utils.RespondError(w, http.StatusBadRequest, "id is required")
	case errors.Is(err, session.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	default:
		log.Printf("[control] %s failed: %v", op, err)
		utils.RespondError(w, http.StatusInternalServerError, "Server error")
	}
}
