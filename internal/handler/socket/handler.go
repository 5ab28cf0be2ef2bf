package socket

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/avatar-bridge/backend/internal/service/dispatch"
	"github.com/zhouzirui/avatar-bridge/backend/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	queueSize    = 32
)

// Dispatcher runs turns for frames read from the socket.
type Dispatcher interface {
	Connect(ctx context.Context, sender session.Sender) (*session.Session, error)
	Disconnect(id string)
	HandleMessage(ctx context.Context, id string, raw []byte) dispatch.TurnResult
}

// Handler 负责数字人前端的 WebSocket 连接
type Handler struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
}

// New 创建 WebSocket 处理器
func New(dispatcher Dispatcher) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleWebSocket)
	r.Get("/ws", h.handleWebSocket)
}

// conn serializes writes; gorilla allows a single concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *conn) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// handleWebSocket 处理 WebSocket 连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[socket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws}
	sess, err := h.dispatcher.Connect(ctx, c)
	if err != nil {
		log.Printf("[socket] connect failed: %v", err)
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "assistant unavailable"))
		return
	}
	id := sess.ID()
	log.Printf("[socket] websocket connection established, session=%s", id)

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, c)

	queue := make(chan []byte, queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for raw := range queue {
			h.dispatcher.HandleMessage(ctx, id, raw)
		}
	}()

	h.readLoop(ws, id, queue)

	cancel()
	h.dispatcher.Disconnect(id)
	close(queue)
	wg.Wait()
	log.Printf("[socket] websocket connection closed, session=%s", id)
}

// readLoop feeds frames to the turn worker in arrival order until the socket closes.
func (h *Handler) readLoop(ws *websocket.Conn, id string, queue chan<- []byte) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[socket] read error, session=%s: %v", id, err)
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(readTimeout))

		select {
		case queue <- raw:
		default:
			log.Printf("[socket] turn queue full, dropping frame, session=%s", id)
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
