package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/zhouzirui/avatar-bridge/backend/internal/model/conversation"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultURL := "ws://localhost:8080/ws"
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && !strings.Contains(port, ":") {
		defaultURL = fmt.Sprintf("ws://localhost:%s/ws", port)
	}

	mode := flag.String("mode", "turn", "测试模式: turn 或 health")
	serverURL := flag.String("url", defaultURL, "编排服务 WebSocket 地址")
	text := flag.String("text", "", "发送给数字人的文本")
	frames := flag.Int("frames", 1, "等待的响应帧数 (自定义扩展会返回 2 帧)")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "turn":
		runTurn(ctx, *serverURL, *text, *frames)
	case "health":
		runHealth(ctx, *serverURL)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=turn 或 -mode=health 指定测试模式")
	}
}

func runTurn(ctx context.Context, serverURL, text string, frames int) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("turn 模式需要通过 -text 提供文本")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	request := conversation.InboundMessage{
		Kind: conversation.KindEvent,
		Name: conversation.NameConversationRequest,
		Body: conversation.InboundBody{Input: conversation.InboundInput{Text: text}},
	}
	if err := conn.WriteJSON(request); err != nil {
		log.Fatalf("发送失败: %v", err)
	}
	log.Printf("已发送: %q", text)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	for received := 0; received < frames; {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("读取失败 (已收到 %d 帧): %v", received, err)
		}

		var msg conversation.OutboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Name != conversation.NameConversationResponse {
			log.Printf("其他消息: %s", raw)
			continue
		}
		received++

		log.Printf("响应 #%d: text=%q", received, msg.Body.Output.Text)
		for key, value := range msg.Body.Variables {
			log.Printf("  %s = %s", key, value)
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func runHealth(ctx context.Context, serverURL string) {
	u, err := url.Parse(serverURL)
	if err != nil {
		log.Fatalf("地址无效: %v", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Fatalf("构建请求失败: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("健康检查失败: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatalf("解析响应失败: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "UP" {
		log.Fatal(errors.New("服务状态异常: " + resp.Status))
	}
	log.Printf("服务状态: %s", body["status"])
}
