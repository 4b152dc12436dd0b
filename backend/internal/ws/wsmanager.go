package ws

import (
	"log"
	"net/http"
	"strings"

	"realtimeServer/backend/internal/chat"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/notify"
	"realtimeServer/backend/internal/ratelimit"
	"realtimeServer/backend/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 接入层：升级连接、注册会话、把各业务服务接到读循环上。
type Manager struct {
	reg      *registry.Registry
	hub      *Hub
	chat     *chat.Service
	collab   collab.Service
	notify   *notify.Dispatcher
	limiter  *ratelimit.Limiter
	presence PresenceNotifier
	sem      *collab.SemaphoreControl
}

func NewManager(reg *registry.Registry, hub *Hub, chatSvc *chat.Service, collabSvc collab.Service,
	notifier *notify.Dispatcher, limiter *ratelimit.Limiter, presence PresenceNotifier,
	sem *collab.SemaphoreControl) *Manager {
	return &Manager{
		reg:      reg,
		hub:      hub,
		chat:     chatSvc,
		collab:   collabSvc,
		notify:   notifier,
		limiter:  limiter,
		presence: presence,
		sem:      sem,
	}
}

// WebSocketConnect 把一个已通过认证中间件的 HTTP 请求升级为会话。
// 身份从 gin 上下文取（中间件写入），这里只认结果。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := newConn(conn, m, userID, username)
	sessionID, err := m.reg.Register(userID, username, wsConn)
	if err != nil {
		_ = conn.WriteJSON(ServerMessage{Type: "error", Code: errorCode(err), Content: err.Error()})
		return
	}
	wsConn.sessionID = sessionID

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "session.ready", SessionID: sessionID})

	// 读循环阻塞至连接关闭；Unregister 负责 Abort 发送端并触发下线回调
	wsConn.readLoop(c.Request.Context())
	m.reg.Unregister(sessionID)
}
