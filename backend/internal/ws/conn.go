package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"realtimeServer/backend/internal/cache"
	"realtimeServer/backend/internal/chat"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/notify"
	"realtimeServer/backend/internal/ratelimit"
	"realtimeServer/backend/internal/registry"

	"github.com/gorilla/websocket"
)

// PresenceNotifier 接入层对状态机的依赖面（presence.Tracker 实现）。
type PresenceNotifier interface {
	MemberJoined(roomID string, userID uint64, username string)
	MemberLeft(roomID string, userID uint64, username string)
	Touch(sessionID string, userID uint64, username string)
	SaveCursor(roomID string, userID uint64, data []byte)
	Members(ctx context.Context, roomID string) ([]cache.PresenceMember, error)
}

// Conn 一条 websocket 连接。实现 registry.Sender：
// 所有出站帧经 send 通道由 writeLoop 单 goroutine 串行写出。
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	userID    uint64
	username  string

	send chan registry.Outbound
	mu   sync.Mutex
	// Abort 之后 Enqueue 一律返回 false，通道不会再被写
	closed bool

	m *Manager
}

func newConn(ws *websocket.Conn, m *Manager, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		userID:   userID,
		username: username,
		send:     make(chan registry.Outbound, 64),
		m:        m,
	}
}

func (c *Conn) Enqueue(msg registry.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		// 队列满视为断线，由调用方摘除
		return false
	}
}

func (c *Conn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站帧，通道关闭即连接终结
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write json error (session=%s): %v", c.sessionID, err)
		}
	}
	_ = c.ws.Close()
}

// errorCode 把业务哨兵错误压成线上错误码。
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotAMember):
		return "NOT_A_MEMBER"
	case errors.Is(err, chat.ErrValidation), errors.Is(err, collab.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, collab.ErrStaleSubmission):
		return "STALE_SUBMISSION"
	case errors.Is(err, collab.ErrRevisionConflict):
		return "REVISION_CONFLICT"
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		return "DUPLICATE_OR_OUT_OF_ORDER"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(err, chat.ErrPersistenceFailure),
		errors.Is(err, collab.ErrPersistenceFailure),
		errors.Is(err, notify.ErrPersistenceFailure):
		return "PERSISTENCE_FAILURE"
	case errors.Is(err, registry.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}

func (c *Conn) sendError(err error) {
	c.Enqueue(ServerMessage{Type: "error", Code: errorCode(err), Content: err.Error()})
}

// docRoom 文档协作复用房间广播：每个文档一个约定命名的房间。
func docRoom(docID string) string { return "doc:" + docID }

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (session=%s user=%d): %v", c.sessionID, c.userID, err)
			return
		}
		// 限流最先判：被拒的事件不进任何业务路径
		if c.m.limiter != nil {
			retryAfter, err := c.m.limiter.Allow(ctx, c.sessionID, msg.Type)
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				c.Enqueue(ServerMessage{
					Type:         "error",
					Code:         "RATE_LIMIT_EXCEEDED",
					RetryAfterMs: retryAfter.Milliseconds(),
				})
				continue
			}
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "heartbeat":
		if err := c.m.reg.Heartbeat(c.sessionID); err != nil {
			c.sendError(err)
			return
		}
		c.m.presence.Touch(c.sessionID, c.userID, c.username)
		c.Enqueue(ServerMessage{Type: "heartbeat.ack"})

	case "room.join":
		c.handleRoomJoin(ctx, msg.RoomID)

	case "room.leave":
		c.m.hub.Leave(msg.RoomID, c.sessionID)
		c.m.presence.MemberLeft(msg.RoomID, c.userID, c.username)
		c.Enqueue(ServerMessage{Type: "room.left", RoomID: msg.RoomID})

	case "message.send":
		m, err := c.m.chat.SendMessage(ctx, msg.RoomID, c.sessionID, c.userID, msg.Content, msg.ReplyToID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.Enqueue(ServerMessage{Type: "message.ack", RoomID: msg.RoomID, Seq: m.Seq})

	case "typing":
		if err := c.m.chat.Typing(msg.RoomID, c.sessionID, c.userID, c.username); err != nil {
			c.sendError(err)
		}

	case "room.backfill":
		msgs, err := c.m.chat.Backfill(ctx, msg.RoomID, msg.AfterSeq, msg.Limit)
		if err != nil {
			c.sendError(err)
			return
		}
		c.Enqueue(ServerMessage{Type: "room.backfill", RoomID: msg.RoomID, Messages: msgs})

	case "document.create":
		docID, err := c.m.collab.CreateDocument(ctx, c.userID, msg.DocTitle)
		if err != nil {
			c.sendError(err)
			return
		}
		c.Enqueue(ServerMessage{Type: "document.created", DocID: docID})

	case "document.edit":
		c.handleDocumentEdit(ctx, msg)

	case "document.sync":
		c.handleDocumentSync(ctx, msg)

	case "document.save":
		if err := c.m.collab.SaveSnapshot(ctx, msg.DocID); err != nil {
			c.sendError(err)
			return
		}
		c.Enqueue(ServerMessage{Type: "document.saved", DocID: msg.DocID})

	case "cursor":
		if !c.m.hub.IsMember(c.sessionID, msg.RoomID) {
			c.sendError(chat.ErrNotAMember)
			return
		}
		c.m.presence.SaveCursor(msg.RoomID, c.userID, msg.Range)
		c.m.hub.Fanout(msg.RoomID, CursorFrame{
			Type: "cursor", RoomID: msg.RoomID,
			UserID: c.userID, Username: c.username, Range: msg.Range,
		})

	case "notification.ack":
		if err := c.m.notify.MarkDelivered(ctx, msg.NotificationID); err != nil {
			c.sendError(err)
		}

	case "notification.pending":
		pending, err := c.m.notify.Pending(ctx, c.userID, msg.Limit)
		if err != nil {
			c.sendError(err)
			return
		}
		for _, n := range pending {
			c.Enqueue(notify.Frame{Type: "notification.new", Notification: n})
		}

	default:
		// 忽略未知类型，回一条提示
		c.Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
	}
}

func (c *Conn) handleRoomJoin(ctx context.Context, roomID string) {
	if err := c.m.hub.Join(roomID, c.sessionID); err != nil {
		c.sendError(err)
		return
	}
	c.m.presence.MemberJoined(roomID, c.userID, c.username)

	members, err := c.m.presence.Members(ctx, roomID)
	if err != nil {
		log.Printf("get alive members error (room=%s): %v", roomID, err)
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	c.Enqueue(ServerMessage{Type: "room.joined", RoomID: roomID, Members: out})
}

func (c *Conn) handleDocumentEdit(ctx context.Context, msg ClientMessage) {
	// 编辑者自动进文档房间，广播和 ack 都走这条路
	if !c.m.hub.IsMember(c.sessionID, docRoom(msg.DocID)) {
		if err := c.m.hub.Join(docRoom(msg.DocID), c.sessionID); err != nil {
			c.sendError(err)
			return
		}
	}

	editCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.m.sem.Acquire(editCtx); err != nil {
		c.sendError(err)
		return
	}
	defer c.m.sem.Release()

	applied, err := c.m.collab.Submit(editCtx, msg.DocID, c.userID,
		msg.BaseRevision, msg.ClientId, msg.ClientSeq, msg.Op)
	switch {
	case err == nil:
		c.Enqueue(OpAppliedMessage{
			Type: "document.ack", DocID: msg.DocID,
			BaseRevision: msg.BaseRevision, CurrentRevision: applied.Version,
			ClientId: msg.ClientId, ClientSeq: msg.ClientSeq, Noop: applied.Noop,
		})
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		// 重复提交幂等处理：重发 ack，不报错
		rev, _ := c.m.collab.CurrentVersion(ctx, msg.DocID)
		c.Enqueue(OpAppliedMessage{
			Type: "document.ack", DocID: msg.DocID,
			BaseRevision: msg.BaseRevision, CurrentRevision: rev,
			ClientId: msg.ClientId, ClientSeq: msg.ClientSeq,
		})
	case errors.Is(err, collab.ErrStaleSubmission), errors.Is(err, collab.ErrRevisionConflict):
		// 窗口外或版本错位：让客户端整体重同步
		rev, _ := c.m.collab.CurrentVersion(ctx, msg.DocID)
		c.Enqueue(ServerMessage{
			Type: "document.conflict", Code: errorCode(err),
			DocID: msg.DocID, Revision: rev,
		})
	default:
		c.sendError(err)
	}
}

func (c *Conn) handleDocumentSync(ctx context.Context, msg ClientMessage) {
	if !c.m.hub.IsMember(c.sessionID, docRoom(msg.DocID)) {
		if err := c.m.hub.Join(docRoom(msg.DocID), c.sessionID); err != nil {
			c.sendError(err)
			return
		}
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = 500
	}
	ops, err := c.m.collab.OpsSince(ctx, msg.DocID, msg.FromRevision, limit)
	if err == nil {
		rev, _ := c.m.collab.CurrentVersion(ctx, msg.DocID)
		c.Enqueue(ServerMessage{Type: "document.sync", DocID: msg.DocID, Ops: ops, Revision: rev})
		return
	}
	// 增量追不上就退化为全量快照
	content, rev, cerr := c.m.collab.Content(ctx, msg.DocID)
	if cerr != nil {
		c.sendError(cerr)
		return
	}
	c.Enqueue(ServerMessage{Type: "document.sync", DocID: msg.DocID, Content: content, Revision: rev})
}
