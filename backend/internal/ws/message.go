package ws

import (
	"encoding/json"
	"time"

	"realtimeServer/backend/internal/chat"
	"realtimeServer/backend/internal/collab"
)

// ClientMessage 入站帧的联合体：按 Type 分流，各字段按需取用。
type ClientMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`

	// chat
	Content   string `json:"content,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
	AfterSeq  uint64 `json:"afterSeq,omitempty"`
	Limit     int    `json:"limit,omitempty"`

	// collab
	DocID        string           `json:"docId,omitempty"`
	DocTitle     string           `json:"docTitle,omitempty"`
	BaseRevision uint64           `json:"baseRevision,omitempty"`
	FromRevision uint64           `json:"fromRevision,omitempty"`
	Op           collab.Operation `json:"op,omitempty"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientId string `json:"clientId,omitempty"`
	// 针对同一个 clientId 的"本地递增序号"
	ClientSeq uint64 `json:"clientSeq,omitempty"`

	// cursor
	Range json.RawMessage `json:"range,omitempty"`

	// notification
	NotificationID string `json:"notificationId,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ServerMessage 通用出站帧（确认、错误、快照类回复）。
type ServerMessage struct {
	Type         string             `json:"type"`
	Code         string             `json:"code,omitempty"`
	Content      string             `json:"content,omitempty"`
	SessionID    string             `json:"sessionId,omitempty"`
	RoomID       string             `json:"roomId,omitempty"`
	DocID        string             `json:"docId,omitempty"`
	Seq          uint64             `json:"seq,omitempty"`
	Revision     uint64             `json:"revision,omitempty"`
	RetryAfterMs int64              `json:"retryAfterMs,omitempty"`
	Members      []PresenceMember   `json:"members,omitempty"`
	Messages     []chat.Message     `json:"messages,omitempty"`
	Ops          []collab.AppliedOp `json:"ops,omitempty"`
}

// 广播给同文档房间内其他连接的"已应用操作"事件
// - 与 document.ack 区分：这里用于把变更推送给其他协作者（包括同用户的其他标签页）
// - 前端收到后在本地应用 op，并将本地 revision 对齐到 revision
type OpBroadcastMessage struct {
	Type      string           `json:"type"` // 固定 "document.operation"
	DocID     string           `json:"docId"`
	Revision  uint64           `json:"revision"` // 服务端已应用后的最新版本
	AuthorID  uint64           `json:"authorId"`
	Op        collab.Operation `json:"op"`
	Noop      bool             `json:"noop,omitempty"`
	AppliedAt time.Time        `json:"appliedAt,omitempty"`
}

type OpAppliedMessage struct {
	Type            string `json:"type"` // 固定 "document.ack"
	DocID           string `json:"docId"`
	BaseRevision    uint64 `json:"baseRevision"`    // 客户端提交时的 base
	CurrentRevision uint64 `json:"currentRevision"` // 服务端应用后的最新版本
	ClientId        string `json:"clientId"`
	ClientSeq       uint64 `json:"clientSeq"`
	Noop            bool   `json:"noop,omitempty"`
}

// CursorFrame 光标/选区广播，纯咨询性，不落库不占序号。
type CursorFrame struct {
	Type     string          `json:"type"` // 固定 "cursor"
	RoomID   string          `json:"roomId"`
	UserID   uint64          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Range    json.RawMessage `json:"range,omitempty"`
}

// 隐式实现 registry.Outbound 接口
func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m CursorFrame) MessageType() string        { return m.Type }
