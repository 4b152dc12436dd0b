package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"realtimeServer/backend/internal/registry"
)

var (
	ErrNotAMember         = errors.New("NOT_A_MEMBER")
	ErrValidation         = errors.New("VALIDATION_ERROR")
	ErrPersistenceFailure = errors.New("PERSISTENCE_FAILURE")
)

// Message 不可变：落库之后内容不再变化，顺序由提交时分配的房间序号固定。
type Message struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	Seq       uint64    `json:"seq"`
	SenderID  uint64    `json:"senderId"`
	Content   string    `json:"content"`
	ReplyToID string    `json:"replyToId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore 持久化协作方接口，实现在 store 包。
type MessageStore interface {
	AppendMessage(ctx context.Context, m Message) error
	MessagesSince(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]Message, error)
}

// Sequencer 房间广播定序器（ws.Hub 实现）。
// Commit 在房间临界区内执行回调：回调先落库再返回帧，保证
// “广播绝不先于持久化”，且序号就是提交顺序。
type Sequencer interface {
	Commit(roomID string, commit func(seq uint64) (registry.Outbound, error)) (uint64, error)
	Fanout(roomID string, frame registry.Outbound)
	IsMember(sessionID, roomID string) bool
}

// MessageFrame 广播给房间成员的新消息。
type MessageFrame struct {
	Type    string  `json:"type"` // 固定 "message.new"
	Message Message `json:"message"`
}

func (f MessageFrame) MessageType() string { return f.Type }

// TypingFrame 输入提示：纯广播，不落库，不占序号。
type TypingFrame struct {
	Type     string `json:"type"` // 固定 "typing"
	RoomID   string `json:"roomId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

func (f TypingFrame) MessageType() string { return f.Type }

const MaxContentLen = 4096

type ServiceOptions struct {
	PersistRetry   int
	PersistBackoff time.Duration
}

type Service struct {
	rooms Sequencer
	store MessageStore

	persistRetry   int
	persistBackoff time.Duration
}

func NewService(rooms Sequencer, store MessageStore, opt ServiceOptions) *Service {
	if opt.PersistRetry <= 0 {
		opt.PersistRetry = 3
	}
	if opt.PersistBackoff <= 0 {
		opt.PersistBackoff = 50 * time.Millisecond
	}
	return &Service{
		rooms:          rooms,
		store:          store,
		persistRetry:   opt.PersistRetry,
		persistBackoff: opt.PersistBackoff,
	}
}

// SendMessage 校验成员资格 -> 同步落库（带退避重试）-> 序号广播。
// 落库和广播在同一个房间临界区内完成，消息序号即提交顺序。
func (s *Service) SendMessage(ctx context.Context, roomID, senderSessionID string,
	senderID uint64, content, replyToID string) (Message, error) {

	if strings.TrimSpace(content) == "" || len(content) > MaxContentLen {
		return Message{}, ErrValidation
	}
	if !s.rooms.IsMember(senderSessionID, roomID) {
		return Message{}, ErrNotAMember
	}

	var out Message
	_, err := s.rooms.Commit(roomID, func(seq uint64) (registry.Outbound, error) {
		m := Message{
			MessageID: fmt.Sprintf("m-%d", time.Now().UnixNano()),
			RoomID:    roomID,
			Seq:       seq,
			SenderID:  senderID,
			Content:   content,
			ReplyToID: replyToID,
			CreatedAt: time.Now(),
		}
		if err := s.persistMessage(ctx, m); err != nil {
			return nil, err
		}
		out = m
		return MessageFrame{Type: "message.new", Message: m}, nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// Typing 输入提示绕过持久化：纯咨询性事件，不属于持久历史。
func (s *Service) Typing(roomID, sessionID string, userID uint64, username string) error {
	if !s.rooms.IsMember(sessionID, roomID) {
		return ErrNotAMember
	}
	s.rooms.Fanout(roomID, TypingFrame{Type: "typing", RoomID: roomID, UserID: userID, Username: username})
	return nil
}

// Backfill 重连补读：从持久层按序号做范围读，不依赖内存里的广播积压。
func (s *Service) Backfill(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]Message, error) {
	if s.store == nil {
		return nil, nil
	}
	msgs, err := s.store.MessagesSince(ctx, roomID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return msgs, nil
}

func (s *Service) persistMessage(ctx context.Context, m Message) error {
	if s.store == nil {
		return nil
	}
	backoff := s.persistBackoff
	var lastErr error
	for attempt := 0; attempt < s.persistRetry; attempt++ {
		if lastErr = s.store.AppendMessage(ctx, m); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Printf("chat: append message failed room=%s seq=%d: %v", m.RoomID, m.Seq, lastErr)
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, lastErr)
}
