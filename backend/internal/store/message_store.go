package store

import (
	"context"
	"errors"

	"realtimeServer/backend/internal/chat"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MessageStore 聊天历史，gorm 实现。
type MessageStore struct{ db *gorm.DB }

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) AppendMessage(ctx context.Context, m chat.Message) error {
	row := MessageModel{
		MessageID: m.MessageID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Content:   m.Content,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一序号位重试：第一笔已经落住了
			return nil
		}
		return err
	}
	return nil
}

func (s *MessageStore) MessagesSince(ctx context.Context, roomID string, afterSeq uint64, limit int) ([]chat.Message, error) {
	q := s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []MessageModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[i] = chat.Message{
			MessageID: r.MessageID,
			RoomID:    r.RoomID,
			Seq:       r.Seq,
			SenderID:  r.SenderID,
			Content:   r.Content,
			ReplyToID: r.ReplyToID,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}
