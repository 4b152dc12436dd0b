package store

import (
	"context"
	"errors"

	"realtimeServer/backend/internal/notify"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// NotificationStore 通知收件箱，gorm 实现。
type NotificationStore struct{ db *gorm.DB }

func NewNotificationStore(db *gorm.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) CreateNotification(ctx context.Context, n notify.Notification) error {
	row := NotificationModel{
		NotificationID: n.NotificationID,
		UserID:         n.UserID,
		Payload:        n.Payload,
		Delivered:      n.Delivered,
		CreatedAt:      n.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *NotificationStore) MarkDelivered(ctx context.Context, notificationID string) error {
	return s.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("notification_id = ?", notificationID).
		Update("delivered", true).Error
}

func (s *NotificationStore) PendingNotifications(ctx context.Context, userID uint64, limit int) ([]notify.Notification, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND delivered = ?", userID, false).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []NotificationModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]notify.Notification, len(rows))
	for i, r := range rows {
		out[i] = notify.Notification{
			NotificationID: r.NotificationID,
			UserID:         r.UserID,
			Payload:        r.Payload,
			Delivered:      r.Delivered,
			CreatedAt:      r.CreatedAt,
		}
	}
	return out, nil
}
