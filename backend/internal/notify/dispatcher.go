package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"realtimeServer/backend/internal/registry"
)

var ErrPersistenceFailure = errors.New("PERSISTENCE_FAILURE")

type Notification struct {
	NotificationID string    `json:"notificationId"`
	UserID         uint64    `json:"userId"`
	Payload        string    `json:"payload"` // 事件方序列化好的 JSON
	Delivered      bool      `json:"delivered"`
	CreatedAt      time.Time `json:"createdAt"`
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error
	MarkDelivered(ctx context.Context, notificationID string) error
	PendingNotifications(ctx context.Context, userID uint64, limit int) ([]Notification, error)
}

// SessionLocator 只是 registry 的查询面（测试时好伪造）。
type SessionLocator interface {
	Lookup(userID uint64) []string
	SenderOf(sessionID string) (registry.Sender, bool)
}

// Mailer 外部离线投递协作方（邮件/推送），只在收件人不在线时触发。
type Mailer interface {
	Deliver(ctx context.Context, n Notification) error
}

// Frame 在线直推的通知帧。
type Frame struct {
	Type         string       `json:"type"` // 固定 "notification.new"
	Notification Notification `json:"notification"`
}

func (f Frame) MessageType() string { return f.Type }

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	PersistRetry   int
	PersistBackoff time.Duration
}

// Dispatcher 通知分发：先落库（绝不丢通知），在线直推，
// 离线走有界队列 + worker 交给 Mailer，带退避重试。
type Dispatcher struct {
	locator SessionLocator
	store   NotificationStore
	mailer  Mailer

	queue chan Notification

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	persistRetry   int
	persistBackoff time.Duration
}

func NewDispatcher(locator SessionLocator, store NotificationStore, mailer Mailer, opt DispatcherOptions) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 3
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 5 * time.Second
	}
	if opt.PersistRetry <= 0 {
		opt.PersistRetry = 3
	}
	if opt.PersistBackoff <= 0 {
		opt.PersistBackoff = 50 * time.Millisecond
	}
	d := &Dispatcher{
		locator:        locator,
		store:          store,
		mailer:         mailer,
		queue:          make(chan Notification, opt.QueueSize),
		maxRetry:       opt.MaxRetry,
		baseBackoff:    opt.BaseBackoff,
		maxBackoff:     opt.MaxBackoff,
		persistRetry:   opt.PersistRetry,
		persistBackoff: opt.PersistBackoff,
	}
	for i := 0; i < opt.Workers; i++ {
		go d.workerLoop(i)
	}
	return d
}

// Notify 的顺序是硬性的：先持久化，成功之后才尝试任何投递。
// 在线会话直推 notification.new；全部离线则交给 Mailer 队列。
func (d *Dispatcher) Notify(ctx context.Context, userID uint64, payload string) (Notification, error) {
	n := Notification{
		NotificationID: fmt.Sprintf("n-%d", time.Now().UnixNano()),
		UserID:         userID,
		Payload:        payload,
		CreatedAt:      time.Now(),
	}
	if err := d.persist(ctx, n); err != nil {
		return Notification{}, err
	}

	delivered := false
	for _, sid := range d.locator.Lookup(userID) {
		if sender, ok := d.locator.SenderOf(sid); ok {
			if sender.Enqueue(Frame{Type: "notification.new", Notification: n}) {
				delivered = true
			}
		}
	}
	if delivered {
		return n, nil
	}

	// 离线兜底：入队等 worker 慢慢发，队列满时丢给日志（记录已落库，不算丢失）
	select {
	case d.queue <- n:
	default:
		log.Printf("notify: offline queue full, notification %s left pending", n.NotificationID)
	}
	return n, nil
}

func (d *Dispatcher) MarkDelivered(ctx context.Context, notificationID string) error {
	if d.store == nil {
		return nil
	}
	return d.store.MarkDelivered(ctx, notificationID)
}

func (d *Dispatcher) Pending(ctx context.Context, userID uint64, limit int) ([]Notification, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.PendingNotifications(ctx, userID, limit)
}

func (d *Dispatcher) persist(ctx context.Context, n Notification) error {
	if d.store == nil {
		return nil
	}
	backoff := d.persistBackoff
	var lastErr error
	for attempt := 0; attempt < d.persistRetry; attempt++ {
		if lastErr = d.store.CreateNotification(ctx, n); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, lastErr)
}

func (d *Dispatcher) workerLoop(workerID int) {
	for n := range d.queue {
		d.deliverOffline(workerID, n)
	}
}

func (d *Dispatcher) deliverOffline(workerID int, n Notification) {
	if d.mailer == nil {
		return
	}
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.mailer.Deliver(context.Background(), n)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			// 通知本身已落库，客户端上线后还能补拉
			log.Printf("notify: offline delivery failed, give up notification=%s worker=%d err=%v",
				n.NotificationID, workerID, err)
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}
