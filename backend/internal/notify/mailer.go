package notify

import (
	"context"
	"log"
)

// LogMailer 离线投递的兜底实现：只记日志。
// 接真实邮件/推送网关时替换掉即可。
type LogMailer struct{}

func NewLogMailer() *LogMailer { return &LogMailer{} }

func (LogMailer) Deliver(_ context.Context, n Notification) error {
	log.Printf("notify: offline delivery user=%d notification=%s", n.UserID, n.NotificationID)
	return nil
}
