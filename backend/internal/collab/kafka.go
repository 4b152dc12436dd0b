package collab

import (
	"time"
)

// DocOpEvent 发往 kafka 的“操作已应用”事件，供其他实例/下游消费。
// 以 docId 做分区键，同文档事件保持提交顺序。
type DocOpEvent struct {
	EventType   string    `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId"`
	Version     uint64    `json:"version"`
	AuthorID    uint64    `json:"authorId"`
	ClientID    string    `json:"clientId"`
	ClientSeq   uint64    `json:"clientSeq"`
	BaseVersion uint64    `json:"baseVersion"`
	Op          Operation `json:"op"`
	Noop        bool      `json:"noop,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}
