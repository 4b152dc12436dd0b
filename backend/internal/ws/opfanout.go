package ws

import (
	"realtimeServer/backend/internal/collab"
)

// OpFanout 把引擎已提交的操作广播到对应文档房间。
// 引擎在文档临界区内调用，帧顺序即版本顺序。
type OpFanout struct {
	hub *Hub
}

func NewOpFanout(hub *Hub) *OpFanout { return &OpFanout{hub: hub} }

func (f *OpFanout) BroadcastOp(docID string, op collab.AppliedOp) {
	f.hub.Fanout(docRoom(docID), OpBroadcastMessage{
		Type:      "document.operation",
		DocID:     docID,
		Revision:  op.Version,
		AuthorID:  op.AuthorID,
		Op:        op.Op,
		Noop:      op.Noop,
		AppliedAt: op.AppliedAt,
	})
}
