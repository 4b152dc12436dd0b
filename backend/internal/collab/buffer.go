package collab

import (
	"realtimeServer/backend/internal/ot/delta"
)

// Buffer 是文档内容缓冲区的抽象，引擎只通过它读写正文。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}
