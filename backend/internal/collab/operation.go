package collab

import (
	"errors"
	"time"

	"realtimeServer/backend/internal/ot/delta"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

// Operation 是客户端提交的单个位置型编辑。
// Position 按 rune 计；Text 仅 insert 使用，Length 仅 delete/retain 使用。
type Operation struct {
	OpID     string `json:"opId,omitempty"`
	Type     OpType `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// AppliedOp 是服务端提交之后的结果：携带全局版本号，按版本号全序广播。
// Noop 表示该操作经变换后已无可见效果（例如删除早被删掉的内容），
// 但版本号照常推进，副本据此保持版本对齐。
type AppliedOp struct {
	OperationID string    `json:"operationId"`
	DocID       string    `json:"docId"`
	Version     uint64    `json:"version"`
	AuthorID    uint64    `json:"authorId"`
	Op          Operation `json:"op"`
	Noop        bool      `json:"noop,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}

var (
	ErrValidation            = errors.New("VALIDATION_ERROR")
	ErrStaleSubmission       = errors.New("STALE_SUBMISSION")
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrPersistenceFailure    = errors.New("PERSISTENCE_FAILURE")
	ErrDocumentNotFound      = errors.New("DOCUMENT_NOT_FOUND")
)

func (op Operation) textLen() int { return len([]rune(op.Text)) }

// noop 判定：insert 空文本、delete 零长度都算没有可见效果。
func (op Operation) isNoop() bool {
	switch op.Type {
	case OpInsert:
		return op.textLen() == 0
	case OpDelete:
		return op.Length <= 0
	default:
		return true
	}
}

// validate 做本地校验，不看文档状态（越界在 apply 前按文档长度夹紧）。
func (op Operation) validate() error {
	if op.Position < 0 {
		return ErrValidation
	}
	switch op.Type {
	case OpInsert:
		return nil
	case OpDelete, OpRetain:
		if op.Length < 0 {
			return ErrValidation
		}
		return nil
	default:
		return ErrValidation
	}
}

// toDelta 把位置型操作降成 retain+insert/delete，交给 piece table 执行。
// docLen 用于夹紧：位置越过文末按文末处理，删除越过文末按剩余长度处理。
func (op Operation) toDelta(docLen int) delta.Delta {
	pos := op.Position
	if pos > docLen {
		pos = docLen
	}
	switch op.Type {
	case OpInsert:
		return delta.Delta{delta.Retain(pos), delta.Insert(op.Text)}
	case OpDelete:
		n := op.Length
		if pos+n > docLen {
			n = docLen - pos
		}
		if n <= 0 {
			return nil
		}
		return delta.Delta{delta.Retain(pos), delta.Delete(n)}
	default:
		return nil
	}
}
