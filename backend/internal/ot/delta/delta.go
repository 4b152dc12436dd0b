package delta

// 文本变更的最小描述单元，序列化后形如
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

func Retain(n int) Op       { return Op{Kind: KindRetain, Count: n} }
func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }
func Delete(n int) Op       { return Op{Kind: KindDelete, Count: n} }

// LenDelta 返回应用该 delta 后文档长度的变化量（按 rune 计）。
func (d Delta) LenDelta() int {
	n := 0
	for _, op := range d {
		switch op.Kind {
		case KindInsert:
			n += len([]rune(op.Text))
		case KindDelete:
			n -= op.Count
		}
	}
	return n
}
