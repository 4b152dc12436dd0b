package collab

import "realtimeServer/backend/internal/ot/delta"

// piece table：正文 = original/add 两个只追加缓冲区上的分片序列。
// 插入只往 add 追加并拆分命中的分片，删除只调整分片边界，正文本身从不搬动。

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var res string
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			res += string(pt.original[p.offset : p.offset+p.length])
		case bufAdd:
			res += string(pt.add[p.offset : p.offset+p.length])
		}
	}
	return res
}

// Apply 按顺序消费 delta：retain 前移游标，insert/delete 在游标处改分片。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count

		case delta.KindInsert:
			text := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, text...)
			length := len(text)

			idx, offset := pt.locate(pos)
			inserted := piece{buf: bufAdd, offset: start, length: length}

			if idx < len(pt.pieces) {
				cur := pt.pieces[idx]
				left := piece{buf: cur.buf, offset: cur.offset, length: offset}
				right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

				next := make([]piece, 0, len(pt.pieces)+2)
				next = append(next, pt.pieces[:idx]...)
				if left.length > 0 {
					next = append(next, left)
				}
				next = append(next, inserted)
				if right.length > 0 {
					next = append(next, right)
				}
				next = append(next, pt.pieces[idx+1:]...)
				pt.pieces = next
			} else {
				pt.pieces = append(pt.pieces, inserted)
			}

			pos += length

		case delta.KindDelete:
			remain := op.Count
			idx, offset := pt.locate(pos)

			for remain > 0 && idx < len(pt.pieces) {
				cur := &pt.pieces[idx]
				can := cur.length - offset
				if can <= 0 {
					idx++
					offset = 0
					continue
				}

				take := remain
				if take > can {
					take = can
				}

				if offset == 0 && take == cur.length {
					// 整片删除，idx 位置换成后面的分片
					pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
					offset = 0
				} else {
					// 片中删一段，拆成左右两半
					leftLen := offset
					rightLen := cur.length - offset - take

					next := make([]piece, 0, len(pt.pieces)+1)
					next = append(next, pt.pieces[:idx]...)
					if leftLen > 0 {
						next = append(next, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
					}
					if rightLen > 0 {
						next = append(next, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
					}
					next = append(next, pt.pieces[idx+1:]...)
					pt.pieces = next
				}

				remain -= take
			}
		}
	}
	return nil
}

// locate 把逻辑位置 pos 映射为 (分片下标, 片内偏移)。
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
