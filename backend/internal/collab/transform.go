package collab

// transform 把尚未提交的 in 改写到已提交的 com 之后。
// 约定（贯穿所有分支，保证收敛性）：已提交方先生效，位置相同也不例外。
func transform(in, com Operation) Operation {
	// retain 不改正文，双向都视为恒等
	if in.Type == OpRetain || com.Type == OpRetain || com.isNoop() {
		return in
	}

	switch {
	case com.Type == OpInsert && in.Type == OpInsert:
		// 已提交插入在前（位置相等同样右移：先提交者优先）
		if com.Position <= in.Position {
			in.Position += com.textLen()
		}

	case com.Type == OpInsert && in.Type == OpDelete:
		l := com.textLen()
		switch {
		case com.Position <= in.Position:
			in.Position += l
		case com.Position < in.Position+in.Length:
			// 插入落在删除区间内：区间语义是“删掉这一段，中途插进来的也一起删”，
			// 放宽这一点时必须改文档说明。
			in.Length += l
		}

	case com.Type == OpDelete && in.Type == OpInsert:
		comEnd := com.Position + com.Length
		switch {
		case comEnd <= in.Position:
			in.Position -= com.Length
		case com.Position < in.Position:
			// 插入点落在被删区间里，收缩到删除起点
			in.Position = com.Position
		}

	case com.Type == OpDelete && in.Type == OpDelete:
		comEnd := com.Position + com.Length
		inEnd := in.Position + in.Length

		// 重叠部分已被删掉，从本次删除里扣除
		overlap := minInt(comEnd, inEnd) - maxInt(com.Position, in.Position)
		if overlap > 0 {
			in.Length -= overlap
		}
		// com 落在 in 起点之前的部分把起点左移
		before := minInt(in.Position, comEnd) - com.Position
		if before > 0 {
			in.Position -= before
		}
		if in.Length < 0 {
			in.Length = 0
		}
	}
	return in
}

// transformAll 按提交顺序依次变换（窗口 = baseVersion 之后的全部已提交操作）。
func transformAll(in Operation, committed []AppliedOp) Operation {
	for _, c := range committed {
		in = transform(in, c.Op)
	}
	return in
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
