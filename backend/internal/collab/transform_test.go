package collab

import (
	"testing"
)

// applyTo 把单个位置型操作套在字符串上，测试用。
func applyTo(t *testing.T, content string, op Operation) string {
	t.Helper()
	pt := NewPieceTable(content)
	if op.isNoop() {
		return pt.String()
	}
	if err := pt.Apply(op.toDelta(pt.Len())); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return pt.String()
}

func ins(pos int, text string) Operation { return Operation{Type: OpInsert, Position: pos, Text: text} }
func del(pos, n int) Operation           { return Operation{Type: OpDelete, Position: pos, Length: n} }

// converge 断言：A 先提交时，B 经变换后两侧副本收敛到同一内容。
func converge(t *testing.T, base string, first, second Operation) string {
	t.Helper()
	afterFirst := applyTo(t, base, first)
	final := applyTo(t, afterFirst, transform(second, first))
	return final
}

func TestTransformInsertInsertDisjoint(t *testing.T) {
	base := "hello world"
	a := ins(0, "X")  // 前部插入
	b := ins(11, "Y") // 尾部插入

	gotAB := converge(t, base, a, b)
	gotBA := converge(t, base, b, a)
	want := "Xhello worldY"
	if gotAB != want || gotBA != want {
		t.Fatalf("converge = %q / %q, want %q", gotAB, gotBA, want)
	}
}

func TestTransformInsertInsertSamePositionFirstCommitterWins(t *testing.T) {
	// 空文档、同为 position 0：先提交的排前面，两个客户端收敛到同一结果
	aFirst := converge(t, "", ins(0, "A"), ins(0, "B"))
	if aFirst != "AB" {
		t.Fatalf("A committed first: got %q, want %q", aFirst, "AB")
	}
	bFirst := converge(t, "", ins(0, "B"), ins(0, "A"))
	if bFirst != "BA" {
		t.Fatalf("B committed first: got %q, want %q", bFirst, "BA")
	}
}

func TestTransformInsertShiftsDeleteRight(t *testing.T) {
	base := "abcdef"
	committed := ins(1, "XY") // -> aXYbcdef
	incoming := del(2, 3)     // 原本删 "cde"

	got := transform(incoming, committed)
	if got.Position != 4 || got.Length != 3 {
		t.Fatalf("transform = %+v, want position 4 length 3", got)
	}
	after := applyTo(t, applyTo(t, base, committed), got)
	if after != "aXYbf" {
		t.Fatalf("content = %q, want %q", after, "aXYbf")
	}
}

func TestTransformInsertInsideDeleteRangeExtends(t *testing.T) {
	// 区间语义：删除范围中途插入的文本也一并删除
	base := "abcdef"
	committed := ins(3, "ZZ") // -> abcZZdef
	incoming := del(1, 4)     // 原本删 "bcde"

	got := transform(incoming, committed)
	if got.Position != 1 || got.Length != 6 {
		t.Fatalf("transform = %+v, want position 1 length 6", got)
	}
	after := applyTo(t, applyTo(t, base, committed), got)
	if after != "af" {
		t.Fatalf("content = %q, want %q", after, "af")
	}
}

func TestTransformDeleteShiftsInsertLeft(t *testing.T) {
	base := "abcdef"
	committed := del(0, 2) // -> cdef
	incoming := ins(4, "X")

	got := transform(incoming, committed)
	if got.Position != 2 {
		t.Fatalf("transform position = %d, want 2", got.Position)
	}
	after := applyTo(t, applyTo(t, base, committed), got)
	if after != "cdXef" {
		t.Fatalf("content = %q, want %q", after, "cdXef")
	}
}

func TestTransformInsertInsideDeletedRangeClampsToStart(t *testing.T) {
	base := "abcdef"
	committed := del(1, 4) // 删掉 "bcde" -> af
	incoming := ins(3, "X")

	got := transform(incoming, committed)
	if got.Position != 1 {
		t.Fatalf("transform position = %d, want clamp to 1", got.Position)
	}
	after := applyTo(t, applyTo(t, base, committed), got)
	if after != "aXf" {
		t.Fatalf("content = %q, want %q", after, "aXf")
	}
}

func TestTransformDeleteDeleteOverlap(t *testing.T) {
	base := "abcdefgh"
	committed := del(2, 3) // 删 "cde" -> abfgh
	incoming := del(4, 3)  // 原本删 "efg"

	got := transform(incoming, committed)
	// 重叠的 "e" 已被删掉，起点左移到 2，剩 "fg"
	if got.Position != 2 || got.Length != 2 {
		t.Fatalf("transform = %+v, want position 2 length 2", got)
	}
	after := applyTo(t, applyTo(t, base, committed), got)
	if after != "abh" {
		t.Fatalf("content = %q, want %q", after, "abh")
	}

	// 两个提交顺序都要收敛
	other := converge(t, base, del(4, 3), del(2, 3))
	if other != "abh" {
		t.Fatalf("reverse order content = %q, want %q", other, "abh")
	}
}

func TestTransformDeleteFullyCoveredBecomesNoop(t *testing.T) {
	committed := del(1, 5)
	incoming := del(2, 2)

	got := transform(incoming, committed)
	if !got.isNoop() {
		t.Fatalf("transform = %+v, want no-op", got)
	}
}

func TestTransformConvergenceMatrix(t *testing.T) {
	// 各 insert/delete 组合下，提交顺序不影响最终收敛内容
	base := "the quick brown fox"
	cases := []struct {
		name string
		a, b Operation
	}{
		{"ins/ins", ins(4, "very "), ins(10, "dark ")},
		{"ins/del", ins(4, "very "), del(10, 6)},
		{"del/ins", del(0, 4), ins(16, "red ")},
		{"del/del disjoint", del(0, 4), del(10, 6)},
		{"del/del nested", del(4, 12), del(8, 4)},
	}
	for _, tc := range cases {
		ab := converge(t, base, tc.a, tc.b)
		ba := converge(t, base, tc.b, tc.a)
		if ab != ba {
			t.Fatalf("%s: %q (a first) != %q (b first)", tc.name, ab, ba)
		}
	}
}

func TestTransformSkipsRetainAndNoop(t *testing.T) {
	in := ins(3, "X")
	if got := transform(in, Operation{Type: OpRetain, Length: 5}); got != in {
		t.Fatalf("retain must not move the incoming op: %+v", got)
	}
	if got := transform(in, Operation{Type: OpDelete, Position: 0, Length: 0}); got != in {
		t.Fatalf("committed no-op must not move the incoming op: %+v", got)
	}
}
