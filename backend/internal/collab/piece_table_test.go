package collab

import (
	"testing"

	"realtimeServer/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		delta.Retain(5),
		delta.Insert(" collaborative"),
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "Hello collaborative world" {
		t.Fatalf("String() = %q, want %q", got, "Hello collaborative world")
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if err := pt.Apply(delta.Delta{delta.Retain(5), delta.Insert("XY")}); err != nil {
		t.Fatal(err)
	}
	// "HelloXY world"，跨 add/original 两个分片删除
	if err := pt.Apply(delta.Delta{delta.Retain(4), delta.Delete(4)}); err != nil {
		t.Fatal(err)
	}
	if got := pt.String(); got != "Hellworld" {
		t.Fatalf("String() = %q, want %q", got, "Hellworld")
	}
}

func TestPieceTable_InsertAfterSplit(t *testing.T) {
	// 第二次插入命中的不是第一个分片，前缀分片不能丢
	pt := NewPieceTable("abcdef")
	if err := pt.Apply(delta.Delta{delta.Retain(2), delta.Insert("X")}); err != nil {
		t.Fatal(err)
	}
	if err := pt.Apply(delta.Delta{delta.Retain(5), delta.Insert("Y")}); err != nil {
		t.Fatal(err)
	}
	if got := pt.String(); got != "abXcdYef" {
		t.Fatalf("String() = %q, want %q", got, "abXcdYef")
	}
}

func TestPieceTable_RuneSafety(t *testing.T) {
	pt := NewPieceTable("héllo")
	if pt.Len() != 5 {
		t.Fatalf("Len() = %d, want 5 runes", pt.Len())
	}
	if err := pt.Apply(delta.Delta{delta.Retain(2), delta.Delete(1)}); err != nil {
		t.Fatal(err)
	}
	if got := pt.String(); got != "hélo" {
		t.Fatalf("String() = %q, want %q", got, "hélo")
	}
}
