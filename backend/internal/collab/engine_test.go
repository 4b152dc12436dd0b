package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEngine() *Engine {
	return NewEngine(nil, nil, nil, nil, nil, EngineOptions{WindowCap: 8, PersistBackoff: time.Millisecond})
}

func TestSubmitDirectApply(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	rec, err := e.Submit(ctx, "doc1", 1, 0, "c1", 1, ins(0, "hello"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("version = %d, want 1", rec.Version)
	}
	content, version, err := e.Content(ctx, "doc1")
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if content != "hello" || version != 1 {
		t.Fatalf("content = %q v%d, want %q v1", content, version, "hello")
	}
}

func TestVersionMonotonicNoGaps(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 5; i++ {
		rec, err := e.Submit(ctx, "doc1", 1, prev, "c1", uint64(i+1), ins(0, "x"))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		if rec.Version != prev+1 {
			t.Fatalf("version = %d, want %d", rec.Version, prev+1)
		}
		prev = rec.Version
	}
}

func TestConcurrentInsertAtZeroIsDeterministic(t *testing.T) {
	// 两个用户同时在空文档 position 0 插入：先被服务端处理（=先提交）的排前面，
	// 无论处理顺序如何，所有副本收到同一份提交序列。
	run := func(firstText, secondText string) string {
		e := newTestEngine()
		ctx := context.Background()
		if _, err := e.Submit(ctx, "doc", 1, 0, "ca", 1, ins(0, firstText)); err != nil {
			t.Fatalf("first Submit error = %v", err)
		}
		if _, err := e.Submit(ctx, "doc", 2, 0, "cb", 1, ins(0, secondText)); err != nil {
			t.Fatalf("second Submit error = %v", err)
		}
		content, _, _ := e.Content(ctx, "doc")
		return content
	}
	if got := run("A", "B"); got != "AB" {
		t.Fatalf("A processed first: content = %q, want %q", got, "AB")
	}
	if got := run("B", "A"); got != "BA" {
		t.Fatalf("B processed first: content = %q, want %q", got, "BA")
	}
}

func TestNoopDeleteStillAdvancesVersion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Submit(ctx, "doc", 1, 0, "c1", 1, ins(0, "abcdef")); err != nil {
		t.Fatalf("seed Submit error = %v", err)
	}
	// 用户 1 删掉 [1,5)
	if _, err := e.Submit(ctx, "doc", 1, 1, "c1", 2, del(1, 4)); err != nil {
		t.Fatalf("delete Submit error = %v", err)
	}
	// 用户 2 基于 v1 删其中一段：已经没了，必须降级为 no-op 但版本照常 +1
	rec, err := e.Submit(ctx, "doc", 2, 1, "c2", 1, del(2, 2))
	if err != nil {
		t.Fatalf("no-op Submit error = %v", err)
	}
	if !rec.Noop {
		t.Fatalf("rec.Noop = false, want true")
	}
	if rec.Version != 3 {
		t.Fatalf("version = %d, want 3", rec.Version)
	}
	content, version, _ := e.Content(ctx, "doc")
	if content != "af" || version != 3 {
		t.Fatalf("content = %q v%d, want %q v3", content, version, "af")
	}
}

func TestStaleSubmissionRejected(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, nil, EngineOptions{WindowCap: 2, PersistBackoff: time.Millisecond})
	ctx := context.Background()

	var v uint64
	for i := 0; i < 4; i++ {
		rec, err := e.Submit(ctx, "doc", 1, v, "c1", uint64(i+1), ins(0, "x"))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		v = rec.Version
	}
	// baseVersion 落后 4 > 窗口 2
	_, err := e.Submit(ctx, "doc", 2, 0, "c2", 1, ins(0, "y"))
	if !errors.Is(err, ErrStaleSubmission) {
		t.Fatalf("Submit() error = %v, want ErrStaleSubmission", err)
	}
}

func TestDuplicateClientSeqRejected(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Submit(ctx, "doc", 1, 0, "c1", 5, ins(0, "x")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := e.Submit(ctx, "doc", 1, 1, "c1", 5, ins(0, "y")); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("replayed clientSeq error = %v, want ErrDuplicateOrOutOfOrder", err)
	}
}

func TestFutureBaseVersionRejected(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Submit(context.Background(), "doc", 1, 7, "c1", 1, ins(0, "x")); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("Submit(base in future) error = %v, want ErrRevisionConflict", err)
	}
}

func TestOpsSinceServesReconnectReplay(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	// 客户端在 v1 断开，期间提交了 3 个操作
	if _, err := e.Submit(ctx, "doc", 1, 0, "c1", 1, ins(0, "a")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Submit(ctx, "doc", 2, uint64(i+1), "c2", uint64(i+1), ins(i+1, "b")); err != nil {
			t.Fatal(err)
		}
	}

	replay, err := e.OpsSince(ctx, "doc", 1, 0)
	if err != nil {
		t.Fatalf("OpsSince() error = %v", err)
	}
	if len(replay) != 3 {
		t.Fatalf("len(replay) = %d, want 3", len(replay))
	}
	for i, rec := range replay {
		if rec.Version != uint64(i+2) {
			t.Fatalf("replay[%d].Version = %d, want %d", i, rec.Version, i+2)
		}
	}

	// 本地重放后版本追平
	pt := NewPieceTable("a")
	local := uint64(1)
	for _, rec := range replay {
		if !rec.Noop {
			if err := pt.Apply(rec.Op.toDelta(pt.Len())); err != nil {
				t.Fatal(err)
			}
		}
		local = rec.Version
	}
	content, version, _ := e.Content(ctx, "doc")
	if local != version || pt.String() != content {
		t.Fatalf("replayed replica %q v%d, server %q v%d", pt.String(), local, content, version)
	}
}

type flakyOpLog struct {
	mu       sync.Mutex
	failures int
	appended []AppliedOp
}

func (f *flakyOpLog) AppendOperation(ctx context.Context, rec AppliedOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("mysql is having a moment")
	}
	f.appended = append(f.appended, rec)
	return nil
}

func (f *flakyOpLog) OperationsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	return nil, nil
}

func TestPersistRetrySucceedsOnThirdAttempt(t *testing.T) {
	oplog := &flakyOpLog{failures: 2}
	e := NewEngine(oplog, nil, nil, nil, nil, EngineOptions{WindowCap: 8, PersistRetry: 3, PersistBackoff: time.Millisecond})

	rec, err := e.Submit(context.Background(), "doc", 1, 0, "c1", 1, ins(0, "x"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(oplog.appended) != 1 || oplog.appended[0].Version != rec.Version {
		t.Fatalf("op log = %+v, want the applied op at v%d", oplog.appended, rec.Version)
	}
}

func TestPersistExhaustionSurfacesAndKeepsStateClean(t *testing.T) {
	oplog := &flakyOpLog{failures: 99}
	e := NewEngine(oplog, nil, nil, nil, nil, EngineOptions{WindowCap: 8, PersistRetry: 2, PersistBackoff: time.Millisecond})
	ctx := context.Background()

	_, err := e.Submit(ctx, "doc", 1, 0, "c1", 1, ins(0, "x"))
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Fatalf("Submit() error = %v, want ErrPersistenceFailure", err)
	}
	version, err := e.CurrentVersion(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Fatalf("version advanced to %d on failed persist", version)
	}
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	recs []AppliedOp
}

func (b *recordingBroadcaster) BroadcastOp(docID string, op AppliedOp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs = append(b.recs, op)
}

func TestBroadcastFollowsCommitOrder(t *testing.T) {
	b := &recordingBroadcaster{}
	e := NewEngine(nil, nil, nil, b, nil, EngineOptions{WindowCap: 64, PersistBackoff: time.Millisecond})
	ctx := context.Background()

	// 并发提交不同基线版本，广播序列必须与版本号一致
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 都基于 v0 提交，靠引擎变换；先到先提交
			_, _ = e.Submit(ctx, "doc", uint64(i+1), 0, "", 0, ins(0, "x"))
		}(i)
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.recs) != 8 {
		t.Fatalf("broadcast count = %d, want 8", len(b.recs))
	}
	for i, rec := range b.recs {
		if rec.Version != uint64(i+1) {
			t.Fatalf("broadcast[%d].Version = %d, want %d", i, rec.Version, i+1)
		}
	}
}
