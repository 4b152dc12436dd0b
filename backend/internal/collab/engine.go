package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// 持久化协作方只声明接口，具体实现在 store 包。

// OperationLog 是按版本号只追加的操作日志。
type OperationLog interface {
	AppendOperation(ctx context.Context, rec AppliedOp) error
	OperationsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error)
}

// SnapshotStore 保存/读取文档快照。LatestSnapshot 没有快照时返回 ("", 0, nil)。
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content string) error
	LatestSnapshot(ctx context.Context, docID string) (string, uint64, error)
}

// DocumentStore 管理文档元数据（标题/所有者）。
type DocumentStore interface {
	CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error
	GetDocumentID(ctx context.Context, title string) (string, error)
}

// Broadcaster 把已应用操作推给同文档房间（ws 层实现）。
// 引擎在文档临界区内调用它，保证各成员看到的版本顺序一致。
type Broadcaster interface {
	BroadcastOp(docID string, op AppliedOp)
}

// Service 协作引擎接口。
type Service interface {
	Submit(ctx context.Context, docID string, authorID uint64, baseVersion uint64,
		clientID string, clientSeq uint64, op Operation) (AppliedOp, error)
	CurrentVersion(ctx context.Context, docID string) (uint64, error)
	Content(ctx context.Context, docID string) (string, uint64, error)
	OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error)
	SaveSnapshot(ctx context.Context, docID string) error
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
	GetDocumentID(ctx context.Context, title string) (string, error)
}

// docState 单个文档的全部可变状态，持有自己的互斥锁：
// 同一文档单写者，不同文档完全并行。
type docState struct {
	mu       sync.Mutex
	revision uint64
	// 变换窗口：最近 windowCap 条已提交操作（环形，最老的先淘汰）
	opsRing []AppliedOp
	// 去重窗口：每个 clientId 最近一次处理过的 clientSeq
	lastSeqByClient map[string]uint64
	buf             Buffer
	hydrated        bool
}

type EngineOptions struct {
	// 变换窗口容量：baseVersion 落后超过这个数直接判 STALE_SUBMISSION，
	// 变换成本与窗口大小成正比，必须有上界。
	WindowCap int
	// 持久化重试
	PersistRetry   int
	PersistBackoff time.Duration
}

type Engine struct {
	mu   sync.RWMutex
	docs map[string]*docState

	windowCap      int
	persistRetry   int
	persistBackoff time.Duration

	ops       OperationLog
	snapshots SnapshotStore
	documents DocumentStore

	broadcaster Broadcaster
	dispatcher  *EventDispatcher

	// 冷启动加载去重：同一文档的并发首次访问只回源一次
	loadGroup singleflight.Group
}

func NewEngine(ops OperationLog, snapshots SnapshotStore, documents DocumentStore,
	broadcaster Broadcaster, dispatcher *EventDispatcher, opt EngineOptions) *Engine {
	if opt.WindowCap <= 0 {
		opt.WindowCap = 1024
	}
	if opt.PersistRetry <= 0 {
		opt.PersistRetry = 3
	}
	if opt.PersistBackoff <= 0 {
		opt.PersistBackoff = 50 * time.Millisecond
	}
	return &Engine{
		docs:           make(map[string]*docState),
		windowCap:      opt.WindowCap,
		persistRetry:   opt.PersistRetry,
		persistBackoff: opt.PersistBackoff,
		ops:            ops,
		snapshots:      snapshots,
		documents:      documents,
		broadcaster:    broadcaster,
		dispatcher:     dispatcher,
	}
}

// SetBroadcaster 在 main 里接线（ws 层依赖引擎，反向只能后挂）。
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

func (e *Engine) getOrCreateDoc(docID string) *docState {
	e.mu.RLock()
	ds := e.docs[docID]
	e.mu.RUnlock()
	if ds != nil {
		return ds
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds = e.docs[docID]; ds == nil {
		ds = &docState{
			lastSeqByClient: make(map[string]uint64),
			opsRing:         make([]AppliedOp, 0, e.windowCap),
			buf:             NewPieceTable(""),
		}
		e.docs[docID] = ds
	}
	return ds
}

// hydrate 冷启动回源：快照 + 快照之后的操作日志重放。
// singleflight 挡住同一文档的并发首次打开。
func (e *Engine) hydrate(ctx context.Context, docID string, ds *docState) error {
	ds.mu.Lock()
	done := ds.hydrated
	if !done && e.snapshots == nil && e.ops == nil {
		ds.hydrated = true
		done = true
	}
	ds.mu.Unlock()
	if done {
		return nil
	}
	_, err, _ := e.loadGroup.Do(docID, func() (interface{}, error) {
		ds.mu.Lock()
		defer ds.mu.Unlock()
		if ds.hydrated {
			return nil, nil
		}
		content, version := "", uint64(0)
		if e.snapshots != nil {
			var err error
			content, version, err = e.snapshots.LatestSnapshot(ctx, docID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
			}
		}
		ds.buf = NewPieceTable(content)
		ds.revision = version
		if e.ops != nil {
			replay, err := e.ops.OperationsSince(ctx, docID, version, 0)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
			}
			for _, rec := range replay {
				if rec.Version != ds.revision+1 {
					// 日志有洞只可能是外部直接改库，拒绝继续
					return nil, fmt.Errorf("%w: operation log gap at %d", ErrPersistenceFailure, rec.Version)
				}
				if !rec.Noop {
					if err := ds.buf.Apply(rec.Op.toDelta(ds.buf.Len())); err != nil {
						return nil, err
					}
				}
				ds.revision = rec.Version
				ds.appendRing(rec, e.windowCap)
			}
		}
		ds.hydrated = true
		return nil, nil
	})
	return err
}

func (ds *docState) appendRing(rec AppliedOp, limit int) {
	if limit > 0 && len(ds.opsRing) == limit {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, rec)
}

// window 取 (baseVersion, revision] 的已提交操作。窗口凑不齐就是 STALE。
func (ds *docState) window(baseVersion uint64) ([]AppliedOp, error) {
	need := ds.revision - baseVersion
	var out []AppliedOp
	for _, rec := range ds.opsRing {
		if rec.Version > baseVersion {
			out = append(out, rec)
		}
	}
	if uint64(len(out)) != need || (need > 0 && out[0].Version != baseVersion+1) {
		return nil, ErrStaleSubmission
	}
	return out, nil
}

// Submit 实现核心算法：
//  1. baseVersion == revision 直接应用；
//  2. 落后的提交先对 (baseVersion, revision] 的每条已提交操作做变换；
//  3. 应用变换结果，版本 +1，追加日志并广播 {op', newVersion}；
//  4. 变换成 no-op 时版本照样 +1，只是广播 no-op 标记。
//
// 1-3 在 ds.mu 内原子执行：同一文档单写者，不同文档并行。
func (e *Engine) Submit(ctx context.Context, docID string, authorID uint64, baseVersion uint64,
	clientID string, clientSeq uint64, op Operation) (AppliedOp, error) {

	if err := op.validate(); err != nil {
		return AppliedOp{}, err
	}
	ds := e.getOrCreateDoc(docID)
	if err := e.hydrate(ctx, docID, ds); err != nil {
		return AppliedOp{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	// 幂等/乱序保护：同一 clientId 的 seq 只允许递增
	if clientID != "" {
		if last := ds.lastSeqByClient[clientID]; clientSeq <= last {
			return AppliedOp{}, ErrDuplicateOrOutOfOrder
		}
	}
	// 声称的基准版本比服务端还新：版本认知错位，让客户端重同步
	if baseVersion > ds.revision {
		return AppliedOp{}, ErrRevisionConflict
	}
	if ds.revision-baseVersion > uint64(e.windowCap) {
		return AppliedOp{}, ErrStaleSubmission
	}

	transformed := op
	if baseVersion < ds.revision {
		committed, err := ds.window(baseVersion)
		if err != nil {
			return AppliedOp{}, err
		}
		transformed = transformAll(op, committed)
	}

	noop := transformed.isNoop()
	rec := AppliedOp{
		OperationID: fmt.Sprintf("o-%d", time.Now().UnixNano()),
		DocID:       docID,
		Version:     ds.revision + 1,
		AuthorID:    authorID,
		Op:          transformed,
		Noop:        noop,
		AppliedAt:   time.Now(),
	}

	// 先落盘再改内存：日志写失败时文档状态不动，向提交方报错而不是悄悄丢
	if err := e.persistOp(ctx, rec); err != nil {
		return AppliedOp{}, err
	}

	if !noop {
		if err := ds.buf.Apply(transformed.toDelta(ds.buf.Len())); err != nil {
			return AppliedOp{}, err
		}
	}
	ds.revision = rec.Version
	ds.appendRing(rec, e.windowCap)
	if clientID != "" {
		ds.lastSeqByClient[clientID] = clientSeq
	}

	// 仍在文档临界区内广播：房间成员按版本顺序收到
	if e.broadcaster != nil {
		e.broadcaster.BroadcastOp(docID, rec)
	}
	// 跨实例事件异步走 kafka，不阻塞提交
	if e.dispatcher != nil {
		evt := DocOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       docID,
			OperationID: rec.OperationID,
			Version:     rec.Version,
			AuthorID:    authorID,
			ClientID:    clientID,
			ClientSeq:   clientSeq,
			BaseVersion: baseVersion,
			Op:          rec.Op,
			Noop:        noop,
			AppliedAt:   rec.AppliedAt,
		}
		if err := e.dispatcher.Enqueue(ctx, evt); err != nil {
			log.Printf("collab: drop kafka event doc=%s op=%s: %v", docID, rec.OperationID, err)
		}
	}

	return rec, nil
}

// persistOp 带退避重试的同步日志追加。
func (e *Engine) persistOp(ctx context.Context, rec AppliedOp) error {
	if e.ops == nil {
		return nil
	}
	backoff := e.persistBackoff
	var lastErr error
	for attempt := 0; attempt < e.persistRetry; attempt++ {
		if lastErr = e.ops.AppendOperation(ctx, rec); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Printf("collab: append operation failed doc=%s version=%d: %v", rec.DocID, rec.Version, lastErr)
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, lastErr)
}

func (e *Engine) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	ds := e.getOrCreateDoc(docID)
	if err := e.hydrate(ctx, docID, ds); err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.revision, nil
}

func (e *Engine) Content(ctx context.Context, docID string) (string, uint64, error) {
	ds := e.getOrCreateDoc(docID)
	if err := e.hydrate(ctx, docID, ds); err != nil {
		return "", 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.buf.String(), ds.revision, nil
}

// OpsSince 重连追平：优先吃内存窗口，窗口不够再去日志做范围读。
func (e *Engine) OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	ds := e.getOrCreateDoc(docID)
	if err := e.hydrate(ctx, docID, ds); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	var out []AppliedOp
	complete := true
	for _, rec := range ds.opsRing {
		if rec.Version > fromVersion {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	if len(out) == 0 && ds.revision > fromVersion {
		complete = false
	} else if len(out) > 0 && out[0].Version != fromVersion+1 {
		complete = false
	}
	ds.mu.Unlock()

	if complete || e.ops == nil {
		return out, nil
	}
	return e.ops.OperationsSince(ctx, docID, fromVersion, limit)
}

func (e *Engine) SaveSnapshot(ctx context.Context, docID string) error {
	if e.snapshots == nil {
		return ErrPersistenceFailure
	}
	ds := e.getOrCreateDoc(docID)
	if err := e.hydrate(ctx, docID, ds); err != nil {
		return err
	}
	ds.mu.Lock()
	content := ds.buf.String()
	version := ds.revision
	ds.mu.Unlock()
	return e.snapshots.SaveDocumentSnapshot(ctx, docID, version, content)
}

func (e *Engine) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	docID := fmt.Sprintf("d-%d", time.Now().UnixNano())
	if e.documents != nil {
		if err := e.documents.CreateDocument(ctx, docID, ownerID, title); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
	}
	// 先注册内存态，房间可以立刻加入
	e.getOrCreateDoc(docID).hydrated = true
	return docID, nil
}

func (e *Engine) GetDocumentID(ctx context.Context, title string) (string, error) {
	if e.documents == nil {
		return "", ErrDocumentNotFound
	}
	return e.documents.GetDocumentID(ctx, title)
}
