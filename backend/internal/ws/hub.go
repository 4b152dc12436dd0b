package ws

import (
	"errors"
	"log"
	"sync"

	"realtimeServer/backend/internal/registry"
)

var ErrNotConnected = errors.New("SESSION_NOT_FOUND")

// room 单个房间的广播状态。房间锁就是这个房间的提交临界区：
// 序号分配、落库回调、成员扇出都在锁内完成，所以每个成员
// 看到的帧顺序一定等于提交顺序。
type room struct {
	mu  sync.Mutex
	seq uint64
	// sessionID 集合。存会话而不是连接对象：发送端统一经 registry 解析。
	members map[string]struct{}
}

// Hub 房间表 + 定序广播。
// 房间里存的是 sessionID 而不是 userID：
// - 一个用户可开多个标签页/设备（多连接）；广播要逐会话发，不能只按 userID 发一次。
type Hub struct {
	reg *registry.Registry

	mu    sync.RWMutex
	rooms map[string]*room
	// sessionID -> 已加入的房间集合（断线清理用反查索引）
	bySession map[string]map[string]struct{}
}

func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:       reg,
		rooms:     make(map[string]*room),
		bySession: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) getOrCreateRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]struct{})}
		h.rooms[roomID] = r
	}
	return r
}

func (h *Hub) getRoom(roomID string) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// Join 会话加入房间。只有 registry 里活着的会话才允许加入。
func (h *Hub) Join(roomID, sessionID string) error {
	if !h.reg.Alive(sessionID) {
		return ErrNotConnected
	}
	r := h.getOrCreateRoom(roomID)

	h.mu.Lock()
	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[string]struct{})
	}
	h.bySession[sessionID][roomID] = struct{}{}
	h.mu.Unlock()

	r.mu.Lock()
	r.members[sessionID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Leave 会话离开单个房间。已广播的消息不回收。
func (h *Hub) Leave(roomID, sessionID string) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.members, sessionID)
	r.mu.Unlock()

	h.mu.Lock()
	if set := h.bySession[sessionID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) IsMember(sessionID, roomID string) bool {
	r, ok := h.getRoom(roomID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, member := r.members[sessionID]
	return member
}

// RoomsOf 会话当前加入的全部房间。
func (h *Hub) RoomsOf(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.bySession[sessionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

// DropSession 把会话从所有房间摘除（断线路径），返回它曾在的房间。
func (h *Hub) DropSession(sessionID string) []string {
	rooms := h.RoomsOf(sessionID)
	for _, roomID := range rooms {
		h.Leave(roomID, sessionID)
	}
	return rooms
}

// Commit 在房间临界区内执行提交回调：
// 回调拿到下一个序号，先完成自己的持久化，返回要广播的帧；
// 回调报错则序号不消耗、什么都不广播。成功后帧在同一临界区内
// 扇出给全部成员，所以房间内帧顺序 == 提交顺序，无例外。
func (h *Hub) Commit(roomID string, commit func(seq uint64) (registry.Outbound, error)) (uint64, error) {
	r := h.getOrCreateRoom(roomID)
	r.mu.Lock()
	seq := r.seq + 1
	frame, err := commit(seq)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.seq = seq
	stale := h.fanoutLocked(r, frame)
	r.mu.Unlock()

	h.pruneStale(roomID, stale)
	return seq, nil
}

// Fanout 不占序号的纯广播（typing、presence、光标这类咨询性帧）。
func (h *Hub) Fanout(roomID string, frame registry.Outbound) {
	r, ok := h.getRoom(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	stale := h.fanoutLocked(r, frame)
	r.mu.Unlock()

	h.pruneStale(roomID, stale)
}

// fanoutLocked 持房间锁逐成员入队。写不进去的连接视为断线：
// 就地摘出房间并中止发送端，绝不为慢消费者重排或丢帧后继续装作在线。
func (h *Hub) fanoutLocked(r *room, frame registry.Outbound) []string {
	var stale []string
	for sid := range r.members {
		sender, ok := h.reg.SenderOf(sid)
		if !ok || !sender.Enqueue(frame) {
			delete(r.members, sid)
			stale = append(stale, sid)
			if ok {
				sender.Abort()
			}
		}
	}
	return stale
}

// pruneStale 清理反查索引。registry 的心跳清扫随后会回收会话本身。
func (h *Hub) pruneStale(roomID string, stale []string) {
	if len(stale) == 0 {
		return
	}
	h.mu.Lock()
	for _, sid := range stale {
		if set := h.bySession[sid]; set != nil {
			delete(set, roomID)
			if len(set) == 0 {
				delete(h.bySession, sid)
			}
		}
	}
	h.mu.Unlock()
	for _, sid := range stale {
		log.Printf("hub: slow or dead consumer evicted from room %s: session=%s", roomID, sid)
	}
}
