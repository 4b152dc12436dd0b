package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"realtimeServer/backend/internal/cache"
	"realtimeServer/backend/internal/registry"
)

// State 用户级在线状态，由该用户全部会话的状态聚合而来。
type State string

const (
	StateOnline  State = "online"
	StateAway    State = "away"
	StateOffline State = "offline"
)

// RoomFanout 房间广播面，由连接层实现。
type RoomFanout interface {
	Fanout(roomID string, frame registry.Outbound)
	RoomsOf(sessionID string) []string
	DropSession(sessionID string) []string
}

// Frame 状态变更的广播帧。
type Frame struct {
	Type     string `json:"type"` // 固定 "presence.update"
	RoomID   string `json:"roomId"`
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	State    State  `json:"state"`
}

func (f Frame) MessageType() string { return f.Type }

type sessionState struct {
	userID   uint64
	username string
	state    State
}

// Tracker 把会话生命周期事件聚合成用户级状态机：
// online → away → offline，任一会话活跃则用户不算离线。
// 状态跃迁广播到该用户所在的所有房间，redis 镜像供跨实例查询。
type Tracker struct {
	fanout RoomFanout
	cache  cache.PresenceCache
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState // sessionID -> 会话状态
	byUser   map[uint64]map[string]struct{}
}

func NewTracker(fanout RoomFanout, pc cache.PresenceCache, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Tracker{
		fanout:   fanout,
		cache:    pc,
		ttl:      ttl,
		sessions: make(map[string]*sessionState),
		byUser:   make(map[uint64]map[string]struct{}),
	}
}

// aggregate 取用户全部会话里"最好"的状态。调用方持锁。
func (t *Tracker) aggregate(userID uint64) State {
	best := StateOffline
	for sid := range t.byUser[userID] {
		ss, ok := t.sessions[sid]
		if !ok {
			continue
		}
		switch ss.state {
		case StateOnline:
			return StateOnline
		case StateAway:
			best = StateAway
		}
	}
	return best
}

// StateOf 查询用户当前聚合状态。
func (t *Tracker) StateOf(userID uint64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregate(userID)
}

// SessionOnline 新会话建立或心跳把 away 会话拉回在线。
func (t *Tracker) SessionOnline(sessionID string, userID uint64, username string) {
	t.mu.Lock()
	before := t.aggregate(userID)
	ss, ok := t.sessions[sessionID]
	if !ok {
		ss = &sessionState{userID: userID, username: username}
		t.sessions[sessionID] = ss
		if t.byUser[userID] == nil {
			t.byUser[userID] = make(map[string]struct{})
		}
		t.byUser[userID][sessionID] = struct{}{}
	}
	ss.state = StateOnline
	after := t.aggregate(userID)
	rooms := t.roomsOfUser(userID)
	t.mu.Unlock()

	t.refreshMirror(rooms, userID, username)
	if before != after {
		t.broadcast(rooms, userID, username, after)
	}
}

// SessionIdle 心跳窗口内无活动，会话降级为 away。
func (t *Tracker) SessionIdle(sessionID string, userID uint64) {
	t.mu.Lock()
	ss, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	before := t.aggregate(userID)
	ss.state = StateAway
	after := t.aggregate(userID)
	username := ss.username
	rooms := t.roomsOfUser(userID)
	t.mu.Unlock()

	if before != after {
		t.broadcast(rooms, userID, username, after)
	}
}

// SessionOffline 会话终结（主动断开或超时强摘）。
// 先取房间列表再摘会话，离开事件要送达原房间的其余成员。
func (t *Tracker) SessionOffline(sessionID string, userID uint64, graceful bool) {
	var rooms []string
	if t.fanout != nil {
		rooms = t.fanout.RoomsOf(sessionID)
		t.fanout.DropSession(sessionID)
	}

	t.mu.Lock()
	ss, ok := t.sessions[sessionID]
	username := ""
	if ok {
		username = ss.username
		delete(t.sessions, sessionID)
		if set := t.byUser[userID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(t.byUser, userID)
			}
		}
	}
	after := t.aggregate(userID)
	t.mu.Unlock()

	if !ok {
		return
	}
	if !graceful {
		log.Printf("presence: session %s of user %d force removed", sessionID, userID)
	}
	if after == StateOffline && t.cache != nil {
		for _, roomID := range rooms {
			if err := t.cache.RemoveMember(context.Background(), roomID, userID); err != nil {
				log.Printf("presence: remove mirror room=%s user=%d: %v", roomID, userID, err)
			}
		}
	}
	t.broadcast(rooms, userID, username, after)
}

// MemberJoined 会话加入房间，镜像写入并向房间广播上线。
func (t *Tracker) MemberJoined(roomID string, userID uint64, username string) {
	if t.cache != nil {
		if err := t.cache.AddMember(context.Background(), roomID, userID, username, t.ttl); err != nil {
			log.Printf("presence: mirror join room=%s user=%d: %v", roomID, userID, err)
		}
	}
	t.broadcast([]string{roomID}, userID, username, t.StateOf(userID))
}

// MemberLeft 会话离开房间（房间维度的离开，不等于用户离线）。
func (t *Tracker) MemberLeft(roomID string, userID uint64, username string) {
	if t.cache != nil {
		if err := t.cache.RemoveMember(context.Background(), roomID, userID); err != nil {
			log.Printf("presence: mirror leave room=%s user=%d: %v", roomID, userID, err)
		}
	}
	t.broadcast([]string{roomID}, userID, username, StateOffline)
}

// Touch 心跳续期 redis 镜像的逻辑 TTL。
func (t *Tracker) Touch(sessionID string, userID uint64, username string) {
	if t.cache == nil || t.fanout == nil {
		return
	}
	for _, roomID := range t.fanout.RoomsOf(sessionID) {
		if err := t.cache.AddMember(context.Background(), roomID, userID, username, t.ttl); err != nil {
			log.Printf("presence: mirror touch room=%s user=%d: %v", roomID, userID, err)
		}
	}
}

// SaveCursor 光标位置写入 redis 镜像，随成员 TTL 一起过期。
func (t *Tracker) SaveCursor(roomID string, userID uint64, data []byte) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetCursor(context.Background(), roomID, userID, data, t.ttl); err != nil {
		log.Printf("presence: mirror cursor room=%s user=%d: %v", roomID, userID, err)
	}
}

// Members 房间当前在线成员（读 redis 镜像，顺带清理过期项）。
func (t *Tracker) Members(ctx context.Context, roomID string) ([]cache.PresenceMember, error) {
	if t.cache == nil {
		return nil, nil
	}
	return t.cache.GetAliveMembersWithNames(ctx, roomID)
}

// roomsOfUser 用户全部会话所在房间的并集。调用方持锁。
func (t *Tracker) roomsOfUser(userID uint64) []string {
	if t.fanout == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var rooms []string
	for sid := range t.byUser[userID] {
		for _, roomID := range t.fanout.RoomsOf(sid) {
			if _, dup := seen[roomID]; dup {
				continue
			}
			seen[roomID] = struct{}{}
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

func (t *Tracker) refreshMirror(rooms []string, userID uint64, username string) {
	if t.cache == nil {
		return
	}
	for _, roomID := range rooms {
		if err := t.cache.AddMember(context.Background(), roomID, userID, username, t.ttl); err != nil {
			log.Printf("presence: mirror refresh room=%s user=%d: %v", roomID, userID, err)
		}
	}
}

func (t *Tracker) broadcast(rooms []string, userID uint64, username string, state State) {
	if t.fanout == nil {
		return
	}
	for _, roomID := range rooms {
		t.fanout.Fanout(roomID, Frame{
			Type:     "presence.update",
			RoomID:   roomID,
			UserID:   userID,
			Username: username,
			State:    state,
		})
	}
}
