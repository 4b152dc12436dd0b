package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Outbound 出站帧的统一接口：所有要写回客户端的消息都带一个 type 标签。
// 放在 registry 包里是为了让 chat/notify/presence 各自定义自己的帧类型，
// 而不用反向依赖 ws 包。
type Outbound interface {
	MessageType() string
}

// Sender 是一条活跃连接的发送端。
// Enqueue 返回 false 表示这条连接已经写不进去了（队列满/已关闭），
// 调用方可据此把它当作断线处理。
type Sender interface {
	Enqueue(msg Outbound) bool
	Abort()
}

// LifecycleHook 会在会话状态变化时被回调（presence 在这里接入）。
// graceful=false 表示心跳超时被强制下线，而不是客户端主动断开。
type LifecycleHook interface {
	SessionOnline(sessionID string, userID uint64, username string)
	SessionIdle(sessionID string, userID uint64)
	SessionOffline(sessionID string, userID uint64, graceful bool)
}

var (
	ErrAuthenticationFailure = errors.New("AUTHENTICATION_FAILURE")
	ErrSessionNotFound       = errors.New("SESSION_NOT_FOUND")
)

// Session 是“已认证用户 <-> 一条连接”的临时绑定。
// 由 Registry 独占持有，断开或心跳超时即销毁。
type Session struct {
	ID            string
	UserID        uint64
	Username      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	sender Sender
	// 是否已经过了一个心跳窗口（用于 AWAY -> OFFLINE 的二段超时）
	idle bool
}

// Registry 是进程内唯一的在线会话表。
// 其他组件只允许通过这里的方法访问连接，不允许直接拿连接对象。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[uint64]map[string]struct{}

	heartbeatTimeout time.Duration
	hook             LifecycleHook

	closed chan struct{}
	wg     sync.WaitGroup

	// 测试注入
	now func() time.Time
}

const DefaultHeartbeatTimeout = 60 * time.Second

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	r := &Registry{
		sessions:         make(map[string]*Session),
		byUser:           make(map[uint64]map[string]struct{}),
		heartbeatTimeout: heartbeatTimeout,
		closed:           make(chan struct{}),
		now:              time.Now,
	}
	return r
}

// SetHook 必须在第一笔 Register 之前调用（main 里完成接线）。
func (r *Registry) SetHook(h LifecycleHook) { r.hook = h }

// StartSweeper 启动心跳清扫：超过一个窗口标记 idle，超过两个窗口强制下线。
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = r.heartbeatTimeout / 4
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.closed:
				return
			}
		}
	}()
}

// Register 为已认证身份开一个会话。身份校验在接入层完成，
// 这里只认结果：userID 为 0 视为没有通过认证。
func (r *Registry) Register(userID uint64, username string, sender Sender) (string, error) {
	if userID == 0 {
		return "", ErrAuthenticationFailure
	}
	now := r.now()
	s := &Session{
		// 与操作 ID 同一套命名：时间戳足够区分同进程内的会话
		ID:            fmt.Sprintf("s-%d", now.UnixNano()),
		UserID:        userID,
		Username:      username,
		ConnectedAt:   now,
		LastHeartbeat: now,
		sender:        sender,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][s.ID] = struct{}{}
	r.mu.Unlock()

	if r.hook != nil {
		r.hook.SessionOnline(s.ID, userID, username)
	}
	return s.ID, nil
}

// Unregister 销毁会话。只中止这条连接自己还没发出去的消息，
// 已提交的房间/文档状态不回滚。
func (r *Registry) Unregister(sessionID string) {
	r.remove(sessionID, true)
}

func (r *Registry) remove(sessionID string, graceful bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if set := r.byUser[s.UserID]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if s.sender != nil {
		s.sender.Abort()
	}
	if r.hook != nil {
		r.hook.SessionOffline(sessionID, s.UserID, graceful)
	}
}

// Heartbeat 刷新存活时间，同时清掉 idle 标记（AWAY 恢复 ONLINE 由 hook 方判断）。
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.LastHeartbeat = r.now()
		s.idle = false
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if r.hook != nil {
		r.hook.SessionOnline(sessionID, s.UserID, s.Username)
	}
	return nil
}

// Lookup 返回某用户当前所有活跃会话 ID（多端/多标签页）。
func (r *Registry) Lookup(userID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SenderOf 取会话的发送端，广播扇出在提交时解析（房间里只存 sessionID）。
func (r *Registry) SenderOf(sessionID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.sender == nil {
		return nil, false
	}
	return s.sender, true
}

func (r *Registry) Alive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

func (r *Registry) UserOf(sessionID string) (uint64, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, "", false
	}
	return s.UserID, s.Username, true
}

// sweep 扫一遍所有会话：
// - 超过 1 个心跳窗口：标记 idle，回调 SessionIdle（AWAY）
// - 超过 2 个心跳窗口：强制下线（ONLINE/AWAY -> OFFLINE）
func (r *Registry) sweep() {
	now := r.now()
	var newlyIdle []*Session
	var dead []string

	r.mu.Lock()
	for id, s := range r.sessions {
		silent := now.Sub(s.LastHeartbeat)
		switch {
		case silent > 2*r.heartbeatTimeout:
			dead = append(dead, id)
		case silent > r.heartbeatTimeout && !s.idle:
			s.idle = true
			newlyIdle = append(newlyIdle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range newlyIdle {
		if r.hook != nil {
			r.hook.SessionIdle(s.ID, s.UserID)
		}
	}
	for _, id := range dead {
		log.Printf("registry: heartbeat timeout, force unregister session=%s", id)
		r.remove(id, false)
	}
}

// Close 停掉清扫并逐个下线剩余会话（进程退出时调用）。
func (r *Registry) Close() {
	close(r.closed)
	r.wg.Wait()

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.remove(id, true)
	}
}
