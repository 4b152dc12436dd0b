package registry

import (
	"testing"
	"time"
)

type fakeSender struct {
	aborted bool
}

func (f *fakeSender) Enqueue(msg Outbound) bool { return true }
func (f *fakeSender) Abort()                    { f.aborted = true }

type recordingHook struct {
	online  []string
	idle    []string
	offline []string
}

func (h *recordingHook) SessionOnline(sessionID string, userID uint64, username string) {
	h.online = append(h.online, sessionID)
}
func (h *recordingHook) SessionIdle(sessionID string, userID uint64) {
	h.idle = append(h.idle, sessionID)
}
func (h *recordingHook) SessionOffline(sessionID string, userID uint64, graceful bool) {
	h.offline = append(h.offline, sessionID)
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry(time.Minute)
	hook := &recordingHook{}
	r.SetHook(hook)

	sender := &fakeSender{}
	sid, err := r.Register(42, "alice", sender)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := r.Lookup(42); len(got) != 1 || got[0] != sid {
		t.Fatalf("Lookup(42) = %v, want [%s]", got, sid)
	}
	if !r.Alive(sid) {
		t.Fatalf("Alive(%s) = false, want true", sid)
	}
	if len(hook.online) != 1 {
		t.Fatalf("online hook fired %d times, want 1", len(hook.online))
	}

	r.Unregister(sid)
	if r.Alive(sid) {
		t.Fatalf("session still alive after Unregister")
	}
	if got := r.Lookup(42); len(got) != 0 {
		t.Fatalf("Lookup(42) after unregister = %v, want empty", got)
	}
	if !sender.aborted {
		t.Fatalf("sender not aborted on unregister")
	}
	if len(hook.offline) != 1 {
		t.Fatalf("offline hook fired %d times, want 1", len(hook.offline))
	}
}

func TestRegisterRejectsUnauthenticated(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Register(0, "", &fakeSender{}); err != ErrAuthenticationFailure {
		t.Fatalf("Register(0) error = %v, want ErrAuthenticationFailure", err)
	}
}

func TestMultipleSessionsPerUser(t *testing.T) {
	r := NewRegistry(time.Minute)
	s1, _ := r.Register(7, "bob", &fakeSender{})
	// 同一纳秒注册时 ID 可能相同，错开一下
	time.Sleep(time.Microsecond)
	s2, _ := r.Register(7, "bob", &fakeSender{})
	if s1 == s2 {
		t.Fatalf("two sessions share the same ID: %s", s1)
	}
	if got := r.Lookup(7); len(got) != 2 {
		t.Fatalf("Lookup(7) = %v, want 2 sessions", got)
	}
}

func TestSweepIdleThenOffline(t *testing.T) {
	r := NewRegistry(time.Minute)
	hook := &recordingHook{}
	r.SetHook(hook)

	base := time.Now()
	r.now = func() time.Time { return base }
	sid, _ := r.Register(1, "carol", &fakeSender{})
	hook.online = nil

	// 1 个窗口之后：AWAY
	r.now = func() time.Time { return base.Add(61 * time.Second) }
	r.sweep()
	if len(hook.idle) != 1 || hook.idle[0] != sid {
		t.Fatalf("idle hook = %v, want [%s]", hook.idle, sid)
	}
	if !r.Alive(sid) {
		t.Fatalf("session must survive the first timeout window")
	}

	// 心跳后恢复，不再 idle
	if err := r.Heartbeat(sid); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	hook.idle = nil
	r.sweep()
	if len(hook.idle) != 0 {
		t.Fatalf("idle hook fired after heartbeat refresh")
	}

	// 2 个窗口之后：强制下线
	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	r.sweep()
	if r.Alive(sid) {
		t.Fatalf("session must be force-unregistered after two windows")
	}
	if len(hook.offline) != 1 {
		t.Fatalf("offline hook fired %d times, want 1", len(hook.offline))
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	r := NewRegistry(time.Minute)
	if err := r.Heartbeat("s-404"); err != ErrSessionNotFound {
		t.Fatalf("Heartbeat(unknown) error = %v, want ErrSessionNotFound", err)
	}
}
