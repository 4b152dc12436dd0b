package ws

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"realtimeServer/backend/internal/registry"
)

type fakeSender struct {
	mu      sync.Mutex
	frames  []registry.Outbound
	full    bool
	aborted bool
}

func (f *fakeSender) Enqueue(msg registry.Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, msg)
	return true
}

func (f *fakeSender) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.MessageType()
	}
	return out
}

type seqFrame struct {
	Seq uint64
}

func (s seqFrame) MessageType() string { return fmt.Sprintf("seq-%d", s.Seq) }

func newTestHub(t *testing.T) (*Hub, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(time.Minute)
	t.Cleanup(reg.Close)
	return NewHub(reg), reg
}

func join(t *testing.T, hub *Hub, reg *registry.Registry, roomID string, userID uint64) (string, *fakeSender) {
	t.Helper()
	s := &fakeSender{}
	sid, err := reg.Register(userID, fmt.Sprintf("u%d", userID), s)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := hub.Join(roomID, sid); err != nil {
		t.Fatalf("join: %v", err)
	}
	return sid, s
}

func TestCommitFanoutOrderIsIdenticalForAllMembers(t *testing.T) {
	hub, reg := newTestHub(t)
	_, a := join(t, hub, reg, "room-1", 1)
	_, b := join(t, hub, reg, "room-1", 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
				return seqFrame{Seq: seq}, nil
			})
			if err != nil {
				t.Errorf("commit: %v", err)
			}
		}()
	}
	wg.Wait()

	ta, tb := a.types(), b.types()
	if len(ta) != 20 || len(tb) != 20 {
		t.Fatalf("expected 20 frames each, got %d and %d", len(ta), len(tb))
	}
	for i := range ta {
		// 每个成员看到的顺序必须与提交顺序一致：帧 i 恰好是序号 i+1
		want := fmt.Sprintf("seq-%d", i+1)
		if ta[i] != want || tb[i] != want {
			t.Fatalf("order mismatch at %d: a=%s b=%s want=%s", i, ta[i], tb[i], want)
		}
	}
}

func TestCommitErrorConsumesNoSeq(t *testing.T) {
	hub, reg := newTestHub(t)
	_, a := join(t, hub, reg, "room-1", 1)

	_, err := hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
		return nil, errors.New("mysql down")
	})
	if err == nil {
		t.Fatalf("expected commit error")
	}
	seq, err := hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
		return seqFrame{Seq: seq}, nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if seq != 1 {
		t.Fatalf("failed commit must not consume seq, got %d", seq)
	}
	if got := a.types(); len(got) != 1 || got[0] != "seq-1" {
		t.Fatalf("expected only the successful frame, got %v", got)
	}
}

func TestLateJoinerGetsNoRetroactiveReplay(t *testing.T) {
	hub, reg := newTestHub(t)
	join(t, hub, reg, "room-1", 1)

	hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
		return seqFrame{Seq: seq}, nil
	})

	_, late := join(t, hub, reg, "room-1", 2)
	hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
		return seqFrame{Seq: seq}, nil
	})

	if got := late.types(); len(got) != 1 || got[0] != "seq-2" {
		t.Fatalf("late joiner must only see frames after joining, got %v", got)
	}
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	hub, reg := newTestHub(t)
	sidA, _ := join(t, hub, reg, "room-1", 1)
	sidB, slow := join(t, hub, reg, "room-1", 2)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	hub.Commit("room-1", func(seq uint64) (registry.Outbound, error) {
		return seqFrame{Seq: seq}, nil
	})

	if hub.IsMember(sidB, "room-1") {
		t.Fatalf("slow consumer must be evicted from the room")
	}
	slow.mu.Lock()
	aborted := slow.aborted
	slow.mu.Unlock()
	if !aborted {
		t.Fatalf("slow consumer sender must be aborted")
	}
	if !hub.IsMember(sidA, "room-1") {
		t.Fatalf("healthy member must stay")
	}
	if rooms := hub.RoomsOf(sidB); len(rooms) != 0 {
		t.Fatalf("evicted session must vanish from the reverse index, got %v", rooms)
	}
}

func TestJoinRequiresAliveSession(t *testing.T) {
	hub, _ := newTestHub(t)
	if err := hub.Join("room-1", "s-ghost"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDropSessionLeavesAllRooms(t *testing.T) {
	hub, reg := newTestHub(t)
	sid, _ := join(t, hub, reg, "room-1", 1)
	if err := hub.Join("room-2", sid); err != nil {
		t.Fatalf("join room-2: %v", err)
	}

	rooms := hub.DropSession(sid)
	if len(rooms) != 2 {
		t.Fatalf("expected 2 former rooms, got %v", rooms)
	}
	if hub.IsMember(sid, "room-1") || hub.IsMember(sid, "room-2") {
		t.Fatalf("dropped session must not remain a member anywhere")
	}
}
