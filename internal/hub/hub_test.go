package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type recordingPeer struct {
	mu   sync.Mutex
	got  []any
	fail bool
}

func (p *recordingPeer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("gone")
	}
	p.got = append(p.got, v)
	return nil
}

func TestRegisterLookupUnregister(t *testing.T) {
	h := New()
	peer := &recordingPeer{}

	id := h.Register(RoleWorker, peer)
	if id == "" {
		t.Fatal("expected connection id")
	}
	if c, ok := h.Get(RoleWorker, id); !ok || c.Peer != peer || c.Role != RoleWorker {
		t.Fatalf("unexpected lookup %+v ok=%v", c, ok)
	}
	if _, ok := h.Get(RoleChat, id); ok {
		t.Fatal("connection must only be visible under its own role")
	}
	if h.Count(RoleWorker) != 1 {
		t.Fatalf("expected one worker, got %d", h.Count(RoleWorker))
	}

	if !h.Unregister(RoleWorker, id) {
		t.Fatal("expected unregister to succeed")
	}
	if h.Unregister(RoleWorker, id) {
		t.Fatal("second unregister must report false")
	}
	if h.Count(RoleWorker) != 0 {
		t.Fatal("expected no workers")
	}
}

func TestBroadcastDropsFailingPeers(t *testing.T) {
	h := New()
	good := &recordingPeer{}
	bad := &recordingPeer{fail: true}
	other := &recordingPeer{}

	h.Register(RoleWorker, good)
	badID := h.Register(RoleWorker, bad)
	h.Register(RoleFrontend, other)

	msg := map[string]string{"request_from_frontend": "hello"}
	if n := h.Broadcast(RoleWorker, msg); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(good.got) != 1 || len(other.got) != 0 {
		t.Fatalf("unexpected deliveries good=%v other=%v", good.got, other.got)
	}
	if _, ok := h.Get(RoleWorker, badID); ok {
		t.Fatal("failing peer should be unregistered")
	}
	if h.Count(RoleWorker) != 1 {
		t.Fatalf("expected one remaining worker, got %d", h.Count(RoleWorker))
	}
}

func TestConcurrentRegistration(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role := RoleChat
			if i%2 == 0 {
				role = RoleWorker
			}
			id := h.Register(role, &recordingPeer{})
			h.Broadcast(role, fmt.Sprint(i))
			if i%5 == 0 {
				h.Unregister(role, id)
			}
		}(i)
	}
	wg.Wait()

	// 25 per role, 5 of each removed.
	if got := h.Count(RoleChat) + h.Count(RoleWorker); got != 40 {
		t.Fatalf("expected 40 connections, got %d", got)
	}
	if len(h.List(RoleWorker)) != h.Count(RoleWorker) {
		t.Fatal("List and Count disagree")
	}
}
