package heartbeat

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBeatPreventsLoss(t *testing.T) {
	var mu sync.Mutex
	var lost []string

	m := New(2, 10*time.Millisecond, func(peer string) {
		mu.Lock()
		lost = append(lost, peer)
		mu.Unlock()
	}, zap.NewNop())
	defer m.Stop()

	m.Add("agent-1")
	for i := 0; i < 5; i++ {
		time.Sleep(8 * time.Millisecond)
		m.Beat("agent-1")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lost) != 0 {
		t.Errorf("expected no loss, got %v", lost)
	}
}

func TestMissedCyclesFireOnLost(t *testing.T) {
	lostCh := make(chan string, 1)
	m := New(2, 5*time.Millisecond, func(peer string) { lostCh <- peer }, zap.NewNop())
	defer m.Stop()

	m.Add("agent-1")

	select {
	case peer := <-lostCh:
		if peer != "agent-1" {
			t.Errorf("lost peer = %q, want agent-1", peer)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected onLost to fire after missed heartbeats")
	}
}

func TestDeleteStopsTracking(t *testing.T) {
	lostCh := make(chan string, 1)
	m := New(2, 5*time.Millisecond, func(peer string) { lostCh <- peer }, zap.NewNop())
	defer m.Stop()

	m.Add("agent-1")
	m.Delete("agent-1")

	select {
	case peer := <-lostCh:
		t.Fatalf("unexpected loss event for deleted peer %q", peer)
	case <-time.After(50 * time.Millisecond):
	}
}
