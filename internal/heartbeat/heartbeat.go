// Package heartbeat tracks agent liveness (H): a peer is added once, and is
// expected to ping in at least once every cycle; after pingTimes
// consecutive missed cycles, onLost fires once and the peer is dropped.
// Modeled on the scheduler's own timer-driven loop (basicScheduler.loop),
// generalized from a single select to a map of per-peer countdowns ticked
// by one shared timer.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor tracks a set of peers and fires onLost for any that go quiet.
type Monitor struct {
	mu        sync.Mutex
	misses    map[string]uint
	pingTimes uint
	cycle     time.Duration
	onLost    func(peer string)
	log       *zap.Logger
	quit      chan struct{}
	done      chan struct{}
}

// New builds a Monitor. onLost is invoked from the Monitor's own goroutine;
// it must not block or call back into the Monitor synchronously.
func New(pingTimes uint, cycle time.Duration, onLost func(peer string), log *zap.Logger) *Monitor {
	if pingTimes == 0 {
		pingTimes = 1
	}
	m := &Monitor{
		misses:    make(map[string]uint),
		pingTimes: pingTimes,
		cycle:     cycle,
		onLost:    onLost,
		log:       log,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.loop()
	return m
}

// Add begins tracking peer, or resets its miss count if already tracked.
func (m *Monitor) Add(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[peer] = 0
}

// Delete stops tracking peer (e.g. a clean UnRegister).
func (m *Monitor) Delete(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.misses, peer)
}

// Beat records a ping from peer, resetting its miss count to zero. A beat
// from a peer that isn't tracked is treated as an implicit Add.
func (m *Monitor) Beat(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[peer] = 0
}

// Stop halts the monitor's background loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.quit)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) tick() {
	var lost []string

	m.mu.Lock()
	for peer, n := range m.misses {
		n++
		if n >= m.pingTimes {
			lost = append(lost, peer)
			delete(m.misses, peer)
			continue
		}
		m.misses[peer] = n
	}
	m.mu.Unlock()

	for _, peer := range lost {
		m.log.Warn("peer heartbeat lost", zap.String("peer", peer), zap.Uint("ping_times", m.pingTimes))
		m.onLost(peer)
	}
}
