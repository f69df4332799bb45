package throttle

import (
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// Number of one-period samples averaged by Speed.
const WindowSlots = 5

// Monitor measures bytes moved per second over a rolling window and optionally caps them. A
// background ticker closes the current second into the window and resets its counter. A limit
// <= 0 means unlimited.
type Monitor struct {
	mu      sync.Mutex
	limit   int64
	current int64
	window  [WindowSlots]int64
	slot    int
	// Broadcast whenever the current counter is reset.
	rotated chansync.BroadcastCond
	closed  chansync.SetOnce
	period  time.Duration
}

func NewMonitor(limit int64) *Monitor {
	return newMonitor(limit, time.Second)
}

func newMonitor(limit int64, period time.Duration) *Monitor {
	m := &Monitor{
		limit:  limit,
		period: period,
	}
	go m.run()
	return m
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed.Done():
			return
		case <-ticker.C:
		}
		m.rotate()
	}
}

func (m *Monitor) rotate() {
	m.mu.Lock()
	m.window[m.slot] = m.current
	m.slot = (m.slot + 1) % WindowSlots
	m.current = 0
	m.mu.Unlock()
	m.rotated.Broadcast()
}

// Records n bytes moved without blocking.
func (m *Monitor) Add(n int) {
	m.mu.Lock()
	m.current += int64(n)
	m.mu.Unlock()
}

// Mean bytes per second over the last WindowSlots completed periods.
func (m *Monitor) Speed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, v := range m.window {
		sum += v
	}
	return sum / WindowSlots
}

func (m *Monitor) Limit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

func (m *Monitor) SetLimit(limit int64) {
	m.mu.Lock()
	m.limit = limit
	m.mu.Unlock()
	// Waiters may now fit under a raised cap.
	m.rotated.Broadcast()
}

// Blocks until some of the current period's budget is left, then returns how much of n fits in
// it. Nothing is charged: callers Add the bytes they actually move. Returns 0 only if the Monitor
// was closed while waiting.
func (m *Monitor) available(n int) int {
	if n <= 0 {
		return 0
	}
	for {
		m.mu.Lock()
		if m.limit <= 0 {
			m.mu.Unlock()
			return n
		}
		if avail := m.limit - m.current; avail > 0 {
			m.mu.Unlock()
			return int(min(int64(n), avail))
		}
		rotated := m.rotated.Signaled()
		m.mu.Unlock()
		select {
		case <-rotated:
		case <-m.closed.Done():
			return 0
		}
	}
}

// Stops the ticker and releases any blocked readers and writers.
func (m *Monitor) Close() {
	m.closed.Set()
}

func (m *Monitor) Closed() <-chan struct{} {
	return m.closed.Done()
}
