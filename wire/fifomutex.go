package wire

import "sync"

// fifoMutex is a mutual-exclusion lock whose waiters are granted access in
// strict arrival order. Peer.Write relies on this to keep the write lock
// fair under heavy sends, a stronger guarantee than sync.Mutex documents
// (it only avoids starvation after ~1ms of contention, not strict
// ordering).
type fifoMutex struct {
	mu    sync.Mutex
	held  bool
	queue []chan struct{}
}

func (m *fifoMutex) Lock() {
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.mu.Unlock()
		return
	}
	wait := make(chan struct{})
	m.queue = append(m.queue, wait)
	m.mu.Unlock()
	<-wait
}

func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.held = false
		m.mu.Unlock()
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()
	close(next)
}
