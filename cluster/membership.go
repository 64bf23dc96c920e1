package cluster

import (
	"fmt"
	"log"
	"sync"

	"github.com/rethinkdb/gocluster/message"
)

// membership is the authoritative map of id -> *Peer. Protocol mutations
// go through Cluster.sync onto the arbiter goroutine; the mutex guards
// every method, so the read helpers (get, snapshot, connected, count,
// nextCandidateID) and waitJoined/pulseJoined are also called directly
// from other goroutines.
type membership struct {
	mu sync.RWMutex

	us    message.PeerId
	peers map[message.PeerId]*Peer

	// waiters are registered by waitJoined for an id that is absent or
	// not yet Connected/Us, and pulsed by pulseJoined once that id's
	// connection is attached. handleUnknownJoiner uses this to wait for
	// an admitted joiner's real connection after sending Join_welcome.
	waiters map[message.PeerId][]chan struct{}
}

func newMembership() *membership {
	return &membership{
		peers:   make(map[message.PeerId]*Peer),
		waiters: make(map[message.PeerId][]chan struct{}),
	}
}

// nextCandidateID is the current map size; admitJoiner calls it off the
// arbiter goroutine and relies on its own check-and-insert to catch a
// collision.
func (m *membership) nextCandidateID() message.PeerId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return message.PeerId(len(m.peers))
}

// invoked on arbiter goroutine
func (m *membership) insert(p *Peer) {
	m.mu.Lock()
	m.peers[p.ID] = p
	m.mu.Unlock()
}

// remove drops a placeholder record outright, used when an admitter's own
// self-proposal for a candidate id is rejected by the rest of the cluster
// and the id needs to go back to being free for the next retry.
//
// invoked on arbiter goroutine
func (m *membership) remove(id message.PeerId) {
	m.mu.Lock()
	delete(m.peers, id)
	m.mu.Unlock()
}

func (m *membership) get(id message.PeerId) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// snapshot returns a shallow copy of the current map, safe to iterate
// without holding the registry lock while doing network I/O.
func (m *membership) snapshot() map[message.PeerId]*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[message.PeerId]*Peer, len(m.peers))
	for id, p := range m.peers {
		out[id] = p
	}
	return out
}

// connected returns every peer currently in PeerStateConnected. The local
// node's own record is never in this state (it is Us), so no explicit
// self-exclusion is needed to exclude it from admission/eviction
// broadcasts.
func (m *membership) connected() map[message.PeerId]*Peer {
	out := make(map[message.PeerId]*Peer)
	for id, p := range m.snapshot() {
		if p.getState() == PeerStateConnected {
			out[id] = p
		}
	}
	return out
}

func (m *membership) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// invoked off the arbiter goroutine, right after the sync that attached
// the peer's connection
func (m *membership) pulseJoined(id message.PeerId) {
	m.mu.Lock()
	waiters := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// waitJoined blocks (off the arbiter goroutine) until the given id is
// present and Connected/Us, or the drain signal fires. Mirrors
// cluster.cc's wait_on_peer_join/pulse_peer_join pair.
func (m *membership) waitJoined(id message.PeerId, drainCh <-chan struct{}) bool {
	m.mu.Lock()
	if p, ok := m.peers[id]; ok {
		st := p.getState()
		if st == PeerStateConnected || st == PeerStateUs {
			m.mu.Unlock()
			return true
		}
	}
	ch := make(chan struct{})
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-drainCh:
		return false
	}
}

func (m *membership) describe() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("us=%d, count=%d", m.us, len(m.peers))
}

func (m *membership) logRoster(logPrefix string) {
	for id, p := range m.snapshot() {
		log.Printf("%s: peer#%d addr=%s state=%s", logPrefix, id, p.Addr, p.getState())
	}
}
