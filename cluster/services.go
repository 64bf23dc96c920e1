package cluster

import (
	"sync"

	"github.com/rethinkdb/gocluster/message"
)

// Service is an inbound-message handler bound to exactly one wire message
// kind, attached per peer. Accepts inspects the decoded envelope and
// reports whether this service owns it; Handle does the work. Built-in
// membership services and user services added through Cluster.AddService
// both implement this interface.
type Service interface {
	Accepts(msg *message.Message) bool
	Handle(p *Peer, msg *message.Message) error
}

// ServiceRegistry is the ordered collection of services attached to one
// Peer. Dispatch finds the first service whose Accepts matches and hands
// off the decoded message.
type ServiceRegistry struct {
	mu       sync.Mutex
	services []Service
}

func newServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{}
}

func (r *ServiceRegistry) add(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

func (r *ServiceRegistry) remove(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.services {
		if existing == s {
			r.services = append(r.services[:i], r.services[i+1:]...)
			return
		}
	}
}

// dispatch returns the first matching service, or nil if none accepts the
// message.
func (r *ServiceRegistry) dispatch(msg *message.Message) Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if s.Accepts(msg) {
			return s
		}
	}
	return nil
}

// barrier is a one-shot Service: it expects exactly one reply from each
// of a fixed set of peers, and closes its done channel once the last one
// arrives. It does not remove itself from the peers it was registered
// on; waitBarrier detaches it once it completes, drains or times out.
type barrier struct {
	mu        sync.Mutex
	accepts   func(msg *message.Message) bool
	onReply   func(p *Peer, msg *message.Message)
	remaining map[message.PeerId]*Peer
	done      chan struct{}
}

func newBarrier(peers map[message.PeerId]*Peer, accepts func(*message.Message) bool, onReply func(*Peer, *message.Message)) *barrier {
	remaining := make(map[message.PeerId]*Peer, len(peers))
	for id, p := range peers {
		remaining[id] = p
	}
	b := &barrier{
		accepts:   accepts,
		onReply:   onReply,
		remaining: remaining,
		done:      make(chan struct{}),
	}
	if len(remaining) == 0 {
		// No currently connected peers to wait on, e.g. the founder's
		// very first admission: nothing will ever call Handle, so
		// complete immediately rather than block wait() forever.
		b.complete()
	}
	return b
}

func (b *barrier) Accepts(msg *message.Message) bool {
	return b.accepts(msg)
}

func (b *barrier) Handle(p *Peer, msg *message.Message) error {
	b.onReply(p, msg)

	b.mu.Lock()
	delete(b.remaining, p.ID)
	remaining := len(b.remaining)
	b.mu.Unlock()

	if remaining == 0 {
		b.complete()
	}
	return nil
}

// forget drops a peer from the expected-reply set without counting it as
// a reply, used when the request to that peer could not be written, so no
// reply from it will come.
func (b *barrier) forget(id message.PeerId) {
	b.mu.Lock()
	delete(b.remaining, id)
	remaining := len(b.remaining)
	b.mu.Unlock()

	if remaining == 0 {
		b.complete()
	}
}

func (b *barrier) complete() {
	select {
	case <-b.done:
		// already completed
	default:
		close(b.done)
	}
}

func (b *barrier) wait(drainCh <-chan struct{}) bool {
	select {
	case <-b.done:
		return true
	case <-drainCh:
		return false
	}
}

// doneCh exposes the completion channel directly, for callers that need to
// select on it alongside more than just a drain signal.
func (b *barrier) doneCh() <-chan struct{} {
	return b.done
}

// detach removes this barrier from every peer it was registered on.
func (b *barrier) detach(peers map[message.PeerId]*Peer) {
	for _, p := range peers {
		p.RemoveService(b)
	}
}
