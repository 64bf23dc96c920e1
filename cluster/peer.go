package cluster

import (
	"log"
	"sync"

	"github.com/rethinkdb/gocluster/message"
	"github.com/rethinkdb/gocluster/wire"
)

// PeerState is the strict state machine a membership record moves
// through from first mention to eviction.
type PeerState uint8

const (
	PeerStateNone         PeerState = 0
	PeerStateJoinProposed PeerState = 1
	PeerStateJoinOfficial PeerState = 2
	PeerStateConnected    PeerState = 3
	PeerStateKillProposed PeerState = 4
	PeerStateKilled       PeerState = 5
	PeerStateUs           PeerState = 6
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNone:
		return "none"
	case PeerStateJoinProposed:
		return "join_proposed"
	case PeerStateJoinOfficial:
		return "join_official"
	case PeerStateConnected:
		return "connected"
	case PeerStateKillProposed:
		return "kill_proposed"
	case PeerStateKilled:
		return "killed"
	case PeerStateUs:
		return "us"
	default:
		return "unknown"
	}
}

// Peer is one logical remote cluster member: its address, assigned id,
// connection (nil until Connected), write lock, state, and the set of
// inbound services bound to its connection.
//
// The membership registry is the unique owner of every Peer record;
// everything else, including Service handlers, holds a *Peer and must
// check State before acting on it.
type Peer struct {
	mu sync.Mutex

	ID    message.PeerId
	Addr  message.AddrInfo
	State PeerState

	conn *wire.Conn

	services *ServiceRegistry

	// joinedCh is closed the instant this peer transitions into
	// Connected or Us, waking anyone blocked on JoinedCh().
	joinedCh     chan struct{}
	joinedClosed bool
}

func newPeer(id message.PeerId, addr message.AddrInfo, state PeerState) *Peer {
	p := &Peer{
		ID:       id,
		Addr:     addr,
		State:    state,
		services: newServiceRegistry(),
		joinedCh: make(chan struct{}),
	}
	if state == PeerStateConnected || state == PeerStateUs {
		close(p.joinedCh)
		p.joinedClosed = true
	}
	return p
}

// invoked on arbiter goroutine
func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	old := p.State
	p.State = s
	newlyJoined := (s == PeerStateConnected || s == PeerStateUs) && !p.joinedClosed
	if newlyJoined {
		p.joinedClosed = true
	}
	p.mu.Unlock()

	if newlyJoined {
		close(p.joinedCh)
	}

	log.Printf("peer#%d(%s): %s -> %s", p.ID, p.Addr, old, s)
}

func (p *Peer) getState() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// JoinedCh is closed once this peer reaches Connected or Us.
func (p *Peer) JoinedCh() <-chan struct{} {
	return p.joinedCh
}

// invoked on arbiter goroutine, conn already established
func (p *Peer) attach(conn *wire.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

// Write sends one frame to this peer, serialized against every other
// writer by the connection's FIFO-fair write lock.
func (p *Peer) Write(msg *message.Message) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return wire.ErrTransportClosed
	}
	return conn.WriteFrame(msg)
}

// WriteCompound sends a frame immediately followed by raw bytes without
// letting another writer interleave, used by mailbox delivery to keep a
// MailboxMsg header contiguous with its payload.
func (p *Peer) WriteCompound(msg *message.Message, raw []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return wire.ErrTransportClosed
	}
	return conn.WriteFrameThen(msg, raw)
}

func (p *Peer) AddService(s Service) {
	p.services.add(s)
}

func (p *Peer) RemoveService(s Service) {
	p.services.remove(s)
}

// connForRead returns the current connection for use by the peer's own
// service-loop goroutine, which is the only goroutine ever permitted to
// read from it.
func (p *Peer) connForRead() *wire.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// closeConn detaches and closes the connection. Called from Shutdown,
// KillPeer and killMkOfficialService, on whichever goroutine runs them.
func (p *Peer) closeConn() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
