package cluster

import (
	"fmt"
	"log"
	"sync"

	"github.com/rethinkdb/gocluster/message"
	"github.com/rethinkdb/gocluster/wire"
)

// MailboxId is a process-local dense integer. Ids are minted by a
// monotone counter and are never recycled for the lifetime of the process
// (see DESIGN.md for the id-exhaustion open question).
type MailboxId int64

// MailboxMessage is handed to a Mailbox's handler. Payload is the decoded
// application bytes; for a locally short-circuited send it is whatever
// the caller passed to Send verbatim.
type MailboxMessage struct {
	From    message.PeerId
	Payload []byte
}

// Mailbox is a process-local addressable endpoint. It is uniquely owned
// by the user code that created it; Close deregisters it from the
// owning Cluster.
type Mailbox struct {
	c       *Cluster
	id      MailboxId
	handler func(*MailboxMessage)
}

// ID is this mailbox's process-local address.
func (mb *Mailbox) ID() MailboxId {
	return mb.id
}

// Address returns the globally routable ClusterAddress of this mailbox.
func (mb *Mailbox) Address() ClusterAddress {
	return ClusterAddress{Peer: mb.c.membership.us, Mailbox: mb.id}
}

// Close deregisters this mailbox. After Close, sends addressed to it are
// dropped exactly like sends to an id that was never registered.
func (mb *Mailbox) Close() {
	mb.c.mailboxes.remove(mb.id)
	mb.c.metrics.mailboxCount.Set(float64(mb.c.mailboxes.count()))
}

// ClusterAddress is the global name of a mailbox.
type ClusterAddress struct {
	Peer    message.PeerId
	Mailbox MailboxId
}

func (a ClusterAddress) String() string {
	return fmt.Sprintf("%d:%d", a.Peer, a.Mailbox)
}

// mailboxMap is the local id -> handler table.
type mailboxMap struct {
	mu   sync.Mutex
	next MailboxId
	m    map[MailboxId]*Mailbox
}

func newMailboxMap() *mailboxMap {
	return &mailboxMap{
		m: make(map[MailboxId]*Mailbox),
	}
}

func (mm *mailboxMap) register(c *Cluster, handler func(*MailboxMessage)) *Mailbox {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	id := mm.next
	mm.next++

	mb := &Mailbox{c: c, id: id, handler: handler}
	mm.m[id] = mb
	return mb
}

func (mm *mailboxMap) remove(id MailboxId) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.m, id)
}

func (mm *mailboxMap) lookup(id MailboxId) (*Mailbox, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mb, ok := mm.m[id]
	return mb, ok
}

func (mm *mailboxMap) count() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.m)
}

// NewMailbox registers a fresh mailbox with the cluster and returns it.
// handler is invoked in a fresh goroutine per delivered message: it must
// not run inline, to preserve the caller's stack discipline and avoid
// reentering a user handler from a user send.
func (c *Cluster) NewMailbox(handler func(*MailboxMessage)) *Mailbox {
	mb := c.mailboxes.register(c, handler)
	c.metrics.mailboxCount.Set(float64(c.mailboxes.count()))
	return mb
}

// Send delivers msg to dst. A send to the local node short-circuits
// directly to the handler without touching the network;
// a send to a remote peer frames a MailboxMsg header followed by the
// payload under that peer's write lock.
func (c *Cluster) Send(dst ClusterAddress, payload []byte) error {
	if dst.Peer == c.membership.us {
		mb, ok := c.mailboxes.lookup(dst.Mailbox)
		if !ok {
			log.Printf("%s: send to unknown local mailbox=%d, dropped", c.logPrefix(), dst.Mailbox)
			return nil
		}
		go mb.handler(&MailboxMessage{From: c.membership.us, Payload: payload})
		return nil
	}

	p, ok := c.membership.get(dst.Peer)
	if !ok {
		return fmt.Errorf("send: unknown peer#%d", dst.Peer)
	}
	if p.getState() != PeerStateConnected {
		return fmt.Errorf("send: peer#%d not connected, state=%s", dst.Peer, p.getState())
	}

	header := &message.Message{
		MailboxMsg: &message.MailboxMsg{
			ID:     int64(dst.Mailbox),
			Length: uint64(len(payload)),
		},
	}
	return p.WriteCompound(header, payload)
}

// mailboxDeliverService is the built-in MailboxDeliver service: reads the
// header (already decoded by the caller), looks up the local mailbox,
// and either hands off the payload or drains it while logging
// UnknownMailbox.
type mailboxDeliverService struct {
	c *Cluster
}

func (s *mailboxDeliverService) Accepts(msg *message.Message) bool {
	return msg.MailboxMsg != nil
}

func (s *mailboxDeliverService) Handle(p *Peer, msg *message.Message) error {
	hdr := msg.MailboxMsg

	conn := p.connForRead()
	if conn == nil {
		return wire.ErrTransportClosed
	}

	payload, err := conn.ReadRaw(hdr.Length)
	if err != nil {
		return err
	}

	mb, ok := s.c.mailboxes.lookup(MailboxId(hdr.ID))
	if !ok {
		log.Printf(
			"%s: peer#%d: UnknownMailbox id=%d length=%d type=%q, bytes drained",
			s.c.logPrefix(), p.ID, hdr.ID, hdr.Length, hdr.TypeName,
		)
		return nil
	}

	go mb.handler(&MailboxMessage{From: p.ID, Payload: payload})
	return nil
}
