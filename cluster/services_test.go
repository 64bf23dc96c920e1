package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rethinkdb/gocluster/message"
)

func TestServiceRegistryDispatchFindsFirstMatch(t *testing.T) {
	r := newServiceRegistry()
	a := &stubService{accepts: func(m *message.Message) bool { return m.JoinPropose != nil }}
	b := &stubService{accepts: func(m *message.Message) bool { return m.KillPropose != nil }}
	r.add(a)
	r.add(b)

	got := r.dispatch(&message.Message{KillPropose: &message.KillPropose{}})
	assert.Same(t, b, got)

	got = r.dispatch(&message.Message{MailboxMsg: &message.MailboxMsg{}})
	assert.Nil(t, got)
}

func TestServiceRegistryRemove(t *testing.T) {
	r := newServiceRegistry()
	a := &stubService{accepts: func(m *message.Message) bool { return true }}
	r.add(a)
	r.remove(a)

	got := r.dispatch(&message.Message{JoinPropose: &message.JoinPropose{}})
	assert.Nil(t, got)
}

func TestBarrierCompletesWhenEveryPeerReplies(t *testing.T) {
	p1 := newPeer(1, message.AddrInfo{ID: 1}, PeerStateConnected)
	p2 := newPeer(2, message.AddrInfo{ID: 2}, PeerStateConnected)
	peers := map[message.PeerId]*Peer{1: p1, 2: p2}

	var replies []message.PeerId
	b := newBarrier(peers, func(m *message.Message) bool { return m.JoinRespond != nil }, func(p *Peer, m *message.Message) {
		replies = append(replies, p.ID)
	})

	drainCh := make(chan struct{})
	doneCh := make(chan bool, 1)
	go func() { doneCh <- b.wait(drainCh) }()

	err := b.Handle(p1, &message.Message{JoinRespond: &message.JoinRespond{Accepted: true}})
	require.NoError(t, err)

	select {
	case <-doneCh:
		t.Fatal("barrier completed after only one of two replies")
	case <-time.After(50 * time.Millisecond):
	}

	err = b.Handle(p2, &message.Message{JoinRespond: &message.JoinRespond{Accepted: true}})
	require.NoError(t, err)

	select {
	case ok := <-doneCh:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("barrier never completed")
	}
	assert.ElementsMatch(t, []message.PeerId{1, 2}, replies)
}

func TestNewBarrierCompletesImmediatelyWithNoPeers(t *testing.T) {
	b := newBarrier(nil, func(m *message.Message) bool { return true }, func(p *Peer, m *message.Message) {})

	drainCh := make(chan struct{})
	ok := b.wait(drainCh)
	assert.True(t, ok)
}

func TestBarrierForgetCompletesWhenLastPeerDrops(t *testing.T) {
	p1 := newPeer(1, message.AddrInfo{ID: 1}, PeerStateConnected)
	peers := map[message.PeerId]*Peer{1: p1}

	b := newBarrier(peers, func(m *message.Message) bool { return true }, func(p *Peer, m *message.Message) {})

	drainCh := make(chan struct{})
	doneCh := make(chan bool, 1)
	go func() { doneCh <- b.wait(drainCh) }()

	b.forget(1)

	select {
	case ok := <-doneCh:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("barrier never completed after forget")
	}
}

type stubService struct {
	accepts func(msg *message.Message) bool
}

func (s *stubService) Accepts(msg *message.Message) bool { return s.accepts(msg) }
func (s *stubService) Handle(p *Peer, msg *message.Message) error { return nil }
