package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rethinkdb/gocluster/message"
)

func TestMembershipInsertAndGet(t *testing.T) {
	m := newMembership()
	p := newPeer(message.PeerId(1), message.AddrInfo{ID: 1}, PeerStateConnected)
	m.insert(p)

	got, ok := m.get(message.PeerId(1))
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = m.get(message.PeerId(99))
	assert.False(t, ok)
}

func TestMembershipConnectedFiltersByState(t *testing.T) {
	m := newMembership()
	m.insert(newPeer(0, message.AddrInfo{ID: 0}, PeerStateUs))
	m.insert(newPeer(1, message.AddrInfo{ID: 1}, PeerStateConnected))
	m.insert(newPeer(2, message.AddrInfo{ID: 2}, PeerStateJoinOfficial))

	connected := m.connected()
	assert.Len(t, connected, 1)
	_, ok := connected[message.PeerId(1)]
	assert.True(t, ok)
}

func TestMembershipNextCandidateIDGrowsWithInserts(t *testing.T) {
	m := newMembership()
	assert.Equal(t, message.PeerId(0), m.nextCandidateID())

	m.insert(newPeer(0, message.AddrInfo{ID: 0}, PeerStateUs))
	assert.Equal(t, message.PeerId(1), m.nextCandidateID())
}

func TestWaitJoinedReturnsImmediatelyIfAlreadyConnected(t *testing.T) {
	m := newMembership()
	m.insert(newPeer(1, message.AddrInfo{ID: 1}, PeerStateConnected))

	drainCh := make(chan struct{})
	ok := m.waitJoined(message.PeerId(1), drainCh)
	assert.True(t, ok)
}

func TestWaitJoinedBlocksUntilPulsed(t *testing.T) {
	m := newMembership()
	m.insert(newPeer(1, message.AddrInfo{ID: 1}, PeerStateJoinOfficial))

	drainCh := make(chan struct{})
	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- m.waitJoined(message.PeerId(1), drainCh)
	}()

	select {
	case <-resultCh:
		t.Fatal("waitJoined returned before the peer was pulsed")
	case <-time.After(50 * time.Millisecond):
	}

	p, _ := m.get(message.PeerId(1))
	p.setState(PeerStateConnected)
	m.pulseJoined(message.PeerId(1))

	select {
	case ok := <-resultCh:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waitJoined never returned after pulse")
	}
}

func TestWaitJoinedAbortsOnDrain(t *testing.T) {
	m := newMembership()
	drainCh := make(chan struct{})

	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- m.waitJoined(message.PeerId(7), drainCh)
	}()

	close(drainCh)

	select {
	case ok := <-resultCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waitJoined never returned after drain")
	}
}
