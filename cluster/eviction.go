package cluster

import (
	"fmt"
	"log"

	"github.com/rethinkdb/gocluster/message"
)

// KillPeer initiates eviction of id: propose to every other connected
// peer, and if every one accepts, broadcast Kill_mk_official
// (no ack expected) and mark the peer Killed locally. If any peer rejects,
// the eviction is abandoned and the target stays Connected — there is no
// retry, unlike admission's id-collision retry, because a rejected kill
// carries no colliding resource to retry around (see DESIGN.md open
// question on Kill_respond=false).
//
// No-ops with an error if id is not currently Connected, so a manual
// KillPeer call racing evictOnTransportLoss's own eviction of the same id
// cannot run two propose/barrier rounds concurrently for one peer.
func (c *Cluster) KillPeer(id message.PeerId) error {
	target, ok := c.membership.get(id)
	if !ok {
		return fmt.Errorf("KillPeer: unknown peer#%d", id)
	}

	peers := c.membership.connected()
	delete(peers, id)

	accepted := true
	var b *barrier
	alreadyGone := false
	c.sync(func() {
		// Someone else (a racing manual KillPeer, or a transport-loss
		// eviction) may already be evicting this id, or may have finished
		// already. Guard the Connected -> KillProposed transition inside
		// the same sync as the barrier build, matching cluster.cc's
		// `if (peers[id]->state != cluster_peer_t::connected) return;`.
		if target.getState() != PeerStateConnected {
			alreadyGone = true
			return
		}
		target.setState(PeerStateKillProposed)

		b = newBarrier(peers, func(msg *message.Message) bool {
			return msg.KillRespond != nil
		}, func(p *Peer, msg *message.Message) {
			if !msg.KillRespond.Accepted {
				accepted = false
			}
		})
		for _, p := range peers {
			p.AddService(b)
		}
	})
	if alreadyGone {
		return fmt.Errorf("KillPeer: peer#%d already not connected", id)
	}

	msg := &message.Message{KillPropose: &message.KillPropose{Addr: target.Addr}}
	for _, p := range peers {
		err := p.Write(msg)
		if err != nil {
			log.Printf("%s: KillPeer: write to peer#%d failed: %s", c.logPrefix(), p.ID, err.Error())
			c.sync(func() { b.forget(p.ID) })
		}
	}

	ok = c.waitBarrier(b, peers)
	if !ok {
		c.sync(func() { target.setState(PeerStateConnected) })
		return fmt.Errorf("KillPeer: drained before completion")
	}
	if !accepted {
		log.Printf("%s: KillPeer: ProtocolViolation: peer#%d eviction rejected by a quorum member, abandoning, peer stays connected", c.logPrefix(), id)
		c.sync(func() { target.setState(PeerStateConnected) })
		c.metrics.evictions.WithLabelValues("rejected").Inc()
		return fmt.Errorf("KillPeer: rejected")
	}

	mkOfficial := &message.Message{KillMkOfficial: &message.KillMkOfficial{Addr: target.Addr}}
	for _, p := range peers {
		err := p.Write(mkOfficial)
		if err != nil {
			log.Printf("%s: KillPeer: mk_official to peer#%d failed: %s", c.logPrefix(), p.ID, err.Error())
		}
	}

	c.sync(func() {
		target.setState(PeerStateKilled)
	})
	target.closeConn()
	c.refreshLiveMetrics()
	c.metrics.evictions.WithLabelValues("completed").Inc()

	return nil
}

// evictOnTransportLoss runs KillPeer for a peer whose service loop just
// terminated abnormally, mirroring cluster.cc's _start_main_srvcs calling
// kill_peer(peer->id) when a peer's read loop exits. Skipped once the
// cluster itself is draining, and for a peer that already left
// Connected by some other path (e.g. it is mid-eviction already).
func (c *Cluster) evictOnTransportLoss(p *Peer) {
	select {
	case <-c.a.DrainCh():
		return
	default:
	}

	if p.getState() != PeerStateConnected {
		return
	}

	log.Printf("%s: evictOnTransportLoss: peer#%d's connection died, evicting", c.logPrefix(), p.ID)
	err := c.KillPeer(p.ID)
	if err != nil {
		log.Printf("%s: evictOnTransportLoss: KillPeer(peer#%d) failed: %s", c.logPrefix(), p.ID, err.Error())
	}
}

// killProposeService is the built-in handler for an inbound Kill_propose.
// It accepts, marking the target KillProposed, whenever the target id is
// known locally, and rejects only an id it has no record of: unlike
// admission there is no id collision to detect.
type killProposeService struct {
	c *Cluster
}

func (s *killProposeService) Accepts(msg *message.Message) bool {
	return msg.KillPropose != nil
}

func (s *killProposeService) Handle(p *Peer, msg *message.Message) error {
	addr := msg.KillPropose.Addr

	accepted := true
	s.c.sync(func() {
		target, ok := s.c.membership.get(addr.ID)
		if !ok {
			accepted = false
			return
		}
		target.setState(PeerStateKillProposed)
	})

	return p.Write(&message.Message{KillRespond: &message.KillRespond{Accepted: accepted}})
}

// killMkOfficialService is the built-in handler for an inbound
// Kill_mk_official. No reply is sent: admission acks its mk_official,
// eviction does not.
type killMkOfficialService struct {
	c *Cluster
}

func (s *killMkOfficialService) Accepts(msg *message.Message) bool {
	return msg.KillMkOfficial != nil
}

func (s *killMkOfficialService) Handle(p *Peer, msg *message.Message) error {
	addr := msg.KillMkOfficial.Addr

	var target *Peer
	s.c.sync(func() {
		target, _ = s.c.membership.get(addr.ID)
		if target != nil {
			target.setState(PeerStateKilled)
		}
	})

	if target != nil {
		target.closeConn()
		s.c.refreshLiveMetrics()
	}
	return nil
}
