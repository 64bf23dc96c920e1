package cluster

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/rethinkdb/gocluster/arbiter"
	"github.com/rethinkdb/gocluster/message"
)

// scheduleGroupTimeout arms a one-shot group-tagged timer on the arbiter's
// scheduler and returns a channel that closes when it fires. Safe to call
// from any goroutine, mirroring Arbiter.Dispatch.
func (c *Cluster) scheduleGroupTimeout(group arbiter.Group, wait time.Duration) <-chan struct{} {
	fired := make(chan struct{})
	c.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[arbiter.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]arbiter.Group{group},
				wait,
				func() {
					close(fired)
				},
				nil,
			),
		},
	)
	return fired
}

// releaseGroupTimeout cancels every pending timer tagged with group that
// hasn't fired yet. Only safe to call once every other waiter currently
// sharing group is also being torn down (it is a blanket release across the
// tag, not a single timer), which holds for both of this package's
// call sites: the cluster draining.
func (c *Cluster) releaseGroupTimeout(group arbiter.Group) {
	c.a.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[arbiter.Group]{
			Group: group,
		},
	)
}

// admitJoiner runs the full two-phase admission protocol for one
// candidate address, as seen from the admitting node (the one the joiner
// dialed). It runs on its own goroutine, synchronizing onto the arbiter
// only for the short state mutations, and blocking on plain channels for
// every barrier/timeout wait — never on the arbiter goroutine itself,
// since nothing queued behind a blocked dispatch could ever run to wake
// it.
//
// On success it returns the peer's newly assigned id. Id collisions are
// retried with the next id without limit; it returns an error only when
// the cluster drains or a barrier drains or times out.
func (c *Cluster) admitJoiner(candidate message.AddrInfo) (message.PeerId, error) {
	base := c.membership.nextCandidateID()
	for retry := message.PeerId(0); ; retry++ {
		id := base + retry
		addr := message.AddrInfo{IP: candidate.IP, Port: candidate.Port, ID: id}

		// Propose the candidate to ourselves first, exactly like every
		// other connected peer's joinProposeService does on the same
		// Join_propose: a check-and-insert of a JoinProposed placeholder,
		// atomically on the home thread. Without this the admitter has no
		// record of the id it is about to propose to everyone else, so two
		// concurrent admitJoiner calls (two joiners dialing the same
		// founder at once) both compute the same nextCandidateID and both
		// can succeed with the same id.
		collided := false
		c.sync(func() {
			if _, exists := c.membership.get(id); exists {
				collided = true
				return
			}
			c.membership.insert(newPeer(id, addr, PeerStateJoinProposed))
		})
		if collided {
			log.Printf("%s: admission: candidate id=%d collided locally, retrying", c.logPrefix(), id)
			if !c.waitAdmissionRetry() {
				return message.UnassignedPeerId, fmt.Errorf("admission: draining")
			}
			continue
		}

		accepted, err := c.proposeJoinRound(addr)
		if err != nil {
			c.sync(func() { c.membership.remove(id) })
			return message.UnassignedPeerId, err
		}
		if accepted {
			c.sync(func() {
				target, exists := c.membership.get(id)
				if !exists {
					c.membership.insert(newPeer(id, addr, PeerStateJoinOfficial))
					return
				}
				target.setState(PeerStateJoinOfficial)
			})

			err = c.officializeJoinRound(addr)
			if err != nil {
				return message.UnassignedPeerId, err
			}

			c.markPendingIntro(id)
			c.metrics.admissions.WithLabelValues("completed").Inc()
			return id, nil
		}

		log.Printf("%s: admission: candidate id=%d collided, retrying", c.logPrefix(), id)
		c.sync(func() { c.membership.remove(id) })
		if !c.waitAdmissionRetry() {
			return message.UnassignedPeerId, fmt.Errorf("admission: draining")
		}
	}
}

// waitAdmissionRetry blocks off the arbiter goroutine for the configured
// admission backoff, or until the cluster drains, whichever comes first.
// Reports false on drain.
func (c *Cluster) waitAdmissionRetry() bool {
	fired := c.scheduleGroupTimeout(arbiter.GroupAdmissionRetry, time.Duration(c.c.AdmissionRetryDelay)*time.Millisecond)
	select {
	case <-fired:
		return true
	case <-c.a.DrainCh():
		c.releaseGroupTimeout(arbiter.GroupAdmissionRetry)
		return false
	}
}

// proposeJoinRound broadcasts Join_propose to every connected peer, waits
// for every Join_respond, and reports whether every peer accepted.
func (c *Cluster) proposeJoinRound(candidate message.AddrInfo) (bool, error) {
	peers := c.membership.connected()

	accepted := true
	var b *barrier
	c.sync(func() {
		b = newBarrier(peers, func(msg *message.Message) bool {
			return msg.JoinRespond != nil
		}, func(p *Peer, msg *message.Message) {
			if !msg.JoinRespond.Accepted {
				accepted = false
			}
		})
		for _, p := range peers {
			p.AddService(b)
		}
	})

	start := time.Now()
	msg := &message.Message{JoinPropose: &message.JoinPropose{Candidate: candidate}}
	for _, p := range peers {
		err := p.Write(msg)
		if err != nil {
			log.Printf("%s: proposeJoinRound: write to peer#%d failed: %s", c.logPrefix(), p.ID, err.Error())
			c.sync(func() { b.forget(p.ID) })
		}
	}

	ok := c.waitBarrier(b, peers)
	c.metrics.observeBarrierLatency(time.Since(start))
	if !ok {
		return false, fmt.Errorf("proposeJoinRound: drained before completion")
	}
	return accepted, nil
}

// officializeJoinRound broadcasts Join_mk_official and waits for every
// Join_ack_official. It does not touch the local membership record.
// Only connected peers with an id lower than the new peer's are included:
// a higher-id peer may itself still be mid-admission with a membership
// view that doesn't yet include this candidate, so it is never asked to
// act on it here, mirroring cluster.cc's `it->first < addr.id()` guard.
func (c *Cluster) officializeJoinRound(addr message.AddrInfo) error {
	peers := c.membership.connected()
	for id := range peers {
		if id >= addr.ID {
			delete(peers, id)
		}
	}

	var b *barrier
	c.sync(func() {
		b = newBarrier(peers, func(msg *message.Message) bool {
			return msg.JoinAckOfficial != nil
		}, func(p *Peer, msg *message.Message) {})
		for _, p := range peers {
			p.AddService(b)
		}
	})

	msg := &message.Message{JoinMkOfficial: &message.JoinMkOfficial{Addr: addr}}
	for _, p := range peers {
		err := p.Write(msg)
		if err != nil {
			log.Printf("%s: officializeJoinRound: write to peer#%d failed: %s", c.logPrefix(), p.ID, err.Error())
			c.sync(func() { b.forget(p.ID) })
		}
	}

	ok := c.waitBarrier(b, peers)
	if !ok {
		return fmt.Errorf("officializeJoinRound: drained before completion")
	}
	return nil
}

// waitBarrier blocks until b completes, the cluster drains, or
// BarrierTimeout elapses waiting for stragglers, then detaches b from
// every peer it was registered on. A timeout counts as !ok, same as a
// drain: the caller has no way to tell a straggler from a dead peer here,
// eviction is what actually removes a peer that stops answering.
func (c *Cluster) waitBarrier(b *barrier, peers map[message.PeerId]*Peer) bool {
	timeout := c.scheduleGroupTimeout(arbiter.GroupBarrierTimeout, time.Duration(c.c.BarrierTimeout)*time.Second)

	var ok bool
	select {
	case <-b.doneCh():
		ok = true
	case <-c.a.DrainCh():
		c.releaseGroupTimeout(arbiter.GroupBarrierTimeout)
		ok = false
	case <-timeout:
		log.Printf("%s: waitBarrier: timed out after %ds waiting for stragglers", c.logPrefix(), c.c.BarrierTimeout)
		ok = false
	}

	c.sync(func() {
		b.detach(peers)
	})
	return ok
}

// joinProposeService is the built-in handler for an inbound Join_propose,
// as seen by every peer other than the admitter: insert a placeholder
// JoinProposed record for the candidate (so a later concurrent proposal
// for the same id is correctly rejected as a collision, mirroring
// cluster.cc's stale-placeholder-on-rejection behavior), then reply
// Join_respond.
type joinProposeService struct {
	c *Cluster
}

func (s *joinProposeService) Accepts(msg *message.Message) bool {
	return msg.JoinPropose != nil
}

func (s *joinProposeService) Handle(p *Peer, msg *message.Message) error {
	candidate := msg.JoinPropose.Candidate

	accepted := true
	s.c.sync(func() {
		if _, exists := s.c.membership.get(candidate.ID); exists {
			accepted = false
			return
		}
		s.c.membership.insert(newPeer(candidate.ID, candidate, PeerStateJoinProposed))
	})

	return p.Write(&message.Message{JoinRespond: &message.JoinRespond{Accepted: accepted}})
}

// joinMkOfficialService is the built-in handler for an inbound
// Join_mk_official: flip the placeholder to JoinOfficial, pulse any
// waiter blocked in waitJoined for this id once a
// real connection later attaches (pulseJoined itself happens from
// bootstrap when the symmetric outbound connection completes), and reply
// Join_ack_official.
type joinMkOfficialService struct {
	c *Cluster
}

func (s *joinMkOfficialService) Accepts(msg *message.Message) bool {
	return msg.JoinMkOfficial != nil
}

func (s *joinMkOfficialService) Handle(p *Peer, msg *message.Message) error {
	addr := msg.JoinMkOfficial.Addr

	s.c.sync(func() {
		existing, ok := s.c.membership.get(addr.ID)
		if !ok {
			s.c.membership.insert(newPeer(addr.ID, addr, PeerStateJoinOfficial))
			return
		}
		existing.setState(PeerStateJoinOfficial)
	})

	return p.Write(&message.Message{JoinAckOfficial: &message.JoinAckOfficial{Addr: addr}})
}
