package cluster

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/rethinkdb/gocluster/arbiter"
	"github.com/rethinkdb/gocluster/config"
	"github.com/rethinkdb/gocluster/message"
)

// Cluster is the process singleton: access is via a single lookup, Get().
// theCluster is set once by New and cleared by Shutdown.
var (
	singletonMu sync.Mutex
	theCluster  *Cluster
)

// Get returns the process's cluster instance, or nil if none has been
// constructed (or it has already been shut down).
func Get() *Cluster {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return theCluster
}

type Cluster struct {
	c *config.Config
	a *arbiter.Arbiter

	membership *membership
	mailboxes  *mailboxMap
	delegate   Delegate
	metrics    *metrics

	listener net.Listener

	userServicesMu sync.Mutex
	userServices   []Service

	// pendingIntro marks peer ids this node admitted and still owes a
	// delegate introduction to, delivered the moment that peer's real
	// connection arrives.
	pendingIntroMu sync.Mutex
	pendingIntro   map[message.PeerId]bool

	wg sync.WaitGroup
}

func (c *Cluster) markPendingIntro(id message.PeerId) {
	c.pendingIntroMu.Lock()
	defer c.pendingIntroMu.Unlock()
	c.pendingIntro[id] = true
}

func (c *Cluster) takePendingIntro(id message.PeerId) bool {
	c.pendingIntroMu.Lock()
	defer c.pendingIntroMu.Unlock()
	if c.pendingIntro[id] {
		delete(c.pendingIntro, id)
		return true
	}
	return false
}

func (c *Cluster) logPrefix() string {
	return c.c.LogPrefix
}

// sync dispatches f onto the arbiter goroutine and blocks the calling
// goroutine until it has run to completion — the thread-switch hop onto
// the home thread. Any mutation of membership/mailbox/peer state must
// happen inside f, never directly from the caller's goroutine.
func (c *Cluster) sync(f func()) {
	done := make(chan struct{})
	err := c.a.Dispatch(func() {
		f()
		close(done)
	})
	if err != nil {
		log.Printf("%s: sync: dispatch failed: %s", c.logPrefix(), err.Error())
		return
	}
	<-done
}

// New constructs and starts a Cluster: as founder if cfg.IsFounder(),
// otherwise by contacting cfg.ContactHost:cfg.ContactPort. It blocks
// until the node is fully admitted (joiner case)
// or ready to accept (founder case) and, for a joiner, until delegate.Start
// has returned.
func New(cfg *config.Config, delegate Delegate) (*Cluster, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	singletonMu.Lock()
	if theCluster != nil {
		singletonMu.Unlock()
		return nil, fmt.Errorf("cluster already constructed in this process")
	}
	singletonMu.Unlock()

	if delegate == nil {
		delegate = NopDelegate{}
	}

	c := &Cluster{
		c:          cfg,
		a:          arbiter.NewArbiter(cfg.LogPrefix, cfg.LogDebug, cfg.EventChannelLength),
		membership:   newMembership(),
		mailboxes:    newMailboxMap(),
		delegate:     delegate,
		pendingIntro: make(map[message.PeerId]bool),
	}
	c.metrics = newMetrics(cfg)

	c.listener, err = net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		c.a.Shutdown()
		return nil, err
	}

	if cfg.IsFounder() {
		selfAddr := c.selfAddrInfo(0)
		c.sync(func() {
			c.membership.us = 0
			c.membership.insert(newPeer(0, selfAddr, PeerStateUs))
		})
		log.Printf("%s: founded cluster, %s", c.logPrefix(), c.membership.describe())
	} else {
		err = c.joinExisting(cfg)
		if err != nil {
			c.listener.Close()
			c.a.Shutdown()
			return nil, err
		}
	}

	singletonMu.Lock()
	theCluster = c
	singletonMu.Unlock()

	c.wg.Add(1)
	go c.acceptLoop()

	c.metrics.serve(cfg.MetricsAddress, cfg.LogPrefix)

	return c, nil
}

func (c *Cluster) selfAddrInfo(id message.PeerId) message.AddrInfo {
	_, portStr, err := net.SplitHostPort(c.listener.Addr().String())
	var port uint16
	if err == nil {
		fmt.Sscanf(portStr, "%d", &port)
	}

	ip := message.IPToUint32(net.ParseIP(c.c.Host))
	return message.AddrInfo{IP: ip, Port: port, ID: id}
}

// Self returns the local node's assigned peer id. Valid only after New
// has returned.
func (c *Cluster) Self() message.PeerId {
	c.membership.mu.RLock()
	defer c.membership.mu.RUnlock()
	return c.membership.us
}

// AddService attaches a user service to every currently connected peer
// and to every peer admitted afterward.
func (c *Cluster) AddService(s Service) {
	c.userServicesMu.Lock()
	c.userServices = append(c.userServices, s)
	c.userServicesMu.Unlock()

	for _, p := range c.membership.snapshot() {
		p.AddService(s)
	}
}

// refreshLiveMetrics recomputes the live_peers gauge from the current
// membership snapshot. Called after a peer is attached as Connected and
// after a peer is marked Killed; the KillProposed transitions of an
// eviction round, and a revert to Connected, do not refresh it.
func (c *Cluster) refreshLiveMetrics() {
	c.metrics.livePeers.Set(float64(len(c.membership.connected())))
}

func (c *Cluster) attachBuiltinAndUserServices(p *Peer) {
	p.AddService(&joinProposeService{c: c})
	p.AddService(&joinMkOfficialService{c: c})
	p.AddService(&killProposeService{c: c})
	p.AddService(&killMkOfficialService{c: c})
	p.AddService(&mailboxDeliverService{c: c})

	c.userServicesMu.Lock()
	defer c.userServicesMu.Unlock()
	for _, s := range c.userServices {
		p.AddService(s)
	}
}

// Shutdown drains the cluster in order: close the listener (this is what
// stops accepting, so the listener is released first, not last), pulse
// the drain signal so every suspended barrier/wait wakes up, wait up to
// DrainGrace for service loops to return, close peer connections, then
// stop the metrics server and tear down the arbiter.
func (c *Cluster) Shutdown() {
	log.Printf("%s: shutdown: closing listener", c.logPrefix())
	c.listener.Close()

	log.Printf("%s: shutdown: draining", c.logPrefix())
	c.a.Drain()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(c.c.DrainGrace) * time.Second):
		log.Printf("%s: shutdown: drain grace period elapsed, proceeding", c.logPrefix())
	}

	for _, p := range c.membership.snapshot() {
		p.closeConn()
	}

	c.metrics.close()
	c.a.Shutdown()

	singletonMu.Lock()
	if theCluster == c {
		theCluster = nil
	}
	singletonMu.Unlock()

	log.Printf("%s: shutdown: complete", c.logPrefix())
}
