package cluster

import (
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/rethinkdb/gocluster/config"
	"github.com/rethinkdb/gocluster/message"
	"github.com/rethinkdb/gocluster/wire"
)

// acceptLoop accepts inbound connections until the listener is closed
// during Shutdown.
func (c *Cluster) acceptLoop() {
	defer c.wg.Done()

	for {
		raw, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.a.DrainCh():
				return
			default:
			}
			log.Printf("%s: acceptLoop: accept failed: %s", c.logPrefix(), err.Error())
			return
		}

		conn := wire.NewConn(raw)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleInbound(conn)
		}()
	}
}

// handleInbound performs the handshake on a freshly accepted connection:
// every connection, whether from a brand-new joiner or from an already
// admitted peer establishing its steady-state link, opens with exactly
// one Join_initial frame.
func (c *Cluster) handleInbound(conn *wire.Conn) {
	msg, err := conn.ReadFrame()
	if err != nil {
		log.Printf("%s: handleInbound: handshake read failed: %s", c.logPrefix(), err.Error())
		conn.Close()
		return
	}
	if msg.JoinInitial == nil {
		log.Printf("%s: handleInbound: first frame was not Join_initial, closing", c.logPrefix())
		conn.Close()
		return
	}

	addr := msg.JoinInitial.Addr
	if addr.ID == message.UnassignedPeerId {
		c.handleUnknownJoiner(conn, addr)
		return
	}
	c.handleKnownPeerLink(conn, addr.ID)
}

// handleUnknownJoiner is the admitting side of the protocol: run the full
// admission round, welcome the joiner, close this bootstrap connection,
// then push the delegate introduction down the joiner's real connection
// once it arrives.
func (c *Cluster) handleUnknownJoiner(conn *wire.Conn, addr message.AddrInfo) {
	defer conn.Close()

	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if ok && addr.IP == 0 {
		addr.IP = message.IPToUint32(tcpAddr.IP)
	}

	id, err := c.admitJoiner(addr)
	if err != nil {
		log.Printf("%s: handleUnknownJoiner: admission failed: %s", c.logPrefix(), err.Error())
		return
	}

	welcome := &message.Message{
		JoinWelcome: &message.JoinWelcome{
			Assigned: message.AddrInfo{IP: addr.IP, Port: addr.Port, ID: id},
			Peers:    c.buildWelcomeRoster(),
		},
	}
	err = conn.WriteFrame(welcome)
	if err != nil {
		log.Printf("%s: handleUnknownJoiner: welcome write failed: %s", c.logPrefix(), err.Error())
		return
	}

	log.Printf("%s: admitted peer#%d(%s)", c.logPrefix(), id, addr)

	if !c.membership.waitJoined(id, c.a.DrainCh()) {
		log.Printf("%s: handleUnknownJoiner: drained before peer#%d's real connection arrived", c.logPrefix(), id)
		return
	}

	p, ok := c.membership.get(id)
	if !ok {
		return
	}
	// handleKnownPeerLink normally takes the pending intro first; only
	// the side that takes it sends, so the joiner gets exactly one.
	if c.takePendingIntro(id) {
		c.sendDelegateIntro(p)
	}
}

// buildWelcomeRoster snapshots every peer this node knows of for
// inclusion in Join_welcome: killed ones as KILLED, all others as LIVE.
func (c *Cluster) buildWelcomeRoster() []message.WelcomePeer {
	var out []message.WelcomePeer
	for _, p := range c.membership.snapshot() {
		state := message.PeerLifeStateLive
		if p.getState() == PeerStateKilled {
			state = message.PeerLifeStateKilled
		}
		out = append(out, message.WelcomePeer{Addr: p.Addr, State: state})
	}
	return out
}

// handleKnownPeerLink attaches an inbound connection from an already
// admitted peer (including the joiner reconnecting to its admitter) as
// that peer's real connection: the joiner dials every LIVE peer in its
// welcome roster.
func (c *Cluster) handleKnownPeerLink(conn *wire.Conn, id message.PeerId) {
	p, ok := c.membership.get(id)
	if !ok {
		log.Printf("%s: handleKnownPeerLink: unknown peer#%d, closing (protocol violation)", c.logPrefix(), id)
		conn.Close()
		return
	}

	c.sync(func() {
		p.attach(conn)
		p.setState(PeerStateConnected)
	})
	c.membership.pulseJoined(id)
	c.refreshLiveMetrics()
	c.attachBuiltinAndUserServices(p)

	if c.takePendingIntro(id) {
		c.sendDelegateIntro(p)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serveConn(p)
	}()
}

// sendDelegateIntro serializes the delegate's introduction once into a
// byte counter to learn its length, then once for real onto the wire,
// preceded by an IntroMsg header.
func (c *Cluster) sendDelegateIntro(p *Peer) {
	counter := &introSizeCounter{}
	err := c.delegate.IntroduceNewNode(counter)
	if err != nil {
		log.Printf("%s: sendDelegateIntro: sizing pass failed: %s", c.logPrefix(), err.Error())
		return
	}

	buf := &boundedWriteBuffer{}
	err = c.delegate.IntroduceNewNode(buf)
	if err != nil {
		log.Printf("%s: sendDelegateIntro: write pass failed: %s", c.logPrefix(), err.Error())
		return
	}
	if uint64(len(buf.b)) != counter.n {
		log.Printf("%s: sendDelegateIntro: introduction length mismatch, counted=%d actual=%d", c.logPrefix(), counter.n, len(buf.b))
	}

	header := &message.Message{IntroMsg: &message.IntroMsg{Length: uint64(len(buf.b))}}
	err = p.WriteCompound(header, buf.b)
	if err != nil {
		log.Printf("%s: sendDelegateIntro: write to peer#%d failed: %s", c.logPrefix(), p.ID, err.Error())
	}
}

// serveConn is the single reader goroutine permitted to call ReadFrame on
// p's connection. It dispatches every decoded frame to whichever service
// Accepts it and logs a ProtocolViolation for anything unclaimed.
func (c *Cluster) serveConn(p *Peer) {
	for {
		conn := p.connForRead()
		if conn == nil {
			return
		}

		msg, err := conn.ReadFrame()
		if err != nil {
			if err != wire.ErrTransportClosed {
				log.Printf("%s: serveConn: peer#%d read failed: %s", c.logPrefix(), p.ID, err.Error())
			}
			c.evictOnTransportLoss(p)
			return
		}

		svc := p.services.dispatch(msg)
		if svc == nil {
			log.Printf("%s: serveConn: peer#%d: ProtocolViolation, unclaimed frame %#v", c.logPrefix(), p.ID, msg)
			continue
		}

		err = svc.Handle(p, msg)
		if err != nil {
			log.Printf("%s: serveConn: peer#%d: handler error: %s", c.logPrefix(), p.ID, err.Error())
		}
	}
}

// boundedWriteBuffer accumulates exactly the bytes IntroduceNewNode
// writes, to be sent as one contiguous body following the IntroMsg
// header.
type boundedWriteBuffer struct {
	b []byte
}

func (w *boundedWriteBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// joinExisting is the joining side of the protocol: dial the contact
// host, hand off its own address with an unassigned id, receive the
// assigned id and roster, then open a fresh outbound connection to every LIVE peer in
// that roster (the contact host included), each carrying the now-assigned
// id.
func (c *Cluster) joinExisting(cfg *config.Config) error {
	dialTimeout := time.Duration(cfg.DialTimeout) * time.Second

	bootstrapConn, err := wire.Dial(fmt.Sprintf("%s:%d", cfg.ContactHost, cfg.ContactPort), dialTimeout)
	if err != nil {
		return fmt.Errorf("joinExisting: dial contact: %w", err)
	}

	selfAddr := c.selfAddrInfo(message.UnassignedPeerId)
	err = bootstrapConn.WriteFrame(&message.Message{JoinInitial: &message.JoinInitial{Addr: selfAddr}})
	if err != nil {
		bootstrapConn.Close()
		return fmt.Errorf("joinExisting: send Join_initial: %w", err)
	}

	msg, err := bootstrapConn.ReadFrame()
	bootstrapConn.Close()
	if err != nil {
		return fmt.Errorf("joinExisting: read Join_welcome: %w", err)
	}
	if msg.JoinWelcome == nil {
		return fmt.Errorf("joinExisting: expected Join_welcome, got %#v", msg)
	}
	welcome := msg.JoinWelcome

	c.sync(func() {
		c.membership.us = welcome.Assigned.ID
		c.membership.insert(newPeer(welcome.Assigned.ID, welcome.Assigned, PeerStateUs))
	})
	log.Printf("%s: joined cluster as peer#%d", c.logPrefix(), welcome.Assigned.ID)

	var introPeer *Peer
	for _, wp := range welcome.Peers {
		if wp.Addr.ID == welcome.Assigned.ID {
			continue
		}
		if wp.State != message.PeerLifeStateLive {
			c.sync(func() {
				c.membership.insert(newPeer(wp.Addr.ID, wp.Addr, PeerStateKilled))
			})
			continue
		}

		isIntro := isContactAddr(cfg, wp.Addr)
		p, err := c.dialPeer(wp.Addr, welcome.Assigned.ID, dialTimeout, !isIntro)
		if err != nil {
			log.Printf("%s: joinExisting: dial peer#%d(%s) failed: %s", c.logPrefix(), wp.Addr.ID, wp.Addr, err.Error())
			continue
		}
		if isIntro {
			introPeer = p
		}
	}

	// introPeer's service loop is not started above: the IntroMsg frame
	// has to be read off that same connection first, inline on this
	// goroutine, or serveConn would race receiveDelegateIntro for it.
	if introPeer != nil {
		err = c.receiveDelegateIntro(introPeer)
		if err != nil {
			return fmt.Errorf("joinExisting: delegate introduction: %w", err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveConn(introPeer)
		}()
	}

	return nil
}

func isContactAddr(cfg *config.Config, addr message.AddrInfo) bool {
	return message.IPToUint32(net.ParseIP(cfg.ContactHost)) == addr.IP && cfg.ContactPort == addr.Port
}

// dialPeer opens the joiner's outbound half of one full-mesh edge and
// attaches it. startServe controls whether the service loop is started
// immediately; the caller passes false for the contact peer so it can
// read the delegate introduction off the connection first, uncontested.
func (c *Cluster) dialPeer(addr message.AddrInfo, selfID message.PeerId, timeout time.Duration, startServe bool) (*Peer, error) {
	conn, err := wire.Dial(fmt.Sprintf("%s:%d", message.Uint32ToIPString(addr.IP), addr.Port), timeout)
	if err != nil {
		return nil, err
	}

	err = conn.WriteFrame(&message.Message{JoinInitial: &message.JoinInitial{Addr: message.AddrInfo{ID: selfID}}})
	if err != nil {
		conn.Close()
		return nil, err
	}

	var p *Peer
	c.sync(func() {
		existing, ok := c.membership.get(addr.ID)
		if ok {
			existing.attach(conn)
			existing.setState(PeerStateConnected)
			p = existing
			return
		}
		p = newPeer(addr.ID, addr, PeerStateConnected)
		p.attach(conn)
		c.membership.insert(p)
	})
	c.membership.pulseJoined(addr.ID)
	c.refreshLiveMetrics()
	c.attachBuiltinAndUserServices(p)

	if startServe {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveConn(p)
		}()
	}

	return p, nil
}

// receiveDelegateIntro reads the IntroMsg header off the admitter's
// connection and hands the bounded body to the delegate.
func (c *Cluster) receiveDelegateIntro(p *Peer) error {
	conn := p.connForRead()
	if conn == nil {
		return wire.ErrTransportClosed
	}

	msg, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	if msg.IntroMsg == nil {
		return fmt.Errorf("receiveDelegateIntro: expected IntroMsg, got %#v", msg)
	}

	body, err := conn.ReadRaw(msg.IntroMsg.Length)
	if err != nil {
		return err
	}
	return runDelegateStart(c.delegate, &byteReader{b: body}, msg.IntroMsg.Length)
}

// byteReader adapts an in-memory slice to io.Reader for runDelegateStart.
type byteReader struct {
	b []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
