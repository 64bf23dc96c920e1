// Package wire implements a length-prefixed msgpack encoding of
// message.Message over any net.Conn, plus the FIFO-fair write lock that
// Peer relies on to keep a compound message's header and body contiguous
// on the wire.
//
// The header layout is a fixed pattern byte, a version byte, then a
// payload length. There is no sender-id byte: this protocol has no
// client/server role distinction, every peer link is symmetric.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rethinkdb/gocluster/message"
)

const (
	protocolPattern byte = 0x52 // 'R', as in the distributed database this core belongs to
	protocolVersion byte = 0x01

	headerLen     int    = 6 // pattern, version, 4-byte length
	maxPayloadLen uint32 = 1 << 20

	writeDeadline time.Duration = time.Second * 5
)

// ErrTransportClosed is returned from ReadFrame when the peer closed the
// connection between frames, and from ReadRaw on any EOF. A read on a
// connection closed locally returns the underlying net error instead.
var ErrTransportClosed = fmt.Errorf("wire: transport closed")

// ErrFraming is returned from ReadFrame when the header is malformed, the
// payload fails to decode, or the connection closes in the middle of a
// frame.
type ErrFraming struct {
	Reason string
}

func (e *ErrFraming) Error() string {
	return fmt.Sprintf("wire: framing error: %s", e.Reason)
}

// Conn is one logical duplex connection to a remote peer. Reads are only
// ever issued by the owning Peer's service loop so no read lock is
// needed; writes may be issued concurrently and are serialized by an
// internal FIFO-fair mutex.
type Conn struct {
	raw     net.Conn
	writeMu fifoMutex
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

func Dial(addr string, timeout time.Duration) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewConn(raw), nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

// ReadFrame blocks until one full frame has arrived, or the connection is
// closed or errors. It never interleaves with WriteFrame: framing is
// symmetric but each direction uses an independent deadline-free read,
// the caller is expected to be the peer's single service-loop goroutine.
func (c *Conn) ReadFrame() (*message.Message, error) {
	header := make([]byte, headerLen)
	_, err := io.ReadFull(c.raw, header)
	if err != nil {
		if err == io.EOF {
			return nil, ErrTransportClosed
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &ErrFraming{Reason: "connection closed mid-header"}
		}
		return nil, err
	}

	if header[0] != protocolPattern {
		return nil, &ErrFraming{Reason: fmt.Sprintf("bad pattern byte %#x", header[0])}
	}
	if header[1] != protocolVersion {
		return nil, &ErrFraming{Reason: fmt.Sprintf("unsupported version %d", header[1])}
	}

	payloadLen := binary.BigEndian.Uint32(header[2:6])
	if payloadLen > maxPayloadLen {
		return nil, &ErrFraming{Reason: fmt.Sprintf("payload length %d exceeds max %d", payloadLen, maxPayloadLen)}
	}

	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(c.raw, payload)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ErrFraming{Reason: "connection closed mid-payload"}
		}
		return nil, err
	}

	msg := new(message.Message)
	err = msgpack.Unmarshal(payload, msg)
	if err != nil {
		return nil, &ErrFraming{Reason: fmt.Sprintf("msgpack decode: %s", err.Error())}
	}

	return msg, nil
}

// ReadRaw consumes exactly n bytes off the connection without attempting
// to decode them as a frame. Used for the opaque delegate-introduction
// body and for draining an unrecognized mailbox's payload to keep the
// stream in sync.
func (c *Conn) ReadRaw(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c.raw, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame serializes and writes one frame, holding the write lock for
// the duration so concurrent writers can never interleave bytes.
func (c *Conn) WriteFrame(msg *message.Message) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(maxPayloadLen) {
		return &ErrFraming{Reason: fmt.Sprintf("payload length %d exceeds max %d", len(payload), maxPayloadLen)}
	}

	buf := make([]byte, headerLen+len(payload))
	buf[0] = protocolPattern
	buf[1] = protocolVersion
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[headerLen:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = c.raw.Write(buf)
	return err
}

// WriteRaw writes exactly the given bytes under the same write lock as
// WriteFrame. The lock is released between a WriteFrame and a following
// WriteRaw, so another writer can interleave; WriteFrameThen is the call
// that keeps a header frame and its body contiguous.
func (c *Conn) WriteRaw(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err := c.raw.Write(buf)
	return err
}

// WriteFrameThen writes a frame and then additional raw bytes atomically
// with respect to other writers, without releasing the write lock between
// the two, so a compound message's header and body stay contiguous.
func (c *Conn) WriteFrameThen(msg *message.Message, raw []byte) error {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > uint64(maxPayloadLen) {
		return &ErrFraming{Reason: fmt.Sprintf("payload length %d exceeds max %d", len(payload), maxPayloadLen)}
	}

	header := make([]byte, headerLen+len(payload))
	header[0] = protocolPattern
	header[1] = protocolVersion
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	copy(header[headerLen:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.raw.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = c.raw.Write(header)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(writeDeadline))
		_, err = c.raw.Write(raw)
	}
	return err
}
