package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rethinkdb/gocluster/message"
)

func listenLoopback(t *testing.T) (net.Listener, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().String()
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- NewConn(raw)
	}()

	client, err := Dial(addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	msg := &message.Message{
		JoinInitial: &message.JoinInitial{
			Addr: message.AddrInfo{IP: 0x0a000001, Port: 9000, ID: message.UnassignedPeerId},
		},
	}
	err = client.WriteFrame(msg)
	require.NoError(t, err)

	got, err := server.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, got.JoinInitial)
	require.Equal(t, msg.JoinInitial.Addr, got.JoinInitial.Addr)
}

func TestWriteFrameThenKeepsHeaderAndBodyContiguous(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- NewConn(raw)
	}()

	client, err := Dial(addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	payload := []byte("hello mailbox payload")
	header := &message.Message{MailboxMsg: &message.MailboxMsg{ID: 1, Length: uint64(len(payload))}}

	err = client.WriteFrameThen(header, payload)
	require.NoError(t, err)

	gotHeader, err := server.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, gotHeader.MailboxMsg)
	require.Equal(t, uint64(len(payload)), gotHeader.MailboxMsg.Length)

	gotPayload, err := server.ReadRaw(gotHeader.MailboxMsg.Length)
	require.NoError(t, err)
	require.Equal(t, payload, gotPayload)
}

func TestReadFrameReturnsTransportClosedOnEOF(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- NewConn(raw)
	}()

	client, err := Dial(addr, time.Second)
	require.NoError(t, err)

	server := <-acceptedCh
	defer server.Close()

	client.Close()

	_, err = server.ReadFrame()
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestReadFrameRejectsBadPattern(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		raw, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- NewConn(raw)
	}()

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	server := <-acceptedCh
	defer server.Close()

	_, err = raw.Write([]byte{0xff, protocolVersion, 0, 0, 0, 0})
	require.NoError(t, err)

	_, err = server.ReadFrame()
	require.Error(t, err)
	var framingErr *ErrFraming
	require.ErrorAs(t, err, &framingErr)
}
