package cluster

import (
	"fmt"
	"io"
)

// Delegate is the application-level collaborator that owns whatever
// opaque state gets exchanged during the one-time introduction stream
// sent when a new peer is welcomed.
//
// IntroduceNewNode is called on the admitting node once a joiner has been
// welcomed; it must write exactly as many bytes to w as it declares
// through no side channel other than w itself being measured first by the
// caller (see introSizeCounter below and sendDelegateIntro in
// bootstrap.go).
//
// Start is called on the joining node with a pipe bounded to exactly the
// length the admitting node declared; Start must consume exactly that
// many bytes and return.
type Delegate interface {
	IntroduceNewNode(w io.Writer) error
	Start(r io.Reader, length uint64) error
}

// NopDelegate introduces and consumes zero bytes. Useful for tests and
// for nodes that carry no extra bootstrap state beyond membership itself.
type NopDelegate struct{}

func (NopDelegate) IntroduceNewNode(io.Writer) error { return nil }

func (NopDelegate) Start(r io.Reader, length uint64) error {
	if length == 0 {
		return nil
	}
	buf := make([]byte, length)
	_, err := io.ReadFull(r, buf)
	return err
}

// introSizeCounter is an io.Writer that only counts bytes, used to learn
// the length of a delegate introduction before it is actually written to
// the wire: the introduction is serialized twice, once into this counter
// to obtain a size.
type introSizeCounter struct {
	n uint64
}

func (c *introSizeCounter) Write(p []byte) (int, error) {
	c.n += uint64(len(p))
	return len(p), nil
}

// boundedReader enforces that a Delegate.Start implementation consumes
// exactly `length` bytes, surfacing a clear error otherwise rather than
// silently desynchronizing the stream.
type boundedReader struct {
	r         io.Reader
	remaining uint64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= uint64(n)
	return n, err
}

func runDelegateStart(d Delegate, r io.Reader, length uint64) error {
	br := &boundedReader{r: r, remaining: length}
	err := d.Start(br, length)
	if err != nil {
		return err
	}
	if br.remaining != 0 {
		return fmt.Errorf("delegate Start consumed %d of %d declared introduction bytes", length-br.remaining, length)
	}
	return nil
}
