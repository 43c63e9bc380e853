// Package pipebuf implements the per-stream, credit-based flow control
// state machine of spec.md section 4.1: one PipeBuf per direction of
// one stream, binding a fixed-capacity ring buffer to the daemon-side
// end of a pipe and to the socket via a Sink.
//
// Each PipeBuf owns a single pump goroutine parked in a blocking
// Read or Write on its pipe fd. Go's runtime parks that goroutine on
// the netpoller exactly as an epoll-registered fd would be parked by
// a hand-rolled reactor (see SPEC_FULL.md section R); the goroutine
// is woken for ring/credit state changes through a single-slot
// channel, the same role smux.stream's chReaderWakeup/chWriterWakeup
// pair plays.
package pipebuf

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/usbexecd/usbexecd/internal/metrics"
	"github.com/usbexecd/usbexecd/internal/ringbuf"
	"github.com/usbexecd/usbexecd/internal/wire"
)

// Sink is how a PipeBuf emits frames back to the peer. Implemented by
// internal/framer.Framer; kept as an interface so this package has no
// dependency on the socket or the rest of the daemon.
type Sink interface {
	SendFrame(h wire.Header, payload []byte) error
}

// FatalFunc reports an unrecoverable condition (spec.md section 7,
// class 1) discovered inside a pump goroutine. It is called at most
// once per PipeBuf.
type FatalFunc func(err error)

// PipeBuf is one direction of one stream of one process slot.
type PipeBuf struct {
	id   byte
	role wire.Role
	sink Sink

	onFatal  FatalFunc
	fatalOne sync.Once

	wake    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	ring     *ringbuf.Ring
	fd       *os.File // daemon-side pipe end; nil once released
	credit   uint32   // inbound only: bytes still authorized to send to peer
	eof      bool     // half-close requested/observed; see spec.md section 3
	closed   bool     // ForceClose was called: stop without flushing
	attached bool
}

// New allocates a PipeBuf for the given slot id and role. It does not
// start pumping until Attach is called with the daemon-side fd.
func New(id byte, role wire.Role, sink Sink, onFatal FatalFunc) *PipeBuf {
	return &PipeBuf{
		id:      id,
		role:    role,
		sink:    sink,
		onFatal: onFatal,
		ring:    ringbuf.New(wire.RingSize),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Role returns the stream role this PipeBuf carries.
func (p *PipeBuf) Role() wire.Role { return p.role }

// Attach starts the pump goroutine against fd, the daemon-side pipe
// endpoint created by proctable.Table.Open. For outbound streams
// (CONTROL, STDIN) this also seeds the peer's send window with an
// unsolicited ACK of RingSize bytes (spec.md section 4.1).
func (p *PipeBuf) Attach(fd *os.File) error {
	p.mu.Lock()
	p.fd = fd
	p.attached = true
	p.mu.Unlock()

	if p.role.Outbound() {
		go p.outboundPump()
		return p.sink.SendFrame(wire.Header{Cmd: wire.CmdAck(p.role), ID: p.id, Len: wire.CreditWidth}, wire.EncodeCredit(wire.RingSize))
	}
	go p.inboundPump()
	return nil
}

// Stopped is closed once the pump goroutine has exited and the fd has
// been released. Callers (proctable.Table.Close, via ForceClose) must wait on it before
// freeing the owning slot, preserving "never free a slot while any of
// its PipeBufs is still registered" (spec.md section 3, Ownership).
func (p *PipeBuf) Stopped() <-chan struct{} { return p.stopped }

func (p *PipeBuf) wakeLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PipeBuf) reportFatal(err error) {
	p.fatalOne.Do(func() {
		if p.onFatal != nil {
			p.onFatal(err)
		}
	})
}

// ---- outbound direction: CONTROL, STDIN (peer -> ring -> child) ----

// HandleWrite accepts a WRITE_{CTRL,STDIN} payload from the peer. It
// is a bookkeeping violation (spec.md section 7, class 1) for the
// payload to exceed the credit previously granted, or to arrive after
// the stream has been half-closed.
func (p *PipeBuf) HandleWrite(payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Errorf("slot %d: %s: WRITE received after slot teardown", p.id, p.role)
	}
	if p.eof {
		p.mu.Unlock()
		return errors.Errorf("slot %d: %s: WRITE received on a half-closed stream", p.id, p.role)
	}
	if len(payload) > p.ring.Free() {
		p.mu.Unlock()
		return errors.Errorf("slot %d: %s: peer sent %d bytes, only %d bytes of credit remained", p.id, p.role, len(payload), p.ring.Free())
	}
	p.ring.Write(payload)
	p.wakeLocked()
	p.mu.Unlock()
	return nil
}

// RequestClose half-closes an outbound stream on peer request
// (CLOSE_STDIN / CLOSE_CONTROL). A second request on an
// already-half-closed stream is ignored (spec.md section 9:
// "recommends ignore for robustness", resolved as binding in
// SPEC_FULL.md section 4).
func (p *PipeBuf) RequestClose() {
	p.mu.Lock()
	if p.eof || p.closed {
		p.mu.Unlock()
		return
	}
	p.eof = true
	p.wakeLocked()
	p.mu.Unlock()
}

func (p *PipeBuf) outboundPump() {
	defer close(p.stopped)
	for {
		p.mu.Lock()
		for p.ring.Len() == 0 && !p.closed && !p.eof {
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		if p.closed {
			p.releaseFdLocked()
			p.mu.Unlock()
			return
		}
		if p.ring.Len() == 0 && p.eof {
			p.releaseFdLocked()
			p.mu.Unlock()
			return
		}
		n := p.ring.Len()
		first, second := p.ring.Peek(n)
		payload := joinPeek(first, second)
		fd := p.fd
		p.mu.Unlock()

		written, err := fd.Write(payload)
		if written > 0 {
			metrics.Default.AddBytesToChild(written)
			p.mu.Lock()
			p.ring.Discard(written)
			p.mu.Unlock()
			if sendErr := p.sink.SendFrame(wire.Header{Cmd: wire.CmdAck(p.role), ID: p.id, Len: wire.CreditWidth}, wire.EncodeCredit(uint32(written))); sendErr != nil {
				p.reportFatal(sendErr)
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			p.reportFatal(errors.Wrapf(err, "slot %d: %s: write to child pipe", p.id, p.role))
			return
		}
	}
}

// ---- inbound direction: STDOUT, STDERR (child -> ring -> peer) ----

// GrantCredit records an ACK_{STDOUT,STDERR} from the peer, widening
// the daemon's send window for this stream. Over-granting beyond what
// the ring could ever hold is accepted arithmetically (spec.md
// section 4.1, "over-ack tolerance"): the peer is expected to
// self-regulate from the ACKs it actually receives.
func (p *PipeBuf) GrantCredit(n uint32) {
	p.mu.Lock()
	was := p.credit
	p.credit += n
	if was == 0 && p.credit > 0 {
		p.wakeLocked()
	}
	p.mu.Unlock()
}

func (p *PipeBuf) inboundPump() {
	defer close(p.stopped)
	scratch := make([]byte, wire.RingSize)
	for {
		p.mu.Lock()
		for p.credit == 0 && !p.closed && !(p.eof && p.ring.Len() == 0) {
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		if p.closed {
			p.releaseFdLocked()
			p.mu.Unlock()
			return
		}
		eofNow := p.eof
		ringEmpty := p.ring.Len() == 0
		freeSpace := p.ring.Free()
		fd := p.fd
		p.mu.Unlock()

		if eofNow && ringEmpty {
			p.mu.Lock()
			p.releaseFdLocked()
			p.mu.Unlock()
			if err := p.sink.SendFrame(wire.Header{Cmd: wire.CmdCloseStream(p.role), ID: p.id}, nil); err != nil {
				p.reportFatal(err)
			}
			return
		}

		if !eofNow && freeSpace > 0 {
			n, err := fd.Read(scratch[:freeSpace])
			if n > 0 {
				metrics.Default.AddBytesFromChild(n)
				p.mu.Lock()
				p.ring.Write(scratch[:n])
				p.mu.Unlock()
			}
			if err != nil {
				p.mu.Lock()
				closed := p.closed
				p.mu.Unlock()
				if closed {
					return
				}
				if err == io.EOF {
					p.mu.Lock()
					p.eof = true
					p.mu.Unlock()
				} else {
					p.reportFatal(errors.Wrapf(err, "slot %d: %s: read from child pipe", p.id, p.role))
					return
				}
			}
		}

		if err := p.forward(); err != nil {
			p.reportFatal(err)
			return
		}
	}
}

// forward emits WRITE_{STDOUT,STDERR} frames for buffered bytes while
// credit and ring contents both allow, chunked to MaxWriteChunk
// (spec.md section 4.1: "the header length field is a single byte").
func (p *PipeBuf) forward() error {
	for {
		p.mu.Lock()
		if p.ring.Len() == 0 || p.credit == 0 {
			p.mu.Unlock()
			return nil
		}
		n := p.ring.Len()
		if n > wire.MaxWriteChunk {
			n = wire.MaxWriteChunk
		}
		if uint32(n) > p.credit {
			n = int(p.credit)
		}
		first, second := p.ring.Peek(n)
		payload := joinPeek(first, second)
		p.mu.Unlock()

		if err := p.sink.SendFrame(wire.Header{Cmd: wire.CmdWrite(p.role), ID: p.id, Len: byte(len(payload))}, payload); err != nil {
			return err
		}

		p.mu.Lock()
		p.ring.Discard(len(payload))
		p.credit -= uint32(len(payload))
		p.mu.Unlock()
	}
}

// ---- shared teardown ----

// releaseFdLocked closes the pipe fd, if still open. Caller holds mu.
func (p *PipeBuf) releaseFdLocked() {
	if p.fd != nil {
		p.fd.Close()
		p.fd = nil
	}
}

// ForceClose tears the PipeBuf down without flushing (spec.md section
// 4, Lifecycle: CLOSE-from-peer on the whole process slot). It is
// idempotent and safe to call even if Attach was never called.
func (p *PipeBuf) ForceClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	attached := p.attached
	p.releaseFdLocked()
	if !attached {
		p.mu.Unlock()
		close(p.stopped)
		return
	}
	p.wakeLocked()
	p.mu.Unlock()
	<-p.stopped
}

func joinPeek(first, second []byte) []byte {
	if len(second) == 0 {
		out := make([]byte, len(first))
		copy(out, first)
		return out
	}
	out := make([]byte, len(first)+len(second))
	copy(out, first)
	copy(out[len(first):], second)
	return out
}
