// Package framer is the socket-facing half of the EventLoop of spec.md
// section 4.4: one goroutine blocked reading frame headers off the
// control socket and dispatching them, one goroutine draining a
// single write queue so that no two goroutines ever interleave writes
// to the socket.
//
// The split mirrors xtaci/smux's Session: recvLoop decodes and
// dispatches, a single sendLoop/writes channel pair serializes every
// outbound frame (here collapsed from smux's shaper+writes two-stage
// priority queue, since usbexecd has no stream-priority concept to
// shape around - every frame is sent in submission order).
package framer

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/usbexecd/usbexecd/internal/metrics"
	"github.com/usbexecd/usbexecd/internal/wire"
)

// Handler dispatches decoded commands to the rest of the daemon
// (internal/proctable, mostly). Implemented by internal/daemon.Daemon.
type Handler interface {
	HandleReset() error
	HandleOpen(id byte) error
	HandleClose(id byte) error
	HandleKill(id byte, signo byte) error
	HandleWrite(id byte, role wire.Role, payload []byte) error
	HandleAck(id byte, role wire.Role, credit uint32) error
	HandleCloseStream(id byte, role wire.Role) error
}

type writeRequest struct {
	hdr     wire.Header
	payload []byte
	result  chan error
}

// Framer owns the control socket connection and its two goroutines.
type Framer struct {
	conn    io.ReadWriteCloser
	handler Handler
	onFatal func(error)

	writes  chan writeRequest
	die     chan struct{}
	dieOnce sync.Once
}

// New wraps conn. Start must be called to begin pumping frames.
func New(conn io.ReadWriteCloser, handler Handler, onFatal func(error)) *Framer {
	return &Framer{
		conn:    conn,
		handler: handler,
		onFatal: onFatal,
		writes:  make(chan writeRequest),
		die:     make(chan struct{}),
	}
}

// Start launches the send and receive goroutines.
func (f *Framer) Start() {
	go f.sendLoop()
	go f.recvLoop()
}

// Stop tears the Framer down and unblocks any in-flight SendFrame
// calls. Safe to call more than once.
func (f *Framer) Stop() {
	f.dieOnce.Do(func() { close(f.die) })
}

// SendFrame implements pipebuf.Sink and proctable's frame emission: it
// queues a frame for the single sendLoop goroutine and waits for the
// write (or the Framer's own teardown) to complete.
func (f *Framer) SendFrame(h wire.Header, payload []byte) error {
	req := writeRequest{hdr: h, payload: payload, result: make(chan error, 1)}
	select {
	case f.writes <- req:
	case <-f.die:
		return io.ErrClosedPipe
	}
	select {
	case err := <-req.result:
		return err
	case <-f.die:
		return io.ErrClosedPipe
	}
}

func (f *Framer) sendLoop() {
	for {
		select {
		case <-f.die:
			return
		case req := <-f.writes:
			err := wire.WriteFrame(f.conn, req.hdr, req.payload)
			if err == nil {
				metrics.Default.IncFramesSent()
			}
			req.result <- err
			close(req.result)
			if err != nil {
				f.fatal(err)
				return
			}
		}
	}
}

func (f *Framer) recvLoop() {
	for {
		hdr, err := wire.ReadHeader(f.conn)
		if err != nil {
			if err == io.EOF {
				f.fatal(errors.New("peer closed the control socket"))
			} else {
				f.fatal(err)
			}
			return
		}

		var payload []byte
		if hdr.Len > 0 {
			payload = make([]byte, hdr.Len)
			if _, err := io.ReadFull(f.conn, payload); err != nil {
				f.fatal(errors.Wrap(err, "read frame payload"))
				return
			}
		}

		metrics.Default.IncFramesReceived()
		if err := f.dispatch(hdr, payload); err != nil {
			f.fatal(err)
			return
		}
	}
}

// dispatch classifies a decoded header against the command space of
// spec.md section 6 and routes it to the Handler. An unrecognized
// command, or a well-known command with a malformed payload, is a
// bookkeeping violation (spec.md section 7, class 1): dispatch returns
// an error and recvLoop treats it as fatal.
func (f *Framer) dispatch(hdr wire.Header, payload []byte) error {
	switch hdr.Cmd {
	case wire.CmdReset:
		return f.handler.HandleReset()
	case wire.CmdOpen:
		return f.handler.HandleOpen(hdr.ID)
	case wire.CmdClose:
		return f.handler.HandleClose(hdr.ID)
	case wire.CmdKill:
		return f.handler.HandleKill(hdr.ID, hdr.Arg)
	}

	if role, ok := wire.IsWrite(hdr.Cmd); ok {
		return f.handler.HandleWrite(hdr.ID, role, payload)
	}
	if role, ok := wire.IsAck(hdr.Cmd); ok {
		credit, err := wire.DecodeCredit(payload)
		if err != nil {
			return errors.Wrapf(err, "slot %d: %s", hdr.ID, role)
		}
		return f.handler.HandleAck(hdr.ID, role, credit)
	}
	if role, ok := wire.IsCloseStream(hdr.Cmd); ok {
		return f.handler.HandleCloseStream(hdr.ID, role)
	}

	return errors.Errorf("unrecognized command byte 0x%02x", hdr.Cmd)
}

func (f *Framer) fatal(err error) {
	f.Stop()
	if f.onFatal != nil {
		f.onFatal(err)
	}
}
