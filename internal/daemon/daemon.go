// Package daemon is the EventLoop of spec.md section 4.4: it wires
// internal/framer (the socket) to internal/proctable (slot lifecycle),
// owns the SIGCHLD-driven reaper goroutine, and decides the process's
// final exit code.
//
// spec.md describes EventLoop as a single thread blocked in epoll_wait
// over the socket, a signalfd, and every registered PipeBuf fd. Go's
// goroutine scheduler already multiplexes blocking I/O across an
// arbitrary number of parked goroutines on top of the OS's readiness
// notification facility, so that single thread is rendered here as:
// internal/framer's two goroutines (one send, one recv), one pump
// goroutine per PipeBuf direction (started by proctable.Table.Open via
// pipebuf.Attach), and the reaper goroutine below. os/signal.Notify
// stands in for the signalfd of spec.md section 4.5 one for one: both
// are "a file-descriptor-shaped channel that yields one structured
// record per signal, safe to multiplex alongside everything else."
package daemon

import (
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/usbexecd/usbexecd/internal/framer"
	"github.com/usbexecd/usbexecd/internal/metrics"
	"github.com/usbexecd/usbexecd/internal/proctable"
	"github.com/usbexecd/usbexecd/internal/wire"
)

// Daemon is the assembled usbexecd process, minus the connection setup
// that cmd/usbexecd performs before constructing one.
type Daemon struct {
	fr    *framer.Framer
	table *proctable.Table

	sigchld chan os.Signal
	done    chan struct{}

	exitOnce sync.Once
	exitCode int
	exitErr  error
}

// New assembles a Daemon around an already-connected control socket.
func New(conn io.ReadWriteCloser) *Daemon {
	d := &Daemon{
		sigchld: make(chan os.Signal, 16),
		done:    make(chan struct{}),
	}
	d.fr = framer.New(conn, d, d.fatal)
	d.table = proctable.New(d.fr, d.fatal)
	return d
}

// Run starts the send/recv and reaper goroutines and blocks until a
// RESET frame or a fatal condition ends the daemon, then returns the
// process exit code (spec.md section 6: "exits 0 on RESET, non-zero on
// any fatal condition").
func (d *Daemon) Run() int {
	signal.Notify(d.sigchld, syscall.SIGCHLD)
	defer signal.Stop(d.sigchld)

	d.fr.Start()
	go d.reapLoop()
	go d.diagLoop()

	<-d.done
	if d.exitErr != nil {
		color.Red("CRIT: %+v", d.exitErr)
		log.Printf("usbexecd: fatal: %+v", d.exitErr)
	}
	return d.exitCode
}

// reapLoop is the signal channel of spec.md section 4.5: it drains
// queued SIGCHLD notifications — coalesced multi-death wakeups collapse
// into a single receive here exactly as the spec's signalfd drain loop
// describes — and calls Reap to harvest zombies with a non-blocking
// waitpid loop.
func (d *Daemon) reapLoop() {
	for {
		select {
		case <-d.sigchld:
			for drained := true; drained; {
				select {
				case <-d.sigchld:
				default:
					drained = false
				}
			}
			d.table.Reap()
		case <-d.done:
			return
		}
	}
}

// diagLoop dumps a metrics.Default snapshot to the log on SIGUSR1,
// the same on-demand-stats-dump idiom as the teacher's client/signal.go
// sigHandler (there keyed off kcp.DefaultSnmp).
func (d *Daemon) diagLoop() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			header := metrics.Default.Header()
			values := metrics.Default.ToSlice()
			pairs := make([]string, len(header))
			for i := range header {
				pairs[i] = header[i] + "=" + values[i]
			}
			log.Printf("usbexecd metrics: %s", strings.Join(pairs, " "))
		case <-d.done:
			return
		}
	}
}

func (d *Daemon) fatal(err error) {
	d.exitOnce.Do(func() {
		metrics.Default.IncFatalErrors()
		d.exitCode = 1
		d.exitErr = err
		close(d.done)
	})
}

// ---- framer.Handler ----

// HandleReset implements RESET (spec.md section 6): the daemon exits
// immediately with code 0.
func (d *Daemon) HandleReset() error {
	d.exitOnce.Do(func() {
		d.exitCode = 0
		close(d.done)
	})
	return nil
}

func (d *Daemon) HandleOpen(id byte) error { return d.table.Open(id) }

func (d *Daemon) HandleClose(id byte) error { return d.table.Close(id) }

func (d *Daemon) HandleKill(id byte, signo byte) error { return d.table.Kill(id, signo) }

func (d *Daemon) HandleWrite(id byte, role wire.Role, payload []byte) error {
	return d.table.HandleWrite(id, role, payload)
}

func (d *Daemon) HandleAck(id byte, role wire.Role, credit uint32) error {
	return d.table.HandleAck(id, role, credit)
}

func (d *Daemon) HandleCloseStream(id byte, role wire.Role) error {
	return d.table.HandleCloseStream(id, role)
}
