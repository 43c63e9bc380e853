// Package proctable implements the 256-slot ProcessTable of spec.md
// section 4.3: OPEN allocates a slot's four pipes and forks (here,
// re-execs via internal/launcher) the child; CLOSE kills, reaps, and
// tears the slot down; KILL signals it; Reap drains SIGCHLD-driven
// exits for every slot still running.
package proctable

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/usbexecd/usbexecd/internal/launcher"
	"github.com/usbexecd/usbexecd/internal/metrics"
	"github.com/usbexecd/usbexecd/internal/pipebuf"
	"github.com/usbexecd/usbexecd/internal/wire"
)

// Slot is one ProcessSlot (spec.md section 3): a pid plus its four
// PipeBufs. pid == 0 means no live child, though the slot may still
// be flushing residual output.
type Slot struct {
	mu                          sync.Mutex
	id                          byte
	pid                         int
	ctrl, stdin, stdout, stderr *pipebuf.PipeBuf
}

func (s *Slot) setPid(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

func (s *Slot) getPid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Table is the fixed-capacity, direct-indexed process table.
type Table struct {
	sink    pipebuf.Sink
	onFatal pipebuf.FatalFunc

	mu    sync.Mutex
	slots [wire.MaxSlots]*Slot

	reapMu sync.Mutex
}

// New constructs an empty table. sink is how per-process PipeBufs and
// the table itself emit frames (OPEN's initial ACKs, CLOSE_ACK,
// EXIT_STATUS); onFatal reports unrecoverable conditions up to the
// daemon (spec.md section 7, class 1).
func New(sink pipebuf.Sink, onFatal pipebuf.FatalFunc) *Table {
	return &Table{sink: sink, onFatal: onFatal}
}

// Open implements OPEN (spec.md section 4.3): allocates the slot's
// four pipes, spawns the child via internal/launcher, and attaches
// each daemon-side pipe end to its PipeBuf. OPEN on an occupied slot
// is a bookkeeping violation (spec.md section 7, class 1; section 8
// scenario 5: "daemon terminates fatally").
func (t *Table) Open(id byte) error {
	t.mu.Lock()
	if t.slots[id] != nil {
		t.mu.Unlock()
		return errors.Errorf("OPEN on occupied slot %d", id)
	}
	slot := &Slot{id: id}
	t.slots[id] = slot
	t.mu.Unlock()

	ctrlRead, ctrlWrite, stdinRead, stdinWrite, stdoutRead, stdoutWrite, stderrRead, stderrWrite, err := fourPipes()
	if err != nil {
		t.mu.Lock()
		t.slots[id] = nil
		t.mu.Unlock()
		return errors.Wrapf(err, "slot %d: create pipes", id)
	}

	proc, err := launcher.Spawn(ctrlRead, stdinRead, stdoutWrite, stderrWrite)
	// The child now holds its own duplicates of the four endpoints
	// above; the parent always closes them, success or not
	// ("in the parent closes the child ends", spec.md section 4.3).
	ctrlRead.Close()
	stdinRead.Close()
	stdoutWrite.Close()
	stderrWrite.Close()
	if err != nil {
		ctrlWrite.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stderrRead.Close()
		t.mu.Lock()
		t.slots[id] = nil
		t.mu.Unlock()
		return errors.Wrapf(err, "slot %d: spawn child", id)
	}

	slot.setPid(proc.Pid)
	slot.ctrl = pipebuf.New(id, wire.RoleControl, t.sink, t.onFatal)
	slot.stdin = pipebuf.New(id, wire.RoleStdin, t.sink, t.onFatal)
	slot.stdout = pipebuf.New(id, wire.RoleStdout, t.sink, t.onFatal)
	slot.stderr = pipebuf.New(id, wire.RoleStderr, t.sink, t.onFatal)

	if err := slot.ctrl.Attach(ctrlWrite); err != nil {
		stdinWrite.Close()
		stdoutRead.Close()
		stderrRead.Close()
		t.abortOpen(slot)
		return errors.Wrapf(err, "slot %d: attach control pipe", id)
	}
	if err := slot.stdin.Attach(stdinWrite); err != nil {
		stdoutRead.Close()
		stderrRead.Close()
		t.abortOpen(slot)
		return errors.Wrapf(err, "slot %d: attach stdin pipe", id)
	}
	if err := slot.stdout.Attach(stdoutRead); err != nil {
		stderrRead.Close()
		t.abortOpen(slot)
		return errors.Wrapf(err, "slot %d: attach stdout pipe", id)
	}
	if err := slot.stderr.Attach(stderrRead); err != nil {
		t.abortOpen(slot)
		return errors.Wrapf(err, "slot %d: attach stderr pipe", id)
	}
	metrics.Default.IncSlotsOpened()
	return nil
}

// abortOpen tears down a slot whose Open failed partway through
// attaching its PipeBufs: the already-forked child is killed and
// reaped, every PipeBuf (attached or not) is force-closed, and the
// slot is removed from the table so a later OPEN for the same id does
// not hit the occupied-slot fatal path forever. This is itself an
// error-recovery path, so the kill/reap here is best-effort.
func (t *Table) abortOpen(slot *Slot) {
	t.mu.Lock()
	t.slots[slot.id] = nil
	t.mu.Unlock()

	slot.mu.Lock()
	pid := slot.pid
	slot.pid = 0
	slot.mu.Unlock()

	if pid != 0 {
		_ = unix.Kill(pid, unix.SIGKILL)
		t.reapMu.Lock()
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		t.reapMu.Unlock()
	}

	slot.ctrl.ForceClose()
	slot.stdin.ForceClose()
	slot.stdout.ForceClose()
	slot.stderr.ForceClose()
}

func fourPipes() (ctrlRead, ctrlWrite, stdinRead, stdinWrite, stdoutRead, stdoutWrite, stderrRead, stderrWrite *os.File, err error) {
	ctrlRead, ctrlWrite, err = os.Pipe()
	if err != nil {
		return
	}
	stdinRead, stdinWrite, err = os.Pipe()
	if err != nil {
		ctrlRead.Close()
		ctrlWrite.Close()
		return
	}
	stdoutRead, stdoutWrite, err = os.Pipe()
	if err != nil {
		ctrlRead.Close()
		ctrlWrite.Close()
		stdinRead.Close()
		stdinWrite.Close()
		return
	}
	stderrRead, stderrWrite, err = os.Pipe()
	if err != nil {
		ctrlRead.Close()
		ctrlWrite.Close()
		stdinRead.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		return
	}
	return
}

func (t *Table) lookup(id byte) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[id]
}

func (t *Table) pipeFor(id byte, role wire.Role) (*pipebuf.PipeBuf, error) {
	slot := t.lookup(id)
	if slot == nil {
		return nil, errors.Errorf("command references non-existent slot %d", id)
	}
	switch role {
	case wire.RoleControl:
		return slot.ctrl, nil
	case wire.RoleStdin:
		return slot.stdin, nil
	case wire.RoleStdout:
		return slot.stdout, nil
	case wire.RoleStderr:
		return slot.stderr, nil
	default:
		return nil, errors.Errorf("slot %d: unknown role %d", id, role)
	}
}

// HandleWrite routes a WRITE_{CTRL,STDIN} payload from the peer into
// the addressed outbound PipeBuf.
func (t *Table) HandleWrite(id byte, role wire.Role, payload []byte) error {
	pb, err := t.pipeFor(id, role)
	if err != nil {
		return err
	}
	if !role.Outbound() {
		return errors.Errorf("slot %d: WRITE_%v is daemon-to-peer only", id, role)
	}
	return pb.HandleWrite(payload)
}

// HandleAck routes an ACK_{STDOUT,STDERR} credit grant from the peer.
func (t *Table) HandleAck(id byte, role wire.Role, credit uint32) error {
	pb, err := t.pipeFor(id, role)
	if err != nil {
		return err
	}
	if role.Outbound() {
		return errors.Errorf("slot %d: ACK_%v is peer-to-daemon only", id, role)
	}
	pb.GrantCredit(credit)
	return nil
}

// HandleCloseStream routes a CLOSE_STDIN/CLOSE_CONTROL half-close
// request from the peer.
func (t *Table) HandleCloseStream(id byte, role wire.Role) error {
	pb, err := t.pipeFor(id, role)
	if err != nil {
		return err
	}
	if !role.Outbound() {
		return errors.Errorf("slot %d: CLOSE_%v is daemon-to-peer only", id, role)
	}
	pb.RequestClose()
	return nil
}

// Kill implements KILL (spec.md section 4.3): deliver signo to the
// slot's live child, if any. No acknowledgment frame is emitted.
func (t *Table) Kill(id byte, signo byte) error {
	slot := t.lookup(id)
	if slot == nil {
		return errors.Errorf("KILL references non-existent slot %d", id)
	}
	pid := slot.getPid()
	if pid == 0 {
		return nil
	}
	metrics.Default.IncKillsSent()
	return unix.Kill(pid, unix.Signal(signo))
}

// Close implements CLOSE (spec.md section 4.3): SIGKILL and
// synchronously reap any live child, force-close all four PipeBufs
// without flushing, release the slot, and emit CLOSE_ACK.
func (t *Table) Close(id byte) error {
	t.mu.Lock()
	slot := t.slots[id]
	if slot != nil {
		t.slots[id] = nil
	}
	t.mu.Unlock()
	if slot == nil {
		return errors.Errorf("CLOSE references non-existent slot %d", id)
	}

	slot.mu.Lock()
	pid := slot.pid
	slot.pid = 0
	slot.mu.Unlock()

	if pid != 0 {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return errors.Wrapf(err, "slot %d: SIGKILL pid %d", id, pid)
		}
		t.reapMu.Lock()
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil) // ECHILD means a concurrent Reap already collected it
		t.reapMu.Unlock()
	}

	slot.ctrl.ForceClose()
	slot.stdin.ForceClose()
	slot.stdout.ForceClose()
	slot.stderr.ForceClose()

	metrics.Default.IncSlotsClosed()
	return t.sink.SendFrame(wire.Header{Cmd: wire.CmdCloseAck, ID: id}, nil)
}

// Reap drains every child that has exited since the last call with a
// non-blocking waitpid loop (spec.md section 4.3/4.5), resolving each
// reaped pid to its owning slot by linear scan and emitting an
// EXIT_STATUS frame carrying the exit code or terminating signal.
// Coalesced SIGCHLDs (multiple deaths behind one wakeup) are handled
// correctly because the loop keeps draining until no child is ready.
func (t *Table) Reap() {
	t.reapMu.Lock()
	defer t.reapMu.Unlock()

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		t.reportExit(pid, ws)
	}
}

func (t *Table) reportExit(pid int, ws unix.WaitStatus) {
	t.mu.Lock()
	var slot *Slot
	for _, s := range t.slots {
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.pid == pid {
			s.pid = 0
			slot = s
		}
		s.mu.Unlock()
		if slot != nil {
			break
		}
	}
	t.mu.Unlock()
	if slot == nil {
		return
	}

	if err := t.sink.SendFrame(wire.Header{Cmd: wire.CmdExitStatus, ID: slot.id, Arg: exitArg(ws)}, nil); err != nil {
		t.onFatal(err)
	}
}

func exitArg(ws unix.WaitStatus) byte {
	switch {
	case ws.Exited():
		return byte(ws.ExitStatus())
	case ws.Signaled():
		return byte(ws.Signal())
	default:
		return 0
	}
}
