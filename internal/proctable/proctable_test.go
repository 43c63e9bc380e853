package proctable

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/usbexecd/usbexecd/internal/pipebuf"
	"github.com/usbexecd/usbexecd/internal/wire"
)

type sentFrame struct {
	hdr     wire.Header
	payload []byte
}

type fakeSink struct {
	mu     sync.Mutex
	frames []sentFrame
	notify chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{notify: make(chan struct{}, 256)}
}

func (f *fakeSink) SendFrame(h wire.Header, payload []byte) error {
	cp := append([]byte(nil), payload...)
	f.mu.Lock()
	f.frames = append(f.frames, sentFrame{hdr: h, payload: cp})
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSink) waitFor(t *testing.T, pred func([]sentFrame) bool) []sentFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		snap := append([]sentFrame(nil), f.frames...)
		f.mu.Unlock()
		if pred(snap) {
			return snap
		}
		select {
		case <-f.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for predicate, frames so far: %+v", snap)
		}
	}
}

func noFatal(t *testing.T) pipebuf.FatalFunc {
	return func(err error) { t.Errorf("unexpected fatal: %v", err) }
}

// manualSlot wires a Slot directly out of real pipe pairs, bypassing
// Open/launcher.Spawn, so routing behavior can be tested without
// actually launching a child process.
func manualSlot(t *testing.T, tbl *Table, id byte) (*Slot, func()) {
	t.Helper()
	slot := &Slot{id: id}
	slot.ctrl = pipebuf.New(id, wire.RoleControl, tbl.sink, tbl.onFatal)
	slot.stdin = pipebuf.New(id, wire.RoleStdin, tbl.sink, tbl.onFatal)
	slot.stdout = pipebuf.New(id, wire.RoleStdout, tbl.sink, tbl.onFatal)
	slot.stderr = pipebuf.New(id, wire.RoleStderr, tbl.sink, tbl.onFatal)

	ctrlR, ctrlW, _ := os.Pipe()
	stdinR, stdinW, _ := os.Pipe()
	stdoutR, stdoutW, _ := os.Pipe()
	stderrR, stderrW, _ := os.Pipe()

	slot.ctrl.Attach(ctrlW)
	slot.stdin.Attach(stdinW)
	slot.stdout.Attach(stdoutR)
	slot.stderr.Attach(stderrR)

	tbl.mu.Lock()
	tbl.slots[id] = slot
	tbl.mu.Unlock()

	cleanup := func() {
		ctrlR.Close()
		stdinR.Close()
		stdoutW.Close()
		stderrW.Close()
		slot.ctrl.ForceClose()
		slot.stdin.ForceClose()
		slot.stdout.ForceClose()
		slot.stderr.ForceClose()
	}
	return slot, cleanup
}

func TestOpenRejectsDuplicateSlot(t *testing.T) {
	sink := newFakeSink()
	tbl := New(sink, noFatal(t))

	if err := tbl.Open(5); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := tbl.Open(5); err == nil {
		t.Fatal("expected error opening an already-occupied slot")
	} else if !strings.Contains(err.Error(), "occupied") {
		t.Fatalf("error = %v, want mention of occupied slot", err)
	}

	if err := tbl.Close(5); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseNonexistentSlotErrors(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	if err := tbl.Close(9); err == nil {
		t.Fatal("expected error closing an empty slot")
	}
}

func TestKillNonexistentSlotErrors(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	if err := tbl.Kill(9, 9); err == nil {
		t.Fatal("expected error killing an empty slot")
	}
}

func TestKillWithNoLivePidIsNoop(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	slot, cleanup := manualSlot(t, tbl, 2)
	defer cleanup()
	slot.setPid(0)

	if err := tbl.Kill(2, 9); err != nil {
		t.Fatalf("Kill on a slot with no live pid should be a no-op, got %v", err)
	}
}

func TestHandleWriteRoutesToOutboundPipe(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	_, cleanup := manualSlot(t, tbl, 1)
	defer cleanup()

	if err := tbl.HandleWrite(1, wire.RoleStdin, []byte("hi")); err != nil {
		t.Fatalf("HandleWrite on outbound role: %v", err)
	}
	if err := tbl.HandleWrite(1, wire.RoleStdout, []byte("hi")); err == nil {
		t.Fatal("expected error routing WRITE to an inbound role")
	}
}

func TestHandleAckRoutesToInboundPipe(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	_, cleanup := manualSlot(t, tbl, 1)
	defer cleanup()

	if err := tbl.HandleAck(1, wire.RoleStdout, 100); err != nil {
		t.Fatalf("HandleAck on inbound role: %v", err)
	}
	if err := tbl.HandleAck(1, wire.RoleStdin, 100); err == nil {
		t.Fatal("expected error routing ACK to an outbound role")
	}
}

func TestHandleCloseStreamRoutesToOutboundPipe(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	_, cleanup := manualSlot(t, tbl, 1)
	defer cleanup()

	if err := tbl.HandleCloseStream(1, wire.RoleControl); err != nil {
		t.Fatalf("HandleCloseStream on outbound role: %v", err)
	}
	if err := tbl.HandleCloseStream(1, wire.RoleStderr); err == nil {
		t.Fatal("expected error routing CLOSE_STDERR as a peer-originated request")
	}
}

func TestCommandOnUnknownSlotErrors(t *testing.T) {
	tbl := New(newFakeSink(), noFatal(t))
	if err := tbl.HandleWrite(42, wire.RoleStdin, nil); err == nil {
		t.Fatal("expected error for a command on a non-existent slot")
	}
}

// TestOpenAndReapEmitsExitStatus spawns a real child through the
// public Open path (which re-execs the test binary itself in
// bootstrap mode) and checks that once it exits, draining Reap
// eventually reports an EXIT_STATUS frame for that slot. The re-exec'd
// test binary does not understand BootstrapFlag and exits quickly on
// its own flag-parsing failure, which is all this needs: a process
// that is guaranteed to die promptly after Open returns.
func TestOpenAndReapEmitsExitStatus(t *testing.T) {
	sink := newFakeSink()
	tbl := New(sink, noFatal(t))

	const id = 6
	if err := tbl.Open(id); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close(id)

	deadline := time.After(5 * time.Second)
	for {
		tbl.Reap()
		sink.mu.Lock()
		found := false
		for _, f := range sink.frames {
			if f.hdr.Cmd == wire.CmdExitStatus && f.hdr.ID == id {
				found = true
				break
			}
		}
		sink.mu.Unlock()
		if found {
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for EXIT_STATUS after child exit")
		}
	}
}
