package daemon

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/usbexecd/usbexecd/internal/wire"
)

func readFrame(t *testing.T, conn net.Conn) (wire.Header, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	hdr, err := wire.ReadHeader(conn)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if hdr.Len == 0 {
		return hdr, nil
	}
	buf := make([]byte, hdr.Len)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return hdr, buf
}

func TestResetExitsZero(t *testing.T) {
	daemonSide, peerSide := net.Pipe()
	d := New(daemonSide)

	code := make(chan int, 1)
	go func() { code <- d.Run() }()

	peerSide.Write(wire.Header{Cmd: wire.CmdReset}.Bytes())

	select {
	case c := <-code:
		if c != 0 {
			t.Fatalf("exit code = %d, want 0", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after RESET")
	}
	peerSide.Close()
}

func TestPeerDisconnectExitsNonzero(t *testing.T) {
	daemonSide, peerSide := net.Pipe()
	d := New(daemonSide)

	code := make(chan int, 1)
	go func() { code <- d.Run() }()

	peerSide.Close()

	select {
	case c := <-code:
		if c == 0 {
			t.Fatal("exit code = 0, want non-zero on peer disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after peer disconnect")
	}
}

func TestOpenSeedsCreditAndClosesCleanly(t *testing.T) {
	daemonSide, peerSide := net.Pipe()
	d := New(daemonSide)

	code := make(chan int, 1)
	go func() { code <- d.Run() }()
	defer func() {
		peerSide.Write(wire.Header{Cmd: wire.CmdReset}.Bytes())
		<-code
		peerSide.Close()
	}()

	const id = 10
	peerSide.Write(wire.Header{Cmd: wire.CmdOpen, ID: id}.Bytes())

	seen := map[byte]uint32{}
	for len(seen) < 2 {
		hdr, payload := readFrame(t, peerSide)
		if role, ok := wire.IsAck(hdr.Cmd); ok && hdr.ID == id {
			credit, err := wire.DecodeCredit(payload)
			if err != nil {
				t.Fatalf("DecodeCredit: %v", err)
			}
			seen[byte(role)] = credit
		}
	}
	if seen[byte(wire.RoleControl)] != wire.RingSize || seen[byte(wire.RoleStdin)] != wire.RingSize {
		t.Fatalf("initial credits = %v, want %d for both outbound roles", seen, wire.RingSize)
	}

	peerSide.Write(wire.Header{Cmd: wire.CmdClose, ID: id}.Bytes())
	for {
		hdr, _ := readFrame(t, peerSide)
		if hdr.Cmd == wire.CmdCloseAck && hdr.ID == id {
			break
		}
	}
}
