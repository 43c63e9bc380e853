// Package launcher implements the ChildLauncher boundary contract of
// spec.md section 4.6.
//
// The Go runtime has no portable fork()-without-exec primitive, so
// "fork, then have the child rewire its pipes, read argv off the
// control stream, and exec" is rendered as a self-reexec: the daemon
// launches a copy of its own binary in a hidden bootstrap mode
// (Bootstrap, dispatched from cmd/usbexecd), handing it the four
// daemon-side pipe endpoints via os/exec's ExtraFiles. This is the
// same self-reexec technique the retrieval corpus's process-launching
// code uses (tmc/macgo's internal/launch package, vanadium/gosh's
// Cmd/InitChildMain pair) to get "do some setup, then become the
// target program" without a raw fork syscall.
//
// Post-fork fd hygiene (spec.md section 9) falls out of this for
// free: os/exec marks every file the Go runtime opened as
// close-on-exec unless it is explicitly listed in Stdin/Stdout/
// Stderr/ExtraFiles, so the bootstrap child never inherits the
// control socket, any other slot's pipes, or the readiness/ signal
// plumbing without a manual close storm.
package launcher

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BootstrapFlag is the hidden first argument that tells a re-exec'd
// copy of the daemon binary to run Bootstrap instead of the normal
// daemon entry point.
const BootstrapFlag = "-usbexec-launch"

// MaxArgvBytes is the cap on the NUL-delimited argv blob read from the
// control stream (spec.md section 4.6 / section 9).
const MaxArgvBytes = 1023

// MaxArgc is the cap on the number of NUL-delimited arguments.
const MaxArgc = 255

// fdBase is the first inherited fd number in the bootstrap child: the
// four pipe endpoints land at fd 3..6 via ExtraFiles, in the order
// passed to Spawn.
const fdBase = 3

// Spawn launches the bootstrap child wired to the four daemon-side
// pipe endpoints that will become its stdio, and returns the live
// *os.Process. The caller (proctable.Table.Open) owns ctrlRead, stdinRead,
// stdoutWrite, and stderrWrite going in, and must close its own
// copies once Spawn returns: the child now holds its own duplicates.
func Spawn(ctrlRead, stdinRead, stdoutWrite, stderrWrite *os.File) (*os.Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve daemon executable for re-exec")
	}

	cmd := exec.Command(exe, BootstrapFlag)
	cmd.ExtraFiles = []*os.File{ctrlRead, stdinRead, stdoutWrite, stderrWrite}
	cmd.Stderr = os.Stderr // bootstrap diagnostics before it dup2's its own stderr
	// Its own process group: a peer-issued KILL targets this pid alone,
	// never fans out to the daemon's group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start bootstrap child")
	}
	return cmd.Process, nil
}

// Bootstrap runs inside the re-exec'd child. It reads the NUL-delimited
// argument vector off fd 3 (the control-stream read end), rewires fd
// 4/5/6 onto 0/1/2, and execs the requested program. It never returns
// on success; on failure it writes a message to stderr and exits
// nonzero. Failures before the rewiring (argv parsing, dup2) go to the
// original stderr inherited from the daemon; program lookup and exec
// failures happen after fd 2 is rewired, so their message goes to the
// slot's STDERR pipe. The daemon observes either as an ordinary child exit
// via the normal reap path — no separate error channel is needed.
func Bootstrap() {
	ctrl := os.NewFile(fdBase, "usbexecd-ctrl")
	stdinFd := os.NewFile(fdBase+1, "usbexecd-stdin")
	stdoutFd := os.NewFile(fdBase+2, "usbexecd-stdout")
	stderrFd := os.NewFile(fdBase+3, "usbexecd-stderr")

	argv, err := ReadArgv(ctrl)
	ctrl.Close()
	if err != nil {
		os.Stderr.WriteString("usbexecd launch: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := dup2AndClose(stdinFd, 0); err != nil {
		fatalf(err)
	}
	if err := dup2AndClose(stdoutFd, 1); err != nil {
		fatalf(err)
	}
	if err := dup2AndClose(stderrFd, 2); err != nil {
		fatalf(err)
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		fatalf(errors.Wrapf(err, "lookup %q", argv[0]))
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		fatalf(errors.Wrapf(err, "exec %q", path))
	}
}

func dup2AndClose(f *os.File, target int) error {
	if err := unix.Dup2(int(f.Fd()), target); err != nil {
		return errors.Wrapf(err, "dup2 fd %d -> %d", f.Fd(), target)
	}
	return f.Close()
}

func fatalf(err error) {
	os.Stderr.WriteString("usbexecd launch: " + err.Error() + "\n")
	os.Exit(1)
}

// ReadArgv parses the NUL-delimited argument vector off the control
// stream (spec.md section 4.6): the first token is the program name,
// the rest are its arguments. Overflow of either the byte cap or the
// argument-count cap is rejected explicitly rather than silently
// truncated, resolving the open question in spec.md section 9.
func ReadArgv(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArgvBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read control stream")
	}
	if len(data) > MaxArgvBytes {
		return nil, errors.Errorf("control stream argv exceeds %d-byte cap", MaxArgvBytes)
	}

	parts := bytes.Split(data, []byte{0})
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return nil, errors.New("empty argument vector")
	}
	if len(parts) > MaxArgc {
		return nil, errors.Errorf("argument count %d exceeds %d-argument cap", len(parts), MaxArgc)
	}

	argv := make([]string, len(parts))
	for i, p := range parts {
		argv[i] = string(p)
	}
	return argv, nil
}
