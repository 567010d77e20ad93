package device

import (
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports that a fan-out write was dropped because the
// consumer's socket buffer was full: such a consumer is disconnected
// rather than allowed to stall the device.
var ErrWouldBlock = errors.New("device: consumer write would block")

// nonBlockingWrite writes buf to conn without letting a slow reader stall
// the caller. When conn exposes a raw file descriptor (true for the
// net.Listener-accepted *net.UnixConn this package actually uses), the
// write goes through unix.Write directly so EAGAIN/EWOULDBLOCK surfaces
// as ErrWouldBlock instead of retrying or blocking. Connections that do
// not support SyscallConn (e.g. net.Pipe in tests) fall back to a 10ms
// write deadline, which yields the same externally observable
// behavior: a consumer that cannot keep up is dropped, never stalls the
// writer.
func nonBlockingWrite(conn net.Conn, buf []byte) error {
	type syscallConnable interface {
		SyscallConn() (syscall.RawConn, error)
	}

	sc, ok := conn.(syscallConnable)
	if !ok {
		return deadlineWrite(conn, buf)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return deadlineWrite(conn, buf)
	}

	written := 0
	var opErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		n, errno := unix.Write(int(fd), buf[written:])
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			opErr = ErrWouldBlock
			return true
		}
		if errno != nil {
			opErr = errno
			return true
		}
		written += n
		return written >= len(buf)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return opErr
}

// deadlineWrite is the fallback used for connections without raw fd
// access: a 10ms write deadline makes a would-block condition surface as
// a timeout rather than hanging.
func deadlineWrite(conn net.Conn, buf []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := conn.Write(buf)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}
