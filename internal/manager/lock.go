package manager

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/smazurov/vimputti/internal/corerr"
)

// Lock is the exclusive single-instance lock held for the manager's
// lifetime. Acquired with flock(2) so a crashed manager releases it
// automatically when its fd closes.
type Lock struct {
	f    *os.File
	path string
}

// AcquireLock takes an exclusive, non-blocking flock on path. A second
// manager instance contending for the same control socket fails here
// before touching any other artifact.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindFatal, "open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, corerr.Wrap(corerr.KindFatal, "another instance holds "+path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the flock and removes the lock file.
func (l *Lock) Release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	_ = os.Remove(l.path)
}
