package alloc

import "golang.org/x/sys/unix"

// lockMemory pins b's pages against swap via mlock(2). Best-effort
// callers that don't care about a failure here would still get
// correct (if swappable) results; growLocked returns the error as
// ResourceExhausted from any grow, since the caller asked for mlock
// explicitly.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// unlockMemory reverses lockMemory. Errors are ignored: it runs right
// before the backing array is discarded or replaced.
func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
