//go:build linux

package segment

import "golang.org/x/sys/unix"

// flockLock takes an exclusive, process-shared advisory lock on fd,
// retrying on EINTR (spec.md §5: "Interrupted OS calls MUST be retried
// internally").
func flockLock(fd int) error {
	for {
		err := unix.Flock(fd, unix.LOCK_EX)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// flockUnlock releases the lock taken by flockLock. Errors are not
// actionable here: the caller is already in a defer or an error path, and
// an unlock failure on a live fd is not recoverable by retrying once.
func flockUnlock(fd int) {
	_ = unix.Flock(fd, unix.LOCK_UN)
}
