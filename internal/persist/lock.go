package persist

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"
)

const lockFileName = "messages.lock"

var ErrLockHeld = errors.New("persistence lock held by another process")

// fileLock is an advisory flock(2) on a sentinel file in the log
// directory. The flock itself protects against concurrent writers;
// the file's mtime supports staleness reclaim when a previous owner
// crashed without the OS releasing its lock state (e.g. a leaked
// lock file on a filesystem that lost the flock).
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// tryAcquire attempts a non-blocking exclusive lock. On success the
// lock file holds the owner pid and a fresh mtime.
func (fl *fileLock) tryAcquire() error {
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrLockHeld
		}
		return fmt.Errorf("flock: %w", err)
	}

	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	now := time.Now()
	_ = os.Chtimes(fl.path, now, now)

	fl.file = file
	return nil
}

// stale reports whether the lock file's mtime is older than the given
// timeout. A missing lock file is not stale.
func (fl *fileLock) stale(timeout time.Duration) bool {
	info, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > timeout
}

// reclaim removes a stale lock file so the next tryAcquire can take
// ownership. Only meaningful after stale() returned true.
func (fl *fileLock) reclaim() error {
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock file: %w", err)
	}
	return nil
}

func (fl *fileLock) release() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

func (fl *fileLock) held() bool {
	return fl != nil && fl.file != nil
}
