// Package lock implements the byte-range file lock and whole-device lock
// adapters, both driven by the same SIGALRM-based timeout discipline.
//
// gofrs/flock covers the simple non-blocking (timeout==0) acquisition case,
// but it has no alarm-interruptible timed-blocking primitive, so the
// timeout>0 path drops to a raw golang.org/x/sys/unix.Flock guarded by
// withAlarm -- the one deliberate place this module bypasses a high-level
// library for a spec-mandated low-level signal discipline.
package lock

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/sysx"
)

// Mode selects the kind of byte-range lock to hold.
type Mode int

const (
	None Mode = iota
	Shared
	Exclusive
)

// withAlarm is the only place in this codebase that touches syscall.Signal:
// it installs a SIGALRM channel, arms unix.Alarm for timeout, runs fn with
// the armed channel (nil if timeout<=0, meaning "don't block at all"), and
// unconditionally restores both the previous itimer and signal disposition
// before returning.
func withAlarm(timeout time.Duration, fn func(armed <-chan os.Signal) error) error {
	if timeout <= 0 {
		return fn(nil)
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGALRM)
	defer signal.Stop(ch)

	seconds := uint(timeout.Round(time.Second) / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	prev := sysx.Alarm(seconds)
	defer sysx.Alarm(prev)

	return fn(ch)
}

// FileLock is an advisory byte-range lock covering an entire file (offset 0,
// length 0).
type FileLock struct {
	path string
	fl   *flock.Flock
	fd   int // valid (>=0) only while holding the raw-syscall timed lock
}

// NewFileLock returns a lock bound to path. The file is created on first
// acquisition if it does not already exist.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path), fd: -1}
}

// SetLock acquires or releases the lock. mode==None releases; otherwise
// timeout==0 requests immediate non-blocking acquisition (LOCK_TIMEOUT on
// contention), and timeout>0 blocks up to timeout before failing the same
// way.
func (l *FileLock) SetLock(mode Mode, timeout time.Duration) error {
	switch mode {
	case None:
		return l.unlock()
	case Shared:
		return l.lock(false, timeout)
	case Exclusive:
		return l.lock(true, timeout)
	default:
		return chkerr.New(chkerr.LockSetup, "unknown lock mode")
	}
}

func (l *FileLock) lock(exclusive bool, timeout time.Duration) error {
	if timeout <= 0 {
		var ok bool
		var err error
		if exclusive {
			ok, err = l.fl.TryLock()
		} else {
			ok, err = l.fl.TryRLock()
		}
		if err != nil {
			return chkerr.Wrap(chkerr.FileLock, l.path, err)
		}
		if !ok {
			return chkerr.New(chkerr.LockTimeout, l.path)
		}
		return nil
	}

	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return chkerr.Wrap(chkerr.FileLock, l.path, err)
	}
	op := unix.LOCK_EX
	if !exclusive {
		op = unix.LOCK_SH
	}
	closed := false
	err = withAlarm(timeout, func(armed <-chan os.Signal) error {
		if armed == nil {
			return sysx.Flock(fd, op)
		}
		done := make(chan error, 1)
		go func() { done <- sysx.Flock(fd, op) }()
		select {
		case err := <-done:
			return err
		case <-armed:
			// Force the flock(2) call blocked in the goroutine above to
			// return (EBADF) instead of abandoning it; wait for it so the
			// fd is fully released before we report the timeout, rather
			// than leaking a goroutine parked in the kernel forever.
			unix.Close(fd)
			closed = true
			<-done
			return chkerr.New(chkerr.LockTimeout, l.path)
		}
	})
	if err != nil {
		if !closed {
			unix.Close(fd)
		}
		return err
	}
	l.fd = fd
	return nil
}

func (l *FileLock) unlock() error {
	if l.fd >= 0 {
		sysx.Flock(l.fd, unix.LOCK_UN)
		err := unix.Close(l.fd)
		l.fd = -1
		if err != nil {
			return chkerr.Wrap(chkerr.FileUnlock, l.path, err)
		}
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return chkerr.Wrap(chkerr.FileUnlock, l.path, err)
	}
	return nil
}

// DeviceLock is a whole-device mutex keyed by the device node's basename,
// modeling the "external device-locking facility" of spec 4.3 as a dotlock
// file under a well-known directory, polled with the same alarm discipline
// as FileLock.
type DeviceLock struct {
	dir      string
	basename string
	fd       int
}

// NewDeviceLock returns a lock for device (a device node path; only its
// basename is significant) keyed under dir.
func NewDeviceLock(dir, device string) *DeviceLock {
	return &DeviceLock{dir: dir, basename: filepath.Base(device), fd: -1}
}

// pollInterval is how often DeviceLock.Lock retries acquisition while
// waiting for a competing holder to release, or for the alarm to fire.
const pollInterval = 100 * time.Millisecond

// Lock polls for the device lock until it is acquired, the timer fires, or
// (when timeout<=0) a single attempt fails.
func (d *DeviceLock) Lock(timeout time.Duration) error {
	return withAlarm(timeout, func(armed <-chan os.Signal) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			fd, err := sysx.LockDevice(d.dir, d.basename, true)
			if err == nil {
				d.fd = fd
				return nil
			}
			if armed == nil {
				return chkerr.Wrap(chkerr.LockTimeout, d.basename, err)
			}
			select {
			case <-armed:
				return chkerr.New(chkerr.LockTimeout, d.basename)
			case <-ticker.C:
			}
		}
	})
}

// Unlock releases a device lock acquired by Lock.
func (d *DeviceLock) Unlock() error {
	if d.fd < 0 {
		return nil
	}
	err := sysx.UnlockDevice(d.fd)
	d.fd = -1
	if err != nil {
		return chkerr.Wrap(chkerr.DeviceUnlock, d.basename, err)
	}
	return nil
}
