//go:build linux

package lock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chrootkit/chrootkit/chkerr"
)

func TestFileLockImmediateContention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	a := NewFileLock(path)
	if err := a.SetLock(Exclusive, 0); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	defer a.SetLock(None, 0)

	b := NewFileLock(path)
	err := b.SetLock(Exclusive, 0)
	if err == nil {
		t.Fatal("second exclusive lock should fail immediately")
	}
	if !isTimeout(err) {
		t.Fatalf("expected LOCK_TIMEOUT, got %v", err)
	}
}

func TestFileLockUnlockThenRelock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	a := NewFileLock(path)
	if err := a.SetLock(Exclusive, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.SetLock(None, 0); err != nil {
		t.Fatal(err)
	}

	b := NewFileLock(path)
	if err := b.SetLock(Exclusive, 0); err != nil {
		t.Fatalf("lock should be available after unlock: %v", err)
	}
	b.SetLock(None, 0)
}

func TestDeviceLockImmediateContention(t *testing.T) {
	dir := t.TempDir()
	a := NewDeviceLock(dir, "/dev/sda")
	if err := a.Lock(0); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	defer a.Unlock()

	b := NewDeviceLock(dir, "/dev/sda")
	done := make(chan error, 1)
	go func() { done <- b.Lock(300 * time.Millisecond) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("second device lock should time out while first holds it")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device lock did not return within the alarm window")
	}
}

func isTimeout(err error) bool {
	return chkerr.OfKind(err, chkerr.LockTimeout)
}
