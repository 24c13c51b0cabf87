//go:build linux

// Package sysx wraps the handful of raw Linux syscalls the chroot entry
// path and lock adapters need, kept deliberately thin per this module's
// "wrapped behind thin adapters" framing -- no policy lives here, only the
// syscall invocation and error translation.
package sysx

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Chroot changes the process's filesystem root.
func Chroot(path string) error {
	return unix.Chroot(path)
}

// Chdir changes the process's working directory.
func Chdir(path string) error {
	return unix.Chdir(path)
}

// Setgid sets the real and effective group id.
func Setgid(gid int) error {
	return unix.Setgid(gid)
}

// Setuid sets the real and effective user id.
func Setuid(uid int) error {
	return unix.Setuid(uid)
}

// Initgroups initializes the supplementary group list for username to the
// groups username belongs to, plus gid.
func Initgroups(username string, gid int) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return err
	}
	groups := make([]int, 0, len(gids)+1)
	seen := map[int]bool{gid: true}
	groups = append(groups, gid)
	for _, g := range gids {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		if !seen[n] {
			seen[n] = true
			groups = append(groups, n)
		}
	}
	return unix.Setgroups(groups)
}

// Unshare flags, one bit per namespace this module supports independently
// unsharing: network, SysV IPC, SysV semaphores, UTS.
const (
	UnshareNet = 1 << iota
	UnshareSysVIPC
	UnshareSysVSem
	UnshareUTS
)

// Unshare unshares the namespaces selected by flags (an OR of the Unshare*
// bits above).
func Unshare(flags int) error {
	var sysFlags int
	if flags&UnshareNet != 0 {
		sysFlags |= unix.CLONE_NEWNET
	}
	if flags&UnshareUTS != 0 {
		sysFlags |= unix.CLONE_NEWUTS
	}
	// SysV IPC and semaphores share Linux's single IPC namespace; unsharing
	// either independently unshares CLONE_NEWIPC.
	if flags&(UnshareSysVIPC|UnshareSysVSem) != 0 {
		sysFlags |= unix.CLONE_NEWIPC
	}
	if sysFlags == 0 {
		return nil
	}
	return unix.Unshare(sysFlags)
}

// personality domain name -> PER_* value, the subset this module exposes.
var personalityDomains = map[string]uint{
	"linux":   0x0000,
	"linux32": 0x0008,
}

// SetPersonality applies the named process execution domain. An unset/empty
// name is a no-op ("undefined" means do not change).
func SetPersonality(name string) error {
	if name == "" {
		return nil
	}
	domain, ok := personalityDomains[name]
	if !ok {
		return fmt.Errorf("sysx: unknown personality domain %q", name)
	}
	_, _, errno := unix.Syscall(unix.SYS_PERSONALITY, uintptr(domain), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Flock performs the raw flock(2) syscall on fd with operation (one of
// unix.LOCK_SH/LOCK_EX/LOCK_UN, optionally OR'd with unix.LOCK_NB).
func Flock(fd int, operation int) error {
	return unix.Flock(fd, operation)
}

// LockDevice acquires an advisory lock keyed by a device's basename via a
// dotlock-style file under dir (the "external device-locking facility" of
// spec 4.3, modeled here as flock(2) on a well-known per-device file since
// no external daemon is in scope). nonBlocking requests LOCK_NB.
func LockDevice(dir, basename string, nonBlocking bool) (fd int, err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		return -1, err
	}
	path := dir + "/" + basename + ".lock"
	fd, err = unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return -1, err
	}
	op := unix.LOCK_EX
	if nonBlocking {
		op |= unix.LOCK_NB
	}
	if err = unix.Flock(fd, op); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// UnlockDevice releases and closes a lock obtained from LockDevice.
func UnlockDevice(fd int) error {
	if fd < 0 {
		return nil
	}
	unix.Flock(fd, unix.LOCK_UN)
	return unix.Close(fd)
}

// Alarm arms or disarms (seconds==0) the process's real-time alarm timer,
// returning the number of seconds remaining on any previously-armed timer.
func Alarm(seconds uint) uint {
	return uint(unix.Alarm(seconds))
}
