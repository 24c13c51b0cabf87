//go:build linux

package session

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/sysx"
)

// Enter performs steps 2-11 of spec 4.8 in the calling process, which must
// already be the forked child (step 1, auth.open_session, having already
// run in the parent before the fork -- see Engine.spawnChild). It does not
// return on success: step 11 replaces the process image via execve.
func Enter(spec EntrySpec) error {
	if err := sysx.Setgid(spec.TargetGID); err != nil {
		return chkerr.Wrap(chkerr.UserSwitch, "setgid", err)
	}
	if err := sysx.Initgroups(spec.TargetUser, spec.TargetGID); err != nil {
		return chkerr.Wrap(chkerr.UserSwitch, "initgroups", err)
	}

	cwd := effectiveCwd(dirExists, spec.ChrootPath, spec.InvokerCwd, spec.HomeDir)

	if err := sysx.Chdir(spec.ChrootPath); err != nil {
		return chkerr.Wrap(chkerr.ChrootSetup, spec.ChrootPath, err)
	}
	if err := sysx.Chroot(spec.ChrootPath); err != nil {
		return chkerr.Wrap(chkerr.ChrootSetup, spec.ChrootPath, err)
	}
	if err := sysx.Chdir(cwd); err != nil {
		return chkerr.Wrap(chkerr.ChrootSetup, cwd, err)
	}

	if spec.UnshareFlags != 0 {
		if err := sysx.Unshare(spec.UnshareFlags); err != nil {
			return chkerr.Wrap(chkerr.ChrootSetup, "unshare", err)
		}
	}
	if err := sysx.SetPersonality(spec.Personality); err != nil {
		return chkerr.Wrap(chkerr.ChrootSetup, "personality", err)
	}

	if err := sysx.Setuid(spec.TargetUID); err != nil {
		return chkerr.Wrap(chkerr.UserSwitch, "setuid", err)
	}
	if spec.TargetUID != 0 {
		// Defence in depth: a successful re-escalation here means the
		// privilege drop above did not actually stick.
		if err := sysx.Setuid(0); err == nil {
			return chkerr.New(chkerr.UserSwitch, "setuid(0) unexpectedly succeeded after dropping privilege")
		}
	}

	if len(spec.Argv) == 0 || spec.Path == "" {
		return chkerr.New(chkerr.ChrootSetup, "empty argv")
	}
	// syscall.Exec is a thin execve(2) wrapper and, unlike exec.Command,
	// never searches PATH; resolve a bare command name ourselves against
	// the view we now have of the chroot, the way execvp(3) would.
	path := resolveExecPath(lookExecutable, spec.Envp, spec.Path)
	err := syscall.Exec(path, spec.Argv, spec.Envp)
	return chkerr.Wrap(chkerr.Fork, path, err)
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// lookExecutable reports whether dir/name names a regular, executable file.
func lookExecutable(dir, name string) (string, bool) {
	full := filepath.Join(dir, name)
	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() || fi.Mode()&0111 == 0 {
		return "", false
	}
	return full, true
}
