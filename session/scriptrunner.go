package session

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
)

// scriptKillTimeout bounds how long a setup/exec script runner may run in
// total; a runner still running after it is killed with SIGKILL.
var scriptKillTimeout = 10 * time.Second

// ScriptRunner invokes the external script-runner binary over a phase
// directory, the way spec 4.7.5 describes: lsbsysinit-style argument
// conventions, the chroot's full setup_env, and a handful of global
// variables the chroot itself does not know about.
type ScriptRunner struct {
	// Path to the external runner binary (e.g. run-parts-alike).
	Path string
}

// NewScriptRunner returns a runner invoking the binary at path.
func NewScriptRunner(path string) *ScriptRunner {
	return &ScriptRunner{Path: path}
}

// RunOpts carries everything script invocation needs beyond the chroot
// itself: the phase directory to scan, whether this is a stop (reversed)
// phase, and the global variables of spec 6.4.
type RunOpts struct {
	Dir        string
	Reverse    bool
	Verbose    bool
	AuthUser   string
	Verbosity  string
	MountDir   string
	ConfigDir  string
	LibexecDir string
	SessionID  string
}

// Run executes the script runner over opts.Dir for c's current phase
// environment, returning the runner's exit status. A non-zero status maps
// to CHROOT_SETUP per spec 4.7.5; the phase name is not known here and is
// attached by the caller.
func (r *ScriptRunner) Run(c *chroot.Chroot, opts RunOpts) (int, error) {
	args := []string{"--lsbsysinit", "--exit-on-error"}
	if opts.Reverse {
		args = append(args, "--reverse")
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	args = append(args, opts.Dir)

	env := buildScriptEnv(c, opts)

	cmd := exec.Command(r.Path, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: 0, Gid: 0, Groups: []uint32{0}},
	}

	if err := cmd.Start(); err != nil {
		return -1, chkerr.Wrap(chkerr.Fork, r.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(err)
	case <-time.After(scriptKillTimeout):
		cmd.Process.Kill()
		<-done
		return -1, chkerr.New(chkerr.ChildWait, r.Path+": timed out")
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), nil
		}
	}
	return -1, err
}

func buildScriptEnv(c *chroot.Chroot, opts RunOpts) []string {
	env := chroot.NewScriptEnv(c, opts.ConfigDir)
	env.Add("AUTH_USER", opts.AuthUser)
	env.Add("AUTH_VERBOSITY", opts.Verbosity)
	env.Add("MOUNT_DIR", opts.MountDir)
	env.Add("LIBEXEC_DIR", opts.LibexecDir)
	env.Add("SESSION_ID", opts.SessionID)
	env.Add("PID", strconv.Itoa(os.Getpid()))
	return env.ToArgv()
}
