// Package session implements the six top-level chroot-session operations of
// spec 4.7 (automatic, begin, recover, run, end, location), their ordering
// and partial-failure guarantees, the external setup/exec script invocation
// contract, and the privileged child-exec path of spec 4.8. It is grounded
// on the teacher's processManager.routine/requestKill fork+wait+signal
// pattern in manager/process.go, generalized from "restart a supervised
// process" to "run one phase, then guarantee teardown".
package session

import (
	"encoding/gob"
	"errors"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/chrootkit/chrootkit/auth"
	"github.com/chrootkit/chrootkit/catalog"
	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
	"github.com/chrootkit/chrootkit/internal/daemoncfg"
	"github.com/chrootkit/chrootkit/internal/log"
)

// reexecArg marks the hidden invocation cmd/chrootkit's main() dispatches
// to ReexecChild instead of running the ordinary CLI: the forked child
// re-execs the current binary with this as argv[1] rather than forking a
// raw clone, since the Go runtime does not support continuing ordinary Go
// code in a forked child of a multi-threaded process.
const reexecArg = "__chrootkit_enter__"

// IsReexecChild reports whether args (os.Args) requests the privileged
// entry path rather than the ordinary CLI.
func IsReexecChild(args []string) bool {
	return len(args) > 1 && args[1] == reexecArg
}

// ReexecChild decodes an EntrySpec sent over fd 3 by Engine.execChild and
// runs Enter. It only returns on error; on success Enter replaces this
// process image.
func ReexecChild() error {
	f := os.NewFile(3, "entryspec")
	if f == nil {
		return chkerr.New(chkerr.Fork, "missing entry spec fd")
	}
	defer f.Close()
	var spec EntrySpec
	if err := gob.NewDecoder(f).Decode(&spec); err != nil {
		return chkerr.Wrap(chkerr.Fork, "decode entry spec", err)
	}
	return Enter(spec)
}

// ChrootResult is one chroot's outcome within a multi-chroot invocation.
type ChrootResult struct {
	Name       string
	SessionID  string
	ExitStatus int
	Err        error
}

// Result aggregates the outcome of an operation across every chroot it
// touched.
type Result struct {
	Chroots    []ChrootResult
	ExitStatus int
	// Err is the first error the operation encountered that it could not
	// route around (e.g. a setup-start or exec-start failure); per-chroot
	// CHROOT_NOTFOUND and SESSION_EXIST results are recorded in Chroots
	// instead and do not stop the other chroots in the same invocation. An
	// authentication failure stops the whole operation and is returned as
	// its error without being recorded here.
	Err error
}

// Engine drives the session lifecycle described by spec 4.7/4.8.
type Engine struct {
	Templates *catalog.Catalog // template chroots, loaded active=false
	Sessions  *catalog.Catalog // active session records, loaded active=true

	Cfg    daemoncfg.Config
	Runner *ScriptRunner
	Gate   *auth.Gate
	Conv   auth.Conversation
	// Verify checks a candidate password for ruser; nil accepts anything
	// (no PAM module is wired -- see DESIGN.md).
	Verify func(ruser, password string) error

	Lg *log.Logger

	// SelfExe is the binary re-exec'd for the privileged child (ordinarily
	// the running executable's own path).
	SelfExe string
	// HostEnviron overrides os.Environ() for BuildEnvp, for tests.
	HostEnviron []string

	authUser string // set per top-level call, read by runScripts
}

// warnChroot logs a non-fatal, non-propagated per-chroot failure (the
// caller already has or will report the primary error): c's session id and
// name are threaded through as the KVLogger's fixed fields rather than
// interpolated into the message, so every secondary-failure line in a given
// session's log can be correlated without parsing free text.
func (e *Engine) warnChroot(c *chroot.Chroot, msg string, err error) {
	if e.Lg == nil {
		return
	}
	log.NewSessionLogger(e.Lg, c.SessionID, c.Name).Warn(msg, log.KVErr(err))
}

func (e *Engine) lockContext() *chroot.LockContext {
	return &chroot.LockContext{
		SessionDir:    e.Cfg.SessionDir(),
		DeviceLockDir: filepath.Join(e.Cfg.Statedir, "lock"),
	}
}

// resolveTemplates resolves names against the template catalog, returning
// the resolved chroots (list order preserved) and the subset that did not
// resolve (spec 4.7.3 step 1: record CHROOT_NOTFOUND, continue).
func (e *Engine) resolveTemplates(names []string) (found []*chroot.Chroot, unknown []string) {
	for _, n := range names {
		c, ok := e.Templates.FindAlias(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		found = append(found, c)
	}
	return
}

func (e *Engine) resolveSessions(ids []string) (found []*chroot.Chroot, unknown []string) {
	for _, id := range ids {
		c, ok := e.Sessions.FindAlias(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		found = append(found, c)
	}
	return
}

// runAuthFlow drives the start->authenticate->setup_env->account->
// cred_establish sequence of spec 4.6 once per invocation, across every
// chroot the operation touches.
func (e *Engine) runAuthFlow(ruid int, ruser string, uid int, user_ string, chroots []*chroot.Chroot) (*auth.Session, error) {
	sess, err := auth.NewSession(e.Gate, e.Conv, ruid, ruser, uid, user_, chroots)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(); err != nil {
		return nil, err
	}
	if err := sess.Authenticate(func(pw string) error {
		if e.Verify == nil {
			return nil
		}
		return e.Verify(ruser, pw)
	}); err != nil {
		return nil, err
	}
	if err := sess.SetupEnv(nil); err != nil {
		return nil, err
	}
	if err := sess.Account(); err != nil {
		return nil, err
	}
	if err := sess.CredEstablish(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Automatic implements the "automatic" operation: setup-start -> exec-start
// -> exec-stop -> setup-stop for each resolved chroot, ephemeral and
// one-shot (spec 4.7.1/4.7.3).
func (e *Engine) Automatic(ruid int, ruser string, uid int, targetUser string, root bool, names []string, command []string) (*Result, error) {
	res := &Result{}
	templates, unknown := e.resolveTemplates(names)
	for _, n := range unknown {
		res.Chroots = append(res.Chroots, ChrootResult{Name: n, Err: chkerr.New(chkerr.ChrootNotFound, n)})
	}
	if len(templates) == 0 {
		return res, nil
	}

	authSess, err := e.runAuthFlow(ruid, ruser, uid, targetUser, templates)
	if err != nil {
		return res, err
	}
	defer authSess.Stop()
	e.authUser = ruser

	sessions := make([]*chroot.Chroot, 0, len(templates))
	for _, t := range templates {
		if _, exists := e.Sessions.FindAlias(t.Name); exists {
			res.Chroots = append(res.Chroots, ChrootResult{Name: t.Name, Err: chkerr.New(chkerr.SessionExist, t.Name)})
			continue
		}
		s, err := t.CloneSession(t.Name, targetUser, root, e.Cfg.MountRoot())
		if err != nil {
			res.Chroots = append(res.Chroots, ChrootResult{Name: t.Name, Err: err})
			continue
		}
		sessions = append(sessions, s)
	}

	started, firstErr, firstErrName := e.setupStartAll(sessions)
	if firstErr != nil {
		e.teardownReverse(started)
		res.Chroots = append(res.Chroots, ChrootResult{Name: firstErrName, Err: firstErr})
		res.Err = firstErr
		return res, firstErr
	}

	lastStatus := 0
	for _, s := range started {
		status, err := e.execOne(s, ruid, ruser, uid, targetUser, command)
		res.Chroots = append(res.Chroots, ChrootResult{Name: s.Name, SessionID: s.SessionID, ExitStatus: status, Err: err})
		if err != nil && res.Err == nil {
			res.Err = err
		}
		if status != 0 {
			lastStatus = status
		}
	}
	res.ExitStatus = lastStatus

	for i := len(started) - 1; i >= 0; i-- {
		if err := e.setupStop(started[i]); err != nil {
			e.warnChroot(started[i], "setup-stop failed", err)
			if res.Err == nil {
				res.Err = err
			}
		}
	}
	return res, res.Err
}

// Begin implements the "begin" operation: setup-start only, the session
// persisting past this invocation. Returns the minted session ids.
func (e *Engine) Begin(ruid int, ruser string, uid int, targetUser string, root bool, names []string) ([]string, error) {
	templates, unknown := e.resolveTemplates(names)
	if len(unknown) > 0 {
		return nil, chkerr.New(chkerr.ChrootNotFound, unknown[0])
	}
	authSess, err := e.runAuthFlow(ruid, ruser, uid, targetUser, templates)
	if err != nil {
		return nil, err
	}
	defer authSess.Stop()
	e.authUser = ruser

	sessions := make([]*chroot.Chroot, 0, len(templates))
	for _, t := range templates {
		if _, exists := e.Sessions.FindAlias(t.Name); exists {
			return nil, chkerr.New(chkerr.SessionExist, t.Name)
		}
		s, err := t.CloneSession(t.Name, targetUser, root, e.Cfg.MountRoot())
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	started, firstErr, _ := e.setupStartAll(sessions)
	if firstErr != nil {
		e.teardownReverse(started)
		return nil, firstErr
	}
	ids := make([]string, len(started))
	for i, s := range started {
		ids[i] = s.SessionID
	}
	return ids, nil
}

// Recover implements the "recover" operation: setup-recover against
// already-active session records, re-entering partial state rather than
// rebuilding it.
func (e *Engine) Recover(ruid int, ruser string, uid int, targetUser string, ids []string) error {
	sessions, unknown := e.resolveSessions(ids)
	if len(unknown) > 0 {
		return chkerr.New(chkerr.SessionUnknown, unknown[0])
	}
	authSess, err := e.runAuthFlow(ruid, ruser, uid, targetUser, sessions)
	if err != nil {
		return err
	}
	defer authSess.Stop()
	e.authUser = ruser

	lc := e.lockContext()
	for _, s := range sessions {
		if err := s.Lock(chroot.SetupRecover, lc); err != nil {
			return err
		}
		status, scriptErr := e.runScripts(s, chroot.SetupRecover, false)
		if uerr := s.Unlock(chroot.SetupRecover, status, lc); uerr != nil && scriptErr == nil {
			scriptErr = uerr
		}
		if scriptErr == nil && status != 0 {
			scriptErr = chkerr.New(chkerr.ChrootSetup, "setup-recover")
		}
		if scriptErr != nil {
			return scriptErr
		}
	}
	return nil
}

// Run implements the "run" operation: exec-start -> exec-stop against
// already-active sessions, without touching setup-start/setup-stop.
func (e *Engine) Run(ruid int, ruser string, uid int, targetUser string, ids []string, command []string) (*Result, error) {
	res := &Result{}
	sessions, unknown := e.resolveSessions(ids)
	for _, n := range unknown {
		res.Chroots = append(res.Chroots, ChrootResult{Name: n, Err: chkerr.New(chkerr.SessionUnknown, n)})
	}
	if len(sessions) == 0 {
		return res, nil
	}

	authSess, err := e.runAuthFlow(ruid, ruser, uid, targetUser, sessions)
	if err != nil {
		return res, err
	}
	defer authSess.Stop()
	e.authUser = ruser

	lastStatus := 0
	for _, s := range sessions {
		status, err := e.execOne(s, ruid, ruser, uid, targetUser, command)
		res.Chroots = append(res.Chroots, ChrootResult{Name: s.Name, SessionID: s.SessionID, ExitStatus: status, Err: err})
		if status != 0 {
			lastStatus = status
		}
	}
	res.ExitStatus = lastStatus
	return res, nil
}

// End implements the "end" operation: setup-stop plus unlinking the session
// record, for already-active sessions.
func (e *Engine) End(ruid int, ruser string, uid int, targetUser string, ids []string) error {
	sessions, unknown := e.resolveSessions(ids)
	if len(unknown) > 0 {
		return chkerr.New(chkerr.SessionUnknown, unknown[0])
	}
	authSess, err := e.runAuthFlow(ruid, ruser, uid, targetUser, sessions)
	if err != nil {
		return err
	}
	defer authSess.Stop()
	e.authUser = ruser

	var firstErr error
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := e.setupStop(sessions[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Location implements the print-only "location" operation: resolve each
// name (first against active sessions, then templates) and return its
// get_path(). No authentication gate applies -- this only reads definitions
// already readable from the catalog files themselves.
func (e *Engine) Location(names []string) (map[string]string, []error) {
	out := make(map[string]string, len(names))
	var errs []error
	for _, n := range names {
		if c, ok := e.Sessions.FindAlias(n); ok {
			out[n] = c.GetPath()
			continue
		}
		if c, ok := e.Templates.FindAlias(n); ok {
			out[n] = c.GetPath()
			continue
		}
		errs = append(errs, chkerr.New(chkerr.ChrootNotFound, n))
	}
	return out, errs
}

// setupStartAll runs setup-start for each session in list order, per spec
// 4.7.2. It stops at the first failure and returns the chroots that
// reached setup-start successfully, the first error, and the name of the
// chroot that failed.
func (e *Engine) setupStartAll(sessions []*chroot.Chroot) (started []*chroot.Chroot, firstErr error, failedName string) {
	started = make([]*chroot.Chroot, 0, len(sessions))
	for _, s := range sessions {
		if err := e.setupStart(s); err != nil {
			return started, err, s.Name
		}
		started = append(started, s)
	}
	return started, nil, ""
}

// teardownReverse runs setup-stop for every chroot in started, in reverse
// list order, logging (but not propagating) any secondary failure -- the
// caller already has the first error to report, per spec 4.7.4.
func (e *Engine) teardownReverse(started []*chroot.Chroot) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := e.setupStop(started[i]); err != nil {
			e.warnChroot(started[i], "teardown after setup-start failure", err)
		}
	}
}

// setupStart acquires the setup-start lock (which, per backend, also
// writes the session record -- see chroot.backendImpl.SetupLock) and runs
// the setup-start scripts.
func (e *Engine) setupStart(s *chroot.Chroot) error {
	lc := e.lockContext()
	if err := s.Lock(chroot.SetupStart, lc); err != nil {
		return err
	}
	status, scriptErr := e.runScripts(s, chroot.SetupStart, false)
	if uerr := s.Unlock(chroot.SetupStart, status, lc); uerr != nil {
		if scriptErr == nil {
			scriptErr = uerr
		}
	}
	if scriptErr == nil && status != 0 {
		scriptErr = chkerr.New(chkerr.ChrootSetup, "setup-start")
	}
	return scriptErr
}

// setupStop runs the setup-stop scripts and releases the setup-stop lock,
// which (per backend) also removes the session record.
func (e *Engine) setupStop(s *chroot.Chroot) error {
	lc := e.lockContext()
	if err := s.Lock(chroot.SetupStop, lc); err != nil {
		return err
	}
	status, scriptErr := e.runScripts(s, chroot.SetupStop, true)
	if uerr := s.Unlock(chroot.SetupStop, status, lc); uerr != nil && scriptErr == nil {
		scriptErr = uerr
	}
	if scriptErr == nil && status != 0 {
		scriptErr = chkerr.New(chkerr.ChrootSetup, "setup-stop")
	}
	return scriptErr
}

// execOne runs exec-start -> (fork/exec the session body) -> exec-stop for
// a single already-set-up session (spec 4.7.3 step 7).
func (e *Engine) execOne(s *chroot.Chroot, ruid int, ruser string, uid int, targetUser string, command []string) (int, error) {
	lc := e.lockContext()
	if err := s.Lock(chroot.ExecStart, lc); err != nil {
		return -1, err
	}
	startStatus, startErr := e.runScripts(s, chroot.ExecStart, false)
	if startErr == nil && startStatus != 0 {
		startErr = chkerr.New(chkerr.ChrootSetup, "exec-start")
	}

	var childStatus int
	var childErr error
	if startErr == nil {
		childStatus, childErr = e.spawnChild(s, ruid, ruser, uid, targetUser, command)
	} else {
		childStatus = -1
	}

	stopStatus, stopErr := e.runScripts(s, chroot.ExecStop, true)
	if stopErr == nil && stopStatus != 0 && childErr == nil {
		childErr = chkerr.New(chkerr.ChrootSetup, "exec-stop")
	}

	if uerr := s.Unlock(chroot.ExecStop, childStatus, lc); uerr != nil && childErr == nil && startErr == nil {
		childErr = uerr
	}

	if startErr != nil {
		return -1, startErr
	}
	return childStatus, childErr
}

// spawnChild builds the privilege-boundary entry spec (spec 4.8 steps 2-10)
// and hands it to the forked child via execChild (step 1 having already
// completed above it, in runAuthFlow's CredEstablish).
func (e *Engine) spawnChild(s *chroot.Chroot, ruid int, ruser string, uid int, targetUser string, command []string) (int, error) {
	u, err := user.Lookup(targetUser)
	if err != nil {
		return -1, chkerr.Wrap(chkerr.UserSwitch, targetUser, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return -1, chkerr.Wrap(chkerr.UserSwitch, targetUser, err)
	}

	invokerCwd, _ := os.Getwd()
	path, argv := buildExec(s.DefaultShell, s.CommandPrefix, command, s.PreserveEnvironment)

	env, err := s.BuildEnvp(e.hostEnviron(), e.Cfg.Sysconfdir)
	if err != nil {
		return -1, err
	}

	spec := EntrySpec{
		ChrootPath:   s.GetPath(),
		InvokerCwd:   invokerCwd,
		HomeDir:      u.HomeDir,
		TargetUID:    uid,
		TargetGID:    gid,
		TargetUser:   targetUser,
		UnshareFlags: s.UnshareFlags(),
		Personality:  s.Personality(),
		Path:         path,
		Argv:         argv,
		Envp:         env.ToArgv(),
	}
	return e.execChild(spec)
}

func (e *Engine) hostEnviron() []string {
	if e.HostEnviron != nil {
		return e.HostEnviron
	}
	return os.Environ()
}

// execChild reexecs SelfExe with the hidden reexecArg subcommand, handing
// it spec over a pipe (fd 3 in the child) rather than argv/env, and waits
// for it to exit. This is this module's stand-in for a raw fork(): the Go
// runtime only supports fork-then-immediately-exec for a multi-threaded
// process, so the "forked child" of spec 4.8 is this reexec'd process
// instead of a literal fork(2) child.
func (e *Engine) execChild(spec EntrySpec) (int, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return -1, chkerr.Wrap(chkerr.Fork, "pipe", err)
	}

	selfExe := e.SelfExe
	if selfExe == "" {
		selfExe = os.Args[0]
	}
	cmd := exec.Command(selfExe, reexecArg)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{r}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return -1, chkerr.Wrap(chkerr.Fork, selfExe, err)
	}
	r.Close()

	encErr := gob.NewEncoder(w).Encode(spec)
	w.Close()
	if encErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return -1, chkerr.Wrap(chkerr.Fork, "encode entry spec", encErr)
	}

	return childExitStatus(cmd.Wait())
}

func childExitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				if status.CoreDump() {
					return -1, chkerr.New(chkerr.ChildCore, status.Signal().String())
				}
				return -1, chkerr.New(chkerr.ChildSignal, status.Signal().String())
			}
			return status.ExitStatus(), nil
		}
	}
	return -1, chkerr.Wrap(chkerr.ChildWait, "", err)
}

func (e *Engine) runScripts(s *chroot.Chroot, phase chroot.Phase, reverse bool) (int, error) {
	if e.Runner == nil || !s.RunSetupScripts {
		return 0, nil
	}
	dir := e.Cfg.SetupScriptDir()
	if phase == chroot.ExecStart || phase == chroot.ExecStop {
		dir = e.Cfg.ExecScriptDir()
	}
	opts := RunOpts{
		Dir:        dir,
		Reverse:    reverse,
		Verbose:    s.MessageVerbosity == chroot.Verbose,
		AuthUser:   e.authUser,
		Verbosity:  string(s.MessageVerbosity),
		MountDir:   s.MountLocation,
		ConfigDir:  e.Cfg.Sysconfdir,
		LibexecDir: e.Cfg.Libexecdir,
		SessionID:  s.SessionID,
	}
	return e.Runner.Run(s, opts)
}
