package session

import (
	"path/filepath"
	"strings"
)

// EntrySpec carries everything the privilege-dropping entry path of spec
// 4.8 needs once the process is already forked: it is built by the engine
// in the parent (still privileged) process and handed to Enter, which runs
// in the forked child.
type EntrySpec struct {
	ChrootPath  string
	InvokerCwd  string
	HomeDir     string
	TargetUID   int
	TargetGID   int
	TargetUser  string

	UnshareFlags int
	Personality  string

	// Path is the file execve() loads; Argv is the argv handed to it
	// (Argv[0] may differ from Path's basename for a login shell).
	Path string
	Argv []string
	Envp []string
}

// buildExec computes the (path, argv) pair of spec 4.8 step 9: command is
// command_prefix+command when a command was given, otherwise a login-shell
// invocation whose argv[0] is "-<shell-basename>" when the environment is
// being reset (not preserved) and the plain shell path otherwise.
func buildExec(shell string, commandPrefix, command []string, preserveEnvironment bool) (path string, argv []string) {
	if len(command) > 0 {
		full := make([]string, 0, len(commandPrefix)+len(command))
		full = append(full, commandPrefix...)
		full = append(full, command...)
		return full[0], full
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	argv0 := shell
	if !preserveEnvironment {
		argv0 = "-" + filepath.Base(shell)
	}
	return shell, []string{argv0}
}

// resolveExecPath implements step 11's execve resolution the way execvp(3)
// (and the original's g_find_program_in_path) does: a bare command name
// (no "/") is searched for across the PATH entry of envp using lookPath,
// which is expected to test the already-chrooted filesystem view; a path
// containing "/" is absolute or explicitly relative and is used unchanged.
// lookPath is injected so this stays a pure function under test.
func resolveExecPath(lookPath func(dir, name string) (string, bool), envp []string, path string) string {
	if strings.Contains(path, "/") {
		return path
	}
	for _, e := range envp {
		rest, ok := strings.CutPrefix(e, "PATH=")
		if !ok {
			continue
		}
		for _, dir := range strings.Split(rest, ":") {
			if dir == "" {
				dir = "."
			}
			if resolved, ok := lookPath(dir, path); ok {
				return resolved
			}
		}
		break
	}
	return path
}

// effectiveCwd implements spec 4.8 step 4: the invoker's cwd if a directory
// of that same path exists inside the chroot, else $HOME similarly tested,
// else "/". exists is injected so this stays a pure function under test.
func effectiveCwd(exists func(path string) bool, chrootPath, invokerCwd, home string) string {
	if invokerCwd != "" && exists(filepath.Join(chrootPath, invokerCwd)) {
		return invokerCwd
	}
	if home != "" && exists(filepath.Join(chrootPath, home)) {
		return home
	}
	return "/"
}
