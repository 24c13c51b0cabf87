package session

import (
	"errors"
	"os/exec"
	"testing"
)

func TestBuildExecWithCommand(t *testing.T) {
	path, argv := buildExec("/bin/bash", []string{"/usr/bin/nice"}, []string{"/bin/echo", "hi"}, true)
	if path != "/usr/bin/nice" {
		t.Fatalf("path = %q, want command_prefix[0]", path)
	}
	want := []string{"/usr/bin/nice", "/bin/echo", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", argv, want)
		}
	}
}

func TestBuildExecLoginShellResetsEnvironment(t *testing.T) {
	path, argv := buildExec("/bin/bash", nil, nil, false)
	if path != "/bin/bash" {
		t.Fatalf("path = %q, want /bin/bash", path)
	}
	if len(argv) != 1 || argv[0] != "-bash" {
		t.Fatalf("argv = %v, want [-bash]", argv)
	}
}

func TestBuildExecLoginShellPreservesEnvironment(t *testing.T) {
	path, argv := buildExec("/bin/zsh", nil, nil, true)
	if path != "/bin/zsh" {
		t.Fatalf("path = %q, want /bin/zsh", path)
	}
	if len(argv) != 1 || argv[0] != "/bin/zsh" {
		t.Fatalf("argv = %v, want [/bin/zsh] (no dash prefix when preserving)", argv)
	}
}

func TestBuildExecDefaultShell(t *testing.T) {
	path, argv := buildExec("", nil, nil, false)
	if path != "/bin/sh" {
		t.Fatalf("path = %q, want /bin/sh", path)
	}
	if argv[0] != "-sh" {
		t.Fatalf("argv[0] = %q, want -sh", argv[0])
	}
}

func TestEffectiveCwdPrefersInvokerCwdInsideChroot(t *testing.T) {
	exists := func(path string) bool { return path == "/srv/chroot/home/alice/project" }
	got := effectiveCwd(exists, "/srv/chroot", "/home/alice/project", "/home/alice")
	if got != "/home/alice/project" {
		t.Fatalf("got %q, want /home/alice/project", got)
	}
}

func TestEffectiveCwdFallsBackToHome(t *testing.T) {
	exists := func(path string) bool { return path == "/srv/chroot/home/alice" }
	got := effectiveCwd(exists, "/srv/chroot", "/home/alice/project", "/home/alice")
	if got != "/home/alice" {
		t.Fatalf("got %q, want /home/alice", got)
	}
}

func TestEffectiveCwdFallsBackToRoot(t *testing.T) {
	exists := func(path string) bool { return false }
	got := effectiveCwd(exists, "/srv/chroot", "/home/alice/project", "/home/alice")
	if got != "/" {
		t.Fatalf("got %q, want /", got)
	}
}

func TestResolveExecPathSearchesEachPathEntry(t *testing.T) {
	lookPath := func(dir, name string) (string, bool) {
		if dir == "/usr/bin" && name == "bash" {
			return "/usr/bin/bash", true
		}
		return "", false
	}
	got := resolveExecPath(lookPath, []string{"HOME=/root", "PATH=/bin:/usr/bin"}, "bash")
	if got != "/usr/bin/bash" {
		t.Fatalf("got %q, want /usr/bin/bash", got)
	}
}

func TestResolveExecPathLeavesPathsWithSlashUnchanged(t *testing.T) {
	lookPath := func(dir, name string) (string, bool) {
		t.Fatalf("lookPath should not be called for a path containing '/'")
		return "", false
	}
	got := resolveExecPath(lookPath, []string{"PATH=/bin"}, "./bash")
	if got != "./bash" {
		t.Fatalf("got %q, want ./bash unchanged", got)
	}
}

func TestResolveExecPathFallsBackWhenNotFoundAnywhere(t *testing.T) {
	lookPath := func(dir, name string) (string, bool) { return "", false }
	got := resolveExecPath(lookPath, []string{"PATH=/bin:/usr/bin"}, "missing")
	if got != "missing" {
		t.Fatalf("got %q, want unresolved command name unchanged", got)
	}
}

func TestResolveExecPathWithoutPathEnvLeavesUnchanged(t *testing.T) {
	lookPath := func(dir, name string) (string, bool) {
		t.Fatalf("lookPath should not be called without a PATH entry")
		return "", false
	}
	got := resolveExecPath(lookPath, []string{"HOME=/root"}, "bash")
	if got != "bash" {
		t.Fatalf("got %q, want bash unchanged", got)
	}
}

func TestChildExitStatusSuccess(t *testing.T) {
	status, err := childExitStatus(nil)
	if err != nil || status != 0 {
		t.Fatalf("status=%d err=%v, want 0/nil", status, err)
	}
}

func TestChildExitStatusNonZero(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	runErr := cmd.Run()
	if runErr == nil {
		t.Skip("expected exit 7 to produce an error")
	}
	status, err := childExitStatus(runErr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != 7 {
		t.Fatalf("status = %d, want 7", status)
	}
}

func TestChildExitStatusUnrecognizedError(t *testing.T) {
	_, err := childExitStatus(errors.New("boom"))
	if err == nil {
		t.Fatal("expected a wrapped error")
	}
}
