package daemoncfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chrootkit.conf")
	body := "[main]\nsysconfdir=/opt/chrootkit/etc\nstatedir=/opt/chrootkit/state\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Sysconfdir != "/opt/chrootkit/etc" {
		t.Fatalf("got %q", c.Sysconfdir)
	}
	if c.Statedir != "/opt/chrootkit/state" {
		t.Fatalf("got %q", c.Statedir)
	}
	if c.Libexecdir != defaultLibexecdir {
		t.Fatalf("expected default libexecdir, got %q", c.Libexecdir)
	}
}

func TestValidateRejectsRelative(t *testing.T) {
	c := Default()
	c.Sysconfdir = "relative/path"
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for relative sysconfdir")
	}
}

func TestDerivedPaths(t *testing.T) {
	c := Default()
	if got, want := c.ChrootDropinDir(), filepath.Join(defaultSysconfdir, "chroot.d"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got, want := c.SessionRecordPath("base-1234"), filepath.Join(defaultStatedir, "session", "base-1234"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
