// Package daemoncfg loads chrootkit's own bootstrap settings: the handful of
// paths every invocation needs before it can even open the catalog. This is
// independent of the per-chroot keyfile store (package keyfile), which
// cannot use gcfg because it must preserve comments/ordering for the
// round-trip law; the bootstrap file has no such requirement, so it is
// mapped directly onto a struct through gcfg.
package daemoncfg

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 1024 * 1024 // bootstrap config is tiny

// readCfg is the raw gcfg-mapped shape of the bootstrap file.
type readCfg struct {
	Main struct {
		Sysconfdir string
		Statedir   string
		Libexecdir string
		Log_File   string
		Log_Level  string
	}
}

// Config holds chrootkit's resolved bootstrap paths.
type Config struct {
	Sysconfdir string // e.g. /etc/chrootkit
	Statedir   string // e.g. /var/lib/chrootkit
	Libexecdir string // e.g. /usr/lib/chrootkit
	LogFile    string
	LogLevel   string
}

const (
	defaultSysconfdir = "/etc/chrootkit"
	defaultStatedir   = "/var/lib/chrootkit"
	defaultLibexecdir = "/usr/lib/chrootkit"
	defaultLogLevel   = "WARN"
)

// Default returns the bootstrap configuration used when no config file is
// present at all.
func Default() Config {
	return Config{
		Sysconfdir: defaultSysconfdir,
		Statedir:   defaultStatedir,
		Libexecdir: defaultLibexecdir,
		LogLevel:   defaultLogLevel,
	}
}

// Load reads and validates the bootstrap config file at path.
func Load(path string) (c Config, err error) {
	var fin *os.File
	var fi os.FileInfo
	if fin, err = os.Open(path); err != nil {
		return
	}
	defer fin.Close()
	if fi, err = fin.Stat(); err != nil {
		return
	}
	if fi.Size() > maxConfigSize {
		err = errors.New("chrootkit: bootstrap config file is too large")
		return
	}
	data, err := io.ReadAll(fin)
	if err != nil {
		return
	}
	var rc readCfg
	if err = gcfg.ReadStringInto(&rc, string(data)); err != nil {
		return
	}
	c = Default()
	if rc.Main.Sysconfdir != "" {
		c.Sysconfdir = rc.Main.Sysconfdir
	}
	if rc.Main.Statedir != "" {
		c.Statedir = rc.Main.Statedir
	}
	if rc.Main.Libexecdir != "" {
		c.Libexecdir = rc.Main.Libexecdir
	}
	c.LogFile = rc.Main.Log_File
	if rc.Main.Log_Level != "" {
		c.LogLevel = rc.Main.Log_Level
	}
	err = c.Validate()
	return
}

// Validate checks that every configured directory is an absolute path.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"sysconfdir": c.Sysconfdir,
		"statedir":   c.Statedir,
		"libexecdir": c.Libexecdir,
	} {
		if v == "" || !filepath.IsAbs(v) {
			return errors.New("chrootkit: " + name + " must be an absolute path")
		}
	}
	return nil
}

// ChrootDropinDir is <sysconfdir>/chroot.d.
func (c Config) ChrootDropinDir() string { return filepath.Join(c.Sysconfdir, "chroot.d") }

// MainConfigFile is <sysconfdir>/schroot.conf.
func (c Config) MainConfigFile() string { return filepath.Join(c.Sysconfdir, "schroot.conf") }

// SetupScriptDir is <sysconfdir>/setup.d.
func (c Config) SetupScriptDir() string { return filepath.Join(c.Sysconfdir, "setup.d") }

// ExecScriptDir is <sysconfdir>/exec.d.
func (c Config) ExecScriptDir() string { return filepath.Join(c.Sysconfdir, "exec.d") }

// SessionDir is <statedir>/session.
func (c Config) SessionDir() string { return filepath.Join(c.Statedir, "session") }

// MountRoot is <statedir>/mount.
func (c Config) MountRoot() string { return filepath.Join(c.Statedir, "mount") }

// SessionRecordPath is <statedir>/session/<sessionID>.
func (c Config) SessionRecordPath(sessionID string) string {
	return filepath.Join(c.SessionDir(), sessionID)
}

// MountLocation is <statedir>/mount/<sessionID>.
func (c Config) MountLocation(sessionID string) string {
	return filepath.Join(c.MountRoot(), sessionID)
}

// ScriptRunnerPath is <libexecdir>/chrootkit-runparts, the external
// lsbsysinit-style runner session.ScriptRunner invokes for each phase.
func (c Config) ScriptRunnerPath() string {
	return filepath.Join(c.Libexecdir, "chrootkit-runparts")
}
