package chroot

import (
	"github.com/chrootkit/chrootkit/environ"
	"github.com/chrootkit/chrootkit/keyfile"
)

// Facet is a composable capability object attached to a Chroot. Each facet
// owns its own emit/parse/clone/setup-env behaviour; the enclosing Chroot
// never inspects a facet's internals directly.
type Facet interface {
	Type() FacetType
	Clone() Facet
	// SetupEnv contributes this facet's CHROOT_/UNSHARE_ variables.
	SetupEnv(c *Chroot, env *environ.Environ)
	// Emit writes this facet's keys into g. active distinguishes template
	// (false) from session-record (true) serialisation.
	Emit(g *keyfile.Group, active bool)
	// Parse reads this facet's keys from g at the given active-ness.
	Parse(g *keyfile.Group, active bool) error
}

// LockContext supplies the filesystem locations a backend's SetupLock needs
// (the session-record directory, the device-lock directory) without
// backends holding daemon-wide configuration themselves.
type LockContext struct {
	SessionDir    string
	DeviceLockDir string
}

// backendImpl is the behaviour every storage/materialization variant
// supplies: the path a child should chroot() into, and the locking contract
// around each lifecycle phase.
type backendImpl interface {
	Tag() Backend
	GetPath(c *Chroot) string
	// SetupLock is invoked by Chroot.Lock/Unlock for phase, wantLock true on
	// entry (Lock) and false on exit (Unlock, with scriptStatus the
	// just-completed phase's script exit status).
	SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error
	Clone() backendImpl
	Emit(g *keyfile.Group, active bool)
	Parse(g *keyfile.Group, active bool) error
	// CreateSession reports whether cloning a template with this backend
	// mints a fresh UUID-suffixed session id (the CREATE session flag).
	CreateSession() bool
	// Purgeable reports the PURGE session flag for session instances of this
	// backend (templates use session-clonable/source-clonable directly). It
	// does not decide whether a session record is written; each backend's
	// SetupLock does that.
	Purgeable() bool
}
