package chroot

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/keyfile"
	"github.com/chrootkit/chrootkit/lock"
)

// newBackend constructs the zero-value backend for tag, used by the
// catalog loader before Parse fills in its fields.
func newBackend(tag Backend) (backendImpl, error) {
	switch tag {
	case Plain, "":
		return &plainBackend{}, nil
	case Directory:
		return &directoryBackend{}, nil
	case File:
		return &fileBackend{}, nil
	case BlockDevice:
		return &blockDeviceBackend{}, nil
	case Loopback:
		return &loopbackBackend{}, nil
	case LVMSnapshot:
		return &lvmSnapshotBackend{}, nil
	case BtrfsSnapshot:
		return &btrfsSnapshotBackend{}, nil
	case Custom:
		return &customBackend{}, nil
	default:
		return nil, chkerr.New(chkerr.ChrootType, string(tag))
	}
}

// --- plain -------------------------------------------------------------

// plainBackend is a bare directory with no session support at all.
type plainBackend struct {
	Directory string
}

func (b *plainBackend) Tag() Backend                  { return Plain }
func (b *plainBackend) GetPath(c *Chroot) string       { return b.Directory }
func (b *plainBackend) CreateSession() bool            { return false }
func (b *plainBackend) Purgeable() bool                { return false }
func (b *plainBackend) Clone() backendImpl             { n := *b; return &n }
func (b *plainBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	return nil
}

func (b *plainBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("directory", b.Directory)
}

func (b *plainBackend) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("directory", keyfile.Required, &b.Directory); err != nil {
		return err
	}
	return CheckAbsPath("directory", b.Directory)
}

// --- directory -----------------------------------------------------------

// directoryBackend is a session-clonable plain directory.
type directoryBackend struct {
	Directory string
}

func (b *directoryBackend) Tag() Backend       { return Directory }
func (b *directoryBackend) CreateSession() bool { return true }
func (b *directoryBackend) Purgeable() bool     { return true }
func (b *directoryBackend) Clone() backendImpl  { n := *b; return &n }

func (b *directoryBackend) GetPath(c *Chroot) string {
	if u, ok := c.Facet(FacetUnion).(*unionFacet); ok && u.Type != "none" && u.Type != "" {
		return u.OverlayDirectory
	}
	if c.MountLocation != "" && c.RunSetupScripts {
		return c.MountLocation
	}
	return b.Directory
}

func (b *directoryBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	if lctx == nil || lctx.SessionDir == "" {
		return nil
	}
	switch phase {
	case SetupStart:
		if wantLock {
			return c.SetupSessionInfo(true, lctx.SessionDir)
		}
	case SetupStop:
		if !wantLock && scriptStatus == 0 {
			return c.SetupSessionInfo(false, lctx.SessionDir)
		}
	}
	return nil
}

func (b *directoryBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("directory", b.Directory)
}

func (b *directoryBackend) Parse(g *keyfile.Group, active bool) error {
	if err := parseDirectoryOrLocation(g, &b.Directory); err != nil {
		return err
	}
	return CheckAbsPath("directory", b.Directory)
}

// parseDirectoryOrLocation implements the directory/location obsolete-alias
// rule of spec 4.4.4: directory preferred; location accepted only when
// directory is absent (warning), both present is DISALLOWED.
func parseDirectoryOrLocation(g *keyfile.Group, target *string) error {
	hasDir := g.Has("directory")
	hasLoc := g.Has("location")
	if hasDir && hasLoc {
		return chkerr.New(chkerr.DisallowedKey, "directory+location")
	}
	if hasDir {
		return g.GetString("directory", keyfile.Required, target)
	}
	return g.GetString("location", keyfile.Deprecated, target)
}

// --- file (archive) -------------------------------------------------------

// fileBackend materializes a chroot by unpacking/mounting an archive file.
type fileBackend struct {
	File       string
	FileRepack bool
}

func (b *fileBackend) Tag() Backend       { return File }
func (b *fileBackend) CreateSession() bool { return true }
func (b *fileBackend) Purgeable() bool     { return true }
func (b *fileBackend) Clone() backendImpl  { n := *b; return &n }
func (b *fileBackend) GetPath(c *Chroot) string { return c.MountLocation }

func (b *fileBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	if phase != SetupStart && phase != SetupStop {
		return nil
	}
	if phase == SetupStart && wantLock {
		if err := verifyRegularRootOwnedNotWorldWritable(b.File); err != nil {
			return err
		}
		if lctx != nil && lctx.SessionDir != "" {
			return c.SetupSessionInfo(true, lctx.SessionDir)
		}
	}
	if phase == SetupStop && !wantLock && scriptStatus == 0 {
		if lctx != nil && lctx.SessionDir != "" {
			return c.SetupSessionInfo(false, lctx.SessionDir)
		}
	}
	return nil
}

func (b *fileBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("file", b.File)
	g.SetBool("file-repack", b.FileRepack)
}

func (b *fileBackend) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("file", keyfile.Required, &b.File); err != nil {
		return err
	}
	if err := CheckAbsPath("file", b.File); err != nil {
		return err
	}
	return g.GetBool("file-repack", keyfile.Optional, &b.FileRepack)
}

func verifyRegularRootOwnedNotWorldWritable(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return chkerr.Wrap(chkerr.FileNotReg, path, err)
	}
	if !fi.Mode().IsRegular() {
		return chkerr.New(chkerr.FileNotReg, path)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Uid != 0 {
		return chkerr.New(chkerr.FileOwner, path)
	}
	if fi.Mode().Perm()&0002 != 0 {
		return chkerr.New(chkerr.FilePerms, path)
	}
	return nil
}

// --- block-device -----------------------------------------------------

// blockDeviceBackend materializes a chroot on an existing block device,
// exclusive-locked from setup-start until setup-stop; the exec phases take
// no lock of their own.
type blockDeviceBackend struct {
	Device    string
	mountable *mountableFacet
}

func (b *blockDeviceBackend) Tag() Backend       { return BlockDevice }
func (b *blockDeviceBackend) CreateSession() bool { return false }
func (b *blockDeviceBackend) Purgeable() bool     { return false }
func (b *blockDeviceBackend) Clone() backendImpl  { n := *b; return &n }

func (b *blockDeviceBackend) GetPath(c *Chroot) string {
	loc := ""
	if b.mountable != nil {
		loc = b.mountable.Location
	}
	return filepath.Join(c.MountLocation, loc)
}

const blockDeviceLockTimeout = 15 * time.Second

func (b *blockDeviceBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	if phase != SetupStart && phase != SetupStop {
		return nil // not locked during exec phases
	}
	dl := lock.NewDeviceLock(lockDir(lctx), b.Device)
	if phase == SetupStart && wantLock {
		if _, err := os.Stat(b.Device); err != nil {
			return chkerr.Wrap(chkerr.DeviceLock, b.Device, err)
		}
		return dl.Lock(blockDeviceLockTimeout)
	}
	if phase == SetupStop && !wantLock {
		return dl.Unlock()
	}
	return nil
}

func lockDir(lctx *LockContext) string {
	if lctx == nil || lctx.DeviceLockDir == "" {
		return "/var/lock/chrootkit"
	}
	return lctx.DeviceLockDir
}

func (b *blockDeviceBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("device", b.Device)
	if b.mountable != nil {
		b.mountable.Emit(g, active)
	}
}

func (b *blockDeviceBackend) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("device", keyfile.Required, &b.Device); err != nil {
		return err
	}
	if err := CheckAbsPath("device", b.Device); err != nil {
		return err
	}
	b.mountable = &mountableFacet{}
	return b.mountable.Parse(g, active)
}

// --- loopback -----------------------------------------------------------

// loopbackBackend materializes a chroot from a loop-mountable image file.
type loopbackBackend struct {
	File      string
	mountable *mountableFacet
}

func (b *loopbackBackend) Tag() Backend       { return Loopback }
func (b *loopbackBackend) CreateSession() bool { return true }
func (b *loopbackBackend) Purgeable() bool     { return true }
func (b *loopbackBackend) Clone() backendImpl  { n := *b; return &n }

func (b *loopbackBackend) GetPath(c *Chroot) string {
	loc := ""
	if b.mountable != nil {
		loc = b.mountable.Location
	}
	return filepath.Join(c.MountLocation, loc)
}

func (b *loopbackBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	if phase == SetupStart && wantLock {
		if err := verifyRegularRootOwnedNotWorldWritable(b.File); err != nil {
			return err
		}
	}
	u, hasUnion := c.Facet(FacetUnion).(*unionFacet)
	if !hasUnion || u.Type == "none" || u.Type == "" {
		return nil
	}
	return writeOrRemoveSessionRecordExplicit(c, phase, wantLock, scriptStatus, lctx)
}

func writeOrRemoveSessionRecordExplicit(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	if lctx == nil || lctx.SessionDir == "" {
		return nil
	}
	if phase == SetupStart && wantLock {
		return c.SetupSessionInfo(true, lctx.SessionDir)
	}
	if phase == SetupStop && !wantLock && scriptStatus == 0 {
		return c.SetupSessionInfo(false, lctx.SessionDir)
	}
	return nil
}

func (b *loopbackBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("file", b.File)
	if b.mountable != nil {
		b.mountable.Emit(g, active)
	}
}

func (b *loopbackBackend) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("file", keyfile.Required, &b.File); err != nil {
		return err
	}
	if err := CheckAbsPath("file", b.File); err != nil {
		return err
	}
	b.mountable = &mountableFacet{}
	return b.mountable.Parse(g, active)
}

// --- lvm-snapshot ---------------------------------------------------------

// lvmSnapshotBackend clones an LVM logical volume into a temporary
// snapshot. Its setup-stop path intentionally does not unlock the snapshot
// device: the teardown script has already destroyed it (design notes,
// "LVM teardown asymmetry").
type lvmSnapshotBackend struct {
	Device            string // parent LV
	SnapshotOptions   string
	SnapshotDevice    string // session-only: the cloned snapshot device
	mountable         *mountableFacet
}

func (b *lvmSnapshotBackend) Tag() Backend       { return LVMSnapshot }
func (b *lvmSnapshotBackend) CreateSession() bool { return true }
func (b *lvmSnapshotBackend) Purgeable() bool     { return false }
func (b *lvmSnapshotBackend) Clone() backendImpl  { n := *b; return &n }

func (b *lvmSnapshotBackend) GetPath(c *Chroot) string {
	loc := ""
	if b.mountable != nil {
		loc = b.mountable.Location
	}
	return filepath.Join(c.MountLocation, loc)
}

func (b *lvmSnapshotBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	switch phase {
	case SetupStart:
		if wantLock {
			// lock the parent device while the snapshot is being created.
			return lock.NewDeviceLock(lockDir(lctx), b.Device).Lock(blockDeviceLockTimeout)
		}
		return lock.NewDeviceLock(lockDir(lctx), b.Device).Unlock()
	case ExecStart, ExecStop:
		// later phases operate against the snapshot device, not the parent.
		if wantLock {
			return lock.NewDeviceLock(lockDir(lctx), b.SnapshotDevice).Lock(blockDeviceLockTimeout)
		}
		return lock.NewDeviceLock(lockDir(lctx), b.SnapshotDevice).Unlock()
	case SetupStop:
		// the teardown script has already removed the snapshot device; do
		// NOT attempt to unlock it here.
		return nil
	}
	return nil
}

func (b *lvmSnapshotBackend) Emit(g *keyfile.Group, active bool) {
	g.Set("device", b.Device)
	if b.SnapshotOptions != "" {
		g.Set("lvm-snapshot-options", b.SnapshotOptions)
	}
	if active && b.SnapshotDevice != "" {
		g.Set("lvm-snapshot-device", b.SnapshotDevice)
	}
	if b.mountable != nil {
		b.mountable.Emit(g, active)
	}
}

func (b *lvmSnapshotBackend) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("device", keyfile.Required, &b.Device); err != nil {
		return err
	}
	if err := CheckAbsPath("device", b.Device); err != nil {
		return err
	}
	if err := g.GetString("lvm-snapshot-options", keyfile.Optional, &b.SnapshotOptions); err != nil {
		return err
	}
	p := keyfile.Disallowed
	if active {
		p = keyfile.Required
	}
	if err := g.GetString("lvm-snapshot-device", p, &b.SnapshotDevice); err != nil {
		return err
	}
	b.mountable = &mountableFacet{}
	return b.mountable.Parse(g, active)
}

// --- btrfs-snapshot -------------------------------------------------------

// btrfsSnapshotBackend clones a btrfs subvolume into a snapshot.
type btrfsSnapshotBackend struct {
	SourceSubvolume string // template-only
	SnapshotPath    string // session-only
}

func (b *btrfsSnapshotBackend) Tag() Backend       { return BtrfsSnapshot }
func (b *btrfsSnapshotBackend) CreateSession() bool { return true }
func (b *btrfsSnapshotBackend) Purgeable() bool     { return true }
func (b *btrfsSnapshotBackend) Clone() backendImpl  { n := *b; return &n }
func (b *btrfsSnapshotBackend) GetPath(c *Chroot) string { return c.MountLocation }

func (b *btrfsSnapshotBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	return writeOrRemoveSessionRecordExplicit(c, phase, wantLock, scriptStatus, lctx)
}

func (b *btrfsSnapshotBackend) Emit(g *keyfile.Group, active bool) {
	if !active && b.SourceSubvolume != "" {
		g.Set("btrfs-source-subvolume", b.SourceSubvolume)
	}
	if active && b.SnapshotPath != "" {
		g.Set("btrfs-snapshot-path", b.SnapshotPath)
	}
}

func (b *btrfsSnapshotBackend) Parse(g *keyfile.Group, active bool) error {
	subP := keyfile.Optional
	snapP := keyfile.Disallowed
	if active {
		subP = keyfile.Disallowed
		snapP = keyfile.Required
	}
	if err := g.GetString("btrfs-source-subvolume", subP, &b.SourceSubvolume); err != nil {
		return err
	}
	return g.GetString("btrfs-snapshot-path", snapP, &b.SnapshotPath)
}

// --- custom -----------------------------------------------------------

// customBackend delegates entirely to external scripts; the core has no
// opinion on how it materializes beyond the mount location.
type customBackend struct{}

func (b *customBackend) Tag() Backend       { return Custom }
func (b *customBackend) CreateSession() bool { return true }
func (b *customBackend) Purgeable() bool     { return true }
func (b *customBackend) Clone() backendImpl  { n := *b; return &n }
func (b *customBackend) GetPath(c *Chroot) string { return c.MountLocation }

func (b *customBackend) SetupLock(c *Chroot, phase Phase, wantLock bool, scriptStatus int, lctx *LockContext) error {
	return writeOrRemoveSessionRecordExplicit(c, phase, wantLock, scriptStatus, lctx)
}

func (b *customBackend) Emit(g *keyfile.Group, active bool)        {}
func (b *customBackend) Parse(g *keyfile.Group, active bool) error { return nil }
