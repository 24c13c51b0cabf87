// Package catalog loads chroot definitions from one or more configuration
// files and maintains the name/alias indexes used to look them up.
package catalog

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
	"github.com/chrootkit/chrootkit/internal/log"
	"github.com/chrootkit/chrootkit/keyfile"
	"github.com/chrootkit/chrootkit/lock"
)

const (
	kb int64 = 1024
	mb int64 = 1024 * kb

	maxCatalogFileSize int64 = 4 * mb
)

var (
	// ErrCatalogFileTooLarge mirrors the teacher's size-guard idiom for a
	// single configuration file.
	ErrCatalogFileTooLarge = errors.New("chroot definition file is too large")
	// ErrFailedFileRead indicates a short read against the file's own
	// reported size.
	ErrFailedFileRead = errors.New("failed to read entire chroot definition file")
)

// Catalog is a name-indexed, alias-indexed collection of chroots.
type Catalog struct {
	chroots map[string]*chroot.Chroot
	aliases map[string]string
	lg      *log.Logger
}

// New returns an empty catalog. lg may be nil.
func New(lg *log.Logger) *Catalog {
	return &Catalog{
		chroots: make(map[string]*chroot.Chroot),
		aliases: make(map[string]string),
		lg:      lg,
	}
}

func (c *Catalog) warnf(format string, args ...interface{}) {
	if c.lg != nil {
		c.lg.Warnf(format, args...)
	}
}

// Add inserts chr into the catalog, keyed by its own name plus every alias.
// A duplicate primary name is fatal (CHROOT_EXIST); a duplicate alias is
// logged and skipped, the rest of the add proceeding.
func (c *Catalog) Add(chr *chroot.Chroot) error {
	if _, exists := c.chroots[chr.Name]; exists {
		return chkerr.New(chkerr.ChrootExist, chr.Name)
	}
	c.chroots[chr.Name] = chr
	c.aliases[chr.Name] = chr.Name
	for _, alias := range chr.Aliases {
		if _, exists := c.aliases[alias]; exists {
			c.warnf("alias %q for chroot %q already in use, skipping", alias, chr.Name)
			continue
		}
		c.aliases[alias] = chr.Name
	}
	return nil
}

// AddLocation loads location (a file or a directory of files) at the given
// active-ness and adds every chroot found, per spec 4.5's add(location).
func (c *Catalog) AddLocation(location string, active bool) error {
	fi, err := os.Stat(location)
	if err != nil {
		return chkerr.Wrap(chkerr.ChrootNotFound, location, err)
	}
	if !fi.IsDir() {
		return c.loadFile(location, active)
	}

	entries, err := os.ReadDir(location)
	if err != nil {
		return chkerr.Wrap(chkerr.ChrootNotFound, location, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			c.warnf("skipping non-regular entry %q in %q", e.Name(), location)
			continue
		}
		if err := c.loadFile(filepath.Join(location, e.Name()), active); err != nil {
			return err
		}
	}
	return nil
}

// loadFile implements the load-file contract of spec 4.5: open
// O_RDONLY|O_NOFOLLOW, verify owner/permissions/regularity, take a shared
// lock, parse as a keyfile, and add() each group's chroot.
func (c *Catalog) loadFile(path string, active bool) error {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return chkerr.Wrap(chkerr.FileNotReg, path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
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
	if fi.Size() > maxCatalogFileSize {
		return ErrCatalogFileTooLarge
	}

	fl := lock.NewFileLock(path)
	if err := fl.SetLock(lock.Shared, 2*time.Second); err != nil {
		return chkerr.Wrap(chkerr.LockTimeout, path, err)
	}
	defer fl.SetLock(lock.None, 0)

	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, f)
	if err != nil {
		return chkerr.Wrap(chkerr.ParseError, path, err)
	}
	if n != fi.Size() {
		return ErrFailedFileRead
	}

	doc, err := keyfile.Parse(bb, c.lg)
	if err != nil {
		return chkerr.Wrap(chkerr.ParseError, path, err)
	}

	for _, name := range doc.GroupNames() {
		g := doc.Group(name)
		chr, err := chroot.Parse(name, g, active)
		if err != nil {
			return err
		}
		if err := c.Add(chr); err != nil {
			return err
		}
		if !active && chr.HasFacet(chroot.FacetSourceClonable) {
			src, err := chr.CloneSource()
			if err != nil {
				return err
			}
			if err := c.Add(src); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindChroot looks up name as a primary chroot name only.
func (c *Catalog) FindChroot(name string) (*chroot.Chroot, bool) {
	chr, ok := c.chroots[name]
	return chr, ok
}

// FindAlias resolves name through the alias index (which also covers every
// primary name) and returns the underlying chroot.
func (c *Catalog) FindAlias(name string) (*chroot.Chroot, bool) {
	primary, ok := c.aliases[name]
	if !ok {
		return nil, false
	}
	chr, ok := c.chroots[primary]
	return chr, ok
}

// GetChroots returns every chroot, sorted alphabetically by name.
func (c *Catalog) GetChroots() []*chroot.Chroot {
	names := make([]string, 0, len(c.chroots))
	for n := range c.chroots {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*chroot.Chroot, len(names))
	for i, n := range names {
		out[i] = c.chroots[n]
	}
	return out
}

// ValidateChroots returns the subset of names that do not resolve via
// FindAlias.
func (c *Catalog) ValidateChroots(names []string) []string {
	var invalid []string
	for _, n := range names {
		if _, ok := c.FindAlias(n); !ok {
			invalid = append(invalid, n)
		}
	}
	return invalid
}
