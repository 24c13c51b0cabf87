package chroot

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/environ"
	"github.com/chrootkit/chrootkit/keyfile"
	"github.com/chrootkit/chrootkit/lock"
)

// absPathKeys maps a Chroot/facet path field's name to the error Kind raised
// when it is assigned a non-absolute value -- the single point enforcing
// the absolute-path invariant of spec 3.3.
var absPathKeys = map[string]chkerr.Kind{
	"directory":         chkerr.DirectoryAbs,
	"device":            chkerr.DeviceAbs,
	"file":              chkerr.FileAbs,
	"location":          chkerr.LocationAbs,
	"mount-location":    chkerr.LocationAbs,
	"mount-device":      chkerr.DeviceAbs,
	"union-overlay-directory":  chkerr.UnionOverlayAbs,
	"union-underlay-directory": chkerr.UnionUnderlayAbs,
}

// CheckAbsPath enforces the absolute-path invariant for a named field: empty
// is fine, anything else must start with "/".
func CheckAbsPath(field, value string) error {
	if value == "" {
		return nil
	}
	if !filepath.IsAbs(value) {
		kind, ok := absPathKeys[field]
		if !ok {
			kind = chkerr.InvalidValue
		}
		return chkerr.New(kind, fmt.Sprintf("%s=%s", field, value))
	}
	return nil
}

// Chroot is the single polymorphic chroot entity: common attributes, a
// backend tag fixing get_path/setup_lock, and a facet set keyed by type.
type Chroot struct {
	Name        string
	Aliases     []string
	Description string

	ScriptConfig     string
	MessageVerbosity Verbosity

	Users, Groups, RootUsers, RootGroups []string

	PreserveEnvironment bool
	EnvironmentFilter   string
	DefaultShell        string
	CommandPrefix       []string

	RunSetupScripts bool

	// Session-instance fields (empty on templates).
	SessionID     string
	MountLocation string
	MountDevice   string

	backend backendImpl
	facets  map[FacetType]Facet
}

func newChroot(name string, b backendImpl) *Chroot {
	return &Chroot{
		Name:             name,
		MessageVerbosity: Normal,
		RunSetupScripts:  true,
		backend:          b,
		facets:           make(map[FacetType]Facet),
	}
}

// BackendTag returns the backend variant's tag.
func (c *Chroot) BackendTag() Backend { return c.backend.Tag() }

// AddFacet attaches f, failing with FACET_PRESENT if a facet of the same
// type is already attached. Installing "union" with a non-none type (caller
// responsibility, enforced by the union facet's own setter) implies
// source-clonable; installing "session" implies removing
// "session-clonable" -- both handled by the higher-level clone operations,
// not here.
func (c *Chroot) AddFacet(f Facet) error {
	if _, ok := c.facets[f.Type()]; ok {
		return chkerr.New(chkerr.FacetPresent, f.Type().String())
	}
	c.facets[f.Type()] = f
	return nil
}

// RemoveFacet detaches a facet type, if present.
func (c *Chroot) RemoveFacet(t FacetType) {
	delete(c.facets, t)
}

// Facet returns the attached facet of type t, or nil.
func (c *Chroot) Facet(t FacetType) Facet {
	return c.facets[t]
}

// HasFacet reports whether a facet of type t is attached.
func (c *Chroot) HasFacet(t FacetType) bool {
	_, ok := c.facets[t]
	return ok
}

// sessionFlags are derived, not stored: CREATE from session-clonable,
// CLONE from source-clonable, PURGE from a purgeable backend on a session
// instance.
type sessionFlags struct {
	Create bool
	Clone  bool
	Purge  bool
}

func (c *Chroot) sessionFlags() sessionFlags {
	return sessionFlags{
		Create: c.HasFacet(FacetSessionClonable),
		Clone:  c.HasFacet(FacetSourceClonable),
		Purge:  c.HasFacet(FacetSession) && c.backend.Purgeable(),
	}
}

// sessionName and sourceName are the single helpers applying the
// session/source naming-suffix convention (UUID session ids, "-source"
// suffixing) consistently, rather than duplicating the convention at every
// call site.
func sessionName(templateName string) string {
	return fmt.Sprintf("%s-%s", templateName, uuid.NewString())
}

func sourceName(name string) string {
	return name + "-source"
}

func sourceAliases(aliases []string) []string {
	out := make([]string, len(aliases))
	for i, a := range aliases {
		out[i] = sourceName(a)
	}
	return out
}

// Clone returns a deep copy of c, including deep copies of every attached
// facet and the backend.
func (c *Chroot) Clone() *Chroot {
	n := &Chroot{
		Name:                c.Name,
		Aliases:             append([]string(nil), c.Aliases...),
		Description:         c.Description,
		ScriptConfig:        c.ScriptConfig,
		MessageVerbosity:    c.MessageVerbosity,
		Users:               append([]string(nil), c.Users...),
		Groups:              append([]string(nil), c.Groups...),
		RootUsers:           append([]string(nil), c.RootUsers...),
		RootGroups:          append([]string(nil), c.RootGroups...),
		PreserveEnvironment: c.PreserveEnvironment,
		EnvironmentFilter:   c.EnvironmentFilter,
		DefaultShell:        c.DefaultShell,
		CommandPrefix:       append([]string(nil), c.CommandPrefix...),
		RunSetupScripts:     c.RunSetupScripts,
		SessionID:           c.SessionID,
		MountLocation:       c.MountLocation,
		MountDevice:         c.MountDevice,
		backend:             c.backend.Clone(),
		facets:              make(map[FacetType]Facet, len(c.facets)),
	}
	for t, f := range c.facets {
		n.facets[t] = f.Clone()
	}
	return n
}

// CloneSession creates a session instance from a template per spec 4.4.1.
// The engine calls this for every chroot it processes. Whether the resulting
// session id gets a fresh UUID suffix or reuses the template's name verbatim
// is decided by the backend (backend.CreateSession below), not by the
// session-clonable facet; no facet is needed for cloning at all.
func (c *Chroot) CloneSession(alias, user string, root bool, mountRoot string) (*Chroot, error) {
	s := c.Clone()

	s.RemoveFacet(FacetSessionClonable)
	sess := &sessionFacet{OriginalName: c.Name, SelectedName: alias}
	if err := s.AddFacet(sess); err != nil {
		return nil, err
	}

	if c.backend.CreateSession() {
		s.SessionID = sessionName(c.Name)
	} else {
		s.SessionID = c.Name
	}

	s.Description = s.Description + " (session chroot)"

	if root {
		s.RootUsers = []string{user}
		s.Users = nil
		s.Groups = nil
		s.RootGroups = nil
	} else {
		s.Users = []string{user}
		s.Groups = nil
		s.RootUsers = nil
		s.RootGroups = nil
	}

	s.RemoveFacet(FacetSourceClonable)

	if s.BackendTag() != Plain && s.MountLocation == "" {
		s.MountLocation = filepath.Join(mountRoot, s.SessionID)
	}

	if err := s.backendSessionFixup(c); err != nil {
		return nil, err
	}

	return s, nil
}

// backendSessionFixup applies the backend-specific clone_session hooks of
// spec 4.4.1 step 7 (LVM device naming, union overlay/underlay dirs).
func (s *Chroot) backendSessionFixup(template *Chroot) error {
	switch b := s.backend.(type) {
	case *lvmSnapshotBackend:
		s.MountDevice = filepath.Join(filepath.Dir(b.Device), s.SessionID)
		b.SnapshotDevice = s.MountDevice
	}
	if u, ok := s.Facet(FacetUnion).(*unionFacet); ok && u.Type != "none" {
		base := s.MountLocation
		u.OverlayDirectory = filepath.Join(base, "overlay", s.SessionID)
		u.UnderlayDirectory = filepath.Join(base, "underlay", s.SessionID)
	}
	return nil
}

// CloneSource creates a read-write source clone per spec 3.2/4.4.1.
func (c *Chroot) CloneSource() (*Chroot, error) {
	if !c.HasFacet(FacetSourceClonable) {
		return nil, chkerr.New(chkerr.FacetInvalid, "template is not source-clonable")
	}
	s := c.Clone()
	s.Name = sourceName(c.Name)
	s.Aliases = sourceAliases(c.Aliases)
	s.RemoveFacet(FacetSourceClonable)
	if err := s.AddFacet(&sourceFacet{}); err != nil {
		return nil, err
	}
	if lb, ok := s.backend.(*lvmSnapshotBackend); ok {
		// the source of an LVM snapshot chroot is the underlying LV itself.
		s.backend = &blockDeviceBackend{Device: lb.Device, mountable: lb.mountable}
	}
	return s, nil
}

// GetPath returns the path a child should chroot() into.
func (c *Chroot) GetPath() string {
	return c.backend.GetPath(c)
}

// Lock acquires whatever lock the backend requires entering phase.
func (c *Chroot) Lock(phase Phase, lctx *LockContext) error {
	return c.backend.SetupLock(c, phase, true, 0, lctx)
}

// Unlock releases the lock taken for phase, reporting scriptStatus (the
// phase's script exit status, or the child's exit status for exec phases).
func (c *Chroot) Unlock(phase Phase, scriptStatus int, lctx *LockContext) error {
	return c.backend.SetupLock(c, phase, false, scriptStatus, lctx)
}

// SetupEnv populates env with every CHROOT_*/facet-contributed variable for
// this chroot.
func (c *Chroot) SetupEnv(env *environ.Environ, scriptConfigDir string) {
	flags := c.sessionFlags()
	env.Add("CHROOT_TYPE", string(c.BackendTag()))
	env.Add("CHROOT_NAME", c.Name)
	env.Add("CHROOT_DESCRIPTION", c.Description)
	env.Add("CHROOT_LOCATION", c.GetPath())
	env.Add("CHROOT_MOUNT_LOCATION", c.MountLocation)
	env.Add("CHROOT_PATH", c.GetPath())
	if c.ScriptConfig != "" {
		sc := c.ScriptConfig
		if !filepath.IsAbs(sc) {
			sc = filepath.Join(scriptConfigDir, sc)
		}
		env.Add("CHROOT_SCRIPT_CONFIG", sc)
	}
	env.Add("CHROOT_SESSION_CREATE", boolStr(flags.Create))
	env.Add("CHROOT_SESSION_CLONE", boolStr(flags.Clone))
	env.Add("CHROOT_SESSION_PURGE", boolStr(flags.Purge))

	for _, f := range c.facets {
		f.SetupEnv(c, env)
	}
}

// NewScriptEnv builds a fresh Environ populated with c.SetupEnv's output, a
// convenience for callers (the script runner, the child-exec path) that
// have no other reason to hold an Environ themselves.
func NewScriptEnv(c *Chroot, scriptConfigDir string) *environ.Environ {
	env := environ.New(nil)
	c.SetupEnv(env, scriptConfigDir)
	return env
}

// BuildEnvp builds the environment for the child's final exec per spec
// 4.8 step 10: the environment-filter is applied unconditionally (open
// question 2 of SPEC_FULL.md §9), even to a preserved environment; when
// PreserveEnvironment is set, hostEnviron (each entry "NAME=value") seeds
// the result before the filter and the chroot's own CHROOT_* variables are
// layered on top.
func (c *Chroot) BuildEnvp(hostEnviron []string, scriptConfigDir string) (*environ.Environ, error) {
	env := environ.New(nil)
	if err := env.SetFilter(c.EnvironmentFilter); err != nil {
		return nil, chkerr.Wrap(chkerr.InvalidValue, "environment-filter", err)
	}
	if c.PreserveEnvironment {
		for _, kv := range hostEnviron {
			env.AddString(kv)
		}
	}
	c.SetupEnv(env, scriptConfigDir)
	return env, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// SetupSessionInfo creates (start==true) or removes (start==false) the
// session record file under sessionDir. Creation uses O_CREAT|O_EXCL for
// session-id uniqueness (spec 8), an exclusive 2s-timeout file lock, and an
// atomic rename via google/renameio so a crash mid-write never leaves a
// half-written record.
func (c *Chroot) SetupSessionInfo(start bool, sessionDir string) error {
	path := filepath.Join(sessionDir, c.SessionID)
	if !start {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return chkerr.Wrap(chkerr.SessionUnlink, path, err)
		}
		return nil
	}

	fl := lock.NewFileLock(path)
	// O_CREAT|O_EXCL: fail if the record already exists.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0664)
	if err != nil {
		if os.IsExist(err) {
			return chkerr.New(chkerr.SessionWrite, path+": already exists")
		}
		return chkerr.Wrap(chkerr.SessionWrite, path, err)
	}
	f.Close()
	body, err := c.serializeSessionRecord()
	if err != nil {
		os.Remove(path)
		return chkerr.Wrap(chkerr.SessionWrite, path, err)
	}
	if err := renameio.WriteFile(path, body, 0664); err != nil {
		os.Remove(path)
		return chkerr.Wrap(chkerr.SessionWrite, path, err)
	}
	if err := fl.SetLock(lock.Exclusive, 2*time.Second); err != nil {
		os.Remove(path)
		return chkerr.Wrap(chkerr.SessionWrite, path, err)
	}
	defer fl.SetLock(lock.None, 0)
	return nil
}

func (c *Chroot) serializeSessionRecord() ([]byte, error) {
	doc := keyfile.New(nil)
	g := doc.NewGroup(c.Name)
	c.Emit(g, true)
	return []byte(mustString(doc.EmitString())), nil
}

func mustString(s string, err error) string {
	if err != nil {
		panic(err)
	}
	return s
}

// Emit serialises this chroot's fields into g, conditional on active
// (template vs session record) per spec 4.4.4.
func (c *Chroot) Emit(g *keyfile.Group, active bool) {
	g.Set("type", string(c.BackendTag()))
	g.Set("active", boolStr(active))
	g.Set("description", c.Description)
	if len(c.Aliases) > 0 {
		g.SetList("aliases", c.Aliases)
	}
	if len(c.Users) > 0 {
		g.SetList("users", c.Users)
	}
	if len(c.Groups) > 0 {
		g.SetList("groups", c.Groups)
	}
	if len(c.RootUsers) > 0 {
		g.SetList("root-users", c.RootUsers)
	}
	if len(c.RootGroups) > 0 {
		g.SetList("root-groups", c.RootGroups)
	}
	g.SetBool("preserve-environment", c.PreserveEnvironment)
	if c.EnvironmentFilter != "" {
		g.Set("environment-filter", c.EnvironmentFilter)
	}
	if c.DefaultShell != "" {
		g.Set("default-shell", c.DefaultShell)
	}
	if len(c.CommandPrefix) > 0 {
		g.SetList("command-prefix", c.CommandPrefix)
	}
	g.Set("message-verbosity", string(c.MessageVerbosity))
	if c.ScriptConfig != "" {
		g.Set("script-config", c.ScriptConfig)
	}
	g.SetBool("run-setup-scripts", c.RunSetupScripts)
	if active {
		g.Set("mount-location", c.MountLocation)
		if c.MountDevice != "" {
			g.Set("mount-device", c.MountDevice)
		}
	}

	c.backend.Emit(g, active)
	for _, f := range c.facets {
		f.Emit(g, active)
	}
}

// userDataKeyPattern is the regex every userdata key must match (spec 3.2).
var userDataKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9-]*)+$`)

// ValidUserDataKey reports whether key is a syntactically valid userdata
// key. Invalid keys must be rejected at assignment time (design notes:
// "Dynamic key validation").
func ValidUserDataKey(key string) bool {
	return userDataKeyPattern.MatchString(key)
}

