package chroot

import (
	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/environ"
	"github.com/chrootkit/chrootkit/keyfile"
	"github.com/chrootkit/chrootkit/sysx"
)

// mountableFacet adds a mount device, mount options, and a sub-location
// inside the device, for any backend that mounts something.
type mountableFacet struct {
	Device     string
	Options    string
	Location   string
}

func (f *mountableFacet) Type() FacetType { return FacetMountable }

func (f *mountableFacet) Clone() Facet {
	n := *f
	return &n
}

func (f *mountableFacet) SetupEnv(c *Chroot, env *environ.Environ) {
	env.Add("CHROOT_MOUNT_DEVICE", f.Device)
	env.Add("CHROOT_MOUNT_OPTIONS", f.Options)
}

func (f *mountableFacet) Emit(g *keyfile.Group, active bool) {
	if f.Device != "" {
		g.Set("mount-device", f.Device)
	}
	if f.Options != "" {
		g.Set("mount-options", f.Options)
	}
	if f.Location != "" {
		g.Set("location", f.Location)
	}
}

func (f *mountableFacet) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetString("mount-device", keyfile.Optional, &f.Device); err != nil {
		return err
	}
	if err := CheckAbsPath("mount-device", f.Device); err != nil {
		return err
	}
	if err := g.GetString("mount-options", keyfile.Optional, &f.Options); err != nil {
		return err
	}
	return g.GetString("location", keyfile.Optional, &f.Location)
}

// sessionClonableFacet marks a template as able to be cloned into a new
// session; it carries no data of its own.
type sessionClonableFacet struct{}

func (f *sessionClonableFacet) Type() FacetType                          { return FacetSessionClonable }
func (f *sessionClonableFacet) Clone() Facet                             { return &sessionClonableFacet{} }
func (f *sessionClonableFacet) SetupEnv(c *Chroot, env *environ.Environ)  {}
func (f *sessionClonableFacet) Emit(g *keyfile.Group, active bool)       {}
func (f *sessionClonableFacet) Parse(g *keyfile.Group, active bool) error { return nil }

// sessionFacet marks a chroot as an active session instance.
type sessionFacet struct {
	OriginalName string
	SelectedName string
}

func (f *sessionFacet) Type() FacetType { return FacetSession }

func (f *sessionFacet) Clone() Facet {
	n := *f
	return &n
}

func (f *sessionFacet) SetupEnv(c *Chroot, env *environ.Environ) {}

func (f *sessionFacet) Emit(g *keyfile.Group, active bool) {
	if !active {
		return
	}
	g.Set("original-name", f.OriginalName)
	g.Set("selected-name", f.SelectedName)
}

func (f *sessionFacet) Parse(g *keyfile.Group, active bool) error {
	p := keyfile.Disallowed
	if active {
		p = keyfile.Required
	}
	if err := g.GetString("original-name", p, &f.OriginalName); err != nil {
		return err
	}
	return g.GetString("selected-name", p, &f.SelectedName)
}

// sourceClonableFacet holds the ACLs for the corresponding source chroot.
type sourceClonableFacet struct {
	SourceUsers, SourceGroups, SourceRootUsers, SourceRootGroups []string
}

func (f *sourceClonableFacet) Type() FacetType { return FacetSourceClonable }

func (f *sourceClonableFacet) Clone() Facet {
	n := *f
	n.SourceUsers = append([]string(nil), f.SourceUsers...)
	n.SourceGroups = append([]string(nil), f.SourceGroups...)
	n.SourceRootUsers = append([]string(nil), f.SourceRootUsers...)
	n.SourceRootGroups = append([]string(nil), f.SourceRootGroups...)
	return &n
}

func (f *sourceClonableFacet) SetupEnv(c *Chroot, env *environ.Environ) {}

func (f *sourceClonableFacet) Emit(g *keyfile.Group, active bool) {
	if active {
		return
	}
	if len(f.SourceUsers) > 0 {
		g.SetList("source-users", f.SourceUsers)
	}
	if len(f.SourceGroups) > 0 {
		g.SetList("source-groups", f.SourceGroups)
	}
	if len(f.SourceRootUsers) > 0 {
		g.SetList("source-root-users", f.SourceRootUsers)
	}
	if len(f.SourceRootGroups) > 0 {
		g.SetList("source-root-groups", f.SourceRootGroups)
	}
}

func (f *sourceClonableFacet) Parse(g *keyfile.Group, active bool) error {
	p := keyfile.Optional
	if active {
		p = keyfile.Disallowed
	}
	if err := g.GetStringList("source-users", p, &f.SourceUsers); err != nil {
		return err
	}
	if err := g.GetStringList("source-groups", p, &f.SourceGroups); err != nil {
		return err
	}
	if err := g.GetStringList("source-root-users", p, &f.SourceRootUsers); err != nil {
		return err
	}
	return g.GetStringList("source-root-groups", p, &f.SourceRootGroups)
}

// sourceFacet marks a chroot as a source clone.
type sourceFacet struct{}

func (f *sourceFacet) Type() FacetType                          { return FacetSource }
func (f *sourceFacet) Clone() Facet                              { return &sourceFacet{} }
func (f *sourceFacet) SetupEnv(c *Chroot, env *environ.Environ)  {}
func (f *sourceFacet) Emit(g *keyfile.Group, active bool)       {}
func (f *sourceFacet) Parse(g *keyfile.Group, active bool) error { return nil }

// unionFacet configures an overlay-style filesystem union.
type unionFacet struct {
	Type              string // aufs | overlayfs | unionfs | none
	MountOptions      string
	OverlayDirectory  string
	UnderlayDirectory string
}

func (f *unionFacet) Type() FacetType { return FacetUnion }

func (f *unionFacet) Clone() Facet {
	n := *f
	return &n
}

func (f *unionFacet) SetupEnv(c *Chroot, env *environ.Environ) {
	env.Add("CHROOT_UNION_TYPE", f.Type)
	env.Add("CHROOT_UNION_MOUNT_OPTIONS", f.MountOptions)
	env.Add("CHROOT_UNION_OVERLAY_DIRECTORY", f.OverlayDirectory)
	env.Add("CHROOT_UNION_UNDERLAY_DIRECTORY", f.UnderlayDirectory)
}

func (f *unionFacet) Emit(g *keyfile.Group, active bool) {
	g.Set("union-type", f.Type)
	if f.MountOptions != "" {
		g.Set("union-mount-options", f.MountOptions)
	}
	if f.OverlayDirectory != "" {
		g.Set("union-overlay-directory", f.OverlayDirectory)
	}
	if f.UnderlayDirectory != "" {
		g.Set("union-underlay-directory", f.UnderlayDirectory)
	}
}

func (f *unionFacet) Parse(g *keyfile.Group, active bool) error {
	f.Type = "none"
	if err := g.GetString("union-type", keyfile.Optional, &f.Type); err != nil {
		return err
	}
	if err := g.GetString("union-mount-options", keyfile.Optional, &f.MountOptions); err != nil {
		return err
	}
	if err := g.GetString("union-overlay-directory", keyfile.Optional, &f.OverlayDirectory); err != nil {
		return err
	}
	if err := CheckAbsPath("union-overlay-directory", f.OverlayDirectory); err != nil {
		return err
	}
	if err := g.GetString("union-underlay-directory", keyfile.Optional, &f.UnderlayDirectory); err != nil {
		return err
	}
	return CheckAbsPath("union-underlay-directory", f.UnderlayDirectory)
}

// SetUnionType installs/changes the union type, enforcing the coupling rule
// of spec 3.2: a non-"none" type implies source-clonable; setting back to
// "none" removes it.
func (c *Chroot) SetUnionType(unionType string) error {
	u, ok := c.Facet(FacetUnion).(*unionFacet)
	if !ok {
		u = &unionFacet{}
		if err := c.AddFacet(u); err != nil {
			return err
		}
	}
	u.Type = unionType
	if unionType != "none" && unionType != "" {
		if !c.HasFacet(FacetSourceClonable) {
			c.AddFacet(&sourceClonableFacet{})
		}
	} else {
		c.RemoveFacet(FacetSourceClonable)
	}
	return nil
}

// userdataFacet holds free-form namespaced key/value data, policed by
// separate user- and root-settable key whitelists.
type userdataFacet struct {
	Values             map[string]string
	UserModifiableKeys map[string]bool
	RootModifiableKeys map[string]bool
}

func newUserdataFacet() *userdataFacet {
	return &userdataFacet{
		Values:             make(map[string]string),
		UserModifiableKeys: make(map[string]bool),
		RootModifiableKeys: make(map[string]bool),
	}
}

func (f *userdataFacet) Type() FacetType { return FacetUserdata }

func (f *userdataFacet) Clone() Facet {
	n := newUserdataFacet()
	for k, v := range f.Values {
		n.Values[k] = v
	}
	for k := range f.UserModifiableKeys {
		n.UserModifiableKeys[k] = true
	}
	for k := range f.RootModifiableKeys {
		n.RootModifiableKeys[k] = true
	}
	return n
}

func (f *userdataFacet) SetupEnv(c *Chroot, env *environ.Environ) {}

func (f *userdataFacet) Emit(g *keyfile.Group, active bool) {
	for k, v := range f.Values {
		g.Set(k, v)
	}
	if len(f.UserModifiableKeys) > 0 {
		g.SetList("user-modifiable-keys", keysOf(f.UserModifiableKeys))
	}
	if len(f.RootModifiableKeys) > 0 {
		g.SetList("root-modifiable-keys", keysOf(f.RootModifiableKeys))
	}
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (f *userdataFacet) Parse(g *keyfile.Group, active bool) error {
	var userKeys, rootKeys []string
	if err := g.GetStringList("user-modifiable-keys", keyfile.Optional, &userKeys); err != nil {
		return err
	}
	if err := g.GetStringList("root-modifiable-keys", keyfile.Optional, &rootKeys); err != nil {
		return err
	}
	for _, k := range userKeys {
		f.UserModifiableKeys[k] = true
	}
	for _, k := range rootKeys {
		f.RootModifiableKeys[k] = true
	}
	for _, k := range g.Keys() {
		if ValidUserDataKey(k) {
			var v string
			g.GetString(k, keyfile.Optional, &v)
			f.Values[k] = v
		}
	}
	return nil
}

// SetUserData assigns key=value, rejecting invalid key syntax at assignment
// time (design notes: "Dynamic key validation").
func (c *Chroot) SetUserData(key, value string) error {
	if !ValidUserDataKey(key) {
		return chkerr.New(chkerr.InvalidValue, key)
	}
	u, ok := c.Facet(FacetUserdata).(*userdataFacet)
	if !ok {
		u = newUserdataFacet()
		if err := c.AddFacet(u); err != nil {
			return err
		}
	}
	u.Values[key] = value
	return nil
}

// unshareFacet independently unshares network, SysV IPC, SysV semaphore,
// and UTS namespaces (Linux only).
type unshareFacet struct {
	Net, SysVIPC, SysVSem, UTS bool
}

func (f *unshareFacet) Type() FacetType { return FacetUnshare }

func (f *unshareFacet) Clone() Facet {
	n := *f
	return &n
}

func (f *unshareFacet) SetupEnv(c *Chroot, env *environ.Environ) {
	env.Add("UNSHARE_NET", boolStr(f.Net))
	env.Add("UNSHARE_SYSVIPC", boolStr(f.SysVIPC))
	env.Add("UNSHARE_SYSVSEM", boolStr(f.SysVSem))
	env.Add("UNSHARE_UTS", boolStr(f.UTS))
}

func (f *unshareFacet) Emit(g *keyfile.Group, active bool) {
	g.SetBool("unshare.net", f.Net)
	g.SetBool("unshare.sysvipc", f.SysVIPC)
	g.SetBool("unshare.sysvsem", f.SysVSem)
	g.SetBool("unshare.uts", f.UTS)
}

func (f *unshareFacet) Parse(g *keyfile.Group, active bool) error {
	if err := g.GetBool("unshare.net", keyfile.Optional, &f.Net); err != nil {
		return err
	}
	if err := g.GetBool("unshare.sysvipc", keyfile.Optional, &f.SysVIPC); err != nil {
		return err
	}
	if err := g.GetBool("unshare.sysvsem", keyfile.Optional, &f.SysVSem); err != nil {
		return err
	}
	return g.GetBool("unshare.uts", keyfile.Optional, &f.UTS)
}

// UnshareFlags returns the sysx.Unshare* bitmask for this chroot's unshare
// facet, or 0 if no unshare facet is attached.
func (c *Chroot) UnshareFlags() int {
	f, ok := c.Facet(FacetUnshare).(*unshareFacet)
	if !ok {
		return 0
	}
	var flags int
	if f.Net {
		flags |= sysx.UnshareNet
	}
	if f.SysVIPC {
		flags |= sysx.UnshareSysVIPC
	}
	if f.SysVSem {
		flags |= sysx.UnshareSysVSem
	}
	if f.UTS {
		flags |= sysx.UnshareUTS
	}
	return flags
}

// personalityFacet names the process execution domain (linux, linux32,
// bsd, svr4, ...); unset means "undefined, do not change".
type personalityFacet struct {
	Name string
}

func (f *personalityFacet) Type() FacetType { return FacetPersonality }

func (f *personalityFacet) Clone() Facet {
	n := *f
	return &n
}

func (f *personalityFacet) SetupEnv(c *Chroot, env *environ.Environ) {}

func (f *personalityFacet) Emit(g *keyfile.Group, active bool) {
	if f.Name != "" {
		g.Set("personality", f.Name)
	}
}

func (f *personalityFacet) Parse(g *keyfile.Group, active bool) error {
	return g.GetString("personality", keyfile.Optional, &f.Name)
}

// Personality returns the configured personality domain name, or "".
func (c *Chroot) Personality() string {
	if f, ok := c.Facet(FacetPersonality).(*personalityFacet); ok {
		return f.Name
	}
	return ""
}
