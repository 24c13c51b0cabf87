package chroot

import (
	"github.com/chrootkit/chrootkit/keyfile"
)

// Parse builds a Chroot named name from group g, active distinguishing a
// catalog template (false) from a reloaded session record (true). The
// "type" key selects the backend variant; every other common field and
// facet is parsed against g in turn.
func Parse(name string, g *keyfile.Group, active bool) (*Chroot, error) {
	var tag string
	if err := g.GetString("type", keyfile.Optional, &tag); err != nil {
		return nil, err
	}
	backend, err := newBackend(Backend(tag))
	if err != nil {
		return nil, err
	}

	c := newChroot(name, backend)

	if err := g.GetString("description", keyfile.Optional, &c.Description); err != nil {
		return nil, err
	}
	if err := g.GetStringList("aliases", keyfile.Optional, &c.Aliases); err != nil {
		return nil, err
	}
	if err := g.GetStringList("users", keyfile.Optional, &c.Users); err != nil {
		return nil, err
	}
	if err := g.GetStringList("groups", keyfile.Optional, &c.Groups); err != nil {
		return nil, err
	}
	if err := g.GetStringList("root-users", keyfile.Optional, &c.RootUsers); err != nil {
		return nil, err
	}
	if err := g.GetStringList("root-groups", keyfile.Optional, &c.RootGroups); err != nil {
		return nil, err
	}
	if err := g.GetBool("preserve-environment", keyfile.Optional, &c.PreserveEnvironment); err != nil {
		return nil, err
	}
	if err := g.GetString("environment-filter", keyfile.Optional, &c.EnvironmentFilter); err != nil {
		return nil, err
	}
	if err := g.GetString("default-shell", keyfile.Optional, &c.DefaultShell); err != nil {
		return nil, err
	}
	if err := g.GetStringList("command-prefix", keyfile.Optional, &c.CommandPrefix); err != nil {
		return nil, err
	}
	var verbosity string
	if err := g.GetString("message-verbosity", keyfile.Optional, &verbosity); err != nil {
		return nil, err
	}
	if verbosity != "" {
		c.MessageVerbosity = Verbosity(verbosity)
	}
	if err := g.GetString("script-config", keyfile.Optional, &c.ScriptConfig); err != nil {
		return nil, err
	}
	c.RunSetupScripts = true
	if g.Has("run-setup-scripts") {
		if err := g.GetBool("run-setup-scripts", keyfile.Optional, &c.RunSetupScripts); err != nil {
			return nil, err
		}
	}

	if active {
		if err := g.GetString("mount-location", keyfile.Required, &c.MountLocation); err != nil {
			return nil, err
		}
		if err := CheckAbsPath("mount-location", c.MountLocation); err != nil {
			return nil, err
		}
		if err := g.GetString("mount-device", keyfile.Optional, &c.MountDevice); err != nil {
			return nil, err
		}
		if err := CheckAbsPath("mount-device", c.MountDevice); err != nil {
			return nil, err
		}
	}

	if err := backend.Parse(g, active); err != nil {
		return nil, err
	}

	if err := parseFacets(c, g, active); err != nil {
		return nil, err
	}

	return c, nil
}

// parseFacets attempts every facet kind against g; a facet whose keys are
// wholly absent (and optional) is simply left unattached.
func parseFacets(c *Chroot, g *keyfile.Group, active bool) error {
	if g.Has("mount-device") || g.Has("mount-options") {
		f := &mountableFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	var sessionClonable bool
	if err := g.GetBool("session-clonable", keyfile.Optional, &sessionClonable); err != nil {
		return err
	}
	if sessionClonable {
		if err := c.AddFacet(&sessionClonableFacet{}); err != nil {
			return err
		}
	}

	if active {
		f := &sessionFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	var sourceClonable bool
	if err := g.GetBool("source-clonable", keyfile.Optional, &sourceClonable); err != nil {
		return err
	}
	if sourceClonable {
		f := &sourceClonableFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	if g.Has("source") {
		var isSource bool
		if err := g.GetBool("source", keyfile.Optional, &isSource); err != nil {
			return err
		}
		if isSource {
			if err := c.AddFacet(&sourceFacet{}); err != nil {
				return err
			}
		}
	}

	if g.Has("union-type") || g.Has("union-overlay-directory") || g.Has("union-underlay-directory") {
		f := &unionFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	uf := newUserdataFacet()
	if err := uf.Parse(g, active); err != nil {
		return err
	}
	if len(uf.Values) > 0 {
		if err := c.AddFacet(uf); err != nil {
			return err
		}
	}

	if g.Has("unshare.net") || g.Has("unshare.sysvipc") || g.Has("unshare.sysvsem") || g.Has("unshare.uts") {
		f := &unshareFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	if g.Has("personality") {
		f := &personalityFacet{}
		if err := f.Parse(g, active); err != nil {
			return err
		}
		if err := c.AddFacet(f); err != nil {
			return err
		}
	}

	return nil
}
