// Package detail produces aligned, human-readable dumps of chroot and
// session metadata for the read-only "info" inspection path, grounded on the teacher's WatchManager.Dump string-builder
// style, generalized from free-form key/value lines to a tabwriter-aligned
// table.
package detail

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/chrootkit/chrootkit/chroot"
)

// Print renders c's attributes as an aligned "key  value" table, one
// chroot per call. quiet (the CLI's --quiet flag) suppresses everything but
// name/description/location; the chroot's message-verbosity is only shown
// as a row and does not change the level of output.
func Print(c *chroot.Chroot, quiet bool) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)

	row := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(tw, "%s\t%s\n", k, v)
	}

	row("Name", c.Name)
	if len(c.Aliases) > 0 {
		row("Aliases", strings.Join(c.Aliases, ", "))
	}
	row("Description", c.Description)
	row("Type", string(c.BackendTag()))
	row("Location", c.GetPath())

	if !quiet {
		row("Users", strings.Join(c.Users, ","))
		row("Root-users", strings.Join(c.RootUsers, ","))
		row("Groups", strings.Join(c.Groups, ","))
		row("Root-groups", strings.Join(c.RootGroups, ","))
		row("Shell", c.DefaultShell)
		row("Message-verbosity", string(c.MessageVerbosity))
		row("Preserve-environment", boolRow(c.PreserveEnvironment))
		row("Run-setup-scripts", boolRow(c.RunSetupScripts))
		if c.SessionID != "" {
			row("Session-id", c.SessionID)
			row("Mount-location", c.MountLocation)
		}
	}

	tw.Flush()
	return b.String()
}

// PrintAll renders every chroot in chroots, separated by blank lines, in
// the order given (the caller is expected to have already sorted or
// filtered as needed — see catalog.Catalog.GetChroots).
func PrintAll(chroots []*chroot.Chroot, quiet bool) string {
	var b strings.Builder
	for i, c := range chroots {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(Print(c, quiet))
	}
	return b.String()
}

func boolRow(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
