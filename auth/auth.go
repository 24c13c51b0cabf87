// Package auth implements the PAM-like authentication gate: an ACL-derived
// decision between letting a transition through unchallenged, demanding a
// password, or refusing it outright, plus the conversation/session flow
// around that decision.
package auth

import (
	"errors"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
)

// Status is the outcome of a Decide call.
type Status int

const (
	// StatusNone means the transition proceeds with no further checks.
	StatusNone Status = iota
	// StatusUser means a password is required.
	StatusUser
	// StatusFail means the transition is refused.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusUser:
		return "user"
	case StatusFail:
		return "fail"
	}
	return "unknown"
}

// max returns the more restrictive of a and b (None < User < Fail).
func max(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// CompatMode selects one of the three compatibility behaviours of spec 4.6.
type CompatMode string

const (
	// Schroot is the full ACL-checking behaviour.
	Schroot CompatMode = "schroot"
	// Dchroot skips ACL checks except requiring group membership when any
	// ACL list is configured.
	Dchroot CompatMode = "dchroot"
	// DchrootDSA allows every user provided they are not switching identity.
	DchrootDSA CompatMode = "dchroot-dsa"
)

// GroupLookup resolves the supplementary group names a user belongs to.
// The production implementation wraps os/user; tests supply a fake.
type GroupLookup interface {
	GroupsForUser(user string) ([]string, error)
}

// ErrNoGroupLookup is returned by Decide if no GroupLookup was configured
// and a group-membership check is actually required.
var ErrNoGroupLookup = errors.New("auth: no group lookup configured")

// Gate evaluates the ACL decision table of spec 4.6 and drives the
// start/authenticate/.../stop session flow around it.
type Gate struct {
	Mode   CompatMode
	Groups GroupLookup
}

// NewGate returns a Gate in "schroot" (full-check) mode.
func NewGate(groups GroupLookup) *Gate {
	return &Gate{Mode: Schroot, Groups: groups}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

// Decide computes the authentication status for ruser (uid ruid) attempting
// to become user (uid uid) across every chroot in chroots, per spec 4.6.
// root (ruid==0) always yields StatusNone without consulting chroots.
func (g *Gate) Decide(ruid int, ruser string, uid int, user string, chroots []*chroot.Chroot) (Status, error) {
	if ruid == 0 {
		return StatusNone, nil
	}

	var ruserGroups []string
	if g.Groups != nil {
		grps, err := g.Groups.GroupsForUser(ruser)
		if err != nil {
			return StatusFail, chkerr.Wrap(chkerr.AuthFatal, ruser, err)
		}
		ruserGroups = grps
	}

	status := StatusNone
	for _, c := range chroots {
		s, err := g.decideOne(ruid, ruser, ruserGroups, uid, user, c)
		if err != nil {
			return StatusFail, err
		}
		status = max(status, s)
		if status == StatusFail {
			break
		}
	}
	return status, nil
}

func (g *Gate) decideOne(ruid int, ruser string, ruserGroups []string, uid int, user string, c *chroot.Chroot) (Status, error) {
	switch g.Mode {
	case DchrootDSA:
		if uid == ruid {
			return StatusNone, nil
		}
		return StatusFail, nil
	case Dchroot:
		if len(c.Users) == 0 && len(c.Groups) == 0 && len(c.RootUsers) == 0 && len(c.RootGroups) == 0 {
			return StatusNone, nil
		}
		if contains(c.Users, ruser) || intersects(ruserGroups, c.Groups) {
			return StatusNone, nil
		}
		return StatusFail, nil
	}

	if len(c.Users) == 0 && len(c.Groups) == 0 && len(c.RootUsers) == 0 && len(c.RootGroups) == 0 {
		return StatusFail, nil
	}

	inUsers := contains(c.Users, ruser) || intersects(ruserGroups, c.Groups)
	inRootUsers := contains(c.RootUsers, ruser) || intersects(ruserGroups, c.RootGroups)

	if !inUsers {
		return StatusFail, nil
	}

	unchallenged := uid == ruid
	if uid == 0 {
		unchallenged = inRootUsers
	}
	if unchallenged {
		return StatusNone, nil
	}
	return StatusUser, nil
}
