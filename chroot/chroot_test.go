package chroot

import (
	"strings"
	"testing"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/keyfile"
)

func parseGroup(t *testing.T, body string) *keyfile.Group {
	t.Helper()
	doc, err := keyfile.Parse(strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	g := doc.Group("example")
	if g == nil {
		t.Fatalf("group %q not found", "example")
	}
	return g
}

func TestParsePlainTemplate(t *testing.T) {
	g := parseGroup(t, "[example]\ntype=plain\ndirectory=/srv/chroots/example\ndescription=an example\n")
	c, err := Parse("example", g, false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.BackendTag() != Plain {
		t.Fatalf("backend = %v, want plain", c.BackendTag())
	}
	if got := c.GetPath(); got != "/srv/chroots/example" {
		t.Fatalf("GetPath = %q", got)
	}
}

func TestAbsolutePathInvariant(t *testing.T) {
	g := parseGroup(t, "[example]\ntype=plain\ndirectory=relative/path\n")
	if _, err := Parse("example", g, false); !chkerr.OfKind(err, chkerr.DirectoryAbs) {
		t.Fatalf("expected DIRECTORY_ABS, got %v", err)
	}
}

func TestDirectoryAndLocationBothPresentDisallowed(t *testing.T) {
	g := parseGroup(t, "[example]\ntype=directory\ndirectory=/a\nlocation=/b\n")
	if _, err := Parse("example", g, false); !chkerr.OfKind(err, chkerr.DisallowedKey) {
		t.Fatalf("expected DISALLOWED_KEY, got %v", err)
	}
}

func TestFacetUniqueness(t *testing.T) {
	c := newChroot("example", &plainBackend{Directory: "/x"})
	if err := c.AddFacet(&sourceFacet{}); err != nil {
		t.Fatalf("first AddFacet: %v", err)
	}
	if err := c.AddFacet(&sourceFacet{}); !chkerr.OfKind(err, chkerr.FacetPresent) {
		t.Fatalf("expected FACET_PRESENT, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := newChroot("example", &plainBackend{Directory: "/x"})
	c.Users = []string{"alice"}
	if err := c.AddFacet(&sessionClonableFacet{}); err != nil {
		t.Fatalf("AddFacet: %v", err)
	}
	n := c.Clone()
	n.Users[0] = "bob"
	if c.Users[0] != "alice" {
		t.Fatalf("clone shares Users backing array")
	}
	if !n.HasFacet(FacetSessionClonable) {
		t.Fatalf("clone dropped facet")
	}
}

func TestUnionTypeImpliesSourceClonable(t *testing.T) {
	c := newChroot("example", &directoryBackend{Directory: "/x"})
	if err := c.SetUnionType("overlayfs"); err != nil {
		t.Fatalf("SetUnionType: %v", err)
	}
	if !c.HasFacet(FacetSourceClonable) {
		t.Fatalf("union type did not imply source-clonable")
	}
	if err := c.SetUnionType("none"); err != nil {
		t.Fatalf("SetUnionType(none): %v", err)
	}
	if c.HasFacet(FacetSourceClonable) {
		t.Fatalf("union type=none should remove source-clonable")
	}
}

func TestCloneSessionBackendWithoutCreateReusesName(t *testing.T) {
	c := newChroot("example", &plainBackend{Directory: "/x"})
	s, err := c.CloneSession("alias", "alice", false, "/run/chrootkit")
	if err != nil {
		t.Fatalf("CloneSession: %v", err)
	}
	if s.SessionID != "example" {
		t.Fatalf("SessionID = %q, want %q (a backend without CREATE means no fresh id)", s.SessionID, "example")
	}
}

func TestCloneSessionCreatesFreshSessionID(t *testing.T) {
	c := newChroot("example", &directoryBackend{Directory: "/x"})
	if err := c.AddFacet(&sessionClonableFacet{}); err != nil {
		t.Fatalf("AddFacet: %v", err)
	}
	s, err := c.CloneSession("alias", "alice", false, "/run/chrootkit")
	if err != nil {
		t.Fatalf("CloneSession: %v", err)
	}
	if s.SessionID == "" || !strings.HasPrefix(s.SessionID, "example-") {
		t.Fatalf("SessionID = %q, want example-<uuid>", s.SessionID)
	}
	if s.HasFacet(FacetSessionClonable) {
		t.Fatalf("session instance must not carry session-clonable")
	}
	if !s.HasFacet(FacetSession) {
		t.Fatalf("session instance missing session facet")
	}
	if len(s.Users) != 1 || s.Users[0] != "alice" {
		t.Fatalf("Users = %v, want [alice]", s.Users)
	}
}

func TestValidUserDataKey(t *testing.T) {
	cases := map[string]bool{
		"app.name":      true,
		"app.sub.key":   true,
		"App.name":      false,
		"app":           false,
		"app.":          false,
		"app.name-here": true,
	}
	for k, want := range cases {
		if got := ValidUserDataKey(k); got != want {
			t.Errorf("ValidUserDataKey(%q) = %v, want %v", k, got, want)
		}
	}
}

func TestSetUserDataRejectsInvalidKey(t *testing.T) {
	c := newChroot("example", &plainBackend{Directory: "/x"})
	if err := c.SetUserData("bad", "v"); !chkerr.OfKind(err, chkerr.InvalidValue) {
		t.Fatalf("expected INVALID_VALUE, got %v", err)
	}
	if err := c.SetUserData("app.name", "v"); err != nil {
		t.Fatalf("SetUserData: %v", err)
	}
	uf, ok := c.Facet(FacetUserdata).(*userdataFacet)
	if !ok || uf.Values["app.name"] != "v" {
		t.Fatalf("userdata not recorded")
	}
}

func TestEmitParseRoundTrip(t *testing.T) {
	c := newChroot("example", &directoryBackend{Directory: "/srv/example"})
	c.Description = "round trip"
	c.Users = []string{"alice", "bob"}
	doc := keyfile.New(nil)
	g := doc.NewGroup("example")
	c.Emit(g, false)

	out, err := doc.EmitString()
	if err != nil {
		t.Fatalf("EmitString: %v", err)
	}

	reparsed, err := keyfile.Parse(strings.NewReader(out), nil)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	rg := reparsed.Group("example")
	c2, err := Parse("example", rg, false)
	if err != nil {
		t.Fatalf("Parse round trip: %v", err)
	}
	if c2.Description != c.Description {
		t.Fatalf("Description = %q, want %q", c2.Description, c.Description)
	}
	if len(c2.Users) != 2 || c2.Users[0] != "alice" || c2.Users[1] != "bob" {
		t.Fatalf("Users = %v", c2.Users)
	}
}
