package session

import (
	"strings"
	"testing"

	"github.com/chrootkit/chrootkit/auth"
	"github.com/chrootkit/chrootkit/catalog"
	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
	"github.com/chrootkit/chrootkit/internal/daemoncfg"
	"github.com/chrootkit/chrootkit/keyfile"
)

type silentConversation struct{}

func (silentConversation) PromptEchoOn(string) (string, error)  { return "", nil }
func (silentConversation) PromptEchoOff(string) (string, error) { return "", nil }
func (silentConversation) Info(string)                          {}
func (silentConversation) Error(string)                         {}

func parseTestChroot(t *testing.T, name, extra string) *chroot.Chroot {
	t.Helper()
	body := "[" + name + "]\ntype=plain\ndirectory=/srv/chroots/" + name + "\nusers=alice\n" + extra
	doc, err := keyfile.Parse(strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("keyfile.Parse: %v", err)
	}
	c, err := chroot.Parse(name, doc.Group(name), false)
	if err != nil {
		t.Fatalf("chroot.Parse: %v", err)
	}
	return c
}

func newTestEngine(t *testing.T, chroots ...*chroot.Chroot) (*Engine, *catalog.Catalog) {
	t.Helper()
	templates := catalog.New(nil)
	for _, c := range chroots {
		if err := templates.Add(c); err != nil {
			t.Fatalf("Add(%s): %v", c.Name, err)
		}
	}
	e := &Engine{
		Templates: templates,
		Sessions:  catalog.New(nil),
		Cfg:       daemoncfg.Default(),
		Runner:    nil, // no Runner -> runScripts is a no-op, exercising pure ordering logic
		Gate:      auth.NewGate(nil),
		Conv:      silentConversation{},
	}
	return e, templates
}

func TestBeginUnknownTemplateFails(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Begin(1000, "alice", 1000, "alice", false, []string{"nope"})
	if !chkerr.OfKind(err, chkerr.ChrootNotFound) {
		t.Fatalf("expected CHROOT_NOT_FOUND, got %v", err)
	}
}

func TestAutomaticRecordsUnknownTemplatesAsPerChrootErrors(t *testing.T) {
	// Only unknown names are passed so resolveTemplates finds nothing and
	// Automatic returns before touching auth/setup/exec at all.
	e, _ := newTestEngine(t)
	res, err := e.Automatic(1000, "alice", 1000, "alice", false, []string{"nope"}, nil)
	if err != nil {
		t.Fatalf("Automatic: %v", err)
	}
	if len(res.Chroots) != 1 || !chkerr.OfKind(res.Chroots[0].Err, chkerr.ChrootNotFound) {
		t.Fatalf("results = %+v, want a single CHROOT_NOT_FOUND result", res.Chroots)
	}
}

func TestAutomaticRejectsDuplicateSession(t *testing.T) {
	e, _ := newTestEngine(t, parseTestChroot(t, "known", ""))
	existing := parseTestChroot(t, "known", "")
	if err := e.Sessions.Add(existing); err != nil {
		t.Fatalf("Add session: %v", err)
	}
	res, err := e.Automatic(1000, "alice", 1000, "alice", false, []string{"known"}, nil)
	if err != nil {
		t.Fatalf("Automatic: %v", err)
	}
	if len(res.Chroots) != 1 || !chkerr.OfKind(res.Chroots[0].Err, chkerr.SessionExist) {
		t.Fatalf("results = %+v, want a single SESSION_EXIST result", res.Chroots)
	}
}

func TestRunUnknownSessionRecordsError(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := e.Run(1000, "alice", 1000, "alice", []string{"nope"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Chroots) != 1 || !chkerr.OfKind(res.Chroots[0].Err, chkerr.SessionUnknown) {
		t.Fatalf("results = %+v, want a single SESSION_UNKNOWN result", res.Chroots)
	}
}

func TestLocationResolvesTemplatesAndSessions(t *testing.T) {
	e, _ := newTestEngine(t, parseTestChroot(t, "tmpl", ""))
	sess := parseTestChroot(t, "tmpl-abc", "")
	if err := e.Sessions.Add(sess); err != nil {
		t.Fatalf("Add session: %v", err)
	}
	locs, errs := e.Location([]string{"tmpl", "tmpl-abc", "missing"})
	if len(errs) != 1 || !chkerr.OfKind(errs[0], chkerr.ChrootNotFound) {
		t.Fatalf("errs = %v, want one CHROOT_NOT_FOUND", errs)
	}
	if locs["tmpl"] == "" || locs["tmpl-abc"] == "" {
		t.Fatalf("locs = %+v, want both resolved", locs)
	}
}

func TestEndUnknownSessionFails(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.End(1000, "alice", 1000, "alice", []string{"nope"})
	if !chkerr.OfKind(err, chkerr.SessionUnknown) {
		t.Fatalf("expected SESSION_UNKNOWN, got %v", err)
	}
}
