package detail

import (
	"strings"
	"testing"

	"github.com/chrootkit/chrootkit/chroot"
	"github.com/chrootkit/chrootkit/keyfile"
)

func parseChroot(t *testing.T, body string) *chroot.Chroot {
	t.Helper()
	doc, err := keyfile.Parse(strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("keyfile.Parse: %v", err)
	}
	c, err := chroot.Parse("sid", doc.Group("sid"), false)
	if err != nil {
		t.Fatalf("chroot.Parse: %v", err)
	}
	return c
}

func TestPrintIncludesNameAndLocation(t *testing.T) {
	c := parseChroot(t, "[sid]\ntype=plain\ndirectory=/srv/chroots/sid\ndescription=test chroot\nusers=alice,bob\n")
	out := Print(c, false)
	for _, want := range []string{"Name", "sid", "Location", "/srv/chroots/sid", "Users", "alice,bob"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintQuietOmitsUserLists(t *testing.T) {
	c := parseChroot(t, "[sid]\ntype=plain\ndirectory=/srv/chroots/sid\nusers=alice\n")
	out := Print(c, true)
	if strings.Contains(out, "Users") {
		t.Fatalf("quiet output should omit Users:\n%s", out)
	}
	if !strings.Contains(out, "Name") {
		t.Fatalf("quiet output should still include Name:\n%s", out)
	}
}

func TestPrintAllSeparatesWithBlankLine(t *testing.T) {
	a := parseChroot(t, "[sid]\ntype=plain\ndirectory=/srv/chroots/a\n")
	b := parseChroot(t, "[sid]\ntype=plain\ndirectory=/srv/chroots/b\n")
	out := PrintAll([]*chroot.Chroot{a, b}, true)
	if strings.Count(out, "Name") != 2 {
		t.Fatalf("expected two Name rows:\n%s", out)
	}
}
