package keyfile

import (
	"strings"
	"testing"
)

const sample = `[base]
# a comment
type=plain
directory=/srv/chroots/base
users=alice,bob

groups=sbuild
`

func TestParseBasic(t *testing.T) {
	doc, err := Parse(strings.NewReader(sample), nil)
	if err != nil {
		t.Fatal(err)
	}
	g := doc.Group("base")
	if g == nil {
		t.Fatal("missing group base")
	}
	var typ string
	if err := g.GetString("type", Required, &typ); err != nil {
		t.Fatal(err)
	}
	if typ != "plain" {
		t.Fatalf("got %q", typ)
	}
	var users []string
	if err := g.GetStringList("users", Required, &users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("got %v", users)
	}
}

func TestRequiredMissingFails(t *testing.T) {
	doc, err := Parse(strings.NewReader("[base]\ntype=plain\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	g := doc.Group("base")
	var v string
	if err := g.GetString("directory", Required, &v); err == nil {
		t.Fatal("expected MISSING_KEY error")
	}
}

func TestOptionalMissingLeavesTarget(t *testing.T) {
	doc, _ := Parse(strings.NewReader("[base]\ntype=plain\n"), nil)
	g := doc.Group("base")
	v := "unchanged"
	if err := g.GetString("directory", Optional, &v); err != nil {
		t.Fatal(err)
	}
	if v != "unchanged" {
		t.Fatalf("got %q", v)
	}
}

func TestDisallowedPresentFails(t *testing.T) {
	doc, _ := Parse(strings.NewReader("[base]\ntype=plain\nlocation=/foo\n"), nil)
	g := doc.Group("base")
	var v string
	if err := g.GetString("location", Disallowed, &v); err == nil {
		t.Fatal("expected DISALLOWED_KEY error")
	}
}

func TestObsoleteDiscardsValue(t *testing.T) {
	doc, _ := Parse(strings.NewReader("[base]\nrun-session-scripts=true\n"), nil)
	g := doc.Group("base")
	v := false
	if err := g.GetBool("run-session-scripts", Obsolete, &v); err != nil {
		t.Fatal(err)
	}
	if v != false {
		t.Fatal("obsolete key value should not be applied")
	}
}

func TestRoundTrip(t *testing.T) {
	doc, err := Parse(strings.NewReader(sample), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := doc.EmitString()
	if err != nil {
		t.Fatal(err)
	}
	doc2, err := Parse(strings.NewReader(out), nil)
	if err != nil {
		t.Fatal(err)
	}
	g1, g2 := doc.Group("base"), doc2.Group("base")
	for _, k := range g1.Keys() {
		v1, _ := g1.rawValue(k)
		v2, ok := g2.rawValue(k)
		if !ok || v1 != v2 {
			t.Fatalf("key %q: got %q want %q", k, v2, v1)
		}
	}
}

func TestLocaleCandidateOrder(t *testing.T) {
	doc, _ := Parse(strings.NewReader("[base]\ndescription[en]=hello\ndescription=fallback\n"), nil)
	g := doc.Group("base")
	var v string
	if err := g.GetLocaleString("description", "en_US.UTF-8", Optional, &v); err != nil {
		t.Fatal(err)
	}
	if v != "hello" {
		t.Fatalf("got %q", v)
	}
}

func TestUnusedKeys(t *testing.T) {
	doc, _ := Parse(strings.NewReader("[base]\ntype=plain\nmystery=1\n"), nil)
	g := doc.Group("base")
	var typ string
	g.GetString("type", Required, &typ)
	unused := g.UnusedKeys()
	if len(unused) != 1 || unused[0] != "mystery" {
		t.Fatalf("got %v", unused)
	}
}

func TestMergeLaterWins(t *testing.T) {
	a, _ := Parse(strings.NewReader("[base]\ntype=plain\n"), nil)
	b, _ := Parse(strings.NewReader("[base]\ntype=directory\nusers=alice\n"), nil)
	a.Merge(b)
	g := a.Group("base")
	var typ string
	g.GetString("type", Required, &typ)
	if typ != "directory" {
		t.Fatalf("got %q", typ)
	}
}
