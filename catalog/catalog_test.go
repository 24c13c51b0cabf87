package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chrootkit/chrootkit/chkerr"
)

func writeDefFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeDefFile(t, dir, "chroots.conf", ""+
		"[sid]\ntype=plain\ndirectory=/srv/chroots/sid\naliases=unstable,debian-sid\n"+
		"[stretch]\ntype=plain\ndirectory=/srv/chroots/stretch\n")

	cat := New(nil)
	if err := cat.AddLocation(path, false); err != nil {
		t.Fatalf("AddLocation: %v", err)
	}

	if _, ok := cat.FindChroot("sid"); !ok {
		t.Fatalf("sid not found by primary name")
	}
	if chr, ok := cat.FindAlias("unstable"); !ok || chr.Name != "sid" {
		t.Fatalf("unstable alias did not resolve to sid")
	}

	all := cat.GetChroots()
	if len(all) != 2 || all[0].Name != "sid" || all[1].Name != "stretch" {
		t.Fatalf("GetChroots = [%s %s], want sorted [sid stretch]", all[0].Name, all[1].Name)
	}

	invalid := cat.ValidateChroots([]string{"sid", "nope"})
	if len(invalid) != 1 || invalid[0] != "nope" {
		t.Fatalf("ValidateChroots = %v", invalid)
	}
}

func TestDuplicatePrimaryNameFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeDefFile(t, dir, "chroots.conf", ""+
		"[sid]\ntype=plain\ndirectory=/srv/chroots/sid\n")
	cat := New(nil)
	if err := cat.AddLocation(path, false); err != nil {
		t.Fatalf("first AddLocation: %v", err)
	}
	if err := cat.AddLocation(path, false); !chkerr.OfKind(err, chkerr.ChrootExist) {
		t.Fatalf("expected CHROOT_EXIST on second load, got %v", err)
	}
}

func TestDuplicateAliasSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeDefFile(t, dir, "chroots.conf", ""+
		"[sid]\ntype=plain\ndirectory=/srv/chroots/sid\naliases=unstable\n"+
		"[experimental]\ntype=plain\ndirectory=/srv/chroots/exp\naliases=unstable\n")
	cat := New(nil)
	if err := cat.AddLocation(path, false); err != nil {
		t.Fatalf("AddLocation: %v", err)
	}
	if _, ok := cat.FindChroot("experimental"); !ok {
		t.Fatalf("experimental should still load despite alias collision")
	}
	chr, ok := cat.FindAlias("unstable")
	if !ok || chr.Name != "sid" {
		t.Fatalf("unstable alias should still resolve to the first owner (sid)")
	}
}

func TestRejectsWorldWritableFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDefFile(t, dir, "chroots.conf", "[sid]\ntype=plain\ndirectory=/srv/chroots/sid\n")
	if err := os.Chmod(path, 0646); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	cat := New(nil)
	if err := cat.AddLocation(path, false); !chkerr.OfKind(err, chkerr.FilePerms) {
		t.Fatalf("expected FILE_PERMS, got %v", err)
	}
}
