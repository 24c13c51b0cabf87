// Package keyfile implements the grouped, commented, line-oriented
// configuration container used for chroot definitions and session records.
//
// Unlike the gcfg-based struct mapping used for this module's own bootstrap
// settings, a keyfile document must survive an emit/parse round trip with
// the comments, blank lines, and key ordering inside its groups intact
// (comment and blank lines before the first group are not kept), and its
// reads are
// tagged with a priority (required/optional/deprecated/obsolete/disallowed)
// that gcfg's reflection decoder has no notion of. This is therefore a
// hand-rolled line scanner in the same line-slicing style as this module's
// ancestor INI helpers (lineParameter/insertLine/updateLine), generalized
// into a full parse/AST/emit round trip.
package keyfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/internal/log"
)

// Priority tags a read with the action to take when the key is missing,
// present-but-deprecated, present-but-obsolete, or present-but-disallowed.
type Priority int

const (
	Required Priority = iota
	Optional
	Deprecated
	Obsolete
	Disallowed
)

type lineKind int

const (
	lineBlank lineKind = iota
	lineComment
	lineKeyValue
)

type line struct {
	kind    lineKind
	raw     string // full original text, used verbatim for blank/comment lines
	leading string // whitespace/text preceding "key" on a kv line
	key     string
	value   string
	comment string // trailing "# ..." text on a kv line, including the '#'
}

// Group is one `[name]` section: an ordered sequence of comment, blank, and
// key/value lines.
type Group struct {
	Name     string
	lines    []line
	keyIndex map[string]int
	used     map[string]bool
	lg       *log.Logger
}

// Document is an ordered sequence of groups parsed from a keyfile stream.
type Document struct {
	groups     []*Group
	groupIndex map[string]int
	lg         *log.Logger
}

// New returns an empty document. lg may be nil.
func New(lg *log.Logger) *Document {
	return &Document{groupIndex: make(map[string]int), lg: lg}
}

// Parse reads a full keyfile stream into a Document.
func Parse(r io.Reader, lg *log.Logger) (*Document, error) {
	doc := New(lg)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var cur *Group
	lineno := 0
	for sc.Scan() {
		lineno++
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)
		switch {
		case trimmed == "":
			if cur == nil {
				continue // leading blank lines before any group are dropped
			}
			cur.lines = append(cur.lines, line{kind: lineBlank, raw: raw})
		case strings.HasPrefix(trimmed, "#"):
			if cur == nil {
				continue
			}
			cur.lines = append(cur.lines, line{kind: lineComment, raw: raw})
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			cur = doc.group(name)
		default:
			if cur == nil {
				return nil, chkerr.New(chkerr.ParseError, fmt.Sprintf("line %d: key/value outside any group", lineno))
			}
			ln, err := parseKV(raw)
			if err != nil {
				return nil, chkerr.Wrap(chkerr.ParseError, fmt.Sprintf("line %d", lineno), err)
			}
			cur.setLine(ln)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseKV(raw string) (line, error) {
	leading, rest, ok := strings.Cut(raw, "=")
	if !ok {
		return line{}, fmt.Errorf("malformed key/value line: %q", raw)
	}
	key := strings.TrimSpace(leading)
	value := rest
	comment := ""
	if idx := strings.Index(value, "#"); idx >= 0 {
		comment = strings.TrimRight(value[idx:], "")
		value = value[:idx]
	}
	value = strings.TrimSpace(value)
	return line{kind: lineKeyValue, key: key, value: value, comment: comment}, nil
}

// group returns (creating if necessary) the named group, preserving
// insertion order.
func (d *Document) group(name string) *Group {
	if idx, ok := d.groupIndex[name]; ok {
		return d.groups[idx]
	}
	g := &Group{Name: name, keyIndex: make(map[string]int), used: make(map[string]bool), lg: d.lg}
	d.groupIndex[name] = len(d.groups)
	d.groups = append(d.groups, g)
	return g
}

// Group returns the named group, or nil if it does not exist.
func (d *Document) Group(name string) *Group {
	if idx, ok := d.groupIndex[name]; ok {
		return d.groups[idx]
	}
	return nil
}

// NewGroup creates and returns a fresh, empty group, for use when building a
// document from scratch (e.g. a session record).
func (d *Document) NewGroup(name string) *Group {
	return d.group(name)
}

// GroupNames returns group names in document order.
func (d *Document) GroupNames() []string {
	out := make([]string, len(d.groups))
	for i, g := range d.groups {
		out[i] = g.Name
	}
	return out
}

// Merge implements keyfile concatenation (a += b): groups are merged
// key-by-key, with b's values replacing a's on collision. Groups present
// only in b are appended in b's order.
func (d *Document) Merge(other *Document) {
	for _, og := range other.groups {
		g := d.group(og.Name)
		for _, ln := range og.lines {
			if ln.kind == lineKeyValue {
				g.setLine(ln)
			} else {
				g.lines = append(g.lines, ln)
			}
		}
	}
}

func (g *Group) setLine(ln line) {
	if idx, ok := g.keyIndex[ln.key]; ok {
		// preserve the existing line's leading text/comment, only swap the value,
		// mirroring this module's ancestor updateLine helper.
		g.lines[idx].value = ln.value
		if ln.comment != "" {
			g.lines[idx].comment = ln.comment
		}
		return
	}
	g.keyIndex[ln.key] = len(g.lines)
	g.lines = append(g.lines, ln)
}

// rawValue returns the stored string for key, and whether it was present.
func (g *Group) rawValue(key string) (string, bool) {
	idx, ok := g.keyIndex[key]
	if !ok {
		return "", false
	}
	return g.lines[idx].value, true
}

func (g *Group) warn(key, msg string) {
	if g.lg != nil {
		g.lg.Warn(msg, log.KV("group", g.Name), log.KV("key", key))
	}
}

// check applies the priority rule for a key lookup and reports whether the
// caller should proceed to consume the (present) value.
func (g *Group) check(key string, present bool, p Priority) (proceed bool, err error) {
	switch p {
	case Required:
		if !present {
			return false, chkerr.New(chkerr.MissingKey, fmt.Sprintf("%s.%s", g.Name, key))
		}
		return true, nil
	case Optional:
		return present, nil
	case Deprecated:
		if present {
			g.warn(key, "key is deprecated")
		}
		return present, nil
	case Obsolete:
		if present {
			g.warn(key, "key is obsolete and has no effect")
		}
		return false, nil
	case Disallowed:
		if present {
			return false, chkerr.New(chkerr.DisallowedKey, fmt.Sprintf("%s.%s", g.Name, key))
		}
		return false, nil
	default:
		return present, nil
	}
}

// GetString reads key at the given priority into *target. target is left
// unchanged if the read does not proceed (optional-missing, obsolete,
// disallowed-absent).
func (g *Group) GetString(key string, p Priority, target *string) error {
	g.used[key] = true
	v, present := g.rawValue(key)
	proceed, err := g.check(key, present, p)
	if err != nil {
		return err
	}
	if proceed {
		*target = v
	}
	return nil
}

// GetBool reads a boolean-valued key ("true"/"false", "yes"/"no", "1"/"0").
func (g *Group) GetBool(key string, p Priority, target *bool) error {
	g.used[key] = true
	v, present := g.rawValue(key)
	proceed, err := g.check(key, present, p)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	b, err := parseBool(v)
	if err != nil {
		return chkerr.Wrap(chkerr.InvalidValue, fmt.Sprintf("%s.%s", g.Name, key), err)
	}
	*target = b
	return nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return strconv.ParseBool(v)
}

// GetUint reads an unsigned-integer-valued key.
func (g *Group) GetUint(key string, p Priority, target *uint) error {
	g.used[key] = true
	v, present := g.rawValue(key)
	proceed, err := g.check(key, present, p)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return chkerr.Wrap(chkerr.InvalidValue, fmt.Sprintf("%s.%s", g.Name, key), err)
	}
	*target = uint(n)
	return nil
}

// GetStringList reads a comma-separated list-valued key, trimming whitespace
// per element and dropping empty elements.
func (g *Group) GetStringList(key string, p Priority, target *[]string) error {
	g.used[key] = true
	v, present := g.rawValue(key)
	proceed, err := g.check(key, present, p)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	*target = splitList(v)
	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetLocaleString implements get_locale_string: for key "description" and
// locale "en_US.UTF-8" it tries, in order, "description[en_US.UTF-8]",
// "description[en_US]", "description[en]", "description".
func (g *Group) GetLocaleString(key, locale string, p Priority, target *string) error {
	for _, candidate := range localeCandidates(key, locale) {
		g.used[candidate] = true
		if v, present := g.rawValue(candidate); present {
			*target = v
			return nil
		}
	}
	return g.GetString(key, p, target)
}

func localeCandidates(key, locale string) []string {
	if locale == "" {
		return nil
	}
	base := locale
	charset := ""
	if idx := strings.Index(base, "."); idx >= 0 {
		charset = base[idx+1:]
		base = base[:idx]
	}
	var out []string
	if charset != "" {
		out = append(out, fmt.Sprintf("%s[%s.%s]", key, base, charset))
	}
	out = append(out, fmt.Sprintf("%s[%s]", key, base))
	if idx := strings.Index(base, "_"); idx >= 0 {
		out = append(out, fmt.Sprintf("%s[%s]", key, base[:idx]))
	}
	return out
}

// Set stores key=value, preserving the position/comment of a pre-existing
// line, or appending a fresh one.
func (g *Group) Set(key, value string) {
	g.setLine(line{kind: lineKeyValue, key: key, value: value})
}

// SetList stores a comma-joined list-valued key.
func (g *Group) SetList(key string, values []string) {
	g.Set(key, strings.Join(values, ","))
}

// SetBool stores a boolean-valued key using "true"/"false".
func (g *Group) SetBool(key string, v bool) {
	if v {
		g.Set(key, "true")
	} else {
		g.Set(key, "false")
	}
}

// Has reports whether key is present, without marking it used.
func (g *Group) Has(key string) bool {
	_, ok := g.keyIndex[key]
	return ok
}

// Keys returns every key present in document order.
func (g *Group) Keys() []string {
	out := make([]string, 0, len(g.keyIndex))
	for _, ln := range g.lines {
		if ln.kind == lineKeyValue {
			out = append(out, ln.key)
		}
	}
	return out
}

// UnusedKeys returns, in sorted order, every present key that no GetXxx call
// has consumed since the group was parsed -- the raw material for an
// unknown-key warning after deserializing an object.
func (g *Group) UnusedKeys() []string {
	var out []string
	for _, k := range g.Keys() {
		if !g.used[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// WarnUnusedKeys logs a warning for every key the caller never read.
func (g *Group) WarnUnusedKeys() {
	for _, k := range g.UnusedKeys() {
		g.warn(k, "unknown key")
	}
}

// Emit writes the document back to w, preserving comments, blank lines, and
// group/key ordering.
func (d *Document) Emit(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, g := range d.groups {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, "[%s]\n", g.Name); err != nil {
			return err
		}
		for _, ln := range g.lines {
			switch ln.kind {
			case lineBlank, lineComment:
				if _, err := bw.WriteString(ln.raw + "\n"); err != nil {
					return err
				}
			case lineKeyValue:
				s := ln.leading + ln.key + "=" + ln.value
				if ln.comment != "" {
					s += " " + ln.comment
				}
				if _, err := bw.WriteString(s + "\n"); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

// EmitString is a convenience wrapper around Emit.
func (d *Document) EmitString() (string, error) {
	var sb strings.Builder
	if err := d.Emit(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}
