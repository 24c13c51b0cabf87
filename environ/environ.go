// Package environ implements an ordered name=value environment list with an
// optional deny-regex filter, kept as an ordered slice plus a name index in
// place of a bare map so that insertion order is preserved.
package environ

import (
	"regexp"
	"strings"

	"github.com/chrootkit/chrootkit/internal/log"
)

type entry struct {
	name  string
	value string
}

// Environ is an ordered name->value mapping with at most one value per name.
type Environ struct {
	entries []entry
	index   map[string]int
	filter  *regexp.Regexp
	lg      *log.Logger
}

// New returns an empty environment. lg may be nil, in which case filter
// rejections are simply not logged.
func New(lg *log.Logger) *Environ {
	return &Environ{index: make(map[string]int), lg: lg}
}

// SetFilter installs an extended-regex filter; names matching it are
// silently dropped (logged at debug) at Add time, including re-evaluation
// of entries already present.
func (e *Environ) SetFilter(expr string) error {
	if expr == "" {
		e.filter = nil
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	e.filter = re
	var drop []string
	for _, en := range e.entries {
		if e.rejects(en.name) {
			drop = append(drop, en.name)
		}
	}
	for _, name := range drop {
		e.Remove(name)
	}
	return nil
}

func (e *Environ) rejects(name string) bool {
	return e.filter != nil && e.filter.MatchString(name)
}

// Add sets name=value, dropping the entry if value is empty or the name
// matches the active filter. A pre-existing entry with the same name is
// overwritten in place, preserving its original position.
func (e *Environ) Add(name, value string) {
	if value == "" {
		return
	}
	if e.rejects(name) {
		if e.lg != nil {
			e.lg.Debug("environment filter rejected variable", log.KV("name", name))
		}
		return
	}
	if idx, ok := e.index[name]; ok {
		e.entries[idx].value = value
		return
	}
	e.index[name] = len(e.entries)
	e.entries = append(e.entries, entry{name: name, value: value})
}

// AddString parses a "NAME=VALUE" string and adds it; strings without an
// '=' are ignored.
func (e *Environ) AddString(s string) {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return
	}
	e.Add(name, value)
}

// Get returns the value stored for name, if any.
func (e *Environ) Get(name string) (string, bool) {
	idx, ok := e.index[name]
	if !ok {
		return "", false
	}
	return e.entries[idx].value, true
}

// Contains reports whether name has a value currently stored.
func (e *Environ) Contains(name string) bool {
	_, ok := e.index[name]
	return ok
}

// Remove deletes name, if present.
func (e *Environ) Remove(name string) {
	idx, ok := e.index[name]
	if !ok {
		return
	}
	e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
	delete(e.index, name)
	for n, i := range e.index {
		if i > idx {
			e.index[n] = i - 1
		}
	}
}

// AddEnviron merges every entry of other into e (set-like union; later
// values win), subject to the same filter as Add.
func (e *Environ) AddEnviron(other *Environ) {
	for _, en := range other.entries {
		e.Add(en.name, en.value)
	}
}

// RemoveEnviron deletes from e every name present in other.
func (e *Environ) RemoveEnviron(other *Environ) {
	for _, en := range other.entries {
		e.Remove(en.name)
	}
}

// Len returns the number of entries currently stored.
func (e *Environ) Len() int {
	return len(e.entries)
}

// ToArgv returns a freshly allocated slice of "NAME=VALUE" strings in
// insertion order, suitable for exec's envp.
func (e *Environ) ToArgv() []string {
	out := make([]string, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, en.name+"="+en.value)
	}
	return out
}

// Clone returns a deep copy of e sharing no backing storage.
func (e *Environ) Clone() *Environ {
	n := &Environ{
		entries: append([]entry(nil), e.entries...),
		index:   make(map[string]int, len(e.index)),
		filter:  e.filter,
		lg:      e.lg,
	}
	for k, v := range e.index {
		n.index[k] = v
	}
	return n
}
