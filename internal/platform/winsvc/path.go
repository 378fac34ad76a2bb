package winsvc

import (
	"os"
	"strings"
)

// PathStore persists the machine wide Path value.
type PathStore interface {
	Get() (string, error)
	// Set persists value and tells other running programs about it.
	Set(value string) error
}

// MachinePath edits a ;-separated search path. Entries compare without
// case and ignoring a trailing backslash. Add and Remove also edit the PATH
// of the current process, which keeps its user entries.
type MachinePath struct {
	Store PathStore
	// Getenv and Setenv default to the process environment.
	Getenv func(string) string
	Setenv func(key, value string) error
}

func (m *MachinePath) Contains(dir string) (bool, error) {
	v, err := m.Store.Get()
	if err != nil {
		return false, err
	}
	return pathContains(v, dir), nil
}

func (m *MachinePath) Add(dir string) (bool, error) {
	v, err := m.Store.Get()
	if err != nil {
		return false, err
	}
	if pathContains(v, dir) {
		return false, nil
	}
	if err := m.Store.Set(pathAppend(v, dir)); err != nil {
		return false, err
	}
	if cur := m.getenv("PATH"); !pathContains(cur, dir) {
		return true, m.setenv("PATH", pathAppend(cur, dir))
	}
	return true, nil
}

func (m *MachinePath) Remove(dir string) (bool, error) {
	v, err := m.Store.Get()
	if err != nil {
		return false, err
	}
	next, removed := pathRemove(v, dir)
	if !removed {
		return false, nil
	}
	if err := m.Store.Set(next); err != nil {
		return false, err
	}
	if cur, ok := pathRemove(m.getenv("PATH"), dir); ok {
		return true, m.setenv("PATH", cur)
	}
	return true, nil
}

func (m *MachinePath) getenv(key string) string {
	if m.Getenv != nil {
		return m.Getenv(key)
	}
	return os.Getenv(key)
}

func (m *MachinePath) setenv(key, value string) error {
	if m.Setenv != nil {
		return m.Setenv(key, value)
	}
	return os.Setenv(key, value)
}

func samePathEntry(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), `\`), strings.TrimRight(strings.TrimSpace(b), `\`))
}

func pathContains(list, dir string) bool {
	for _, e := range strings.Split(list, ";") {
		if samePathEntry(e, dir) {
			return true
		}
	}
	return false
}

func pathAppend(list, dir string) string {
	list = strings.TrimRight(list, ";")
	if list == "" {
		return dir
	}
	return list + ";" + dir
}

// pathRemove drops every entry matching dir and any empty entries left behind.
func pathRemove(list, dir string) (string, bool) {
	var kept []string
	removed := false
	for _, e := range strings.Split(list, ";") {
		switch {
		case samePathEntry(e, dir):
			removed = true
		case e != "":
			kept = append(kept, e)
		}
	}
	return strings.Join(kept, ";"), removed
}
