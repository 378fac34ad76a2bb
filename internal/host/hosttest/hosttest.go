// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
)

// Host records commands and keeps files in memory. Both / and \ are treated
// as path separators so Linux and Windows layouts can share it.
type Host struct {
	mu sync.Mutex

	Ident host.Identity
	Users map[string]host.User
	// Handler answers commands. A nil Handler succeeds with no output.
	Handler func(c host.Command) (string, error)

	commands []host.Command
	files    map[string][]byte
	modes    map[string]fs.FileMode
	dirs     map[string]bool
}

var _ host.Host = (*Host)(nil)

func New() *Host {
	return &Host{
		Users: map[string]host.User{},
		files: map[string][]byte{},
		modes: map[string]fs.FileMode{},
		dirs:  map[string]bool{},
	}
}

func (h *Host) Name() string { return "fake" }

func (h *Host) Identity(ctx context.Context) (host.Identity, error) { return h.Ident, nil }

func (h *Host) LookupUser(ctx context.Context, name string) (host.User, error) {
	u, ok := h.Users[name]
	if !ok {
		return host.User{}, fmt.Errorf("lookup user %s: unknown user", name)
	}
	return u, nil
}

func (h *Host) Run(ctx context.Context, c host.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	h.commands = append(h.commands, c)
	handler := h.Handler
	h.mu.Unlock()
	if handler == nil {
		return "", nil
	}
	return handler(c)
}

func (h *Host) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if data, ok := h.files[p]; ok {
		return fileInfo{name: base(p), size: int64(len(data)), mode: h.modes[p]}, nil
	}
	if h.dirs[p] {
		return fileInfo{name: base(p), mode: fs.ModeDir | 0o755}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (h *Host) MkdirAll(ctx context.Context, p string, perm fs.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(p)
	return nil
}

func (h *Host) mkdirAll(p string) {
	for p != "" && !h.dirs[p] {
		h.dirs[p] = true
		p = parent(p)
	}
}

func (h *Host) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(parent(p))
	h.files[p] = append([]byte(nil), data...)
	h.modes[p] = perm
	return nil
}

func (h *Host) Install(ctx context.Context, src, dst string, perm fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return h.WriteFile(ctx, dst, data, perm)
}

func (h *Host) Remove(ctx context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, p)
	delete(h.modes, p)
	delete(h.dirs, p)
	return nil
}

func (h *Host) RemoveAll(ctx context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.files {
		if f == p || under(f, p) {
			delete(h.files, f)
			delete(h.modes, f)
		}
	}
	for d := range h.dirs {
		if d == p || under(d, p) {
			delete(h.dirs, d)
		}
	}
	return nil
}

func (h *Host) RemoveIfEmpty(ctx context.Context, p string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirs[p] {
		return false, nil
	}
	for f := range h.files {
		if under(f, p) {
			return false, nil
		}
	}
	for d := range h.dirs {
		if under(d, p) {
			return false, nil
		}
	}
	delete(h.dirs, p)
	return true, nil
}

// Commands returns the commands run so far.
func (h *Host) Commands() []host.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]host.Command(nil), h.commands...)
}

// CommandLines renders Commands with secrets masked.
func (h *Host) CommandLines() []string {
	var out []string
	for _, c := range h.Commands() {
		out = append(out, c.String())
	}
	return out
}

// File returns the content written at p.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[p]
	return data, ok
}

// Exists reports whether p is a file or directory.
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[p]
	return ok || h.dirs[p]
}

// Paths lists every file and directory, sorted.
func (h *Host) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for f := range h.files {
		out = append(out, f)
	}
	for d := range h.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func parent(p string) string {
	i := strings.LastIndexAny(p, `/\`)
	if i <= 0 {
		return ""
	}
	return p[:i]
}

func base(p string) string {
	return p[strings.LastIndexAny(p, `/\`)+1:]
}

func under(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/") || strings.HasPrefix(p, dir+`\`)
}

type fileInfo struct {
	name string
	size int64
	mode fs.FileMode
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return f.size }
func (f fileInfo) Mode() fs.FileMode  { return f.mode }
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fileInfo) Sys() any           { return nil }
