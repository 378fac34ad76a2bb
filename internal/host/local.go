package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Local is the machine the installer runs on.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return "local" }

func (l *Local) LookupUser(ctx context.Context, name string) (User, error) {
	_ = ctx
	u, err := user.Lookup(name)
	if err != nil {
		return User{}, fmt.Errorf("lookup user %s: %w", name, err)
	}
	return User{Name: u.Username, UID: u.Uid, GID: u.Gid, HomeDir: u.HomeDir}, nil
}

// Run executes the command and returns its combined output.
func (l *Local) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	if c.User != "" {
		u, err := l.LookupUser(ctx, c.User)
		if err != nil {
			return "", err
		}
		if err := runAs(cmd, u); err != nil {
			return "", err
		}
	}
	cmd.Env = append(cmd.Env, c.Env...)

	log.Debug().Str("cmd", c.String()).Str("user", c.User).Msg("exec")
	out, err := cmd.CombinedOutput()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return string(out), NewCommandError(c, code, string(out), err)
	}
	return string(out), nil
}

func (l *Local) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	_ = ctx
	return os.Stat(path)
}

func (l *Local) MkdirAll(ctx context.Context, path string, perm fs.FileMode) error {
	_ = ctx
	return os.MkdirAll(path, perm)
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	_ = ctx
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, perm)
}

// Install copies src to dst through a temporary file in the destination
// directory so a crash never leaves a truncated executable behind.
func (l *Local) Install(ctx context.Context, src, dst string, perm fs.FileMode) error {
	_ = ctx
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}

func (l *Local) Remove(ctx context.Context, path string) error {
	_ = ctx
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) RemoveAll(ctx context.Context, path string) error {
	_ = ctx
	return os.RemoveAll(path)
}

func (l *Local) RemoveIfEmpty(ctx context.Context, path string) (bool, error) {
	_ = ctx
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}
