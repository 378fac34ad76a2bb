package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
)

// Host drives a remote Linux machine over an established SSH connection.
// Commands are elevated with non-interactive sudo unless the login is root.
// Files are staged over SFTP into a private directory under /tmp and moved
// into place with install(1).
type Host struct {
	client *xssh.Client
	sftp   *sftp.Client
	login  string
	addr   string
}

var _ host.Host = (*Host)(nil)

// NewHost wraps client. Close releases the SFTP session; the SSH client stays
// owned by the caller.
func NewHost(client *xssh.Client, login, addr string) (*Host, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &Host{client: client, sftp: sf, login: login, addr: addr}, nil
}

func (h *Host) Close() error { return h.sftp.Close() }

func (h *Host) Name() string { return h.login + "@" + h.addr }

// Identity treats the login account as the invoker. A root login has no
// separate invoker.
func (h *Host) Identity(ctx context.Context) (host.Identity, error) {
	if h.login == "root" {
		return host.Identity{Elevated: true}, nil
	}
	_, err := h.Run(ctx, host.Command{Name: "true"})
	var cmdErr *host.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return host.Identity{Elevated: false, Invoker: h.login}, nil
	}
	if err != nil {
		return host.Identity{}, err
	}
	return host.Identity{Elevated: true, Invoker: h.login}, nil
}

func (h *Host) LookupUser(ctx context.Context, name string) (host.User, error) {
	out, err := h.Run(ctx, host.Command{Name: "getent", Args: []string{"passwd", name}})
	if err != nil {
		return host.User{}, fmt.Errorf("lookup user %s: %w", name, err)
	}
	return parsePasswd(name, out)
}

// parsePasswd reads a single passwd(5) line.
func parsePasswd(name, line string) (host.User, error) {
	fields := strings.Split(strings.TrimSpace(line), ":")
	if len(fields) < 7 || fields[0] != name {
		return host.User{}, fmt.Errorf("lookup user %s: unexpected passwd entry %q", name, strings.TrimSpace(line))
	}
	return host.User{Name: fields[0], UID: fields[2], GID: fields[3], HomeDir: fields[5]}, nil
}

// commandLine renders c as a shell command line for the remote login shell.
func (h *Host) commandLine(c host.Command) string {
	var parts []string
	if h.login != "root" || c.User != "" {
		parts = append(parts, "sudo", "-n")
		if c.User != "" {
			parts = append(parts, "-u", host.Quote(c.User), "-H")
		}
	}
	if len(c.Env) > 0 {
		parts = append(parts, "env")
		for _, e := range c.Env {
			parts = append(parts, host.Quote(e))
		}
	}
	parts = append(parts, host.Quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, host.Quote(a))
	}
	line := strings.Join(parts, " ")
	if c.Dir != "" {
		line = "cd " + host.Quote(c.Dir) + " && " + line
	}
	return line
}

// Run executes c in a new session. Cancelling ctx closes the session.
func (h *Host) Run(ctx context.Context, c host.Command) (string, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	log.Debug().Str("host", h.Name()).Str("cmd", c.String()).Str("user", c.User).Msg("exec")
	done := make(chan error, 1)
	go func() { done <- session.Run(h.commandLine(c)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGTERM)
		_ = session.Close()
		<-done
		return out.String(), host.NewCommandError(c, -1, out.String(), ctx.Err())
	case err := <-done:
		if err == nil {
			return out.String(), nil
		}
		code := -1
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitStatus()
		}
		return out.String(), host.NewCommandError(c, code, out.String(), err)
	}
}

func (h *Host) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	_ = ctx
	fi, err := h.sftp.Stat(p)
	if err != nil && isNotExist(err) {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return fi, err
}

func (h *Host) MkdirAll(ctx context.Context, p string, perm fs.FileMode) error {
	_, err := h.Run(ctx, host.Command{Name: "install", Args: []string{"-d", "-m", mode(perm), p}})
	return err
}

func (h *Host) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	return h.place(ctx, bytes.NewReader(data), p, perm)
}

func (h *Host) Install(ctx context.Context, src, dst string, perm fs.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer f.Close()
	return h.place(ctx, f, dst, perm)
}

// place uploads r to a private staging file and installs it at dst as root.
func (h *Host) place(ctx context.Context, r io.Reader, dst string, perm fs.FileMode) error {
	staged, err := h.stage(r)
	if err != nil {
		return err
	}
	defer h.unstage(staged)
	_, err = h.Run(ctx, host.Command{Name: "install", Args: []string{"-D", "-m", mode(perm), staged, dst}})
	return err
}

// stage uploads r into a new directory that only the login can enter. The
// directory is locked down before the file inside it exists.
func (h *Host) stage(r io.Reader) (string, error) {
	dir := path.Join("/tmp", "zrok-agentctl-"+uuid.NewString())
	if err := h.sftp.Mkdir(dir); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	staged := path.Join(dir, "upload")
	if err := h.sftp.Chmod(dir, 0o700); err != nil {
		h.unstage(staged)
		return "", fmt.Errorf("chmod staging dir: %w", err)
	}
	dst, err := h.sftp.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		h.unstage(staged)
		return "", fmt.Errorf("create remote: %w", err)
	}
	err = dst.Chmod(0o600)
	if err == nil {
		_, err = io.Copy(dst, r)
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		h.unstage(staged)
		return "", fmt.Errorf("upload %s: %w", staged, err)
	}
	return staged, nil
}

// unstage removes a staged file and its directory.
func (h *Host) unstage(staged string) {
	for _, rm := range []struct {
		path string
		fn   func(string) error
	}{
		{staged, h.sftp.Remove},
		{path.Dir(staged), h.sftp.RemoveDirectory},
	} {
		if err := rm.fn(rm.path); err != nil && !isNotExist(err) {
			log.Warn().Err(err).Str("path", rm.path).Msg("remove staged upload")
		}
	}
}

func (h *Host) Remove(ctx context.Context, p string) error {
	_, err := h.Run(ctx, host.Command{Name: "rm", Args: []string{"-f", "--", p}})
	return err
}

func (h *Host) RemoveAll(ctx context.Context, p string) error {
	_, err := h.Run(ctx, host.Command{Name: "rm", Args: []string{"-rf", "--", p}})
	return err
}

func (h *Host) RemoveIfEmpty(ctx context.Context, p string) (bool, error) {
	entries, err := h.sftp.ReadDir(p)
	if isNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read dir %s: %w", p, err)
	}
	if len(entries) > 0 {
		return false, nil
	}
	if _, err := h.Run(ctx, host.Command{Name: "rmdir", Args: []string{"--", p}}); err != nil {
		return false, err
	}
	return true, nil
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	return errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile
}

func mode(perm fs.FileMode) string { return fmt.Sprintf("%04o", perm.Perm()) }
