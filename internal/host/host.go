// Package host abstracts the machine the agent is installed on. The local
// implementation lives here; the SSH implementation lives in internal/ssh.
package host

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
)

// Command is an external program invocation on a host.
type Command struct {
	Name string
	Args []string
	// User runs the command as that account instead of the elevated identity.
	User string
	// Env entries (KEY=VALUE) are applied on top of the inherited environment.
	Env []string
	Dir string
	// Redact lists secret values that must never appear in logs or errors.
	Redact []string
}

// String renders the command line with secrets masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, Quote(a))
	}
	return c.mask(strings.Join(parts, " "))
}

func (c Command) mask(s string) string {
	for _, secret := range c.Redact {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, Redact(secret))
	}
	return s
}

// CommandError reports an external command that could not run or exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Command, e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError builds a CommandError with secrets of c masked in the output.
func NewCommandError(c Command, exitCode int, output string, err error) *CommandError {
	return &CommandError{Command: c.String(), ExitCode: exitCode, Output: c.mask(output), Err: err}
}

// User is an account on the host.
type User struct {
	Name    string
	UID     string
	GID     string
	HomeDir string
}

// Identity describes who is running the installer on the host.
type Identity struct {
	// Elevated is true when the process may change system state (root or Administrator).
	Elevated bool
	// Invoker is the account that requested elevation: SUDO_USER for local
	// Linux runs, the login account for SSH runs, the session user on Windows.
	Invoker string
}

// Host is the set of capabilities the lifecycle steps need from a machine.
// Paths are host paths. Remove, RemoveAll and RemoveIfEmpty treat a missing
// path as success.
type Host interface {
	Name() string
	Identity(ctx context.Context) (Identity, error)
	LookupUser(ctx context.Context, name string) (User, error)
	Run(ctx context.Context, cmd Command) (string, error)
	Stat(ctx context.Context, path string) (fs.FileInfo, error)
	MkdirAll(ctx context.Context, path string, perm fs.FileMode) error
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	// Install copies src, a file on the controlling machine, to dst on the host.
	Install(ctx context.Context, src, dst string, perm fs.FileMode) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	RemoveIfEmpty(ctx context.Context, path string) (bool, error)
}

// Redact masks a secret for display, keeping a short prefix for recognition.
func Redact(secret string) string {
	r := []rune(secret)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:4]) + "****"
}

// Quote quotes s for a POSIX shell when it contains anything but safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
