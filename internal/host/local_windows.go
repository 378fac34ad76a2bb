//go:build windows

package host

import (
	"context"
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// Identity reports whether the process token is elevated. There is no
// separate invoking account on Windows; the session user is reported.
func (l *Local) Identity(ctx context.Context) (Identity, error) {
	_ = ctx
	return Identity{
		Elevated: windows.GetCurrentProcessToken().IsElevated(),
		Invoker:  os.Getenv("USERNAME"),
	}, nil
}

// runAs only adjusts the profile environment; Windows runs agent commands in
// the installer's own token with the target profile selected through Env.
func runAs(cmd *exec.Cmd, u User) error {
	cmd.Env = append(cmd.Env, "USERPROFILE="+u.HomeDir, "HOME="+u.HomeDir)
	return nil
}
