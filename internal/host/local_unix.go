//go:build !windows

package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// Identity reports root as elevated and SUDO_USER as the invoker.
func (l *Local) Identity(ctx context.Context) (Identity, error) {
	_ = ctx
	return Identity{
		Elevated: os.Geteuid() == 0,
		Invoker:  os.Getenv("SUDO_USER"),
	}, nil
}

func runAs(cmd *exec.Cmd, u User) error {
	uid, err := strconv.ParseUint(u.UID, 10, 32)
	if err != nil {
		return fmt.Errorf("uid of %s: %w", u.Name, err)
	}
	gid, err := strconv.ParseUint(u.GID, 10, 32)
	if err != nil {
		return fmt.Errorf("gid of %s: %w", u.Name, err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	cmd.Env = append(cmd.Env, "HOME="+u.HomeDir, "USER="+u.Name, "LOGNAME="+u.Name)
	return nil
}
