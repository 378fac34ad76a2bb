package winsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
)

// SCM answers questions about services from the Service Control Manager.
type SCM interface {
	Exists(name string) (bool, error)
	Running(name string) (bool, error)
}

// NSSM registers the agent through the nssm.exe service wrapper. Existence
// and run state come from the SCM so nssm.exe is only needed once installed.
type NSSM struct {
	Host host.Host
	Exe  string
	SCM  SCM
}

var _ platform.ServiceManager = (*NSSM)(nil)

func (n *NSSM) run(ctx context.Context, args ...string) error {
	out, err := n.Host.Run(ctx, host.Command{Name: n.Exe, Args: args})
	if err != nil {
		return err
	}
	if s := strings.TrimSpace(stripNUL(out)); s != "" {
		log.Debug().Str("nssm", args[0]).Msg(s)
	}
	return nil
}

func (n *NSSM) Exists(ctx context.Context, name string) (bool, error) {
	return n.SCM.Exists(name)
}

func (n *NSSM) Register(ctx context.Context, spec platform.ServiceSpec) error {
	for _, logFile := range []string{spec.StdoutLog, spec.StderrLog} {
		if i := strings.LastIndex(logFile, `\`); i > 0 {
			if err := n.Host.MkdirAll(ctx, logFile[:i], 0o755); err != nil {
				return fmt.Errorf("create log dir: %w", err)
			}
		}
	}
	for _, args := range InstallArgs(spec) {
		if err := n.run(ctx, args...); err != nil {
			return fmt.Errorf("nssm %s: %w", strings.Join(args[:3], " "), err)
		}
	}
	return nil
}

// InstallArgs lists the nssm invocations that create and configure spec.
func InstallArgs(spec platform.ServiceSpec) [][]string {
	install := append([]string{"install", spec.Name, spec.ExecPath}, spec.Args...)
	set := func(key string, values ...string) []string {
		return append([]string{"set", spec.Name, key}, values...)
	}
	cmds := [][]string{install}
	if spec.DisplayName != "" {
		cmds = append(cmds, set("DisplayName", spec.DisplayName))
	}
	if spec.Description != "" {
		cmds = append(cmds, set("Description", spec.Description))
	}
	if spec.WorkDir != "" {
		cmds = append(cmds, set("AppDirectory", spec.WorkDir))
	}
	if spec.StdoutLog != "" {
		cmds = append(cmds, set("AppStdout", spec.StdoutLog))
	}
	if spec.StderrLog != "" {
		cmds = append(cmds, set("AppStderr", spec.StderrLog))
	}
	if spec.Home != "" {
		cmds = append(cmds, set("AppEnvironmentExtra", "USERPROFILE="+spec.Home, "HOME="+spec.Home))
	}
	if spec.AutoRestart {
		cmds = append(cmds, set("AppExit", "Default", "Restart"))
	}
	cmds = append(cmds, set("Start", "SERVICE_DELAYED_AUTO_START"))
	if spec.User != "" {
		cmds = append(cmds, set("ObjectName", spec.User))
	}
	return cmds
}

func (n *NSSM) Start(ctx context.Context, name string) error {
	return n.run(ctx, "start", name)
}

// Stop is a no-op for a service that is not running.
func (n *NSSM) Stop(ctx context.Context, name string) error {
	running, err := n.SCM.Running(name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if !running {
		return nil
	}
	return n.run(ctx, "stop", name)
}

// Unregister is a no-op when install never created the service, so it can
// clear a Register that failed part way.
func (n *NSSM) Unregister(ctx context.Context, name string) error {
	exists, err := n.SCM.Exists(name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if !exists {
		return nil
	}
	return n.run(ctx, "remove", name, "confirm")
}

// stripNUL drops the NULs of nssm's UTF-16 console output.
func stripNUL(s string) string { return strings.ReplaceAll(s, "\x00", "") }
