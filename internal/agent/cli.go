// Package agent drives the zrok agent's own command line.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/telemetry"
)

// CLI runs agent subcommands on a host as the account owning the agent profile.
type CLI struct {
	Host   host.Host
	Binary string
	// User is the account to run as; empty runs as the installer itself.
	User string
	Env  []string
	// Dir is the working directory, usually the owner's home.
	Dir string
}

func (c *CLI) run(ctx context.Context, redact []string, args ...string) (string, error) {
	cmd := host.Command{
		Name:   c.Binary,
		Args:   args,
		User:   c.User,
		Env:    c.Env,
		Dir:    c.Dir,
		Redact: redact,
	}
	start := time.Now()
	out, err := c.Host.Run(ctx, cmd)
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"subcommand": args[0], "status": status}
	telemetry.CounterGlobal("zrok_agentctl_agent_commands", 1, labels)
	telemetry.TimerGlobal("zrok_agentctl_agent_command_duration", time.Since(start), labels)
	if err != nil {
		return out, fmt.Errorf("zrok %s: %w", args[0], err)
	}
	return out, nil
}

// ConfigSet sets a key of the agent's environment configuration.
func (c *CLI) ConfigSet(ctx context.Context, key, value string) error {
	_, err := c.run(ctx, nil, "config", "set", key, value)
	return err
}

// Enable registers this host with the account behind token. The token is
// masked in logs and errors.
func (c *CLI) Enable(ctx context.Context, token, description string) error {
	out, err := c.run(ctx, []string{token}, "enable", token, "--description", description, "--headless")
	if err != nil {
		return err
	}
	log.Debug().Str("output", strings.TrimSpace(strings.ReplaceAll(out, token, host.Redact(token)))).Msg("zrok enable")
	return nil
}

// Disable releases the environment created by Enable.
func (c *CLI) Disable(ctx context.Context) error {
	_, err := c.run(ctx, nil, "disable")
	return err
}
