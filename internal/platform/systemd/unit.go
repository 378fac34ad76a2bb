package systemd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
)

// Controller is the subset of systemd the unit manager drives.
type Controller interface {
	// LoadState returns the unit's LoadState, "not-found" when systemd has no such unit.
	LoadState(ctx context.Context, unit string) (string, error)
	Reload(ctx context.Context) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
}

// UnitManager registers the agent as a unit file under /etc/systemd/system.
type UnitManager struct {
	Host       host.Host
	Controller Controller
	UnitPath   string
}

var _ platform.ServiceManager = (*UnitManager)(nil)

func unitName(name string) string { return name + ".service" }

func (m *UnitManager) Exists(ctx context.Context, name string) (bool, error) {
	state, err := m.Controller.LoadState(ctx, unitName(name))
	if err != nil {
		return false, fmt.Errorf("query %s: %w", unitName(name), err)
	}
	return state != "" && state != "not-found", nil
}

func (m *UnitManager) Register(ctx context.Context, spec platform.ServiceSpec) error {
	data, err := RenderUnit(spec)
	if err != nil {
		return err
	}
	if err := m.Host.WriteFile(ctx, m.UnitPath, data, 0o644); err != nil {
		return fmt.Errorf("write unit %s: %w", m.UnitPath, err)
	}
	if err := m.Controller.Reload(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := m.Controller.Enable(ctx, unitName(spec.Name)); err != nil {
		return fmt.Errorf("enable %s: %w", unitName(spec.Name), err)
	}
	return nil
}

func (m *UnitManager) Start(ctx context.Context, name string) error {
	return m.Controller.Start(ctx, unitName(name))
}

func (m *UnitManager) Stop(ctx context.Context, name string) error {
	return m.Controller.Stop(ctx, unitName(name))
}

// Unregister also clears what a failed Register left behind: a unit file
// that never got enabled, or none at all. It keeps going past failures.
func (m *UnitManager) Unregister(ctx context.Context, name string) error {
	var result *multierror.Error
	_, err := m.Host.Stat(ctx, m.UnitPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug().Str("unit", m.UnitPath).Msg("no unit file, skipping disable")
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("stat unit %s: %w", m.UnitPath, err))
	default:
		if err := m.Controller.Disable(ctx, unitName(name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("disable %s: %w", unitName(name), err))
		}
	}
	if err := m.Host.Remove(ctx, m.UnitPath); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove unit %s: %w", m.UnitPath, err))
	}
	if err := m.Controller.Reload(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("daemon-reload: %w", err))
	}
	return result.ErrorOrNil()
}

// RenderUnit serializes spec as a systemd service unit.
func RenderUnit(spec platform.ServiceSpec) ([]byte, error) {
	if spec.ExecPath == "" {
		return nil, fmt.Errorf("unit %s: exec path required", spec.Name)
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", spec.Description),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "simple"),
	}
	if spec.User != "" {
		opts = append(opts, unit.NewUnitOption("Service", "User", spec.User))
	}
	if spec.Home != "" {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", execQuote("HOME="+spec.Home)))
	}
	if spec.WorkDir != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", spec.WorkDir))
	}
	opts = append(opts, unit.NewUnitOption("Service", "ExecStart", execLine(spec.ExecPath, spec.Args)))
	if spec.AutoRestart {
		opts = append(opts,
			unit.NewUnitOption("Service", "Restart", "always"),
			unit.NewUnitOption("Service", "RestartSec", "5"),
		)
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))

	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, fmt.Errorf("serialize unit: %w", err)
	}
	return data, nil
}

func execLine(exe string, args []string) string {
	parts := []string{execQuote(exe)}
	for _, a := range args {
		parts = append(parts, execQuote(a))
	}
	return strings.Join(parts, " ")
}

// execQuote double quotes words containing whitespace or quotes, as
// systemd.syntax(7) expects.
func execQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
