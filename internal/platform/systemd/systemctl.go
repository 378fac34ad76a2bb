package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
)

// Systemctl drives systemd through the systemctl CLI on the host.
type Systemctl struct {
	Host host.Host
}

func (s *Systemctl) run(ctx context.Context, args ...string) (string, error) {
	return s.Host.Run(ctx, host.Command{Name: "systemctl", Args: args})
}

func (s *Systemctl) LoadState(ctx context.Context, unit string) (string, error) {
	out, err := s.run(ctx, "show", "--property=LoadState", unit)
	if err != nil {
		return "", err
	}
	return parseLoadState(out)
}

func parseLoadState(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "LoadState="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no LoadState in systemctl output %q", strings.TrimSpace(out))
}

func (s *Systemctl) Reload(ctx context.Context) error {
	_, err := s.run(ctx, "daemon-reload")
	return err
}

func (s *Systemctl) Enable(ctx context.Context, unit string) error {
	_, err := s.run(ctx, "enable", unit)
	return err
}

func (s *Systemctl) Disable(ctx context.Context, unit string) error {
	_, err := s.run(ctx, "disable", unit)
	return err
}

func (s *Systemctl) Start(ctx context.Context, unit string) error {
	_, err := s.run(ctx, "start", unit)
	return err
}

func (s *Systemctl) Stop(ctx context.Context, unit string) error {
	_, err := s.run(ctx, "stop", unit)
	return err
}
