// Package systemd installs the agent as a systemd service on Linux.
package systemd

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
	"github.com/3cpo-dev/zrok-agentctl/pkg/api"
)

const (
	DefaultInstallDir = "/opt/zrok-agent/bin"
	DefaultUnitDir    = "/etc/systemd/system"
	DefaultSocket     = "/run/systemd/private"

	TransportDBus      = "dbus"
	TransportSystemctl = "systemctl"
)

type Options struct {
	AgentVersion string
	AgentURL     string
	AgentSHA256  string
	// Arch overrides detection through uname -m on the host.
	Arch       string
	InstallDir string
	// Transport is "dbus" or "systemctl". D-Bus is only used on the local host.
	Transport string
	Socket    string
}

type Platform struct {
	opts Options

	mu    sync.Mutex
	conns []*DBus
}

var _ platform.Platform = (*Platform)(nil)

func New(opts Options) *Platform {
	if opts.InstallDir == "" {
		opts.InstallDir = DefaultInstallDir
	}
	if opts.Transport == "" {
		opts.Transport = TransportDBus
	}
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	return &Platform{opts: opts}
}

func (p *Platform) Name() string { return "linux" }

// Preflight requires root reached through sudo from a regular account. That
// account owns the agent profile and runs the service.
func (p *Platform) Preflight(ctx context.Context, h host.Host) (host.User, error) {
	id, err := h.Identity(ctx)
	if err != nil {
		return host.User{}, fmt.Errorf("identity: %w", err)
	}
	if !id.Elevated {
		return host.User{}, &platform.PreconditionError{Check: "privileges", Message: "must be run as root (use sudo)"}
	}
	if id.Invoker == "" || id.Invoker == "root" {
		return host.User{}, &platform.PreconditionError{
			Check:   "invoking-user",
			Message: "must be run with sudo from a non-root account; that account will own the agent",
		}
	}
	u, err := h.LookupUser(ctx, id.Invoker)
	if err != nil {
		return host.User{}, &platform.PreconditionError{Check: "invoking-user", Message: err.Error()}
	}
	return u, nil
}

func (p *Platform) Layout(owner host.User) platform.Layout {
	dir := p.opts.InstallDir
	l := platform.Layout{
		InstallDir: dir,
		AgentPath:  path.Join(dir, "zrok"),
		ProfileDir: path.Join(owner.HomeDir, ".zrok"),
		UnitPath:   path.Join(DefaultUnitDir, api.ServiceName+".service"),
	}
	if parent := path.Dir(dir); strings.Contains(path.Base(parent), "zrok") {
		l.PruneParents = []string{parent}
	}
	return l
}

func (p *Platform) Artifacts(ctx context.Context, h host.Host) ([]platform.Artifact, error) {
	arch := p.opts.Arch
	if arch == "" {
		out, err := h.Run(ctx, host.Command{Name: "uname", Args: []string{"-m"}})
		if err != nil {
			return nil, fmt.Errorf("detect architecture: %w", err)
		}
		if arch, err = releaseArch(strings.TrimSpace(out)); err != nil {
			return nil, err
		}
	}
	return []platform.Artifact{{
		Name:    "zrok",
		URL:     platform.ExpandURL(p.opts.AgentURL, p.opts.AgentVersion, "linux", arch),
		SHA256:  p.opts.AgentSHA256,
		Format:  "tar.gz",
		Members: map[string]string{"zrok": "zrok", "LICENSE": "LICENSE"},
	}}, nil
}

// releaseArch maps a kernel machine name onto the zrok release naming.
func releaseArch(machine string) (string, error) {
	switch machine {
	case "x86_64", "amd64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	case "armv7l", "armv7", "armhf", "arm":
		return "armv7", nil
	}
	return "", &platform.PreconditionError{Check: "architecture", Message: fmt.Sprintf("no agent release for %q", machine)}
}

func (p *Platform) Services(h host.Host, l platform.Layout) platform.ServiceManager {
	var ctl Controller = &Systemctl{Host: h}
	if _, local := h.(*host.Local); local && p.opts.Transport == TransportDBus {
		d := &DBus{Socket: p.opts.Socket, Fallback: ctl}
		p.mu.Lock()
		p.conns = append(p.conns, d)
		p.mu.Unlock()
		ctl = d
	}
	log.Debug().Str("controller", fmt.Sprintf("%T", ctl)).Msg("systemd controller")
	return &UnitManager{Host: h, Controller: ctl, UnitPath: l.UnitPath}
}

// Close releases the D-Bus connections opened by the service managers.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.conns {
		d.Close()
	}
	p.conns = nil
	return nil
}

func (p *Platform) SearchPath(h host.Host) platform.SearchPath { return nil }

func (p *Platform) Service(owner host.User, l platform.Layout) platform.ServiceSpec {
	return platform.ServiceSpec{
		Name:        api.ServiceName,
		DisplayName: "zrok agent",
		Description: "zrok agent providing remote access for this site",
		ExecPath:    l.AgentPath,
		Args:        []string{"agent", "start"},
		WorkDir:     owner.HomeDir,
		User:        owner.Name,
		Home:        owner.HomeDir,
		AutoRestart: true,
	}
}

func (p *Platform) AgentUser(owner host.User) string { return owner.Name }

func (p *Platform) AgentEnv(owner host.User) []string {
	return []string{"HOME=" + owner.HomeDir}
}
