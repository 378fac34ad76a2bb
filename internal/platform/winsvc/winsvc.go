// Package winsvc installs the agent as a Windows service wrapped by NSSM.
//
// Host paths are built with backslashes regardless of the build platform so
// layouts can be checked from any OS.
package winsvc

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
	"github.com/3cpo-dev/zrok-agentctl/pkg/api"
)

// MinBuild is the first Windows 10 build with AF_UNIX sockets, which the agent needs.
const MinBuild = 17134

const (
	DefaultNSSMVersion = "2.24"
	DefaultNSSMURL     = "https://nssm.cc/release/nssm-{version}.zip"
	LocalSystem        = "LocalSystem"
)

type Options struct {
	AgentVersion string
	AgentURL     string
	AgentSHA256  string
	NSSMVersion  string
	NSSMURL      string
	NSSMSHA256   string
	// InstallDir defaults to %ProgramW6432%\zrok-agent\bin.
	InstallDir string
	Arch       string

	// Getenv, Setenv, Build, SCM and Path default to the running system.
	Getenv func(string) string
	Setenv func(key, value string) error
	Build  func() (uint32, error)
	SCM    SCM
	Path   PathStore
}

type Platform struct {
	opts Options
}

var _ platform.Platform = (*Platform)(nil)

func New(opts Options) *Platform {
	if opts.NSSMVersion == "" {
		opts.NSSMVersion = DefaultNSSMVersion
	}
	if opts.NSSMURL == "" {
		opts.NSSMURL = DefaultNSSMURL
	}
	if opts.Arch == "" {
		opts.Arch = runtime.GOARCH
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Setenv == nil {
		opts.Setenv = os.Setenv
	}
	if opts.Build == nil {
		opts.Build = buildNumber
	}
	if opts.SCM == nil {
		opts.SCM = systemSCM{}
	}
	if opts.Path == nil {
		opts.Path = machinePathStore{}
	}
	return &Platform{opts: opts}
}

func (p *Platform) Name() string { return "windows" }

func (p *Platform) env(key, fallback string) string {
	if v := p.opts.Getenv(key); v != "" {
		return strings.TrimRight(v, `\`)
	}
	return fallback
}

func (p *Platform) systemProfile() string {
	return join(p.env("SystemRoot", `C:\Windows`), "System32", "config", "systemprofile")
}

func (p *Platform) Preflight(ctx context.Context, h host.Host) (host.User, error) {
	id, err := h.Identity(ctx)
	if err != nil {
		return host.User{}, fmt.Errorf("identity: %w", err)
	}
	if !id.Elevated {
		return host.User{}, &platform.PreconditionError{Check: "privileges", Message: "must be run from an elevated (Administrator) prompt"}
	}
	build, err := p.opts.Build()
	if err != nil {
		return host.User{}, fmt.Errorf("windows version: %w", err)
	}
	if build < MinBuild {
		return host.User{}, &platform.PreconditionError{
			Check:   "os-version",
			Message: fmt.Sprintf("Windows build %d is older than %d, which the agent requires", build, MinBuild),
		}
	}
	return host.User{Name: LocalSystem, HomeDir: p.systemProfile()}, nil
}

func (p *Platform) Layout(owner host.User) platform.Layout {
	dir := p.opts.InstallDir
	var prune []string
	if dir == "" {
		root := join(p.env("ProgramW6432", `C:\Program Files`), "zrok-agent")
		dir = join(root, "bin")
		prune = []string{root}
	}
	profile := join(owner.HomeDir, ".zrok")
	return platform.Layout{
		InstallDir:   dir,
		PruneParents: prune,
		AgentPath:    join(dir, "zrok.exe"),
		ProfileDir:   profile,
		LogDir:       join(profile, "logs"),
	}
}

func (p *Platform) Artifacts(ctx context.Context, h host.Host) ([]platform.Artifact, error) {
	var agentArch, nssmDir string
	switch p.opts.Arch {
	case "amd64":
		agentArch, nssmDir = "amd64", "win64"
	case "arm64":
		agentArch, nssmDir = "arm64", "win64"
	case "386":
		return nil, &platform.PreconditionError{Check: "architecture", Message: "no 32-bit agent release"}
	default:
		return nil, &platform.PreconditionError{Check: "architecture", Message: fmt.Sprintf("no agent release for %q", p.opts.Arch)}
	}
	return []platform.Artifact{
		{
			Name:    "zrok",
			URL:     platform.ExpandURL(p.opts.AgentURL, p.opts.AgentVersion, "windows", agentArch),
			SHA256:  p.opts.AgentSHA256,
			Format:  "tar.gz",
			Members: map[string]string{"zrok.exe": "zrok.exe", "LICENSE": "LICENSE"},
		},
		{
			Name:    "nssm",
			URL:     platform.ExpandURL(p.opts.NSSMURL, p.opts.NSSMVersion, "windows", agentArch),
			SHA256:  p.opts.NSSMSHA256,
			Format:  "zip",
			Members: map[string]string{nssmDir + "/nssm.exe": "nssm.exe"},
		},
	}, nil
}

func (p *Platform) Services(h host.Host, l platform.Layout) platform.ServiceManager {
	return &NSSM{Host: h, Exe: join(l.InstallDir, "nssm.exe"), SCM: p.opts.SCM}
}

func (p *Platform) SearchPath(h host.Host) platform.SearchPath {
	return &MachinePath{Store: p.opts.Path, Getenv: p.opts.Getenv, Setenv: p.opts.Setenv}
}

func (p *Platform) Service(owner host.User, l platform.Layout) platform.ServiceSpec {
	return platform.ServiceSpec{
		Name:        api.ServiceName,
		DisplayName: "zrok agent",
		Description: "zrok agent providing remote access for this site",
		ExecPath:    l.AgentPath,
		Args:        []string{"agent", "start"},
		WorkDir:     l.InstallDir,
		User:        LocalSystem,
		Home:        owner.HomeDir,
		AutoRestart: true,
		StdoutLog:   join(l.LogDir, api.ServiceName+".out.log"),
		StderrLog:   join(l.LogDir, api.ServiceName+".err.log"),
	}
}

// AgentUser is empty: agent commands run in the installer's elevated token
// with the profile redirected to the system profile.
func (p *Platform) AgentUser(owner host.User) string { return "" }

func (p *Platform) AgentEnv(owner host.User) []string {
	return []string{"USERPROFILE=" + owner.HomeDir, "HOME=" + owner.HomeDir}
}

func join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for i, e := range elem {
		if i > 0 {
			e = strings.TrimLeft(e, `\`)
		}
		if i < len(elem)-1 {
			e = strings.TrimRight(e, `\`)
		}
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}
