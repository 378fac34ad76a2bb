// Package platform describes what differs between operating systems when
// installing the agent: where files go, how the service is registered and
// which archives are fetched.
package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
)

// Layout is the set of host paths an installation touches.
type Layout struct {
	InstallDir string
	// PruneParents are removed, innermost first, when left empty on uninstall.
	PruneParents []string
	AgentPath    string
	ProfileDir   string
	// UnitPath is the systemd unit file. Empty on platforms without one.
	UnitPath string
	// LogDir holds service wrapper logs. Empty when the service manager keeps its own.
	LogDir string
}

// Artifact is a pinned release archive and the members to install from it.
type Artifact struct {
	Name   string
	URL    string
	SHA256 string
	// Format is "tar.gz" or "zip".
	Format string
	// Members maps an archive path suffix to the installed file name.
	Members map[string]string
}

// ServiceSpec is the service registration for the agent.
type ServiceSpec struct {
	Name        string
	DisplayName string
	Description string
	ExecPath    string
	Args        []string
	WorkDir     string
	User        string
	Home        string
	AutoRestart bool
	StdoutLog   string
	StderrLog   string
}

// ServiceManager mutates the host's service registry.
type ServiceManager interface {
	Exists(ctx context.Context, name string) (bool, error)
	Register(ctx context.Context, spec ServiceSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Unregister(ctx context.Context, name string) error
}

// SearchPath edits the machine wide executable search path. Add and Remove
// report whether the path changed.
type SearchPath interface {
	Contains(dir string) (bool, error)
	Add(dir string) (bool, error)
	Remove(dir string) (bool, error)
}

// Platform is one supported operating system.
type Platform interface {
	Name() string
	// Preflight checks privileges and OS support, and resolves the account
	// that owns the agent profile. It has no side effects.
	Preflight(ctx context.Context, h host.Host) (host.User, error)
	Layout(owner host.User) Layout
	// Artifacts resolves the pinned archives for the host's architecture.
	Artifacts(ctx context.Context, h host.Host) ([]Artifact, error)
	Services(h host.Host, l Layout) ServiceManager
	// SearchPath is nil when the platform leaves the search path alone.
	SearchPath(h host.Host) SearchPath
	Service(owner host.User, l Layout) ServiceSpec
	// AgentUser is the account agent CLI commands run as; empty for the installer's own.
	AgentUser(owner host.User) string
	AgentEnv(owner host.User) []string
}

// PreconditionError reports a host that cannot be installed on as invoked.
type PreconditionError struct {
	Check   string
	Message string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %s failed: %s", e.Check, e.Message)
}

// ExpandURL fills the {version}, {os} and {arch} placeholders of a download
// URL template.
func ExpandURL(tmpl, version, goos, arch string) string {
	return strings.NewReplacer("{version}", version, "{os}", goos, "{arch}", arch).Replace(tmpl)
}
