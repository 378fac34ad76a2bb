package api

// v0 contains public types shared by the CLI and anything scripting around it.

// ServiceName is the reserved name of the agent service on every platform.
const ServiceName = "zrok-agent"

// State is the durable install state of the agent on a host, as reported by
// the host's service manager.
type State string

const (
	StateNotInstalled State = "not_installed"
	StateInstalled    State = "installed"
)

type Operation string

const (
	OpInstall   Operation = "install"
	OpUninstall Operation = "uninstall"
)

// Outcome is the result of a lifecycle operation.
type Outcome string

const (
	OutcomeInstalled        Outcome = "installed"
	OutcomeAlreadyInstalled Outcome = "already_installed"
	OutcomeUninstalled      Outcome = "uninstalled"
	OutcomeNotInstalled     Outcome = "not_installed"
	OutcomeFailed           Outcome = "failed"
	OutcomeRolledBack       Outcome = "rolled_back"
)
