package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/agent"
	"github.com/3cpo-dev/zrok-agentctl/internal/fetch"
	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
	"github.com/3cpo-dev/zrok-agentctl/pkg/api"
)

// Fetcher downloads an artifact into dir and returns the extracted members.
type Fetcher interface {
	Fetch(ctx context.Context, a platform.Artifact, dir string) ([]fetch.File, error)
}

// Orchestrator drives the agent install and uninstall lifecycle on one host.
type Orchestrator struct {
	Host     host.Host
	Platform platform.Platform
	Fetcher  Fetcher
	// Journal is optional. When nil, OpenJournal is called once, after the
	// preflight and the installed check, so refused and no-op runs leave no trace.
	Journal     Journal
	OpenJournal func() (Journal, error)
	APIEndpoint string
	// Rollback undoes completed install steps when a later step fails.
	Rollback bool
	// ScratchDir is the parent of download directories; empty means the OS temp dir.
	ScratchDir string
}

// Result is the outcome of a lifecycle operation.
type Result struct {
	RunID   string
	Outcome api.Outcome
	Message string
}

// Status reports whether the agent service is registered.
func (o *Orchestrator) Status(ctx context.Context) (api.State, error) {
	services := o.Platform.Services(o.Host, o.Platform.Layout(host.User{}))
	exists, err := services.Exists(ctx, api.ServiceName)
	if err != nil {
		return "", fmt.Errorf("query service: %w", err)
	}
	if exists {
		return api.StateInstalled, nil
	}
	return api.StateNotInstalled, nil
}

// Install validates req, checks the host and installs, configures and starts
// the agent service. An existing service makes it a no-op.
func (o *Orchestrator) Install(ctx context.Context, req InstallRequest) (Result, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Result{Outcome: api.OutcomeFailed}, err
	}
	owner, err := o.Platform.Preflight(ctx, o.Host)
	if err != nil {
		return Result{Outcome: api.OutcomeFailed}, err
	}

	r := o.newRun(api.OpInstall)
	start := time.Now()
	r.log.Info().
		Str("platform", r.platform).
		Str("target", r.target).
		Str("owner", owner.Name).
		Str("token", req.RedactedToken()).
		Str("description", req.SiteDescription).
		Msg("install requested")

	layout := o.Platform.Layout(owner)
	services := o.Platform.Services(o.Host, layout)
	exists, err := services.Exists(ctx, api.ServiceName)
	if err != nil {
		r.finish(ctx, api.OutcomeFailed, start, err.Error())
		return Result{RunID: r.id, Outcome: api.OutcomeFailed}, fmt.Errorf("query service: %w", err)
	}
	if exists {
		r.finish(ctx, api.OutcomeAlreadyInstalled, start, "")
		return Result{RunID: r.id, Outcome: api.OutcomeAlreadyInstalled, Message: api.ServiceName + " is already installed"}, nil
	}
	r.journal = o.journal()

	i := &installation{o: o, owner: owner, layout: layout, services: services, req: req}
	defer i.cleanScratch()

	if err := r.execute(ctx, i.steps()); err != nil {
		if !o.Rollback {
			r.finish(ctx, api.OutcomeFailed, start, err.Error())
			return Result{RunID: r.id, Outcome: api.OutcomeFailed}, err
		}
		r.log.Warn().Msg("rolling back completed steps")
		if rbErr := r.rollback(context.WithoutCancel(ctx)); rbErr != nil {
			r.finish(ctx, api.OutcomeFailed, start, err.Error())
			return Result{RunID: r.id, Outcome: api.OutcomeFailed}, fmt.Errorf("%w; rollback incomplete: %v", err, rbErr)
		}
		r.finish(ctx, api.OutcomeRolledBack, start, err.Error())
		return Result{RunID: r.id, Outcome: api.OutcomeRolledBack}, err
	}
	r.finish(ctx, api.OutcomeInstalled, start, "")
	return Result{
		RunID:   r.id,
		Outcome: api.OutcomeInstalled,
		Message: fmt.Sprintf("%s installed and started (site %q)", api.ServiceName, req.SiteDescription),
	}, nil
}

// Uninstall stops and removes the agent service, its profile and binaries.
// A missing service makes it a no-op. There is no rollback.
func (o *Orchestrator) Uninstall(ctx context.Context) (Result, error) {
	owner, err := o.Platform.Preflight(ctx, o.Host)
	if err != nil {
		return Result{Outcome: api.OutcomeFailed}, err
	}

	r := o.newRun(api.OpUninstall)
	start := time.Now()
	r.log.Info().Str("platform", r.platform).Str("target", r.target).Str("owner", owner.Name).Msg("uninstall requested")

	layout := o.Platform.Layout(owner)
	services := o.Platform.Services(o.Host, layout)
	exists, err := services.Exists(ctx, api.ServiceName)
	if err != nil {
		r.finish(ctx, api.OutcomeFailed, start, err.Error())
		return Result{RunID: r.id, Outcome: api.OutcomeFailed}, fmt.Errorf("query service: %w", err)
	}
	if !exists {
		r.finish(ctx, api.OutcomeNotInstalled, start, "")
		return Result{RunID: r.id, Outcome: api.OutcomeNotInstalled, Message: api.ServiceName + " is not installed"}, nil
	}
	r.journal = o.journal()

	i := &installation{o: o, owner: owner, layout: layout, services: services}
	if err := r.execute(ctx, i.uninstallSteps()); err != nil {
		r.finish(ctx, api.OutcomeFailed, start, err.Error())
		return Result{RunID: r.id, Outcome: api.OutcomeFailed}, err
	}
	r.finish(ctx, api.OutcomeUninstalled, start, "")
	return Result{RunID: r.id, Outcome: api.OutcomeUninstalled, Message: api.ServiceName + " uninstalled"}, nil
}

// journal returns Journal, opening it through OpenJournal on first use. A
// journal that cannot be opened only warns.
func (o *Orchestrator) journal() Journal {
	if o.Journal == nil && o.OpenJournal != nil {
		open := o.OpenJournal
		o.OpenJournal = nil
		j, err := open()
		if err != nil {
			log.Warn().Err(err).Msg("journal disabled")
			return nil
		}
		o.Journal = j
	}
	return o.Journal
}

// installation holds what the steps of one run share.
type installation struct {
	o        *Orchestrator
	owner    host.User
	layout   platform.Layout
	services platform.ServiceManager
	req      InstallRequest

	scratch    string
	files      []fetch.File
	pathAdded  bool
	searchPath platform.SearchPath
}

func (i *installation) agent() *agent.CLI {
	return &agent.CLI{
		Host:   i.o.Host,
		Binary: i.layout.AgentPath,
		User:   i.o.Platform.AgentUser(i.owner),
		Env:    i.o.Platform.AgentEnv(i.owner),
		Dir:    i.owner.HomeDir,
	}
}

func (i *installation) steps() []step {
	i.searchPath = i.o.Platform.SearchPath(i.o.Host)
	steps := []step{
		{name: "fetch artifacts", do: i.fetch},
		{name: "stage binaries", do: i.stage, undo: i.removeBinaries},
	}
	if i.searchPath != nil {
		steps = append(steps, step{name: "update search path", do: i.addToPath, undo: i.removeFromPath})
	}
	return append(steps,
		step{name: "configure agent", do: i.configure, undo: i.unconfigure},
		step{name: "register service", do: i.register, undo: i.unregister},
		step{name: "start service", do: i.start, undo: i.stop},
	)
}

func (i *installation) uninstallSteps() []step {
	i.searchPath = i.o.Platform.SearchPath(i.o.Host)
	return []step{
		{name: "disable agent", do: func(ctx context.Context) error { return i.agent().Disable(ctx) }},
		{name: "stop service", do: i.stop},
		{name: "unregister service", do: i.unregister},
		{name: "remove profile", do: i.removeProfile},
		{name: "remove binaries", do: func(ctx context.Context) error {
			if i.searchPath != nil {
				if _, err := i.searchPath.Remove(i.layout.InstallDir); err != nil {
					return fmt.Errorf("search path: %w", err)
				}
			}
			return i.removeBinaries(ctx)
		}},
	}
}

func (i *installation) fetch(ctx context.Context) error {
	artifacts, err := i.o.Platform.Artifacts(ctx, i.o.Host)
	if err != nil {
		return err
	}
	if i.o.ScratchDir != "" {
		if err := os.MkdirAll(i.o.ScratchDir, 0o700); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}
	i.scratch, err = os.MkdirTemp(i.o.ScratchDir, "zrok-agentctl-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	for _, a := range artifacts {
		files, err := i.o.Fetcher.Fetch(ctx, a, i.scratch)
		if err != nil {
			return err
		}
		i.files = append(i.files, files...)
	}
	return nil
}

func (i *installation) cleanScratch() {
	if i.scratch == "" {
		return
	}
	if err := os.RemoveAll(i.scratch); err != nil {
		log.Warn().Err(err).Str("path", i.scratch).Msg("remove scratch dir")
	}
	i.scratch = ""
}

func (i *installation) stage(ctx context.Context) error {
	if err := i.o.Host.MkdirAll(ctx, i.layout.InstallDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", i.layout.InstallDir, err)
	}
	for _, f := range i.files {
		dst := installedPath(i.layout.InstallDir, f.Name)
		if err := i.o.Host.Install(ctx, f.Path, dst, f.Mode); err != nil {
			return fmt.Errorf("install %s: %w", dst, err)
		}
		log.Debug().Str("file", dst).Msg("staged")
	}
	i.cleanScratch()
	return nil
}

// removeBinaries deletes the install directory and any parents left empty.
func (i *installation) removeBinaries(ctx context.Context) error {
	if err := i.o.Host.RemoveAll(ctx, i.layout.InstallDir); err != nil {
		return fmt.Errorf("remove %s: %w", i.layout.InstallDir, err)
	}
	for _, dir := range i.layout.PruneParents {
		removed, err := i.o.Host.RemoveIfEmpty(ctx, dir)
		if err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
		if !removed {
			break
		}
	}
	return nil
}

func (i *installation) addToPath(ctx context.Context) error {
	added, err := i.searchPath.Add(i.layout.InstallDir)
	if err != nil {
		return err
	}
	i.pathAdded = added
	log.Debug().Bool("added", added).Str("dir", i.layout.InstallDir).Msg("search path")
	return nil
}

// removeFromPath drops the entry only if this run added it.
func (i *installation) removeFromPath(ctx context.Context) error {
	if i.searchPath == nil || !i.pathAdded {
		return nil
	}
	_, err := i.searchPath.Remove(i.layout.InstallDir)
	return err
}

func (i *installation) configure(ctx context.Context) error {
	cli := i.agent()
	if err := cli.ConfigSet(ctx, "apiEndpoint", i.o.APIEndpoint); err != nil {
		return err
	}
	return cli.Enable(ctx, i.req.AccountToken, i.req.SiteDescription)
}

func (i *installation) unconfigure(ctx context.Context) error {
	if err := i.agent().Disable(ctx); err != nil {
		log.Warn().Err(err).Msg("disable agent during rollback")
	}
	return i.removeProfile(ctx)
}

func (i *installation) removeProfile(ctx context.Context) error {
	if err := i.o.Host.RemoveAll(ctx, i.layout.ProfileDir); err != nil {
		return fmt.Errorf("remove %s: %w", i.layout.ProfileDir, err)
	}
	return nil
}

func (i *installation) register(ctx context.Context) error {
	return i.services.Register(ctx, i.o.Platform.Service(i.owner, i.layout))
}

func (i *installation) unregister(ctx context.Context) error {
	return i.services.Unregister(ctx, api.ServiceName)
}

func (i *installation) start(ctx context.Context) error {
	return i.services.Start(ctx, api.ServiceName)
}

func (i *installation) stop(ctx context.Context) error {
	return i.services.Stop(ctx, api.ServiceName)
}

// installedPath joins name onto dir with dir's own separator.
func installedPath(dir, name string) string {
	sep := "/"
	if strings.Contains(dir, `\`) {
		sep = `\`
	}
	return strings.TrimRight(dir, sep) + sep + name
}
