package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/zrok-agentctl/internal/core"
	"github.com/3cpo-dev/zrok-agentctl/internal/fetch"
	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform/systemd"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform/winsvc"
	gssh "github.com/3cpo-dev/zrok-agentctl/internal/ssh"
	"github.com/3cpo-dev/zrok-agentctl/internal/telemetry"
	"github.com/3cpo-dev/zrok-agentctl/pkg/api"
)

const installUsage = `usage: zrok-agentctl install <ACCOUNT_TOKEN> <SITE_DESCRIPTION>

  ACCOUNT_TOKEN     the zrok account token of your organisation
  SITE_DESCRIPTION  a name for this site, quoted if it has spaces

example:
  sudo zrok-agentctl install YOUR_ACCOUNT_TOKEN "Skyline HQ"

The token may also come from $ZROK_ACCOUNT_TOKEN or secrets.env next to the config file.`

func defaultConfigHint() string { return core.DefaultConfigPath() }

// Load the config named by --config
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	return cfg, nil
}

// session is an orchestrator bound to one target host.
type session struct {
	orch    *core.Orchestrator
	closers []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Debug().Err(err).Msg("close")
		}
	}
}

// Resolve the target host, platform, fetcher and journal
func openSession(cmd *cobra.Command, cfg core.Config) (*session, error) {
	s := &session{}
	h, platformName, err := resolveHost(cmd, cfg, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	reg := platform.NewRegistry()
	reg.Register(systemd.New(systemd.Options{
		AgentVersion: cfg.Agent.Version,
		AgentURL:     cfg.Agent.URL,
		AgentSHA256:  cfg.Agent.SHA256,
		InstallDir:   cfg.Install.Dir,
		Transport:    cfg.Systemd.Transport,
		Socket:       cfg.Systemd.Socket,
	}))
	reg.Register(winsvc.New(winsvc.Options{
		AgentVersion: cfg.Agent.Version,
		AgentURL:     cfg.Agent.URL,
		AgentSHA256:  cfg.Agent.SHA256,
		NSSMVersion:  cfg.NSSM.Version,
		NSSMURL:      cfg.NSSM.URL,
		NSSMSHA256:   cfg.NSSM.SHA256,
		InstallDir:   cfg.Install.Dir,
	}))
	p, err := reg.Get(platformName)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("unsupported operating system: %w", err)
	}
	if c, ok := p.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}

	orch := &core.Orchestrator{
		Host:        h,
		Platform:    p,
		Fetcher:     fetch.New(fetch.Options{Timeout: cfg.DownloadTimeout(), Retries: cfg.Download.Retries, UserAgent: "zrok-agentctl/" + version}),
		APIEndpoint: cfg.APIEndpoint,
		Rollback:    cfg.Rollback,
		ScratchDir:  cfg.Download.ScratchDir,
	}
	if cfg.Journal.Enabled {
		// Opened by the orchestrator once a run is going to change the host.
		orch.OpenJournal = func() (core.Journal, error) {
			store, err := core.NewStore(cfg.Journal.Path)
			if err != nil {
				return nil, fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
			}
			s.closers = append(s.closers, store.Close)
			return store, nil
		}
	}
	s.orch = orch
	return s, nil
}

func resolveHost(cmd *cobra.Command, cfg core.Config, s *session) (host.Host, string, error) {
	target, _ := cmd.Flags().GetString("ssh")
	if target == "" {
		return host.NewLocal(), runtime.GOOS, nil
	}
	user, addr, err := gssh.ParseTarget(target, cfg.SSH.Port)
	if err != nil {
		return nil, "", err
	}
	signer, err := gssh.LoadPrivateKeySigner(cfg.SSH.KeyPath)
	if err != nil {
		return nil, "", err
	}
	if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
		return nil, "", err
	}
	acceptNew, _ := cmd.Flags().GetBool("ssh-accept-new")
	kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts, acceptNew || cfg.SSH.AcceptNew)
	if err != nil {
		return nil, "", err
	}
	c := &gssh.Client{Addr: addr, User: user, Signer: signer, KnownHosts: kh, Timeout: cfg.SSHTimeout()}
	cli, err := gssh.Dial(cmd.Context(), c)
	if err != nil {
		return nil, "", err
	}
	s.closers = append(s.closers, cli.Close)
	h, err := gssh.NewHost(cli, user, addr)
	if err != nil {
		return nil, "", err
	}
	s.closers = append(s.closers, h.Close)
	// Remote targets are Linux hosts.
	return h, "linux", nil
}

// Install the agent service
func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [ACCOUNT_TOKEN] [SITE_DESCRIPTION]",
		Short: "Install, enroll and start the zrok agent service",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			req := core.InstallRequest{AccountToken: cfg.AccountToken}
			if v, _ := cmd.Flags().GetString("token"); v != "" {
				req.AccountToken = v
			}
			req.SiteDescription, _ = cmd.Flags().GetString("description")
			if len(args) > 0 {
				req.AccountToken = args[0]
			}
			if len(args) > 1 {
				req.SiteDescription = args[1]
			}
			if err := req.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), installUsage)
				return err
			}
			if cmd.Flags().Changed("rollback") {
				cfg.Rollback, _ = cmd.Flags().GetBool("rollback")
			}

			s, err := openSession(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.orch.Install(cmd.Context(), req)
			if err != nil {
				if res.Outcome == api.OutcomeRolledBack {
					fmt.Fprintln(cmd.ErrOrStderr(), "install failed; completed steps were rolled back")
				}
				var ve core.ValidationError
				if errors.As(err, &ve) {
					fmt.Fprintln(cmd.ErrOrStderr(), installUsage)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().StringP("token", "t", "", "zrok account token")
	cmd.Flags().StringP("description", "d", "", "site description")
	cmd.Flags().Bool("rollback", false, "undo completed steps if a later step fails")
	return cmd
}

// Uninstall the agent service
func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the zrok agent service, its profile and binaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.orch.Uninstall(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

// Show whether the agent service is installed
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the zrok agent service is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Journal.Enabled = false
			s, err := openSession(cmd, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			state, err := s.orch.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", s.orch.Host.Name(), state)
			return nil
		},
	}
}

// List journaled steps
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent install and uninstall steps from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return errors.New("journal is disabled in the configuration")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := core.NewStore(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				line := []string{
					e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
					e.RunID[:min(8, len(e.RunID))],
					e.Operation, e.Target, e.Step, e.Status,
				}
				if e.Detail != "" {
					line = append(line, e.Detail)
				}
				fmt.Fprintln(out, strings.Join(line, "\t"))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "number of entries to show")
	return cmd
}
