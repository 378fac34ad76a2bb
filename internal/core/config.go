package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIEndpoint  = "https://api-v1.zrok.io"
	DefaultAgentVersion = "1.0.2"
	DefaultAgentURL     = "https://github.com/openziti/zrok/releases/download/v{version}/zrok_{version}_{os}_{arch}.tar.gz"
	DefaultNSSMVersion  = "2.24"
	DefaultNSSMURL      = "https://nssm.cc/release/nssm-{version}.zip"

	// TokenEnv carries the account token without exposing it in the process list.
	TokenEnv = "ZROK_ACCOUNT_TOKEN"
)

type ArtifactConfig struct {
	Version string `yaml:"version"`
	// URL may contain {version}, {os} and {arch}.
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

type Config struct {
	APIEndpoint string         `yaml:"api_endpoint"`
	Agent       ArtifactConfig `yaml:"agent"`
	NSSM        ArtifactConfig `yaml:"nssm"`
	Install     struct {
		Dir string `yaml:"dir"`
	} `yaml:"install"`
	Download struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Retries        int    `yaml:"retries"`
		ScratchDir     string `yaml:"scratch_dir"`
	} `yaml:"download"`
	// Rollback undoes completed install steps when a later one fails.
	Rollback bool `yaml:"rollback"`
	Systemd  struct {
		Transport string `yaml:"transport"`
		Socket    string `yaml:"socket"`
	} `yaml:"systemd"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`
	SSH struct {
		KeyPath        string `yaml:"key_path"`
		KnownHosts     string `yaml:"known_hosts"`
		Port           int    `yaml:"port"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		AcceptNew      bool   `yaml:"accept_new"`
	} `yaml:"ssh"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`

	// AccountToken comes from secrets.env or the environment, never from YAML.
	AccountToken string `yaml:"-"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	var cfg Config
	cfg.APIEndpoint = DefaultAPIEndpoint
	cfg.Agent = ArtifactConfig{Version: DefaultAgentVersion, URL: DefaultAgentURL}
	cfg.NSSM = ArtifactConfig{Version: DefaultNSSMVersion, URL: DefaultNSSMURL}
	cfg.Download.TimeoutSeconds = 300
	cfg.Systemd.Transport = "dbus"
	cfg.Systemd.Socket = "/run/systemd/private"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(stateDir(), "journal.db")
	home, _ := os.UserHomeDir()
	cfg.SSH.KeyPath = filepath.Join(home, ".ssh", "id_ed25519")
	cfg.SSH.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	cfg.SSH.Port = 22
	cfg.SSH.TimeoutSeconds = 30
	return cfg
}

func configDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(programData(), "zrok-agentctl")
	}
	return "/etc/zrok-agentctl"
}

func stateDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(programData(), "zrok-agentctl")
	}
	return "/var/lib/zrok-agentctl"
}

func programData() string {
	if v := os.Getenv("ProgramData"); v != "" {
		return v
	}
	return `C:\ProgramData`
}

// DefaultConfigPath is /etc/zrok-agentctl/config.yaml, or
// %ProgramData%\zrok-agentctl\config.yaml on Windows.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// LoadConfig reads YAML configuration from a path over the defaults. If path
// is empty the default path is used and may be absent. The account token is
// merged from secrets.env next to the config file and from $ZROK_ACCOUNT_TOKEN.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if v := os.Getenv(TokenEnv); v != "" {
		secrets[TokenEnv] = v
	}
	cfg.AccountToken = secrets[TokenEnv]

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Systemd.Transport {
	case "dbus", "systemctl":
	default:
		return ValidationError{Field: "systemd.transport", Value: c.Systemd.Transport, Message: "must be dbus or systemctl"}
	}
	if c.Download.Retries < 0 {
		return ValidationError{Field: "download.retries", Value: fmt.Sprint(c.Download.Retries), Message: "must not be negative"}
	}
	if c.Download.TimeoutSeconds < 0 {
		return ValidationError{Field: "download.timeout_seconds", Value: fmt.Sprint(c.Download.TimeoutSeconds), Message: "must not be negative"}
	}
	if c.Agent.URL == "" || c.Agent.Version == "" {
		return ValidationError{Field: "agent", Value: c.Agent.URL, Message: "version and url are required"}
	}
	if c.APIEndpoint == "" {
		return ValidationError{Field: "api_endpoint", Value: "", Message: "required"}
	}
	return nil
}

func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

func (c Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSH.TimeoutSeconds) * time.Second
}
