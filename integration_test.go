package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestFullWorkflow drives the built binary the way an operator would
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin, err := buildBinary(tmpDir)
	if err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}
	configPath := writeTestConfig(t, tmpDir)

	t.Run("CLI_Commands", func(t *testing.T) {
		testCLICommands(t, bin, configPath)
	})

	t.Run("Install_Rejects_Bad_Input", func(t *testing.T) {
		testInstallRejectsBadInput(t, bin, configPath)
	})

	t.Run("Unprivileged_Uninstall", func(t *testing.T) {
		testUnprivilegedUninstall(t, bin, configPath)
	})

	t.Run("Status", func(t *testing.T) {
		testStatus(t, bin, configPath)
	})
}

func buildBinary(dir string) (string, error) {
	bin := filepath.Join(dir, "zrok-agentctl")
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/zrok-agentctl")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("build failed: %v\nOutput: %s", err, output)
	}
	return bin, nil
}

func writeTestConfig(t *testing.T, tmpDir string) string {
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := fmt.Sprintf(`journal:
  enabled: true
  path: %s
download:
  scratch_dir: %s
telemetry:
  enabled: true
`, filepath.ToSlash(filepath.Join(tmpDir, "journal.db")), filepath.ToSlash(filepath.Join(tmpDir, "scratch")))
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}
	return configPath
}

// run executes the binary and returns combined output and the exit code.
func run(t *testing.T, bin string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "ZROK_ACCOUNT_TOKEN=")
	output, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return string(output), 0
	case errors.As(err, &exitErr):
		return string(output), exitErr.ExitCode()
	default:
		t.Fatalf("Command %v did not run: %v", args, err)
		return "", -1
	}
}

func testCLICommands(t *testing.T, bin, configPath string) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"version", []string{"version"}, "zrok-agentctl"},
		{"help", []string{"--help"}, "install"},
		{"default_help", nil, "uninstall"},
		{"history", []string{"history"}, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"--config", configPath}, test.args...)
			output, code := run(t, bin, args...)
			if code != 0 {
				t.Fatalf("Command %v exited %d\nOutput: %s", test.args, code, output)
			}
			if !strings.Contains(output, test.want) {
				t.Fatalf("Command %v output missing %q: %s", test.args, test.want, output)
			}
		})
	}

	output, code := run(t, bin, "--config", configPath, "bogus")
	if code != 0 || !strings.Contains(output, "Available Commands") {
		t.Fatalf("unknown command exited %d: %s", code, output)
	}
}

func testInstallRejectsBadInput(t *testing.T, bin, configPath string) {
	cases := [][]string{
		{"install"},
		{"install", "YOUR_ACCOUNT_TOKEN", "YOUR_SITE_DESCRIPTION"},
		{"install", "abcd1234efgh", "   "},
	}
	for _, args := range cases {
		output, code := run(t, bin, append([]string{"--config", configPath}, args...)...)
		if code != 1 {
			t.Fatalf("%v exited %d, want 1\nOutput: %s", args, code, output)
		}
		if !strings.Contains(output, "usage: zrok-agentctl install") || !strings.Contains(output, "validation error") {
			t.Fatalf("%v output: %s", args, output)
		}
	}
	if entries, _ := os.ReadDir(filepath.Join(filepath.Dir(configPath), "scratch")); len(entries) != 0 {
		t.Fatalf("rejected install left downloads behind")
	}
}

func testUnprivilegedUninstall(t *testing.T, bin, configPath string) {
	if runtime.GOOS != "linux" || os.Geteuid() == 0 {
		t.Skip("needs an unprivileged Linux user")
	}
	output, code := run(t, bin, "--config", configPath, "uninstall")
	if code != 1 || !strings.Contains(output, "must be run as root") {
		t.Fatalf("uninstall exited %d: %s", code, output)
	}
}

func testStatus(t *testing.T, bin, configPath string) {
	output, code := run(t, bin, "--config", configPath, "status")

	// Hosts without a service manager cannot answer; only the parse path matters there.
	t.Logf("Status output (exit %d): %s", code, output)
	if code == 0 && !strings.Contains(output, "installed") {
		t.Fatalf("status output %q", output)
	}
}
