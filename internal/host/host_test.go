package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":           "''",
		"plain":      "plain",
		"/opt/x-1.2": "/opt/x-1.2",
		"my site":    "'my site'",
		"it's":       `'it'"'"'s'`,
		"HOME=/root": "HOME=/root",
		"a;rm -rf /": "'a;rm -rf /'",
	}
	for in, want := range tests {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandRedaction(t *testing.T) {
	c := Command{Name: "zrok", Args: []string{"enable", "s3cr3tT0ken"}, Redact: []string{"s3cr3tT0ken"}}
	if s := c.String(); strings.Contains(s, "s3cr3tT0ken") || !strings.Contains(s, "s3cr****") {
		t.Fatalf("token not masked: %s", s)
	}
	err := NewCommandError(c, 1, "invalid token s3cr3tT0ken", errors.New("exit status 1"))
	if strings.Contains(err.Error(), "s3cr3tT0ken") {
		t.Fatalf("token leaked in error: %v", err)
	}
	if Redact("abc") != "****" {
		t.Fatalf("short secrets must be fully masked")
	}
}

func TestRedactKeepsWholeCharacters(t *testing.T) {
	tests := map[string]string{
		"ünïcødé-tøken": "ünïc****",
		"日本語の秘密":        "日本語の****",
		"ßßßß":          "****",
	}
	for in, want := range tests {
		got := Redact(in)
		if got != want || !utf8.ValidString(got) {
			t.Errorf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalRemoveIfEmpty(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	dir := t.TempDir()
	parent := filepath.Join(dir, "parent")
	child := filepath.Join(parent, "child")
	if err := l.MkdirAll(ctx, child, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	removed, err := l.RemoveIfEmpty(ctx, parent)
	if err != nil || removed {
		t.Fatalf("non-empty dir: removed=%v err=%v", removed, err)
	}
	if removed, err = l.RemoveIfEmpty(ctx, child); err != nil || !removed {
		t.Fatalf("empty dir: removed=%v err=%v", removed, err)
	}
	if removed, err = l.RemoveIfEmpty(ctx, filepath.Join(dir, "missing")); err != nil || removed {
		t.Fatalf("missing dir: removed=%v err=%v", removed, err)
	}
	if err := l.Remove(ctx, filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}

func TestLocalInstall(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("binary"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := filepath.Join(dir, "opt", "bin", "zrok")
	if err := l.Install(ctx, src, dst, 0o755); err != nil {
		t.Fatalf("install: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "binary" {
		t.Fatalf("read back: %q %v", b, err)
	}
	if runtime.GOOS != "windows" {
		fi, _ := os.Stat(dst)
		if fi.Mode().Perm() != 0o755 {
			t.Fatalf("mode = %v", fi.Mode().Perm())
		}
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}

func TestLocalRunFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	_, err := NewLocal().Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom; exit 3"}})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 || !strings.Contains(cmdErr.Output, "boom") {
		t.Fatalf("unexpected error %+v", cmdErr)
	}
}
