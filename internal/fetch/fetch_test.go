package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
)

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serve(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchTarGz(t *testing.T) {
	body := tarGz(t, map[string]string{"zrok": "agent-binary", "LICENSE": "Apache", "README.md": "skip me"})
	srv := serve(t, body, http.StatusOK)
	sum := sha256.Sum256(body)

	f := New(Options{Timeout: 5 * time.Second})
	files, err := f.Fetch(context.Background(), platform.Artifact{
		Name:    "zrok",
		URL:     srv.URL + "/zrok.tar.gz",
		SHA256:  hex.EncodeToString(sum[:]),
		Format:  "tar.gz",
		Members: map[string]string{"zrok": "zrok", "LICENSE": "LICENSE"},
	}, t.TempDir())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(files) != 2 || files[0].Name != "LICENSE" || files[1].Name != "zrok" {
		t.Fatalf("unexpected files %+v", files)
	}
	b, err := os.ReadFile(files[1].Path)
	if err != nil || string(b) != "agent-binary" {
		t.Fatalf("extracted content %q %v", b, err)
	}
	if files[1].Mode != 0o755 {
		t.Fatalf("mode = %v", files[1].Mode)
	}
}

func TestFetchZipNestedMember(t *testing.T) {
	body := zipBytes(t, map[string]string{
		"nssm-2.24/win32/nssm.exe": "32",
		"nssm-2.24/win64/nssm.exe": "64",
	})
	srv := serve(t, body, http.StatusOK)
	files, err := New(Options{}).Fetch(context.Background(), platform.Artifact{
		Name:    "nssm",
		URL:     srv.URL,
		Format:  "zip",
		Members: map[string]string{"win64/nssm.exe": "nssm.exe"},
	}, t.TempDir())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, _ := os.ReadFile(files[0].Path)
	if len(files) != 1 || string(b) != "64" {
		t.Fatalf("unexpected files %+v content %q", files, b)
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := serve(t, tarGz(t, map[string]string{"zrok": "x"}), http.StatusOK)
	_, err := New(Options{}).Fetch(context.Background(), platform.Artifact{
		Name:    "zrok",
		URL:     srv.URL,
		SHA256:  "deadbeef",
		Format:  "tar.gz",
		Members: map[string]string{"zrok": "zrok"},
	}, t.TempDir())
	var ce *ChecksumError
	if !errors.As(err, &ce) || ce.Want != "deadbeef" {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestFetchStatus(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadGateway} {
		srv := serve(t, []byte("nope"), status)
		_, err := New(Options{}).Fetch(context.Background(), platform.Artifact{
			Name: "zrok", URL: srv.URL, Format: "tar.gz", Members: map[string]string{"zrok": "zrok"},
		}, t.TempDir())
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected StatusError, got %v", status, err)
		}
	}
}

func TestFetchRetries(t *testing.T) {
	body := tarGz(t, map[string]string{"zrok": "x"})
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := New(Options{Retries: 1})
	f.client.RetryWaitMin = time.Millisecond
	f.client.RetryWaitMax = time.Millisecond
	if _, err := f.Fetch(context.Background(), platform.Artifact{
		Name: "zrok", URL: srv.URL, Format: "tar.gz", Members: map[string]string{"zrok": "zrok"},
	}, t.TempDir()); err != nil {
		t.Fatalf("fetch with retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestFetchMissingMember(t *testing.T) {
	srv := serve(t, tarGz(t, map[string]string{"README.md": "x"}), http.StatusOK)
	_, err := New(Options{}).Fetch(context.Background(), platform.Artifact{
		Name: "zrok", URL: srv.URL, Format: "tar.gz", Members: map[string]string{"zrok": "zrok"},
	}, t.TempDir())
	if !errors.Is(err, errMissingMembers) {
		t.Fatalf("expected missing members, got %v", err)
	}
}

func TestFetchRejectsUnsafeNames(t *testing.T) {
	_, err := New(Options{}).Fetch(context.Background(), platform.Artifact{
		Name: "zrok", URL: "http://127.0.0.1:1", Format: "tar.gz", Members: map[string]string{"zrok": "../zrok"},
	}, t.TempDir())
	if err == nil {
		t.Fatalf("expected invalid name error")
	}
}
