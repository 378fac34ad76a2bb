// Package fetch downloads pinned release archives and extracts the members
// the installer needs.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
)

type Options struct {
	// Timeout bounds each download, including retries. Zero means none.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed request.
	Retries   int
	UserAgent string
}

// File is an extracted archive member ready to be installed.
type File struct {
	Name string
	Path string
	Mode fs.FileMode
}

// StatusError is a download answered with anything but 200 OK.
type StatusError struct {
	URL    string
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: %s", e.URL, e.Status)
}

// ChecksumError is a download whose SHA-256 does not match its pin.
type ChecksumError struct {
	Artifact string
	Want     string
	Got      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Artifact, e.Want, e.Got)
}

type Fetcher struct {
	client  *retryablehttp.Client
	timeout time.Duration
	agent   string
}

func New(opts Options) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.Retries
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	c.RetryWaitMin = 1 * time.Second
	c.RetryWaitMax = 10 * time.Second
	c.Logger = leveledLogger{}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Fetcher{client: c, timeout: opts.Timeout, agent: opts.UserAgent}
}

// Fetch downloads a into dir, verifies it and extracts its members.
func (f *Fetcher) Fetch(ctx context.Context, a platform.Artifact, dir string) ([]File, error) {
	if err := checkName(a.Name); err != nil {
		return nil, err
	}
	for _, name := range a.Members {
		if err := checkName(name); err != nil {
			return nil, err
		}
	}
	archive := filepath.Join(dir, a.Name+"."+a.Format)
	sum, err := f.download(ctx, a.URL, archive)
	if err != nil {
		return nil, err
	}
	if a.SHA256 != "" && !strings.EqualFold(a.SHA256, sum) {
		return nil, &ChecksumError{Artifact: a.Name, Want: strings.ToLower(a.SHA256), Got: sum}
	}
	log.Debug().Str("artifact", a.Name).Str("sha256", sum).Bool("pinned", a.SHA256 != "").Msg("downloaded")

	out := filepath.Join(dir, a.Name)
	if err := os.MkdirAll(out, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", out, err)
	}
	var files []File
	switch a.Format {
	case "tar.gz", "tgz":
		files, err = extractTarGz(archive, out, a.Members)
	case "zip":
		files, err = extractZip(archive, out, a.Members)
	default:
		return nil, fmt.Errorf("artifact %s: unsupported format %q", a.Name, a.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", a.Name, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// download writes url to dst and returns the hex SHA-256 of the body.
func (f *Fetcher) download(ctx context.Context, url, dst string) (string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if f.agent != "" {
		req.Header.Set("User-Agent", f.agent)
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: url, Status: resp.Status}
	}

	file, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer file.Close()
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, h), resp.Body)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	log.Info().Str("url", url).Int64("bytes", n).Dur("took", time.Since(start)).Msg("fetched")
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// leveledLogger routes retryablehttp's logging into zerolog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { log.Error().Fields(kv).Msg(msg) }
func (leveledLogger) Info(msg string, kv ...interface{})  { log.Debug().Fields(kv).Msg(msg) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { log.Trace().Fields(kv).Msg(msg) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { log.Warn().Fields(kv).Msg(msg) }
