package fetch

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

var errMissingMembers = errors.New("archive is missing members")

// matcher resolves archive entries against the wanted member suffixes.
type matcher struct {
	members map[string]string
	found   map[string]bool
}

func newMatcher(members map[string]string) *matcher {
	return &matcher{members: members, found: map[string]bool{}}
}

// match returns the install name for entry, or "" when it is not wanted.
func (m *matcher) match(entry string) string {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(entry, `\`, "/")), "/")
	for suffix, name := range m.members {
		if m.found[suffix] {
			continue
		}
		if clean == suffix || strings.HasSuffix(clean, "/"+suffix) {
			m.found[suffix] = true
			return name
		}
	}
	return ""
}

func (m *matcher) missing() error {
	var missing []string
	for suffix := range m.members {
		if !m.found[suffix] {
			missing = append(missing, suffix)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", errMissingMembers, strings.Join(missing, ", "))
}

func writeMember(r io.Reader, dir, name string, mode fs.FileMode) (File, error) {
	if mode.Perm() == 0 {
		mode = 0o755
	}
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return File{}, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return File{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return File{}, err
	}
	return File{Name: name, Path: dst, Mode: mode.Perm()}, nil
}

func extractTarGz(archive, dir string, members map[string]string) ([]File, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	m := newMatcher(members)
	var files []File
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := m.match(hdr.Name)
		if name == "" {
			continue
		}
		file, err := writeMember(tr, dir, name, hdr.FileInfo().Mode())
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := m.missing(); err != nil {
		return nil, err
	}
	return files, nil
}

func extractZip(archive, dir string, members map[string]string) ([]File, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()

	m := newMatcher(members)
	var files []File
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := m.match(zf.Name)
		if name == "" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		file, err := writeMember(rc, dir, name, zf.Mode())
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := m.missing(); err != nil {
		return nil, err
	}
	return files, nil
}
