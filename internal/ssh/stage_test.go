package ssh

import (
	"fmt"
	"io"
	"net"
	"path"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
)

// recorder logs the file operations an in-memory SFTP server receives.
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type recordingCmds struct {
	sftp.FileCmder
	rec *recorder
}

// Filecmd records modes instead of applying them; the in-memory server
// cannot chmod directories.
func (c recordingCmds) Filecmd(r *sftp.Request) error {
	if r.Method == "Setstat" {
		c.rec.add(fmt.Sprintf("chmod %s %o", r.Filepath, r.Attributes().FileMode().Perm()))
		return nil
	}
	c.rec.add(strings.ToLower(r.Method) + " " + r.Filepath)
	return c.FileCmder.Filecmd(r)
}

type recordingWrites struct {
	sftp.FileWriter
	rec *recorder
}

func (w recordingWrites) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w.rec.add("create " + r.Filepath)
	return w.FileWriter.Filewrite(r)
}

func newSFTPHost(t *testing.T) (*Host, *recorder) {
	t.Helper()
	rec := &recorder{}
	handlers := sftp.InMemHandler()
	handlers.FilePut = recordingWrites{handlers.FilePut, rec}
	handlers.FileCmd = recordingCmds{handlers.FileCmd, rec}

	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, handlers)
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &Host{sftp: client, login: "ops", addr: "site:22"}, rec
}

func TestStageLocksDirectoryBeforeWriting(t *testing.T) {
	h, rec := newSFTPHost(t)
	if err := h.sftp.Mkdir("/tmp"); err != nil {
		t.Fatalf("mkdir /tmp: %v", err)
	}
	rec.mu.Lock()
	rec.ops = nil
	rec.mu.Unlock()
	staged, err := h.stage(strings.NewReader("agent binary"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	dir := path.Dir(staged)
	if !strings.HasPrefix(dir, "/tmp/zrok-agentctl-") {
		t.Fatalf("staged outside a private dir: %s", staged)
	}

	f, err := h.sftp.Open(staged)
	if err != nil {
		t.Fatalf("open staged: %v", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil || string(data) != "agent binary" {
		t.Fatalf("staged contents %q, %v", data, err)
	}

	h.unstage(staged)
	if _, err := h.sftp.Stat(dir); !isNotExist(err) {
		t.Fatalf("staging dir left behind: %v", err)
	}

	want := []string{
		"mkdir " + dir,
		"chmod " + dir + " 700",
		"create " + staged,
		"chmod " + staged + " 600",
		"remove " + staged,
		"rmdir " + dir,
	}
	if got := rec.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("operations:\n got %v\nwant %v", got, want)
	}
}

func TestStageCleansUpFailedUpload(t *testing.T) {
	h, _ := newSFTPHost(t)
	if err := h.sftp.Mkdir("/tmp"); err != nil {
		t.Fatalf("mkdir /tmp: %v", err)
	}
	_, err := h.stage(failingReader{})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected the read error, got %v", err)
	}
	entries, err := h.sftp.ReadDir("/tmp")
	if err != nil {
		t.Fatalf("read /tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed upload left %d entries", len(entries))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, fmt.Errorf("connection reset") }
