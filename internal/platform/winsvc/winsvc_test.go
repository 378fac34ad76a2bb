package winsvc

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/3cpo-dev/zrok-agentctl/internal/host"
	"github.com/3cpo-dev/zrok-agentctl/internal/host/hosttest"
	"github.com/3cpo-dev/zrok-agentctl/internal/platform"
)

type fakeSCM struct {
	exists, running bool
}

func (f *fakeSCM) Exists(string) (bool, error)  { return f.exists, nil }
func (f *fakeSCM) Running(string) (bool, error) { return f.running, nil }

type memPath struct{ value string }

func (m *memPath) Get() (string, error) { return m.value, nil }
func (m *memPath) Set(v string) error   { m.value = v; return nil }

func testPlatform(build uint32, scm SCM, path PathStore) *Platform {
	env := map[string]string{
		"ProgramW6432": `C:\Program Files`,
		"SystemRoot":   `C:\WINDOWS`,
	}
	return New(Options{
		AgentVersion: "1.0.2",
		AgentURL:     "https://example.test/v{version}/zrok_{version}_{os}_{arch}.tar.gz",
		Arch:         "amd64",
		Getenv:       func(k string) string { return env[k] },
		Build:        func() (uint32, error) { return build, nil },
		SCM:          scm,
		Path:         path,
	})
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	h := hosttest.New()

	_, err := testPlatform(19045, &fakeSCM{}, &memPath{}).Preflight(ctx, h)
	var pe *platform.PreconditionError
	if !errors.As(err, &pe) || pe.Check != "privileges" {
		t.Fatalf("expected privileges error, got %v", err)
	}

	h.Ident = host.Identity{Elevated: true}
	_, err = testPlatform(17133, &fakeSCM{}, &memPath{}).Preflight(ctx, h)
	if !errors.As(err, &pe) || pe.Check != "os-version" {
		t.Fatalf("expected os-version error, got %v", err)
	}

	u, err := testPlatform(MinBuild, &fakeSCM{}, &memPath{}).Preflight(ctx, h)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if u.Name != LocalSystem || u.HomeDir != `C:\WINDOWS\System32\config\systemprofile` {
		t.Fatalf("unexpected owner %+v", u)
	}
}

func TestLayoutAndService(t *testing.T) {
	p := testPlatform(19045, &fakeSCM{}, &memPath{})
	owner := host.User{Name: LocalSystem, HomeDir: `C:\WINDOWS\System32\config\systemprofile`}
	l := p.Layout(owner)
	want := platform.Layout{
		InstallDir:   `C:\Program Files\zrok-agent\bin`,
		PruneParents: []string{`C:\Program Files\zrok-agent`},
		AgentPath:    `C:\Program Files\zrok-agent\bin\zrok.exe`,
		ProfileDir:   `C:\WINDOWS\System32\config\systemprofile\.zrok`,
		LogDir:       `C:\WINDOWS\System32\config\systemprofile\.zrok\logs`,
	}
	if !reflect.DeepEqual(l, want) {
		t.Fatalf("layout = %+v\nwant %+v", l, want)
	}

	args := InstallArgs(p.Service(owner, l))
	wantArgs := [][]string{
		{"install", "zrok-agent", `C:\Program Files\zrok-agent\bin\zrok.exe`, "agent", "start"},
		{"set", "zrok-agent", "DisplayName", "zrok agent"},
		{"set", "zrok-agent", "Description", "zrok agent providing remote access for this site"},
		{"set", "zrok-agent", "AppDirectory", `C:\Program Files\zrok-agent\bin`},
		{"set", "zrok-agent", "AppStdout", `C:\WINDOWS\System32\config\systemprofile\.zrok\logs\zrok-agent.out.log`},
		{"set", "zrok-agent", "AppStderr", `C:\WINDOWS\System32\config\systemprofile\.zrok\logs\zrok-agent.err.log`},
		{"set", "zrok-agent", "AppEnvironmentExtra", `USERPROFILE=C:\WINDOWS\System32\config\systemprofile`, `HOME=C:\WINDOWS\System32\config\systemprofile`},
		{"set", "zrok-agent", "AppExit", "Default", "Restart"},
		{"set", "zrok-agent", "Start", "SERVICE_DELAYED_AUTO_START"},
		{"set", "zrok-agent", "ObjectName", "LocalSystem"},
	}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Fatalf("install args:\n got %q\nwant %q", args, wantArgs)
	}
}

func TestArtifacts(t *testing.T) {
	arts, err := testPlatform(19045, &fakeSCM{}, &memPath{}).Artifacts(context.Background(), hosttest.New())
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected agent and nssm artifacts, got %d", len(arts))
	}
	if arts[0].URL != "https://example.test/v1.0.2/zrok_1.0.2_windows_amd64.tar.gz" {
		t.Fatalf("agent url %s", arts[0].URL)
	}
	if arts[1].URL != "https://nssm.cc/release/nssm-2.24.zip" || arts[1].Members["win64/nssm.exe"] != "nssm.exe" {
		t.Fatalf("unexpected nssm artifact %+v", arts[1])
	}
}

func TestNSSMStopSkipsStoppedService(t *testing.T) {
	ctx := context.Background()
	h := hosttest.New()
	scm := &fakeSCM{exists: true}
	n := &NSSM{Host: h, Exe: `C:\x\nssm.exe`, SCM: scm}

	if err := n.Stop(ctx, "zrok-agent"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(h.Commands()) != 0 {
		t.Fatalf("stopped service should not be stopped again: %v", h.CommandLines())
	}
	scm.running = true
	if err := n.Stop(ctx, "zrok-agent"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := n.Unregister(ctx, "zrok-agent"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	got := h.Commands()
	if len(got) != 2 || !reflect.DeepEqual(got[1].Args, []string{"remove", "zrok-agent", "confirm"}) {
		t.Fatalf("unexpected commands %v", h.CommandLines())
	}
}

func TestNSSMRegisterCreatesLogDir(t *testing.T) {
	h := hosttest.New()
	n := &NSSM{Host: h, Exe: `C:\x\nssm.exe`, SCM: &fakeSCM{}}
	spec := platform.ServiceSpec{Name: "zrok-agent", ExecPath: `C:\x\zrok.exe`, StdoutLog: `C:\p\.zrok\logs\out.log`}
	if err := n.Register(context.Background(), spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !h.Exists(`C:\p\.zrok\logs`) {
		t.Fatalf("log dir not created: %v", h.Paths())
	}
}

func TestNSSMRegisterSurfacesFailure(t *testing.T) {
	h := hosttest.New()
	h.Handler = func(c host.Command) (string, error) {
		if c.Args[0] == "set" {
			return "", host.NewCommandError(c, 3, "Can't open service!", errors.New("exit status 3"))
		}
		return "", nil
	}
	n := &NSSM{Host: h, Exe: `C:\x\nssm.exe`, SCM: &fakeSCM{}}
	err := n.Register(context.Background(), platform.ServiceSpec{Name: "zrok-agent", ExecPath: `C:\x\zrok.exe`, DisplayName: "zrok"})
	if err == nil || !strings.Contains(err.Error(), "Can't open service!") {
		t.Fatalf("expected nssm output in error, got %v", err)
	}
}

// fakeEnv stands in for the process environment.
type fakeEnv map[string]string

func (e fakeEnv) Getenv(k string) string { return e[k] }
func (e fakeEnv) Setenv(k, v string) error {
	e[k] = v
	return nil
}

func TestMachinePath(t *testing.T) {
	store := &memPath{value: `C:\WINDOWS\system32;C:\WINDOWS;`}
	env := fakeEnv{}
	m := &MachinePath{Store: store, Getenv: env.Getenv, Setenv: env.Setenv}
	dir := `C:\Program Files\zrok-agent\bin`

	added, err := m.Add(dir)
	if err != nil || !added {
		t.Fatalf("add: %v %v", added, err)
	}
	if store.value != `C:\WINDOWS\system32;C:\WINDOWS;C:\Program Files\zrok-agent\bin` {
		t.Fatalf("path = %q", store.value)
	}
	if added, _ := m.Add(`c:\program files\ZROK-AGENT\bin\`); added {
		t.Fatalf("case and trailing backslash variants must be recognised")
	}
	if ok, _ := m.Contains(dir + `\`); !ok {
		t.Fatalf("contains with trailing backslash")
	}
	removed, err := m.Remove(dir)
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if store.value != `C:\WINDOWS\system32;C:\WINDOWS` {
		t.Fatalf("path after remove = %q", store.value)
	}
	if removed, _ := m.Remove(dir); removed {
		t.Fatalf("second remove should be a no-op")
	}
}

func TestMachinePathKeepsProcessEntries(t *testing.T) {
	store := &memPath{value: `%SystemRoot%\system32;%SystemRoot%`}
	env := fakeEnv{"PATH": `C:\WINDOWS\system32;C:\WINDOWS;C:\Users\ops\AppData\Local\Microsoft\WindowsApps`}
	m := &MachinePath{Store: store, Getenv: env.Getenv, Setenv: env.Setenv}
	dir := `C:\Program Files\zrok-agent\bin`

	if added, err := m.Add(dir); err != nil || !added {
		t.Fatalf("add: %v %v", added, err)
	}
	want := `C:\WINDOWS\system32;C:\WINDOWS;C:\Users\ops\AppData\Local\Microsoft\WindowsApps;` + dir
	if env["PATH"] != want {
		t.Fatalf("process PATH = %q, want %q", env["PATH"], want)
	}
	if store.value != `%SystemRoot%\system32;%SystemRoot%;`+dir {
		t.Fatalf("machine Path = %q", store.value)
	}

	if removed, err := m.Remove(dir); err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if env["PATH"] != `C:\WINDOWS\system32;C:\WINDOWS;C:\Users\ops\AppData\Local\Microsoft\WindowsApps` {
		t.Fatalf("process PATH after remove = %q", env["PATH"])
	}
}

func TestNSSMUnregisterSkipsMissingService(t *testing.T) {
	h := hosttest.New()
	n := &NSSM{Host: h, Exe: `C:\x\nssm.exe`, SCM: &fakeSCM{}}
	if err := n.Unregister(context.Background(), "zrok-agent"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if len(h.Commands()) != 0 {
		t.Fatalf("nothing to remove, ran %v", h.CommandLines())
	}
}

func TestJoin(t *testing.T) {
	if got := join(`C:\Program Files\`, `\zrok-agent`, "bin"); got != `C:\Program Files\zrok-agent\bin` {
		t.Fatalf("join = %s", got)
	}
}
