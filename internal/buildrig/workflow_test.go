package buildrig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildrig/buildrig/internal/compute"
	"github.com/buildrig/buildrig/internal/remote"
	"github.com/buildrig/buildrig/internal/shared/config"
)

// fakeLifecycle and fakeSession share one event log so tests can assert
// cross-component ordering, in particular that workspace removal always
// precedes the stop request.
type fakeLifecycle struct {
	events    *[]string
	running   bool
	ensureErr error
	stops     int
}

func (f *fakeLifecycle) EnsureRunning(ctx context.Context, inst compute.Instance, timeout time.Duration) (bool, string, error) {
	*f.events = append(*f.events, "ensure-running")
	if f.ensureErr != nil {
		return false, "", f.ensureErr
	}
	if f.running {
		return false, "198.51.100.4", nil
	}
	return true, "198.51.100.4", nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, inst compute.Instance, timeout time.Duration) error {
	*f.events = append(*f.events, "stop")
	f.stops++
	return nil
}

type fakeSession struct {
	events  *[]string
	failOn  string // substring of a command that should fail
	closed  bool
	uploads int
}

func (s *fakeSession) Execute(ctx context.Context, command string) error {
	*s.events = append(*s.events, "exec:"+command)
	if s.failOn != "" && strings.Contains(command, s.failOn) {
		return errors.New("remote failure")
	}
	return nil
}

func (s *fakeSession) ExecuteStdin(ctx context.Context, command string, stdin io.Reader) error {
	*s.events = append(*s.events, "stdin:"+command)
	return nil
}

func (s *fakeSession) Upload(ctx context.Context, localDir, remoteDir string) error {
	*s.events = append(*s.events, "upload")
	s.uploads++
	return nil
}

func (s *fakeSession) Trace() []remote.TraceEntry { return nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fixture struct {
	events    []string
	lifecycle *fakeLifecycle
	session   *fakeSession
	cfg       *config.Config
	wf        *Workflow
}

func newFixture(t *testing.T, mutate func(f *fixture)) *fixture {
	t.Helper()
	f := &fixture{}
	f.lifecycle = &fakeLifecycle{events: &f.events}
	f.session = &fakeSession{events: &f.events}
	f.cfg = testConfig()
	f.cfg.Zone = "europe-west1-b"
	f.cfg.Instance = "buildrig-builder"
	f.cfg.StartTimeout = time.Second
	f.cfg.StopTimeout = time.Second
	f.cfg.TeardownTimeout = time.Second

	dir := sourceDir(t)
	writeFile(t, dir, VersionFile, "v1.3\n")

	if mutate != nil {
		mutate(f)
	}

	dial := func(ctx context.Context, host string) (Session, error) {
		f.events = append(f.events, "dial:"+host)
		return f.session, nil
	}
	f.wf = New(f.cfg, Inputs{SourceDir: dir, ImageName: "api"}, f.lifecycle, dial, slog.Default())
	return f
}

func eventIndex(events []string, prefix string) int {
	_, idx, _ := lo.FindIndexOf(events, func(e string) bool { return strings.HasPrefix(e, prefix) })
	return idx
}

func TestRun_HappyPathStartedByRun(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.wf.Run(context.Background()))

	execs := lo.Filter(f.events, func(e string, _ int) bool { return strings.HasPrefix(e, "exec:") })
	joined := strings.Join(execs, "\n")
	assert.Contains(t, joined, "mkdir -p /tmp/buildrig/build-")
	assert.Contains(t, joined, "docker build -f Dockerfile -t eu.gcr.io/acme/builds/api:v1.3")
	assert.Contains(t, joined, "docker tag eu.gcr.io/acme/builds/api:v1.3 eu.gcr.io/acme/builds/api:latest")
	assert.Contains(t, joined, "docker push eu.gcr.io/acme/builds/api:v1.3")
	assert.Contains(t, joined, "docker push eu.gcr.io/acme/builds/api:latest")
	assert.Equal(t, 1, f.session.uploads)

	// Teardown: workspace removed, then the machine we started is stopped.
	rm := eventIndex(f.events, "exec:rm -rf /tmp/buildrig/build-")
	stop := eventIndex(f.events, "stop")
	require.GreaterOrEqual(t, rm, 0)
	require.GreaterOrEqual(t, stop, 0)
	assert.Less(t, rm, stop, "workspace removal must precede the stop request")
	assert.True(t, f.session.closed)
	assert.Equal(t, 1, f.lifecycle.stops)
}

func TestRun_MachineAlreadyRunningIsNotStopped(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.lifecycle.running = true })
	require.NoError(t, f.wf.Run(context.Background()))

	assert.Equal(t, 0, f.lifecycle.stops, "a machine found running must be left running")
	assert.GreaterOrEqual(t, eventIndex(f.events, "exec:rm -rf"), 0, "workspace is still cleaned up")
}

func TestRun_BuildFailureStillTearsDownInOrder(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.session.failOn = "docker build" })
	err := f.wf.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote-build")

	// No push was attempted after the failure.
	assert.Equal(t, -1, eventIndex(f.events, "exec:docker push"))

	rm := eventIndex(f.events, "exec:rm -rf /tmp/buildrig/build-")
	stop := eventIndex(f.events, "stop")
	require.GreaterOrEqual(t, rm, 0)
	require.GreaterOrEqual(t, stop, 0)
	assert.Less(t, rm, stop)
}

func TestRun_KeepWorkspaceSuppressesRemovalOnly(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.cfg.KeepWorkspace = true })
	require.NoError(t, f.wf.Run(context.Background()))

	assert.Equal(t, -1, eventIndex(f.events, "exec:rm -rf"))
	assert.Equal(t, 1, f.lifecycle.stops, "the stop decision is independent of workspace suppression")
}

func TestRun_EnsureFailureSkipsRemoteSteps(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.lifecycle.ensureErr = errors.New("unexpected power state") })
	err := f.wf.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure-machine-up")

	assert.Equal(t, -1, eventIndex(f.events, "dial:"))
	assert.Equal(t, -1, eventIndex(f.events, "exec:"))
	assert.Equal(t, 0, f.lifecycle.stops, "the machine was never started by this run")
}

func TestRun_MissingDescriptorFailsBeforeAnyRemoteAction(t *testing.T) {
	f := newFixture(t, nil)
	f.wf.inputs.SourceDir = t.TempDir() // no descriptor inside

	err := f.wf.Run(context.Background())
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Empty(t, f.events, "no lifecycle or remote calls before input resolution")
}

func TestRun_RegistryCredentialsUseStdin(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.cfg.RegistryUsername = "builder"
		f.cfg.RegistryPassword = "hunter2"
	})
	require.NoError(t, f.wf.Run(context.Background()))

	login := eventIndex(f.events, "stdin:docker login eu.gcr.io -u builder --password-stdin")
	require.GreaterOrEqual(t, login, 0)
	assert.NotContains(t, strings.Join(f.events, "\n"), "hunter2", "the password never appears in a command line")
}

func TestRun_NoCredentialsFallsBackToServiceAccount(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.wf.Run(context.Background()))

	assert.GreaterOrEqual(t, eventIndex(f.events, "exec:gcloud auth configure-docker eu.gcr.io"), 0)
}

func TestRemoveWorkspace_RefusesPathsOutsideWorkRoot(t *testing.T) {
	f := newFixture(t, nil)
	f.wf.job = &Job{RemoteDir: "/etc"}
	f.wf.state.session = f.session

	err := f.wf.removeWorkspace(context.Background())
	require.Error(t, err)
	assert.Equal(t, -1, eventIndex(f.events, "exec:rm -rf"), "no removal command was issued")
}
