// Package buildrig drives a containerized image build on a remote build
// machine: power it on if needed, stage the build context over SSH, build
// and push, then restore everything in a fixed teardown order on every
// exit path.
//
// A single workflow instance drives a single machine at a time; concurrent
// invocations against the same machine are unsupported.
package buildrig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/buildrig/buildrig/internal/compute"
	"github.com/buildrig/buildrig/internal/remote"
	"github.com/buildrig/buildrig/internal/shared/config"
)

// Lifecycle is the slice of the instance manager the workflow needs.
type Lifecycle interface {
	EnsureRunning(ctx context.Context, inst compute.Instance, timeout time.Duration) (startedByUs bool, addr string, err error)
	Stop(ctx context.Context, inst compute.Instance, timeout time.Duration) error
}

// Session is an established command channel to the build machine.
type Session interface {
	Execute(ctx context.Context, command string) error
	ExecuteStdin(ctx context.Context, command string, stdin io.Reader) error
	Upload(ctx context.Context, localDir, remoteDir string) error
	Trace() []remote.TraceEntry
	Close() error
}

// DialFunc opens a Session once the machine's address is known.
type DialFunc func(ctx context.Context, host string) (Session, error)

// Inputs are the raw command-line inputs of one invocation.
type Inputs struct {
	SourceDir string
	ImageName string
	Tag       string // optional explicit tag, wins over the marker file
}

// runState is the cross-step bookkeeping teardown consumes. Each flag is
// only ever flipped by the step that performed the corresponding action, so
// teardown decisions stay a pure function of what this run actually did.
type runState struct {
	startedByUs      bool
	workspaceCreated bool
	addr             string
	session          Session
}

// Workflow drives one build run end to end.
type Workflow struct {
	cfg       *config.Config
	inputs    Inputs
	inst      compute.Instance
	lifecycle Lifecycle
	dial      DialFunc
	logger    *slog.Logger

	job   *Job
	state runState
}

func New(cfg *config.Config, inputs Inputs, lifecycle Lifecycle, dial DialFunc, logger *slog.Logger) *Workflow {
	return &Workflow{
		cfg:    cfg,
		inputs: inputs,
		inst: compute.Instance{
			Project: cfg.Project,
			Zone:    cfg.Zone,
			Name:    cfg.Instance,
		},
		lifecycle: lifecycle,
		dial:      dial,
		logger:    logger,
	}
}

// Step is one named stage of the build sequence.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

func (w *Workflow) steps() []Step {
	return []Step{
		{"resolve-inputs", w.stepResolveInputs},
		{"ensure-machine-up", w.stepEnsureMachineUp},
		{"create-workspace", w.stepCreateWorkspace},
		{"upload-context", w.stepUploadContext},
		{"authenticate-registry", w.stepAuthenticateRegistry},
		{"remote-build", w.stepRemoteBuild},
		{"tag-latest", w.stepTagLatest},
		{"push-versioned", w.stepPushVersioned},
		{"push-latest", w.stepPushLatest},
	}
}

// Run executes every step in order; the first failure abandons the rest of
// the sequence. Teardown runs on every exit path, including cancellation,
// and never replaces the returned error.
func (w *Workflow) Run(ctx context.Context) (err error) {
	steps := w.steps()
	w.logger.Info("starting build run",
		"source_dir", w.inputs.SourceDir,
		"image", w.inputs.ImageName,
		"instance", w.inst.String(),
		"steps", lo.Map(steps, func(s Step, _ int) string { return s.Name }),
	)

	defer func() { w.teardown(err) }()

	for _, step := range steps {
		w.logger.Info("step starting", "step", step.Name)
		if serr := step.Run(ctx); serr != nil {
			w.logger.Error("step failed", "step", step.Name, "error", serr)
			err = fmt.Errorf("%s: %w", step.Name, serr)
			return err
		}
		w.logger.Info("step completed", "step", step.Name)
	}

	w.logger.Info("image published",
		"versioned_ref", w.job.VersionedRef,
		"latest_ref", w.job.LatestRef,
	)
	return nil
}

func (w *Workflow) stepResolveInputs(ctx context.Context) error {
	job, err := ResolveJob(w.cfg, w.inputs.SourceDir, w.inputs.ImageName, w.inputs.Tag)
	if err != nil {
		return err
	}
	w.job = job
	w.logger.Info("resolved build job",
		"tag", job.Tag,
		"descriptor", job.Descriptor,
		"versioned_ref", job.VersionedRef,
		"remote_dir", job.RemoteDir,
	)
	return nil
}

func (w *Workflow) stepEnsureMachineUp(ctx context.Context) error {
	startedByUs, addr, err := w.lifecycle.EnsureRunning(ctx, w.inst, w.cfg.StartTimeout)
	w.state.startedByUs = startedByUs
	if err != nil {
		return err
	}
	w.state.addr = addr
	return nil
}

func (w *Workflow) stepCreateWorkspace(ctx context.Context) error {
	session, err := w.dial(ctx, w.state.addr)
	if err != nil {
		return err
	}
	w.state.session = session

	if err := session.Execute(ctx, "mkdir -p "+w.job.RemoteDir); err != nil {
		return err
	}
	w.state.workspaceCreated = true
	return nil
}

func (w *Workflow) stepUploadContext(ctx context.Context) error {
	return w.state.session.Upload(ctx, w.job.SourceDir, w.job.RemoteDir)
}

func (w *Workflow) stepAuthenticateRegistry(ctx context.Context) error {
	if w.cfg.RegistryUsername != "" && w.cfg.RegistryPassword != "" {
		cmd := fmt.Sprintf("docker login %s -u %s --password-stdin", w.cfg.RegistryHost, w.cfg.RegistryUsername)
		return w.state.session.ExecuteStdin(ctx, cmd, strings.NewReader(w.cfg.RegistryPassword))
	}
	// No static credentials: the machine's own service account signs in.
	cmd := fmt.Sprintf("gcloud auth configure-docker %s --quiet", w.cfg.RegistryHost)
	return w.state.session.Execute(ctx, cmd)
}

func (w *Workflow) stepRemoteBuild(ctx context.Context) error {
	cmd := fmt.Sprintf("cd %s && docker build -f %s -t %s .", w.job.RemoteDir, w.job.Descriptor, w.job.VersionedRef)
	return w.state.session.Execute(ctx, cmd)
}

func (w *Workflow) stepTagLatest(ctx context.Context) error {
	cmd := fmt.Sprintf("docker tag %s %s", w.job.VersionedRef, w.job.LatestRef)
	return w.state.session.Execute(ctx, cmd)
}

func (w *Workflow) stepPushVersioned(ctx context.Context) error {
	return w.state.session.Execute(ctx, "docker push "+w.job.VersionedRef)
}

func (w *Workflow) stepPushLatest(ctx context.Context) error {
	return w.state.session.Execute(ctx, "docker push "+w.job.LatestRef)
}
