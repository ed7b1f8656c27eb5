package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/buildrig/buildrig/internal/buildrig"
	"github.com/buildrig/buildrig/internal/compute"
	"github.com/buildrig/buildrig/internal/remote"
	"github.com/buildrig/buildrig/internal/shared/config"
	"github.com/buildrig/buildrig/internal/shared/zlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildrig: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("buildrig", flag.ExitOnError)
	tag := fs.String("tag", "", "explicit version tag (overrides the VERSION marker file)")
	keep := fs.Bool("keep-workspace", false, "leave the remote workspace in place for debugging")
	project := fs.String("project", cfg.Project, "project owning the build instance and registry path")
	zone := fs.String("zone", cfg.Zone, "zone of the build instance")
	instance := fs.String("instance", cfg.Instance, "name of the build instance")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: buildrig [flags] <source-dir> <image-name>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	sourceDir, imageName := fs.Arg(0), fs.Arg(1)

	cfg.Project = *project
	cfg.Zone = *zone
	cfg.Instance = *instance
	if *keep {
		cfg.KeepWorkspace = true
	}
	if cfg.Project == "" {
		fmt.Fprintln(os.Stderr, "buildrig: a project is required (-project or BUILDRIG_PROJECT)")
		return 1
	}

	// Initialize logger
	logger := zlog.New(zlog.Config{
		Level:       cfg.LogLevel,
		Service:     "buildrig",
		Environment: cfg.Environment,
	})

	// An interrupt cancels the running step; the workflow's own teardown
	// still fires before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := compute.NewGCE(ctx)
	if err != nil {
		logger.Error("failed to create compute client", "error", err)
		return 1
	}
	manager := compute.NewManager(api, compute.ManagerConfig{
		PollInterval:     cfg.PollInterval,
		SSHPort:          cfg.SSHPort,
		ReachableTimeout: cfg.ReachableTimeout,
	}, logger)

	dialer := remote.Dialer{
		User:    cfg.SSHUser,
		KeyPath: cfg.SSHKeyPath,
		Port:    cfg.SSHPort,
		Timeout: cfg.SSHTimeout,
		Logger:  logger,
	}
	dial := func(ctx context.Context, host string) (buildrig.Session, error) {
		return dialer.Dial(ctx, host)
	}

	wf := buildrig.New(cfg, buildrig.Inputs{
		SourceDir: sourceDir,
		ImageName: imageName,
		Tag:       *tag,
	}, manager, dial, logger)

	if err := wf.Run(ctx); err != nil {
		logger.Error("build failed", "error", err)
		return 1
	}
	logger.Info("build succeeded")
	return 0
}
