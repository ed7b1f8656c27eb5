package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the ambient configuration for a buildrig invocation. The
// per-invocation inputs (source directory, image name, tag) come from the
// command line; everything describing the build machine and the registry
// lives in the environment.
type Config struct {
	LogLevel    string `env:"BUILDRIG_LOG_LEVEL" envDefault:"info"`
	Environment string `env:"BUILDRIG_ENVIRONMENT" envDefault:"development"` // development, staging, production

	// Build machine identity
	Project  string `env:"BUILDRIG_PROJECT"`
	Zone     string `env:"BUILDRIG_ZONE" envDefault:"europe-west1-b"`
	Instance string `env:"BUILDRIG_INSTANCE" envDefault:"buildrig-builder"`

	// SSH access to the build machine
	SSHUser    string        `env:"BUILDRIG_SSH_USER" envDefault:"buildrig"`
	SSHKeyPath string        `env:"BUILDRIG_SSH_KEY_PATH,expand" envDefault:"${HOME}/.ssh/id_ed25519"`
	SSHPort    int           `env:"BUILDRIG_SSH_PORT" envDefault:"22"`
	SSHTimeout time.Duration `env:"BUILDRIG_SSH_TIMEOUT" envDefault:"10s"`

	// Container registry
	RegistryHost       string `env:"BUILDRIG_REGISTRY_HOST" envDefault:"eu.gcr.io"`
	RegistryRepository string `env:"BUILDRIG_REGISTRY_REPOSITORY" envDefault:"builds"`
	RegistryUsername   string `env:"BUILDRIG_REGISTRY_USERNAME"`
	RegistryPassword   string `env:"BUILDRIG_REGISTRY_PASSWORD"`

	// Workflow timing
	StartTimeout     time.Duration `env:"BUILDRIG_START_TIMEOUT" envDefault:"3m"`    // Max wait for the instance to reach RUNNING
	ReachableTimeout time.Duration `env:"BUILDRIG_REACHABLE_TIMEOUT" envDefault:"45s"` // Max wait for the SSH port to accept connections
	StopTimeout      time.Duration `env:"BUILDRIG_STOP_TIMEOUT" envDefault:"2m"`     // Max wait for the instance to reach TERMINATED
	PollInterval     time.Duration `env:"BUILDRIG_POLL_INTERVAL" envDefault:"2s"`    // Interval between state observations
	TeardownTimeout  time.Duration `env:"BUILDRIG_TEARDOWN_TIMEOUT" envDefault:"3m"` // Budget for the whole teardown sequence

	// Remote workspace
	RemoteWorkRoot string `env:"BUILDRIG_REMOTE_WORK_ROOT" envDefault:"/tmp/buildrig"`
	KeepWorkspace  bool   `env:"BUILDRIG_KEEP_WORKSPACE" envDefault:"false"` // Leave the staged tree behind for debugging
}

// Load parses the buildrig configuration from the environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse buildrig config: %w", err)
	}
	return &cfg, nil
}
