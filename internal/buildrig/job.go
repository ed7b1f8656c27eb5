package buildrig

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/buildrig/buildrig/internal/registry"
	"github.com/buildrig/buildrig/internal/shared/config"
)

const (
	// VersionFile is the marker file read from the source directory when no
	// explicit tag is given.
	VersionFile = "VERSION"
	// FallbackTag is used when the marker file is absent or empty.
	FallbackTag = "dev"

	latestTag = "latest"
)

// descriptorCandidates lists build descriptor filenames in precedence
// order: the docker-specific name wins over the generic one.
var descriptorCandidates = []string{"Dockerfile", "Containerfile"}

// Job is the immutable per-invocation build configuration, resolved once
// at workflow start.
type Job struct {
	SourceDir    string
	ImageName    string
	Tag          string
	Descriptor   string // filename within SourceDir
	VersionedRef string
	LatestRef    string
	RemoteDir    string
}

// ResolveJob validates the invocation inputs and derives the immutable
// build job from them. All failures here are precondition failures: no
// remote action has been taken yet.
func ResolveJob(cfg *config.Config, sourceDir, imageName, explicitTag string) (*Job, error) {
	if sourceDir == "" || imageName == "" {
		return nil, &PreconditionError{Reason: "source directory and image name are required"}
	}
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return nil, &PreconditionError{Reason: fmt.Sprintf("source directory %q is not a directory", sourceDir)}
	}

	tag := explicitTag
	if tag == "" {
		tag = resolveVersionTag(sourceDir)
	}

	descriptor, err := selectDescriptor(sourceDir)
	if err != nil {
		return nil, err
	}

	versioned, err := registry.Ref(cfg.RegistryHost, cfg.Project, cfg.RegistryRepository, imageName, tag)
	if err != nil {
		return nil, &PreconditionError{Reason: err.Error()}
	}
	latest, err := registry.Ref(cfg.RegistryHost, cfg.Project, cfg.RegistryRepository, imageName, latestTag)
	if err != nil {
		return nil, &PreconditionError{Reason: err.Error()}
	}

	return &Job{
		SourceDir:    sourceDir,
		ImageName:    imageName,
		Tag:          tag,
		Descriptor:   descriptor,
		VersionedRef: versioned,
		LatestRef:    latest,
		RemoteDir:    path.Join(cfg.RemoteWorkRoot, "build-"+uuid.NewString()),
	}, nil
}

// resolveVersionTag reads the version marker, trimming trailing line
// terminators. An absent or empty marker yields the fallback tag.
func resolveVersionTag(sourceDir string) string {
	raw, err := os.ReadFile(filepath.Join(sourceDir, VersionFile))
	if err != nil {
		return FallbackTag
	}
	tag := strings.TrimRight(string(raw), "\r\n")
	if tag == "" {
		return FallbackTag
	}
	return tag
}

// selectDescriptor picks the build descriptor by fixed precedence. Missing
// both candidates fails locally, before any remote work begins.
func selectDescriptor(sourceDir string) (string, error) {
	for _, name := range descriptorCandidates {
		if _, err := os.Stat(filepath.Join(sourceDir, name)); err == nil {
			return name, nil
		}
	}
	return "", &PreconditionError{
		Reason: fmt.Sprintf("no build descriptor found in %s (looked for %s)", sourceDir, strings.Join(descriptorCandidates, ", ")),
	}
}
