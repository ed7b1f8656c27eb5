package buildrig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildrig/buildrig/internal/shared/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Project:            "acme",
		RegistryHost:       "eu.gcr.io",
		RegistryRepository: "builds",
		RemoteWorkRoot:     "/tmp/buildrig",
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func sourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	return dir
}

func TestResolveJob_ExplicitTagWins(t *testing.T) {
	dir := sourceDir(t)
	writeFile(t, dir, VersionFile, "v1.3\n")

	job, err := ResolveJob(testConfig(), dir, "api", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", job.Tag)
	assert.Equal(t, "eu.gcr.io/acme/builds/api:v2", job.VersionedRef)
}

func TestResolveJob_MarkerFileTrimmed(t *testing.T) {
	dir := sourceDir(t)
	writeFile(t, dir, VersionFile, "v1.3\n")

	job, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	assert.Equal(t, "v1.3", job.Tag)
}

func TestResolveJob_MissingMarkerFallsBack(t *testing.T) {
	job, err := ResolveJob(testConfig(), sourceDir(t), "api", "")
	require.NoError(t, err)
	assert.Equal(t, FallbackTag, job.Tag)
}

func TestResolveJob_EmptyMarkerFallsBack(t *testing.T) {
	dir := sourceDir(t)
	writeFile(t, dir, VersionFile, "")

	job, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	assert.Equal(t, FallbackTag, job.Tag)
}

func TestResolveJob_DescriptorPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Containerfile", "FROM scratch\n")
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")

	job, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", job.Descriptor)
}

func TestResolveJob_GenericDescriptorFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Containerfile", "FROM scratch\n")

	job, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	assert.Equal(t, "Containerfile", job.Descriptor)
}

func TestResolveJob_NoDescriptorIsPrecondition(t *testing.T) {
	dir := t.TempDir()

	_, err := ResolveJob(testConfig(), dir, "api", "")
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
}

func TestResolveJob_References(t *testing.T) {
	dir := sourceDir(t)
	writeFile(t, dir, VersionFile, "v1.3")

	job, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	assert.Equal(t, "eu.gcr.io/acme/builds/api:v1.3", job.VersionedRef)
	assert.Equal(t, "eu.gcr.io/acme/builds/api:latest", job.LatestRef)
}

func TestResolveJob_RemoteDirUniquePerRun(t *testing.T) {
	dir := sourceDir(t)

	a, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)
	b, err := ResolveJob(testConfig(), dir, "api", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.RemoteDir, "/tmp/buildrig/build-"))
	assert.NotEqual(t, a.RemoteDir, b.RemoteDir)
}

func TestResolveJob_MissingSourceDir(t *testing.T) {
	_, err := ResolveJob(testConfig(), filepath.Join(t.TempDir(), "nope"), "api", "")
	var pre *PreconditionError
	require.True(t, errors.As(err, &pre))
}
