package output

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

var testMarkers = map[string]string{
	domain.VariantFinalResized: "Final Resized",
	domain.VariantComparison:   "Comparer",
	domain.VariantFinalHires:   "Final Hi-Rez",
}

func writeArtifact(t *testing.T, dir, name string, body string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func newTestCollector(dirs ...string) *Collector {
	return NewCollector(dirs, testMarkers, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCollect_SelectsNewestMatchAfterStart(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)

	writeArtifact(t, dir, "Final Resized_00001_.png", "old", start.Add(-time.Hour))
	writeArtifact(t, dir, "Final Resized_00002_.png", "a", start.Add(10*time.Second))
	want := writeArtifact(t, dir, "Final Resized_00003_.png", "b", start.Add(20*time.Second))
	writeArtifact(t, dir, "Comparer_00001_.png", "c", start.Add(5*time.Second))
	writeArtifact(t, dir, "Final Resized_00004_.txt", "not an image", start.Add(30*time.Second))
	writeArtifact(t, dir, "Final Resized_00005_.png", "", start.Add(40*time.Second))

	c := newTestCollector(dir)
	got, err := c.Collect(start, []string{domain.VariantFinalResized, domain.VariantComparison})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, want, got[domain.VariantFinalResized].LocalPath)
	assert.Equal(t, int64(1), got[domain.VariantFinalResized].SizeBytes)
	assert.Equal(t, domain.VariantComparison, got[domain.VariantComparison].Variant)
}

func TestCollect_MtimeEqualToStartIsIncluded(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Truncate(time.Second)
	path := writeArtifact(t, dir, "Final Hi-Rez_00001_.png", "x", start)

	got, err := newTestCollector(dir).Collect(start, []string{domain.VariantFinalHires})
	require.NoError(t, err)
	assert.Equal(t, path, got[domain.VariantFinalHires].LocalPath)
}

func TestCollect_TieBreaksOnName(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)
	at := start.Add(time.Second)
	writeArtifact(t, dir, "Comparer_00001_.png", "x", at)
	want := writeArtifact(t, dir, "Comparer_00002_.png", "x", at)

	got, err := newTestCollector(dir).Collect(start, []string{domain.VariantComparison})
	require.NoError(t, err)
	assert.Equal(t, want, got[domain.VariantComparison].LocalPath)
}

func TestCollect_ScansExtraDirsAndNestedFolders(t *testing.T) {
	shared := t.TempDir()
	private := t.TempDir()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)

	writeArtifact(t, shared, "sub/Final Resized_00001_.jpg", "x", start.Add(time.Second))
	want := writeArtifact(t, private, "Final Resized.png", "y", start.Add(2*time.Second))

	got, err := newTestCollector(shared).Collect(start, []string{domain.VariantFinalResized}, private)
	require.NoError(t, err)
	assert.Equal(t, want, got[domain.VariantFinalResized].LocalPath)
}

func TestCollect_PartialAndMissing(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)
	writeArtifact(t, dir, "Comparer_00001_.png", "x", start.Add(time.Second))

	c := newTestCollector(dir, filepath.Join(dir, "does-not-exist"))
	got, err := c.Collect(start, []string{domain.VariantComparison, domain.VariantFinalHires})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, domain.VariantComparison)

	none, err := c.Collect(start, []string{domain.VariantFinalHires})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCollect_NoExpectedVariants(t *testing.T) {
	got, err := newTestCollector(t.TempDir()).Collect(time.Now(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
