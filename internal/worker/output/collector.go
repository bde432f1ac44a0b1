// Package output finds the artifacts the engine wrote for a job.
//
// Files are matched by their name prefix (the variant marker) and by a
// modification time no earlier than the job start. Jobs sharing a directory
// on the same worker can still pick up each other's files; a per-job output
// directory avoids that when the engine supports it.
package output

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Collector scans output directories for variant artifacts.
type Collector struct {
	dirs    []string
	markers map[string]string
	logger  *slog.Logger
}

// NewCollector creates a collector over the shared output dirs. markers maps
// each variant to its filename prefix; nil uses domain.DefaultVariantMarkers.
func NewCollector(dirs []string, markers map[string]string, logger *slog.Logger) *Collector {
	if markers == nil {
		markers = domain.DefaultVariantMarkers
	}
	return &Collector{dirs: dirs, markers: markers, logger: logger}
}

// Marker returns the filename prefix of variant.
func (c *Collector) Marker(variant string) (string, bool) {
	m, ok := c.markers[variant]
	return m, ok && m != ""
}

// Collect returns the newest artifact for each expected variant. extraDirs are
// scanned before the shared directories. Variants with no match are absent
// from the result.
func (c *Collector) Collect(startedAt time.Time, expected []string, extraDirs ...string) (map[string]domain.Artifact, error) {
	found := make(map[string]domain.Artifact, len(expected))
	if len(expected) == 0 {
		return found, nil
	}

	dirs := append(append([]string(nil), extraDirs...), c.dirs...)
	scanned := 0
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == dir && os.IsNotExist(err) {
					return filepath.SkipDir
				}
				c.logger.Warn("Skipping unreadable output path",
					slog.String("path", path),
					slog.Any("error", err),
				)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			scanned++
			c.consider(path, d, startedAt, expected, found)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan output directory %s: %w", dir, err)
		}
	}

	c.logger.Info("Output scan finished",
		slog.Int("files_scanned", scanned),
		slog.Int("variants_expected", len(expected)),
		slog.Int("variants_found", len(found)),
	)
	return found, nil
}

func (c *Collector) consider(path string, d fs.DirEntry, startedAt time.Time, expected []string, found map[string]domain.Artifact) {
	name := d.Name()
	if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
		return
	}

	for _, variant := range expected {
		marker, ok := c.Marker(variant)
		if !ok || !strings.HasPrefix(name, marker) {
			continue
		}

		info, err := d.Info()
		if err != nil || info.Size() == 0 || info.ModTime().Before(startedAt) {
			continue
		}

		candidate := domain.Artifact{
			Variant:   variant,
			LocalPath: path,
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		}
		if cur, ok := found[variant]; !ok || newer(candidate, cur) {
			found[variant] = candidate
		}
	}
}

// newer orders artifacts by mtime, then by file name.
func newer(a, b domain.Artifact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return filepath.Base(a.LocalPath) > filepath.Base(b.LocalPath)
}
