package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestVersion identifies the bundle layout produced by this service.
// Bundles written with older versions fail validation and are rebuilt.
const ManifestVersion = "v2"

// ManifestName is the manifest file stored at the root of every bundle.
const ManifestName = "bundle.json"

// Logical artifact names recorded in the manifest.
const (
	ArtifactVideo      = "video"
	ArtifactAudio      = "audio"
	ArtifactSubtitle   = "subtitle"
	ArtifactTranscript = "transcript"
	ArtifactSummary    = "summary"
)

// Source describes where the summarized media came from.
type Source struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
}

// Artifact records one file inside a bundle. Path is relative to the bundle
// directory.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the persisted description of a completed bundle.
type Manifest struct {
	Version        string              `json:"version"`
	CacheKey       string              `json:"cache_key"`
	Source         Source              `json:"source"`
	Status         string              `json:"status"`
	ProfileVersion string              `json:"profile_version"`
	SummaryText    string              `json:"summary_text"`
	CreatedAt      time.Time           `json:"created_at"`
	DurationMS     int64               `json:"duration_ms,omitempty"`
	Artifacts      map[string]Artifact `json:"artifacts"`
}

// ReadManifest loads and parses the manifest stored in dir.
func ReadManifest(dir string) (*Manifest, error) {
	file, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var manifest Manifest
	if err := json.NewDecoder(file).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}
