package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"videosummary/internal/models"
)

const (
	cacheDirName   = "cache"
	stagingDirName = "tmp"
)

// Store lays out summary bundles on disk. Completed bundles live under
// <root>/cache/<url|local>/<cache_key>/ and are only ever written by
// promoting a fully staged directory, so readers never observe a partial
// bundle.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore prepares the bundle directory tree under root.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{
		filepath.Join(root, cacheDirName, string(models.SourceTypeURL)),
		filepath.Join(root, cacheDirName, string(models.SourceTypeLocal)),
		filepath.Join(root, stagingDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bundle directory: %w", err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

// EntryDir returns the committed bundle directory for a cache entry.
func (s *Store) EntryDir(sourceType models.SourceType, cacheKey string) string {
	return filepath.Join(s.root, cacheDirName, string(sourceType), cacheKey)
}

// Stage creates a fresh staging directory for a job. Artifacts are written
// into it and the whole directory is promoted at once when the job succeeds.
func (s *Store) Stage(jobID string) (*Staging, error) {
	dir := filepath.Join(s.root, stagingDirName, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear staging directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Staging{
		store:     s,
		jobID:     jobID,
		dir:       dir,
		artifacts: make(map[string]Artifact),
	}, nil
}

// CleanStaging removes every leftover staging directory. Called at startup
// before workers run, so directories abandoned by a previous process do not
// accumulate.
func (s *Store) CleanStaging() error {
	entries, err := os.ReadDir(filepath.Join(s.root, stagingDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read staging directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(s.root, stagingDirName, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove stale staging %s: %w", entry.Name(), err)
		}
		s.logger.Debug("removed stale staging directory", "path", path)
	}
	return nil
}

// Remove deletes a committed bundle directory.
func (s *Store) Remove(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// DirSize walks a bundle directory and sums the sizes of its regular files.
// An empty or missing directory sizes to zero.
func (s *Store) DirSize(dir string) (int64, error) {
	if dir == "" {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// Validate checks that dir holds a complete bundle for the given profile
// version: the manifest parses, carries the current layout version, profile,
// and a non-empty summary text, names a summary artifact, and every artifact
// file is present with its recorded size.
func (s *Store) Validate(dir, profileVersion string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("bundle directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bundle path %s is not a directory", dir)
	}

	manifest, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	if manifest.Version != ManifestVersion {
		return fmt.Errorf("bundle version %q does not match %q", manifest.Version, ManifestVersion)
	}
	if manifest.ProfileVersion != profileVersion {
		return fmt.Errorf("bundle profile %q does not match %q", manifest.ProfileVersion, profileVersion)
	}

	if _, ok := manifest.Artifacts[ArtifactSummary]; !ok {
		return fmt.Errorf("bundle has no summary artifact")
	}
	if manifest.SummaryText == "" {
		return fmt.Errorf("bundle manifest has no summary text")
	}

	for name, artifact := range manifest.Artifacts {
		path := filepath.Join(dir, artifact.Path)
		stat, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("artifact %s: %w", name, err)
		}
		if stat.Size() != artifact.Size {
			return fmt.Errorf("artifact %s size %d does not match manifest %d", name, stat.Size(), artifact.Size)
		}
	}
	return nil
}

// Staging is an in-progress bundle. All writes land in a private directory
// until Promote renames it into place.
type Staging struct {
	store     *Store
	jobID     string
	dir       string
	artifacts map[string]Artifact
}

// Dir returns the staging directory.
func (st *Staging) Dir() string {
	return st.dir
}

// Path returns the absolute path for a file inside the staging directory.
func (st *Staging) Path(filename string) string {
	return filepath.Join(st.dir, filename)
}

// AddArtifact records a file previously written into the staging directory,
// hashing its content and capturing its size.
func (st *Staging) AddArtifact(name, filename string) error {
	path := st.Path(filename)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", name, err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return fmt.Errorf("hash artifact %s: %w", name, err)
	}

	st.artifacts[name] = Artifact{
		Path:   filename,
		Size:   size,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}
	return nil
}

// AddJSONArtifact marshals v into the staging directory and records it as an
// artifact.
func (st *Staging) AddJSONArtifact(name, filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	if err := os.WriteFile(st.Path(filename), data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return st.AddArtifact(name, filename)
}

// Artifacts returns the recorded artifacts keyed by logical name.
func (st *Staging) Artifacts() map[string]Artifact {
	out := make(map[string]Artifact, len(st.artifacts))
	for name, artifact := range st.artifacts {
		out[name] = artifact
	}
	return out
}

// PromoteSpec carries the entry identity and result written into the
// manifest.
type PromoteSpec struct {
	CacheKey       string
	SourceType     models.SourceType
	SourceRef      string
	SourceName     string
	ProfileVersion string
	SummaryText    string
	DurationMS     int64
}

// Promote writes the manifest into the staging directory, removes any
// pre-existing bundle for the entry, and renames the staged directory into
// its committed location in a single move. It returns the committed path.
func (st *Staging) Promote(spec PromoteSpec) (string, error) {
	manifest := Manifest{
		Version:  ManifestVersion,
		CacheKey: spec.CacheKey,
		Source: Source{
			Type: string(spec.SourceType),
			Ref:  spec.SourceRef,
			Name: spec.SourceName,
		},
		Status:         string(models.StatusCompleted),
		ProfileVersion: spec.ProfileVersion,
		SummaryText:    spec.SummaryText,
		CreatedAt:      time.Now().UTC(),
		DurationMS:     spec.DurationMS,
		Artifacts:      st.Artifacts(),
	}

	if err := st.writeManifest(manifest); err != nil {
		return "", err
	}

	target := st.store.EntryDir(spec.SourceType, spec.CacheKey)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("remove previous bundle: %w", err)
	}
	if err := os.Rename(st.dir, target); err != nil {
		return "", fmt.Errorf("promote bundle: %w", err)
	}
	return target, nil
}

func (st *Staging) writeManifest(manifest Manifest) error {
	tmpFile, err := os.CreateTemp(st.dir, "manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(manifest); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush manifest: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpPath, st.Path(ManifestName)); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	success = true
	return nil
}

// Discard removes the staging directory. Safe to call after Promote, which
// leaves nothing behind to remove.
func (st *Staging) Discard() {
	if err := os.RemoveAll(st.dir); err != nil && !os.IsNotExist(err) {
		st.store.logger.Warn("failed to discard staging directory", "job_id", st.jobID, "error", err)
	}
}
