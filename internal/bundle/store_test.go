package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"videosummary/internal/models"
)

const testKey = "abcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcd"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create bundle store: %v", err)
	}
	return store
}

func stageSummaryBundle(t *testing.T, store *Store, jobID string) *Staging {
	t.Helper()
	staging, err := store.Stage(jobID)
	if err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	if err := os.WriteFile(staging.Path("audio.wav"), []byte("fake wav bytes"), 0o644); err != nil {
		t.Fatalf("failed to write audio artifact: %v", err)
	}
	if err := staging.AddArtifact(ArtifactAudio, "audio.wav"); err != nil {
		t.Fatalf("failed to add audio artifact: %v", err)
	}
	if err := staging.AddJSONArtifact(ArtifactSummary, "summary.json", map[string]string{"summary": "a talk about ducks"}); err != nil {
		t.Fatalf("failed to add summary artifact: %v", err)
	}
	return staging
}

func TestStageAndPromote(t *testing.T) {
	store := newTestStore(t)
	staging := stageSummaryBundle(t, store, models.NewJobID())

	audio := staging.Artifacts()[ArtifactAudio]
	wantHash := sha256.Sum256([]byte("fake wav bytes"))
	if audio.SHA256 != hex.EncodeToString(wantHash[:]) {
		t.Errorf("unexpected audio hash %s", audio.SHA256)
	}
	if audio.Size != int64(len("fake wav bytes")) {
		t.Errorf("unexpected audio size %d", audio.Size)
	}

	committed, err := staging.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/watch?v=abc",
		SourceName:     "Ducks",
		ProfileVersion: "pv1",
		SummaryText:    "a talk about ducks",
		DurationMS:     90_000,
	})
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}

	if committed != store.EntryDir(models.SourceTypeURL, testKey) {
		t.Errorf("unexpected committed dir %s", committed)
	}
	if _, err := os.Stat(staging.Dir()); !os.IsNotExist(err) {
		t.Errorf("staging dir should be gone after promote, stat err: %v", err)
	}

	manifest, err := ReadManifest(committed)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if manifest.Version != ManifestVersion {
		t.Errorf("expected version %s, got %s", ManifestVersion, manifest.Version)
	}
	if manifest.Source.Type != "url" || manifest.Source.Name != "Ducks" {
		t.Errorf("unexpected source %+v", manifest.Source)
	}
	if manifest.Status != string(models.StatusCompleted) {
		t.Errorf("expected completed status, got %q", manifest.Status)
	}
	if manifest.SummaryText != "a talk about ducks" {
		t.Errorf("unexpected summary text %q", manifest.SummaryText)
	}
	if len(manifest.Artifacts) != 2 {
		t.Errorf("expected 2 artifacts, got %d", len(manifest.Artifacts))
	}

	if err := store.Validate(committed, "pv1"); err != nil {
		t.Errorf("expected valid bundle, got %v", err)
	}
}

func TestPromoteReplacesPreviousBundle(t *testing.T) {
	store := newTestStore(t)

	first := stageSummaryBundle(t, store, models.NewJobID())
	if _, err := first.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/watch?v=abc",
		ProfileVersion: "pv1",
	}); err != nil {
		t.Fatalf("failed to promote first bundle: %v", err)
	}

	marker := filepath.Join(store.EntryDir(models.SourceTypeURL, testKey), "stale.bin")
	if err := os.WriteFile(marker, []byte("stale"), 0o644); err != nil {
		t.Fatalf("failed to plant marker: %v", err)
	}

	second := stageSummaryBundle(t, store, models.NewJobID())
	committed, err := second.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/watch?v=abc",
		ProfileVersion: "pv2",
		SummaryText:    "a talk about ducks",
	})
	if err != nil {
		t.Fatalf("failed to promote second bundle: %v", err)
	}

	if _, err := os.Stat(filepath.Join(committed, "stale.bin")); !os.IsNotExist(err) {
		t.Errorf("old bundle contents must not survive promotion, stat err: %v", err)
	}
	if err := store.Validate(committed, "pv2"); err != nil {
		t.Errorf("expected valid replacement bundle, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	store := newTestStore(t)
	staging := stageSummaryBundle(t, store, models.NewJobID())
	committed, err := staging.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeLocal,
		SourceRef:      "deadbeef",
		ProfileVersion: "pv1",
		SummaryText:    "a talk about ducks",
	})
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}

	t.Run("missing directory", func(t *testing.T) {
		if err := store.Validate(filepath.Join(store.root, "nope"), "pv1"); err == nil {
			t.Error("expected error for missing directory")
		}
	})

	t.Run("profile mismatch", func(t *testing.T) {
		if err := store.Validate(committed, "pv9"); err == nil {
			t.Error("expected error for profile mismatch")
		}
	})

	t.Run("artifact size mismatch", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(committed, "audio.wav"), []byte("truncated"), 0o644); err != nil {
			t.Fatalf("failed to truncate artifact: %v", err)
		}
		if err := store.Validate(committed, "pv1"); err == nil {
			t.Error("expected error for size mismatch")
		}
	})

	t.Run("missing artifact file", func(t *testing.T) {
		if err := os.Remove(filepath.Join(committed, "audio.wav")); err != nil {
			t.Fatalf("failed to remove artifact: %v", err)
		}
		if err := store.Validate(committed, "pv1"); err == nil {
			t.Error("expected error for missing artifact")
		}
	})

	t.Run("corrupt manifest", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(committed, ManifestName), []byte("{nope"), 0o644); err != nil {
			t.Fatalf("failed to corrupt manifest: %v", err)
		}
		if err := store.Validate(committed, "pv1"); err == nil {
			t.Error("expected error for corrupt manifest")
		}
	})
}

func TestValidateRequiresSummary(t *testing.T) {
	store := newTestStore(t)
	staging, err := store.Stage(models.NewJobID())
	if err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	if err := os.WriteFile(staging.Path("audio.wav"), []byte("bytes"), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if err := staging.AddArtifact(ArtifactAudio, "audio.wav"); err != nil {
		t.Fatalf("failed to add artifact: %v", err)
	}

	committed, err := staging.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/v",
		ProfileVersion: "pv1",
	})
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}

	err = store.Validate(committed, "pv1")
	if err == nil || !strings.Contains(err.Error(), "summary") {
		t.Errorf("expected summary artifact error, got %v", err)
	}

	// A summary artifact alone is not enough: the manifest must carry the
	// summary text itself.
	second := stageSummaryBundle(t, store, models.NewJobID())
	committed, err = second.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/v",
		ProfileVersion: "pv1",
	})
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}
	err = store.Validate(committed, "pv1")
	if err == nil || !strings.Contains(err.Error(), "summary text") {
		t.Errorf("expected summary text error, got %v", err)
	}
}

func TestCleanStagingAndDiscard(t *testing.T) {
	store := newTestStore(t)

	staging, err := store.Stage(models.NewJobID())
	if err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	staging.Discard()
	if _, err := os.Stat(staging.Dir()); !os.IsNotExist(err) {
		t.Errorf("expected staging dir removed, stat err: %v", err)
	}

	leftover, err := store.Stage(models.NewJobID())
	if err != nil {
		t.Fatalf("failed to stage leftover: %v", err)
	}
	if err := store.CleanStaging(); err != nil {
		t.Fatalf("failed to clean staging: %v", err)
	}
	if _, err := os.Stat(leftover.Dir()); !os.IsNotExist(err) {
		t.Errorf("expected leftover staging removed, stat err: %v", err)
	}
}

func TestDirSize(t *testing.T) {
	store := newTestStore(t)
	staging := stageSummaryBundle(t, store, models.NewJobID())
	committed, err := staging.Promote(PromoteSpec{
		CacheKey:       testKey,
		SourceType:     models.SourceTypeURL,
		SourceRef:      "https://example.com/v",
		ProfileVersion: "pv1",
	})
	if err != nil {
		t.Fatalf("failed to promote: %v", err)
	}

	size, err := store.DirSize(committed)
	if err != nil {
		t.Fatalf("failed to size bundle: %v", err)
	}
	if size <= 0 {
		t.Errorf("expected positive bundle size, got %d", size)
	}

	missing, err := store.DirSize(filepath.Join(store.root, "missing"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if missing != 0 {
		t.Errorf("expected 0 size for missing dir, got %d", missing)
	}
}
