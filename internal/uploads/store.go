// Package uploads stores client-uploaded media on disk. Bodies stream to a
// staging file chunk by chunk under size and time limits, identical content
// is deduplicated by hash, and records expire on a TTL.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"videosummary/internal/models"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/storage"
)

const uploadsDirName = "uploads"

// Config tunes the upload store.
type Config struct {
	// Root is the work directory; files land under <root>/uploads/.
	Root string
	// MaxFileSize is the hard ceiling on one upload's size in bytes.
	MaxFileSize int64
	// GraceBytes is tolerated above MaxFileSize for the declared-length
	// precheck, covering multipart framing overhead.
	GraceBytes int64
	// ChunkSize is the streaming write size in bytes.
	ChunkSize int
	// ReadTimeout bounds one chunk read from the client.
	ReadTimeout time.Duration
	// WriteTimeout bounds one chunk write to disk.
	WriteTimeout time.Duration
	// TTL is how long an upload is retained.
	TTL time.Duration
	// Concurrency caps simultaneous Put calls.
	Concurrency int
	// AdmitWait bounds how long Put waits for a concurrency slot.
	AdmitWait time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (c *Config) applyDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 2 << 30
	}
	if c.GraceBytes < 0 {
		c.GraceBytes = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.AdmitWait <= 0 {
		c.AdmitWait = 10 * time.Second
	}
}

// Store persists uploaded files under the work directory and their metadata
// in the database. Safe for concurrent use.
type Store struct {
	config  Config
	db      storage.Store
	admit   *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewStore builds an upload store rooted at cfg.Root.
func NewStore(db storage.Store, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("upload root directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, uploadsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &Store{
		config:  cfg,
		db:      db,
		admit:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Put streams body into the store. declaredSize below zero means unknown.
// On any failure the staging file is removed and no record is written.
func (s *Store) Put(ctx context.Context, body io.Reader, declaredName, declaredMIME string, declaredSize int64) (*models.UploadRecord, error) {
	safeName := SanitizeName(declaredName)
	if safeName == "" {
		return nil, models.Kindf(models.KindInvalidArgument, "file name is required")
	}
	fileType, ok := TypeForName(safeName)
	if !ok {
		return nil, models.Kindf(models.KindUnsupportedType, "unsupported file extension %q", filepath.Ext(safeName))
	}
	if declaredSize > s.config.MaxFileSize+s.config.GraceBytes {
		return nil, models.Kindf(models.KindTooLarge, "declared size %d exceeds limit %d", declaredSize, s.config.MaxFileSize)
	}

	admitCtx, cancel := context.WithTimeout(ctx, s.config.AdmitWait)
	defer cancel()
	if err := s.admit.Acquire(admitCtx, 1); err != nil {
		s.metrics.ObserveRateLimited("upload_concurrency")
		return nil, models.Kindf(models.KindTooManyRequests, "too many concurrent uploads")
	}
	defer s.admit.Release(1)

	size, fileHash, stagingPath, err := s.streamToStaging(ctx, body)
	if err != nil {
		s.metrics.ObserveUploadEvent("rejected")
		return nil, err
	}
	// From here the staging file exists; every error path must unlink it.
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(stagingPath)
		}
	}()

	if !mimeMatches(declaredMIME, fileType) {
		return nil, models.Kindf(models.KindUnsupportedType, "mime type %q does not match %s extension", declaredMIME, fileType)
	}

	record := &models.UploadRecord{
		FileID:       models.NewFileID(),
		OriginalName: safeName,
		Size:         size,
		MimeType:     declaredMIME,
		FileType:     fileType,
		FileHash:     fileHash,
		ExpiresAt:    time.Now().UTC().Add(s.config.TTL),
	}

	now := time.Now().UTC()
	existing, err := s.db.FindUploadByHash(ctx, fileHash, now)
	switch {
	case err == nil:
		if _, statErr := os.Stat(existing.StoredPath); statErr == nil {
			record.StoredPath = existing.StoredPath
		}
	case errors.Is(err, models.ErrUploadNotFound):
	default:
		return nil, fmt.Errorf("look up content hash: %w", err)
	}

	if record.StoredPath == "" {
		destDir := filepath.Join(s.config.Root, uploadsDirName, record.FileID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, fmt.Errorf("create upload directory: %w", err)
		}
		destPath := filepath.Join(destDir, safeName)
		if err := os.Rename(stagingPath, destPath); err != nil {
			_ = os.RemoveAll(destDir)
			return nil, fmt.Errorf("persist upload: %w", err)
		}
		cleanup = false
		record.StoredPath = destPath
	}

	if err := s.db.CreateUpload(ctx, record); err != nil {
		if !cleanup {
			// The file was moved into place for this record alone; undo it.
			_ = os.RemoveAll(filepath.Dir(record.StoredPath))
		}
		return nil, fmt.Errorf("persist upload record: %w", err)
	}
	// On the dedup path cleanup stays true: the staging copy was never
	// moved and the deferred remove discards it.

	s.metrics.ObserveUploadEvent("accepted")
	s.metrics.AddUploadBytes(size)
	s.logger.Info("upload stored",
		"file_id", record.FileID,
		"file_type", record.FileType,
		"size", record.Size,
		"deduplicated", existing != nil && record.StoredPath == existing.StoredPath)
	return record, nil
}

// streamToStaging copies body into a fresh staging file in bounded chunks,
// hashing as it goes. It enforces the size ceiling and per-chunk timeouts
// and removes the staging file on failure.
func (s *Store) streamToStaging(ctx context.Context, body io.Reader) (int64, string, string, error) {
	staging, err := os.CreateTemp(filepath.Join(s.config.Root, uploadsDirName), "staging-*")
	if err != nil {
		return 0, "", "", fmt.Errorf("create staging file: %w", err)
	}
	stagingPath := staging.Name()
	fail := func(err error) (int64, string, string, error) {
		_ = staging.Close()
		_ = os.Remove(stagingPath)
		return 0, "", "", err
	}

	hasher := sha256.New()
	reader := newChunkReader(ctx, body, s.config.ChunkSize, s.config.ReadTimeout)
	defer reader.stop()

	var total int64
	for {
		chunk, err := reader.next()
		if len(chunk) > 0 {
			total += int64(len(chunk))
			if total > s.config.MaxFileSize {
				return fail(models.Kindf(models.KindTooLarge, "upload exceeds limit of %d bytes", s.config.MaxFileSize))
			}
			hasher.Write(chunk)
			if writeErr := writeWithTimeout(staging, chunk, s.config.WriteTimeout); writeErr != nil {
				return fail(writeErr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
	}

	if err := staging.Close(); err != nil {
		_ = os.Remove(stagingPath)
		return 0, "", "", fmt.Errorf("close staging file: %w", err)
	}
	if total == 0 {
		_ = os.Remove(stagingPath)
		return 0, "", "", models.Kindf(models.KindInvalidArgument, "upload body is empty")
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), stagingPath, nil
}

// Get returns the record for fileID, removing it first when its TTL has
// already elapsed.
func (s *Store) Get(ctx context.Context, fileID string) (*models.UploadRecord, error) {
	record, err := s.db.GetUpload(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if record.Expired(time.Now().UTC()) {
		if err := s.removeRecord(ctx, record); err != nil {
			s.logger.Warn("failed to remove expired upload", "file_id", fileID, "error", err)
		}
		return nil, models.ErrUploadNotFound
	}
	return record, nil
}

// GetByHash returns a live record whose content hash matches fileHash.
func (s *Store) GetByHash(ctx context.Context, fileHash string) (*models.UploadRecord, error) {
	return s.db.FindUploadByHash(ctx, fileHash, time.Now().UTC())
}

// Remove deletes the record and, when it held the last reference, the stored
// file.
func (s *Store) Remove(ctx context.Context, fileID string) error {
	record, err := s.db.GetUpload(ctx, fileID)
	if err != nil {
		return err
	}
	return s.removeRecord(ctx, record)
}

func (s *Store) removeRecord(ctx context.Context, record *models.UploadRecord) error {
	if err := s.db.DeleteUpload(ctx, record.FileID); err != nil {
		return err
	}
	others, err := s.db.CountUploadsByHash(ctx, record.FileHash, record.FileID)
	if err != nil {
		return fmt.Errorf("count hash references: %w", err)
	}
	if others > 0 {
		return nil
	}
	// Last reference: drop the file and its per-upload directory.
	dir := filepath.Dir(record.StoredPath)
	if filepath.Base(filepath.Dir(dir)) == uploadsDirName {
		return os.RemoveAll(dir)
	}
	return os.Remove(record.StoredPath)
}

func writeWithTimeout(file *os.File, chunk []byte, timeout time.Duration) error {
	if timeout > 0 {
		// Best effort: os.File honors deadlines on platforms where the
		// descriptor is pollable and reports ErrNoDeadline otherwise.
		if err := file.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			defer file.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := file.Write(chunk); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return models.Kindf(models.KindTimeout, "writing upload chunk timed out")
		}
		return fmt.Errorf("write upload chunk: %w", err)
	}
	return nil
}
