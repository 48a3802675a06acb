package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"videosummary/internal/cache"
	"videosummary/internal/models"
	"videosummary/internal/observability/logging"
	"videosummary/internal/storage"
	"videosummary/internal/uploads"
)

// Handler serves the summary service API. All dependencies are injected at
// construction time; the package has no globals.
type Handler struct {
	uploads  *uploads.Store
	cache    *cache.Coordinator
	db       storage.Store
	validate *validator.Validate
	logger   *slog.Logger
	version  string

	// maxDeclaredBytes rejects oversized uploads on Content-Length alone,
	// before a single body byte is read.
	maxDeclaredBytes int64
}

// Config wires the handler's collaborators.
type Config struct {
	Uploads *uploads.Store
	Cache   *cache.Coordinator
	DB      storage.Store
	Logger  *slog.Logger
	Version string
	// MaxDeclaredBytes is max_file_size plus the content-length grace.
	MaxDeclaredBytes int64
}

// NewHandler builds the API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	return &Handler{
		uploads:          cfg.Uploads,
		cache:            cfg.Cache,
		db:               cfg.DB,
		validate:         newValidator(),
		logger:           logging.WithComponent(logger, "api"),
		version:          version,
		maxDeclaredBytes: cfg.MaxDeclaredBytes,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// Upload accepts a multipart upload with the file content in the "file"
// field. The body streams straight into the upload store, never into memory.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.maxDeclaredBytes > 0 && r.ContentLength > h.maxDeclaredBytes {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindTooLarge,
			Message: fmt.Sprintf("declared content length %d exceeds the upload limit", r.ContentLength),
		})
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindInvalidArgument,
			Status:  http.StatusBadRequest,
			Message: "invalid multipart payload",
		})
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeRequestError(w, r, RequestError{
				Kind:    models.KindInvalidArgument,
				Status:  http.StatusBadRequest,
				Message: "read multipart data: " + err.Error(),
			})
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		record, putErr := h.uploads.Put(r.Context(), part, part.FileName(), part.Header.Get("Content-Type"), r.ContentLength)
		_ = part.Close()
		if putErr != nil {
			writeError(w, r, putErr)
			return
		}
		writeJSON(w, http.StatusCreated, record)
		return
	}

	writeRequestError(w, r, RequestError{
		Kind:    models.KindInvalidArgument,
		Status:  http.StatusBadRequest,
		Message: "multipart field \"file\" is required",
	})
}

// decodeSource parses and validates a source request body. A nil error means
// the request passed both field and combination checks.
func (h *Handler) decodeSource(w http.ResponseWriter, r *http.Request, dest interface{}, source *SourceRequest) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindInvalidArgument,
			Status:  http.StatusBadRequest,
			Message: "invalid request body",
			Detail:  err.Error(),
		})
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindInvalidArgument,
			Message: "request validation failed",
			Errors:  fieldErrors(err),
		})
		return false
	}
	if err := source.checkCombination(); err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

// Lookup probes the cache without scheduling any work.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req SourceRequest
	if !h.decodeSource(w, r, &req, &req) {
		return
	}

	resolution, err := h.cache.Lookup(r.Context(), cache.Request{
		SourceType: models.SourceType(req.SourceType),
		SourceURL:  req.SourceURL,
		FileID:     req.FileID,
		FileHash:   req.FileHash,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	entry := resolution.Entry
	response := LookupResponse{
		Hit:      resolution.Hit,
		CacheKey: entry.CacheKey,
		Status:   entry.Status,
	}
	if entry.Status == "" {
		// The key has never been requested.
		response.Status = "miss"
	} else {
		response.SourceName = entry.SourceName
		response.SummaryText = entry.SummaryText
		response.BundlePath = entry.BundlePath
		response.Error = entry.Error
		createdAt, updatedAt := entry.CreatedAt, entry.UpdatedAt
		response.CreatedAt = &createdAt
		response.UpdatedAt = &updatedAt
	}
	if resolution.Job != nil {
		response.JobID = resolution.Job.JobID
	}
	writeJSON(w, http.StatusOK, response)
}

// Summaries runs get-or-create for a source: 200 with the terminal result on
// a hit or recorded failure, 202 with the job to poll otherwise.
func (h *Handler) Summaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req SummaryRequest
	if !h.decodeSource(w, r, &req, &req.SourceRequest) {
		return
	}

	resolution, err := h.cache.Resolve(r.Context(), cache.Request{
		SourceType: models.SourceType(req.SourceType),
		SourceURL:  req.SourceURL,
		FileID:     req.FileID,
		FileHash:   req.FileHash,
		Refresh:    req.Refresh,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	entry := resolution.Entry
	createdAt := entry.CreatedAt
	response := SummaryResponse{
		Status:     entry.Status,
		CacheKey:   entry.CacheKey,
		SourceName: entry.SourceName,
		CreatedAt:  &createdAt,
	}
	if resolution.Job != nil {
		response.JobID = resolution.Job.JobID
	}

	status := http.StatusAccepted
	if entry.Status.Terminal() {
		status = http.StatusOK
		response.SummaryText = entry.SummaryText
		response.Error = entry.Error
	}
	writeJSON(w, status, response)
}

// JobByID reports the status of one job, including the cache entry it
// belongs to so pollers can stop as soon as the entry is terminal.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if !jobIDPattern.MatchString(jobID) {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindInvalidArgument,
			Status:  http.StatusBadRequest,
			Message: "malformed job id",
		})
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response := JobStatusResponse{
		JobID:     job.JobID,
		CacheKey:  job.CacheKey,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if entry, entryErr := h.db.GetEntry(r.Context(), job.CacheKey); entryErr == nil {
		response.CacheStatus = entry.Status
		response.SummaryText = entry.SummaryText
		response.SourceName = entry.SourceName
	} else if !errors.Is(entryErr, models.ErrEntryNotFound) {
		writeError(w, r, entryErr)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// CacheByKey serves GET and DELETE for one cache entry.
func (h *Handler) CacheByKey(w http.ResponseWriter, r *http.Request) {
	cacheKey := strings.TrimPrefix(r.URL.Path, "/api/cache/")
	if !hex64Pattern.MatchString(cacheKey) {
		writeRequestError(w, r, RequestError{
			Kind:    models.KindInvalidArgument,
			Status:  http.StatusBadRequest,
			Message: "malformed cache key",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, err := h.cache.Entry(r.Context(), cacheKey)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := h.cache.Delete(r.Context(), cacheKey); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, DeleteResponse{CacheKey: cacheKey, Deleted: true})
	default:
		h.methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeRequestError(w, r, RequestError{
		Kind:    models.KindInvalidArgument,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed", r.Method),
	})
}
