package api

import (
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"videosummary/internal/models"
)

var (
	fileIDPattern = regexp.MustCompile(`^f_[0-9a-f]{32}$`)
	jobIDPattern  = regexp.MustCompile(`^j_[0-9a-f]{32}$`)
	hex64Pattern  = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// newValidator builds the request validator with this service's identifier
// formats registered as tags.
func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("file_id", func(fl validator.FieldLevel) bool {
		return fileIDPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("job_id", func(fl validator.FieldLevel) bool {
		return jobIDPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("hex64", func(fl validator.FieldLevel) bool {
		return hex64Pattern.MatchString(fl.Field().String())
	})
	return validate
}

// fieldErrors flattens validator failures into envelope entries.
func fieldErrors(err error) []FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	out := make([]FieldError, 0, len(verrs))
	for _, verr := range verrs {
		out = append(out, FieldError{
			Field:   strings.ToLower(verr.Field()),
			Message: "failed " + verr.Tag() + " validation",
		})
	}
	return out
}

// SourceRequest identifies a summary source: a remote URL, or a local file
// by upload handle or content hash.
type SourceRequest struct {
	SourceType string `json:"source_type" validate:"required,oneof=url local"`
	SourceURL  string `json:"source_url,omitempty" validate:"omitempty,http_url"`
	FileID     string `json:"file_id,omitempty" validate:"omitempty,file_id"`
	FileHash   string `json:"file_hash,omitempty" validate:"omitempty,hex64"`
}

// checkCombination enforces the cross-field rules the per-field tags cannot
// express: url sources carry exactly a URL, local sources exactly one of
// file_id or file_hash.
func (s SourceRequest) checkCombination() error {
	switch models.SourceType(s.SourceType) {
	case models.SourceTypeURL:
		if s.SourceURL == "" {
			return RequestError{Kind: models.KindInvalidArgument, Message: "source_url is required for url sources"}
		}
		if s.FileID != "" || s.FileHash != "" {
			return RequestError{Kind: models.KindInvalidArgument, Message: "url sources must not carry file_id or file_hash"}
		}
	case models.SourceTypeLocal:
		if s.SourceURL != "" {
			return RequestError{Kind: models.KindInvalidArgument, Message: "local sources must not carry source_url"}
		}
		if (s.FileID == "") == (s.FileHash == "") {
			return RequestError{Kind: models.KindInvalidArgument, Message: "local sources require exactly one of file_id or file_hash"}
		}
	}
	return nil
}

// SummaryRequest is the body of POST /api/summaries.
type SummaryRequest struct {
	SourceRequest
	Refresh bool `json:"refresh,omitempty"`
}

// LookupResponse is the body of POST /api/cache/lookup.
type LookupResponse struct {
	Hit         bool          `json:"hit"`
	Status      models.Status `json:"status"`
	CacheKey    string        `json:"cache_key,omitempty"`
	SourceName  string        `json:"source_name,omitempty"`
	SummaryText string        `json:"summary_text,omitempty"`
	BundlePath  string        `json:"bundle_path,omitempty"`
	JobID       string        `json:"job_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   *time.Time    `json:"created_at,omitempty"`
	UpdatedAt   *time.Time    `json:"updated_at,omitempty"`
}

// SummaryResponse is the body of POST /api/summaries: the cache entry's
// terminal result on a hit, or the job to poll otherwise.
type SummaryResponse struct {
	Status      models.Status `json:"status"`
	CacheKey    string        `json:"cache_key"`
	JobID       string        `json:"job_id,omitempty"`
	SummaryText string        `json:"summary_text,omitempty"`
	SourceName  string        `json:"source_name,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   *time.Time    `json:"created_at,omitempty"`
}

// JobStatusResponse is the body of GET /api/jobs/{job_id}. Cache fields
// mirror the entry the job belongs to so pollers need only one request.
type JobStatusResponse struct {
	JobID       string        `json:"job_id"`
	CacheKey    string        `json:"cache_key"`
	Status      models.Status `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Error       string        `json:"error,omitempty"`
	CacheStatus models.Status `json:"cache_status,omitempty"`
	SummaryText string        `json:"summary_text,omitempty"`
	SourceName  string        `json:"source_name,omitempty"`
}

// DeleteResponse is the body of DELETE /api/cache/{cache_key}.
type DeleteResponse struct {
	CacheKey string `json:"cache_key"`
	Deleted  bool   `json:"deleted"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
