package api

import (
	"errors"
	"net/http"

	"videosummary/internal/models"
	"videosummary/internal/observability/logging"
)

// RequestError is a failure the facade reports to the client. Status
// overrides the kind's default HTTP mapping when set.
type RequestError struct {
	Kind    models.Kind
	Message string
	Status  int
	Detail  string
	Errors  []FieldError
}

// FieldError points at one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// errorEnvelope is the wire shape of every non-2xx response.
type errorEnvelope struct {
	Message   string       `json:"message"`
	Code      string       `json:"code"`
	Status    int          `json:"status"`
	RequestID string       `json:"request_id"`
	Detail    string       `json:"detail,omitempty"`
	Errors    []FieldError `json:"errors,omitempty"`
}

// statusForKind maps the error taxonomy onto HTTP status codes. Structural
// request errors use http.StatusBadRequest explicitly; everything that
// passed decoding but violates a constraint lands on 422.
func statusForKind(kind models.Kind) int {
	switch kind {
	case models.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case models.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.KindTimeout:
		return http.StatusRequestTimeout
	case models.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeRequestError renders err into the error envelope, echoing the request
// ID established by the middleware chain.
func writeRequestError(w http.ResponseWriter, r *http.Request, err RequestError) {
	status := err.Status
	if status == 0 {
		status = statusForKind(err.Kind)
	}
	code := string(err.Kind)
	if code == "" {
		code = string(models.KindInternal)
	}
	requestID, _ := logging.RequestIDFromContext(r.Context())
	writeJSON(w, status, errorEnvelope{
		Message:   err.Error(),
		Code:      code,
		Status:    status,
		RequestID: requestID,
		Detail:    err.Detail,
		Errors:    err.Errors,
	})
}

// writeError classifies an arbitrary error and renders it. Internal errors
// are reported with a generic message so driver details never leak.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		writeRequestError(w, r, reqErr)
		return
	}
	kind := models.KindOf(err)
	message := err.Error()
	if kind == models.KindInternal {
		message = "internal error"
	}
	writeRequestError(w, r, RequestError{Kind: kind, Message: message})
}

// WriteKindError lets middleware outside this package emit the envelope.
func WriteKindError(w http.ResponseWriter, r *http.Request, kind models.Kind, message string) {
	writeRequestError(w, r, RequestError{Kind: kind, Message: message})
}
