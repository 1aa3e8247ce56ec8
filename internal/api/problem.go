package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/service"
	"github.com/JohanCodinha/icasync/internal/sync"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {"https://icasync.dev/errors/bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"https://icasync.dev/errors/unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"https://icasync.dev/errors/not-found", "Not Found"},
	http.StatusConflict:            {"https://icasync.dev/errors/pass-in-flight", "Pass In Flight"},
	http.StatusUnprocessableEntity: {"https://icasync.dev/errors/capacity-exceeded", "Capacity Exceeded"},
	http.StatusInternalServerError: {"https://icasync.dev/errors/internal-error", "Internal Server Error"},
	http.StatusBadGateway:          {"https://icasync.dev/errors/upstream-error", "Upstream Error"},
	http.StatusServiceUnavailable:  {"https://icasync.dev/errors/service-unavailable", "Service Unavailable"},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{"https://icasync.dev/errors/unknown", http.StatusText(status)}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logger.Error("api: failed to encode problem response: %v", err)
	}
}

// MapPassError converts a failed pass to a Problem Details response.
func MapPassError(w http.ResponseWriter, r *http.Request, err error) {
	var readErr *sync.ReadError
	switch {
	case errors.Is(err, sync.ErrPassInFlight):
		WriteProblem(w, r, http.StatusConflict, "A pass is already running; a follow-up has been scheduled")
	case errors.Is(err, sync.ErrCapacityExceeded):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "The remote list is full")
	case errors.Is(err, sync.ErrStopped):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Shutting down")
	case errors.Is(err, service.ErrAuth):
		WriteProblem(w, r, http.StatusBadGateway, "Upstream rejected the credentials")
	case errors.As(err, &readErr):
		WriteProblem(w, r, http.StatusBadGateway, readErr.Error())
	case errors.Is(err, sync.ErrListNotFound):
		WriteProblem(w, r, http.StatusNotFound, "The configured remote list does not exist")
	default:
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
