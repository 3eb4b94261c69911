// Package api provides HTTP handlers for the cloudcoap API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/stats"
	"github.com/ashureev/cloudcoap/internal/transport"
)

// Requests is the coordinator surface used by the handlers.
type Requests interface {
	Execute(ctx context.Context, uri string, exec *request.Executor) error
	Setup(ctx context.Context, mode transport.SetupMode) (request.Args, error)
	CancelCurrent(reason string) bool
	Latest() *request.Executor
}

// Backend is the process context surface used by the handlers.
type Backend interface {
	NewExecutor() *request.Executor
	Stats() *stats.Aggregator
	PendingRIDs(ctx context.Context) ([]string, error)
	CacheSizes() (sessionCount, dnsCount int)
	ResetSessionCache()
	ResetDNSCache(ctx context.Context)
	ResetIdentity(ctx context.Context) (string, error)
	UniqueID() string
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	requests Requests
	backend  Backend
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(requests Requests, backend Backend) *Handler {
	return &Handler{requests: requests, backend: backend}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
