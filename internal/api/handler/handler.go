package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/cuongbtq/meeting-transcriber/internal/ingestion"
	"github.com/cuongbtq/meeting-transcriber/internal/minutes"
	"github.com/cuongbtq/meeting-transcriber/internal/store"
)

// OwnerKey is the gin context key holding the caller's account
const OwnerKey = "owner"

// DefaultMaxUploadBytes applies when no upload limit is configured
const DefaultMaxUploadBytes int64 = 500 << 20

// Publisher sends task messages to the workers
type Publisher interface {
	PublishJSON(ctx context.Context, messageType string, v any) error
}

// ObjectStore holds uploaded source audio until a worker picks it up
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Store          store.Store
	Publisher      Publisher
	Objects        ObjectStore
	Generator      *minutes.Generator
	Bridge         *ingestion.Bridge
	MaxUploadBytes int64
	ServiceName    string
	// HealthChecks are run by /health, keyed by component name
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles transcription job HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	store          store.Store
	publisher      Publisher
	objects        ObjectStore
	generator      *minutes.Generator
	bridge         *ingestion.Bridge
	maxUploadBytes int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}

	return &JobHandler{
		logger:         deps.Logger,
		store:          deps.Store,
		publisher:      deps.Publisher,
		objects:        deps.Objects,
		generator:      deps.Generator,
		bridge:         deps.Bridge,
		maxUploadBytes: maxUpload,
	}
}
