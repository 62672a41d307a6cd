// Package interfaces defines service contracts for Arasul.
package interfaces

import (
	"context"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// QueueService is the producer-facing API of the LLM job queue.
type QueueService interface {
	// Enqueue persists a new job and arms the dispatcher.
	Enqueue(ctx context.Context, conversationID, jobType string, payload models.RequestPayload, opts models.EnqueueOptions) (*models.EnqueueResult, error)

	// Subscribe registers a callback on the job's event topic and returns an
	// unsubscribe func. A subscriber joining an already-streaming job first
	// receives a synthetic pre-roll of the persisted content.
	Subscribe(jobID string, cb func(models.StreamEvent)) (func(), error)

	// Cancel aborts a pending or streaming job.
	Cancel(ctx context.Context, jobID string) error

	// Prioritize moves a pending job to priority 1.
	Prioritize(ctx context.Context, jobID string) error

	QueueStatus(ctx context.Context) (*models.QueueSnapshot, error)
}

// ResidencyManager enforces single-model residency and picks the next job.
type ResidencyManager interface {
	// Activate makes modelID the resident model, honouring the switch
	// cooldown and serialising concurrent activations.
	Activate(ctx context.Context, modelID, triggeredBy string) error

	// EnsureLoaded no-ops when modelID is already resident, otherwise
	// activates it with triggeredBy "auto_reload".
	EnsureLoaded(ctx context.Context, modelID string) error

	// Unload evicts modelID from runtime memory (best effort).
	Unload(ctx context.Context, modelID string) error

	// LoadedModel queries the runtime for the resident model, or nil.
	LoadedModel(ctx context.Context) (*models.LoadedModel, error)

	// ValidateAvailability checks the runtime's tag list for the model.
	ValidateAvailability(ctx context.Context, modelID string) error

	// PickNextBatched applies the smart batching policy over pending jobs.
	// Returns nil when the queue is empty.
	PickNextBatched(ctx context.Context, currentModel string) (*models.BatchPick, error)

	// Usage tracking for the auto-unload supervisor.
	TrackRequestStart(requestID, modelID string)
	TrackRequestEnd(requestID string)
}

// ModelService manages the curated catalog and installer.
type ModelService interface {
	// Catalog returns merged catalog+installed rows ordered by
	// (tier ASC, ramRequiredGB ASC).
	Catalog(ctx context.Context) ([]*models.CatalogModel, error)

	Installed(ctx context.Context) ([]*models.InstalledModel, error)

	// Download pulls a model by externalName, mapping upstream status lines
	// onto a 0..100 progress scale.
	Download(ctx context.Context, modelID string, onProgress func(int)) error

	// Delete unloads the model if resident, removes it upstream (404
	// tolerated), and drops the installed row.
	Delete(ctx context.Context, modelID string) error

	SetDefault(ctx context.Context, modelID string) error
	GetDefaultModel(ctx context.Context) (string, error)

	// ResolveModel echoes an explicit request or falls back to the default.
	ResolveModel(ctx context.Context, requested string) (string, error)

	// Status aggregates runtime readiness, resident model, and queue counts.
	Status(ctx context.Context) (*models.SystemStatus, error)
}
