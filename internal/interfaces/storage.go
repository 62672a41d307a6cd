// Package interfaces defines service contracts for Arasul.
package interfaces

import (
	"context"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// StorageManager coordinates all storage backends.
type StorageManager interface {
	JobStore() JobStore
	MessageStore() MessageStore
	ModelStore() ModelStore
	SwitchLogStore() SwitchLogStore

	// Lifecycle
	Close() error
}

// JobStore is the durable ordered queue of streaming jobs. It is the single
// writer of job state; all status transitions are serialised inside the
// store.
type JobStore interface {
	// Enqueue persists a new pending job, assigning its id (when empty) and
	// the next dense queue position among pending jobs.
	Enqueue(ctx context.Context, job *models.Job) error

	// StartNext atomically picks the pending job identified by id,
	// transitions it to streaming, sets startedAt, and recomputes the
	// positions of the remaining pending jobs. Returns nil when the job is
	// no longer pending (raced with cancel or the reaper).
	StartNext(ctx context.Context, id string) (*models.Job, error)

	// AppendContent appends a content/thinking delta and optionally sets
	// sources (at most once). Appends against a non-streaming job are
	// silently dropped.
	AppendContent(ctx context.Context, id string, delta models.ContentDelta) error

	// CompleteJob transitions streaming -> completed and freezes content.
	CompleteJob(ctx context.Context, id string) error

	// ErrorJob transitions to the terminal error state with a human message.
	ErrorJob(ctx context.Context, id, msg string) error

	// CancelJob transitions pending/streaming -> cancelled.
	CancelJob(ctx context.Context, id string) error

	// SetPriority updates a pending job's priority and recomputes positions.
	SetPriority(ctx context.Context, id string, priority int) error

	GetJob(ctx context.Context, id string) (*models.Job, error)
	ActiveJobsForConversation(ctx context.Context, conversationID string) ([]*models.Job, error)
	AllActiveJobs(ctx context.Context) ([]*models.Job, error)

	// ListPending returns pending jobs ordered by (priority DESC, queuedAt ASC).
	ListPending(ctx context.Context) ([]*models.Job, error)

	// StreamingJob returns the currently streaming job, or nil.
	StreamingJob(ctx context.Context) (*models.Job, error)

	QueueSnapshot(ctx context.Context) (*models.QueueSnapshot, error)

	// PurgeTerminal deletes terminal jobs completed before the cutoff.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// MessageStore manages the assistant placeholder messages linked to jobs.
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	SetStatus(ctx context.Context, id, status string) error

	// SyncFromJob copies the job's content, thinking, sources, and terminal
	// status onto the linked message record.
	SyncFromJob(ctx context.Context, job *models.Job) error

	ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// ModelStore manages the curated catalog and the installed model rows.
type ModelStore interface {
	// Catalog
	UpsertCatalog(ctx context.Context, entry *models.CatalogEntry) error
	GetCatalog(ctx context.Context, id string) (*models.CatalogEntry, error)

	// ListCatalog returns entries ordered by (tier ASC, ramRequiredGB ASC).
	ListCatalog(ctx context.Context) ([]*models.CatalogEntry, error)

	// Installed
	UpsertInstalled(ctx context.Context, m *models.InstalledModel) error
	GetInstalled(ctx context.Context, id string) (*models.InstalledModel, error)
	ListInstalled(ctx context.Context) ([]*models.InstalledModel, error)
	DeleteInstalled(ctx context.Context, id string) error
	SetInstalledStatus(ctx context.Context, id, status, errMsg string) error
	SetDownloadProgress(ctx context.Context, id string, progress int) error

	// SetDefault marks the model default and clears the flag everywhere else.
	SetDefault(ctx context.Context, id string) error
	GetDefault(ctx context.Context) (*models.InstalledModel, error)

	// RecordUsage bumps usageCount and lastUsedAt.
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// SwitchLogStore records residency changes for the status surface.
type SwitchLogStore interface {
	Record(ctx context.Context, sw *models.ModelSwitch) error
	Recent(ctx context.Context, limit int) ([]*models.ModelSwitch, error)
}
