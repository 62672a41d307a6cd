package models

import "time"

// CatalogEntry describes one curated model the appliance supports.
type CatalogEntry struct {
	ID            string   `json:"id"`                      // canonical name
	ExternalName  string   `json:"external_name,omitempty"` // runtime-side name, defaults to ID
	DisplayName   string   `json:"display_name"`
	RAMRequiredGB float64  `json:"ram_required_gb"`
	Tier          int      `json:"tier"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Runtime returns the runtime-side name of the model. Entries without an
// explicit external name use the catalog id directly.
func (e *CatalogEntry) Runtime() string {
	if e.ExternalName != "" {
		return e.ExternalName
	}
	return e.ID
}

// InstalledModel tracks what is actually pulled and usable on the runtime.
type InstalledModel struct {
	ID               string    `json:"id"` // FK to CatalogEntry.ID
	Status           string    `json:"status"`
	DownloadProgress int       `json:"download_progress"` // 0..100
	IsDefault        bool      `json:"is_default"`
	LastUsedAt       time.Time `json:"last_used_at"`
	UsageCount       int64     `json:"usage_count"`
	DownloadedAt     time.Time `json:"downloaded_at"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// Installed model status constants.
const (
	ModelStatusDownloading = "downloading"
	ModelStatusAvailable   = "available"
	ModelStatusError       = "error"
)

// LoadedModel describes the resident model as reported by the runtime.
type LoadedModel struct {
	ExternalName string    `json:"external_name"`
	RAMMB        int64     `json:"ram_mb"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ModelSwitch is one audit record of a residency change.
type ModelSwitch struct {
	ID          string    `json:"id"`
	FromModel   string    `json:"from_model"` // runtime-side name of previous resident
	ToModel     string    `json:"to_model"`   // catalog id of new resident
	DurationMS  int64     `json:"duration_ms"`
	TriggeredBy string    `json:"triggered_by"`
	Reason      string    `json:"reason"`
	SwitchedAt  time.Time `json:"switched_at"`
}

// Switch reasons recorded by the batching policy and the supervisor.
const (
	SwitchReasonNoCurrent        = "no_current"
	SwitchReasonQueueEmpty       = "queue_empty_for_current"
	SwitchReasonMaxWaitExceeded  = "maxwait_exceeded"
	SwitchReasonPriorityOverride = "priority_override"
)

// CatalogModel is one merged catalog+installed row for the UI.
type CatalogModel struct {
	CatalogEntry
	Installed *InstalledModel `json:"installed,omitempty"`
}

// SystemStatus aggregates runtime readiness, residency, and queue counts
// for the appliance status surface.
type SystemStatus struct {
	RuntimeReady   bool           `json:"runtime_ready"`
	LoadedModel    *LoadedModel   `json:"loaded_model,omitempty"`
	DefaultModel   string         `json:"default_model,omitempty"`
	PendingJobs    int            `json:"pending_jobs"`
	StreamingJob   string         `json:"streaming_job,omitempty"`
	InstalledCount int            `json:"installed_count"`
	RecentSwitches []*ModelSwitch `json:"recent_switches,omitempty"`
}

// BatchPick is the result of the smart batching scan.
type BatchPick struct {
	JobID          string `json:"job_id"`
	RequestedModel string `json:"requested_model"`
	ShouldSwitch   bool   `json:"should_switch"`
	SwitchReason   string `json:"switch_reason,omitempty"`
}
