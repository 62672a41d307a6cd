// Package interfaces defines service contracts for Arasul.
package interfaces

import (
	"context"
	"time"
)

// RuntimeClient provides access to the local inference runtime (Ollama API).
type RuntimeClient interface {
	// Tags lists the models the runtime has on disk (GET /api/tags).
	Tags(ctx context.Context) ([]RuntimeModel, error)

	// Ps lists the models currently loaded in memory (GET /api/ps).
	Ps(ctx context.Context) ([]RuntimeProcess, error)

	// Generate opens a streaming generate request (POST /api/generate).
	// The stream is abortable through the supplied context.
	Generate(ctx context.Context, req GenerateRequest) (GenerateStream, error)

	// Pull downloads a model, reporting upstream status lines to onProgress
	// (POST /api/pull). A non-nil error from onProgress aborts the pull.
	Pull(ctx context.Context, name string, onProgress func(PullProgress) error) error

	// Delete removes a model from the runtime (DELETE /api/delete).
	// A missing model is not an error.
	Delete(ctx context.Context, name string) error

	// Tokenize counts tokens for the given text. When the runtime does not
	// expose a tokenize endpoint, an estimate of ceil(len/4) is returned.
	Tokenize(ctx context.Context, model, text string) (int, error)
}

// RuntimeModel is one entry of the runtime's tag list.
type RuntimeModel struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// RuntimeProcess is one loaded model as reported by /api/ps.
type RuntimeProcess struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateRequest is the body of a streaming generate call.
type GenerateRequest struct {
	Model     string
	Prompt    string
	KeepAlive time.Duration
	Options   GenerateOptions
}

// GenerateOptions carries per-request sampling options.
type GenerateOptions struct {
	Temperature float64
	NumPredict  int
}

// GenerateChunk is one newline-delimited JSON token from the runtime.
type GenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Model    string `json:"model,omitempty"`
}

// GenerateStream iterates the runtime's token stream. Next blocks until a
// chunk arrives, the stream ends (io.EOF), or the context is cancelled.
type GenerateStream interface {
	Next() (*GenerateChunk, error)
	Close() error
}

// PullProgress is one status line of a streaming pull.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
