package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/app"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

func main() {
	configPath := os.Getenv("ARASUL_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		a.Logger.Fatal().Err(err).Msg("Startup failed")
	}

	mux := buildMux(a)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		a.Logger.Info().Int("port", port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", port)).
		Str("runtime", a.Config.Runtime.BaseURL).
		Msg("Server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("Server stopped")
}

// enqueueRequest is the body of POST /api/jobs.
type enqueueRequest struct {
	ConversationID string                `json:"conversation_id"`
	Type           string                `json:"type"`
	Payload        models.RequestPayload `json:"payload"`
	Options        models.EnqueueOptions `json:"options"`
}

// buildMux creates the HTTP mux with the appliance's REST surface.
func buildMux(a *app.App) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": common.GetVersion()})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := a.ModelService.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/queue/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := a.Queue.QueueStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := a.Queue.Enqueue(r.Context(), req.ConversationID, req.Type, req.Payload, req.Options)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	})

	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := a.Storage.JobStore().GetJob(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("POST /api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Queue.Cancel(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	})

	mux.HandleFunc("POST /api/jobs/{id}/prioritize", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Queue.Prioritize(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "prioritized"})
	})

	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		catalog, err := a.ModelService.Catalog(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, catalog)
	})

	mux.HandleFunc("POST /api/models/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		go func() {
			if err := a.ModelService.Download(context.Background(), id, nil); err != nil {
				a.Logger.Error().Err(err).Str("model", id).Msg("Background download failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "downloading", "model": id})
	})

	mux.HandleFunc("DELETE /api/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ModelService.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})

	mux.HandleFunc("POST /api/models/{id}/default", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ModelService.SetDefault(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "default set"})
	})

	mux.HandleFunc("GET /ws/queue", a.Hub.ServeWS)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
