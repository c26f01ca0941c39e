// Copyright 2024-2026 Aiku AI

package gate

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation"
)

// maxReloadBodySize is the maximum allowed request body for project reload (1 MB).
const maxReloadBodySize = 1 << 20

// QueueLength reports how many mapping writes are waiting.
type QueueLength interface {
	Len() int
}

// IdleReporter reports whether all queued mapping writes have been applied.
type IdleReporter interface {
	Idle() bool
}

var (
	_ QueueLength  = (*correlation.Serializer)(nil)
	_ IdleReporter = (*correlation.Barrier)(nil)
)

// Admin serves the operator API.
type Admin struct {
	registry *ProjectRegistry
	queue    QueueLength
	barrier  IdleReporter
	log      zerolog.Logger
}

func NewAdmin(registry *ProjectRegistry, queue QueueLength, barrier IdleReporter, log zerolog.Logger) *Admin {
	return &Admin{
		registry: registry,
		queue:    queue,
		barrier:  barrier,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the admin API routes.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reload-projects", a.HandleReloadProjects)
	mux.HandleFunc("/api/status", a.HandleStatus)
	return mux
}

// HandleReloadProjects is an HTTP handler for POST /api/reload-projects.
// It accepts an optional JSON array of project entries that replaces the
// current set, an empty array removing every project. Without a body it
// reloads the config file.
func (a *Admin) HandleReloadProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Project reload requested")

	ctx := r.Context()
	var entries []ProjectConfig
	explicit := false
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
			// A literal [] clears every project; null means "use the file".
			explicit = entries != nil
			if errs := validateProjects(entries); len(errs) > 0 {
				http.Error(w, errs[0].Error(), http.StatusBadRequest)
				return
			}
		}
	}

	var added, removed int
	if explicit {
		added, removed = a.registry.Reload(ctx, entries)
	} else {
		var err error
		added, removed, err = a.registry.ReloadFile(ctx)
		if err != nil {
			a.log.Err(err).Msg("Failed to reload config file")
			http.Error(w, "failed to reload config", http.StatusInternalServerError)
			return
		}
	}

	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   a.registry.Count(),
	})
}

type statusResponse struct {
	Projects    int  `json:"projects"`
	QueueLength int  `json:"queue_length"`
	QueueIdle   bool `json:"queue_idle"`
}

// HandleStatus is an HTTP handler for GET /api/status.
func (a *Admin) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, statusResponse{
		Projects:    a.registry.Count(),
		QueueLength: a.queue.Len(),
		QueueIdle:   a.barrier.Idle(),
	})
}
