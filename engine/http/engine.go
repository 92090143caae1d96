// Package http contains HTTP handlers that work with the preservd engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/http/api"
	"github.com/preservd/preservd/logkeys"
	"github.com/preservd/preservd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type PackageSubmitter interface {
	Submit(ctx context.Context, name, url string, config *workflow.ProcessingConfig) (string, error)
}

type PackageReader interface {
	Read(ctx context.Context, id string) (*storage.Package, []*storage.Job, error)
}

type TaskLister interface {
	ListTasks(ctx context.Context, jobID string) ([]*storage.Task, error)
}

type Emptier interface {
	Empty(ctx context.Context) error
}

type submitRequest struct {
	Name   string                     `json:"name"`
	URL    string                     `json:"url"`
	Config *workflow.ProcessingConfig `json:"config,omitempty"`
}

// SubmitHandler creates a HandlerFunc that submits a new package.
func SubmitHandler(submitter PackageSubmitter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Info(logkeys.Message, "decoding request body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		id, err := submitter.Submit(r.Context(), req.Name, req.URL, req.Config)
		if err != nil {
			logger.Info(logkeys.Message, "submitting package", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		logger.Debug(logkeys.Message, "submitted package", logkeys.PackageID, id)

		jsonResp := &struct {
			ID string `json:"id"`
		}{ID: id}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

type jsonJob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Group     string    `json:"group,omitempty"`
	LinkID    string    `json:"link_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type readResponse struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Status string    `json:"status"`
	JobID  string    `json:"job_id,omitempty"`
	Jobs   []jsonJob `json:"jobs"`
}

// ReadHandler creates a HandlerFunc that reports a package's status and
// job history.
func ReadHandler(reader PackageReader, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.PackageID, id)

		p, jobs, err := reader.Read(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "reading package", logkeys.Error, err)
			status := 0
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			api.JSONError(w, err, status)
			return
		}

		jsonResp := &readResponse{
			ID:     p.ID,
			Name:   p.Name,
			Status: string(p.Status),
			Jobs:   make([]jsonJob, len(jobs)),
		}
		for i, j := range jobs {
			jsonResp.Jobs[i] = jsonJob{
				ID:        j.ID,
				Name:      j.Name,
				Group:     j.Group,
				LinkID:    j.LinkID,
				Status:    string(j.Status),
				StartedAt: j.StartedAt,
			}
		}
		if len(jobs) > 0 {
			jsonResp.JobID = jobs[len(jobs)-1].ID
		}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListTasksHandler creates a HandlerFunc that lists a job's tasks.
func ListTasksHandler(lister TaskLister, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.JobID, id)

		tasks, err := lister.ListTasks(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "listing tasks", logkeys.Error, err)
			status := 0
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			api.JSONError(w, err, status)
			return
		}

		jsonResp := &struct {
			Tasks []*storage.Task `json:"tasks"`
		}{Tasks: tasks}
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// EmptyHandler creates a HandlerFunc that purges the working storage of
// terminal packages.
func EmptyHandler(emptier Emptier, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		if err := emptier.Empty(r.Context()); err != nil {
			logger.Info(logkeys.Message, "emptying working storage", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		logger.Debug(logkeys.Message, "emptied working storage")

		w.WriteHeader(http.StatusNoContent)
	}
}
