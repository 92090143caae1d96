package http

import (
	"net/http"

	"github.com/micromdm/nanolib/log"
)

type APIEngine interface {
	PackageSubmitter
	PackageReader
	TaskLister
	Emptier
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine) {
	mux.Handle(
		prefix+"/package",
		SubmitHandler(e, logger.With("handler", "submit package")),
		"POST",
	)
	mux.Handle(
		prefix+"/package/:id",
		ReadHandler(e, logger.With("handler", "read package")),
		"GET",
	)
	mux.Handle(
		prefix+"/job/:id/tasks",
		ListTasksHandler(e, logger.With("handler", "list tasks")),
		"GET",
	)
	mux.Handle(
		prefix+"/empty",
		EmptyHandler(e, logger.With("handler", "empty")),
		"POST",
	)
}
