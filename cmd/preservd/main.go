// Package main starts a preservd server.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/preservd/preservd/engine"
	enginehttp "github.com/preservd/preservd/engine/http"
	"github.com/preservd/preservd/logkeys"
	"github.com/preservd/preservd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "preservd"
	apiRealm    = "preservd"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9005", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flWorkflow = flag.String("workflow", "", "path of workflow document (default: embedded)")
		flShared   = flag.String("shared-dir", "/var/lib/preservd", "shared processing directory")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flTasks    = flag.Uint("task-concurrency", engine.DefaultTaskConcurrency, "per-job file task concurrency")
		flPkgs     = flag.Uint("package-concurrency", engine.DefaultPackageConcurrency, "concurrently processed packages")
		flWorkSec  = flag.Uint("worker-interval", uint(engine.DefaultDuration/time.Second), "interval for worker in seconds")
	)
	envflag.Parse("PRESERVD_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	graph, err := loadWorkflow(*flWorkflow)
	if err != nil {
		logger.Info(logkeys.Message, "loading workflow", logkeys.Error, err)
		os.Exit(1)
	}

	storage, err := parseStorage(*flStorage, *flDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	e := engine.New(
		graph,
		storage,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithSharedDir(*flShared),
		engine.WithTaskConcurrency(int(*flTasks)),
		engine.WithPackageConcurrency(int(*flPkgs)),
	)

	eWorker := engine.NewWorker(
		e,
		engine.WithWorkerLogger(logger.With("service", "engine worker")),
		engine.WithWorkerDuration(time.Second*time.Duration(*flWorkSec)),
	)

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, e)
		})
	}

	go func() {
		err := eWorker.Run(context.Background())
		logs := []interface{}{logkeys.Message, "engine worker stopped"}
		if err != nil {
			logger.Info(append(logs, logkeys.Error, err)...)
			return
		}
		logger.Debug(logs...)
	}()

	// seed for newTraceID
	rand.Seed(time.Now().UnixNano())

	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), newTraceID))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// loadWorkflow loads the workflow document at path, or the embedded default
// document when path is empty.
func loadWorkflow(path string) (*workflow.Graph, error) {
	if path == "" {
		return workflow.Default()
	}
	return workflow.LoadFile(path)
}

// newTraceID generates a new HTTP trace ID for context logging.
// Currently this just makes a random string.
func newTraceID(_ *http.Request) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
