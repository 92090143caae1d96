package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/engine/storage/inmem"
	"github.com/preservd/preservd/executor"
	"github.com/preservd/preservd/workflow"
)

const testGraph = `{
	"entry_chain": "transfer",
	"chains": {
		"transfer": {"name": "Transfer", "links": ["identify", "normalize-decision"]},
		"normalization": {"name": "Normalization", "links": ["normalize"]},
		"packaging": {"name": "Packaging", "links": ["set-name", "build-aip"]}
	},
	"links": {
		"identify": {
			"name": "Identify file format",
			"group": "Identification",
			"action": {"type": "command", "command": "identify", "args": ["%inputFile%"], "per_file": true},
			"exit_codes": {"2": {"terminal": "reject"}},
			"default": {"link_id": "normalize-decision"}
		},
		"normalize-decision": {
			"name": "Perform normalization",
			"group": "Normalization",
			"action": {
				"type": "decision",
				"config_key": "normalize",
				"choices": {
					"true": {"link_id": "normalize"},
					"false": {"link_id": "set-name"}
				}
			},
			"default": {"link_id": "normalize"}
		},
		"normalize": {
			"name": "Normalize for preservation",
			"group": "Normalization",
			"action": {"type": "command", "command": "normalize", "args": ["%fileUUID%"], "per_file": true},
			"default": {"link_id": "set-name"}
		},
		"set-name": {
			"name": "Set AIP name",
			"group": "Packaging",
			"action": {"type": "set_variable", "name": "aipName", "value": "%SIPName%"},
			"default": {"link_id": "build-aip"}
		},
		"build-aip": {
			"name": "Build AIP",
			"group": "Packaging",
			"action": {"type": "archive"},
			"exit_codes": {"0": {"terminal": "complete"}},
			"default": {"terminal": "fail"}
		}
	}
}`

type fakeExecutor struct {
	mu    sync.Mutex
	codes map[string]int
	calls []*executor.Spec
}

func (f *fakeExecutor) Execute(ctx context.Context, spec *executor.Spec) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	code := f.codes[spec.Command]
	f.mu.Unlock()
	now := time.Now()
	return &executor.Result{ExitCode: code, Stdout: "ok", StartedAt: now, EndedAt: now}, nil
}

func (f *fakeExecutor) callCount(command string) (ct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, spec := range f.calls {
		if spec.Command == command {
			ct++
		}
	}
	return
}

func (f *fakeExecutor) calledWithArg(command, suffix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, spec := range f.calls {
		if spec.Command != command {
			continue
		}
		for _, arg := range spec.Args {
			if strings.HasSuffix(arg, suffix) {
				return true
			}
		}
	}
	return false
}

func newTestEngine(t *testing.T, fe *fakeExecutor, doc string) *Engine {
	t.Helper()
	graph, err := workflow.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	return New(
		graph,
		inmem.New(),
		WithExecutor(fe),
		WithSharedDir(t.TempDir()),
		WithTaskConcurrency(2),
	)
}

// submitTestPackage stages a 3-file source tree and submits it.
func submitTestPackage(t *testing.T, e *Engine, cfg *workflow.ProcessingConfig) string {
	t.Helper()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "objects"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(src, "objects", name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	id, err := e.Submit(context.Background(), "pkg", src, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func jobLinks(jobs []*storage.Job) []string {
	links := make([]string, len(jobs))
	for i, j := range jobs {
		links[i] = j.LinkID
	}
	return links
}

func assertLinks(t *testing.T, jobs []*storage.Job, want ...string) {
	t.Helper()
	have := jobLinks(jobs)
	if len(have) != len(want) {
		t.Fatalf("job links: have: %v, want: %v", have, want)
	}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("job links: have: %v, want: %v", have, want)
		}
	}
}

func TestDriveComplete(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar
	id := submitTestPackage(t, e, &cfg)

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusComplete {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusComplete)
	}
	assertLinks(t, jobs, "identify", "normalize-decision", "normalize", "set-name", "build-aip")
	for _, j := range jobs {
		if j.Status != storage.JobStatusComplete {
			t.Errorf("job %s: status: have: %s, want: %s", j.LinkID, j.Status, storage.JobStatusComplete)
		}
	}

	// one task per file with distinct file IDs
	tasks, err := e.ListTasks(ctx, jobs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks: have: %d, want: 3", len(tasks))
	}
	seen := make(map[string]bool)
	for _, task := range tasks {
		if task.FileID == "" || seen[task.FileID] {
			t.Errorf("file ID not distinct: %q", task.FileID)
		}
		seen[task.FileID] = true
	}

	if ct := fe.callCount("identify"); ct != 3 {
		t.Errorf("identify calls: have: %d, want: 3", ct)
	}

	vars, err := e.storage.RetrievePackageVariables(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := vars["aipName"], "pkg"; have != want {
		t.Errorf("aipName: have: %q, want: %q", have, want)
	}

	// the archive task records the written container
	aipTasks, err := e.ListTasks(ctx, jobs[4].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(aipTasks) != 1 {
		t.Fatalf("archive tasks: have: %d, want: 1", len(aipTasks))
	}
	if _, err := os.Stat(aipTasks[0].Stdout); err != nil {
		t.Errorf("archival package: %v", err)
	}
}

func TestDriveNormalizeSkipped(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.Normalize = false
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar
	id := submitTestPackage(t, e, &cfg)

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusComplete {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusComplete)
	}
	assertLinks(t, jobs, "identify", "normalize-decision", "set-name", "build-aip")
	if ct := fe.callCount("normalize"); ct != 0 {
		t.Errorf("normalize calls: have: %d, want: 0", ct)
	}
}

func TestDriveReject(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{codes: map[string]int{"identify": 2}}
	e := newTestEngine(t, fe, testGraph)
	id := submitTestPackage(t, e, nil)

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusRejected {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusRejected)
	}
	assertLinks(t, jobs, "identify")
	if jobs[0].Status != storage.JobStatusFailed {
		t.Errorf("job status: have: %s, want: %s", jobs[0].Status, storage.JobStatusFailed)
	}
	if jobs[0].ExitCode != 2 {
		t.Errorf("job exit code: have: %d, want: 2", jobs[0].ExitCode)
	}
}

func TestDriveTerminalIsNoOp(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{codes: map[string]int{"identify": 2}}
	e := newTestEngine(t, fe, testGraph)
	id := submitTestPackage(t, e, nil)

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}
	_, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	// driving a resolved package must not create new jobs
	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}
	_, again, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != len(jobs) {
		t.Fatalf("jobs: have: %d, want: %d", len(again), len(jobs))
	}
}

func TestDriveResumeProcessingJob(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar
	id := submitTestPackage(t, e, &cfg)

	// simulate a process stop mid-job: the identify job exists with one
	// of the three file tasks already stored
	job := &storage.Job{
		ID:        "job-resume",
		PackageID: id,
		LinkID:    "identify",
		Name:      "Identify file format",
		Status:    storage.JobStatusProcessing,
		StartedAt: time.Now(),
	}
	if err := e.storage.StoreJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := e.storage.StoreTask(ctx, &storage.Task{
		ID:        "task-a",
		JobID:     job.ID,
		FileID:    filepath.Join("objects", "a.txt"),
		Filename:  "a.txt",
		Execution: "identify",
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusComplete {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusComplete)
	}
	assertLinks(t, jobs, "identify", "normalize-decision", "normalize", "set-name", "build-aip")
	if jobs[0].ID != "job-resume" {
		t.Errorf("resumed job ID: have: %q, want: %q", jobs[0].ID, "job-resume")
	}

	// only the two remaining files were dispatched
	if ct := fe.callCount("identify"); ct != 2 {
		t.Errorf("identify calls: have: %d, want: 2", ct)
	}
	if fe.calledWithArg("identify", "a.txt") {
		t.Error("file with a stored task was re-run")
	}
	tasks, err := e.ListTasks(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Errorf("tasks: have: %d, want: 3", len(tasks))
	}
}

func TestDriveResumeCompletedJob(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar
	id := submitTestPackage(t, e, &cfg)

	// simulate a process stop right after the identify job completed
	job := &storage.Job{
		ID:        "job-done",
		PackageID: id,
		LinkID:    "identify",
		Name:      "Identify file format",
		Status:    storage.JobStatusProcessing,
		StartedAt: time.Now(),
	}
	if err := e.storage.StoreJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := e.storage.UpdateJobCompleted(ctx, job.ID, storage.JobStatusComplete, 0); err != nil {
		t.Fatal(err)
	}

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusComplete {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusComplete)
	}
	assertLinks(t, jobs, "identify", "normalize-decision", "normalize", "set-name", "build-aip")

	// the completed job's work was not re-run
	if ct := fe.callCount("identify"); ct != 0 {
		t.Errorf("identify calls: have: %d, want: 0", ct)
	}
}

// decisionGapGraph has a decision link with no choice for normalize=false.
const decisionGapGraph = `{
	"entry_chain": "main",
	"chains": {
		"main": {"name": "Main", "links": ["normalize-decision"]},
		"normalization": {"name": "Normalization", "links": ["normalize"]}
	},
	"links": {
		"normalize-decision": {
			"name": "Perform normalization",
			"action": {
				"type": "decision",
				"config_key": "normalize",
				"choices": {"true": {"link_id": "normalize"}}
			},
			"default": {"link_id": "normalize"}
		},
		"normalize": {
			"name": "Normalize for preservation",
			"action": {"type": "command", "command": "normalize", "per_file": true},
			"default": {"terminal": "complete"}
		}
	}
}`

func TestDecisionWithoutChoice(t *testing.T) {
	// a rendered value with no matching choice must fail the package, not
	// default silently
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, decisionGapGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.Normalize = false
	id := submitTestPackage(t, e, &cfg)

	if err := e.drive(ctx, id); err != nil {
		t.Fatal(err)
	}

	p, jobs, err := e.Read(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != storage.PackageStatusFailed {
		t.Fatalf("status: have: %s, want: %s", p.Status, storage.PackageStatusFailed)
	}
	last := jobs[len(jobs)-1]
	if last.LinkID != "normalize-decision" || last.Status != storage.JobStatusFailed {
		t.Errorf("last job: have: %s %s", last.LinkID, last.Status)
	}
}

func TestEffectiveExitCode(t *testing.T) {
	outcomes := []taskOutcome{
		{fileID: "objects/c.txt", code: 0},
		{fileID: "objects/b.txt", code: 3},
		{fileID: "objects/a.txt", code: 0},
		{fileID: "objects/d.txt", code: 5},
	}

	// the result is independent of delivery order
	for rot := 0; rot < len(outcomes); rot++ {
		perm := append(append([]taskOutcome{}, outcomes[rot:]...), outcomes[:rot]...)
		if have := effectiveExitCode(perm); have != 3 {
			t.Errorf("rotation %d: have: %d, want: 3", rot, have)
		}
	}

	if have := effectiveExitCode([]taskOutcome{{fileID: "a", code: 0}}); have != 0 {
		t.Errorf("have: %d, want: 0", have)
	}
	if have := effectiveExitCode(nil); have != 0 {
		t.Errorf("have: %d, want: 0", have)
	}
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	cfg := workflow.DefaultProcessingConfig()
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar

	doneID := submitTestPackage(t, e, &cfg)
	if err := e.drive(ctx, doneID); err != nil {
		t.Fatal(err)
	}
	busyID := submitTestPackage(t, e, &cfg)
	if err := e.storage.StorePackageVariable(ctx, busyID, "aipName", "pkg"); err != nil {
		t.Fatal(err)
	}

	if err := e.Empty(ctx); err != nil {
		t.Fatal(err)
	}

	donePkg, _, err := e.Read(ctx, doneID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(donePkg.WorkingDir); !os.IsNotExist(err) {
		t.Error("terminal package working dir not purged")
	}
	vars, err := e.storage.RetrievePackageVariables(ctx, doneID)
	if err != nil {
		t.Fatal(err)
	}
	if len(vars) != 0 {
		t.Errorf("terminal package variables not purged: %v", vars)
	}

	busyPkg, _, err := e.Read(ctx, busyID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(busyPkg.WorkingDir); err != nil {
		t.Error("processing package working dir must not be purged")
	}
	if vars, err = e.storage.RetrievePackageVariables(ctx, busyID); err != nil {
		t.Fatal(err)
	}
	if len(vars) != 1 {
		t.Errorf("processing package variables must not be purged: %v", vars)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(t, &fakeExecutor{}, testGraph)
	ctx := context.Background()

	if _, err := e.Submit(ctx, "pkg", "", nil); err == nil {
		t.Error("expected error for empty source")
	}
	if _, err := e.Submit(ctx, "pkg", "/nonexistent/preservd-src", nil); err == nil {
		t.Error("expected error for unreadable source")
	}

	src := t.TempDir()
	bad := workflow.DefaultProcessingConfig()
	bad.AIPCompressionLevel = 12
	if _, err := e.Submit(ctx, "pkg", src, &bad); err == nil {
		t.Error("expected error for invalid config")
	}

	// no package record may exist after a failed submit
	ids, err := e.storage.RetrievePackageIDs(ctx, storage.PackageStatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("packages: have: %d, want: 0", len(ids))
	}
}

// brokenPackageStore fails every package write.
type brokenPackageStore struct {
	storage.AllStorage
}

func (s *brokenPackageStore) StorePackage(ctx context.Context, p *storage.Package) error {
	return errors.New("store unavailable")
}

func TestSubmitStoreFailure(t *testing.T) {
	ctx := context.Background()
	graph, err := workflow.Parse(strings.NewReader(testGraph))
	if err != nil {
		t.Fatal(err)
	}
	shared := t.TempDir()
	e := New(
		graph,
		&brokenPackageStore{inmem.New()},
		WithExecutor(&fakeExecutor{}),
		WithSharedDir(shared),
	)

	src := t.TempDir()
	if err = os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err = e.Submit(ctx, "pkg", src, nil); err == nil {
		t.Fatal("expected error submitting with a broken store")
	}

	// the staged copy has no record pointing at it and must not linger
	entries, err := os.ReadDir(filepath.Join(shared, "processing"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staged working dirs orphaned: %d", len(entries))
	}
}
