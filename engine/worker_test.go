package engine

import (
	"context"
	"testing"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/workflow"
)

func TestWorkerRunOnce(t *testing.T) {
	ctx := context.Background()
	fe := &fakeExecutor{}
	e := newTestEngine(t, fe, testGraph)
	w := NewWorker(e)

	cfg := workflow.DefaultProcessingConfig()
	cfg.AIPCompressionAlgorithm = workflow.CompressionTar
	first := submitTestPackage(t, e, &cfg)
	second := submitTestPackage(t, e, &cfg)

	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// drivers run in the background
	deadline := time.Now().Add(5 * time.Second)
	for _, id := range []string{first, second} {
		for {
			p, _, err := e.Read(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if p.Status.Terminal() {
				if p.Status != storage.PackageStatusComplete {
					t.Errorf("package %s: status: have: %s, want: %s", id, p.Status, storage.PackageStatusComplete)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("package %s still processing", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}
