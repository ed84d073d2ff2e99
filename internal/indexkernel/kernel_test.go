package indexkernel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

func TestKernelRunsAllSubmittedJobs(t *testing.T) {
	var built atomic.Int64
	build := func(ctx context.Context, idx *model.IndexSpec) error {
		built.Add(1)
		return nil
	}

	c := stats.New()
	k := New(context.Background(), 3, build, c)
	k.Start()
	for i := 0; i < 10; i++ {
		k.Submit(&model.IndexSpec{Name: "idx"})
	}
	if err := k.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := built.Load(); got != 10 {
		t.Errorf("built %d indexes, want 10", got)
	}
}

func TestKernelFailedBuildReportedNotFatal(t *testing.T) {
	build := func(ctx context.Context, idx *model.IndexSpec) error {
		if idx.Name == "bad" {
			return errors.New("syntax error")
		}
		return nil
	}

	c := stats.New()
	k := New(context.Background(), 2, build, c)
	k.Start()
	k.Submit(&model.IndexSpec{Name: "good"})
	k.Submit(&model.IndexSpec{Name: "bad"})
	err := k.Wait()
	if err == nil {
		t.Fatal("expected the failed build's error to be returned")
	}
	if got := c.Snapshot("Create Indexes").Errs; got != 1 {
		t.Errorf("Create Indexes errs = %d, want 1", got)
	}
}

func TestKernelCollectsUniqueIndexesForPromotion(t *testing.T) {
	build := func(ctx context.Context, idx *model.IndexSpec) error { return nil }

	c := stats.New()
	k := New(context.Background(), 2, build, c)
	k.Start()
	k.Submit(&model.IndexSpec{Name: "pk_candidate", Unique: true})
	k.Submit(&model.IndexSpec{Name: "plain_idx"})
	k.Submit(&model.IndexSpec{Name: "already_pk", Unique: true, Primary: true})
	if err := k.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	uniques := k.UniqueIndexes()
	if len(uniques) != 1 || uniques[0].Name != "pk_candidate" {
		t.Errorf("UniqueIndexes() = %v, want exactly [pk_candidate]", indexNames(uniques))
	}
}

func indexNames(idxs []*model.IndexSpec) []string {
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = idx.Name
	}
	return out
}
