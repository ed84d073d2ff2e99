// Package indexkernel implements the index build worker pool: a task pool
// sized to the maximum index-fanout of any one table in the run,
// scheduling CREATE INDEX jobs as soon as each table's load completes so
// that index builds for one table overlap with the next table's load.
package indexkernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jdauphine/loadpg/internal/logging"
	"github.com/jdauphine/loadpg/internal/model"
	"github.com/jdauphine/loadpg/internal/stats"
)

// Buffer sizing constants: large enough that a burst of job submissions
// from several tables finishing close together never blocks on the job
// channel itself.
const (
	jobChanBufferMultiplier = 50
	jobChanMinBuffer        = 500
)

// BuildFunc executes one CREATE INDEX (or constraint-promotion) statement.
type BuildFunc func(ctx context.Context, idx *model.IndexSpec) error

// Job is one index build submitted to the kernel.
type Job struct {
	Index *model.IndexSpec
}

// Kernel runs CREATE INDEX jobs across a fixed-size worker pool.
type Kernel struct {
	numWorkers int
	buildFunc  BuildFunc
	stats      *stats.Collector

	jobChan chan Job
	wg      sync.WaitGroup

	firstErr atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc

	unique   sync.Mutex
	uniqueSQL []*model.IndexSpec // UNIQUE indexes collected for later PK promotion
}

// New constructs a Kernel sized to numWorkers (typically the run's max
// per-table index fanout, via model.MaxIndexFanout), executing each job
// with buildFunc and reporting failures to collector under label
// "Create Indexes".
func New(ctx context.Context, numWorkers int, buildFunc BuildFunc, collector *stats.Collector) *Kernel {
	if numWorkers < 1 {
		numWorkers = 1
	}
	bufSize := numWorkers * jobChanBufferMultiplier
	if bufSize < jobChanMinBuffer {
		bufSize = jobChanMinBuffer
	}
	kctx, cancel := context.WithCancel(ctx)
	return &Kernel{
		numWorkers: numWorkers,
		buildFunc:  buildFunc,
		stats:      collector,
		jobChan:    make(chan Job, bufSize),
		ctx:        kctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool.
func (k *Kernel) Start() {
	for i := 0; i < k.numWorkers; i++ {
		k.wg.Add(1)
		go k.worker(i)
	}
}

func (k *Kernel) worker(id int) {
	defer k.wg.Done()
	for job := range k.jobChan {
		if k.ctx.Err() != nil {
			continue
		}
		if err := k.buildFunc(k.ctx, job.Index); err != nil {
			logging.Error("indexkernel[%d]: building %s: %v", id, job.Index.Name, err)
			k.stats.Incr("Create Indexes", "errs", 1)
			wrapped := fmt.Errorf("index %s: %w", job.Index.Name, err)
			k.firstErr.CompareAndSwap(nil, &wrapped)
			continue
		}
		if job.Index.Unique && !job.Index.Primary {
			k.recordUnique(job.Index)
		}
	}
}

func (k *Kernel) recordUnique(idx *model.IndexSpec) {
	k.unique.Lock()
	defer k.unique.Unlock()
	k.uniqueSQL = append(k.uniqueSQL, idx)
}

// Submit schedules one index build. No index build begins before its
// table's data load has completed, so callers submit jobs only after a
// table's pipeline has returned.
func (k *Kernel) Submit(idx *model.IndexSpec) {
	k.jobChan <- Job{Index: idx}
}

// Wait closes the job channel and blocks until every submitted job has
// terminated, success or failure, returning the first error encountered
// (if any). A failed index build does not abort the run; Wait's error is
// reported by the caller, not treated as fatal.
func (k *Kernel) Wait() error {
	close(k.jobChan)
	k.wg.Wait()
	if p := k.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// UniqueIndexes returns the UNIQUE (non-primary) indexes successfully
// built, so the schema-complete phase can promote them to PRIMARY KEYs.
func (k *Kernel) UniqueIndexes() []*model.IndexSpec {
	k.unique.Lock()
	defer k.unique.Unlock()
	out := make([]*model.IndexSpec, len(k.uniqueSQL))
	copy(out, k.uniqueSQL)
	return out
}
