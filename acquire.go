package yoloprep

// Orchestration of a resumable acquisition run.

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Selection picks the store indices an acquisition run visits.
type Selection interface {
	Indices(count int) []int
}

// FullSelection visits every image in store order.
type FullSelection struct{}

// Indices returns 0..count-1.
func (FullSelection) Indices(count int) []int {
	idx := make([]int, count)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// RandomSample visits min(N, count) distinct images drawn uniformly at random. A nil Rand is
// seeded from the clock, so every run may select a different subset.
type RandomSample struct {
	N    int
	Rand *rand.Rand
}

// Indices draws the sample without replacement.
func (s RandomSample) Indices(count int) []int {
	n := s.N
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil
	}
	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rng.Perm(count)[:n]
}

// Report summarizes an acquisition run.
type Report struct {
	Selected int
	Written  int
	Skipped  int              // Already in the ledger.
	Failed   map[string]error // File name to *WriteError.
}

// Acquirer drives ArtifactWriter over a selection of an AnnotationStore, skipping images already
// recorded in the Ledger and recording each image once both of its artifacts exist.
type Acquirer struct {
	Store  *AnnotationStore
	Ledger Ledger
	Writer *ArtifactWriter
	Logger logrus.FieldLogger

	// Workers is the number of images materialized concurrently. Values below 2 run sequentially.
	Workers int

	// Progress, if set, is called after each visited image with the number of visited images and
	// the selection size. Calls are serialized.
	Progress func(done, total int)
}

// Run visits the selected images. Per-image failures are logged and reported but never abort the
// run. The returned error is non-nil only if ctx is cancelled or the ledger cannot be appended to.
func (a *Acquirer) Run(ctx context.Context, sel Selection) (Report, error) {
	if a.Store == nil || a.Ledger == nil || a.Writer == nil {
		return Report{}, errors.New("acquirer requires a store, a ledger and a writer")
	}
	if sel == nil {
		sel = FullSelection{}
	}
	logger := a.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	indices := sel.Indices(a.Store.ImageCount())
	r := &runState{
		acquirer: a,
		logger:   logger,
		total:    len(indices),
		claimed:  make(map[string]struct{}, len(indices)),
		report:   Report{Selected: len(indices), Failed: make(map[string]error)},
	}
	logger.WithFields(logrus.Fields{"selected": len(indices), "resume_entries": a.Ledger.Len()}).
		Info("starting acquisition")

	var err error
	if a.Workers < 2 {
		err = r.runSequential(ctx, indices)
	} else {
		err = r.runConcurrent(ctx, indices, a.Workers)
	}

	logger.WithFields(logrus.Fields{
		"written": r.report.Written,
		"skipped": r.report.Skipped,
		"failed":  len(r.report.Failed),
	}).Info("acquisition finished")

	return r.report, err
}

// runState is the mutable state of one Run. mu guards the claim check, the ledger append, the
// report and progress reporting.
type runState struct {
	acquirer *Acquirer
	logger   logrus.FieldLogger
	total    int

	mu      sync.Mutex
	done    int
	claimed map[string]struct{}
	report  Report
}

func (r *runState) runSequential(ctx context.Context, indices []int) error {
	for _, i := range indices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.visit(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *runState) runConcurrent(ctx context.Context, indices []int, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range indices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.visit(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// visit processes the image at store index i. Only fatal errors are returned.
func (r *runState) visit(ctx context.Context, i int) error {
	a := r.acquirer
	img := a.Store.ImageAt(i)
	log := r.logger.WithField("file", img.FileName)

	// Claim the file name so no two workers materialize it.
	r.mu.Lock()
	_, inFlight := r.claimed[img.FileName]
	if inFlight || a.Ledger.Contains(img.FileName) {
		r.report.Skipped++
		r.advanceLocked()
		r.mu.Unlock()
		log.Info("skipping, already downloaded")
		return nil
	}
	r.claimed[img.FileName] = struct{}{}
	r.mu.Unlock()

	writeErr := a.Writer.Write(ctx, img, a.Store.AnnotationsFor(img.ID))

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.advanceLocked()

	if writeErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.report.Failed[img.FileName] = writeErr
		log.WithError(writeErr).Warn("failed to materialize image")
		return nil
	}
	if err := a.Ledger.Record(img.FileName); err != nil {
		return errors.Wrap(err, "update ledger")
	}
	r.report.Written++
	return nil
}

// advanceLocked counts a visited image and reports progress. r.mu must be held.
func (r *runState) advanceLocked() {
	r.done++
	if r.acquirer.Progress != nil {
		r.acquirer.Progress(r.done, r.total)
	}
}
