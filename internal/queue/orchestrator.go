// Package queue drains the project queue: FIFO dequeue, per-item fan-out,
// and project finalization.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/internal/pipeline"
)

// Store is the slice of the persistence layer the orchestrator needs.
type Store interface {
	NextQueuedProject(ctx context.Context) (*model.Project, error)
	MarkProcessing(ctx context.Context, projectID string) (bool, error)
	ItemsForProject(ctx context.Context, projectID string) ([]model.BOMItem, error)
	FinishProject(ctx context.Context, projectID string, status model.ProjectStatus) error
	RequeueStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)
}

// Matcher matches one BOM item and reports its terminal status.
type Matcher interface {
	MatchItem(ctx context.Context, project *model.Project, item model.BOMItem, prior *pipeline.SelectionContext) model.MatchStatus
}

// Config holds orchestrator tuning knobs.
type Config struct {
	// Workers bounds concurrent item matching within one project. The
	// default of 1 processes items strictly in BOM order, which gives
	// later items a complete picture of earlier selections.
	Workers int
	// PollInterval is how long Run sleeps when the queue is empty.
	PollInterval time.Duration
	// StaleAfter is how old a processing project must be before it is
	// assumed orphaned and requeued.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	return c
}

// Orchestrator pulls queued projects and runs their items through the
// matcher.
type Orchestrator struct {
	store   Store
	matcher Matcher
	cfg     Config
}

// NewOrchestrator creates an Orchestrator with defaults filled in.
func NewOrchestrator(s Store, m Matcher, cfg Config) *Orchestrator {
	return &Orchestrator{store: s, matcher: m, cfg: cfg.withDefaults()}
}

// ProcessNext claims and fully processes the oldest queued project. It
// returns false when the queue is empty or another worker won the claim.
// Item-level failures never fail the project; the project only ends in
// error when its items cannot be loaded at all.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	project, err := o.store.NextQueuedProject(ctx)
	if err != nil {
		return false, eris.Wrap(err, "queue: next project")
	}
	if project == nil {
		return false, nil
	}
	return o.ProcessProject(ctx, project)
}

// ProcessProject claims and fully processes one specific project. It returns
// false when the project is no longer queued (cancelled, or another worker
// won the claim). The run command uses it to process exactly the project it
// just created rather than whatever sits at the head of a shared queue.
func (o *Orchestrator) ProcessProject(ctx context.Context, project *model.Project) (bool, error) {
	claimed, err := o.store.MarkProcessing(ctx, project.ID)
	if err != nil {
		return false, eris.Wrapf(err, "queue: claim project %s", project.ID)
	}
	if !claimed {
		// Another worker got there first.
		return false, nil
	}

	log := zap.L().With(zap.String("project_id", project.ID))
	log.Info("processing project", zap.String("name", project.Name))

	items, err := o.store.ItemsForProject(ctx, project.ID)
	if err != nil {
		log.Error("failed to load items", zap.Error(err))
		if finErr := o.store.FinishProject(ctx, project.ID, model.ProjectStatusError); finErr != nil {
			log.Error("failed to mark project errored", zap.Error(finErr))
		}
		return true, eris.Wrapf(err, "queue: load items for %s", project.ID)
	}

	var matched, unmatched atomic.Int64
	prior := &pipeline.SelectionContext{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			status := o.matcher.MatchItem(gctx, project, item, prior)
			if status.Matched() {
				matched.Add(1)
			} else {
				unmatched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := o.store.FinishProject(ctx, project.ID, model.ProjectStatusFinished); err != nil {
		log.Error("failed to finish project", zap.Error(err))
		return true, eris.Wrapf(err, "queue: finish project %s", project.ID)
	}

	log.Info("project finished",
		zap.Int("items", len(items)),
		zap.Int64("matched", matched.Load()),
		zap.Int64("unmatched", unmatched.Load()),
	)
	return true, nil
}

// Run polls the queue until the context is cancelled. Each pass first
// requeues orphaned processing projects, then drains whatever is queued.
func (o *Orchestrator) Run(ctx context.Context) error {
	zap.L().Info("queue worker started",
		zap.Int("workers", o.cfg.Workers),
		zap.Duration("poll_interval", o.cfg.PollInterval),
	)
	for {
		if n, err := o.store.RequeueStaleProcessing(ctx, o.cfg.StaleAfter); err != nil {
			zap.L().Warn("stale requeue failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Warn("requeued stale processing projects", zap.Int("count", n))
		}

		processed, err := o.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Error("process next failed", zap.Error(err))
		}
		if processed {
			// Keep draining without sleeping while work is available.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}
