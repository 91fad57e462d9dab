package aab

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs pipelines concurrently with at most MaxJobs in flight. Every
// pipeline must own a distinct build directory.
type Pool struct {
	MaxJobs int

	ctx    context.Context
	group  *errgroup.Group
	logger *zap.Logger

	// State
	mu      sync.Mutex
	order   []string
	running map[string]string // build dir -> job id
	results map[string]JobResult
}

// JobResult is the outcome of one pooled build.
type JobResult struct {
	ID       string
	BuildDir string
	Result   Result
	Duration time.Duration
}

// NewPool returns a pool bounded to maxJobs concurrent builds.
func NewPool(ctx context.Context, maxJobs int, logger *zap.Logger) *Pool {
	if maxJobs < 1 {
		maxJobs = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &errgroup.Group{}
	g.SetLimit(maxJobs)
	return &Pool{
		MaxJobs: maxJobs,
		ctx:     ctx,
		group:   g,
		logger:  logger,
		running: make(map[string]string),
		results: make(map[string]JobResult),
	}
}

// Submit queues pl and returns its job id. It blocks while MaxJobs builds are
// already running, and rejects a pipeline whose build directory is in use
// by a queued or running job.
func (p *Pool) Submit(pl *Pipeline) (string, error) {
	dir, err := filepath.Abs(pl.BuildDir())
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if other, busy := p.running[dir]; busy {
		p.mu.Unlock()
		return "", fmt.Errorf("build directory %s is in use by job %s", dir, other)
	}
	id := uuid.NewString()
	p.running[dir] = id
	p.order = append(p.order, id)
	p.mu.Unlock()

	p.group.Go(func() error {
		log := p.logger.With(zap.String("job", id))
		log.Info("build started", zap.String("build_dir", dir))
		start := time.Now()
		res := pl.Run(p.ctx)

		p.mu.Lock()
		delete(p.running, dir)
		p.results[id] = JobResult{ID: id, BuildDir: dir, Result: res, Duration: time.Since(start)}
		p.mu.Unlock()

		log.Info("build done", zap.Bool("success", res.Success), zap.Duration("took", time.Since(start)))
		// A failed build never cancels its siblings.
		return nil
	})
	return id, nil
}

// Wait blocks until every submitted build has finished and returns the
// results in submission order.
func (p *Pool) Wait() []JobResult {
	_ = p.group.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobResult, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.results[id])
	}
	return out
}
