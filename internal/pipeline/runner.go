package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
)

type pairKey struct {
	orgID  string
	source model.Source
}

// Runner owns background executions. It allows one executing job per
// (orgId, source) in this process; the store lease extends that across
// processes.
type Runner struct {
	engine *Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[pairKey]string
}

// NewRunner returns a runner whose executions stop when Shutdown is called.
func NewRunner(engine *Engine) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[pairKey]string),
	}
}

// Engine returns the engine the runner drives.
func (r *Runner) Engine() *Engine { return r.engine }

// Start begins executing job in the background and returns it in the
// executing stage. A second start for a running pair is rejected with
// ErrAlreadyExecuting.
func (r *Runner) Start(ctx context.Context, job *model.MigrationJob) (*model.MigrationJob, error) {
	key := pairKey{orgID: job.OrgID, source: job.Source}

	r.mu.Lock()
	if holder, ok := r.running[key]; ok {
		r.mu.Unlock()
		return nil, eris.Wrapf(ErrAlreadyExecuting, "pipeline: job %s is running", holder)
	}
	r.running[key] = job.ID
	r.mu.Unlock()

	ex, err := r.engine.Begin(ctx, job.ID)
	if err != nil {
		r.done(key)
		return nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.done(key)
		if err := r.engine.Run(r.ctx, ex); err != nil {
			jobLogger(ex.job).Error("pipeline: background execution ended with error", zap.Error(err))
		}
	}()
	return ex.job, nil
}

// Running returns the id of the job executing for the pair in this process.
func (r *Runner) Running(orgID string, src model.Source) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[pairKey{orgID: orgID, source: src}]
	return id, ok
}

// Wait blocks until every background execution has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops background executions at their next suspension point and
// waits for them. Interrupted jobs stay executing and resume from their
// checkpoint on the next execute request.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

func (r *Runner) done(key pairKey) {
	r.mu.Lock()
	delete(r.running, key)
	r.mu.Unlock()
}
