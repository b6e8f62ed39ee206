package tilecreator

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor decides where reprojection tasks run
type Executor interface {
	Start(ctx context.Context) TaskGroup
}

// TaskGroup is a set of tasks joined by Wait. The context given to a task is cancelled
// when another task of the group fails.
type TaskGroup interface {
	Go(task func(ctx context.Context) error)
	Wait() error
}

// Parallel runs tasks on at most limit goroutines, runtime.NumCPU() when limit <= 0
func Parallel(limit int) Executor {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return parallel{limit: limit}
}

type parallel struct {
	limit int
}

func (p parallel) Start(ctx context.Context) TaskGroup {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	return &parallelGroup{g: g, ctx: gctx}
}

type parallelGroup struct {
	g   *errgroup.Group
	ctx context.Context
}

func (pg *parallelGroup) Go(task func(ctx context.Context) error) {
	pg.g.Go(func() error { return task(pg.ctx) })
}

func (pg *parallelGroup) Wait() error {
	return pg.g.Wait()
}

// Inline runs every task on the calling goroutine as soon as it is added
var Inline Executor = inline{}

type inline struct{}

func (inline) Start(ctx context.Context) TaskGroup {
	ctx, cancel := context.WithCancel(ctx)
	return &inlineGroup{ctx: ctx, cancel: cancel}
}

type inlineGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (ig *inlineGroup) Go(task func(ctx context.Context) error) {
	if ig.err != nil {
		return
	}
	if err := task(ig.ctx); err != nil {
		ig.err = err
		ig.cancel()
	}
}

func (ig *inlineGroup) Wait() error {
	ig.once.Do(ig.cancel)
	return ig.err
}
