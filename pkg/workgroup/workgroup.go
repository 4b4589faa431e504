package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs workers that share a context. The first worker to return an error
// cancels the context handed to the others.
type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

func WithContext(ctx context.Context) *Group {
	group, gctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:   gctx,
		group: group,
	}
}

// Context is the context the workers observe.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until every worker has returned and reports the first error.
func (g *Group) Wait() error {
	return g.group.Wait()
}
