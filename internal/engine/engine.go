package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"kafkarows/internal/pipeline"
	"kafkarows/internal/transport"
)

type Engine struct {
	transport *transport.Server
	runner    *pipeline.Runner
}

// Run drives the pipeline to completion. Canceling ctx stops the running
// cycle; the health server goes down with the pipeline.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if e.transport != nil {
		g.Go(func() error {
			if err := e.transport.Serve(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		e.setServing(true)
		defer e.setServing(false)
		return e.runner.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		e.runner.Stop()
		if e.transport != nil {
			e.transport.Stop()
		}
		return nil
	})

	return g.Wait()
}

// Stop asks the pipeline to finish; Run returns once it has.
func (e *Engine) Stop() { e.runner.Stop() }

func (e *Engine) setServing(ok bool) {
	if e.transport != nil {
		e.transport.SetServing(ok)
	}
}
