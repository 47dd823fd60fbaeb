package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Runnable interface {
	// Run starts running the component and blocks until the context is canceled or a fatal
	// error is encountered.
	Run(context.Context) error
}

type named struct {
	name string
	r    Runnable
}

// Group runs a set of components together. When any of them returns, or the
// process receives SIGINT or SIGTERM, the context passed to the others is
// canceled.
type Group struct {
	runnables []named
}

func (a *Group) Add(name string, r Runnable) {
	a.runnables = append(a.runnables, named{name: name, r: r})
}

func (a *Group) RunAndWait(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for i := range a.runnables {
		n := a.runnables[i]
		g.Go(func() error {
			err := n.r.Run(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("component stopped", err, "component", n.name)
			} else {
				slog.Debug("component stopped", "component", n.name)
			}
			return err
		})
	}

	// Ensure components stop if we receive a terminating operating system signal.
	g.Go(func() error {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(interrupt)
		select {
		case sig := <-interrupt:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	// Wait for all components to run to completion.
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
