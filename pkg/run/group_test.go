package run

import (
	"context"
	"errors"
	"testing"
	"time"
)

type runFunc func(context.Context) error

func (f runFunc) Run(ctx context.Context) error { return f(ctx) }

func TestGroupStopsWhenOneComponentReturns(t *testing.T) {
	rg := new(Group)

	stopped := make(chan struct{})
	rg.Add("waiter", runFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}))
	rg.Add("finisher", runFunc(func(ctx context.Context) error {
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- rg.RunAndWait(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("got error %v, wanted nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("group did not stop")
	}

	select {
	case <-stopped:
	default:
		t.Errorf("waiting component was not stopped")
	}
}

func TestGroupReturnsComponentError(t *testing.T) {
	boom := errors.New("boom")
	rg := new(Group)
	rg.Add("failing", runFunc(func(ctx context.Context) error { return boom }))
	rg.Add("waiter", runFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	if err := rg.RunAndWait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("got %v, wanted %v", err, boom)
	}
}
