package uow

import (
	"context"
	"errors"
)

// AfterCommit is a function that runs after the unit of work succeeds.
type AfterCommit func(ctx context.Context)

// Compensation undoes a step that already took effect.
type Compensation func(ctx context.Context) error

// Unit collects compensations and after-commit hooks for one multi-step
// operation. Store operations are atomic per key, so a unit spanning several
// keys rolls back by replaying compensations in reverse order.
type Unit struct {
	undo  []Compensation
	hooks []AfterCommit
}

// OnRollback registers c to run if the unit fails.
func (u *Unit) OnRollback(c Compensation) {
	u.undo = append(u.undo, c)
}

// After registers h to run once the unit succeeds.
func (u *Unit) After(h AfterCommit) {
	u.hooks = append(u.hooks, h)
}

// Do runs fn. On error it runs the registered compensations, newest first,
// and returns fn's error joined with any compensation failures. On success
// it executes all after-commit hooks.
func Do(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	u := &Unit{}

	if err := fn(ctx, u); err != nil {
		return errors.Join(err, u.rollback(context.WithoutCancel(ctx)))
	}

	for _, h := range u.hooks {
		h(ctx)
	}

	return nil
}

func (u *Unit) rollback(ctx context.Context) error {
	var errs []error
	for i := len(u.undo) - 1; i >= 0; i-- {
		if err := u.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
