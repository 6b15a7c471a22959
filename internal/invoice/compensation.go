package invoice

import (
	"context"
	"errors"
)

type compensation struct {
	name string
	undo func(context.Context) error
}

// undoStack records the compensations of completed steps. Run replays them
// newest first and keeps going past failures.
type undoStack struct {
	steps []compensation
}

func (s *undoStack) push(name string, undo func(context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, undo: undo})
}

func (s *undoStack) len() int { return len(s.steps) }

func (s *undoStack) run(ctx context.Context) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		if err := s.steps[i].undo(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.steps = nil
	return errors.Join(errs...)
}
