package payment

import (
	"context"
	"errors"
	"fmt"

	"supportcarr/internal/types"
)

type ConflictError struct {
	Current Payment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s state conflict: now %s", e.Current.ID, e.Current.Status)
}

func (e *ConflictError) Unwrap() error {
	return types.ErrConflict
}

func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

type Repository interface {
	// CreateOnce inserts p unless a payment for p.RescueID exists, in which
	// case the existing one is returned with created=false.
	CreateOnce(ctx context.Context, p Payment) (stored Payment, created bool, err error)
	Get(ctx context.Context, id types.ID) (Payment, error)
	GetByRescue(ctx context.Context, rescueID types.ID) (Payment, error)
	// ConditionalUpdate applies m only while the payment is in one of from.
	ConditionalUpdate(ctx context.Context, id types.ID, from []Status, m Mutation) (Payment, error)
}

func notFound(what string, id types.ID) error {
	return fmt.Errorf("%w: payment for %s %s", types.ErrNotFound, what, id)
}

func statusIn(s Status, from []Status) bool {
	for _, f := range from {
		if s == f {
			return true
		}
	}
	return false
}
