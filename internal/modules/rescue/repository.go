package rescue

import (
	"context"
	"errors"
	"fmt"

	"supportcarr/internal/types"
)

// ErrActiveRescue is returned when a rider already holds a non-terminal rescue.
var ErrActiveRescue = fmt.Errorf("%w: rider already has an active rescue", types.ErrConflict)

// ConflictError reports a lost conditional update together with the state
// that won.
type ConflictError struct {
	Current Rescue
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rescue %s state conflict: now %s", e.Current.ID, e.Current.Status)
}

func (e *ConflictError) Unwrap() error {
	return types.ErrConflict
}

// AsConflict extracts the ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

type Filter struct {
	RiderID  types.ID
	DriverID types.ID
	Statuses []Status
	Box      *types.Box
	Limit    int
}

// Repository is the durable store port for rescues.
type Repository interface {
	// Create inserts r. It fails with ErrActiveRescue when the rider already
	// has a non-terminal rescue.
	Create(ctx context.Context, r Rescue) error
	Get(ctx context.Context, id types.ID) (Rescue, error)
	Find(ctx context.Context, f Filter) ([]Rescue, error)
	// ConditionalUpdate atomically applies m when c holds against the
	// committed state and returns the new state. Otherwise it returns a
	// *ConflictError carrying the committed state.
	ConditionalUpdate(ctx context.Context, id types.ID, c Condition, m Mutation) (Rescue, error)
	CountActiveInBox(ctx context.Context, box types.Box) (int, error)
}

func notFound(id types.ID) error {
	return fmt.Errorf("%w: rescue %s", types.ErrNotFound, id)
}
