package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type Handler func(ctx context.Context, job Job) error

// Dispatcher routes jobs to handlers by type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
	log      logrus.FieldLogger
}

func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]Handler), log: log}
}

func (d *Dispatcher) Register(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

func (d *Dispatcher) Types() []Type {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Type, 0, len(d.handlers))
	for _, t := range AllTypes {
		if _, ok := d.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ErrNoHandler is returned for job types nobody registered.
var ErrNoHandler = errors.New("no handler registered")

func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoHandler, job.Type)
	}
	if err := h(ctx, job); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"job_type": job.Type, "job_id": job.ID}).Warn("job handler failed")
		return err
	}
	return nil
}

// Inline is a Scheduler that runs jobs in-process on their own goroutine.
// Used when no broker is configured.
type Inline struct {
	Dispatcher *Dispatcher
	Log        logrus.FieldLogger
}

func (i Inline) Enqueue(ctx context.Context, job Job) error {
	go func() {
		if err := i.Dispatcher.Dispatch(context.WithoutCancel(ctx), job); err != nil {
			i.Log.WithError(err).WithField("job_type", job.Type).Warn("inline job failed")
		}
	}()
	return nil
}

// Recorder keeps enqueued jobs in memory.
type Recorder struct {
	mu   sync.Mutex
	jobs []Job
	Err  error
}

func (r *Recorder) Enqueue(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *Recorder) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

func (r *Recorder) OfType(t Type) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for _, j := range r.jobs {
		if j.Type == t {
			out = append(out, j)
		}
	}
	return out
}
