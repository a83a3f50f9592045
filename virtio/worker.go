package virtio

import (
	"context"
	"errors"

	"github.com/bobuhiro11/gosnap/runctl"
)

var errWorkerClosed = errors.New("device worker stopped")

type job struct {
	fn   func() error
	done chan error
}

// Worker runs one device's I/O jobs, each as a unit of work on the run
// barrier, so a paused VM never has a device half way through a request.
type Worker struct {
	name string
	b    *runctl.Barrier
	jobs chan job
	quit chan struct{}
}

// NewWorker returns a stopped worker gated by b.
func NewWorker(name string, b *runctl.Barrier) *Worker {
	return &Worker{
		name: name,
		b:    b,
		jobs: make(chan job, QueueSize),
		quit: make(chan struct{}),
	}
}

// Name is the owning device id.
func (w *Worker) Name() string { return w.name }

// Submit queues fn and returns a channel that yields its result.
func (w *Worker) Submit(fn func() error) <-chan error {
	done := make(chan error, 1)

	select {
	case w.jobs <- job{fn: fn, done: done}:
	case <-w.quit:
		done <- errWorkerClosed
	}

	return done
}

// Run processes jobs until ctx ends, Close is called or the barrier stops.
func (w *Worker) Run(ctx context.Context) error {
	for {
		var j job

		select {
		case <-ctx.Done():
			return nil
		case <-w.quit:
			w.drain()

			return nil
		case j = <-w.jobs:
		}

		if err := w.b.Enter(); err != nil {
			j.done <- err

			if errors.Is(err, runctl.ErrStopped) {
				return nil
			}

			return err
		}

		err := j.fn()

		w.b.Exit()

		j.done <- err
	}
}

func (w *Worker) drain() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- errWorkerClosed
		default:
			return
		}
	}
}

// Close stops Run and fails queued submissions.
func (w *Worker) Close() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}
