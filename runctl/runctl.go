// Package runctl coordinates vCPU threads and device workers with the
// orchestrator: a shared run state token and a barrier that tells Pause
// when every participant is parked at a safe point.
package runctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// RunState is the run state token.
type RunState int32

const (
	NotStarted RunState = iota
	Running
	Paused
)

func (s RunState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

var (
	// ErrStopped is returned by Enter once the barrier is stopped.
	ErrStopped = errors.New("run control stopped")
	// ErrResumed is returned by a Pause overtaken by Start or Resume.
	ErrResumed = errors.New("resumed before pause completed")
)

// Kicker forces a participant blocked in the guest or in I/O back to its
// safe point, e.g. by signalling the thread out of KVM_RUN.
type Kicker interface {
	Kick()
}

// KickFunc adapts a function to Kicker.
type KickFunc func()

func (f KickFunc) Kick() { f() }

// Barrier gates units of work. Participants bracket every unit with Enter
// and Exit; Enter blocks while the state is not Running. Pause returns once
// no participant is inside a unit.
type Barrier struct {
	state atomic.Int32

	mu      sync.Mutex
	cond    *sync.Cond
	active  int
	stopped bool
	kickers []Kicker
}

// NewBarrier returns a barrier in NotStarted.
func NewBarrier() *Barrier {
	b := &Barrier{}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// State returns the current token.
func (b *Barrier) State() RunState { return RunState(b.state.Load()) }

// AddKicker registers a participant that may be blocked outside Enter/Exit
// for an unbounded time.
func (b *Barrier) AddKicker(k Kicker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.kickers = append(b.kickers, k)
}

// Start moves NotStarted or Paused to Running and wakes participants.
func (b *Barrier) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Store(int32(Running))
	b.cond.Broadcast()
}

// Enter blocks until the state is Running, then registers one unit of work.
func (b *Barrier) Enter() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.stopped && b.State() != Running {
		b.cond.Wait()
	}

	if b.stopped {
		return ErrStopped
	}

	b.active++

	return nil
}

// Exit ends a unit of work started by Enter.
func (b *Barrier) Exit() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active--
	if b.active == 0 {
		b.cond.Broadcast()
	}
}

// ShouldPause is polled by long-running units to end early.
func (b *Barrier) ShouldPause() bool { return b.State() != Running }

// Pause flips the token, kicks blocked participants and waits until every
// unit in flight has exited. When ctx ends first the token is flipped back
// to Running and ctx's error is returned.
func (b *Barrier) Pause(ctx context.Context) error {
	b.mu.Lock()

	if b.State() == Paused {
		b.mu.Unlock()

		return nil
	}

	b.state.Store(int32(Paused))
	kickers := append([]Kicker(nil), b.kickers...)
	b.mu.Unlock()

	for _, k := range kickers {
		k.Kick()
	}

	done := make(chan bool, 1)

	// The waiter gives up as soon as the token leaves Paused, so a unit that
	// never exits does not pin it after a timeout.
	go func() {
		b.mu.Lock()
		for b.active > 0 && !b.stopped && b.State() == Paused {
			b.cond.Wait()
		}
		quiet := b.State() == Paused || b.stopped
		b.mu.Unlock()
		done <- quiet
	}()

	select {
	case quiet := <-done:
		if !quiet {
			return ErrResumed
		}

		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.state.Store(int32(Running))
		b.cond.Broadcast()
		b.mu.Unlock()

		return fmt.Errorf("pause: %w", ctx.Err())
	}
}

// Resume flips the token back to Running.
func (b *Barrier) Resume() { b.Start() }

// Stop releases every waiter for good. Enter returns ErrStopped afterwards.
func (b *Barrier) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	b.cond.Broadcast()
}

// Active is the number of units in flight.
func (b *Barrier) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active
}
