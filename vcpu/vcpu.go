// Package vcpu models a virtual CPU: its architectural register file, the
// thread loop that drives guest execution through a Runner, and its entry
// in the device state tree.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/runctl"
)

// Runner executes guest code for one vCPU. Each RunOnce call is one unit of
// work bracketed by the run barrier, and must return promptly once the
// barrier asks to pause. Runners that can block indefinitely, such as a
// KVM_RUN loop, also implement runctl.Kicker.
type Runner interface {
	RunOnce(ctx context.Context, c *VCPU) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c *VCPU) error

func (f RunnerFunc) RunOnce(ctx context.Context, c *VCPU) error { return f(ctx, c) }

// IdleRunner models a halted guest waiting for interrupts: every unit lasts
// one tick or until kicked.
type IdleRunner struct {
	Tick time.Duration
	kick chan struct{}
}

var _ runctl.Kicker = (*IdleRunner)(nil)

// NewIdleRunner returns a runner that wakes every tick.
func NewIdleRunner(tick time.Duration) *IdleRunner {
	return &IdleRunner{Tick: tick, kick: make(chan struct{}, 1)}
}

func (r *IdleRunner) RunOnce(ctx context.Context, _ *VCPU) error {
	t := time.NewTimer(r.Tick)
	defer t.Stop()

	select {
	case <-t.C:
	case <-r.kick:
	case <-ctx.Done():
	}

	return nil
}

// Kick ends the current unit early.
func (r *IdleRunner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// VCPU is one virtual CPU.
type VCPU struct {
	id     int
	mu     sync.Mutex
	state  State
	runner Runner
	units  uint64
}

var _ persist.Device = (*VCPU)(nil)

// New returns a vCPU with the given initial state.
func New(id int, st State, r Runner) *VCPU {
	return &VCPU{id: id, state: st.clone(), runner: r}
}

// Index is the vCPU number.
func (c *VCPU) Index() int { return c.id }

// Runner returns the execution collaborator.
func (c *VCPU) Runner() Runner { return c.runner }

// SetRunner replaces the runner. Only valid while the thread is not running.
func (c *VCPU) SetRunner(r Runner) { c.runner = r }

// State returns a copy of the register file.
func (c *VCPU) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.clone()
}

// Update mutates the register file under the vCPU lock. Runners use it to
// publish the state they leave the guest in.
func (c *VCPU) Update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn(&c.state)
}

// Units is the number of completed units of work.
func (c *VCPU) Units() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.units
}

// Run is the vCPU thread. It returns nil when ctx ends or the barrier stops.
func (c *VCPU) Run(ctx context.Context, b *runctl.Barrier) error {
	// KVM wants vcpu ioctls issued from the thread that created the vcpu.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for ctx.Err() == nil {
		if err := b.Enter(); err != nil {
			if errors.Is(err, runctl.ErrStopped) {
				return nil
			}

			return err
		}

		err := c.runner.RunOnce(ctx, c)

		c.mu.Lock()
		c.units++
		c.mu.Unlock()

		b.Exit()

		if err != nil {
			return fmt.Errorf("vcpu%d: %w", c.id, err)
		}
	}

	return nil
}

func (c *VCPU) Tag() persist.Tag { return persist.TagVCPU }
func (c *VCPU) ID() string       { return strconv.Itoa(c.id) }

const (
	fieldIndex   = 1
	fieldRegs    = 2
	fieldSregs   = 3
	fieldMSR     = 4
	fieldLAPIC   = 5
	fieldMPState = 6
	fieldEvents  = 7

	sregSegment   = 1
	sregGDTBase   = 2
	sregGDTLimit  = 3
	sregIDTBase   = 4
	sregIDTLimit  = 5
	sregCR        = 6 // CR0, CR2, CR3, CR4, CR8 in order
	sregEFER      = 7
	sregAPICBase  = 8
	sregIntBitmap = 9

	segBase     = 1
	segLimit    = 2
	segSelector = 3
	segAttrs    = 4

	msrIndex = 1
	msrData  = 2
)

// segment attribute bytes packed low to high.
func packAttrs(s *Segment) uint64 {
	var v uint64
	for i, a := range []uint8{s.Type, s.Present, s.DPL, s.DB, s.S, s.L, s.G, s.AVL} {
		v |= uint64(a) << (8 * i)
	}

	return v
}

func unpackAttrs(s *Segment, v uint64) {
	for i, a := range []*uint8{&s.Type, &s.Present, &s.DPL, &s.DB, &s.S, &s.L, &s.G, &s.AVL} {
		*a = uint8(v >> (8 * i))
	}
}

// Save writes the register file. Callers pause the vCPU first.
func (c *VCPU) Save(e *persist.Encoder) error {
	st := c.State()

	e.PutUint(fieldIndex, uint64(c.id))

	_ = e.PutMessage(fieldRegs, func(e *persist.Encoder) error {
		for i, r := range st.Regs.fields() {
			e.PutUint(protowire.Number(i+1), *r)
		}

		return nil
	})

	_ = e.PutMessage(fieldSregs, func(e *persist.Encoder) error {
		for _, s := range st.Sregs.segments() {
			s := s
			_ = e.PutMessage(sregSegment, func(e *persist.Encoder) error {
				e.PutUint(segBase, s.Base)
				e.PutUint(segLimit, uint64(s.Limit))
				e.PutUint(segSelector, uint64(s.Selector))
				e.PutUint(segAttrs, packAttrs(s))

				return nil
			})
		}

		sr := &st.Sregs
		e.PutUint(sregGDTBase, sr.GDT.Base)
		e.PutUint(sregGDTLimit, uint64(sr.GDT.Limit))
		e.PutUint(sregIDTBase, sr.IDT.Base)
		e.PutUint(sregIDTLimit, uint64(sr.IDT.Limit))

		for _, cr := range []uint64{sr.CR0, sr.CR2, sr.CR3, sr.CR4, sr.CR8} {
			e.PutUint(sregCR, cr)
		}

		e.PutUint(sregEFER, sr.EFER)
		e.PutUint(sregAPICBase, sr.APICBase)

		for _, w := range sr.InterruptBitmap {
			e.PutUint(sregIntBitmap, w)
		}

		return nil
	})

	for _, m := range st.MSRs {
		m := m
		_ = e.PutMessage(fieldMSR, func(e *persist.Encoder) error {
			e.PutUint(msrIndex, uint64(m.Index))
			e.PutUint(msrData, m.Data)

			return nil
		})
	}

	e.PutBytes(fieldLAPIC, st.LAPIC)
	e.PutUint(fieldMPState, uint64(st.MPState))
	e.PutBytes(fieldEvents, st.Events)

	return nil
}

// Restore rebuilds a vCPU from its entry. The runner is attached later by
// the machine.
func Restore(d *persist.Decoder) (*VCPU, error) {
	idx, err := d.Uint(fieldIndex)
	if err != nil {
		return nil, err
	}

	var st State

	regs, err := d.Message(fieldRegs)
	if err != nil {
		return nil, err
	}

	for i, r := range st.Regs.fields() {
		if *r, err = regs.Uint(protowire.Number(i + 1)); err != nil {
			return nil, err
		}
	}

	if err := restoreSregs(d, &st.Sregs); err != nil {
		return nil, err
	}

	msrs, err := d.Messages(fieldMSR)
	if err != nil {
		return nil, err
	}

	for _, md := range msrs {
		i, err := md.Uint(msrIndex)
		if err != nil {
			return nil, err
		}

		v, err := md.Uint(msrData)
		if err != nil {
			return nil, err
		}

		st.MSRs = append(st.MSRs, MSR{Index: uint32(i), Data: v})
	}

	if st.LAPIC, err = d.Bytes(fieldLAPIC); err != nil {
		return nil, err
	}

	if len(st.LAPIC) != LAPICSize {
		return nil, fmt.Errorf("%w: lapic is %d bytes", persist.ErrDeserialization, len(st.LAPIC))
	}

	mp, err := d.Uint(fieldMPState)
	if err != nil {
		return nil, err
	}

	st.MPState = uint32(mp)

	if st.Events, err = d.Bytes(fieldEvents); err != nil {
		return nil, err
	}

	return &VCPU{id: int(idx), state: st}, nil
}

func restoreSregs(d *persist.Decoder, sr *Sregs) error {
	sd, err := d.Message(fieldSregs)
	if err != nil {
		return err
	}

	segs, err := sd.Messages(sregSegment)
	if err != nil {
		return err
	}

	dst := sr.segments()
	if len(segs) != len(dst) {
		return fmt.Errorf("%w: %d segment registers, want %d", persist.ErrDeserialization, len(segs), len(dst))
	}

	for i, s := range segs {
		seg := dst[i]

		if seg.Base, err = s.Uint(segBase); err != nil {
			return err
		}

		limit, err := s.Uint(segLimit)
		if err != nil {
			return err
		}

		sel, err := s.Uint(segSelector)
		if err != nil {
			return err
		}

		attrs, err := s.Uint(segAttrs)
		if err != nil {
			return err
		}

		seg.Limit, seg.Selector = uint32(limit), uint16(sel)
		unpackAttrs(seg, attrs)
	}

	var gl, il uint64

	for _, f := range []struct {
		num protowire.Number
		dst *uint64
	}{
		{sregGDTBase, &sr.GDT.Base},
		{sregGDTLimit, &gl},
		{sregIDTBase, &sr.IDT.Base},
		{sregIDTLimit, &il},
		{sregEFER, &sr.EFER},
		{sregAPICBase, &sr.APICBase},
	} {
		if *f.dst, err = sd.Uint(f.num); err != nil {
			return err
		}
	}

	sr.GDT.Limit, sr.IDT.Limit = uint16(gl), uint16(il)

	crs, err := sd.Uints(sregCR)
	if err != nil {
		return err
	}

	if len(crs) != 5 {
		return fmt.Errorf("%w: %d control registers", persist.ErrDeserialization, len(crs))
	}

	sr.CR0, sr.CR2, sr.CR3, sr.CR4, sr.CR8 = crs[0], crs[1], crs[2], crs[3], crs[4]

	bm, err := sd.Uints(sregIntBitmap)
	if err != nil {
		return err
	}

	copy(sr.InterruptBitmap[:], bm)

	return nil
}
