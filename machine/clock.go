package machine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/gosnap/persist"
)

// KVM_CLOCK_TSC_STABLE.
const clockTSCStable = 2

// Clock is the guest kvmclock. It counts guest nanoseconds while the VM
// runs and stands still while it is paused, so a restored guest sees time
// continue from the instant of the snapshot.
type Clock struct {
	mu      sync.Mutex
	base    uint64
	resumed time.Time // zero while frozen
	flags   uint32
}

var _ persist.Device = (*Clock)(nil)

// NewClock returns a frozen clock at zero.
func NewClock() *Clock { return &Clock{flags: clockTSCStable} }

// Nanoseconds is the current guest time.
func (c *Clock) Nanoseconds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now()
}

func (c *Clock) now() uint64 {
	if c.resumed.IsZero() {
		return c.base
	}

	return c.base + uint64(time.Since(c.resumed))
}

// Running reports whether guest time advances.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.resumed.IsZero()
}

// Freeze stops guest time.
func (c *Clock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.base = c.now()
	c.resumed = time.Time{}
}

// Thaw lets guest time advance again.
func (c *Clock) Thaw() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resumed.IsZero() {
		c.resumed = time.Now()
	}
}

func (c *Clock) Tag() persist.Tag { return persist.TagClock }
func (c *Clock) ID() string       { return "kvmclock" }

const (
	clockFieldNS    = 1
	clockFieldFlags = 2
)

func (c *Clock) Save(e *persist.Encoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.PutUint(clockFieldNS, c.now())
	e.PutUint(clockFieldFlags, uint64(c.flags))

	return nil
}

// RestoreClock returns a frozen clock at the saved time.
func RestoreClock(d *persist.Decoder) (*Clock, error) {
	ns, err := d.Uint(clockFieldNS)
	if err != nil {
		return nil, err
	}

	flags, err := d.UintOr(clockFieldFlags, clockTSCStable)
	if err != nil {
		return nil, err
	}

	if flags > 0xffffffff {
		return nil, fmt.Errorf("%w: clock flags %#x", persist.ErrDeserialization, flags)
	}

	return &Clock{base: ns, flags: uint32(flags)}, nil
}

// Guest writes of BootTimerMagic to BootTimerPort mark the end of boot.
const (
	BootTimerPort  = 0x440
	BootTimerMagic = 123
)

// BootTimer measures how long the guest took to boot. It is host side
// instrumentation and never part of a snapshot; a restored machine gets a
// fresh one that never fires.
type BootTimer struct {
	start   time.Time
	elapsed atomic.Int64
}

// NewBootTimer starts timing now.
func NewBootTimer() *BootTimer { return &BootTimer{start: time.Now()} }

// Out handles a guest write to BootTimerPort.
func (t *BootTimer) Out(_ uint64, data []byte) error {
	if len(data) == 0 || data[0] != BootTimerMagic || t.start.IsZero() {
		return nil
	}

	d := time.Since(t.start)
	if t.elapsed.CompareAndSwap(0, int64(d)) {
		log.WithField("boot_time", d.String()).Info("guest booted")
	}

	return nil
}

// Elapsed is the measured boot time, zero until the guest signalled.
func (t *BootTimer) Elapsed() time.Duration { return time.Duration(t.elapsed.Load()) }
