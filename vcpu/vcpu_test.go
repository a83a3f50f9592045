package vcpu_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/runctl"
	"github.com/bobuhiro11/gosnap/vcpu"
	"github.com/bobuhiro11/gosnap/version"
)

func sampleState() vcpu.State {
	st := vcpu.BootState(0x100000, 0x10000)
	st.Regs.RAX = 0xcafebabe
	st.Regs.R15 = 15
	st.Sregs.CR3 = 0x30000
	st.Sregs.EFER = vcpu.EFERxLME | vcpu.EFERxLMA
	st.Sregs.CS.L = 1
	st.Sregs.GDT = vcpu.DTable{Base: 0x500, Limit: 0x27}
	st.Sregs.InterruptBitmap[2] = 1 << 7
	st.MSRs = []vcpu.MSR{{Index: 0x10, Data: 12345}, {Index: 0xc0000080, Data: 0x500}}
	st.LAPIC[0x20] = 0x1
	st.Events = []byte{1, 2, 3}

	return st
}

func TestSaveRestore(t *testing.T) {
	t.Parallel()

	c := vcpu.New(3, sampleState(), nil)

	en, err := persist.SaveEntry(c, version.Current)
	require.NoError(t, err)
	assert.Equal(t, persist.TagVCPU, en.Tag)
	assert.Equal(t, "3", en.ID)

	d, err := en.Decoder(version.Current)
	require.NoError(t, err)

	got, err := vcpu.Restore(d)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index())
	assert.Equal(t, c.State(), got.State())
	assert.Equal(t, 64, got.State().Sregs.Mode())
}

func TestRestoreRejectsShortLAPIC(t *testing.T) {
	t.Parallel()

	st := sampleState()
	st.LAPIC = st.LAPIC[:10]

	en, err := persist.SaveEntry(vcpu.New(0, st, nil), version.Current)
	require.NoError(t, err)

	d, err := en.Decoder(version.Current)
	require.NoError(t, err)

	_, err = vcpu.Restore(d)
	assert.ErrorIs(t, err, persist.ErrDeserialization)
}

func TestMode(t *testing.T) {
	t.Parallel()

	st := vcpu.BootState(0, 0)
	assert.Equal(t, 32, st.Sregs.Mode())

	st.Sregs.CR0 = 0
	assert.Equal(t, 16, st.Sregs.Mode())
}

func TestRunStopsAtBarrier(t *testing.T) {
	t.Parallel()

	b := runctl.NewBarrier()
	runner := vcpu.NewIdleRunner(time.Millisecond)
	b.AddKicker(runner)

	c := vcpu.New(0, vcpu.BootState(0, 0), runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- c.Run(ctx, b) }()

	b.Start()

	require.Eventually(t, func() bool { return c.Units() > 2 }, time.Second, time.Millisecond)

	require.NoError(t, b.Pause(context.Background()))

	units := c.Units()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, units, c.Units(), "no unit may run while paused")

	b.Resume()
	require.Eventually(t, func() bool { return c.Units() > units }, time.Second, time.Millisecond)

	b.Stop()
	cancel()
	require.NoError(t, <-done)
}

func TestRunReturnsRunnerError(t *testing.T) {
	t.Parallel()

	errGuest := errors.New("triple fault")
	b := runctl.NewBarrier()
	b.Start()

	c := vcpu.New(1, vcpu.BootState(0, 0), vcpu.RunnerFunc(func(context.Context, *vcpu.VCPU) error {
		return errGuest
	}))

	err := c.Run(context.Background(), b)
	assert.ErrorIs(t, err, errGuest)
	assert.Zero(t, b.Active())
}
