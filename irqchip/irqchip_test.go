package irqchip_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

func TestClaimAndAllocate(t *testing.T) {
	t.Parallel()

	c := irqchip.New()

	l, err := c.Claim(4, "serial")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), l.GSI())
	assert.Equal(t, "serial", c.Owner(4))

	_, err = c.Claim(4, "other")
	assert.ErrorIs(t, err, irqchip.ErrLineTaken)

	_, err = c.Claim(irqchip.NumPins, "x")
	assert.ErrorIs(t, err, irqchip.ErrBadLine)

	a, err := c.Allocate(4, "blk")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), a.GSI())

	for i := 0; i < irqchip.NumPins; i++ {
		_, _ = c.Allocate(0, "fill")
	}

	_, err = c.Allocate(0, "late")
	assert.ErrorIs(t, err, irqchip.ErrNoLine)
}

func TestLineLevels(t *testing.T) {
	t.Parallel()

	c := irqchip.New()
	l, err := c.Claim(10, "blk")
	require.NoError(t, err)

	l.Set(true)
	assert.True(t, c.Level(10))
	assert.Equal(t, uint8(1<<2), c.PIC(1).IRR)

	l.Set(true)
	assert.Equal(t, uint64(1), c.Raised(10), "level held high is one edge")

	l.Set(false)
	assert.False(t, c.Level(10))

	l.Pulse()
	assert.Equal(t, uint64(2), c.Raised(10))
}

func TestSaveRestore(t *testing.T) {
	t.Parallel()

	c := irqchip.New()
	require.NoError(t, c.SetRedirect(4, 0x24))
	c.SetPIC(0, irqchip.PIC{IRR: 1, IMR: 0xfb, ISR: 2, Base: 0x30, ELCR: 0x0c})

	l, err := c.Claim(9, "net")
	require.NoError(t, err)
	l.Set(true)

	en, err := persist.SaveEntry(c, version.Current)
	require.NoError(t, err)

	d, err := en.Decoder(version.Current)
	require.NoError(t, err)

	got, err := irqchip.Restore(d)
	require.NoError(t, err)

	assert.Equal(t, c.PIC(0), got.PIC(0))
	assert.Equal(t, c.PIC(1), got.PIC(1))
	assert.Equal(t, uint64(0x24), got.Redirect(4))
	assert.Equal(t, uint64(1<<16), got.Redirect(5))
	assert.True(t, got.Level(9))
	assert.Empty(t, got.Owner(9), "ownership is rebuilt by the devices")
}

func TestRestoreRejectsTruncatedState(t *testing.T) {
	t.Parallel()

	e := persist.NewEncoder(version.Current)
	e.PutUint(2, 0)

	d, err := persist.NewDecoder(e.Data(), version.Current)
	require.NoError(t, err)

	_, err = irqchip.Restore(d)
	assert.ErrorIs(t, err, persist.ErrDeserialization)
}
