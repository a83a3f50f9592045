package serial_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/serial"
	"github.com/bobuhiro11/gosnap/version"
)

func newSerial(t *testing.T) (*serial.Serial, *irqchip.Chip, *bytes.Buffer) {
	t.Helper()

	chip := irqchip.New()
	line, err := chip.Claim(serial.COM1IRQ, "com1")
	require.NoError(t, err)

	var out bytes.Buffer

	return serial.New(line, &out), chip, &out
}

func out(t *testing.T, s *serial.Serial, reg int, v byte) {
	t.Helper()
	require.NoError(t, s.Out(uint64(serial.COM1Addr+reg), []byte{v}))
}

func in(t *testing.T, s *serial.Serial, reg int) byte {
	t.Helper()

	b := []byte{0}
	require.NoError(t, s.In(uint64(serial.COM1Addr+reg), b))

	return b[0]
}

func TestAllPorts(t *testing.T) {
	t.Parallel()

	s, _, _ := newSerial(t)

	for i := 0; i < serial.PortSize; i++ {
		in(t, s, i)
		out(t, s, i, 0)
	}
}

func TestDivisorLatch(t *testing.T) {
	t.Parallel()

	s, _, _ := newSerial(t)
	out(t, s, 3, 0x80)
	assert.Equal(t, byte(serial.DefaultDivisor), in(t, s, 0))

	out(t, s, 0, 0x01)
	out(t, s, 1, 0x02)
	assert.Equal(t, uint16(0x0201), s.Divisor)
	assert.Equal(t, byte(0x02), in(t, s, 1))

	out(t, s, 3, 0x03)
	assert.Equal(t, byte(0), in(t, s, 1), "IER once DLAB is clear")
}

func TestTransmitAndReceive(t *testing.T) {
	t.Parallel()

	s, chip, console := newSerial(t)

	for _, c := range []byte("ok\n") {
		out(t, s, 0, c)
	}

	assert.Equal(t, "ok\n", console.String())

	out(t, s, 1, 0x01) // RDI
	assert.False(t, chip.Level(serial.COM1IRQ))

	assert.Equal(t, 2, s.Input([]byte("hi")))
	assert.True(t, chip.Level(serial.COM1IRQ))
	assert.Equal(t, byte(0x01), in(t, s, 5)&0x01)

	assert.Equal(t, byte('h'), in(t, s, 0))
	assert.Equal(t, byte('i'), in(t, s, 0))
	assert.False(t, chip.Level(serial.COM1IRQ))
	assert.Zero(t, in(t, s, 5)&0x01)
}

func TestSaveRestoreAcrossFormats(t *testing.T) {
	t.Parallel()

	for _, f := range []version.Format{version.FormatBalloon, version.FormatDeviceOptions, version.FormatSerialDivisor} {
		f := f
		t.Run(f.String(), func(t *testing.T) {
			t.Parallel()

			s, _, _ := newSerial(t)
			out(t, s, 3, 0x80)
			out(t, s, 0, 0x34)
			out(t, s, 1, 0x12)
			out(t, s, 3, 0x03)
			out(t, s, 7, 0x5a)
			s.Input([]byte("q"))

			en, err := persist.SaveEntry(s, f)
			require.NoError(t, err)

			raw, err := persist.NewDecoder(en.Payload, f)
			require.NoError(t, err)
			assert.Equal(t, f >= version.FormatSerialDivisor, raw.Has(10))
			assert.Equal(t, f < version.FormatSerialDivisor, raw.Has(8))

			chip := irqchip.New()
			got, err := serial.Restore(raw, chip, nil)
			require.NoError(t, err)

			assert.Equal(t, uint16(0x1234), got.Divisor)
			assert.Equal(t, s.LCR, got.LCR)
			assert.Equal(t, s.SCR, got.SCR)
			assert.Equal(t, "com1", chip.Owner(serial.COM1IRQ))
			assert.Equal(t, byte('q'), in(t, got, 0))
		})
	}
}

func TestRestoreLineConflict(t *testing.T) {
	t.Parallel()

	s, _, _ := newSerial(t)
	en, err := persist.SaveEntry(s, version.Current)
	require.NoError(t, err)

	chip := irqchip.New()
	_, err = chip.Claim(serial.COM1IRQ, "someone")
	require.NoError(t, err)

	d, err := en.Decoder(version.Current)
	require.NoError(t, err)

	_, err = serial.Restore(d, chip, nil)
	assert.ErrorIs(t, err, irqchip.ErrLineTaken)
}
