// Package serial is a 16550A UART on COM1. Only what a guest console needs
// is emulated, but every register is kept so the port survives a snapshot.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	PortSize = 8

	// 115200 / 9600.
	DefaultDivisor = 0x0c

	lcrDLAB = 0x80

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x20
	lsrIdle      = 0x40

	iirNoInt = 0x01
	iirTHRI  = 0x02
	iirRDI   = 0x04

	ierRDI  = 0x01
	ierTHRI = 0x02

	rxCap = 64
)

var log = logrus.WithField("subsystem", "serial") //nolint:gochecknoglobals

// Serial is one UART.
type Serial struct {
	mu sync.Mutex

	IER     byte
	IIR     byte
	LCR     byte
	MCR     byte
	LSR     byte
	MSR     byte
	SCR     byte
	Divisor uint16

	rx  []byte
	out io.Writer
	irq *irqchip.Line
}

var _ persist.Device = (*Serial)(nil)

// New returns a UART in its reset state writing guest output to out.
func New(irq *irqchip.Line, out io.Writer) *Serial {
	return &Serial{
		IIR:     iirNoInt,
		LSR:     lsrTHREmpty | lsrIdle,
		Divisor: DefaultDivisor,
		out:     out,
		irq:     irq,
	}
}

// SetOutput redirects guest output.
func (s *Serial) SetOutput(out io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out = out
}

// IRQ returns the line the UART raises.
func (s *Serial) IRQ() *irqchip.Line { return s.irq }

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// Input queues bytes on the receive side. Bytes beyond the FIFO are dropped.
func (s *Serial) Input(b []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(b)
	if room := rxCap - len(s.rx); n > room {
		n = room
	}

	s.rx = append(s.rx, b[:n]...)

	if len(s.rx) > 0 {
		s.LSR |= lsrDataReady
		s.update()
	}

	return n
}

// update recomputes IIR and the line level. Caller holds mu.
func (s *Serial) update() {
	switch {
	case s.IER&ierRDI != 0 && s.LSR&lsrDataReady != 0:
		s.IIR = iirRDI
	case s.IER&ierTHRI != 0 && s.LSR&lsrTHREmpty != 0:
		s.IIR = iirTHRI
	default:
		s.IIR = iirNoInt
	}

	if s.irq != nil {
		s.irq.Set(s.IIR != iirNoInt)
	}
}

// In handles a guest read from the port range.
func (s *Serial) In(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		if len(s.rx) > 0 {
			values[0] = s.rx[0]
			s.rx = s.rx[1:]
		}

		if len(s.rx) == 0 {
			s.LSR &^= lsrDataReady
		}

		s.update()
	case port == 0 && s.dlab():
		values[0] = byte(s.Divisor)
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		values[0] = byte(s.Divisor >> 8)
	case port == 2:
		values[0] = s.IIR
		// Reading IIR acknowledges a THR empty interrupt.
		if s.IIR == iirTHRI {
			s.IIR = iirNoInt
			if s.irq != nil {
				s.irq.Set(false)
			}
		}
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		values[0] = s.LSR
	case port == 6:
		values[0] = s.MSR
	case port == 7:
		values[0] = s.SCR
	}

	return nil
}

// Out handles a guest write to the port range.
func (s *Serial) Out(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		if s.out != nil {
			if _, err := s.out.Write(values[:1]); err != nil {
				log.WithError(err).Warn("console write failed")
			}
		}

		s.update()
	case port == 0 && s.dlab():
		s.Divisor = s.Divisor&0xff00 | uint16(values[0])
	case port == 1 && !s.dlab():
		s.IER = values[0] & 0x0f
		s.update()
	case port == 1 && s.dlab():
		s.Divisor = s.Divisor&0x00ff | uint16(values[0])<<8
	case port == 2:
		// FCR, FIFOs are always on.
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0] & 0x1f
	case port == 7:
		s.SCR = values[0]
	default:
		log.WithField("port", port).Debug("write to read-only register")
	}

	return nil
}

func (s *Serial) Tag() persist.Tag { return persist.TagSerial }
func (s *Serial) ID() string       { return "com1" }

const (
	fieldIER     = 1
	fieldIIR     = 2
	fieldLCR     = 3
	fieldMCR     = 4
	fieldLSR     = 5
	fieldMSR     = 6
	fieldSCR     = 7
	fieldDLL     = 8 // formats before FormatSerialDivisor
	fieldDLM     = 9 // formats before FormatSerialDivisor
	fieldDivisor = 10
	fieldRX      = 11
	fieldGSI     = 12
)

// Save writes the register file. Before FormatSerialDivisor the divisor
// latch is stored as its two byte registers.
func (s *Serial) Save(e *persist.Encoder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range []struct {
		num int
		v   byte
	}{
		{fieldIER, s.IER}, {fieldIIR, s.IIR}, {fieldLCR, s.LCR}, {fieldMCR, s.MCR},
		{fieldLSR, s.LSR}, {fieldMSR, s.MSR}, {fieldSCR, s.SCR},
	} {
		e.PutUint(protowire.Number(f.num), uint64(f.v))
	}

	if e.Since(version.FormatSerialDivisor) {
		e.PutUint(fieldDivisor, uint64(s.Divisor))
	} else {
		e.PutUint(fieldDLL, uint64(s.Divisor&0xff))
		e.PutUint(fieldDLM, uint64(s.Divisor>>8))
	}

	e.PutBytes(fieldRX, s.rx)

	if s.irq != nil {
		e.PutUint(fieldGSI, uint64(s.irq.GSI()))
	}

	return nil
}

// Restore rebuilds a UART and claims its saved line on chip.
func Restore(d *persist.Decoder, chip *irqchip.Chip, out io.Writer) (*Serial, error) {
	s := New(nil, out)

	for _, f := range []struct {
		num int
		dst *byte
	}{
		{fieldIER, &s.IER}, {fieldIIR, &s.IIR}, {fieldLCR, &s.LCR}, {fieldMCR, &s.MCR},
		{fieldLSR, &s.LSR}, {fieldMSR, &s.MSR}, {fieldSCR, &s.SCR},
	} {
		v, err := d.Uint(protowire.Number(f.num))
		if err != nil {
			return nil, err
		}

		*f.dst = byte(v)
	}

	if d.Since(version.FormatSerialDivisor) {
		v, err := d.Uint(fieldDivisor)
		if err != nil {
			return nil, err
		}

		s.Divisor = uint16(v)
	} else {
		dll, err := d.Uint(fieldDLL)
		if err != nil {
			return nil, err
		}

		dlm, err := d.Uint(fieldDLM)
		if err != nil {
			return nil, err
		}

		s.Divisor = uint16(dlm&0xff)<<8 | uint16(dll&0xff)
	}

	rx, err := d.Bytes(fieldRX)
	if err != nil {
		return nil, err
	}

	s.rx = rx

	if d.Has(fieldGSI) {
		gsi, err := d.Uint(fieldGSI)
		if err != nil {
			return nil, err
		}

		if s.irq, err = chip.Claim(uint32(gsi), s.ID()); err != nil {
			return nil, err
		}
	}

	return s, nil
}
