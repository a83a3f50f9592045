package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/gosnap/vcpu"
)

var (
	ErrBadCPU    = errors.New("no such vcpu")
	ErrNotMapped = errors.New("virtual address not mapped")
)

const (
	ptePresent = 1 << 0
	ptePS      = 1 << 7
	pteAddr    = 0x000f_ffff_ffff_f000
)

func (m *Machine) cpu(i int) (*vcpu.VCPU, error) {
	if i < 0 || i >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, i)
	}

	return m.vcpus[i], nil
}

func (m *Machine) readPTE(addr uint64, size int) (uint64, error) {
	var b [8]byte
	if _, err := m.mem.ReadAt(b[:size], int64(addr)); err != nil {
		return 0, fmt.Errorf("page table at %#x: %w", addr, err)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// VtoP translates a linear address through the page tables the vCPU has
// loaded.
func (m *Machine) VtoP(cpu int, vaddr uint64) (uint64, error) {
	c, err := m.cpu(cpu)
	if err != nil {
		return 0, err
	}

	sr := c.State().Sregs

	switch {
	case sr.CR0&vcpu.CR0xPG == 0:
		return vaddr, nil
	case sr.EFER&vcpu.EFERxLMA != 0:
		return m.walk(sr.CR3&pteAddr, vaddr, []uint{39, 30, 21, 12}, 8, 0x1ff)
	case sr.CR4&vcpu.CR4xPAE != 0:
		pdpte, err := m.readPTE(sr.CR3&^0x1f+(vaddr>>30&3)*8, 8)
		if err != nil {
			return 0, err
		}

		if pdpte&ptePresent == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
		}

		return m.walk(pdpte&pteAddr, vaddr, []uint{21, 12}, 8, 0x1ff)
	default:
		return m.walk(sr.CR3&0xffff_f000, vaddr&0xffff_ffff, []uint{22, 12}, 4, 0x3ff)
	}
}

// walk descends one table per shift. A PS entry above the last level maps
// a large page.
func (m *Machine) walk(table, vaddr uint64, shifts []uint, size int, mask uint64) (uint64, error) {
	for i, shift := range shifts {
		e, err := m.readPTE(table+(vaddr>>shift&mask)*uint64(size), size)
		if err != nil {
			return 0, err
		}

		if size == 4 {
			e &= 0xffff_ffff
		}

		if e&ptePresent == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
		}

		last := i == len(shifts)-1
		if last || e&ptePS != 0 {
			off := vaddr & (1<<shift - 1)

			return (e & pteAddr &^ (1<<shift - 1)) | off, nil
		}

		table = e & pteAddr
	}

	return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
}

// ReadBytes reads from the vCPU's virtual address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uint64) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return 0, err
	}

	return m.mem.ReadAt(b, int64(pa))
}

// ReadWord reads a word from the vCPU's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uint64) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteWord writes a word into the vCPU's virtual address space.
func (m *Machine) WriteWord(cpu int, vaddr, word uint64) error {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return err
	}

	_, err = m.mem.WriteAt(binary.LittleEndian.AppendUint64(nil, word), int64(pa))

	return err
}

// Inst decodes the instruction at RIP in the vCPU's current mode and
// returns it with its GNU syntax rendering.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, string, error) {
	c, err := m.cpu(cpu)
	if err != nil {
		return nil, "", err
	}

	st := c.State()
	mode := st.Sregs.Mode()

	pc := st.Regs.RIP
	if mode != 64 {
		pc += st.Sregs.CS.Base
	}

	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, mode)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, st.Regs.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// CPUInfo is what Info reports about one vCPU.
type CPUInfo struct {
	Index   int
	Mode    int
	RIP     uint64
	MPState uint32
	Inst    string
	Err     error
}

// Info summarizes every vCPU, decoding the instruction each one will run
// next.
func (m *Machine) Info() []CPUInfo {
	out := make([]CPUInfo, 0, len(m.vcpus))

	for i, c := range m.vcpus {
		st := c.State()
		ci := CPUInfo{Index: i, Mode: st.Sregs.Mode(), RIP: st.Regs.RIP, MPState: st.MPState}

		if _, s, err := m.Inst(i); err != nil {
			ci.Err = err
		} else {
			ci.Inst = s
		}

		out = append(out, ci)
	}

	return out
}
