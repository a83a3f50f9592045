package vcpu

// Register layouts follow struct kvm_regs / kvm_sregs so a KVM backed Runner
// can copy them straight through.

const (
	CR0xPE  = 1
	CR0xPG  = 1 << 31
	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	// LAPICSize is the size of the local APIC register page KVM exposes.
	LAPICSize = 1024

	// MPStateRunnable and friends are KVM_MP_STATE_* values.
	MPStateRunnable      = 0
	MPStateUninitialized = 1
	MPStateHalted        = 3
)

// Regs are the general purpose registers.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

func (r *Regs) fields() []*uint64 {
	return []*uint64{
		&r.RAX, &r.RBX, &r.RCX, &r.RDX,
		&r.RSI, &r.RDI, &r.RSP, &r.RBP,
		&r.R8, &r.R9, &r.R10, &r.R11,
		&r.R12, &r.R13, &r.R14, &r.R15,
		&r.RIP, &r.RFLAGS,
	}
}

// Segment is a segment register including its hidden descriptor cache.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// DTable is a descriptor table register (GDTR, IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
}

// Sregs are the segment and control registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	APICBase               uint64
	InterruptBitmap        [4]uint64
}

func (s *Sregs) segments() []*Segment {
	return []*Segment{&s.CS, &s.DS, &s.ES, &s.FS, &s.GS, &s.SS, &s.TR, &s.LDT}
}

// Mode is the decoder width implied by CS and EFER: 16, 32 or 64.
func (s Sregs) Mode() int {
	switch {
	case s.EFER&EFERxLMA != 0 && s.CS.L == 1:
		return 64
	case s.CR0&CR0xPE != 0 && s.CS.DB == 1:
		return 32
	default:
		return 16
	}
}

// MSR is one model specific register.
type MSR struct {
	Index uint32
	Data  uint64
}

// State is the full architectural state of one vCPU.
type State struct {
	Regs    Regs
	Sregs   Sregs
	MSRs    []MSR
	LAPIC   []byte
	MPState uint32
	// Events holds pending exceptions and interrupts as raw
	// struct kvm_vcpu_events bytes.
	Events []byte
}

// BootState returns flat 32-bit protected mode with RIP at entry, the same
// entry conditions the Linux boot protocol gives the kernel.
func BootState(entry, bootParams uint64) State {
	flat := Segment{Limit: 0xffffffff, G: 1, Present: 1, S: 1, Type: 3}
	code := flat
	code.Type, code.DB, code.Selector = 11, 1, 0x10

	data := flat
	data.DB, data.Selector = 1, 0x18

	st := State{
		Regs: Regs{RIP: entry, RSI: bootParams, RFLAGS: 2},
		Sregs: Sregs{
			CS: code, DS: data, ES: data, FS: data, GS: data, SS: data,
			TR:       Segment{Type: 11, Present: 1, Limit: 0xffff},
			LDT:      Segment{Type: 2, Present: 1, Limit: 0xffff},
			CR0:      CR0xPE,
			APICBase: 0xfee00900,
		},
		LAPIC:   make([]byte, LAPICSize),
		MPState: MPStateRunnable,
	}

	return st
}

func (s State) clone() State {
	c := s
	c.MSRs = append([]MSR(nil), s.MSRs...)
	c.LAPIC = append([]byte(nil), s.LAPIC...)
	c.Events = append([]byte(nil), s.Events...)

	return c
}
