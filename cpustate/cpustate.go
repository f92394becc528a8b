// Package cpustate implements the CpuState module of spec §4.3: the
// per-vCPU register file and its mode-derivation functions, plus FPU
// lazy save/restore. cpu_mode/addr_width are grounded on
// original_source/palacios/src/palacios/vm.c's v3_get_vm_cpu_mode and
// v3_get_addr_width; FPU lazy save is grounded on vmm_ctrl_regs.c's
// handle_clts (v3_fpu_activate) and vmm_fpu.h.
package cpustate

import "vmmcore/ctrlregs"

// Mode is the guest CPU execution mode, spec §4.3's cpu_mode result.
type Mode int

const (
	Real Mode = iota
	Protected
	ProtectedPae
	Long
	Long32Compat
	Long16Compat
)

func (m Mode) String() string {
	switch m {
	case Real:
		return "Real"
	case Protected:
		return "Protected"
	case ProtectedPae:
		return "Protected+PAE"
	case Long:
		return "Long"
	case Long32Compat:
		return "32bit Compat"
	case Long16Compat:
		return "16bit Compat"
	default:
		return "Unknown"
	}
}

// MemMode mirrors ctrlregs.MemMode so callers that only import
// cpustate don't need to import ctrlregs directly.
type MemMode = ctrlregs.MemMode

const (
	Physical = ctrlregs.MemPhysical
	Virtual  = ctrlregs.MemVirtual
)

// Segment is one of the six segment descriptors plus GDTR/IDTR/LDTR/TR
// carry the fields spec §3 names; LongMode marks CS.L for long-mode
// detection.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	LongMode bool // CS.L, only meaningful for the CS segment
}

// FPUState is the lazily-saved FPU/SSE architectural buffer, sized for
// FXSAVE/FXRSTOR (512 bytes) the way vmm_fpu.h's v3_fpu_state does.
type FPUState struct {
	ArchBuffer [512]byte
	Activated  bool
}

// MSRShadow holds the hooked MSRs named in spec §3: STAR/LSTAR/SFMASK/
// KERNEL_GS_BASE/SYSENTER_*/PAT, plus FS_BASE/GS_BASE.
type MSRShadow struct {
	Star         uint64
	Lstar        uint64
	Sfmask       uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	PAT          uint64
	FSBase       uint64
	GSBase       uint64
}

// Regs is the integer general-purpose register file.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// State is the per-vCPU CpuState: register file, segments, control
// registers (owned by ctrlregs.State and embedded here), MSR shadow,
// and FPU state.
type State struct {
	Regs     Regs
	Segments struct {
		CS, DS, ES, FS, GS, SS Segment
		TR, LDTR               Segment
		GDTBase, IDTBase       uint64
		GDTLimit, IDTLimit     uint16
	}
	CtrlRegs *ctrlregs.State
	MSRs     MSRShadow
	FPU      FPUState

	// hostFPUSave stores the host's FPU arch state across a guest FPU
	// activation window; restored by Deactivate.
	hostFPUSave [512]byte
}

// NewState builds a CpuState wired to the given ctrlregs.State (the
// two are constructed together since mode derivation reads control
// registers and segment state together).
func NewState(ctrl *ctrlregs.State) *State {
	return &State{CtrlRegs: ctrl}
}

// CPUMode implements spec §4.3's cpu_mode(vcpu) derivation: from
// cr0.pe, cr4.pae, efer.lme, and cs.long_mode.
func (s *State) CPUMode() Mode {
	cr0 := s.CtrlRegs.GuestCR0
	cr4 := s.CtrlRegs.GuestCR4
	efer := s.CtrlRegs.GuestEFER
	cs := s.Segments.CS

	pe := cr0&ctrlregs.CR0PE != 0
	pae := cr4&ctrlregs.CR4PAE != 0
	lme := efer&ctrlregs.EFERLME != 0

	switch {
	case !pe:
		return Real
	case !pae && !lme:
		return Protected
	case !lme:
		return ProtectedPae
	case lme && cs.LongMode:
		return Long
	default:
		return Long32Compat
	}
}

// MemMode implements spec §4.3's mem_mode(vcpu) derivation: from
// cr0.pg.
func (s *State) MemMode() MemMode {
	return s.CtrlRegs.MemMode()
}

// AddrWidth implements spec §4.3's addr_width(vcpu), in bytes,
// grounded on v3_get_addr_width's REAL->2, PROTECTED/PROTECTED_PAE->4,
// LONG->8, LONG_32_COMPAT->4 table.
func (s *State) AddrWidth() int {
	switch s.CPUMode() {
	case Real:
		return 2
	case Long:
		return 8
	default:
		return 4
	}
}

// FPUDeps are the host-side primitives the FPU lazy-save path needs;
// core_engine supplies them from the hypervisor package (saving/
// restoring the real host FPU registers is architecture-specific and
// out of PageTables/CtrlRegs/CpuState's own scope).
type FPUDeps struct {
	SaveHostFPU    func(dst *[512]byte)
	RestoreHostFPU func(src *[512]byte)
	ClearHWTS      func() // clears hardware CR0.TS so the guest stops trapping
	SetHWTS        func() // sets hardware CR0.TS so the next FPU use traps
}

// Activate implements spec §4.3's fpu_activate: invoked on the #NM
// VM-exit caused by the first guest FPU use after entry set hardware
// CR0.TS. Saves the host FPU state, restores the guest's arch buffer,
// clears hardware CR0.TS, and marks the vCPU fpu_activated.
func (s *State) Activate(deps FPUDeps) {
	if s.FPU.Activated {
		return
	}
	if deps.SaveHostFPU != nil {
		deps.SaveHostFPU(&s.hostFPUSave)
	}
	if deps.RestoreHostFPU != nil {
		deps.RestoreHostFPU(&s.FPU.ArchBuffer)
	}
	if deps.ClearHWTS != nil {
		deps.ClearHWTS()
	}
	s.FPU.Activated = true
}

// Deactivate is fpu_activate's converse: saves the guest's FPU arch
// buffer, restores the host's, and re-arms hardware CR0.TS so the next
// guest FPU access traps again (used on vCPU descheduling so the FPU
// doesn't have to be saved/restored on every VM-exit).
func (s *State) Deactivate(deps FPUDeps) {
	if !s.FPU.Activated {
		return
	}
	if deps.SaveHostFPU != nil {
		deps.SaveHostFPU(&s.FPU.ArchBuffer)
	}
	if deps.RestoreHostFPU != nil {
		deps.RestoreHostFPU(&s.hostFPUSave)
	}
	if deps.SetHWTS != nil {
		deps.SetHWTS()
	}
	s.FPU.Activated = false
}

// Checkpoint is the per-vCPU CPU chkpt record spec §6 "Persisted
// state" names: everything needed to resume a vCPU bit-for-bit,
// shaped after Palacios's struct guest_cpu_chkpt implied by
// vmm_ctrl_regs.c/vmm_fpu.h.
type Checkpoint struct {
	Regs      Regs
	GuestCR0  uint64
	GuestCR3  uint64
	GuestCR4  uint64
	GuestEFER uint64
	MSRs      MSRShadow
	FPU       FPUState
}

// Checkpoint snapshots this vCPU's architectural state.
func (s *State) Checkpoint() Checkpoint {
	return Checkpoint{
		Regs:      s.Regs,
		GuestCR0:  s.CtrlRegs.GuestCR0,
		GuestCR3:  s.CtrlRegs.GuestCR3,
		GuestCR4:  s.CtrlRegs.GuestCR4,
		GuestEFER: s.CtrlRegs.GuestEFER,
		MSRs:      s.MSRs,
		FPU:       s.FPU,
	}
}

// Restore replaces this vCPU's architectural state with a prior
// Checkpoint. The caller is responsible for re-establishing the
// correct paging mode/tree afterward (ctrlregs.State.WriteCR0/CR3/CR4
// with the restored values does that).
func (s *State) Restore(c Checkpoint) {
	s.Regs = c.Regs
	s.CtrlRegs.GuestCR0 = c.GuestCR0
	s.CtrlRegs.GuestCR3 = c.GuestCR3
	s.CtrlRegs.GuestCR4 = c.GuestCR4
	s.CtrlRegs.GuestEFER = c.GuestEFER
	s.MSRs = c.MSRs
	s.FPU = c.FPU
}
