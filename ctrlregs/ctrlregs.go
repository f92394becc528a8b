// Package ctrlregs implements the CR0/CR3/CR4/EFER and hooked-MSR
// interception handlers of spec §4.4, driving CpuState mode
// transitions into the paging engine. Semantics are grounded on
// original_source/palacios/src/palacios/vmm_ctrl_regs.c
// (handle_mov_to_cr0, v3_handle_cr3_write, v3_handle_cr4_write,
// v3_handle_efer_write, v3_handle_vm_cr_read/write).
package ctrlregs

import (
	"errors"
	"fmt"
)

// CR0 bit positions (Intel/AMD SDM layout, matching Palacios's
// struct cr0_32 bitfield order).
const (
	CR0PE uint64 = 1 << 0 // protection enable
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3 // task switched, gates FPU lazy save
	CR0ET uint64 = 1 << 4 // extension type, always forced to 1
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16 // write protect
	CR0PG uint64 = 1 << 31 // paging enable
)

// CR4 bit positions relevant to mode derivation and TLB-flush
// detection.
const (
	CR4PSE uint64 = 1 << 4
	CR4PAE uint64 = 1 << 5
	CR4PGE uint64 = 1 << 7
)

// EFER bit positions.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8  // long mode enable
	EFERLMA uint64 = 1 << 10 // long mode active
	EFERNXE uint64 = 1 << 11
)

// VM_CR (SVM) MSR bits reported by the VM_CR read handler, per
// vmm_ctrl_regs.c's v3_handle_vm_cr_read / SVM_VM_CR_MSR_lock /
// SVM_VM_CR_MSR_svmdis.
const (
	VMCRLock   uint64 = 1 << 3
	VMCRSvmDis uint64 = 1 << 4
)

// PagingMode matches paging.PagingMode without importing the paging
// package (ctrlregs is a pure decision layer; core_engine wires its
// decisions into the paging.Engine it owns).
type PagingMode int

const (
	PagingShadow PagingMode = iota
	PagingNested
)

// MemMode is spec §4.3's mem_mode derivation: whether the guest has
// paging enabled.
type MemMode int

const (
	MemPhysical MemMode = iota
	MemVirtual
)

var (
	// ErrPAEDisableInLongMode is the #GP-worthy error for writing
	// CR4.PAE=0 while in long mode (vmm_ctrl_regs.c's
	// v3_handle_cr4_write: "Cannot disable PAE in long mode").
	ErrPAEDisableInLongMode = errors.New("ctrlregs: CR4.PAE cannot be cleared in long mode")
	// ErrPAEToProtectedUnsupported mirrors "Switching From PAE to
	// Protected mode not supported" in the same handler.
	ErrPAEToProtectedUnsupported = errors.New("ctrlregs: PAE-to-protected-mode transition is not supported")
	// ErrLongModeDisableUnsupported is EFER.LME clear-after-set, which
	// v3_handle_efer_write refuses.
	ErrLongModeDisableUnsupported = errors.New("ctrlregs: disabling long mode once enabled is not supported")
	// ErrVMCRUnsupportedBits is returned when a VM_CR write sets any
	// bit besides LOCK/SVMDIS.
	ErrVMCRUnsupportedBits = errors.New("ctrlregs: VM_CR write sets unsupported bits")
)

// ActivateShadowPT and ActivatePassthroughPT are supplied by
// core_engine: they rebuild/re-root the corresponding paging.Engine
// tree. Kept as narrow function types rather than an interface import
// of paging to avoid a dependency from ctrlregs back into paging;
// core_engine wires both sides together.
type (
	ActivateShadowPT      func() error
	ActivatePassthroughPT func() error
	ResetPassthroughPAEPT func() error
)

// State holds the guest-visible and hardware-visible control register
// shadow copies for one vCPu, plus the collaborators needed to react
// to a mode transition. One State per Vcpu.
type State struct {
	GuestCR0 uint64
	GuestCR3 uint64
	GuestCR4 uint64
	GuestEFER uint64

	// HWCR0/HWCR4/HWEFER are the values actually loaded into the
	// hardware-visible control block (the kvm_sregs CR0/CR4/EFER
	// fields); under shadow paging these diverge from the Guest*
	// copies per the forcing rules below.
	HWCR0  uint64
	HWCR4  uint64
	HWEFER uint64

	PagingMode PagingMode

	activateShadow      ActivateShadowPT
	activatePassthrough ActivatePassthroughPT
	resetPassthroughPAE ResetPassthroughPAEPT
}

// NewState builds a ctrlregs State wired to the paging collaborators
// core_engine supplies.
func NewState(mode PagingMode, activateShadow ActivateShadowPT, activatePassthrough ActivatePassthroughPT, resetPassthroughPAE ResetPassthroughPAEPT) *State {
	return &State{
		GuestCR0:            CR0ET,
		PagingMode:          mode,
		activateShadow:      activateShadow,
		activatePassthrough: activatePassthrough,
		resetPassthroughPAE: resetPassthroughPAE,
	}
}

// MemMode derives spec §4.3's mem_mode from guest CR0.PG.
func (s *State) MemMode() MemMode {
	if s.GuestCR0&CR0PG != 0 {
		return MemVirtual
	}
	return MemPhysical
}

// WriteCR0 implements the §4.4 "CR0 write semantics (shadow paging)"
// procedure: the guest-visible copy stores the written value exactly
// (ET forced to 1); the hardware-visible copy mirrors it but forces
// PG=1 always and WP=1 when the guest disabled paging, so hook-region
// writes still trap. A PG toggle is a paging transition: EFER.LMA is
// raised when LME was set, then the paging engine is rebuilt or
// activated based on the new mem_mode.
func (s *State) WriteCR0(newCR0 uint64) error {
	pagingTransition := (s.GuestCR0 & CR0PG) != (newCR0 & CR0PG)

	s.GuestCR0 = newCR0 | CR0ET
	s.HWCR0 = s.GuestCR0

	if s.PagingMode == PagingShadow {
		s.HWCR0 |= CR0PG
		if s.GuestCR0&CR0PG == 0 {
			s.HWCR0 |= CR0WP
		}
	}

	if !pagingTransition {
		return nil
	}

	if s.MemMode() == MemVirtual && s.GuestEFER&EFERLME != 0 {
		s.GuestEFER |= EFERLMA
		s.HWEFER |= EFERLMA
		s.HWEFER |= EFERLME
	}

	if s.PagingMode != PagingShadow {
		return nil
	}
	if s.MemMode() == MemVirtual {
		if s.activateShadow == nil {
			return nil
		}
		return s.activateShadow()
	}
	s.HWCR0 |= CR0WP
	if s.activatePassthrough == nil {
		return nil
	}
	return s.activatePassthrough()
}

// WriteCR3 implements §4.4's "CR3 write semantics": shadow paging
// records the guest value and triggers re-root when paging is
// virtual; nested paging writes through directly to the
// hardware-visible copy.
func (s *State) WriteCR3(newCR3 uint64) error {
	if s.PagingMode == PagingShadow {
		s.GuestCR3 = newCR3
		if s.MemMode() == MemVirtual {
			if s.activateShadow == nil {
				return nil
			}
			return s.activateShadow()
		}
		return nil
	}
	s.GuestCR3 = newCR3
	return nil
}

// WriteCR4 implements §4.4's "CR4 write semantics": PSE/PGE/PAE
// changes while PG=1 are TLB-flush events requiring shadow-table
// invalidation (re-root); PAE=0 in long mode is refused as a
// guest-visible #GP; a PAE 0->1 transition in protected mode (shadow,
// physical mem) rebuilds 32-bit PAE passthrough tables.
func (s *State) WriteCR4(newCR4 uint64, longMode bool) error {
	flushTLB := false
	if s.MemMode() == MemVirtual {
		changed := (s.GuestCR4 & (CR4PSE | CR4PGE | CR4PAE)) != (newCR4 & (CR4PSE | CR4PGE | CR4PAE))
		flushTLB = changed
	}

	if longMode && newCR4&CR4PAE == 0 {
		return ErrPAEDisableInLongMode
	}

	if s.PagingMode == PagingShadow && !longMode {
		paeWasOff := s.GuestCR4&CR4PAE == 0
		paeNowOn := newCR4&CR4PAE != 0
		paeWasOn := s.GuestCR4&CR4PAE != 0
		paeNowOff := newCR4&CR4PAE == 0

		if s.MemMode() == MemPhysical {
			if paeWasOff && paeNowOn {
				if s.resetPassthroughPAE != nil {
					if err := s.resetPassthroughPAE(); err != nil {
						return fmt.Errorf("ctrlregs: reset passthrough PAE tables: %w", err)
					}
				}
			} else if paeWasOn && paeNowOff {
				return ErrPAEToProtectedUnsupported
			}
		}
	}

	s.GuestCR4 = newCR4
	s.HWCR4 = newCR4

	if s.PagingMode == PagingShadow && flushTLB {
		if s.activateShadow == nil {
			return nil
		}
		return s.activateShadow()
	}
	return nil
}

// WriteEFER implements §4.4's "EFER write": LME cannot be cleared once
// set (shadow paging only, per the handler's SHADOW_PAGING guard).
// When LME was zero it stays latched at zero in hardware until CR0.PG
// later turns on (WriteCR0 raises it then); when LME was already one,
// LMA is forced to 1 immediately.
func (s *State) WriteEFER(newEFER uint64) error {
	oldHWLME := s.HWEFER&EFERLME != 0
	oldGuestLME := s.GuestEFER&EFERLME != 0
	s.GuestEFER = newEFER
	s.HWEFER = newEFER

	if s.PagingMode != PagingShadow {
		return nil
	}

	if (oldGuestLME || oldHWLME) && newEFER&EFERLME == 0 {
		return ErrLongModeDisableUnsupported
	}
	if !oldHWLME {
		s.HWEFER &^= EFERLME
	} else {
		s.HWEFER |= EFERLMA
	}
	return nil
}

// ReadVMCR implements §4.4's "VM_CR (SVM)": report SVM as locked and
// disabled by firmware, defeating guest nested-SVM attempts.
func ReadVMCR() uint64 {
	return VMCRLock | VMCRSvmDis
}

// WriteVMCR implements the symmetric write handler: LOCK/SVMDIS writes
// are silently accepted, any other bit is unsupported.
func WriteVMCR(value uint64) error {
	if value&^(VMCRLock|VMCRSvmDis) != 0 {
		return fmt.Errorf("%w: 0x%x", ErrVMCRUnsupportedBits, value)
	}
	return nil
}

// CLTS implements §4.4's "CLTS": clears guest CR0.TS and activates the
// FPU. fpuActivate is cpustate's FPU-activation collaborator.
func (s *State) CLTS(fpuActivate func() error) error {
	s.GuestCR0 &^= CR0TS
	if fpuActivate == nil {
		return nil
	}
	return fpuActivate()
}
