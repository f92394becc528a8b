package cpustate_test

import (
	"testing"

	"vmmcore/cpustate"
	"vmmcore/ctrlregs"
)

func newState(t *testing.T) *cpustate.State {
	t.Helper()
	ctrl := ctrlregs.NewState(ctrlregs.PagingShadow, nil, nil, nil)
	return cpustate.NewState(ctrl)
}

func TestCPUModeReal(t *testing.T) {
	s := newState(t)
	if got := s.CPUMode(); got != cpustate.Real {
		t.Fatalf("CPUMode = %v, want Real", got)
	}
	if got := s.AddrWidth(); got != 2 {
		t.Fatalf("AddrWidth = %d, want 2", got)
	}
}

func TestCPUModeProtected(t *testing.T) {
	s := newState(t)
	if err := s.CtrlRegs.WriteCR0(ctrlregs.CR0PE); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	if got := s.CPUMode(); got != cpustate.Protected {
		t.Fatalf("CPUMode = %v, want Protected", got)
	}
	if got := s.AddrWidth(); got != 4 {
		t.Fatalf("AddrWidth = %d, want 4", got)
	}
}

func TestCPUModeProtectedPAE(t *testing.T) {
	s := newState(t)
	if err := s.CtrlRegs.WriteCR0(ctrlregs.CR0PE); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	if err := s.CtrlRegs.WriteCR4(ctrlregs.CR4PAE, false); err != nil {
		t.Fatalf("WriteCR4: %v", err)
	}
	if got := s.CPUMode(); got != cpustate.ProtectedPae {
		t.Fatalf("CPUMode = %v, want ProtectedPae", got)
	}
}

func TestCPUModeLongRequiresCSLongBit(t *testing.T) {
	s := newState(t)
	if err := s.CtrlRegs.WriteCR0(ctrlregs.CR0PE); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	if err := s.CtrlRegs.WriteCR4(ctrlregs.CR4PAE, false); err != nil {
		t.Fatalf("WriteCR4: %v", err)
	}
	if err := s.CtrlRegs.WriteEFER(ctrlregs.EFERLME); err != nil {
		t.Fatalf("WriteEFER: %v", err)
	}

	if got := s.CPUMode(); got != cpustate.Long32Compat {
		t.Fatalf("CPUMode = %v, want Long32Compat before CS.L set", got)
	}

	s.Segments.CS.LongMode = true
	if got := s.CPUMode(); got != cpustate.Long {
		t.Fatalf("CPUMode = %v, want Long once CS.L set", got)
	}
	if got := s.AddrWidth(); got != 8 {
		t.Fatalf("AddrWidth = %d, want 8", got)
	}
}

func TestFPULazySaveRoundTrip(t *testing.T) {
	s := newState(t)
	var hostSaved, guestRestored, guestSaved, hostRestored bool
	var tsCleared, tsSet bool
	deps := cpustate.FPUDeps{
		SaveHostFPU: func(dst *[512]byte) {
			if !s.FPU.Activated {
				hostSaved = true
			} else {
				guestSaved = true
			}
		},
		RestoreHostFPU: func(src *[512]byte) {
			if !s.FPU.Activated {
				guestRestored = true
			} else {
				hostRestored = true
			}
		},
		ClearHWTS: func() { tsCleared = true },
		SetHWTS:   func() { tsSet = true },
	}

	s.Activate(deps)
	if !s.FPU.Activated || !hostSaved || !guestRestored || !tsCleared {
		t.Fatalf("Activate did not perform the expected lazy-save sequence")
	}

	s.Deactivate(deps)
	if s.FPU.Activated || !guestSaved || !hostRestored || !tsSet {
		t.Fatalf("Deactivate did not perform the expected converse sequence")
	}
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	s := newState(t)
	s.Regs.RAX = 0xdead
	if err := s.CtrlRegs.WriteCR0(ctrlregs.CR0PE); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	cp := s.Checkpoint()

	s.Regs.RAX = 0
	if err := s.CtrlRegs.WriteCR0(0); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}

	s.Restore(cp)
	if s.Regs.RAX != 0xdead {
		t.Fatalf("Restore did not restore RAX")
	}
	if s.CtrlRegs.GuestCR0&ctrlregs.CR0PE == 0 {
		t.Fatalf("Restore did not restore CR0.PE")
	}
}
