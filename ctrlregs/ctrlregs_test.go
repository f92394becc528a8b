package ctrlregs_test

import (
	"errors"
	"testing"

	"vmmcore/ctrlregs"
)

func newShadowState(t *testing.T) (*ctrlregs.State, *int, *int) {
	t.Helper()
	shadowCalls := 0
	passthroughCalls := 0
	s := ctrlregs.NewState(ctrlregs.PagingShadow,
		func() error { shadowCalls++; return nil },
		func() error { passthroughCalls++; return nil },
		func() error { return nil },
	)
	return s, &shadowCalls, &passthroughCalls
}

func TestWriteCR0ForcesPGAndET(t *testing.T) {
	s, _, _ := newShadowState(t)
	if err := s.WriteCR0(0); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	if s.GuestCR0&ctrlregs.CR0ET == 0 {
		t.Fatalf("ET must always be forced to 1")
	}
	if s.HWCR0&ctrlregs.CR0PG == 0 {
		t.Fatalf("hardware CR0.PG must always be 1 under shadow paging")
	}
	if s.HWCR0&ctrlregs.CR0WP == 0 {
		t.Fatalf("hardware CR0.WP must be forced when guest PG=0")
	}
}

func TestWriteCR0PagingTransitionActivatesShadow(t *testing.T) {
	s, shadowCalls, _ := newShadowState(t)
	s.GuestEFER = ctrlregs.EFERLME
	s.HWEFER = ctrlregs.EFERLME

	if err := s.WriteCR0(ctrlregs.CR0PG); err != nil {
		t.Fatalf("WriteCR0: %v", err)
	}
	if s.GuestEFER&ctrlregs.EFERLMA == 0 {
		t.Fatalf("LMA should be raised when LME was set and PG toggled on")
	}
	if *shadowCalls != 1 {
		t.Fatalf("expected shadow PT activation once, got %d", *shadowCalls)
	}
}

func TestWriteCR0PagingOffActivatesPassthrough(t *testing.T) {
	s, _, passthroughCalls := newShadowState(t)
	if err := s.WriteCR0(ctrlregs.CR0PG); err != nil {
		t.Fatalf("WriteCR0 enable: %v", err)
	}
	if err := s.WriteCR0(0); err != nil {
		t.Fatalf("WriteCR0 disable: %v", err)
	}
	if *passthroughCalls != 1 {
		t.Fatalf("expected passthrough activation once, got %d", *passthroughCalls)
	}
}

func TestWriteCR4PAEDisableInLongModeRejected(t *testing.T) {
	s, _, _ := newShadowState(t)
	if err := s.WriteCR4(0, true); !errors.Is(err, ctrlregs.ErrPAEDisableInLongMode) {
		t.Fatalf("WriteCR4 = %v, want ErrPAEDisableInLongMode", err)
	}
}

func TestWriteCR4PAEToProtectedUnsupported(t *testing.T) {
	s, _, _ := newShadowState(t)
	if err := s.WriteCR4(ctrlregs.CR4PAE, false); err != nil {
		t.Fatalf("enable PAE: %v", err)
	}
	if err := s.WriteCR4(0, false); !errors.Is(err, ctrlregs.ErrPAEToProtectedUnsupported) {
		t.Fatalf("WriteCR4 = %v, want ErrPAEToProtectedUnsupported", err)
	}
}

func TestWriteEFERDisableAfterEnableUnsupported(t *testing.T) {
	s, _, _ := newShadowState(t)
	if err := s.WriteEFER(ctrlregs.EFERLME); err != nil {
		t.Fatalf("enable LME: %v", err)
	}
	if err := s.WriteEFER(0); !errors.Is(err, ctrlregs.ErrLongModeDisableUnsupported) {
		t.Fatalf("WriteEFER = %v, want ErrLongModeDisableUnsupported", err)
	}
}

func TestWriteEFERLatchesLMEZeroUntilPaging(t *testing.T) {
	s, _, _ := newShadowState(t)
	if err := s.WriteEFER(ctrlregs.EFERLME); err != nil {
		t.Fatalf("WriteEFER: %v", err)
	}
	if s.GuestEFER&ctrlregs.EFERLME == 0 {
		t.Fatalf("guest-visible EFER should store the written LME bit")
	}
	if s.HWEFER&ctrlregs.EFERLME != 0 {
		t.Fatalf("hardware EFER.LME should stay latched at 0 until CR0.PG is set (old hardware LME was 0)")
	}
}

func TestVMCRReadReportsLockedAndDisabled(t *testing.T) {
	v := ctrlregs.ReadVMCR()
	if v&ctrlregs.VMCRLock == 0 || v&ctrlregs.VMCRSvmDis == 0 {
		t.Fatalf("VM_CR read = 0x%x, want lock+svmdis set", v)
	}
}

func TestVMCRWriteRejectsUnsupportedBits(t *testing.T) {
	if err := ctrlregs.WriteVMCR(ctrlregs.VMCRLock | 1<<0); !errors.Is(err, ctrlregs.ErrVMCRUnsupportedBits) {
		t.Fatalf("WriteVMCR = %v, want ErrVMCRUnsupportedBits", err)
	}
	if err := ctrlregs.WriteVMCR(ctrlregs.VMCRLock | ctrlregs.VMCRSvmDis); err != nil {
		t.Fatalf("WriteVMCR with only lock/svmdis: %v", err)
	}
}

func TestCLTSClearsTSAndActivatesFPU(t *testing.T) {
	s, _, _ := newShadowState(t)
	s.GuestCR0 |= ctrlregs.CR0TS
	activated := false
	if err := s.CLTS(func() error { activated = true; return nil }); err != nil {
		t.Fatalf("CLTS: %v", err)
	}
	if s.GuestCR0&ctrlregs.CR0TS != 0 {
		t.Fatalf("CR0.TS should be cleared")
	}
	if !activated {
		t.Fatalf("fpuActivate should have been called")
	}
}
