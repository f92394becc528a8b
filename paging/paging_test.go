package paging_test

import (
	"testing"

	"vmmcore/paging"
	"vmmcore/physmem"
)

func newTestAlloc(below4G bool) func() (uintptr, bool, error) {
	next := uintptr(0x1000)
	return func() (uintptr, bool, error) {
		addr := next
		next += 0x1000
		return addr, below4G, nil
	}
}

func TestHandleFaultNestedInstallsLeaf(t *testing.T) {
	pm, err := physmem.New(4<<20, 1<<20, 0x1000_0000, 0, 1)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	e := paging.NewEngine(0, pm, newTestAlloc(true))
	e.SetMode(paging.ModeNested)

	if err := e.HandleFault(0x100020, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if _, _, ok := e.Leaf(0x100020); !ok {
		t.Fatalf("no leaf installed for 0x100020")
	}
}

func TestHandleFaultUnhandledRegionCallsFaultHandler(t *testing.T) {
	pm, err := physmem.New(4<<20, 1<<20, 0x1000_0000, 0, 1)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	called := false
	r := &physmem.Region{
		GuestStart: 0x200000,
		GuestEnd:   0x201000,
		Flags:      physmem.FlagRead, // not Alloced: a hook region
		CoreID:     physmem.AnyCore,
		Unhandled: func(vcpuID int, faultAddr, gpa uint64, errorCode uint32) error {
			called = true
			return nil
		},
	}
	if err := pm.InsertRegion(r); err != nil {
		t.Fatalf("InsertRegion: %v", err)
	}

	e := paging.NewEngine(0, pm, newTestAlloc(true))
	e.SetMode(paging.ModeNested)
	if err := e.HandleFault(0x200010, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if !called {
		t.Fatalf("expected unhandled fault callback to fire")
	}
}

func TestHandleFaultAbove4GRejectedIn32BitMode(t *testing.T) {
	pm, err := physmem.New(4<<20, 1<<20, 0x1_0000_0000, 0, 1)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	// alloc reports every page as above 4GiB.
	e := paging.NewEngine(0, pm, newTestAlloc(false))
	e.SetMode(paging.ModeShadow32)

	err = e.HandleFault(0x100020, false)
	if err == nil {
		t.Fatalf("expected ErrAbove4G")
	}
}

func TestInvalidateAddrClearsLargeLeaf(t *testing.T) {
	pm, err := physmem.New(2<<30, 128<<20, 1<<30, 0, 1)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	e := paging.NewEngine(0, pm, newTestAlloc(true))
	e.SetMode(paging.ModeNested)

	if err := e.HandleFault(0x20000000, true); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	// A fault anywhere inside the promoted 1G window should resolve
	// without re-walking once installed; invalidate must still clear it.
	if _, sz, ok := e.Leaf(0x20001000); !ok || sz != 1<<30 {
		t.Fatalf("Leaf(0x20001000) = size 0x%x ok=%v, want a 1G leaf", sz, ok)
	}
	e.InvalidateAddr(0x20001000)
	if _, _, ok := e.Leaf(0x20001000); ok {
		t.Fatalf("InvalidateAddr left the large leaf in place")
	}
}

func TestRegistryFansOutToRegisteredVcpu(t *testing.T) {
	pm, err := physmem.New(4<<20, 1<<20, 0x1000_0000, 0, 2)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	reg := paging.NewRegistry()
	e0 := paging.NewEngine(0, pm, newTestAlloc(true))
	e0.SetMode(paging.ModeNested)
	e1 := paging.NewEngine(1, pm, newTestAlloc(true))
	e1.SetMode(paging.ModeNested)
	reg.Add(0, e0)
	reg.Add(1, e1)
	pm.RegisterInvalidator(reg)

	if err := e0.HandleFault(0x10000, true); err != nil {
		t.Fatalf("e0 HandleFault: %v", err)
	}
	if err := e1.HandleFault(0x10000, true); err != nil {
		t.Fatalf("e1 HandleFault: %v", err)
	}

	r := &physmem.Region{
		GuestStart: 0x10000,
		GuestEnd:   0x20000,
		HostAddr:   0x5000_0000,
		Flags:      physmem.FlagRead | physmem.FlagAlloced,
		CoreID:     physmem.AnyCore,
	}
	if err := pm.InsertRegion(r); err != nil {
		t.Fatalf("InsertRegion: %v", err)
	}
	// InsertRegion must invalidate the cached leaf in both engines.
	if _, _, ok := e0.Leaf(0x10000); ok {
		t.Fatalf("vcpu 0 leaf not invalidated")
	}
	if _, _, ok := e1.Leaf(0x10000); ok {
		t.Fatalf("vcpu 1 leaf not invalidated")
	}
}
