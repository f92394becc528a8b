package hypercall_test

import (
	"errors"
	"testing"

	"vmmcore/cpustate"
	"vmmcore/hypercall"
)

func TestDispatchRoutesByRAX(t *testing.T) {
	m := hypercall.NewMap()
	var got hypercall.ID
	if err := m.Register(hypercall.VMInfo, func(regs *cpustate.Regs, _ any) error {
		got = hypercall.ID(regs.RAX)
		return nil
	}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	regs := &cpustate.Regs{RAX: uint64(hypercall.VMInfo)}
	if err := m.Dispatch(regs); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != hypercall.VMInfo {
		t.Fatalf("handler saw id 0x%x, want 0x%x", got, hypercall.VMInfo)
	}
}

func TestDispatchUnhandledID(t *testing.T) {
	m := hypercall.NewMap()
	regs := &cpustate.Regs{RAX: 0x9999}
	if err := m.Dispatch(regs); !errors.Is(err, hypercall.ErrUnhandled) {
		t.Fatalf("Dispatch = %v, want ErrUnhandled", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	m := hypercall.NewMap()
	noop := func(*cpustate.Regs, any) error { return nil }
	if err := m.Register(hypercall.MemOffset, noop, nil); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := m.Register(hypercall.MemOffset, noop, nil); !errors.Is(err, hypercall.ErrAlreadyRegistered) {
		t.Fatalf("second Register = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRemoveUnknownID(t *testing.T) {
	m := hypercall.NewMap()
	if err := m.Remove(hypercall.OSDebug); !errors.Is(err, hypercall.ErrNotRegistered) {
		t.Fatalf("Remove = %v, want ErrNotRegistered", err)
	}
}

func TestMemOffsetHandlerReportsOffsetInRBX(t *testing.T) {
	h := hypercall.MemOffsetHandler(0x4000_0000)
	regs := &cpustate.Regs{}
	if err := h(regs, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if regs.RBX != 0x4000_0000 {
		t.Fatalf("RBX = 0x%x, want 0x40000000", regs.RBX)
	}
}

func TestVMInfoHandlerReportsVCPUsAndMemSize(t *testing.T) {
	h := hypercall.VMInfoHandler(func() hypercall.VMInfo {
		return hypercall.VMInfo{NumVCPUs: 4, MemorySize: 256 << 20}
	})
	regs := &cpustate.Regs{}
	if err := h(regs, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if regs.RBX != 4 || regs.RCX != 256<<20 {
		t.Fatalf("regs = %+v, want RBX=4 RCX=%d", regs, 256<<20)
	}
}

func TestOSDebugHandlerReadsGuestMessage(t *testing.T) {
	var gotGPA uint64
	var gotLen uint32
	h := hypercall.OSDebugHandler(func(gpa uint64, length uint32) ([]byte, error) {
		gotGPA, gotLen = gpa, length
		return []byte("hello"), nil
	})
	regs := &cpustate.Regs{RBX: 0x9000, RCX: 5, RDX: 0}
	if err := h(regs, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotGPA != 0x9000 || gotLen != 5 {
		t.Fatalf("read called with gpa=0x%x len=%d, want 0x9000/5", gotGPA, gotLen)
	}
}

func TestOSDebugHandlerIgnoresVirtualAddressBuffers(t *testing.T) {
	called := false
	h := hypercall.OSDebugHandler(func(uint64, uint32) ([]byte, error) {
		called = true
		return nil, nil
	})
	regs := &cpustate.Regs{RDX: 1}
	if err := h(regs, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if called {
		t.Fatalf("GuestMemReader should not be invoked when buf_is_va is set")
	}
}

type fakeScheduler struct{ yields int }

func (f *fakeScheduler) Yield() { f.yields++ }

func TestYieldHandlersInvokeScheduler(t *testing.T) {
	sched := &fakeScheduler{}
	pidHandler := hypercall.YieldToPIDHandler(sched)
	coreHandler := hypercall.YieldToCoreHandler(sched)

	if err := pidHandler(&cpustate.Regs{}, nil); err != nil {
		t.Fatalf("pidHandler: %v", err)
	}
	if err := coreHandler(&cpustate.Regs{}, nil); err != nil {
		t.Fatalf("coreHandler: %v", err)
	}
	if sched.yields != 2 {
		t.Fatalf("yields = %d, want 2", sched.yields)
	}
}

type fakeIPIRouter struct {
	srcVCPU                                          int
	vector, deliveryMode, destMode, shorthand, dest uint8
	called                                           bool
}

func (f *fakeIPIRouter) RouteIPI(srcVCPU int, vector, deliveryMode, destMode, shorthand, dest uint8) error {
	f.called = true
	f.srcVCPU, f.vector, f.deliveryMode, f.destMode, f.shorthand, f.dest = srcVCPU, vector, deliveryMode, destMode, shorthand, dest
	return nil
}

func TestIPISendHandlerDecodesRegisters(t *testing.T) {
	router := &fakeIPIRouter{}
	h := hypercall.IPISendHandler(2, router)

	regs := &cpustate.Regs{
		RBX: uint64(0x22) | uint64(0x5)<<8 | uint64(1)<<16,
		RCX: uint64(0x3) | uint64(0x7)<<8,
	}
	if err := h(regs, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !router.called {
		t.Fatalf("RouteIPI was not called")
	}
	if router.srcVCPU != 2 || router.vector != 0x22 || router.deliveryMode != 0x5 || router.destMode != 1 || router.shorthand != 0x3 || router.dest != 0x7 {
		t.Fatalf("decoded IPI = %+v, want vector=0x22 mode=5 destMode=1 shorthand=3 dest=7", router)
	}
}
