package intr_test

import (
	"testing"

	"vmmcore/intr"
)

type fakeIRQRouter struct {
	raised []int
	lowered []int
}

func (f *fakeIRQRouter) RaiseIRQ(irq int, ack intr.AckFunc, ctx any) { f.raised = append(f.raised, irq) }
func (f *fakeIRQRouter) LowerIRQ(irq int)                            { f.lowered = append(f.lowered, irq) }

func TestRoutersFanOutToEveryRegisteredRouter(t *testing.T) {
	routers := intr.NewRouters()
	a := &fakeIRQRouter{}
	b := &fakeIRQRouter{}
	routers.Register(a)
	routers.Register(b)

	routers.RaiseIRQ(4, nil, nil)
	routers.LowerIRQ(4)

	if len(a.raised) != 1 || len(b.raised) != 1 {
		t.Fatalf("expected both routers to see the raised IRQ: a=%v b=%v", a.raised, b.raised)
	}
	if len(a.lowered) != 1 || len(b.lowered) != 1 {
		t.Fatalf("expected both routers to see the lowered IRQ: a=%v b=%v", a.lowered, b.lowered)
	}
}

func TestRouteIPIPhysicalFindsByAPICID(t *testing.T) {
	l0 := intr.NewLAPIC(0, true, nil)
	l1 := intr.NewLAPIC(1, false, nil)
	lapics := []*intr.LAPIC{l0, l1}

	err := intr.RouteIPI(lapics, l0, intr.IPIDescriptor{
		Vector: 0x40, Mode: intr.DeliveryFixed, DestMode: intr.DestPhysical, Dest: 1,
	})
	if err != nil {
		t.Fatalf("RouteIPI: %v", err)
	}
	l1.Activate()
	if !l1.IntrPending() {
		t.Fatalf("expected vector delivered to apic_id 1, not apic_id 0")
	}
	if l0.IntrPending() {
		t.Fatalf("apic_id 0 should not have received the physically-addressed IPI")
	}
}

func TestRouteIPIPhysicalUnknownDestination(t *testing.T) {
	l0 := intr.NewLAPIC(0, true, nil)
	lapics := []*intr.LAPIC{l0}

	err := intr.RouteIPI(lapics, l0, intr.IPIDescriptor{
		Vector: 0x40, Mode: intr.DeliveryFixed, DestMode: intr.DestPhysical, Dest: 9,
	})
	if err == nil {
		t.Fatalf("expected ErrNoSuchAPIC for an unregistered destination")
	}
}

func TestRouteIPIShorthandAllButMeExcludesSender(t *testing.T) {
	l0 := intr.NewLAPIC(0, true, nil)
	l1 := intr.NewLAPIC(1, false, nil)
	l2 := intr.NewLAPIC(2, false, nil)
	lapics := []*intr.LAPIC{l0, l1, l2}

	if err := intr.RouteIPI(lapics, l0, intr.IPIDescriptor{Vector: 0x40, Mode: intr.DeliveryFixed, Shorthand: intr.ShorthandAllButMe}); err != nil {
		t.Fatalf("RouteIPI: %v", err)
	}
	l0.Activate()
	l1.Activate()
	l2.Activate()
	if l0.IntrPending() {
		t.Fatalf("sender should be excluded by AllButMe")
	}
	if !l1.IntrPending() || !l2.IntrPending() {
		t.Fatalf("every other LAPIC should have received the IPI")
	}
}

func TestRouteIPILogicalLowestPriorityPicksOne(t *testing.T) {
	l0 := intr.NewLAPIC(0, true, nil)
	l1 := intr.NewLAPIC(1, false, nil)
	l0.SetLogicalDest(0xff)
	l1.SetLogicalDest(0xff)
	l0.SetTaskPriority(5)
	l1.SetTaskPriority(1)
	lapics := []*intr.LAPIC{l0, l1}

	err := intr.RouteIPI(lapics, l0, intr.IPIDescriptor{
		Vector: 0x40, Mode: intr.DeliveryLowestPrio, DestMode: intr.DestLogical, Dest: 0xff,
	})
	if err != nil {
		t.Fatalf("RouteIPI: %v", err)
	}
	l0.Activate()
	l1.Activate()
	if l0.IntrPending() {
		t.Fatalf("higher task-priority LAPIC should not receive a lowest-priority IPI")
	}
	if !l1.IntrPending() {
		t.Fatalf("lowest task-priority LAPIC should receive the IPI")
	}
}
