package intr

import (
	"errors"
	"sync"
)

// ErrNoSuchAPIC is returned when a physical-destination IPI addresses
// an apic_id with no registered LAPIC (apic.c's find_physical_apic
// returning NULL).
var ErrNoSuchAPIC = errors.New("intr: no LAPIC with that destination apic_id")

// IRQRouter mirrors vmm_intr.c's struct intr_router_ops: a device that
// decides which vCPU(s) a system IRQ line reaches (the PIC or I/O
// APIC). Raise/Lower are called for every registered router in turn,
// exactly as v3_raise_acked_irq/v3_lower_acked_irq walk the router
// list while holding the routers' own lock.
type IRQRouter interface {
	RaiseIRQ(irq int, ack AckFunc, ctx any)
	LowerIRQ(irq int)
}

// Routers is the VM-wide table of registered IRQ routers, grounded on
// vmm_intr.c's struct v3_intr_routers.
type Routers struct {
	mu      sync.Mutex
	routers []IRQRouter
}

// NewRouters builds an empty router table.
func NewRouters() *Routers {
	return &Routers{}
}

// Register adds a router (vmm_intr.c's v3_register_intr_router).
func (r *Routers) Register(router IRQRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routers = append(r.routers, router)
}

// Remove undoes Register (v3_remove_intr_router).
func (r *Routers) Remove(router IRQRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.routers {
		if e == router {
			r.routers = append(r.routers[:i], r.routers[i+1:]...)
			return
		}
	}
}

// RaiseIRQ implements v3_raise_acked_irq: every registered router
// decides independently whether and where to deliver this system IRQ
// line.
func (r *Routers) RaiseIRQ(irq int, ack AckFunc, ctx any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routers {
		rt.RaiseIRQ(irq, ack, ctx)
	}
}

// LowerIRQ implements v3_lower_acked_irq.
func (r *Routers) LowerIRQ(irq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routers {
		rt.LowerIRQ(irq)
	}
}

// RouteIPI implements apic.c's route_ipi: dispatches an IPI from
// srcAPIC to whichever member(s) of lapics the shorthand/destination
// fields select. lapics is the VM's full set of per-vCPU LAPICs.
func RouteIPI(lapics []*LAPIC, srcAPIC *LAPIC, desc IPIDescriptor) error {
	switch desc.Shorthand {
	case ShorthandSelf:
		return srcAPIC.DeliverIPI(desc)

	case ShorthandAll:
		return deliverToAll(lapics, desc, false, nil)

	case ShorthandAllButMe:
		return deliverToAll(lapics, desc, true, srcAPIC)

	case ShorthandNone:
		if desc.DestMode == DestPhysical {
			target := findPhysicalAPIC(lapics, desc.Dest)
			if target == nil {
				return ErrNoSuchAPIC
			}
			return target.DeliverIPI(desc)
		}
		return routeLogical(lapics, desc)

	default:
		return ErrUnsupportedDeliveryMode
	}
}

func findPhysicalAPIC(lapics []*LAPIC, apicID uint8) *LAPIC {
	for _, l := range lapics {
		if l.APICID() == apicID {
			return l
		}
	}
	return nil
}

func deliverToAll(lapics []*LAPIC, desc IPIDescriptor, skipSrc bool, src *LAPIC) error {
	var firstErr error
	for _, l := range lapics {
		if skipSrc && l == src {
			continue
		}
		if err := l.DeliverIPI(desc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// routeLogical implements route_ipi's logical-destination branch:
// lowest-priority mode picks the single best-priority matching LAPIC
// (apic.c's cur_best_apic tracking); every other mode delivers to
// every matching LAPIC.
func routeLogical(lapics []*LAPIC, desc IPIDescriptor) error {
	if desc.Mode != DeliveryLowestPrio {
		var firstErr error
		for _, l := range lapics {
			if !l.matchesLogicalDest(desc.Dest) {
				continue
			}
			if err := l.DeliverIPI(desc); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var best *LAPIC
	var bestPrio uint8 = 0xff
	for _, l := range lapics {
		if !l.matchesLogicalDest(desc.Dest) {
			continue
		}
		if p := l.TaskPriority(); best == nil || p < bestPrio {
			best = l
			bestPrio = p
		}
	}
	if best == nil {
		return nil
	}
	return best.DeliverIPI(desc)
}
