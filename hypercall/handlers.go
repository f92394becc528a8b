package hypercall

import (
	"log"

	"vmmcore/cpustate"
)

// GuestMemReader reads length bytes of guest physical memory starting
// at gpa, the collaborator OS_DEBUG_HCALL needs to pull the guest's
// message out of guest RAM before logging it.
type GuestMemReader func(gpa uint64, length uint32) ([]byte, error)

// MemOffsetHandler implements MEM_OFFSET_HCALL: "RBX: base addr(out)".
// Guests use this to discover where the VMM has relocated their
// physical address space, if at all; vmmcore never relocates guest
// RAM, so offset is always 0, but the hook is wired so a future
// memory-ballooning or NUMA-aware layout can report a real value.
func MemOffsetHandler(offset uint64) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		regs.RBX = offset
		return nil
	}
}

// VMInfo is the subset of Vm state VM_INFO_HCALL reports back to the
// guest: vCPU count in RBX, guest memory size in bytes in RCX.
type VMInfo struct {
	NumVCPUs   uint64
	MemorySize uint64
}

// VMInfoHandler implements VM_INFO_HCALL ("no args" in the original;
// vmmcore extends it to report the two facts a paravirtual guest most
// commonly wants at boot, rather than leaving it a pure no-op).
func VMInfoHandler(info func() VMInfo) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		i := info()
		regs.RBX = i.NumVCPUs
		regs.RCX = i.MemorySize
		return nil
	}
}

// OSDebugHandler implements OS_DEBUG_HCALL: "RBX: msg_gpa, RCX:
// msg_len, RDX: buf_is_va (flag)". vmmcore only supports the
// guest-physical form (buf_is_va == 0); a virtual-address buffer
// would require walking the guest's own page tables, which no
// existing guest built against this hypercall does.
func OSDebugHandler(read GuestMemReader) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		if regs.RDX != 0 {
			log.Printf("hypercall: OS_DEBUG with buf_is_va set is unsupported, ignoring")
			return nil
		}
		msg, err := read(regs.RBX, uint32(regs.RCX))
		if err != nil {
			return err
		}
		log.Printf("guest: %s", msg)
		return nil
	}
}

// Scheduler is the host-side yield target YIELD_TO_PID_HCALL and
// YIELD_TO_CORE_HCALL hand off to. vmmcore's vCPUs are goroutines
// scheduled by the Go runtime rather than host OS threads pinned to a
// priority scheduler, so both hooks reduce to a runtime.Gosched-style
// cooperative yield; the pid/tid/vcpu_id arguments are accepted (and
// passed through) for guests that condition behavior on whether the
// yield target was honored, but are not used to pick a specific
// goroutine to run next.
type Scheduler interface {
	Yield()
}

// YieldToPIDHandler implements YIELD_TO_PID_HCALL: "RBX = pid, RCX =
// tid".
func YieldToPIDHandler(sched Scheduler) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		sched.Yield()
		return nil
	}
}

// YieldToCoreHandler implements YIELD_TO_CORE_HCALL: "RBX = vcpu_id".
func YieldToCoreHandler(sched Scheduler) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		sched.Yield()
		return nil
	}
}

// IPIRouter is core_engine's collaborator for IPI_SEND_HCALL: decode
// the requested IPI out of the calling vCPU's registers and hand it to
// the LAPIC/IRQRouter layer (package intr) the way a guest bootstrap
// processor's real ICR write would, since this build's minimal KVM
// irqchip setup has no local-APIC MMIO page to intercept (see
// core_engine's DESIGN.md entry on IPI delivery for the scoping
// decision this works around).
type IPIRouter interface {
	RouteIPI(srcVCPU int, vector uint8, deliveryMode uint8, destMode uint8, shorthand uint8, dest uint8) error
}

// IPISendHandler implements IPI_SEND_HCALL: "RBX: vector | deliveryMode<<8
// | destMode<<16, RCX: shorthand | dest<<8". srcVCPU identifies the
// calling vCPU to the router so it can exclude itself from
// shorthand-broadcast delivery.
func IPISendHandler(srcVCPU int, router IPIRouter) Handler {
	return func(regs *cpustate.Regs, _ any) error {
		vector := uint8(regs.RBX)
		deliveryMode := uint8(regs.RBX >> 8)
		destMode := uint8(regs.RBX >> 16)
		shorthand := uint8(regs.RCX)
		dest := uint8(regs.RCX >> 8)
		return router.RouteIPI(srcVCPU, vector, deliveryMode, destMode, shorthand, dest)
	}
}
