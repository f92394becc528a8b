// Package intr implements spec §4.5/§4.6's interrupt subsystem:
// IntrCore (the per-vCPU injection sequencer), the LAPIC controller,
// and the VM-wide IRQ router table. The sequencer is grounded on
// original_source/palacios/src/palacios/vmm_intr.c (v3_intr_pending,
// v3_get_intr, v3_injecting_intr, v3_raise/lower_acked_irq); the LAPIC
// is grounded on original_source/palacios/src/devices/apic.c.
package intr

import "sync"

// TriggerMode is an IRQ line's trigger discipline, carried alongside a
// queued vector so the LAPIC knows whether to auto-clear it on
// acknowledgment (edge) or leave it for the device to explicitly lower
// (level).
type TriggerMode int

const (
	TriggerEdge TriggerMode = iota
	TriggerLevel
)

// AckFunc is invoked when the vector it was registered with is
// acknowledged (EOI'd), mirroring the ack/priv_data pair threaded
// through v3_raise_acked_irq.
type AckFunc func(ctx any)

// Controller is spec §4.5's external interrupt source contract,
// mirroring vmm_intr.c's struct intr_ctrl_ops (intr_pending,
// get_intr_number, begin_irq). A vCPU's own LAPIC registers itself as
// a Controller on its Core.
type Controller interface {
	IntrPending() bool
	GetIntrNumber() uint8
	BeginIRQ(vector uint8)
}

// Exception is a pending CPU exception, injected ahead of any IRQ
// source per spec §4.5's injection-order rule 1.
type Exception struct {
	Vector     uint8
	HasErrCode bool
	ErrCode    uint32
	IsNMI      bool
}

// MaxIRQ bounds the virtual-IRQ bitmap, matching vmm_intr.c's MAX_IRQ.
const MaxIRQ = 256

// Core is the per-vCPU interrupt sequencer: it tracks a software
// interrupt latch, a virtual-IRQ bitmap, a "previously started"
// external IRQ latch, and the list of registered Controllers (in
// Palacios, the LAPIC and any legacy PIC passthrough). Priority among
// fresh sources is software-interrupt > virtual-IRQ > external
// controller, matching v3_intr_pending.
type Core struct {
	mu sync.Mutex

	controllers []Controller

	virqMap [MaxIRQ / 8]byte

	swintrPosted bool
	swintrVector uint8

	pendingExc *Exception

	// irqStarted/irqVector latch a controller-sourced IRQ that has
	// been handed to the guest but not yet observed complete at
	// VM-exit; NextInjection reasserts it with the same vector until
	// AckInjection(true) clears the latch.
	irqStarted bool
	irqVector  uint8
}

// NewCore builds an empty interrupt sequencer.
func NewCore() *Core {
	return &Core{}
}

// RegisterController adds an external interrupt source (a LAPIC or a
// passthrough PIC) to the consultation order.
func (c *Core) RegisterController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controllers = append(c.controllers, ctrl)
}

// RemoveController undoes RegisterController.
func (c *Core) RemoveController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.controllers {
		if e == ctrl {
			c.controllers = append(c.controllers[:i], c.controllers[i+1:]...)
			return
		}
	}
}

// RaiseSoftwareIntr posts an INTn-style software interrupt, the
// highest-priority fresh source (v3_raise_swintr).
func (c *Core) RaiseSoftwareIntr(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swintrPosted = true
	c.swintrVector = vector
}

// RaiseVIRQ sets a virtual-IRQ bit (v3_raise_virq): a core_engine- or
// hypercall-originated interrupt that bypasses any controller.
func (c *Core) RaiseVIRQ(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virqMap[irq/8] |= 1 << uint(irq%8)
}

// LowerVIRQ clears a virtual-IRQ bit (v3_lower_virq).
func (c *Core) LowerVIRQ(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virqMap[irq/8] &^= 1 << uint(irq%8)
}

// RaiseException posts a pending CPU exception, overwriting any
// unconsumed one (exceptions are not queued; a double-fault condition
// is core_engine's responsibility to detect before calling this).
func (c *Core) RaiseException(e Exception) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingExc = &e
}

// ClearException withdraws a posted exception without injecting it.
func (c *Core) ClearException() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingExc = nil
}

// HasPending reports whether anything is ready to inject, without
// committing to a choice the way NextInjection does. VmLoop uses this
// to decide whether to request an interrupt-window VM-exit when
// nothing is deliverable right now (mirrors v3_intr_pending's boolean
// use at the call sites that only want a yes/no).
func (c *Core) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingExc != nil || c.irqStarted || c.swintrPosted {
		return true
	}
	for _, b := range c.virqMap {
		if b != 0 {
			return true
		}
	}
	for _, ctrl := range c.controllers {
		if ctrl.IntrPending() {
			return true
		}
	}
	return false
}

// InjectionKind classifies what NextInjection decided to hand the
// guest, so core_engine's VM-entry path knows which hardware fields to
// program.
type InjectionKind int

const (
	InjectNone InjectionKind = iota
	InjectException
	InjectReassertIRQ
	InjectSoftwareIntr
	InjectVirtualIRQ
	InjectExternalIRQ
)

// Injection is NextInjection's result.
type Injection struct {
	Kind       InjectionKind
	Vector     uint8
	HasErrCode bool
	ErrCode    uint32
	IsNMI      bool
}

// NextInjection implements spec §4.5's VM-entry injection-order
// algorithm:
//  1. a pending exception always goes first (distinct injection type,
//     carries its own error code, and is consumed once injected);
//  2. otherwise a previously-started external IRQ reasserts with its
//     original vector (the guest hasn't finished taking it yet);
//  3. otherwise a fresh source is chosen by v3_intr_pending's
//     priority: software interrupt, then virtual IRQ, then the first
//     controller reporting pending work.
//
// Choosing an external controller vector also marks it "started" and
// calls the controller's BeginIRQ, mirroring v3_injecting_intr.
func (c *Core) NextInjection() Injection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingExc != nil {
		e := *c.pendingExc
		c.pendingExc = nil
		return Injection{Kind: InjectException, Vector: e.Vector, HasErrCode: e.HasErrCode, ErrCode: e.ErrCode, IsNMI: e.IsNMI}
	}

	if c.irqStarted {
		return Injection{Kind: InjectReassertIRQ, Vector: c.irqVector}
	}

	if c.swintrPosted {
		v := c.swintrVector
		c.swintrPosted = false
		return Injection{Kind: InjectSoftwareIntr, Vector: v}
	}

	for i, b := range c.virqMap {
		if b == 0 {
			continue
		}
		for j := 0; j < 8; j++ {
			if b&(1<<uint(j)) != 0 {
				return Injection{Kind: InjectVirtualIRQ, Vector: uint8(i*8 + j)}
			}
		}
	}

	for _, ctrl := range c.controllers {
		if ctrl.IntrPending() {
			v := ctrl.GetIntrNumber()
			ctrl.BeginIRQ(v)
			c.irqStarted = true
			c.irqVector = v
			return Injection{Kind: InjectExternalIRQ, Vector: v}
		}
	}

	return Injection{Kind: InjectNone}
}

// AckInjection implements VM-exit bookkeeping for an external IRQ: if
// hardware reports the previously injected event actually completed
// delivery, the "started" latch clears so the next NextInjection call
// can pick a fresh vector; otherwise it stays set so the same vector
// reasserts on the next entry.
func (c *Core) AckInjection(completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if completed {
		c.irqStarted = false
	}
}
