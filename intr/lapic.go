package intr

import (
	"errors"
	"sync"
)

// lapicQueueCap bounds the per-LAPIC IRQ submission queue; a device
// raising faster than the vCPU drains is a device bug, not something
// to buffer without limit.
const lapicQueueCap = 16

var (
	// ErrQueueFull is returned when AddIRQ is called faster than
	// Activate drains the submission queue.
	ErrQueueFull = errors.New("intr: IRQ submission queue is full")
	// ErrVectorReserved rejects vectors 0-15 (CPU exceptions), which
	// must be raised through Core.RaiseException instead.
	ErrVectorReserved = errors.New("intr: vectors 0-15 are reserved for exceptions")
	// ErrUnsupportedDeliveryMode is returned by DeliverIPI for SMI and
	// reserved delivery modes, matching apic.c's deliver_ipi default
	// case.
	ErrUnsupportedDeliveryMode = errors.New("intr: unsupported IPI delivery mode")
	// ErrInitOnBSP refuses an INIT IPI targeting the bootstrap
	// processor (apic.c's deliver_ipi: "Attempted to deliver an INIT
	// IPI to the BSP... ignoring").
	ErrInitOnBSP = errors.New("intr: INIT IPI may not target the bootstrap processor")
	// ErrSipiWithoutInit rejects a SIPI delivered to a LAPIC that
	// hasn't first received INIT (apic.c requires ipi_state==SIPI).
	ErrSipiWithoutInit = errors.New("intr: SIPI received without a preceding INIT")
)

// vecBitmap is a 256-bit vector bitmap (IRR/ISR/IER/trigger-mode),
// scanned top-down so bit 255 is highest priority, matching the APIC
// vector/priority-class convention (vector>>4 is the priority class).
type vecBitmap [4]uint64

func (b *vecBitmap) set(v uint8)      { b[v/64] |= 1 << uint(v%64) }
func (b *vecBitmap) clear(v uint8)    { b[v/64] &^= 1 << uint(v%64) }
func (b *vecBitmap) test(v uint8) bool { return b[v/64]&(1<<uint(v%64)) != 0 }

func (b *vecBitmap) highest() (uint8, bool) {
	for i := 3; i >= 0; i-- {
		if b[i] == 0 {
			continue
		}
		for j := 63; j >= 0; j-- {
			if b[i]&(1<<uint(j)) != 0 {
				return uint8(i*64 + j), true
			}
		}
	}
	return 0, false
}

// DstFormat is the LAPIC's logical-destination format register,
// grounded on apic.c's should_deliver_flat_ipi/should_deliver_cluster_ipi
// split.
type DstFormat int

const (
	DstFlat DstFormat = iota
	DstCluster
)

// IPIState tracks the INIT/SIPI handshake apic.c's deliver_ipi drives
// a target LAPIC through.
type IPIState int

const (
	IPIIdle IPIState = iota
	IPISipi
	IPIStarted
)

// RunState mirrors Palacios's core_run_state: a LAPIC that has
// received INIT but not yet SIPI parks its vCPU.
type RunState int

const (
	RunRunning RunState = iota
	RunStopped
)

// DeliveryMode is an IPI's delivery_mode field.
type DeliveryMode int

const (
	DeliveryFixed DeliveryMode = iota
	DeliveryLowestPrio
	DeliverySMI
	_ // reserved, matches apic.c's numbering gap
	DeliveryNMI
	DeliveryInit
	DeliverySipi
	DeliveryExtINT
)

// DestMode is an IPI's destination-mode field.
type DestMode int

const (
	DestPhysical DestMode = iota
	DestLogical
)

// Shorthand is an IPI's destination-shorthand field.
type Shorthand int

const (
	ShorthandNone Shorthand = iota
	ShorthandSelf
	ShorthandAll
	ShorthandAllButMe
)

// IPIDescriptor is spec §4.6's LAPIC IPI descriptor.
type IPIDescriptor struct {
	Vector      uint8
	Mode        DeliveryMode
	DestMode    DestMode
	TriggerMode TriggerMode
	Shorthand   Shorthand
	Dest        uint8
}

type queuedIRQ struct {
	vector  uint8
	trigger TriggerMode
	ack     AckFunc
	ctx     any
}

// CoreReset is core_engine's vCPU-reset collaborator: on a SIPI, the
// target's CS selector/base and RIP are set from the SIPI vector per
// apic.c's deliver_ipi IPI_SIPI case, which LAPIC cannot do itself
// since it doesn't own cpustate.
type CoreReset func(vector uint8)

// LAPIC is spec §4.6's local APIC: an IntrCore Controller that queues
// IRQs raised by devices or IPIs, plus the IPI send/receive state
// machine. Grounded on original_source/palacios/src/devices/apic.c.
type LAPIC struct {
	mu sync.Mutex

	apicID    uint8
	isBSP     bool
	logDst    uint8
	dstFormat DstFormat
	taskPrio  uint8

	ipiState IPIState
	runState RunState

	irr, isr, ier, triggerMode vecBitmap
	ack                        map[uint8]AckFunc
	ackCtx                     map[uint8]any
	queue                      []queuedIRQ

	timerVector   uint8
	timerMasked   bool
	timerPeriodic bool
	tmrInitCnt    uint32
	tmrCurCnt     uint32
	divideShift   uint

	resetVCPU CoreReset
}

// NewLAPIC builds a LAPIC with all vectors enabled by default and
// Flat destination format (apic.c's power-on default).
func NewLAPIC(apicID uint8, isBSP bool, resetVCPU CoreReset) *LAPIC {
	l := &LAPIC{
		apicID:    apicID,
		isBSP:     isBSP,
		dstFormat: DstFlat,
		ack:       make(map[uint8]AckFunc),
		ackCtx:    make(map[uint8]any),
		resetVCPU: resetVCPU,
	}
	for v := 16; v < 256; v++ {
		l.ier.set(uint8(v))
	}
	return l
}

// APICID returns this LAPIC's physical ID, used by route_ipi's
// physical-destination match.
func (l *LAPIC) APICID() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apicID
}

// SetLogicalDest and SetDstFormat implement the LAPIC's addressability
// registers, written by the guest through its MMIO/MSR page
// (core_engine's APIC device model owns that decode and calls these).
func (l *LAPIC) SetLogicalDest(dest uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logDst = dest
}

func (l *LAPIC) SetDstFormat(f DstFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dstFormat = f
}

func (l *LAPIC) SetTaskPriority(p uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taskPrio = p
}

func (l *LAPIC) TaskPriority() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taskPrio
}

func (l *LAPIC) RunState() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runState
}

// SetEnabled masks or unmasks a vector in IER; Activate skips masked
// vectors when draining the submission queue.
func (l *LAPIC) SetEnabled(vector uint8, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled {
		l.ier.set(vector)
	} else {
		l.ier.clear(vector)
	}
}

// AddIRQ implements spec §4.5's add_irq: appends to the bounded
// submission queue under lock. Vectors 0-15 are rejected since those
// are CPU exceptions, not device IRQs.
func (l *LAPIC) AddIRQ(vector uint8, trigger TriggerMode, ack AckFunc, ctx any) error {
	if vector <= 15 {
		return ErrVectorReserved
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) >= lapicQueueCap {
		return ErrQueueFull
	}
	l.queue = append(l.queue, queuedIRQ{vector: vector, trigger: trigger, ack: ack, ctx: ctx})
	return nil
}

// Activate drains the submission queue into IRR, called by VmLoop on
// every VM-entry per spec §4.5. Masked (IER-disabled) vectors are
// dropped; an already-pending IRR bit is coalesced (the queued entry
// is dropped but the original ack callback is kept, since re-raising
// an already-pending level IRQ is a no-op in real hardware).
func (l *LAPIC) Activate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queue
	l.queue = nil
	for _, e := range q {
		if !l.ier.test(e.vector) {
			continue
		}
		if l.irr.test(e.vector) {
			continue
		}
		l.irr.set(e.vector)
		if e.trigger == TriggerLevel {
			l.triggerMode.set(e.vector)
		} else {
			l.triggerMode.clear(e.vector)
		}
		if e.ack != nil {
			l.ack[e.vector] = e.ack
			l.ackCtx[e.vector] = e.ctx
		}
	}
}

// IntrPending implements the Controller contract: deliverable iff the
// highest IRR&IER vector outranks the highest in-service vector.
func (l *LAPIC) IntrPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingLocked()
}

func (l *LAPIC) pendingLocked() bool {
	var enabled vecBitmap
	for i := range enabled {
		enabled[i] = l.irr[i] & l.ier[i]
	}
	pending, ok := enabled.highest()
	if !ok {
		return false
	}
	inService, ok := l.isr.highest()
	if !ok {
		return true
	}
	return pending > inService
}

// GetIntrNumber reports (without yet committing) the vector IntrCore
// would inject next.
func (l *LAPIC) GetIntrNumber() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var enabled vecBitmap
	for i := range enabled {
		enabled[i] = l.irr[i] & l.ier[i]
	}
	v, _ := enabled.highest()
	return v
}

// BeginIRQ moves a vector from IRR to ISR once IntrCore has actually
// handed it to the guest (v3_injecting_intr's begin_irq callback).
// Edge-triggered vectors are cleared from IRR immediately; level
// vectors stay set until the device lowers them.
func (l *LAPIC) BeginIRQ(vector uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isr.set(vector)
	if !l.triggerMode.test(vector) {
		l.irr.clear(vector)
	}
}

// DoEOI implements the LAPIC EOI MMIO write: find the highest
// in-service vector, clear it, and invoke its ack callback if one was
// registered.
func (l *LAPIC) DoEOI() {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.isr.highest()
	if !ok {
		return
	}
	l.isr.clear(v)
	if l.triggerMode.test(v) {
		l.irr.clear(v)
	}

	ack := l.ack[v]
	ctx := l.ackCtx[v]
	delete(l.ack, v)
	delete(l.ackCtx, v)

	if ack != nil {
		l.mu.Unlock()
		ack(ctx)
		l.mu.Lock()
	}
}

// matchesFlatDest implements should_deliver_flat_ipi (dst_fmt
// model 0xf): any bit overlap between dest and this LAPIC's logical
// destination register delivers, and a dest of 0xff always broadcasts.
func (l *LAPIC) matchesFlatDest(dest uint8) bool {
	if dest == 0xff {
		return true
	}
	return dest&l.logDst != 0
}

// matchesClusterDest implements should_deliver_cluster_ipi (dst_fmt
// model 0x0): the upper nibble of dest must equal this LAPIC's cluster
// ID, and the lower nibble must intersect its cluster mask.
func (l *LAPIC) matchesClusterDest(dest uint8) bool {
	if dest == 0xff {
		return true
	}
	return (dest>>4) == (l.logDst>>4) && (dest&0x0f)&(l.logDst&0x0f) != 0
}

func (l *LAPIC) matchesLogicalDest(dest uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dstFormat == DstCluster {
		return l.matchesClusterDest(dest)
	}
	return l.matchesFlatDest(dest)
}

// DeliverIPI implements apic.c's deliver_ipi: this LAPIC is the
// addressed destination, and desc carries the already-resolved
// delivery mode. Routing (shorthand/logical fan-out) happens in
// router.go; DeliverIPI only applies the per-mode effect to a single
// target.
func (l *LAPIC) DeliverIPI(desc IPIDescriptor) error {
	switch desc.Mode {
	case DeliveryFixed, DeliveryLowestPrio:
		if desc.Vector < 32 {
			return ErrVectorReserved
		}
		return l.AddIRQ(desc.Vector, desc.TriggerMode, nil, nil)

	case DeliveryInit:
		l.mu.Lock()
		if l.isBSP {
			l.mu.Unlock()
			return ErrInitOnBSP
		}
		l.runState = RunStopped
		l.ipiState = IPISipi
		l.mu.Unlock()
		return nil

	case DeliverySipi:
		l.mu.Lock()
		if l.ipiState != IPISipi {
			l.mu.Unlock()
			return ErrSipiWithoutInit
		}
		l.runState = RunRunning
		l.ipiState = IPIStarted
		reset := l.resetVCPU
		l.mu.Unlock()
		if reset != nil {
			reset(desc.Vector)
		}
		return nil

	case DeliveryNMI:
		return l.AddIRQ(2, TriggerEdge, nil, nil)

	case DeliveryExtINT:
		// Ignored at the LAPIC; the legacy PIC carries ExtINT.
		return nil

	default:
		return ErrUnsupportedDeliveryMode
	}
}

// TimerLVT describes the LAPIC timer's local vector table entry.
type TimerLVT struct {
	Vector   uint8
	Masked   bool
	Periodic bool
}

// ConfigureTimer sets the timer LVT and reload count, as written by
// the guest through the LAPIC's timer MMIO registers.
func (l *LAPIC) ConfigureTimer(lvt TimerLVT, initCount uint32, divideShift uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timerVector = lvt.Vector
	l.timerMasked = lvt.Masked
	l.timerPeriodic = lvt.Periodic
	l.tmrInitCnt = initCount
	l.tmrCurCnt = initCount
	l.divideShift = divideShift
}

// Tick advances the LAPIC timer by the given number of host cycles,
// injecting the timer vector (unless masked) each time the counter
// crosses zero. Periodic mode reloads from tmr_init_cnt; one-shot
// leaves the counter at zero.
func (l *LAPIC) Tick(cycles uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tmrInitCnt == 0 {
		return
	}
	if l.tmrCurCnt == 0 {
		return
	}

	decrement := cycles >> l.divideShift
	for decrement > 0 {
		if uint64(l.tmrCurCnt) > decrement {
			l.tmrCurCnt -= uint32(decrement)
			break
		}
		decrement -= uint64(l.tmrCurCnt)
		l.tmrCurCnt = 0

		if !l.timerMasked {
			vector := l.timerVector
			l.mu.Unlock()
			_ = l.AddIRQ(vector, TriggerEdge, nil, nil)
			l.mu.Lock()
		}

		if !l.timerPeriodic {
			return
		}
		l.tmrCurCnt = l.tmrInitCnt
		if l.tmrInitCnt == 0 {
			return
		}
	}
}
