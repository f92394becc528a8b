// Package cpuid implements the CPUID interception table spec §3.8
// promises alongside the hypercall dispatch table: the host's native
// CPUID leaves are the default, but a handful of leaves (the
// hypervisor-presence bit, the paravirtual signature leaves) must be
// overridden before the guest ever sees them, the same "intercept,
// then optionally pass through" shape as ctrlregs' MSR handling and
// hypercall.Map's vmmcall dispatch.
//
// Grounded on original_source/palacios/include/palacios/vmm_cpuid.h's
// v3_cpuid_hook_t table (per-(function,index) override callbacks layered
// over the host's raw CPUID result) and, for the specific paravirtual
// leaves, the KVM/Xen convention of reserving 0x40000000-0x400000FF for
// a hypervisor vendor-signature leaf.
package cpuid

import "sync"

// Leaf identifies one CPUID(EAX=Function, ECX=Index) result.
type Leaf struct {
	Function uint32
	Index    uint32
}

// Result is the four-register CPUID output for a leaf.
type Result struct {
	EAX, EBX, ECX, EDX uint32
}

// Handler overrides host's raw result for a leaf before the guest sees
// it, mirroring v3_cpuid_hook_t's fn(cpuid_num, ..., priv_data).
type Handler func(host Result) Result

// Hooks is the per-Vm (not per-vCPU: CPUID leaves don't vary across a
// VM's vCPUs in vmmcore's model) interception table.
type Hooks struct {
	mu       sync.RWMutex
	handlers map[Leaf]Handler
}

// NewHooks returns an empty interception table.
func NewHooks() *Hooks {
	return &Hooks{handlers: make(map[Leaf]Handler)}
}

// Register installs an override for (function, index). A zero index
// matches leaves that don't use subleaves; Apply only consults Index
// when the caller's raw entry carries KVM's "significant index" flag.
func (h *Hooks) Register(function, index uint32, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[Leaf{Function: function, Index: index}] = handler
}

// Lookup returns the registered handler for (function, index), if any.
func (h *Hooks) Lookup(function, index uint32) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[Leaf{Function: function, Index: index}]
	return handler, ok
}

const (
	// HypervisorSignatureLeaf is the first of the reserved paravirtual
	// leaves (0x40000000), whose EAX reports the highest leaf in the
	// reserved range and whose EBX/ECX/EDX carry a 12-byte ASCII vendor
	// signature, per the KVM/Xen/Hyper-V convention.
	HypervisorSignatureLeaf uint32 = 0x40000000
	// HypervisorInterfaceLeaf is the interface-identification leaf
	// immediately after the signature leaf.
	HypervisorInterfaceLeaf uint32 = 0x40000001

	// hypervisorPresentBit is CPUID.1:ECX[31], the guest's standard way
	// of detecting it is running virtualized.
	hypervisorPresentBit uint32 = 1 << 31
)

// DefaultHooks returns the interception table vmmcore installs on
// every Vm: the hypervisor-presence bit on leaf 1, and a two-leaf
// "VMMCORE1" paravirtual signature block, the same shape real
// hypervisors expose so guest OSes that probe for a known hypervisor
// signature don't fall back to bare-metal assumptions.
func DefaultHooks() *Hooks {
	h := NewHooks()
	h.Register(1, 0, func(host Result) Result {
		host.ECX |= hypervisorPresentBit
		return host
	})
	h.Register(HypervisorSignatureLeaf, 0, func(Result) Result {
		return Result{
			EAX: HypervisorInterfaceLeaf,
			EBX: 0x4d4d5656, // "VVMM"
			ECX: 0x45524f43, // "CORE"
			EDX: 0x00000031, // "1\0\0\0"
		}
	})
	h.Register(HypervisorInterfaceLeaf, 0, func(Result) Result {
		return Result{EAX: 0x31435356} // "VSC1"
	})
	return h
}

// Apply overrides any entries matching a registered hook in place,
// leaving every other leaf at the host's native value.
func (h *Hooks) Apply(entries []Result, leaves []Leaf) {
	for i, l := range leaves {
		if handler, ok := h.Lookup(l.Function, l.Index); ok {
			entries[i] = handler(entries[i])
		}
	}
}
