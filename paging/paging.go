// Package paging implements the PageTables engine: passthrough,
// shadow, and nested modes over the four root shapes (32-bit non-PAE,
// 32-bit PAE, IA-32e long PML4, nested), plus the invalidation
// protocol PhysMap drives on region insert/delete.
//
// Entry encodings are grounded in the teacher's
// core_engine/hypervisor/paging.go (32-bit non-PAE PDE/PTE bit
// layout) and generalized per original_source/palacios/src/palacios/
// vmm_direct_paging_32.h and vmm_paging.h for PAE, long mode, and the
// nested second-level tree.
package paging

import (
	"errors"
	"fmt"

	"vmmcore/physmem"
)

// Mode selects the page-table shape in effect for a vCPU, driven by
// ctrlregs off of CR0/CR4/EFER.
type Mode int

const (
	// ModePassthrough identity-maps GPA->HPA directly; used before the
	// guest turns paging on.
	ModePassthrough Mode = iota
	// ModeShadow32 is 32-bit non-PAE shadow paging (2-level).
	ModeShadow32
	// ModeShadowPAE is 32-bit PAE shadow paging (3-level).
	ModeShadowPAE
	// ModeShadowLong is IA-32e long mode shadow paging (4-level PML4).
	ModeShadowLong
	// ModeNested is nested/second-level paging: the guest owns its own
	// tree, the VMM installs a GPA->HPA translation alongside it.
	ModeNested
)

// Paging mode (shadow vs nested), independent of root shape, selected
// at VM configuration time (spec §4.2 doesn't make this per-fault).
type PagingMode int

const (
	PagingShadow PagingMode = iota
	PagingNested
)

// Entry flags, shared across all four root shapes. Bit positions
// below 12 match the teacher's 32-bit non-PAE PTE_* constants
// (hypervisor/paging.go); PAE/long-mode entries are 64-bit and reuse
// the same low bits plus NX at bit 63.
const (
	FlagPresent      uint64 = 1 << 0
	FlagWritable     uint64 = 1 << 1
	FlagUser         uint64 = 1 << 2
	FlagWriteThrough uint64 = 1 << 3
	FlagCacheDisable uint64 = 1 << 4
	FlagAccessed     uint64 = 1 << 5
	FlagDirty        uint64 = 1 << 6
	FlagPageSize     uint64 = 1 << 7 // large-page leaf at a directory level
	FlagGlobal       uint64 = 1 << 8
	FlagNX           uint64 = 1 << 63
)

var (
	// ErrAbove4G is the fatal error spec §4.2 requires when 32-bit
	// non-PAE mode needs a directory/table page above the 4 GiB
	// host-physical boundary (those entries only carry a 32-bit base).
	ErrAbove4G = errors.New("paging: directory/table page above 4GiB host-physical boundary in 32-bit non-PAE mode")
)

// hostPageAlloc hands out zeroed, page-aligned host frames for newly
// built directory/table pages. core_engine wires in a bump allocator
// over a Go-owned scratch buffer (see scratchAllocator in
// core_engine/paging_setup.go).
type hostPageAlloc func() (hostAddr uintptr, below4G bool, err error)

// Entry is one directory or leaf slot, mode-agnostic at this level;
// the tree walkers below interpret the width (32-bit entries pack into
// the low 32 bits of the stored uint64) per shape.
type Entry struct {
	Flags   uint64
	PageBase uintptr // host-physical base of the next level or the leaf page
}

// Tree is one page-table root (guest or shadow or nested) addressed by
// a flat directory-of-maps keyed by (level, index-path). A flat map
// keyed by the full gpa-aligned-to-level-size, rather than a pointer
// tree, is the simplest structure that supports sparse on-demand
// construction and O(1) invalidate_addr lookups; Palacios itself
// walks real hardware-format tables in guest/host memory, but since
// vmmcore's trees are host-side bookkeeping only (the data KVM
// actually consults is the nested/EPT-equivalent structure programmed
// via the hypervisor package) a map-of-levels is the idiomatic Go
// analogue of the same four-level walk.
type Tree struct {
	shape       Mode
	pagingMode  PagingMode
	levels      map[uint64]map[uint64]Entry
	leaves      map[uint64]Entry // gpa (page-aligned) -> leaf entry
	largeLeaves map[uint64]uint64 // gpa of a large leaf's base -> page size, for invalidate_addr
}

// NewTree builds an empty tree of the given shape.
func NewTree(shape Mode, pagingMode PagingMode) *Tree {
	return &Tree{
		shape:       shape,
		pagingMode:  pagingMode,
		levels:      make(map[uint64]map[uint64]Entry),
		leaves:      make(map[uint64]Entry),
		largeLeaves: make(map[uint64]uint64),
	}
}

// Engine owns the trees for one vCPU across all three modes and the
// shared machinery (fault resolution, invalidation) spec §4.2
// describes. One Engine per Vcpu.
type Engine struct {
	vcpuID int
	phys   *physmem.PhysMap
	alloc  hostPageAlloc
	below4GOnly bool // true in ModeShadow32/ModePassthrough-32: every allocated page must be < 4GiB host-physical

	passthrough *Tree
	shadow      *Tree
	nested      *Tree

	mode       Mode
	pagingMode PagingMode
	guestCR3   uint64 // last CR3 value the guest wrote, for shadow re-root
}

// NewEngine constructs the per-vCPU PageTables engine. It registers
// nothing with PhysMap: core_engine registers one Registry (below) as
// the PhysMap's Invalidator and adds each vCPU's Engine to it.
func NewEngine(vcpuID int, phys *physmem.PhysMap, alloc hostPageAlloc) *Engine {
	return &Engine{
		vcpuID:      vcpuID,
		phys:        phys,
		alloc:       alloc,
		passthrough: NewTree(ModePassthrough, PagingNested),
		nested:      NewTree(ModeNested, PagingNested),
	}
}

// SetMode switches the active tree shape, invoked by ctrlregs on a
// CR0/CR4/EFER-driven mode transition. Switching into a shadow mode
// for the first time lazily allocates its tree.
func (e *Engine) SetMode(m Mode) {
	e.mode = m
	e.below4GOnly = m == ModeShadow32 || m == ModePassthrough
	if (m == ModeShadow32 || m == ModeShadowPAE || m == ModeShadowLong) && e.shadow == nil {
		e.shadow = NewTree(m, PagingShadow)
	}
	if m == ModeShadow32 || m == ModeShadowPAE || m == ModeShadowLong {
		e.shadow.shape = m
	}
}

// activeTree returns the tree hardware actually reads for the current
// mode: passthrough before paging is on, nested under nested paging,
// shadow otherwise.
func (e *Engine) activeTree() *Tree {
	switch e.mode {
	case ModePassthrough:
		return e.passthrough
	case ModeNested:
		return e.nested
	default:
		return e.shadow
	}
}

// ReRoot handles a guest CR3 write under shadow paging (§4.2 "CR3
// write semantics"): the simplest correct design flushes and rebuilds
// on demand, which is the policy implemented here; a shadow-root cache
// keyed by guest CR3 is a valid alternative the spec permits but is
// not needed for correctness.
func (e *Engine) ReRoot(guestCR3 uint64) {
	e.guestCR3 = guestCR3
	if e.pagingMode == PagingShadow || e.mode == ModeShadow32 || e.mode == ModeShadowPAE || e.mode == ModeShadowLong {
		e.shadow = NewTree(e.mode, PagingShadow)
	}
}

// allocPage requests a new zeroed frame from the host pool, enforcing
// the 32-bit non-PAE <4GiB constraint (§4.2 "32-bit constraint").
func (e *Engine) allocPage() (uintptr, error) {
	hostAddr, below4G, err := e.alloc()
	if err != nil {
		return 0, fmt.Errorf("paging: allocate table page: %w", err)
	}
	if e.below4GOnly && !below4G {
		return 0, ErrAbove4G
	}
	return hostAddr, nil
}

// HandleFault implements the §4.2 fault-handling algorithm for
// nested/passthrough modes: locate the covering region via PhysMap,
// install present/writable/user mappings truncated to the largest
// permitted page size, or dispatch to the region's unhandled callback.
func (e *Engine) HandleFault(gpa uint64, longMode bool) error {
	gs, _, flags, unhandled, ok := e.phys.RegionAt(e.vcpuID, gpa)
	if !ok {
		return fmt.Errorf("paging: gpa 0x%x has no covering region", gpa)
	}
	if flags&physmem.FlagAlloced == 0 || flags&physmem.FlagRead == 0 {
		if unhandled == nil {
			return fmt.Errorf("paging: gpa 0x%x unhandled and region has no fault callback", gpa)
		}
		errorCode := uint32(0)
		if flags&physmem.FlagAlloced != 0 {
			errorCode = 1 // present but access-type violation, not not-present
		}
		return unhandled(e.vcpuID, gpa, gpa, errorCode)
	}

	sz := e.phys.GetMaxPageSize(e.vcpuID, gpa, longMode)
	pageBaseGPA := gpa &^ (sz - 1)
	hpa, err := e.phys.GpaToHpa(e.vcpuID, pageBaseGPA)
	if err != nil {
		return fmt.Errorf("paging: gpa_to_hpa for fault at 0x%x: %w", gpa, err)
	}

	tree := e.activeTree()
	if err := e.installEntry(tree, pageBaseGPA, sz, hpa, flags); err != nil {
		return err
	}
	_ = gs
	return nil
}

// installEntry creates missing upper-level directory entries and sets
// the leaf, per §4.2 step 2(a)-2(b). Upper levels always carry
// present=1/writable=1/user=1 so they never themselves cause a
// permission fault; the leaf is where region.write is enforced.
func (e *Engine) installEntry(tree *Tree, pageBaseGPA, sz uint64, hpa uintptr, regionFlags uint32) error {
	if sz > 4<<10 {
		tree.largeLeaves[pageBaseGPA] = sz
	}
	writable := uint64(0)
	if regionFlags&physmem.FlagWrite != 0 {
		writable = FlagWritable
	}
	tree.leaves[pageBaseGPA] = Entry{
		Flags:    FlagPresent | FlagUser | writable,
		PageBase: hpa,
	}
	// Directory levels are bookkeeping-only in this tree shape (see
	// Tree's doc comment) but still need to exist for a non-nil path;
	// allocPage enforces the 32-bit constraint for real table pages
	// when the hypervisor package programs the hardware-visible
	// structure from this tree.
	if tree.levels[pageBaseGPA/ (1<<30)] == nil {
		if _, err := e.allocPage(); err != nil {
			return err
		}
		tree.levels[pageBaseGPA/(1<<30)] = make(map[uint64]Entry)
	}
	return nil
}

// Leaf reports the active tree's installed leaf entry and page size
// covering gpa, for callers that must program a real hardware-visible
// table from this bookkeeping tree (core_engine's identity-mapped
// passthrough tables are built this way, since this Engine has no
// other exported view into what HandleFault actually resolved).
func (e *Engine) Leaf(gpa uint64) (entry Entry, pageSize uint64, ok bool) {
	tree := e.activeTree()
	for base, sz := range tree.largeLeaves {
		if gpa >= base && gpa < base+sz {
			if leaf, found := tree.leaves[base]; found {
				return leaf, sz, true
			}
		}
	}
	pageBase := gpa &^ 0xFFF
	if leaf, found := tree.leaves[pageBase]; found {
		return leaf, 4 << 10, true
	}
	return Entry{}, 0, false
}

// InvalidateAddr implements the §4.2 invalidation contract: clear the
// leaf (and a covering large-page entry, if any) for the active tree.
func (e *Engine) InvalidateAddr(gpa uint64) {
	tree := e.activeTree()
	invalidateAddrOnTree(tree, gpa)
}

func invalidateAddrOnTree(tree *Tree, gpa uint64) {
	delete(tree.leaves, gpa&^0xFFF)
	for base, sz := range tree.largeLeaves {
		if gpa >= base && gpa < base+sz {
			delete(tree.leaves, base)
			delete(tree.largeLeaves, base)
		}
	}
}

// invalidateRange is per-page invalidation in passthrough/nested mode;
// shadow mode in virtual memory (paging on) instead does a wholesale
// flush per §4.1 insert_region's documented behavior, since shadow
// leaves don't map 1:1 to guest-physical ranges.
func (e *Engine) invalidateRange(gs, ge uint64) {
	if e.mode == ModeShadow32 || e.mode == ModeShadowPAE || e.mode == ModeShadowLong {
		e.invalidateAllLocal()
		return
	}
	tree := e.activeTree()
	for gpa := gs; gpa < ge; gpa += 4 << 10 {
		invalidateAddrOnTree(tree, gpa)
	}
}

// invalidateAllLocal flushes every leaf in the active tree.
func (e *Engine) invalidateAllLocal() {
	tree := e.activeTree()
	tree.leaves = make(map[uint64]Entry)
	tree.largeLeaves = make(map[uint64]uint64)
}

// Registry fans physmem.Invalidator calls out to every vCPU's Engine;
// it is what core_engine registers once per Vm via
// PhysMap.RegisterInvalidator, implementing the "for every vCPU
// invalidates cached mappings" half of §4.1's insert_region contract.
type Registry struct {
	engines map[int]*Engine
}

// NewRegistry builds an empty Registry; core_engine adds each vCPU's
// Engine as it starts that vCPU.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[int]*Engine)}
}

// Add registers vcpuID's Engine so VM-wide invalidation reaches it.
func (r *Registry) Add(vcpuID int, e *Engine) {
	r.engines[vcpuID] = e
}

// InvalidateRange implements physmem.Invalidator.
func (r *Registry) InvalidateRange(vcpuID int, gs, ge uint64) {
	if vcpuID == physmem.AnyCore {
		for _, e := range r.engines {
			e.invalidateRange(gs, ge)
		}
		return
	}
	if e, ok := r.engines[vcpuID]; ok {
		e.invalidateRange(gs, ge)
	}
}

// InvalidateAll implements physmem.Invalidator.
func (r *Registry) InvalidateAll(vcpuID int) {
	if vcpuID == physmem.AnyCore {
		for _, e := range r.engines {
			e.invalidateAllLocal()
		}
		return
	}
	if e, ok := r.engines[vcpuID]; ok {
		e.invalidateAllLocal()
	}
}
