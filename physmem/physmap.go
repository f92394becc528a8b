// Package physmem implements the guest-physical address space: a flat
// array of base blocks covering [0, guest_mem_size) plus a sorted set
// of overlay regions that shadow the base blocks where they overlap.
// Grounded on original_source/palacios/src/palacios/vmm_mem.c and
// vm_guest_mem.c (region lookup, insert/delete, fault dispatch).
package physmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Region flags.
const (
	FlagRead    uint32 = 1 << 0
	FlagWrite   uint32 = 1 << 1
	FlagExec    uint32 = 1 << 2
	FlagAlloced uint32 = 1 << 3
	FlagBase    uint32 = 1 << 4
)

// AnyCore marks an overlay as VM-wide rather than per-vCPU.
const AnyCore = -1

var (
	// ErrNotMapped is returned by GpaToHpa when the gpa falls in a
	// region that is not backed by host memory (a hook region); the
	// caller dispatches to emulation instead of treating it as fatal.
	ErrNotMapped = errors.New("physmem: gpa not backed by host memory")
	// ErrOverlap is returned by InsertRegion for a conflicting range.
	ErrOverlap = errors.New("physmem: overlay region overlaps an existing one")
)

// BaseBlock is one fixed-size slab of the linear base array.
type BaseBlock struct {
	HostAddr   uintptr
	GuestStart uint64
	GuestEnd   uint64
	NumaID     int
	Flags      uint32
}

func (b *BaseBlock) contains(gpa uint64) bool {
	return gpa >= b.GuestStart && gpa < b.GuestEnd
}

// FaultHandler is invoked when a guest access violates a region's
// flags (e.g. a write to a read-only hooked region). It may emulate
// the access, request a #PF injection, or terminate the VM.
type FaultHandler func(vcpuID int, faultAddr, gpa uint64, errorCode uint32) error

// TranslateFunc lets a region compute its host address dynamically
// instead of a fixed linear offset (e.g. a device's internal buffer).
type TranslateFunc func(gpa uint64) (uintptr, error)

// Region is an overlay: VM-wide (CoreID == AnyCore) or private to one
// vCPU, shadowing base blocks where its range overlaps them.
type Region struct {
	GuestStart     uint64
	GuestEnd       uint64
	HostAddr       uintptr
	Flags          uint32
	CoreID         int
	Unhandled      FaultHandler
	Translate      TranslateFunc
}

func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.GuestStart && gpa < r.GuestEnd
}

func (r *Region) visibleTo(vcpuID int) bool {
	return r.CoreID == AnyCore || r.CoreID == vcpuID
}

// Invalidator is implemented by the paging engine so PhysMap can drive
// cache invalidation on insert/delete without importing the paging
// package (which imports physmem), breaking the dependency cycle the
// same way the teacher splits hypervisor/core_engine.
type Invalidator interface {
	InvalidateRange(vcpuID int, guestStart, guestEnd uint64)
	InvalidateAll(vcpuID int)
}

// PhysMap is the two-level guest-physical address map described in
// spec §3/§4.1: base blocks plus overlay regions.
type PhysMap struct {
	mu           sync.RWMutex
	blockSize    uint64
	guestMemSize uint64
	blocks       []BaseBlock
	regions      []*Region // kept sorted by GuestEnd then CoreID
	numCores     int
	invalidators []Invalidator
}

// New builds a PhysMap whose base blocks exactly cover
// [0, guestMemSize) in blockSize chunks, each initially backed by
// hostBase+offset (a single contiguous host mmap, as the teacher's
// VirtualMachine.guestMemory is laid out).
func New(guestMemSize, blockSize uint64, hostBase uintptr, numaID int, numCores int) (*PhysMap, error) {
	if blockSize == 0 || guestMemSize%blockSize != 0 {
		return nil, fmt.Errorf("physmem: guestMemSize %d not a multiple of blockSize %d", guestMemSize, blockSize)
	}

	pm := &PhysMap{
		blockSize:    blockSize,
		guestMemSize: guestMemSize,
		numCores:     numCores,
	}

	numBlocks := guestMemSize / blockSize
	pm.blocks = make([]BaseBlock, numBlocks)
	for i := range pm.blocks {
		start := uint64(i) * blockSize
		pm.blocks[i] = BaseBlock{
			HostAddr:   hostBase + uintptr(start),
			GuestStart: start,
			GuestEnd:   start + blockSize,
			NumaID:     numaID,
			Flags:      FlagRead | FlagWrite | FlagExec | FlagAlloced | FlagBase,
		}
	}
	return pm, nil
}

// RegisterInvalidator wires a paging engine instance so region
// mutation can drive the invalidation protocol in spec §4.2.
func (pm *PhysMap) RegisterInvalidator(inv Invalidator) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.invalidators = append(pm.invalidators, inv)
}

// baseBlockFor returns the base block covering gpa, or nil if gpa is
// out of range entirely.
func (pm *PhysMap) baseBlockFor(gpa uint64) *BaseBlock {
	if gpa >= pm.guestMemSize {
		return nil
	}
	idx := gpa / pm.blockSize
	if idx >= uint64(len(pm.blocks)) {
		return nil
	}
	return &pm.blocks[idx]
}

// lookupLocked returns the most specific region covering (vcpuID, gpa):
// a matching overlay takes priority over the base block, and a
// per-core overlay takes priority over an AnyCore one. Caller must
// hold pm.mu for reading.
func (pm *PhysMap) lookupLocked(vcpuID int, gpa uint64) (guestStart, guestEnd uint64, hostAddr uintptr, flags uint32, unhandled FaultHandler, translate TranslateFunc, isOverlay bool) {
	var best *Region
	for _, r := range pm.regions {
		if !r.contains(gpa) || !r.visibleTo(vcpuID) {
			continue
		}
		if best == nil || (best.CoreID == AnyCore && r.CoreID != AnyCore) {
			best = r
		}
	}
	if best != nil {
		return best.GuestStart, best.GuestEnd, best.HostAddr, best.Flags, best.Unhandled, best.Translate, true
	}

	if b := pm.baseBlockFor(gpa); b != nil {
		return b.GuestStart, b.GuestEnd, b.HostAddr, b.Flags, nil, nil, false
	}
	return 0, 0, 0, 0, nil, nil, false
}

// GpaToHpa implements the §4.1 gpa_to_hpa contract.
func (pm *PhysMap) GpaToHpa(vcpuID int, gpa uint64) (uintptr, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	gs, ge, hostAddr, flags, _, translate, _ := pm.lookupLocked(vcpuID, gpa)
	if ge == 0 && gs == 0 && flags == 0 {
		return 0, fmt.Errorf("physmem: gpa 0x%x out of range", gpa)
	}
	if flags&FlagAlloced == 0 {
		return 0, ErrNotMapped
	}
	if translate != nil {
		return translate(gpa)
	}
	return hostAddr + uintptr(gpa-gs), nil
}

// RegionAt exposes the full region description covering (vcpuID, gpa)
// for callers (PageTables) that need flags/unhandled callbacks, not
// just the translated address.
func (pm *PhysMap) RegionAt(vcpuID int, gpa uint64) (guestStart, guestEnd uint64, flags uint32, unhandled FaultHandler, ok bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	gs, ge, _, flags, unhandled, _, _ := pm.lookupLocked(vcpuID, gpa)
	if ge == 0 && gs == 0 && flags == 0 {
		return 0, 0, 0, nil, false
	}
	return gs, ge, flags, unhandled, true
}

// GetNextRegion returns the overlay with the smallest GuestStart >= gpa
// visible to vcpuID.
func (pm *PhysMap) GetNextRegion(vcpuID int, gpa uint64) (*Region, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var best *Region
	for _, r := range pm.regions {
		if r.GuestStart < gpa || !r.visibleTo(vcpuID) {
			continue
		}
		if best == nil || r.GuestStart < best.GuestStart {
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// naturalPageSizes, largest first, used by GetMaxPageSize.
var naturalPageSizes = []uint64{1 << 30, 4 << 20, 2 << 20, 4 << 10}

// GetMaxPageSize implements §4.1's promotion query: the largest
// natural page size for which the region covering gpa is contiguous in
// host memory and aligned at that size. longMode gates 1G consideration
// per spec (only long mode uses 1G leaves).
//
// A sub-region (overlay) may not straddle a base-block boundary for
// promotion purposes (§4.1 invariant), so an overlay hit restricts the
// candidate window to its own [GuestStart,GuestEnd). Plain base-block
// RAM is backed by one contiguous host allocation spanning many base
// blocks (the blocks exist for bookkeeping/NUMA accounting, not
// because the backing memory is actually discontiguous at those
// boundaries), so a window is allowed to span several base blocks as
// long as every block in it shares the same linear host-to-guest
// offset and NUMA zone.
func (pm *PhysMap) GetMaxPageSize(vcpuID int, gpa uint64, longMode bool) uint64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	gs, ge, hostAddr, flags, _, translate, isOverlay := pm.lookupLocked(vcpuID, gpa)
	if flags&FlagAlloced == 0 || translate != nil {
		// Hooked/dynamic regions never promote past 4K.
		return 4 << 10
	}

	for _, sz := range naturalPageSizes {
		if sz == (1 << 30) && !longMode {
			continue
		}
		winStart := gpa - (gpa % sz)
		winEnd := winStart + sz
		if winEnd > pm.guestMemSize {
			continue
		}

		if isOverlay {
			if winStart < gs || winEnd > ge {
				continue
			}
			hpaWinStart := hostAddr + uintptr(winStart-gs)
			if uint64(hpaWinStart)%sz != 0 {
				continue
			}
			return sz
		}

		if pm.overlayInterruptsLocked(vcpuID, winStart, winEnd) {
			continue
		}
		if pm.baseRangeContiguous(winStart, winEnd, hostAddr, gs) && uint64(hostAddr+uintptr(winStart-gs))%sz == 0 {
			return sz
		}
	}
	return 4 << 10
}

// overlayInterruptsLocked reports whether any overlay visible to vcpuID
// falls inside [winStart,winEnd), which would make the window's host
// backing non-uniform even if the underlying base blocks are
// contiguous. Caller must hold pm.mu.
func (pm *PhysMap) overlayInterruptsLocked(vcpuID int, winStart, winEnd uint64) bool {
	for _, r := range pm.regions {
		if !r.visibleTo(vcpuID) {
			continue
		}
		if r.GuestStart < winEnd && r.GuestEnd > winStart {
			return true
		}
	}
	return false
}

// baseRangeContiguous checks that every base block intersecting
// [winStart,winEnd) shares the same NUMA zone and the same
// HostAddr-GuestStart offset as the block anchoring (hostAddr, gs), so
// the window is one linear host range.
func (pm *PhysMap) baseRangeContiguous(winStart, winEnd uint64, anchorHost uintptr, anchorGuestStart uint64) bool {
	wantOffset := int64(anchorHost) - int64(anchorGuestStart)
	wantZone := -1
	for gpa := winStart; gpa < winEnd; gpa += pm.blockSize - (gpa % pm.blockSize) {
		b := pm.baseBlockFor(gpa)
		if b == nil {
			return false
		}
		offset := int64(b.HostAddr) - int64(b.GuestStart)
		if offset != wantOffset {
			return false
		}
		if wantZone == -1 {
			wantZone = b.NumaID
		} else if b.NumaID != wantZone {
			return false
		}
	}
	return true
}

// validateNoOverlap enforces "R does not overlap another region with
// the same (core_id or ANY)" — core_id disambiguation is allowed, so
// two regions with different specific core_ids (or one ANY + a
// specific core_id are permitted) may overlap in gpa range.
func (pm *PhysMap) validateNoOverlap(r *Region) error {
	for _, existing := range pm.regions {
		if existing.CoreID != r.CoreID {
			continue
		}
		if r.GuestStart < existing.GuestEnd && existing.GuestStart < r.GuestEnd {
			return fmt.Errorf("%w: [0x%x,0x%x) core=%d vs existing [0x%x,0x%x)",
				ErrOverlap, r.GuestStart, r.GuestEnd, r.CoreID, existing.GuestStart, existing.GuestEnd)
		}
	}
	return nil
}

// InsertRegion validates non-overlap, inserts the overlay in sorted
// order, then invalidates every vCPU's cached translations covering
// the new range (per-page where an invalidator supports it, wholesale
// flush otherwise — invalidators decide which).
func (pm *PhysMap) InsertRegion(r *Region) error {
	if r.GuestEnd <= r.GuestStart {
		return fmt.Errorf("physmem: region guest_end <= guest_start")
	}

	pm.mu.Lock()
	if err := pm.validateNoOverlap(r); err != nil {
		pm.mu.Unlock()
		return err
	}
	pm.regions = append(pm.regions, r)
	sort.Slice(pm.regions, func(i, j int) bool {
		if pm.regions[i].GuestEnd != pm.regions[j].GuestEnd {
			return pm.regions[i].GuestEnd < pm.regions[j].GuestEnd
		}
		return pm.regions[i].CoreID < pm.regions[j].CoreID
	})
	invalidators := append([]Invalidator(nil), pm.invalidators...)
	numCores := pm.numCores
	pm.mu.Unlock()

	pm.invalidateForRegion(invalidators, numCores, r)
	return nil
}

// DeleteRegion is the symmetric operation: remove then invalidate.
// Permitted on a Running VM; the caller (VmLoop via the barrier) must
// ensure every vCPU has reached its barrier checkpoint before this
// returns so the invariant in spec §8 (delete completes invalidation
// before returning) holds end to end.
func (pm *PhysMap) DeleteRegion(r *Region) error {
	pm.mu.Lock()
	idx := -1
	for i, existing := range pm.regions {
		if existing == r {
			idx = i
			break
		}
	}
	if idx == -1 {
		pm.mu.Unlock()
		return fmt.Errorf("physmem: region not found for deletion")
	}
	pm.regions = append(pm.regions[:idx], pm.regions[idx+1:]...)
	invalidators := append([]Invalidator(nil), pm.invalidators...)
	numCores := pm.numCores
	pm.mu.Unlock()

	pm.invalidateForRegion(invalidators, numCores, r)
	return nil
}

func (pm *PhysMap) invalidateForRegion(invalidators []Invalidator, numCores int, r *Region) {
	cores := []int{r.CoreID}
	if r.CoreID == AnyCore {
		cores = make([]int, numCores)
		for i := range cores {
			cores[i] = i
		}
	}
	for _, inv := range invalidators {
		for _, c := range cores {
			inv.InvalidateRange(c, r.GuestStart, r.GuestEnd)
		}
	}
}

// NumaStats summarizes how many base-block bytes are assigned per NUMA
// zone, supporting the §8 boundary behavior ("cross-node memory
// assignment... allocated base-block pages come from the requested
// zone").
func (pm *PhysMap) NumaStats() map[int]uint64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := make(map[int]uint64)
	for _, b := range pm.blocks {
		stats[b.NumaID] += b.GuestEnd - b.GuestStart
	}
	return stats
}

// Regions returns a snapshot (copies) of the current overlay list.
func (pm *PhysMap) Regions() []Region {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]Region, len(pm.regions))
	for i, r := range pm.regions {
		out[i] = *r
	}
	return out
}

// GuestMemSize returns the size of the base address space.
func (pm *PhysMap) GuestMemSize() uint64 { return pm.guestMemSize }
