package core_engine

import (
	"fmt"
	"unsafe"

	"vmmcore/core_engine/hypervisor"
	"vmmcore/paging"
)

// scratchAllocator hands out zeroed host frames for the paging engine's
// directory/table bookkeeping levels. Those levels never leave the
// host-side Tree (see paging.Tree's doc comment), so a plain
// Go-owned, page-granular buffer stands in for the dedicated pool a
// real allocator would draw from.
type scratchAllocator struct {
	pool   []byte
	offset int
}

const scratchPageSize = 4096

func newScratchAllocator(pages int) *scratchAllocator {
	return &scratchAllocator{pool: make([]byte, pages*scratchPageSize)}
}

// alloc implements paging's unexported hostPageAlloc function type; a
// plain func() (uintptr, bool, error) literal/method value is
// assignable to it from outside the package since both share the same
// underlying type.
func (a *scratchAllocator) alloc() (uintptr, bool, error) {
	if a.offset+scratchPageSize > len(a.pool) {
		return 0, false, fmt.Errorf("core_engine: scratch allocator exhausted after %d pages", a.offset/scratchPageSize)
	}
	addr := uintptr(unsafe.Pointer(&a.pool[a.offset]))
	a.offset += scratchPageSize
	return addr, true, nil
}

const (
	pageDirBase = 0x1000
	pageTblBase = 0x2000
	pageSize4K  = 4096
	pageSize4M  = 4 << 20
)

// buildIdentityPageTables programs a classic two-level 32-bit non-PAE
// identity map of all of guest memory (Page Directory at pageDirBase,
// one Page Table per 4MB window starting at pageTblBase), walking it at
// 4KB PTE granularity rather than the teacher's single hand-written 4MB
// PDE.
//
// 4KB granularity is required here: physmem.PhysMap.GetMaxPageSize only
// promotes a fault to a large page when the host address backing the
// window is itself large-page aligned, a guarantee the single
// contiguous anonymous mmap backing guest RAM does not make (Linux only
// guarantees page, not 4MB, alignment for mmap's return address).
// Walking HandleFault/Leaf a 4KB page at a time is always valid
// regardless of that alignment; Leaf's (entry, pageSize) pair is used
// to recover the exact per-page host address even on the rare host
// where a window was promoted, by offsetting into the returned leaf by
// how far gpa sits past its page-size-aligned base.
func buildIdentityPageTables(guestMemory []byte, hostBase uintptr, memSize uint64, engine *paging.Engine) error {
	flags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER

	numWindows := int((memSize + pageSize4M - 1) / pageSize4M)
	if uint64(pageTblBase)+uint64(numWindows)*pageSize4K > memSize {
		return fmt.Errorf("core_engine: guest memory too small to hold %d identity page tables", numWindows)
	}

	for w := 0; w < numWindows; w++ {
		ptBase := uint64(pageTblBase) + uint64(w)*pageSize4K
		windowStart := uint64(w) * pageSize4M
		windowEnd := windowStart + pageSize4M
		if windowEnd > memSize {
			windowEnd = memSize
		}

		for gpa := windowStart; gpa < windowEnd; gpa += pageSize4K {
			if err := engine.HandleFault(gpa, false); err != nil {
				return fmt.Errorf("core_engine: identity-mapping gpa 0x%x: %w", gpa, err)
			}
			leaf, sz, ok := engine.Leaf(gpa)
			if !ok {
				return fmt.Errorf("core_engine: paging engine resolved no leaf for gpa 0x%x", gpa)
			}
			leafBaseGPA := gpa &^ (sz - 1)
			hpa := uint64(leaf.PageBase) + (gpa - leafBaseGPA)
			pageGPA := hpa - uint64(hostBase)

			pte := hypervisor.NewPTE(uint32(pageGPA), flags)
			putUint32LE(guestMemory, ptBase+((gpa-windowStart)/pageSize4K)*4, pte)
		}

		pde := hypervisor.NewPDEtoPT(uint32(ptBase), flags)
		putUint32LE(guestMemory, uint64(pageDirBase)+uint64(w)*4, pde)
	}
	return nil
}

func putUint32LE(mem []byte, offset uint64, v uint32) {
	mem[offset+0] = byte(v >> 0)
	mem[offset+1] = byte(v >> 8)
	mem[offset+2] = byte(v >> 16)
	mem[offset+3] = byte(v >> 24)
}
