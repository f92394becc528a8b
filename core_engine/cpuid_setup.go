package core_engine

import (
	"fmt"

	"vmmcore/core_engine/hypervisor"
	"vmmcore/cpuid"
)

// maxCPUIDEntries bounds the host CPUID leaf table KVM_GET_SUPPORTED_CPUID
// reports; 128 comfortably covers every standard and extended leaf a
// real host exposes.
const maxCPUIDEntries = 128

// applyCPUIDHooks fetches the host's native CPUID leaves, folds in the
// paravirtual overrides from hooks, and programs the result onto
// vcpuFD. Any paravirtual leaf the host doesn't natively report (every
// bare-metal host, for the 0x40000000 range) is appended as a zeroed
// entry before hooks run so Apply still has a slot to fill in.
func applyCPUIDHooks(kvmFD, vcpuFD int, hooks *cpuid.Hooks) error {
	hw, err := hypervisor.DoKVMGetSupportedCPUID(kvmFD, maxCPUIDEntries)
	if err != nil {
		return fmt.Errorf("core_engine: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	hw = ensureHypervisorLeaves(hw)

	leaves := make([]cpuid.Leaf, len(hw))
	results := make([]cpuid.Result, len(hw))
	for i, e := range hw {
		leaves[i] = cpuid.Leaf{Function: e.Function, Index: e.Index}
		results[i] = cpuid.Result{EAX: e.EAX, EBX: e.EBX, ECX: e.ECX, EDX: e.EDX}
	}

	hooks.Apply(results, leaves)

	for i := range hw {
		hw[i].EAX, hw[i].EBX, hw[i].ECX, hw[i].EDX = results[i].EAX, results[i].EBX, results[i].ECX, results[i].EDX
	}
	return hypervisor.DoKVMSetCPUID2(vcpuFD, hw)
}

func ensureHypervisorLeaves(entries []hypervisor.KvmCPUIDEntry2) []hypervisor.KvmCPUIDEntry2 {
	have := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		have[e.Function] = true
	}
	for _, fn := range []uint32{cpuid.HypervisorSignatureLeaf, cpuid.HypervisorInterfaceLeaf} {
		if !have[fn] {
			entries = append(entries, hypervisor.KvmCPUIDEntry2{Function: fn})
		}
	}
	return entries
}
