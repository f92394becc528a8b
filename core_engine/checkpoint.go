package core_engine

import (
	"fmt"
	"io"

	"vmmcore/checkpoint"
)

// Save writes a full VM checkpoint (every vCPU's architectural state
// plus all of guest RAM, page-granular) to w, per spec §6. The VM is
// quiesced via the Barrier for the duration so no vCPU goroutine
// mutates cpustate or guest RAM mid-write.
func (vm *VirtualMachine) Save(w io.Writer) error {
	if err := vm.barrier.Pause(); err != nil {
		return fmt.Errorf("core_engine: Save: %w", err)
	}
	defer vm.barrier.Continue()

	cw := checkpoint.NewWriter(w)
	for _, vcpu := range vm.vcpus {
		if err := cw.WriteCPUCheckpoint(vcpu.id, vcpu.cpu.Checkpoint()); err != nil {
			return fmt.Errorf("core_engine: checkpointing vcpu %d: %w", vcpu.id, err)
		}
	}
	if err := checkpoint.WriteRAMPages(cw, vm.guestMemory, checkpoint.DefaultPageSize); err != nil {
		return fmt.Errorf("core_engine: checkpointing guest RAM: %w", err)
	}
	return nil
}

// Load restores a VM checkpoint written by Save. Per-vCPU hardware
// registers are written back immediately so the guest resumes from
// exactly the restored state on the next VM-entry.
func (vm *VirtualMachine) Load(r io.Reader) error {
	if err := vm.barrier.Pause(); err != nil {
		return fmt.Errorf("core_engine: Load: %w", err)
	}
	defer vm.barrier.Continue()

	cr := checkpoint.NewReader(r)
	regions, err := cr.ReadAll()
	if err != nil {
		return fmt.Errorf("core_engine: reading checkpoint: %w", err)
	}

	cpuTags := make(map[string]*VCPU, len(vm.vcpus))
	for _, vcpu := range vm.vcpus {
		cpuTags[checkpoint.CPUTag(vcpu.id)] = vcpu
	}

	for _, region := range regions {
		if offset, ok := checkpoint.ParseRAMPageTag(region.Tag); ok {
			if err := checkpoint.RestoreRAMPage(vm.guestMemory, offset, region.Data); err != nil {
				return fmt.Errorf("core_engine: restoring RAM page at 0x%x: %w", offset, err)
			}
			continue
		}
		vcpu, ok := cpuTags[region.Tag]
		if !ok {
			return fmt.Errorf("core_engine: checkpoint region %q matches no vcpu or RAM page", region.Tag)
		}
		cp, err := checkpoint.ReadCPUCheckpoint(region)
		if err != nil {
			return fmt.Errorf("core_engine: decoding vcpu %d checkpoint: %w", vcpu.id, err)
		}
		vcpu.cpu.Restore(cp)
		if err := vcpu.writeBackArchState(); err != nil {
			return fmt.Errorf("core_engine: writing back vcpu %d state: %w", vcpu.id, err)
		}
	}
	return nil
}
