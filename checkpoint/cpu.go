package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"vmmcore/cpustate"
)

// CPUTag names the tagged region holding vCPU n's CPU chkpt struct.
func CPUTag(vcpuID int) string {
	return fmt.Sprintf("cpu%d", vcpuID)
}

// WriteCPUCheckpoint appends vcpu's architectural-state snapshot as a
// single fixed-layout region; cpustate.Checkpoint's fields are all
// fixed-size (uint64s, a [512]byte FPU buffer, one bool), so the whole
// struct round-trips through encoding/binary without a bespoke codec.
func (cw *Writer) WriteCPUCheckpoint(vcpuID int, cp cpustate.Checkpoint) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, cp); err != nil {
		return fmt.Errorf("checkpoint: encoding vcpu %d state: %w", vcpuID, err)
	}
	return cw.WriteRegion(CPUTag(vcpuID), buf.Bytes())
}

// ReadCPUCheckpoint decodes a region previously written by
// WriteCPUCheckpoint.
func ReadCPUCheckpoint(region Region) (cpustate.Checkpoint, error) {
	var cp cpustate.Checkpoint
	if err := binary.Read(bytes.NewReader(region.Data), binary.LittleEndian, &cp); err != nil {
		return cp, fmt.Errorf("checkpoint: decoding %q: %w", region.Tag, err)
	}
	return cp, nil
}
