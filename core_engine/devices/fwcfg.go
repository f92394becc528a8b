package devices

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// fw_cfg port numbers, per spec §3.8's paravirtual firmware-config
// interface: a 16-bit selector port picks which named blob is "current",
// then a single data port streams that blob back one byte at a time.
const (
	FWCfgSelectorPort uint16 = 0x510
	FWCfgDataPort     uint16 = 0x511
)

// Well-known keys every FWCfgDevice starts with.
const (
	FWCfgKeySignature uint16 = 0x0000
	FWCfgKeyID        uint16 = 0x0001
	fwCfgFirstFileKey uint16 = 0x0010
)

// FWCfgDevice implements the fw_cfg PioDevice: a selector register and
// a data register fronting a table of named byte blobs the guest's
// firmware or bootloader can pull boot-time facts out of (kernel
// command lines, ACPI tables, vCPU count) without a filesystem.
type FWCfgDevice struct {
	mu       sync.Mutex
	entries  map[uint16][]byte
	names    map[string]uint16
	nextKey  uint16
	selected uint16
	offset   int
}

// NewFWCfgDevice returns a device pre-loaded with the signature entry
// every fw_cfg client probes for before trusting anything else it
// reads back.
func NewFWCfgDevice() *FWCfgDevice {
	d := &FWCfgDevice{
		entries: make(map[uint16][]byte),
		names:   make(map[string]uint16),
		nextKey: fwCfgFirstFileKey,
	}
	d.entries[FWCfgKeySignature] = []byte("VMMC")
	d.entries[FWCfgKeyID] = []byte{1, 0, 0, 0}
	return d
}

// AddFile registers a named blob under a freshly allocated key and
// returns it, so a caller that needs to tell the guest where to find
// it (e.g. via a hypercall or a fixed low-memory pointer) can do so.
func (d *FWCfgDevice) AddFile(name string, data []byte) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.nextKey
	d.nextKey++
	blob := make([]byte, len(data))
	copy(blob, data)
	d.entries[key] = blob
	d.names[name] = key
	return key
}

// HandleIO implements PioDevice. A selector write resets the data
// port's read cursor to the start of the newly selected entry; data
// port reads stream that entry one byte at a time, returning zero
// past its end (the real fw_cfg protocol never signals a short read).
func (d *FWCfgDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch port {
	case FWCfgSelectorPort:
		if direction != IODirectionOut {
			return fmt.Errorf("FWCfgDevice: selector port 0x%x is write-only", port)
		}
		if size != 2 {
			return fmt.Errorf("FWCfgDevice: selector write must be 16-bit, got size %d", size)
		}
		d.selected = binary.LittleEndian.Uint16(data)
		d.offset = 0
		return nil

	case FWCfgDataPort:
		if direction != IODirectionIn {
			return fmt.Errorf("FWCfgDevice: data port 0x%x is read-only", port)
		}
		blob := d.entries[d.selected]
		for i := 0; i < int(size); i++ {
			if d.offset < len(blob) {
				data[i] = blob[d.offset]
				d.offset++
			} else {
				data[i] = 0
			}
		}
		return nil
	}
	return fmt.Errorf("FWCfgDevice: unhandled port 0x%x", port)
}
