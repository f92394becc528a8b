// Package hypercall implements spec §6's vmmcall dispatch table: a
// 16-bit hypercall ID in RAX selects a handler that receives the full
// register file by reference and may mutate it before resumption.
// Grounded on original_source/palacios/include/palacios/vmm_hypercall.h
// (v3_register_hypercall/v3_remove_hypercall/v3_handle_hypercall and
// the hcall_id_t enum).
package hypercall

import (
	"errors"
	"fmt"
	"sync"

	"vmmcore/cpustate"
)

// ID is a hypercall identifier, passed to the guest's vmmcall in RAX.
type ID uint16

// Reserved IDs named in spec §6, plus a handful more carried over from
// vmm_hypercall.h's hcall_id_t that a complete implementation still
// wants a home for (telemetry, debug commands, balloon, timing).
const (
	TestHcall       ID = 0x0001
	MemOffset       ID = 0x1000
	VMInfo          ID = 0x3000
	Telemetry       ID = 0x3001
	DebugCmd        ID = 0x3002
	BalloonStart    ID = 0xba00
	BalloonQuery    ID = 0xba01
	OSDebug         ID = 0xc0c0
	TimeCPUFreq     ID = 0xd000
	TimeRDHTSC      ID = 0xd001
	YieldToPID      ID = 0xd100
	YieldToCore     ID = 0xd101
	IPISend         ID = 0xd200
)

var (
	// ErrAlreadyRegistered mirrors v3_register_hypercall's refusal to
	// overwrite an existing binding.
	ErrAlreadyRegistered = errors.New("hypercall: id already registered")
	// ErrNotRegistered mirrors v3_remove_hypercall's failure when the
	// id has no handler.
	ErrNotRegistered = errors.New("hypercall: id not registered")
	// ErrUnhandled is returned by Dispatch when RAX names an id with
	// no registered handler; this is a guest-faulted condition per
	// spec §7 (the caller should inject #UD).
	ErrUnhandled = errors.New("hypercall: no handler for id")
)

// Handler services one vmmcall. It receives the register file by
// reference (so it can write return values into RBX/RCX/RDX/etc, the
// way SYMCALL_RET_HCALL and MEM_OFFSET_HCALL do in the original) and
// an opaque priv value supplied at registration time, mirroring
// v3_register_hypercall's void *priv_data.
type Handler func(regs *cpustate.Regs, priv any) error

type binding struct {
	handler Handler
	priv    any
}

// Map is the per-Vm hypercall dispatch table (v3_hypercall_map_t).
type Map struct {
	mu       sync.RWMutex
	handlers map[ID]binding
}

// NewMap creates an empty dispatch table (v3_init_hypercall_map).
func NewMap() *Map {
	return &Map{handlers: make(map[ID]binding)}
}

// Register binds a handler to id. Spec §4's device-manager hook maps
// are append-only while the VM is Stopped; Register enforces the
// narrower v3_register_hypercall rule of refusing to clobber an
// existing binding outright.
func (m *Map) Register(id ID, h Handler, priv any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[id]; exists {
		return fmt.Errorf("%w: 0x%04x", ErrAlreadyRegistered, id)
	}
	m.handlers[id] = binding{handler: h, priv: priv}
	return nil
}

// Remove unbinds id (v3_remove_hypercall).
func (m *Map) Remove(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[id]; !exists {
		return fmt.Errorf("%w: 0x%04x", ErrNotRegistered, id)
	}
	delete(m.handlers, id)
	return nil
}

// Dispatch implements v3_handle_hypercall: the id is read from the low
// 16 bits of RAX, the bound handler is invoked with the register file,
// and any mutations the handler makes to regs are left in place for
// the VmLoop to write back before VM-entry resumes the guest.
func (m *Map) Dispatch(regs *cpustate.Regs) error {
	id := ID(regs.RAX)

	m.mu.RLock()
	b, ok := m.handlers[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: 0x%04x", ErrUnhandled, id)
	}
	return b.handler(regs, b.priv)
}
