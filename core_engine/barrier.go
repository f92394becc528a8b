package core_engine

import (
	"fmt"
	"sync"
)

// RunState is the VM lifecycle spec §5 describes.
type RunState int

const (
	StateStopped RunState = iota
	StateRunning
	StatePaused
)

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// Barrier coordinates the VM-wide Pause/Continue lifecycle: Pause
// requests every running vCPU park at its next VM-exit boundary and
// blocks until all of them have, giving a caller (Save, or anything
// else that needs a quiesced guest) the synchronization
// physmem.PhysMap.DeleteRegion's doc comment says the VMM must already
// provide around region mutation.
type Barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    RunState
	numVCPUs int
	parked   int
}

// NewBarrier builds a Barrier for a VM with numVCPUs vCPUs, starting in
// StateStopped.
func NewBarrier(numVCPUs int) *Barrier {
	b := &Barrier{state: StateStopped, numVCPUs: numVCPUs}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// State reports the current lifecycle state.
func (b *Barrier) State() RunState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// start transitions Stopped -> Running, called once Run's vCPU
// goroutines are about to enter their loops.
func (b *Barrier) start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateRunning
}

// stop transitions to Stopped unconditionally, called from Close/Stop.
func (b *Barrier) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateStopped
	b.cond.Broadcast()
}

// Pause requests every vCPU park at its next loop boundary and blocks
// until all numVCPUs of them have checked in.
func (b *Barrier) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return fmt.Errorf("core_engine: Pause requires state Running, got %v", b.state)
	}
	b.state = StatePaused
	for b.parked < b.numVCPUs {
		b.cond.Wait()
	}
	return nil
}

// Continue releases vCPUs parked by Pause back into their run loops.
func (b *Barrier) Continue() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePaused {
		return fmt.Errorf("core_engine: Continue requires state Paused, got %v", b.state)
	}
	b.state = StateRunning
	b.cond.Broadcast()
	return nil
}

// checkpoint is called by a vCPU's run loop once per iteration; it
// parks the calling goroutine for the duration of a Pause/Continue
// cycle and is a no-op otherwise.
func (b *Barrier) checkpoint() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePaused {
		return
	}
	b.parked++
	b.cond.Broadcast()
	for b.state == StatePaused {
		b.cond.Wait()
	}
	b.parked--
}
