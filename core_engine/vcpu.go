package core_engine

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"vmmcore/core_engine/hypervisor"
	"vmmcore/cpustate"
	"vmmcore/ctrlregs"
	"vmmcore/hypercall"
	"vmmcore/intr"
	"vmmcore/paging"
)

// lapicTicksPerIteration approximates the bus cycles a timer-configured
// LAPIC should see between two VM-entries; there is no real cycle
// counter plumbed through from the host TSC in this build, so one
// run-loop iteration is treated as a fixed tick the way a host without
// TSC-deadline support would drive the emulated APIC timer.
const lapicTicksPerIteration = 1000

// VCPU represents a virtual CPU within a KVM virtual machine.
type VCPU struct {
	id             int
	fd             int
	vm             *VirtualMachine // Reference to the parent VM
	kvmRun         *hypervisor.KvmRun
	kvmRunMmapSize int
	kvmRunPtr      uintptr      // mmaped pointer to kvm_run structure
	ticker         *time.Ticker // For periodic checks (e.g., interrupts)

	cpu      *cpustate.State
	ctrl     *ctrlregs.State
	pages    *paging.Engine
	lapic    *intr.LAPIC
	intrCore *intr.Core
	hcalls   *hypercall.Map
}

type goschedScheduler struct{}

func (goschedScheduler) Yield() { runtime.Gosched() }

// NewVCPU creates and initializes a new VCPU for the given VM.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %v", id, err)
	}

	mmapSize, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vm.kvmFD), hypervisor.KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %v", id, errno)
	}
	if mmapSize == 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for VCPU %d", id)
	}

	kvmRunAddr, err := syscall.Mmap(vcpuFD, 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %v", id, err)
	}
	kvmRunStruct := (*hypervisor.KvmRun)(unsafe.Pointer(&kvmRunAddr[0]))

	if err := applyCPUIDHooks(vm.kvmFD, vcpuFD, vm.cpuidHooks); err != nil {
		syscall.Munmap(kvmRunAddr)
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("VCPU %d: %w", id, err)
	}

	engine := paging.NewEngine(id, vm.physMap, vm.scratchAlloc.alloc)
	vm.pagingRegistry.Add(id, engine)

	var ctrl *ctrlregs.State
	activateShadow := func() error {
		// No real second hardware-visible shadow table is materialized
		// here: the one boot scenario this build drives never turns on
		// guest CR0.PG, so SetMode/ReRoot only update the Engine's mode
		// bookkeeping, and CR3 keeps pointing at the static passthrough
		// identity map built at construction.
		engine.SetMode(paging.ModeShadow32)
		engine.ReRoot(ctrl.GuestCR3)
		return nil
	}
	activatePassthrough := func() error {
		engine.SetMode(paging.ModePassthrough)
		return nil
	}
	resetPassthroughPAE := func() error {
		engine.SetMode(paging.ModePassthrough)
		return nil
	}
	ctrl = ctrlregs.NewState(ctrlregs.PagingShadow, activateShadow, activatePassthrough, resetPassthroughPAE)
	cpu := cpustate.NewState(ctrl)

	lapic := intr.NewLAPIC(uint8(id), id == 0, func(vector uint8) { resetForSIPI(vcpuFD, vector) })
	vcpuIntrCore := intr.NewCore()
	vcpuIntrCore.RegisterController(lapic)

	hcalls := hypercall.NewMap()
	hcalls.Register(hypercall.MemOffset, hypercall.MemOffsetHandler(0), nil)
	hcalls.Register(hypercall.VMInfo, hypercall.VMInfoHandler(func() hypercall.VMInfo {
		return hypercall.VMInfo{NumVCPUs: uint64(vm.NumVCPUs), MemorySize: vm.MemorySize}
	}), nil)
	hcalls.Register(hypercall.OSDebug, hypercall.OSDebugHandler(func(gpa uint64, length uint32) ([]byte, error) {
		if gpa+uint64(length) > uint64(len(vm.guestMemory)) {
			return nil, fmt.Errorf("OS_DEBUG message [0x%x, 0x%x) out of bounds", gpa, gpa+uint64(length))
		}
		return vm.guestMemory[gpa : gpa+uint64(length)], nil
	}), nil)
	hcalls.Register(hypercall.YieldToPID, hypercall.YieldToPIDHandler(goschedScheduler{}), nil)
	hcalls.Register(hypercall.YieldToCore, hypercall.YieldToCoreHandler(goschedScheduler{}), nil)
	hcalls.Register(hypercall.IPISend, hypercall.IPISendHandler(id, &ipiRouterAdapter{vm: vm}), nil)

	vcpu := &VCPU{
		id:             id,
		fd:             vcpuFD,
		vm:             vm,
		kvmRun:         kvmRunStruct,
		kvmRunMmapSize: int(mmapSize),
		kvmRunPtr:      uintptr(unsafe.Pointer(&kvmRunAddr[0])),
		ticker:         time.NewTicker(10 * time.Millisecond),
		cpu:            cpu,
		ctrl:           ctrl,
		pages:          engine,
		lapic:          lapic,
		intrCore:       vcpuIntrCore,
		hcalls:         hcalls,
	}

	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %v", id, err)
	}
	if vm.Debug {
		log.Printf("VCPU %d: Created and initialized successfully. KVM_RUN mmap size: %d bytes.\n", id, mmapSize)
	}
	return vcpu, nil
}

// resetForSIPI implements the STARTUP-IPI semantics intr.LAPIC's
// CoreReset collaborator needs: vector names a 4KB-aligned page the
// AP must start fetching code from, delivered by loading CS with
// base = vector<<12 and RIP = 0, the same way a real STARTUP IPI
// vectors a real-mode AP.
func resetForSIPI(vcpuFD int, vector uint8) {
	sregs, err := hypervisor.DoKVMGetSregs(vcpuFD)
	if err != nil {
		log.Printf("SIPI: KVM_GET_SREGS failed: %v", err)
		return
	}
	sregs.CS.Base = uint64(vector) << 12
	sregs.CS.Selector = uint16(vector) << 8
	if err := hypervisor.DoKVMSetSregs(vcpuFD, sregs); err != nil {
		log.Printf("SIPI: KVM_SET_SREGS failed: %v", err)
		return
	}
	regs := &hypervisor.KvmRegs{RFLAGS: 0x2, RIP: 0}
	if err := hypervisor.DoKVMSetRegs(vcpuFD, regs); err != nil {
		log.Printf("SIPI: KVM_SET_REGS failed: %v", err)
	}
}

// initRegisters sets up the initial state of VCPU registers (general purpose and segment).
func (vcpu *VCPU) initRegisters() error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %v", err)
	}

	sregs.CS.Base = 0
	sregs.CS.Limit = 0xFFFFFFFF
	sregs.CS.Selector = 0
	sregs.CS.Type = 11 // Code, Execute/Read
	sregs.CS.Present = 1
	sregs.CS.DPL = 0
	sregs.CS.DB = 1
	sregs.CS.S = 1
	sregs.CS.L = 0
	sregs.CS.G = 1

	sregs.DS.Base = 0
	sregs.DS.Limit = 0xFFFFFFFF
	sregs.DS.Selector = 0
	sregs.DS.Type = 3 // Data, Read/Write
	sregs.DS.Present = 1
	sregs.DS.G = 1
	sregs.DS.S = 1
	sregs.DS.DB = 1

	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.CR0 &^= 1 // Clear PE bit for real mode.

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %v", err)
	}

	regs := &hypervisor.KvmRegs{
		RFLAGS: 0x2,
		RIP:    0x7c00, // Common address for bootloaders loaded by BIOS
	}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %v", err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Registers initialized. RIP=0x%x, RFLAGS=0x%x, CS.Base=0x%x\n", vcpu.id, regs.RIP, regs.RFLAGS, sregs.CS.Base)
	}
	return vcpu.refreshFromHardware()
}

// refreshFromHardware pulls the architectural register/segment/control
// state KVM actually holds into vcpu.cpu/vcpu.ctrl, and routes any
// control-register divergence it finds through ctrlregs.State.Write*:
// this build's minimal KVM setup has no CR-write-trap intercept, so a
// guest CR0/CR3/CR4/EFER write is only observable by comparing what
// hardware reports after each exit against what vmmcore last
// programmed into it.
func (vcpu *VCPU) refreshFromHardware() error {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	vcpu.cpu.Regs = cpustate.Regs{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
	}
	vcpu.cpu.Segments.CS = segmentFromKVM(sregs.CS)
	vcpu.cpu.Segments.DS = segmentFromKVM(sregs.DS)
	vcpu.cpu.Segments.ES = segmentFromKVM(sregs.ES)
	vcpu.cpu.Segments.FS = segmentFromKVM(sregs.FS)
	vcpu.cpu.Segments.GS = segmentFromKVM(sregs.GS)
	vcpu.cpu.Segments.SS = segmentFromKVM(sregs.SS)
	vcpu.cpu.Segments.TR = segmentFromKVM(sregs.TR)
	vcpu.cpu.Segments.LDTR = segmentFromKVM(sregs.LDT)
	vcpu.cpu.Segments.GDTBase = sregs.GDT.Base
	vcpu.cpu.Segments.GDTLimit = sregs.GDT.Limit
	vcpu.cpu.Segments.IDTBase = sregs.IDT.Base
	vcpu.cpu.Segments.IDTLimit = sregs.IDT.Limit

	return vcpu.pollControlRegisterWrites(sregs)
}

func segmentFromKVM(s hypervisor.KvmSegment) cpustate.Segment {
	return cpustate.Segment{Base: s.Base, Limit: s.Limit, Selector: s.Selector, LongMode: s.L != 0}
}

func (vcpu *VCPU) pollControlRegisterWrites(sregs *hypervisor.KvmSregs) error {
	longMode := sregs.EFER&ctrlregs.EFERLMA != 0

	if sregs.CR0 != vcpu.ctrl.HWCR0 {
		if err := vcpu.ctrl.WriteCR0(sregs.CR0); err != nil {
			return fmt.Errorf("ctrlregs: guest CR0 write 0x%x: %w", sregs.CR0, err)
		}
	}
	if sregs.CR3 != vcpu.ctrl.GuestCR3 {
		if err := vcpu.ctrl.WriteCR3(sregs.CR3); err != nil {
			return fmt.Errorf("ctrlregs: guest CR3 write 0x%x: %w", sregs.CR3, err)
		}
	}
	if sregs.CR4 != vcpu.ctrl.HWCR4 {
		if err := vcpu.ctrl.WriteCR4(sregs.CR4, longMode); err != nil {
			return fmt.Errorf("ctrlregs: guest CR4 write 0x%x: %w", sregs.CR4, err)
		}
	}
	if sregs.EFER != vcpu.ctrl.HWEFER {
		if err := vcpu.ctrl.WriteEFER(sregs.EFER); err != nil {
			return fmt.Errorf("ctrlregs: guest EFER write 0x%x: %w", sregs.EFER, err)
		}
	}
	return nil
}

// writeBackArchState pushes vcpu.cpu/vcpu.ctrl back into hardware,
// used both after a hypercall handler mutates the register file and
// after Load restores a checkpoint.
func (vcpu *VCPU) writeBackArchState() error {
	r := vcpu.cpu.Regs
	regs := &hypervisor.KvmRegs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
	}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	sregs.CR0 = vcpu.ctrl.HWCR0
	sregs.CR3 = vcpu.ctrl.GuestCR3
	sregs.CR4 = vcpu.ctrl.HWCR4
	sregs.EFER = vcpu.ctrl.HWEFER
	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Run implements the VM-entry/exit loop: park at the Barrier if a Pause
// is in effect, fold the LAPIC's pending work into this vCPU's own
// intr.Core, enter the guest via KVM_RUN, and dispatch on why it came
// back.
func (vcpu *VCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Entering run loop.\n", vcpu.id)
	}
	defer vcpu.ticker.Stop()

	for {
		select {
		case <-vcpu.vm.stopChan:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: Stop signal received, exiting run loop.\n", vcpu.id)
			}
			return nil
		default:
		}

		vcpu.vm.barrier.checkpoint()

		vcpu.lapic.Activate()
		vcpu.lapic.Tick(lapicTicksPerIteration)
		if vcpu.id == 0 {
			vcpu.vm.CheckForPendingInterrupts(vcpu.id)
		}
		if inj := vcpu.intrCore.NextInjection(); inj.Kind != intr.InjectNone {
			if err := vcpu.InjectInterrupt(inj.Vector); err != nil {
				log.Printf("VCPU %d: LAPIC injection of vector 0x%x failed: %v\n", vcpu.id, inj.Vector, err)
			}
			vcpu.intrCore.AckInjection(true)
		}

		if err := hypervisor.DoKVMRun(vcpu.fd); err != nil {
			return fmt.Errorf("KVM_RUN failed for VCPU %d: %w", vcpu.id, err)
		}

		if err := vcpu.refreshFromHardware(); err != nil {
			log.Printf("VCPU %d: refreshing architectural state: %v\n", vcpu.id, err)
		}

		switch exitReason := vcpu.kvmRun.ExitReason; exitReason {
		case hypervisor.KVM_EXIT_IO:
			direction, size, port, count, dataOffset := vcpu.kvmRun.IOPayload()
			if size == 0 || size > 8 {
				size = 8
			}
			dataPtr := uintptr(unsafe.Pointer(vcpu.kvmRun)) + uintptr(dataOffset)
			data := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(size))

			if err := vcpu.vm.HandleIO(vcpu.id, port, data, direction, size, count); err != nil {
				log.Printf("VCPU %d: Error handling KVM_EXIT_IO on port 0x%x: %v\n", vcpu.id, port, err)
			}

		case hypervisor.KVM_EXIT_MMIO:
			physAddr, data, length, isWrite := vcpu.kvmRun.MMIOPayload()
			if length > 8 {
				length = 8
			}
			if err := vcpu.vm.HandleMMIO(vcpu.id, physAddr, data[:length], isWrite); err != nil {
				log.Printf("VCPU %d: Error handling KVM_EXIT_MMIO at 0x%x: %v\n", vcpu.id, physAddr, err)
			}

		case hypervisor.KVM_EXIT_HYPERCALL:
			if err := vcpu.hcalls.Dispatch(&vcpu.cpu.Regs); err != nil {
				if errors.Is(err, hypercall.ErrUnhandled) {
					log.Printf("VCPU %d: unhandled hypercall 0x%x\n", vcpu.id, vcpu.cpu.Regs.RAX)
				} else {
					log.Printf("VCPU %d: hypercall dispatch error: %v\n", vcpu.id, err)
				}
			}
			if err := vcpu.writeBackArchState(); err != nil {
				log.Printf("VCPU %d: writing back state after hypercall: %v\n", vcpu.id, err)
			}

		case hypervisor.KVM_EXIT_EXCEPTION:
			// Every exception exit is handled as #NM (device-not-available):
			// the vector is not inspected, and the guest's FPU context is
			// lazily activated.
			vcpu.cpu.Activate(cpustate.FPUDeps{})

		case hypervisor.KVM_EXIT_HLT:
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: KVM_EXIT_HLT. Guest halted. Checking for interrupts.\n", vcpu.id)
			}
			if vcpu.id == 0 {
				vcpu.vm.CheckForPendingInterrupts(vcpu.id)
			}

		case hypervisor.KVM_EXIT_SHUTDOWN:
			log.Printf("VCPU %d: KVM_EXIT_SHUTDOWN. Guest initiated shutdown.\n", vcpu.id)
			return fmt.Errorf("VCPU %d received KVM_EXIT_SHUTDOWN", vcpu.id)

		case hypervisor.KVM_EXIT_FAIL_ENTRY:
			hwReason := vcpu.kvmRun.Data[0]
			log.Printf("VCPU %d: KVM_EXIT_FAIL_ENTRY. Hardware entry failure. Reason: 0x%x\n", vcpu.id, hwReason)
			return fmt.Errorf("VCPU %d KVM_EXIT_FAIL_ENTRY, hardware reason: 0x%x", vcpu.id, hwReason)

		case hypervisor.KVM_EXIT_UNKNOWN:
			hwReason := vcpu.kvmRun.Data[0]
			log.Printf("VCPU %d: KVM_EXIT_UNKNOWN. Hardware reason: 0x%x\n", vcpu.id, hwReason)
			return fmt.Errorf("VCPU %d KVM_EXIT_UNKNOWN, hardware reason: 0x%x", vcpu.id, hwReason)

		default:
			log.Printf("VCPU %d: Unhandled KVM exit reason: %d\n", vcpu.id, exitReason)
		}
	}
}

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.ticker != nil {
		vcpu.ticker.Stop()
	}
	if vcpu.kvmRunPtr != 0 {
		err := syscall.Munmap((*[1 << 30]byte)(unsafe.Pointer(vcpu.kvmRunPtr))[:vcpu.kvmRunMmapSize])
		if err != nil {
			log.Printf("VCPU %d: Error unmapping kvm_run: %v\n", vcpu.id, err)
		}
		vcpu.kvmRunPtr = 0
		vcpu.kvmRun = nil
	}
	if vcpu.fd != 0 {
		syscall.Close(vcpu.fd)
		vcpu.fd = 0
	}
	if vcpu.vm.Debug && vcpu.id >= 0 {
		log.Printf("VCPU %d: Closed.\n", vcpu.id)
	}
}

// InjectInterrupt tells KVM to inject an interrupt vector into the guest.
func (vcpu *VCPU) InjectInterrupt(vector uint8) error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Attempting to inject interrupt vector 0x%x\n", vcpu.id, vector)
	}
	if err := hypervisor.DoKVMInjectInterrupt(vcpu.fd, vector); err != nil {
		return fmt.Errorf("VCPU %d: KVM_INTERRUPT for vector 0x%x failed: %v", vcpu.id, vector, err)
	}
	return nil
}

// KvmExitReasonName returns a human-readable name for a KVM exit reason.
func KvmExitReasonName(reason uint32) string {
	switch reason {
	case hypervisor.KVM_EXIT_UNKNOWN:
		return "KVM_EXIT_UNKNOWN"
	case hypervisor.KVM_EXIT_EXCEPTION:
		return "KVM_EXIT_EXCEPTION"
	case hypervisor.KVM_EXIT_HLT:
		return "KVM_EXIT_HLT"
	case hypervisor.KVM_EXIT_IO:
		return "KVM_EXIT_IO"
	case hypervisor.KVM_EXIT_MMIO:
		return "KVM_EXIT_MMIO"
	case hypervisor.KVM_EXIT_HYPERCALL:
		return "KVM_EXIT_HYPERCALL"
	case hypervisor.KVM_EXIT_SHUTDOWN:
		return "KVM_EXIT_SHUTDOWN"
	case hypervisor.KVM_EXIT_FAIL_ENTRY:
		return "KVM_EXIT_FAIL_ENTRY"
	default:
		return fmt.Sprintf("Unknown KVM Exit Reason (%d)", reason)
	}
}
