package core_engine

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"syscall"
	"unsafe"

	"vmmcore/core_engine/devices"
	"vmmcore/core_engine/hypervisor"
	"vmmcore/core_engine/network" // Added for TapDevice
	"vmmcore/cpuid"
	"vmmcore/intr"
	"vmmcore/paging"
	"vmmcore/physmem"
)

// blockSize is the granularity physmem.PhysMap tracks guest RAM at and
// the window buildIdentityPageTables walks; 4MB matches the one PDE
// the teacher's bootstrap used to hand-carve before every window grew
// its own page table.
const blockSize = 4 << 20

// VirtualMachine represents a KVM-based virtual machine.
type VirtualMachine struct {
	vmFD           int
	kvmFD          int
	hostBase       uintptr
	guestMemory    []byte
	vcpus          []*VCPU
	ioBus          *devices.IOBus
	picDevice      *devices.PICDevice
	pitDevice      *devices.PITDevice
	serialDevice   *devices.SerialPortDevice
	rtcDevice      *devices.RTCDevice
	keyboardDevice *devices.KeyboardDevice
	ne2000Device   *devices.NE2000Device
	tapDevice      *network.TapDevice
	intrCore       *intr.Core    // legacy PIC injection sequencer, still vcpu0's fallback path
	intrRouters    *intr.Routers // VM-wide IRQ router table (PIC today, IOAPIC-style routers later)

	physMap        *physmem.PhysMap
	pagingRegistry *paging.Registry
	scratchAlloc   *scratchAllocator
	cpuidHooks     *cpuid.Hooks
	deviceManager  *devices.Manager
	fwCfg          *devices.FWCfgDevice
	lapics         []*intr.LAPIC
	barrier        *Barrier

	MemorySize   uint64
	NumVCPUs     int
	stopChan     chan struct{}
	vcpusRunning chan struct{}
	Debug        bool
}

// NewVirtualMachine creates and initializes a new virtual machine.
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024 // Default to 128MB
	}
	if numVCPUs == 0 {
		numVCPUs = 1 // Default to 1 VCPU
	}
	if memSize%blockSize != 0 {
		return nil, fmt.Errorf("guest memory size %d must be a multiple of the %d-byte block size", memSize, blockSize)
	}

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %v", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %v", err)
	}

	// Allocate guest memory as one contiguous host mapping; physmem.PhysMap
	// tracks it as blockSize-granular BaseBlocks over this single backing,
	// the way vmm_mem.c's default region layout does before any overlay
	// is inserted.
	guestMem, err := syscall.Mmap(-1, 0, int(memSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %v", err)
	}
	hostBase := uintptr(unsafe.Pointer(&guestMem[0]))

	// Tell KVM about the memory region
	err = hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, hostBase)
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %v", err)
	}

	physMap, err := physmem.New(memSize, blockSize, hostBase, 0, numVCPUs)
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to build physical memory map: %w", err)
	}
	pagingRegistry := paging.NewRegistry()
	physMap.RegisterInvalidator(pagingRegistry)

	// Initialize I/O Bus and Devices
	ioBus := devices.NewIOBus()
	pic := devices.NewPICDevice() // PICDevice now implements InterruptRaiser itself for other devices
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic) // Serial output to stdout
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice()

	// Initialize TAP device for NE2000
	tap, err := network.NewTapDevice("tap0") // Example name
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create TAP device: %w", err)
	}

	ne2000 := devices.NewNE2000Device([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, tap, pic)

	deviceManager := devices.NewManager()
	deviceManager.Register("fwcfg", func(any) (devices.PioDevice, error) {
		return devices.NewFWCfgDevice(), nil
	})
	fwCfgDevice, err := deviceManager.Create("fwcfg", nil)
	if err != nil {
		tap.Close()
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create fw_cfg device: %w", err)
	}
	fwCfg := fwCfgDevice.(*devices.FWCfgDevice)
	fwCfg.AddFile("vmmcore/numa-stats", formatNumaStats(physMap.NumaStats()))

	intrCore := intr.NewCore()
	intrCore.RegisterController(pic)
	intrRouters := intr.NewRouters()
	intrRouters.Register(devices.PICRouterAdapter{PIC: pic})

	// Register devices with the I/O bus
	ioBus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic)
	ioBus.RegisterDevice(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit)
	ioBus.RegisterDevice(devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit)
	ioBus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial)
	ioBus.RegisterDevice(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard)
	ioBus.RegisterDevice(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard)
	ioBus.RegisterDevice(devices.NE2000_BASE_PORT, devices.NE2000_BASE_PORT+0x1F, ne2000)
	ioBus.RegisterDevice(devices.FWCfgSelectorPort, devices.FWCfgDataPort, fwCfg)

	vm := &VirtualMachine{
		vmFD:           vmFD,
		kvmFD:          kvmFD,
		hostBase:       hostBase,
		guestMemory:    guestMem,
		ioBus:          ioBus,
		picDevice:      pic,
		pitDevice:      pit,
		serialDevice:   serial,
		rtcDevice:      rtc,
		keyboardDevice: keyboard,
		ne2000Device:   ne2000,
		tapDevice:      tap,
		intrCore:       intrCore,
		intrRouters:    intrRouters,
		physMap:        physMap,
		pagingRegistry: pagingRegistry,
		scratchAlloc:   newScratchAllocator(4096),
		cpuidHooks:     cpuid.DefaultHooks(),
		deviceManager:  deviceManager,
		fwCfg:          fwCfg,
		lapics:         make([]*intr.LAPIC, numVCPUs),
		barrier:        NewBarrier(numVCPUs),
		MemorySize:     memSize,
		NumVCPUs:       numVCPUs,
		stopChan:       make(chan struct{}),
		vcpusRunning:   make(chan struct{}, numVCPUs),
		Debug:          enableDebug,
	}

	// Create VCPUs
	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i) // Pass reference to VM
		if err != nil {
			vm.Close() // Cleanup already initialized parts
			return nil, fmt.Errorf("failed to create VCPU %d: %v", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
		vm.lapics[i] = vcpu.lapic
	}

	bootBinaryPath := "../boot_pm.bin" // Primary attempt for `cd core_engine && go run ...`
	program, err := os.ReadFile(bootBinaryPath)
	if err != nil {
		bootBinaryPath = "boot_pm.bin"
		program, err = os.ReadFile(bootBinaryPath)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("failed to read boot_pm.bin from %s or current dir: %v", "../boot_pm.bin", err)
		}
	}

	if uint64(len(program)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("boot_pm.bin content too large for guest memory (%d vs %d)", len(program), vm.MemorySize)
	}
	copy(vm.guestMemory[0:], program)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes from %s (Protected Mode Bootloader) at address 0x0.", len(program), bootBinaryPath)
	}

	// Construct and Load GDT
	gdtBaseAddress := uint64(0x500) // Arbitrary high address for GDT
	gdt := make([]hypervisor.GDTEntry, 3)
	gdt[0] = hypervisor.NewGDTEntry(0, 0, 0, 0)
	gdt[1] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF)
	gdt[2] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF)

	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}
	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("GDT too large or base address too high for guest memory")
	}
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)
	if vm.Debug {
		log.Printf("VirtualMachine: GDT constructed and loaded at 0x%x (%d entries, %d bytes).", gdtBaseAddress, len(gdt), len(gdtBytes))
	}

	// VMM-side paging setup: identity map all of guest memory at 4KB PTE
	// granularity (see core_engine/paging_setup.go), resolved through
	// vcpu0's paging.Engine — every vCPU's Engine resolves the same
	// identity mapping in the absence of any per-core overlay region, so
	// any one of them is a valid walker to build the shared tables with.
	if err := buildIdentityPageTables(vm.guestMemory, hostBase, memSize, vm.vcpus[0].pages); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to build identity page tables: %w", err)
	}
	if vm.Debug {
		log.Printf("VirtualMachine: Page Directory set up at 0x%x, Page Tables at 0x%x, identity-mapping %d bytes.", pageDirBase, pageTblBase, memSize)
	}

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and VCPU(s) created successfully. Bootloader, GDT, and Page Directory loaded.")
	}
	return vm, nil
}

func formatNumaStats(stats map[int]uint64) []byte {
	var buf bytes.Buffer
	for nodeID, used := range stats {
		fmt.Fprintf(&buf, "node%d=%d\n", nodeID, used)
	}
	return buf.Bytes()
}

// LoadBinary loads a binary image (e.g., bootloader, kernel) into guest memory.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// Run starts the execution of all VCPUs.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: Starting VCPU run loops...")
	}
	vm.barrier.start()
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil {
				log.Printf("VCPU %d exited with error: %v", v.id, err)
			} else if vm.Debug {
				log.Printf("VCPU %d exited normally.", v.id)
			}
			vm.vcpusRunning <- struct{}{} // Signal that this VCPU has finished
		}(vcpu)
	}

	for i := 0; i < vm.NumVCPUs; i++ {
		<-vm.vcpusRunning
	}

	if vm.Debug {
		log.Println("VirtualMachine: All VCPUs have completed their run loops.")
	}
	return nil
}

// Stop signals all VCPUs to stop execution.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: Sending stop signal to VCPUs...")
	}
	select {
	case <-vm.stopChan:
		// already stopped
	default:
		close(vm.stopChan)
	}
	vm.barrier.stop()
}

// Close cleans up resources used by the virtual machine.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: Closing...")
	}
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close() // vcpu.Close() should be idempotent
		}
	}
	if vm.guestMemory != nil {
		syscall.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.tapDevice != nil {
		if err := vm.tapDevice.Close(); err != nil {
			log.Printf("VirtualMachine: Error closing TAP device: %v", err)
		}
		vm.tapDevice = nil
	}
	if vm.vmFD != 0 {
		syscall.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		syscall.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// HandleIO is called by VCPU on KVM_EXIT_IO.
// It dispatches the I/O operation to the appropriate device via the IOBus.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	if vm.Debug {
		directionStr := "OUT"
		if direction == devices.IODirectionIn {
			directionStr = "IN"
		}
		log.Printf("VM: VCPU %d IO Exit: Port=0x%x, Dir=%s, Size=%d, Count=%d, DataLen=%d\n",
			vcpuID, port, directionStr, size, count, len(data))
	}

	for i := uint32(0); i < count; i++ {
		if len(data) < int(size) {
			return fmt.Errorf("HandleIO: data buffer too small for I/O operation (size %d, buffer %d)", size, len(data))
		}
		if err := vm.ioBus.HandleIO(port, direction, size, data[:size]); err != nil {
			log.Printf("VM: Error handling I/O for VCPU %d on port 0x%x: %v\n", vcpuID, port, err)
			return err
		}
	}
	return nil
}

// HandleMMIO is called by VCPU on KVM_EXIT_MMIO.
// This is a placeholder for future MMIO device handling.
func (vm *VirtualMachine) HandleMMIO(vcpuID int, physAddr uint64, data []byte, isWrite bool) error {
	if vm.Debug {
		accessType := "READ"
		if isWrite {
			accessType = "WRITE"
		}
		log.Printf("VM: VCPU %d MMIO Exit: Address=0x%X, Data=%v (len %d), IsWrite=%s\n",
			vcpuID, physAddr, data, len(data), accessType)
	}

	if !isWrite && len(data) > 0 {
		for i := range data {
			data[i] = 0xFF
		}
	}
	return fmt.Errorf("MMIO to address 0x%x (length %d, write: %t) unhandled by VMM", physAddr, len(data), isWrite)
}

// InjectInterrupt allows injecting an interrupt into a specific VCPU.
// This is typically called by the PIC device model when an IRQ is pending.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	if vcpuID < 0 || vcpuID >= len(vm.vcpus) {
		return fmt.Errorf("cannot inject interrupt: VCPU ID %d out of range", vcpuID)
	}
	vcpu := vm.vcpus[vcpuID]
	return vcpu.InjectInterrupt(vector)
}

// CheckForPendingInterrupts is called by a VCPU (typically VCPU0) in its run loop
// to check if the PIC has any pending interrupts to inject.
func (vm *VirtualMachine) CheckForPendingInterrupts(vcpuID int) {
	if vcpuID != 0 {
		return
	}

	inj := vm.intrCore.NextInjection()
	if inj.Kind == intr.InjectNone {
		return
	}

	if vm.Debug {
		log.Printf("VM: intrCore selected injection %+v for VCPU %d.\n", inj, vcpuID)
	}
	if err := vm.InjectInterrupt(vcpuID, inj.Vector); err != nil {
		log.Printf("VM: Error injecting interrupt vector 0x%x into VCPU %d: %v\n", inj.Vector, vcpuID, err)
	}
	vm.intrCore.AckInjection(true)
}

// ipiRouterAdapter implements hypercall.IPIRouter by dispatching through
// the per-vCPU LAPICs this Vm maintains, the collaborator IPI_SEND_HCALL
// needs since no guest-visible LAPIC MMIO page exists in this build.
type ipiRouterAdapter struct {
	vm *VirtualMachine
}

func (a *ipiRouterAdapter) RouteIPI(srcVCPU int, vector, deliveryMode, destMode, shorthand, dest uint8) error {
	if srcVCPU < 0 || srcVCPU >= len(a.vm.lapics) {
		return fmt.Errorf("core_engine: IPI_SEND from out-of-range vcpu %d", srcVCPU)
	}
	desc := intr.IPIDescriptor{
		Vector:      vector,
		Mode:        intr.DeliveryMode(deliveryMode),
		DestMode:    intr.DestMode(destMode),
		TriggerMode: intr.TriggerEdge,
		Shorthand:   intr.Shorthand(shorthand),
		Dest:        dest,
	}
	return intr.RouteIPI(a.vm.lapics, a.vm.lapics[srcVCPU], desc)
}
