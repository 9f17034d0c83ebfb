// Package emu is a software implementation of the hv exit-interception
// surface. It models a single guest vCPU with in-memory registers, guest RAM
// from hostmem, and explicit exit injection, and is the backend the
// personality tests run against.
package emu

import (
	"fmt"

	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/hv/hostmem"
)

type hypervisor struct{}

func (hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (hypervisor) Close() error                     { return nil }

// Machine is an emulated VM with a single contiguous RAM region.
type Machine struct {
	region *hostmem.Region
	base   uint64
}

func NewMachine(base, size uint64) (*Machine, error) {
	region, err := hostmem.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &Machine{region: region, base: base}, nil
}

func (m *Machine) Hypervisor() hv.Hypervisor { return hypervisor{} }
func (m *Machine) MemoryBase() uint64        { return m.base }
func (m *Machine) MemorySize() uint64        { return m.region.Size() }

func (m *Machine) Close() error { return m.region.Free() }

func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if gpa < m.base || gpa-m.base >= m.region.Size() {
		return 0, fmt.Errorf("emu: ReadAt GPA 0x%x out of bounds", gpa)
	}
	n := copy(p, m.region.Bytes()[gpa-m.base:])
	if n < len(p) {
		return n, fmt.Errorf("emu: ReadAt short read")
	}
	return n, nil
}

func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	gpa := uint64(off)
	if gpa < m.base || gpa-m.base >= m.region.Size() {
		return 0, fmt.Errorf("emu: WriteAt GPA 0x%x out of bounds", gpa)
	}
	n := copy(m.region.Bytes()[gpa-m.base:], p)
	if n < len(p) {
		return n, fmt.Errorf("emu: WriteAt short write")
	}
	return n, nil
}

var _ hv.VirtualMachine = &Machine{}

// Parent records the parent-context transitions a nested vCPU requests. It
// doubles as the passthrough MSI routing table.
type Parent struct {
	MSIs []hv.GuestMSI

	LoadCount       int
	Queued          []uint64
	ResumeRequested bool
	Yields          []uint64
}

func (p *Parent) Load() { p.LoadCount++ }

func (p *Parent) QueueExternalInterrupt(vector uint64) {
	p.Queued = append(p.Queued, vector)
}

func (p *Parent) ResumeAfterInterrupt() { p.ResumeRequested = true }

func (p *Parent) Yield(durationUS uint64) {
	p.Yields = append(p.Yields, durationUS)
}

func (p *Parent) FindGuestMSI(vector uint64) (hv.GuestMSI, bool) {
	for _, msi := range p.MSIs {
		if msi.HostVector == vector {
			return msi, true
		}
	}
	return hv.GuestMSI{}, false
}

var _ hv.ParentCPU = &Parent{}

// CPU is an emulated vCPU. Exits are injected by the caller through the
// Raise* methods; handler dispatch order mirrors a hardware backend: the
// generic exit handlers run first, then the reason-specific handler.
type CPU struct {
	vm     *Machine
	id     int
	parent *Parent

	regs [hv.RegisterAMD64Rflags + 1]uint64

	cpuid map[uint32]hv.CPUIDHandler
	wrmsr map[uint32]hv.WRMSRHandler

	vmcallHandlers []hv.VMCallHandler
	hltHandlers    []hv.HLTHandler
	exitHandlers   []hv.ExitHandler
	resumeHandlers []hv.ResumeHandler
	timerHandlers  []hv.TimerHandler
	excHandlers    []hv.ExceptionHandler
	intHandlers    []hv.InterruptHandler

	excBitmapClear bool

	pet        uint64
	petEnabled bool

	queued  []uint64
	pending []uint64

	stiBlocking bool
	xstateSaves int

	tsc uint64

	// InstructionLen is how far Advance moves RIP. Tests that care set it to
	// the length of the instruction they are emulating.
	InstructionLen uint64
}

func NewCPU(vm *Machine, id int, parent *Parent) *CPU {
	return &CPU{
		vm:             vm,
		id:             id,
		parent:         parent,
		cpuid:          make(map[uint32]hv.CPUIDHandler),
		wrmsr:          make(map[uint32]hv.WRMSRHandler),
		InstructionLen: 1,
	}
}

func (c *CPU) ID() int                           { return c.id }
func (c *CPU) VirtualMachine() hv.VirtualMachine { return c.vm }

func (c *CPU) ReadRegister(reg hv.Register) uint64 {
	return c.regs[reg]
}

func (c *CPU) WriteRegister(reg hv.Register, value uint64) {
	c.regs[reg] = value
}

func (c *CPU) Advance() {
	c.regs[hv.RegisterAMD64Rip] += c.InstructionLen
}

func (c *CPU) MapGuestPages(gpa uint64, size uint64) ([]byte, error) {
	base := c.vm.base
	mem := c.vm.region.Bytes()
	if gpa < base || gpa-base+size > uint64(len(mem)) {
		return nil, fmt.Errorf("emu: map GPA 0x%x+0x%x out of bounds", gpa, size)
	}
	return mem[gpa-base : gpa-base+size], nil
}

func (c *CPU) EmulateCPUID(leaf uint32, h hv.CPUIDHandler)  { c.cpuid[leaf] = h }
func (c *CPU) EmulateWRMSR(msr uint32, h hv.WRMSRHandler)   { c.wrmsr[msr] = h }
func (c *CPU) AddVMCallHandler(h hv.VMCallHandler)          { c.vmcallHandlers = append(c.vmcallHandlers, h) }
func (c *CPU) AddHLTHandler(h hv.HLTHandler)                { c.hltHandlers = append(c.hltHandlers, h) }
func (c *CPU) AddExceptionHandler(h hv.ExceptionHandler)    { c.excHandlers = append(c.excHandlers, h) }
func (c *CPU) AddExitHandler(h hv.ExitHandler)              { c.exitHandlers = append(c.exitHandlers, h) }
func (c *CPU) AddResumeHandler(h hv.ResumeHandler)          { c.resumeHandlers = append(c.resumeHandlers, h) }
func (c *CPU) AddPreemptionTimerHandler(h hv.TimerHandler)  { c.timerHandlers = append(c.timerHandlers, h) }
func (c *CPU) AddInterruptHandler(h hv.InterruptHandler)    { c.intHandlers = append(c.intHandlers, h) }

func (c *CPU) ClearExceptionBitmap() { c.excBitmapClear = true }

func (c *CPU) SetPreemptionTimer(ticks uint64) { c.pet = ticks }
func (c *CPU) PreemptionTimer() uint64         { return c.pet }
func (c *CPU) EnablePreemptionTimer()          { c.petEnabled = true }
func (c *CPU) DisablePreemptionTimer()         { c.petEnabled = false }

func (c *CPU) QueueExternalInterrupt(vector uint64) { c.queued = append(c.queued, vector) }
func (c *CPU) PushExternalInterrupt(vector uint64)  { c.pending = append(c.pending, vector) }

func (c *CPU) InterruptsEnabled() bool {
	return c.regs[hv.RegisterAMD64Rflags]&hv.RFlagsIF != 0
}

func (c *CPU) ClearSTIBlocking() { c.stiBlocking = false }
func (c *CPU) SetSTIBlocking()   { c.stiBlocking = true }

func (c *CPU) SaveExtendedState() { c.xstateSaves++ }

func (c *CPU) TSC() uint64 { return c.tsc }

// AdvanceTSC moves the emulated timestamp counter forward.
func (c *CPU) AdvanceTSC(ticks uint64) { c.tsc += ticks }

func (c *CPU) Parent() hv.ParentCPU { return c.parent }

var _ hv.InterceptCPU = &CPU{}

func (c *CPU) runExitHandlers() {
	for _, h := range c.exitHandlers {
		h(c)
	}
}

// RaiseCPUID injects a CPUID exit for the given leaf. Returns false if no
// emulator is installed for the leaf.
func (c *CPU) RaiseCPUID(leaf uint32) bool {
	c.runExitHandlers()
	h, ok := c.cpuid[leaf]
	if !ok {
		return false
	}
	return h(c)
}

// RaiseWRMSR injects a WRMSR exit.
func (c *CPU) RaiseWRMSR(msr uint32, value uint64) bool {
	c.runExitHandlers()
	h, ok := c.wrmsr[msr]
	if !ok {
		return false
	}
	return h(c, msr, value)
}

// RaiseVMCall injects a VMCALL exit.
func (c *CPU) RaiseVMCall() bool {
	c.runExitHandlers()
	for _, h := range c.vmcallHandlers {
		if h(c) {
			return true
		}
	}
	return false
}

// RaiseHLT injects a HLT exit.
func (c *CPU) RaiseHLT() bool {
	c.runExitHandlers()
	for _, h := range c.hltHandlers {
		if h(c) {
			return true
		}
	}
	return false
}

// FirePreemptionTimer injects a preemption-timer-expiry exit. It does
// nothing if the timer is not armed.
func (c *CPU) FirePreemptionTimer() bool {
	if !c.petEnabled {
		return false
	}
	c.runExitHandlers()
	for _, h := range c.timerHandlers {
		if h(c) {
			return true
		}
	}
	return false
}

// RaiseException injects a guest exception exit. Exception exits stop once
// the exception bitmap has been cleared.
func (c *CPU) RaiseException(info hv.ExceptionInfo) bool {
	if c.excBitmapClear {
		return false
	}
	c.runExitHandlers()
	for _, h := range c.excHandlers {
		if h(c, info) {
			return true
		}
	}
	return false
}

// DeliverInterrupt injects an external-interrupt exit.
func (c *CPU) DeliverInterrupt(vector uint64) bool {
	c.runExitHandlers()
	for _, h := range c.intHandlers {
		if h(c, vector) {
			return true
		}
	}
	return false
}

// Resume runs the registered resume handlers, modelling re-entry to the
// guest after an exit.
func (c *CPU) Resume() {
	for _, h := range c.resumeHandlers {
		h(c)
	}
}

// QueuedInterrupts returns the vectors queued for immediate injection.
func (c *CPU) QueuedInterrupts() []uint64 { return c.queued }

// PendingInterrupts returns the vectors pushed while this vCPU was not
// executing.
func (c *CPU) PendingInterrupts() []uint64 { return c.pending }

// ExtendedStateSaves reports how many times SaveExtendedState ran.
func (c *CPU) ExtendedStateSaves() int { return c.xstateSaves }

// PreemptionTimerEnabled reports whether the countdown is armed.
func (c *CPU) PreemptionTimerEnabled() bool { return c.petEnabled }

// STIBlocking reports the blocking-by-STI interruptibility bit.
func (c *CPU) STIBlocking() bool { return c.stiBlocking }

// ExceptionBitmapCleared reports whether exception exits were suppressed.
func (c *CPU) ExceptionBitmapCleared() bool { return c.excBitmapClear }
