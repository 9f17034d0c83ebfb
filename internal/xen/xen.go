// Package xen is the per-vcpu Xen compatibility personality. Installed on an
// intercepting vCPU, it makes the guest believe it runs under Xen: the CPUID
// discovery leaves, the hypercall page, the shared-info clock, the singleshot
// timer, and the hypercall dispatch surface.
package xen

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/tinyrange/xenguest/internal/hv"
)

// legacyTimeSlot is the only slot of the shared-info time array this
// personality writes. Linux reads vcpu_info[0] when it calibrates the TSC at
// early boot, before any per-vcpu registration, so slot 0 must always be the
// current vCPU's clock. See IDAllocator.Allocate.
const legacyTimeSlot = 0

type execContext int

const (
	execSelf execContext = iota
	execParent
)

// Personality is the Xen-facing state of one guest vCPU. It is owned by the
// vCPU's exit-handling goroutine; the only members touched from elsewhere are
// the registry and the allocator, which carry their own locks.
type Personality struct {
	cpu hv.InterceptCPU
	dom Domain
	ids Identity

	// handle disambiguates this domain from every other domain on the host,
	// returned verbatim by XENVER_guest_handle.
	handle [16]byte

	registry *VcpuRegistry
	collab   Collaborators

	tscKHz   uint64
	tscMult  uint64
	tscShift uint64
	petShift uint64

	shinfo         *sharedInfo
	userVTI        *vcpuTimeInfo
	runstate       *vcpuRunstateInfo
	runstateAssist bool

	timerArmed     bool
	timerInstalled bool
	tscAtExit      uint64

	exec execContext
}

// Options configures a Personality. Allocator and Registry are shared by all
// vCPUs of a process; everything else is per-vcpu.
type Options struct {
	// TSCKHz is the calibrated TSC frequency in kHz.
	TSCKHz uint64

	// PETShift is the hardware ratio between TSC ticks and preemption-timer
	// ticks (IA32_VMX_MISC bits 4:0).
	PETShift uint64

	Allocator *IDAllocator
	Registry  *VcpuRegistry
	Collab    Collaborators

	// Rand sources the guest handle; nil means crypto/rand.
	Rand io.Reader
}

// New builds the personality and installs its handlers on cpu. The handler
// set mirrors the guest's discovery order: CPUID leaves first, then the MSRs
// the leaves advertise, then the hypercall and fault surfaces.
func New(cpu hv.InterceptCPU, dom Domain, opts Options) (*Personality, error) {
	if opts.TSCKHz == 0 {
		return nil, fmt.Errorf("xen: TSC frequency is required")
	}
	if opts.Allocator == nil {
		return nil, fmt.Errorf("xen: id allocator is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("xen: vcpu registry is required")
	}
	if opts.Collab.EventChannel == nil {
		return nil, fmt.Errorf("xen: event-channel handler is required")
	}

	mult, shift := timeScale(opts.TSCKHz)

	p := &Personality{
		cpu:      cpu,
		dom:      dom,
		ids:      opts.Allocator.Allocate(dom.Initdom()),
		registry: opts.Registry,
		collab:   opts.Collab,
		tscKHz:   opts.TSCKHz,
		tscMult:  mult,
		tscShift: shift,
		petShift: opts.PETShift,
	}

	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	if _, err := io.ReadFull(rnd, p.handle[:]); err != nil {
		return nil, fmt.Errorf("xen: generate guest handle: %w", err)
	}

	if err := opts.Registry.Register(uint32(cpu.ID()), cpu); err != nil {
		return nil, err
	}

	cpu.EmulateCPUID(xenLeaf(0), p.cpuidBase)
	cpu.EmulateCPUID(xenLeaf(1), p.cpuidVersion)
	cpu.EmulateCPUID(xenLeaf(2), p.cpuidHypercallPage)
	cpu.EmulateCPUID(xenLeaf(4), p.cpuidHVM)

	cpu.EmulateWRMSR(hcallPageMSR, p.wrmsrHypercallPage)
	cpu.EmulateWRMSR(selfIPIMSR, p.wrmsrSelfIPI)
	cpu.EmulateWRMSR(tscDeadlineMSR, p.wrmsrTSCDeadline)

	cpu.AddVMCallHandler(p.handleHypercall)
	cpu.AddExceptionHandler(p.handleException)
	cpu.AddInterruptHandler(p.handleInterrupt)
	cpu.AddHLTHandler(p.handleHLT)
	cpu.AddResumeHandler(func(hv.InterceptCPU) { p.exec = execSelf })

	return p, nil
}

// Identity returns the Xen-visible ids assigned to this vCPU.
func (p *Personality) Identity() Identity { return p.ids }

// Handle returns the 16-byte guest handle.
func (p *Personality) Handle() [16]byte { return p.handle }

// InParentContext reports whether the hardware thread was handed back to the
// parent by the interrupt bridge and has not re-entered this vCPU yet.
func (p *Personality) InParentContext() bool { return p.exec == execParent }

// Close withdraws this vCPU from the registry, blocking until no other vCPU
// holds a borrow on it.
func (p *Personality) Close() error {
	p.registry.Unregister(uint32(p.cpu.ID()))
	return nil
}

func (p *Personality) ret(v int64) {
	p.cpu.WriteRegister(hv.RegisterAMD64Rax, uint64(v))
}

func (p *Personality) arg(reg hv.Register) uint64 {
	return p.cpu.ReadRegister(reg)
}
