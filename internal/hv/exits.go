package hv

// Exit interception primitives. A backend that can trap guest exits and
// re-route them into emulation code implements InterceptCPU; the Xen
// personality is built entirely on top of this interface.

// ExceptionInfo describes a guest exception exit.
type ExceptionInfo struct {
	Vector uint64
	NMI    bool
}

type (
	// CPUIDHandler emulates one synthetic CPUID leaf. Returning false lets
	// the backend fall through to its default CPUID behaviour.
	CPUIDHandler func(cpu InterceptCPU) bool

	// WRMSRHandler intercepts a guest write to one MSR.
	WRMSRHandler func(cpu InterceptCPU, msr uint32, value uint64) bool

	// VMCallHandler runs on a VMCALL exit.
	VMCallHandler func(cpu InterceptCPU) bool

	// HLTHandler runs on a HLT exit. Returning false lets the backend's
	// normal halt path proceed.
	HLTHandler func(cpu InterceptCPU) bool

	// ExitHandler runs on every exit before the reason-specific handlers.
	ExitHandler func(cpu InterceptCPU) bool

	// ResumeHandler runs on every resume before guest entry.
	ResumeHandler func(cpu InterceptCPU)

	// TimerHandler runs when the preemption timer expires.
	TimerHandler func(cpu InterceptCPU) bool

	// ExceptionHandler runs on a guest exception exit.
	ExceptionHandler func(cpu InterceptCPU, info ExceptionInfo) bool

	// InterruptHandler runs when a host interrupt arrives while the guest
	// owns the hardware thread.
	InterruptHandler func(cpu InterceptCPU, vector uint64) bool
)

// GuestMSI is one entry of the parent's passthrough MSI routing table: a host
// vector owned by a passthrough device, the vector the owning guest expects,
// and the guest vCPU it is routed to.
type GuestMSI struct {
	HostVector  uint64
	GuestVector uint64
	GuestVcpuID uint32
}

// ParentCPU is the enclosing host-level execution context of a nested guest
// vCPU. Load switches the hardware thread to the parent; the Resume/Yield
// calls then decide how the parent's own run loop continues.
type ParentCPU interface {
	Load()

	QueueExternalInterrupt(vector uint64)

	// ResumeAfterInterrupt requests that the parent re-enters its run loop
	// once the queued interrupt has been delivered.
	ResumeAfterInterrupt()

	// Yield requests a timed yield back to the scheduler, in microseconds.
	Yield(durationUS uint64)

	// FindGuestMSI looks up a host vector in the passthrough MSI table.
	FindGuestMSI(vector uint64) (GuestMSI, bool)
}

// InterceptCPU is a vCPU whose exits can be intercepted. All registration
// calls take effect on the vCPU's own exit-handling thread; the personality
// never installs handlers from another thread.
type InterceptCPU interface {
	VirtualCPU

	ReadRegister(reg Register) uint64
	WriteRegister(reg Register, value uint64)

	// Advance moves RIP past the current instruction.
	Advance()

	// MapGuestPages returns a host view of guest physical memory. The view
	// stays valid for the life of the vCPU.
	MapGuestPages(gpa uint64, size uint64) ([]byte, error)

	EmulateCPUID(leaf uint32, h CPUIDHandler)
	EmulateWRMSR(msr uint32, h WRMSRHandler)
	AddVMCallHandler(h VMCallHandler)
	AddHLTHandler(h HLTHandler)
	AddExceptionHandler(h ExceptionHandler)
	AddExitHandler(h ExitHandler)
	AddResumeHandler(h ResumeHandler)
	AddPreemptionTimerHandler(h TimerHandler)
	AddInterruptHandler(h InterruptHandler)

	// ClearExceptionBitmap stops further exception exits from reaching the
	// registered ExceptionHandler.
	ClearExceptionBitmap()

	SetPreemptionTimer(ticks uint64)
	PreemptionTimer() uint64
	EnablePreemptionTimer()
	DisablePreemptionTimer()

	// QueueExternalInterrupt injects a vector on this vCPU at the next
	// entry. PushExternalInterrupt marks a vector pending on a vCPU that is
	// not currently executing.
	QueueExternalInterrupt(vector uint64)
	PushExternalInterrupt(vector uint64)

	InterruptsEnabled() bool
	ClearSTIBlocking()

	// SaveExtendedState saves FPU/SSE/AVX state before a context switch to
	// the parent.
	SaveExtendedState()

	// TSC reads the current timestamp counter.
	TSC() uint64

	Parent() ParentCPU
}
