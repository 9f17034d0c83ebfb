package xen

// Collaborator interfaces. Each hypercall group that is not owned by this
// package is one bounded component reached through a single dispatch call;
// the personality routes to it and normalizes its failures, nothing more.
// Sub-handlers read their own arguments from the vCPU they were constructed
// with and leave the return value in RAX.

// StartOfDay is the domain's boot-time TSC/wallclock snapshot.
type StartOfDay struct {
	TSC    uint64
	WcSec  uint64
	WcNsec uint64
}

// Domain is the domain-level state the personality consumes: identity of the
// management domain, the start-of-day snapshot seeding the wallclock, and the
// hvc console rings behind CONSOLEIO_read/write.
type Domain interface {
	ID() uint32
	Initdom() bool
	StartOfDay() StartOfDay

	ConsoleRead(p []byte) int
	ConsoleWrite(p []byte) int
}

// EventChannel handles the event-channel hypercall group and delivers
// virtual IRQs raised by the timer and HLT paths.
type EventChannel interface {
	InitControl() error
	SetPriority() error
	AllocUnbound() error
	ExpandArray() error
	BindVirq() error
	Send() error
	BindInterdomain() error
	Close() error
	BindVcpu() error

	QueueVirq(virq uint32)
	SetCallbackVia(vector uint64)
}

// GrantTable handles the grant-table hypercall group.
type GrantTable interface {
	QuerySize() error
	SetVersion() error
}

// PhysDev handles the physdev hypercall group.
type PhysDev interface {
	PCIDeviceAdd() error
}

// MemoryOps handles the memory-op hypercall group.
type MemoryOps interface {
	MemoryMap() error
	AddToPhysmap() error
	DecreaseReservation() error
	SharingFreedPages() error
	SharingSharedPages() error
}

// VersionOps handles the version-query hypercall group.
type VersionOps interface {
	Version() error
	ExtraVersion() error
	CompileInfo() error
	Capabilities() error
	Changeset() error
	PlatformParameters() error
	GetFeatures() error
	PageSize() error
	GuestHandle() error
	CommandLine() error
	BuildID() error
}

// Sysctl and Domctl receive their whole mapped control structure; the
// argument register is a guest pointer, not a sub-opcode.
type Sysctl interface {
	Handle(ctl []byte) error
}

type Domctl interface {
	Handle(ctl []byte) error
}

// Collaborators bundles the sub-opcode handlers owned by other components.
type Collaborators struct {
	Domctl       Domctl
	EventChannel EventChannel
	GrantTable   GrantTable
	PhysDev      PhysDev
	MemoryOps    MemoryOps
	VersionOps   VersionOps
	Sysctl       Sysctl
}
