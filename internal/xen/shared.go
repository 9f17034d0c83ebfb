package xen

// Guest-visible structure layouts. These mirror the C ABI structures the
// guest kernel reads directly, so field order, widths, and padding must stay
// exactly as Xen publishes them. They are viewed in place over mapped guest
// pages, never copied field by field.

// vcpuTimeInfo is one slot of the per-vcpu time array. Updated under the
// seqlock protocol: Version is odd while an update is in progress and
// advances by exactly 2 per update.
type vcpuTimeInfo struct {
	Version        uint32
	pad0           uint32
	TSCTimestamp   uint64
	SystemTime     uint64
	TSCToSystemMul uint32
	TSCShift       int8
	Flags          uint8
	pad1           [2]uint8
}

type archVcpuInfo struct {
	CR2 uint64
	Pad uint64
}

type vcpuInfo struct {
	EvtchnUpcallPending uint8
	EvtchnUpcallMask    uint8
	pad0                [6]uint8
	EvtchnPendingSel    uint64
	Arch                archVcpuInfo
	Time                vcpuTimeInfo
}

type archSharedInfo struct {
	MaxPfn            uint64
	PfnToMfnFrameList uint64
	NmiReason         uint64
	pad0              [32]uint64
}

// sharedInfo is the domain's shared-info page. The wallclock triple is
// versioned under the same seqlock discipline as the time slots.
type sharedInfo struct {
	VcpuInfo      [xenLegacyMaxVcpus]vcpuInfo
	EvtchnPending [64]uint64
	EvtchnMask    [64]uint64
	WcVersion     uint32
	WcSec         uint32
	WcNsec        uint32
	WcSecHi       uint32
	Arch          archSharedInfo
}

// vcpuRunstateInfo is the guest-registered runstate accounting area.
type vcpuRunstateInfo struct {
	State          int32
	pad0           int32
	StateEntryTime uint64
	Time           [4]uint64
}

// Hypercall argument structures, mapped from guest memory.

type vcpuSetSingleshotTimer struct {
	TimeoutAbsNs uint64
	Flags        uint32
	pad0         uint32
}

type vcpuRegisterTimeMemoryArea struct {
	Addr uint64
}

type vcpuRegisterRunstateMemoryArea struct {
	Addr uint64
}

type hvmParam struct {
	Domid uint16
	pad0  uint16
	Index uint32
	Value uint64
}

type pfSettime64 struct {
	Secs       uint64
	Nsecs      uint32
	Mbz        uint32
	SystemTime uint64
}

type pfPcpuinfo struct {
	XenCpuid   uint32
	MaxPresent uint32
	Flags      uint32
	ApicID     uint32
	AcpiID     uint32
}

// platformOp and flaskOp carry a command, an interface version, and a
// command-specific union starting at offset 8.
type platformOp struct {
	Cmd              uint32
	InterfaceVersion uint32
}

type flaskOp struct {
	Cmd              uint32
	InterfaceVersion uint32
}
