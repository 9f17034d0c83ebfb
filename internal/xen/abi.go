package xen

// Guest-facing ABI numbering. Everything in this file must match Xen's
// published interface headers bit-for-bit; guests hardcode these values.

// Emulated Xen version, reported via CPUID leaf base+1 and XENVER_version.
const (
	xenMajor = 4
	xenMinor = 13
)

// Fixed MSR addresses probed by Xen-aware guests.
const (
	selfIPIMSR     = 0x83F
	hcallPageMSR   = 0xC0000500
	tscDeadlineMSR = 0x6E0
)

// Number of 32-byte stubs materialized in the hypercall page.
const hcallPageStubs = 55

// CPUID leaf base. Leaves base+0 through base+5 form the discovery surface.
const xenLeafBase = 0x40000100

func xenLeaf(i uint32) uint32 { return xenLeafBase + i }

// CPUID signature words, "XenVMMXenVMM" across EBX:ECX:EDX.
const (
	xenSignatureEBX = 0x566e6558
	xenSignatureECX = 0x65584d4d
	xenSignatureEDX = 0x4d4d566e
)

// HVM feature bits reported in leaf base+4.
const (
	hvmCpuidApicAccessVirt = 1 << 0
	hvmCpuidX2ApicVirt     = 1 << 1
	hvmCpuidIommuMappings  = 1 << 2
	hvmCpuidVcpuIDPresent  = 1 << 3
	hvmCpuidDomidPresent   = 1 << 4
)

// Hypercall opcodes (arch-x86_64 ABI: opcode in RAX, args in RDI/RSI/RDX).
const (
	hcallPlatformOp     = 7
	hcallMemoryOp       = 12
	hcallXenVersion     = 17
	hcallConsoleIO      = 18
	hcallGrantTableOp   = 20
	hcallVMAssist       = 21
	hcallVcpuOp         = 24
	hcallXSMOp          = 27
	hcallEventChannelOp = 32
	hcallPhysdevOp      = 33
	hcallHVMOp          = 34
	hcallSysctl         = 35
	hcallDomctl         = 36
)

// Memory-op sub-operations.
const (
	xenmemDecreaseReservation = 1
	xenmemAddToPhysmap        = 7
	xenmemMemoryMap           = 9
	xenmemSharingFreedPages   = 18
	xenmemSharingSharedPages  = 19
)

// Version-op sub-operations.
const (
	xenverVersion            = 0
	xenverExtraversion       = 1
	xenverCompileInfo        = 2
	xenverCapabilities       = 3
	xenverChangeset          = 4
	xenverPlatformParameters = 5
	xenverGetFeatures        = 6
	xenverPagesize           = 7
	xenverGuestHandle        = 8
	xenverCommandline        = 9
	xenverBuildID            = 10
)

// Console-io sub-operations.
const (
	consoleioWrite = 0
	consoleioRead  = 1
)

// Grant-table sub-operations.
const (
	gnttabQuerySize  = 6
	gnttabSetVersion = 8
)

// Event-channel sub-operations.
const (
	evtchnBindInterdomain = 0
	evtchnBindVirq        = 1
	evtchnClose           = 3
	evtchnSend            = 4
	evtchnAllocUnbound    = 6
	evtchnBindVcpu        = 8
	evtchnInitControl     = 11
	evtchnExpandArray     = 12
	evtchnSetPriority     = 13
)

// Physdev sub-operations.
const physdevPCIDeviceAdd = 25

// HVM sub-operations and parameters.
const (
	hvmopSetParam       = 0
	hvmopGetParam       = 1
	hvmopPagetableDying = 9

	hvmParamCallbackIRQ = 0

	hvmParamCallbackIRQTypeMask = uint64(0xFF) << 56
	hvmParamCallbackTypeVector  = 2
)

// vcpu-op sub-operations.
const (
	vcpuopStopPeriodicTimer          = 7
	vcpuopSetSingleshotTimer         = 8
	vcpuopStopSingleshotTimer        = 9
	vcpuopRegisterRunstateMemoryArea = 5
	vcpuopRegisterVcpuTimeMemoryArea = 13
)

// Singleshot timer flags.
const sshotTimerFuture = 1 << 0

// vm-assist commands and types.
const (
	vmasstCmdEnable          = 0
	vmasstTypeRunstateUpdate = 5
)

// Platform-op commands.
const (
	xenpfGetCpuinfo       = 55
	xenpfSettime64        = 62
	xenpfInterfaceVersion = 0x03000001

	xenPcpuFlagsOnline = 1
)

// Flask (XSM) interface.
const (
	flaskInterfaceVersion = 1
	flaskSidToContext     = 5
)

// Runstate values published in the runstate-info area.
const (
	RunstateRunning  = 0
	RunstateRunnable = 1
	RunstateBlocked  = 2
	RunstateOffline  = 3
)

// Marker bit set on state_entry_time while a runstate update is in progress,
// negotiated through VM_ASSIST(runstate_update_flag).
const xenRunstateUpdate = uint64(1) << 63

// Virtual IRQ lines delivered through the event-channel subsystem.
const VirqTimer = 0

// Flag bit in vcpu_time_info announcing an invariant TSC.
const pvclockTSCStableBit = 1 << 0

// The legacy shared-info page carries this many vcpu_info slots.
const xenLegacyMaxVcpus = 32

// Xen errno values returned to the guest, negated, in RAX.
const (
	errnoEINVAL = 22
	errnoEACCES = 13
	errnoENOSYS = 38
	errnoETIME  = 62
)
