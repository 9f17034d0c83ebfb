package xen

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/xenguest/internal/hv"
)

// Hypercall dispatch. The opcode arrives in RAX and the first argument in
// RDI; for most groups RDI is a sub-opcode, for sysctl/domctl it is a guest
// pointer to the whole control structure. A handled hypercall leaves its
// result in RAX (zero or a negated Xen errno) and advances RIP; anything a
// sub-handler cannot serve is reported unhandled and RIP stays put.

// sysctl and domctl control structures are mapped whole; this covers the
// header plus the largest union member the collaborators consume.
const ctlSize = 128

func (p *Personality) handleHypercall(cpu hv.InterceptCPU) bool {
	op := cpu.ReadRegister(hv.RegisterAMD64Rax)
	subop := cpu.ReadRegister(hv.RegisterAMD64Rdi)

	name, fn := p.route(op)
	if fn == nil {
		slog.Warn("xen: unknown hypercall", "op", op,
			"rip", fmt.Sprintf("0x%x", cpu.ReadRegister(hv.RegisterAMD64Rip)))
		return false
	}

	if !quietHypercall(op, subop) {
		slog.Debug("xen: hypercall", "name", name, "subop", subop, "domid", p.ids.Domid)
	}

	if !contain(name, fn) {
		return false
	}
	cpu.Advance()
	return true
}

func (p *Personality) route(op uint64) (string, func() error) {
	switch op {
	case hcallPlatformOp:
		return "platform_op", p.platformOp
	case hcallMemoryOp:
		return "memory_op", p.memoryOp
	case hcallXenVersion:
		return "xen_version", p.versionOp
	case hcallConsoleIO:
		return "console_io", p.consoleIO
	case hcallGrantTableOp:
		return "grant_table_op", p.grantTableOp
	case hcallVMAssist:
		return "vm_assist", p.vmAssist
	case hcallVcpuOp:
		return "vcpu_op", p.vcpuOp
	case hcallXSMOp:
		return "xsm_op", p.xsmOp
	case hcallEventChannelOp:
		return "event_channel_op", p.eventChannelOp
	case hcallPhysdevOp:
		return "physdev_op", p.physdevOp
	case hcallHVMOp:
		return "hvm_op", p.hvmOp
	case hcallSysctl:
		return "sysctl", p.sysctl
	case hcallDomctl:
		return "domctl", p.domctl
	}
	return "", nil
}

// quietHypercall filters the two chatty paths out of the debug trace: the
// console ring and the timer reprogramming that fires on every guest tick.
func quietHypercall(op, subop uint64) bool {
	if op == hcallConsoleIO {
		return true
	}
	if op == hcallVcpuOp &&
		(subop == vcpuopSetSingleshotTimer || subop == vcpuopStopSingleshotTimer) {
		return true
	}
	return false
}

func (p *Personality) vcpuOp() error {
	cmd := p.arg(hv.RegisterAMD64Rdi)
	vcpuid := p.arg(hv.RegisterAMD64Rsi)
	gpa := p.arg(hv.RegisterAMD64Rdx)

	if vcpuid != uint64(p.ids.Vcpuid) {
		p.ret(-errnoEINVAL)
		return nil
	}

	switch cmd {
	case vcpuopStopPeriodicTimer:
		// No periodic timer is emulated; accepting the stop keeps guest
		// clockevent setup on its singleshot path.
		p.ret(0)
		return nil
	case vcpuopSetSingleshotTimer:
		return p.setSingleshotTimer(gpa)
	case vcpuopStopSingleshotTimer:
		p.stopSingleshotTimer()
		p.ret(0)
		return nil
	case vcpuopRegisterVcpuTimeMemoryArea:
		return p.registerTimeArea(gpa)
	case vcpuopRegisterRunstateMemoryArea:
		return p.registerRunstateArea(gpa)
	}
	return fmt.Errorf("%w: vcpu_op %d", ErrUnhandled, cmd)
}

func (p *Personality) hvmOp() error {
	cmd := p.arg(hv.RegisterAMD64Rdi)
	gpa := p.arg(hv.RegisterAMD64Rsi)

	switch cmd {
	case hvmopSetParam:
		arg, err := guestStruct[hvmParam](p.cpu, gpa)
		if err != nil {
			return err
		}
		return p.hvmSetParam(arg)
	case hvmopGetParam:
		assertContract(!p.dom.Initdom(), "hvm_op get_param from the management domain")
		p.ret(-errnoENOSYS)
		return nil
	case hvmopPagetableDying:
		p.ret(-errnoENOSYS)
		return nil
	}
	return fmt.Errorf("%w: hvm_op %d", ErrUnhandled, cmd)
}

func (p *Personality) hvmSetParam(arg *hvmParam) error {
	switch arg.Index {
	case hvmParamCallbackIRQ:
		typ := (arg.Value & hvmParamCallbackIRQTypeMask) >> 56
		vector := arg.Value & 0xFF
		if typ != hvmParamCallbackTypeVector || vector < 0x20 {
			p.ret(-errnoEINVAL)
			return nil
		}
		p.collab.EventChannel.SetCallbackVia(vector)
		p.ret(0)
		return nil
	}
	return fmt.Errorf("%w: hvm param %d", ErrUnhandled, arg.Index)
}

func (p *Personality) platformOp() error {
	gpa := p.arg(hv.RegisterAMD64Rdi)
	op, err := guestStruct[platformOp](p.cpu, gpa)
	if err != nil {
		return err
	}
	if op.InterfaceVersion != xenpfInterfaceVersion {
		p.ret(-errnoEACCES)
		return nil
	}

	switch op.Cmd {
	case xenpfSettime64:
		t, err := guestStruct[pfSettime64](p.cpu, gpa+8)
		if err != nil {
			return err
		}
		if t.Mbz != 0 {
			p.ret(-errnoEINVAL)
			return nil
		}
		if err := p.UpdateWallclock(t.Secs, uint64(t.Nsecs), t.SystemTime); err != nil {
			return err
		}
		p.ret(0)
		return nil
	case xenpfGetCpuinfo:
		assertContract(p.dom.Initdom(),
			"platform_op get_cpuinfo from domain %d", p.ids.Domid)
		ci, err := guestStruct[pfPcpuinfo](p.cpu, gpa+8)
		if err != nil {
			return err
		}
		ci.MaxPresent = 1
		ci.Flags = xenPcpuFlagsOnline
		ci.ApicID = p.ids.Apicid
		ci.AcpiID = p.ids.Acpiid
		p.ret(0)
		return nil
	}
	return fmt.Errorf("%w: platform_op %d", ErrUnhandled, op.Cmd)
}

func (p *Personality) xsmOp() error {
	assertContract(p.dom.Initdom(), "xsm_op from domain %d", p.ids.Domid)

	gpa := p.arg(hv.RegisterAMD64Rdi)
	op, err := guestStruct[flaskOp](p.cpu, gpa)
	if err != nil {
		return err
	}
	if op.InterfaceVersion != flaskInterfaceVersion {
		p.ret(-errnoEACCES)
		return nil
	}

	switch op.Cmd {
	case flaskSidToContext:
		// No XSM policy is loaded; the lookup itself is denied.
		p.ret(-errnoEACCES)
		return nil
	}
	return fmt.Errorf("%w: xsm_op %d", ErrUnhandled, op.Cmd)
}

func (p *Personality) vmAssist() error {
	cmd := p.arg(hv.RegisterAMD64Rdi)
	typ := p.arg(hv.RegisterAMD64Rsi)

	if cmd == vmasstCmdEnable && typ == vmasstTypeRunstateUpdate {
		p.runstateAssist = true
		p.ret(0)
		return nil
	}
	return fmt.Errorf("%w: vm_assist cmd %d type %d", ErrUnhandled, cmd, typ)
}

func (p *Personality) consoleIO() error {
	assertContract(p.dom.Initdom(), "console_io from domain %d", p.ids.Domid)

	cmd := p.arg(hv.RegisterAMD64Rdi)
	count := p.arg(hv.RegisterAMD64Rsi)
	gpa := p.arg(hv.RegisterAMD64Rdx)

	buf, err := p.cpu.MapGuestPages(gpa, count)
	if err != nil {
		return fmt.Errorf("xen: console buffer at 0x%x: %w", gpa, err)
	}

	switch cmd {
	case consoleioWrite:
		p.ret(int64(p.dom.ConsoleWrite(buf)))
		return nil
	case consoleioRead:
		p.ret(int64(p.dom.ConsoleRead(buf)))
		return nil
	}
	return fmt.Errorf("%w: console_io %d", ErrUnhandled, cmd)
}

func (p *Personality) versionOp() error {
	v := p.collab.VersionOps
	if v == nil {
		return fmt.Errorf("%w: xen_version", ErrUnhandled)
	}
	switch p.arg(hv.RegisterAMD64Rdi) {
	case xenverVersion:
		return v.Version()
	case xenverExtraversion:
		return v.ExtraVersion()
	case xenverCompileInfo:
		return v.CompileInfo()
	case xenverCapabilities:
		return v.Capabilities()
	case xenverChangeset:
		return v.Changeset()
	case xenverPlatformParameters:
		return v.PlatformParameters()
	case xenverGetFeatures:
		return v.GetFeatures()
	case xenverPagesize:
		return v.PageSize()
	case xenverGuestHandle:
		return v.GuestHandle()
	case xenverCommandline:
		return v.CommandLine()
	case xenverBuildID:
		return v.BuildID()
	}
	return fmt.Errorf("%w: xen_version %d", ErrUnhandled, p.arg(hv.RegisterAMD64Rdi))
}

func (p *Personality) memoryOp() error {
	m := p.collab.MemoryOps
	if m == nil {
		return fmt.Errorf("%w: memory_op", ErrUnhandled)
	}
	switch p.arg(hv.RegisterAMD64Rdi) {
	case xenmemMemoryMap:
		return m.MemoryMap()
	case xenmemAddToPhysmap:
		return m.AddToPhysmap()
	case xenmemDecreaseReservation:
		return m.DecreaseReservation()
	case xenmemSharingFreedPages:
		return m.SharingFreedPages()
	case xenmemSharingSharedPages:
		return m.SharingSharedPages()
	}
	return fmt.Errorf("%w: memory_op %d", ErrUnhandled, p.arg(hv.RegisterAMD64Rdi))
}

func (p *Personality) grantTableOp() error {
	g := p.collab.GrantTable
	if g == nil {
		return fmt.Errorf("%w: grant_table_op", ErrUnhandled)
	}
	switch p.arg(hv.RegisterAMD64Rdi) {
	case gnttabQuerySize:
		return g.QuerySize()
	case gnttabSetVersion:
		return g.SetVersion()
	}
	return fmt.Errorf("%w: grant_table_op %d", ErrUnhandled, p.arg(hv.RegisterAMD64Rdi))
}

func (p *Personality) eventChannelOp() error {
	ec := p.collab.EventChannel
	switch p.arg(hv.RegisterAMD64Rdi) {
	case evtchnInitControl:
		return ec.InitControl()
	case evtchnSetPriority:
		return ec.SetPriority()
	case evtchnAllocUnbound:
		return ec.AllocUnbound()
	case evtchnExpandArray:
		return ec.ExpandArray()
	case evtchnBindVirq:
		return ec.BindVirq()
	case evtchnSend:
		return ec.Send()
	case evtchnBindInterdomain:
		return ec.BindInterdomain()
	case evtchnClose:
		return ec.Close()
	case evtchnBindVcpu:
		return ec.BindVcpu()
	}
	return fmt.Errorf("%w: event_channel_op %d", ErrUnhandled, p.arg(hv.RegisterAMD64Rdi))
}

func (p *Personality) physdevOp() error {
	d := p.collab.PhysDev
	if d == nil {
		return fmt.Errorf("%w: physdev_op", ErrUnhandled)
	}
	switch p.arg(hv.RegisterAMD64Rdi) {
	case physdevPCIDeviceAdd:
		return d.PCIDeviceAdd()
	}
	return fmt.Errorf("%w: physdev_op %d", ErrUnhandled, p.arg(hv.RegisterAMD64Rdi))
}

func (p *Personality) sysctl() error {
	s := p.collab.Sysctl
	if s == nil {
		return fmt.Errorf("%w: sysctl", ErrUnhandled)
	}
	assertContract(p.dom.Initdom(), "sysctl from domain %d", p.ids.Domid)
	ctl, err := p.cpu.MapGuestPages(p.arg(hv.RegisterAMD64Rdi), ctlSize)
	if err != nil {
		return err
	}
	return s.Handle(ctl)
}

func (p *Personality) domctl() error {
	d := p.collab.Domctl
	if d == nil {
		return fmt.Errorf("%w: domctl", ErrUnhandled)
	}
	assertContract(p.dom.Initdom(), "domctl from domain %d", p.ids.Domid)
	ctl, err := p.cpu.MapGuestPages(p.arg(hv.RegisterAMD64Rdi), ctlSize)
	if err != nil {
		return err
	}
	return d.Handle(ctl)
}
