package xen

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/hv/hostmem"
)

// CPUID discovery leaves. The guest walks base+0 for the signature, base+1
// for the version, base+2 for the hypercall-page MSR, and base+4 for the HVM
// feature bits.

func (p *Personality) cpuidBase(cpu hv.InterceptCPU) bool {
	cpu.WriteRegister(hv.RegisterAMD64Rax, uint64(xenLeaf(5)))
	cpu.WriteRegister(hv.RegisterAMD64Rbx, xenSignatureEBX)
	cpu.WriteRegister(hv.RegisterAMD64Rcx, xenSignatureECX)
	cpu.WriteRegister(hv.RegisterAMD64Rdx, xenSignatureEDX)
	cpu.Advance()
	return true
}

func (p *Personality) cpuidVersion(cpu hv.InterceptCPU) bool {
	cpu.WriteRegister(hv.RegisterAMD64Rax, xenMajor<<16|xenMinor)
	cpu.WriteRegister(hv.RegisterAMD64Rbx, 0)
	cpu.WriteRegister(hv.RegisterAMD64Rcx, 0)
	cpu.WriteRegister(hv.RegisterAMD64Rdx, 0)
	cpu.Advance()
	return true
}

func (p *Personality) cpuidHypercallPage(cpu hv.InterceptCPU) bool {
	cpu.WriteRegister(hv.RegisterAMD64Rax, 1) // one hypercall page
	cpu.WriteRegister(hv.RegisterAMD64Rbx, hcallPageMSR)
	cpu.WriteRegister(hv.RegisterAMD64Rcx, 0)
	cpu.WriteRegister(hv.RegisterAMD64Rdx, 0)
	cpu.Advance()
	return true
}

func (p *Personality) cpuidHVM(cpu hv.InterceptCPU) bool {
	cpu.WriteRegister(hv.RegisterAMD64Rax,
		hvmCpuidX2ApicVirt|hvmCpuidVcpuIDPresent|hvmCpuidDomidPresent)
	cpu.WriteRegister(hv.RegisterAMD64Rbx, uint64(p.ids.Vcpuid))
	cpu.WriteRegister(hv.RegisterAMD64Rcx, uint64(p.ids.Domid))
	cpu.WriteRegister(hv.RegisterAMD64Rdx, 0)
	cpu.Advance()
	return true
}

// wrmsrHypercallPage materializes the hypercall page at the written guest
// frame: one 32-byte stub per hypercall, each loading the opcode into EAX
// and executing VMCALL.
//
//	b8 NN 00 00 00    mov eax, opcode
//	0f 01 c1          vmcall
//	c3                ret
func (p *Personality) wrmsrHypercallPage(cpu hv.InterceptCPU, msr uint32, value uint64) bool {
	page, err := cpu.MapGuestPages(value&^uint64(hostmem.PageSize-1), hostmem.PageSize)
	if err != nil {
		slog.Warn("xen: hypercall page at bad address", "gpa", fmt.Sprintf("0x%x", value))
		return false
	}

	for i := range hcallPageStubs {
		stub := page[i*32:]
		stub[0] = 0xB8
		binary.LittleEndian.PutUint32(stub[1:5], uint32(i))
		stub[5], stub[6], stub[7] = 0x0F, 0x01, 0xC1
		stub[8] = 0xC3
	}

	cpu.Advance()
	return true
}

// wrmsrSelfIPI delivers the written vector back to this vCPU on next entry.
func (p *Personality) wrmsrSelfIPI(cpu hv.InterceptCPU, msr uint32, value uint64) bool {
	cpu.QueueExternalInterrupt(value & 0xFF)
	cpu.Advance()
	return true
}

// handleException is diagnostic only: dump the faulting instruction bytes,
// then clear the exception bitmap so the guest's own fault handling takes
// over from here.
func (p *Personality) handleException(cpu hv.InterceptCPU, info hv.ExceptionInfo) bool {
	rip := cpu.ReadRegister(hv.RegisterAMD64Rip)

	// Best-effort code dump; only works while the guest is identity mapped.
	var dump string
	if code, err := cpu.MapGuestPages(rip, 16); err == nil {
		dump = fmt.Sprintf("% x", code[:16])
	}

	slog.Warn("xen: guest exception",
		"vector", info.Vector,
		"nmi", info.NMI,
		"rip", fmt.Sprintf("0x%x", rip),
		"code", dump,
		"domid", p.ids.Domid)

	cpu.ClearExceptionBitmap()
	return false
}
