package xen

import (
	"log/slog"

	"github.com/tinyrange/xenguest/internal/hv"
)

// Interrupt and HLT virtualization. A host interrupt arriving while the
// guest owns the hardware thread is either a passthrough MSI bound for a
// guest vCPU, or host-owned and must be handed to the parent context.

func (p *Personality) handleInterrupt(cpu hv.InterceptCPU, vector uint64) bool {
	parent := cpu.Parent()

	if msi, ok := parent.FindGuestMSI(vector); ok {
		if int(msi.GuestVcpuID) == cpu.ID() {
			cpu.QueueExternalInterrupt(msi.GuestVector)
			return true
		}

		target, ok := p.registry.Acquire(msi.GuestVcpuID)
		if !ok {
			slog.Warn("xen: MSI routed to unknown vcpu",
				"vcpu", msi.GuestVcpuID, "vector", msi.GuestVector)
			return true
		}
		target.PushExternalInterrupt(msi.GuestVector)
		p.registry.Release(msi.GuestVcpuID)
		return true
	}

	// Host-owned interrupt. Park this vCPU, switch the hardware thread to
	// the parent, and replay the vector there.
	cpu.SaveExtendedState()
	p.UpdateRunstate(RunstateRunnable)
	p.exec = execParent
	parent.Load()
	parent.QueueExternalInterrupt(vector)
	parent.ResumeAfterInterrupt()
	return true
}

// handleHLT virtualizes the guest's idle loop. The remaining singleshot
// countdown becomes a timed yield in the parent context; the timer event is
// queued up front so the guest wakes into its tick handler.
func (p *Personality) handleHLT(cpu hv.InterceptCPU) bool {
	if !cpu.InterruptsEnabled() {
		// HLT with interrupts disabled never wakes; let the backend treat
		// it as a halted guest.
		return false
	}

	cpu.Advance()
	cpu.ClearSTIBlocking()

	remaining := cpu.PreemptionTimer()
	p.collab.EventChannel.QueueVirq(VirqTimer)
	p.UpdateRunstate(RunstateBlocked)

	parent := cpu.Parent()
	cpu.SaveExtendedState()
	p.exec = execParent
	parent.Load()
	parent.Yield(p.yieldUS(remaining))
	return true
}

// yieldUS converts remaining preemption-timer ticks to microseconds.
func (p *Personality) yieldUS(pet uint64) uint64 {
	return ((pet << p.petShift) * 1000) / p.tscKHz
}
