package xen

import (
	"log/slog"
	"time"

	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/timeslice"
)

// Singleshot timer emulation on the VMX preemption timer. The timer is a
// two-state machine, disarmed or armed with a deadline; arming converts the
// nanosecond deadline into preemption-timer ticks. The expiry, exit, and
// resume handlers are installed on first use so guests that never program
// the timer pay nothing on the exit path.

func (p *Personality) installTimerHandlers() {
	if p.timerInstalled {
		return
	}
	p.timerInstalled = true
	p.cpu.AddPreemptionTimerHandler(p.handleTimerExpiry)
	p.cpu.AddExitHandler(p.saveTSCAtExit)
	p.cpu.AddResumeHandler(p.stealPETTicks)
}

func (p *Personality) setSingleshotTimer(gpa uint64) error {
	arg, err := guestStruct[vcpuSetSingleshotTimer](p.cpu, gpa)
	if err != nil {
		return err
	}

	p.installTimerHandlers()

	now := p.systemTimeNS()
	if arg.TimeoutAbsNs <= now {
		if arg.Flags&sshotTimerFuture != 0 {
			p.ret(-errnoETIME)
			return nil
		}
		// Deadline already passed: arm with zero ticks so the countdown
		// expires on the next entry and the tick goes through the normal
		// expiry path.
		p.cpu.SetPreemptionTimer(0)
		p.cpu.EnablePreemptionTimer()
		p.timerArmed = true
		p.ret(0)
		return nil
	}

	delta := nsToTSC(arg.TimeoutAbsNs-now, p.tscShift, p.tscMult)
	p.cpu.SetPreemptionTimer(tscToPET(delta, p.petShift))
	p.cpu.EnablePreemptionTimer()
	p.timerArmed = true
	p.ret(0)
	return nil
}

func (p *Personality) stopSingleshotTimer() {
	p.timerArmed = false
	p.cpu.DisablePreemptionTimer()
	p.cpu.SetPreemptionTimer(0)
}

func (p *Personality) handleTimerExpiry(cpu hv.InterceptCPU) bool {
	p.stopSingleshotTimer()
	p.collab.EventChannel.QueueVirq(VirqTimer)
	return true
}

func (p *Personality) saveTSCAtExit(cpu hv.InterceptCPU) bool {
	p.tscAtExit = cpu.TSC()
	return false
}

// stealPETTicks compensates the armed countdown for time the vCPU spent off
// the hardware thread. The preemption timer only counts down while the guest
// executes, so without this the deadline drifts late by every interruption.
func (p *Personality) stealPETTicks(cpu hv.InterceptCPU) {
	p.UpdateRunstate(RunstateRunning)

	if !p.timerArmed {
		return
	}
	// No exit snapshot yet. The exit that carried the arming hypercall
	// happened before the exit handler was installed, so there is nothing
	// to compensate for.
	if p.tscAtExit == 0 {
		return
	}

	stolen := tscToPET(cpu.TSC()-p.tscAtExit, p.petShift)
	if stolen == 0 {
		return
	}

	pet := cpu.PreemptionTimer()
	if stolen >= pet {
		pet = 0
	} else {
		pet -= stolen
	}
	cpu.SetPreemptionTimer(pet)

	timeslice.Record(p.ids.Domid, timeslice.KindStolen,
		time.Duration(tscToNs(stolen<<p.petShift, p.tscShift, p.tscMult)))
}

// wrmsrTSCDeadline guards the preemption timer against double ownership. A
// guest that programs APIC deadline mode while its Xen singleshot timer is
// armed would corrupt the countdown; the write falls through to the backend
// either way.
func (p *Personality) wrmsrTSCDeadline(cpu hv.InterceptCPU, msr uint32, value uint64) bool {
	if p.timerArmed {
		slog.Warn("xen: TSC-deadline write while singleshot timer armed",
			"deadline", value, "domid", p.ids.Domid)
	}
	return false
}
