package xen

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/xenguest/internal/hv"
)

const timerArgGPA = 0x20000

func (e *testEnv) armTimer(timeoutNS uint64, flags uint32) bool {
	e.t.Helper()
	var arg [16]byte
	binary.LittleEndian.PutUint64(arg[0:8], timeoutNS)
	binary.LittleEndian.PutUint32(arg[8:12], flags)
	e.write(timerArgGPA, arg[:])
	return e.hypercall(hcallVcpuOp, vcpuopSetSingleshotTimer, 0, timerArgGPA)
}

func TestSetSingleshotTimer(t *testing.T) {
	e := newTestEnv(t)

	if !e.armTimer(8000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if e.rax() != 0 {
		t.Fatalf("rax = %d", e.rax())
	}
	if !e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("preemption timer not armed")
	}
	// 8000ns at 1 GHz is 8000 ticks, 1000 timer units at shift 3
	if got := e.cpu.PreemptionTimer(); got != 1000 {
		t.Fatalf("preemption timer = %d", got)
	}
	if e.rip() != 1 {
		t.Fatalf("rip = %d after handled hypercall", e.rip())
	}
}

func TestSetSingleshotTimerPastDeadline(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.AdvanceTSC(10000)

	// future-only flag: a past deadline is an error
	if !e.armTimer(500, sshotTimerFuture) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if e.rax() != -errnoETIME {
		t.Fatalf("rax = %d, want -ETIME", e.rax())
	}
	if e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer armed for past deadline")
	}

	// without the flag the countdown arms with zero ticks so the tick
	// goes through the normal expiry path on next entry
	if !e.armTimer(500, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if e.rax() != 0 {
		t.Fatalf("rax = %d", e.rax())
	}
	if !e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer not armed for past deadline")
	}
	if got := e.cpu.PreemptionTimer(); got != 0 {
		t.Fatalf("preemption timer = %d, want 0", got)
	}
	if len(e.ec.virqs) != 0 {
		t.Fatalf("virqs = %v before expiry", e.ec.virqs)
	}

	if !e.cpu.FirePreemptionTimer() {
		t.Fatalf("expiry not handled")
	}
	if len(e.ec.virqs) != 1 || e.ec.virqs[0] != VirqTimer {
		t.Fatalf("virqs = %v", e.ec.virqs)
	}
}

func TestStopSingleshotTimer(t *testing.T) {
	e := newTestEnv(t)

	if !e.armTimer(8000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if !e.hypercall(hcallVcpuOp, vcpuopStopSingleshotTimer, 0, 0) {
		t.Fatalf("stop_singleshot_timer not handled")
	}
	if e.cpu.PreemptionTimerEnabled() || e.cpu.PreemptionTimer() != 0 {
		t.Fatalf("timer still armed after stop")
	}
}

func TestStopPeriodicTimerAccepted(t *testing.T) {
	e := newTestEnv(t)
	if !e.hypercall(hcallVcpuOp, vcpuopStopPeriodicTimer, 0, 0) {
		t.Fatalf("stop_periodic_timer not handled")
	}
	if e.rax() != 0 {
		t.Fatalf("rax = %d", e.rax())
	}
}

func TestVcpuOpWrongVcpu(t *testing.T) {
	e := newTestEnv(t)
	if !e.hypercall(hcallVcpuOp, vcpuopStopPeriodicTimer, 5, 0) {
		t.Fatalf("vcpu_op not handled")
	}
	if e.rax() != -errnoEINVAL {
		t.Fatalf("rax = %d, want -EINVAL", e.rax())
	}
}

func TestTimerExpiry(t *testing.T) {
	e := newTestEnv(t)

	if !e.armTimer(8000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if !e.cpu.FirePreemptionTimer() {
		t.Fatalf("expiry not handled")
	}
	if e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer still armed after expiry")
	}
	if len(e.ec.virqs) != 1 || e.ec.virqs[0] != VirqTimer {
		t.Fatalf("virqs = %v", e.ec.virqs)
	}
}

func TestStolenTickCompensation(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.AdvanceTSC(100)

	if !e.armTimer(8100, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	// a later exit records the off-thread snapshot at TSC 100
	if !e.hypercall(hcallVcpuOp, vcpuopStopPeriodicTimer, 0, 0) {
		t.Fatalf("stop_periodic_timer not handled")
	}

	// 800 ticks pass while the vCPU is off the hardware thread
	e.cpu.AdvanceTSC(800)
	e.cpu.Resume()

	if got := e.cpu.PreemptionTimer(); got != 900 {
		t.Fatalf("preemption timer = %d after 100 stolen units", got)
	}
	if !e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer disarmed by compensation")
	}
}

func TestStolenTicksFloorAtZero(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.AdvanceTSC(100)

	if !e.armTimer(8100, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if !e.hypercall(hcallVcpuOp, vcpuopStopPeriodicTimer, 0, 0) {
		t.Fatalf("stop_periodic_timer not handled")
	}

	e.cpu.AdvanceTSC(80000)
	e.cpu.Resume()

	if got := e.cpu.PreemptionTimer(); got != 0 {
		t.Fatalf("preemption timer = %d, want immediate expiry", got)
	}
}

func TestFreshArmSurvivesResume(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.AdvanceTSC(1_000_000)

	if !e.armTimer(1_008_000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	if got := e.cpu.PreemptionTimer(); got != 1000 {
		t.Fatalf("preemption timer = %d", got)
	}

	// re-entry straight after arming: no exit has snapshotted the TSC yet,
	// so there is no off-thread time to steal
	e.cpu.Resume()

	if got := e.cpu.PreemptionTimer(); got != 1000 {
		t.Fatalf("preemption timer = %d after zero-time resume", got)
	}
	if !e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer disarmed by resume")
	}
}

func TestHLTYieldsRemainingTimer(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.WriteRegister(hv.RegisterAMD64Rflags, hv.RFlagsIF)

	if !e.armTimer(8000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}

	if !e.cpu.RaiseHLT() {
		t.Fatalf("hlt not handled")
	}
	if !e.cpu.PreemptionTimerEnabled() {
		t.Fatalf("timer disarmed across hlt")
	}
	if len(e.ec.virqs) != 1 || e.ec.virqs[0] != VirqTimer {
		t.Fatalf("virqs = %v", e.ec.virqs)
	}
	// 1000 timer units = 8000 ticks = 8us at 1 GHz
	if len(e.parent.Yields) != 1 || e.parent.Yields[0] != 8 {
		t.Fatalf("yields = %v", e.parent.Yields)
	}
	if e.cpu.ExtendedStateSaves() != 1 {
		t.Fatalf("extended state not saved before the yield")
	}
	if e.parent.LoadCount != 1 {
		t.Fatalf("parent not loaded")
	}
	if !e.p.InParentContext() {
		t.Fatalf("context still self during the yield")
	}

	e.cpu.Resume()
	if e.p.InParentContext() {
		t.Fatalf("context not reset on resume")
	}
}

func TestHLTWithoutTimerStillQueuesTick(t *testing.T) {
	e := newTestEnv(t)
	e.cpu.WriteRegister(hv.RegisterAMD64Rflags, hv.RFlagsIF)

	if !e.cpu.RaiseHLT() {
		t.Fatalf("hlt not handled")
	}
	if len(e.ec.virqs) != 1 || e.ec.virqs[0] != VirqTimer {
		t.Fatalf("virqs = %v", e.ec.virqs)
	}
	if len(e.parent.Yields) != 1 || e.parent.Yields[0] != 0 {
		t.Fatalf("yields = %v", e.parent.Yields)
	}
}

func TestHLTWithInterruptsDisabled(t *testing.T) {
	e := newTestEnv(t)

	if e.cpu.RaiseHLT() {
		t.Fatalf("hlt handled with interrupts disabled")
	}
	if len(e.parent.Yields) != 0 {
		t.Fatalf("yields = %v", e.parent.Yields)
	}
}

func TestTSCDeadlinePassesThrough(t *testing.T) {
	e := newTestEnv(t)

	if e.cpu.RaiseWRMSR(tscDeadlineMSR, 123456) {
		t.Fatalf("deadline write should fall through to the backend")
	}

	if !e.armTimer(8000, 0) {
		t.Fatalf("set_singleshot_timer not handled")
	}
	// with the singleshot timer armed the write still falls through
	if e.cpu.RaiseWRMSR(tscDeadlineMSR, 123456) {
		t.Fatalf("deadline write should fall through to the backend")
	}
}
