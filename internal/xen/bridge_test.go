package xen

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/hv/emu"
)

func TestInterruptMSIToSelf(t *testing.T) {
	e := newTestEnv(t)
	e.parent.MSIs = []hv.GuestMSI{{HostVector: 0x60, GuestVector: 0x40, GuestVcpuID: 0}}

	if !e.cpu.DeliverInterrupt(0x60) {
		t.Fatalf("msi not handled")
	}
	q := e.cpu.QueuedInterrupts()
	if len(q) != 1 || q[0] != 0x40 {
		t.Fatalf("queued = %v", q)
	}
	if e.p.InParentContext() {
		t.Fatalf("msi delivery switched to parent context")
	}
}

func TestInterruptMSIToOtherVcpu(t *testing.T) {
	e := newTestEnv(t)
	e.parent.MSIs = []hv.GuestMSI{{HostVector: 0x60, GuestVector: 0x41, GuestVcpuID: 1}}

	other := emu.NewCPU(e.vm, 1, e.parent)
	if err := e.reg.Register(1, other); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !e.cpu.DeliverInterrupt(0x60) {
		t.Fatalf("msi not handled")
	}
	pending := other.PendingInterrupts()
	if len(pending) != 1 || pending[0] != 0x41 {
		t.Fatalf("pending on target = %v", pending)
	}
	if len(e.cpu.QueuedInterrupts()) != 0 {
		t.Fatalf("vector queued on the wrong vcpu")
	}
}

func TestInterruptMSIToUnknownVcpuIsDropped(t *testing.T) {
	e := newTestEnv(t)
	e.parent.MSIs = []hv.GuestMSI{{HostVector: 0x60, GuestVector: 0x41, GuestVcpuID: 7}}

	if !e.cpu.DeliverInterrupt(0x60) {
		t.Fatalf("msi not handled")
	}
	if len(e.cpu.QueuedInterrupts()) != 0 {
		t.Fatalf("dropped msi was queued")
	}
}

func TestInterruptHostOwnedGoesToParent(t *testing.T) {
	e := newTestEnv(t)

	if !e.cpu.DeliverInterrupt(0x70) {
		t.Fatalf("host interrupt not handled")
	}

	if e.cpu.ExtendedStateSaves() != 1 {
		t.Fatalf("extended state not saved before context switch")
	}
	if e.parent.LoadCount != 1 {
		t.Fatalf("parent not loaded")
	}
	if len(e.parent.Queued) != 1 || e.parent.Queued[0] != 0x70 {
		t.Fatalf("parent queue = %v", e.parent.Queued)
	}
	if !e.parent.ResumeRequested {
		t.Fatalf("parent resume not requested")
	}
	if !e.p.InParentContext() {
		t.Fatalf("context still self after delegation")
	}

	// re-entering the guest returns the context to self
	e.cpu.Resume()
	if e.p.InParentContext() {
		t.Fatalf("context not reset on resume")
	}
}

func TestParentDelegationAccountsRunnable(t *testing.T) {
	e := newTestEnv(t)

	var area [8]byte
	binary.LittleEndian.PutUint64(area[:], 0x24000)
	e.write(0x23000, area[:])
	if !e.hypercall(hcallVcpuOp, vcpuopRegisterRunstateMemoryArea, 0, 0x23000) {
		t.Fatalf("register runstate area not handled")
	}

	e.cpu.AdvanceTSC(300)
	if !e.cpu.DeliverInterrupt(0x70) {
		t.Fatalf("host interrupt not handled")
	}

	rs, err := guestStruct[vcpuRunstateInfo](e.cpu, 0x24000)
	if err != nil {
		t.Fatalf("map runstate area: %v", err)
	}
	// the vCPU is runnable, not running, while the parent owns the thread
	if rs.State != RunstateRunnable {
		t.Fatalf("state = %d during delegation, want %d", rs.State, RunstateRunnable)
	}
	if rs.Time[RunstateRunning] != 300 {
		t.Fatalf("running time = %d before delegation", rs.Time[RunstateRunning])
	}
}
