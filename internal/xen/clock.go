package xen

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyrange/xenguest/internal/hv/hostmem"
	"github.com/tinyrange/xenguest/internal/timeslice"
)

// Clock and runstate publication. Every guest-visible time structure is
// updated under the pvclock seqlock protocol: the version field is odd while
// an update is in progress and advances by exactly 2 per update. The version
// bumps are sequentially-consistent atomics, which orders the plain field
// stores between them the same way the guest's rmb-protected reads expect.

// InitSharedInfo maps the domain's shared-info page at the given guest page
// frame and publishes the first clock snapshot. A domain registers its
// shared-info page exactly once.
func (p *Personality) InitSharedInfo(gpfn uint64) error {
	if p.shinfo != nil {
		return fmt.Errorf("xen: shared info page already registered")
	}

	si, err := guestStruct[sharedInfo](p.cpu, gpfn*hostmem.PageSize)
	if err != nil {
		return err
	}
	p.shinfo = si

	p.updateVcpuTime()

	// The start-of-day wallclock snapshot was taken when the domain's TSC
	// read sod.TSC, so that is the system time it pairs with.
	sod := p.dom.StartOfDay()
	return p.UpdateWallclock(sod.WcSec, sod.WcNsec, tscToNs(sod.TSC, p.tscShift, p.tscMult))
}

// UpdateWallclock publishes the boot-relative wallclock base: the epoch time
// at which the domain's system time was zero. Guests add their own system
// time to it, so the base stays valid between host wallclock updates.
func (p *Personality) UpdateWallclock(secs, nsecs, systemTimeNS uint64) error {
	si := p.shinfo
	if si == nil {
		return fmt.Errorf("xen: wallclock update before shared info registration")
	}

	base := sToNs(secs) + nsecs - systemTimeNS
	sec, rem := divmod(base, nsPerSec)

	atomic.AddUint32(&si.WcVersion, 1)
	si.WcSec = uint32(sec)
	si.WcSecHi = uint32(sec >> 32)
	si.WcNsec = uint32(rem)
	atomic.AddUint32(&si.WcVersion, 1)

	// Refresh system time in the same exit so the guest pairs a consistent
	// (wallclock base, system time) couple.
	p.updateVcpuTime()
	return nil
}

// systemTimeNS is nanoseconds of guest system time, derived from the TSC.
func (p *Personality) systemTimeNS() uint64 {
	return tscToNs(p.cpu.TSC(), p.tscShift, p.tscMult)
}

// updateVcpuTime republishes the per-vcpu time slot and, once registered,
// the guest's own mirror of it.
func (p *Personality) updateVcpuTime() {
	now := p.cpu.TSC()
	if p.shinfo != nil {
		p.writeTimeInfo(&p.shinfo.VcpuInfo[legacyTimeSlot].Time, now)
	}
	if p.userVTI != nil {
		p.writeTimeInfo(p.userVTI, now)
	}
}

func (p *Personality) writeTimeInfo(ti *vcpuTimeInfo, nowTSC uint64) {
	atomic.AddUint32(&ti.Version, 1)
	ti.TSCTimestamp = nowTSC
	ti.SystemTime = tscToNs(nowTSC, p.tscShift, p.tscMult)
	ti.TSCToSystemMul = uint32(p.tscMult)
	ti.TSCShift = int8(p.tscShift)
	ti.Flags |= pvclockTSCStableBit
	atomic.AddUint32(&ti.Version, 1)
}

// UpdateRunstate accounts the time spent in the state being left and moves
// the published runstate to state. When the guest negotiated the
// runstate-update vm-assist, the in-progress marker brackets the write so
// the guest can retry a torn read.
func (p *Personality) UpdateRunstate(state int32) {
	p.updateVcpuTime()

	rs := p.runstate
	if rs == nil {
		return
	}

	now := p.systemTimeNS()
	entry := rs.StateEntryTime &^ xenRunstateUpdate
	old := rs.State

	if p.runstateAssist {
		atomic.StoreUint64(&rs.StateEntryTime, entry|xenRunstateUpdate)
	}

	if now > entry && old >= 0 && old < int32(len(rs.Time)) {
		rs.Time[old] += now - entry
		timeslice.Record(p.ids.Domid, runstateKind(old), time.Duration(now-entry))
	}
	rs.State = state

	if p.runstateAssist {
		atomic.StoreUint64(&rs.StateEntryTime, now|xenRunstateUpdate)
		atomic.StoreUint64(&rs.StateEntryTime, now)
	} else {
		atomic.StoreUint64(&rs.StateEntryTime, now)
	}
}

func runstateKind(state int32) timeslice.Kind {
	switch state {
	case RunstateRunning:
		return timeslice.KindRunning
	case RunstateRunnable:
		return timeslice.KindRunnable
	case RunstateBlocked:
		return timeslice.KindBlocked
	default:
		return timeslice.KindOffline
	}
}

func (p *Personality) registerTimeArea(gpa uint64) error {
	area, err := guestStruct[vcpuRegisterTimeMemoryArea](p.cpu, gpa)
	if err != nil {
		return err
	}
	vti, err := guestStruct[vcpuTimeInfo](p.cpu, area.Addr)
	if err != nil {
		return err
	}
	p.userVTI = vti
	p.writeTimeInfo(vti, p.cpu.TSC())
	p.ret(0)
	return nil
}

func (p *Personality) registerRunstateArea(gpa uint64) error {
	area, err := guestStruct[vcpuRegisterRunstateMemoryArea](p.cpu, gpa)
	if err != nil {
		return err
	}
	rs, err := guestStruct[vcpuRunstateInfo](p.cpu, area.Addr)
	if err != nil {
		return err
	}
	rs.State = RunstateRunning
	atomic.StoreUint64(&rs.StateEntryTime, p.systemTimeNS())
	p.runstate = rs
	p.ret(0)
	return nil
}
