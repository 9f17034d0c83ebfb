package xen

import (
	"fmt"
	"sync"
)

// Identity is the set of Xen-visible identifiers for one vCPU.
type Identity struct {
	Domid  uint32
	Vcpuid uint32
	Apicid uint32
	Acpiid uint32
}

// IDAllocator hands out Xen-visible identifiers. It is the only cross-vcpu
// shared mutable state in this package; one allocator is shared by all
// domains of a process.
type IDAllocator struct {
	mu        sync.Mutex
	nextDomid uint32
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Allocate returns the identity for a new vCPU. The initial/management
// domain always gets all-zero ids. Other domains draw a fresh domid, but
// vcpuid/apicid/acpiid stay zero: Linux hardcodes vcpu_info[0] when it
// calibrates the TSC at early boot, so only slot-0 addressing of the shared
// per-vcpu time array is safe (see legacyTimeSlot). Single-vcpu guests only.
func (a *IDAllocator) Allocate(initdom bool) Identity {
	if initdom {
		return Identity{}
	}

	a.mu.Lock()
	a.nextDomid++
	id := Identity{Domid: a.nextDomid}
	a.mu.Unlock()

	if id.Vcpuid >= xenLegacyMaxVcpus {
		panic(fmt.Sprintf("xen: vcpuid %d exceeds legacy limit", id.Vcpuid))
	}
	return id
}
