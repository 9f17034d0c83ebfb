package xen

import (
	"fmt"
	"sync"

	"github.com/tinyrange/xenguest/internal/hv"
)

// VcpuRegistry resolves guest vCPUs by id for cross-vcpu interrupt
// delivery. Cross-vcpu access follows a borrow discipline: Acquire pins the
// target so it cannot be torn down mid-use, Release unpins it, and
// Unregister waits for outstanding borrows to drain.
type VcpuRegistry struct {
	mu      sync.Mutex
	drained *sync.Cond
	entries map[uint32]*registryEntry
}

type registryEntry struct {
	cpu  hv.InterceptCPU
	refs int
}

func NewVcpuRegistry() *VcpuRegistry {
	r := &VcpuRegistry{entries: make(map[uint32]*registryEntry)}
	r.drained = sync.NewCond(&r.mu)
	return r
}

func (r *VcpuRegistry) Register(id uint32, cpu hv.InterceptCPU) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("xen: vcpu %d already registered", id)
	}
	r.entries[id] = &registryEntry{cpu: cpu}
	return nil
}

// Acquire borrows the vCPU with the given id. Every successful Acquire must
// be paired with a Release.
func (r *VcpuRegistry) Acquire(id uint32) (hv.InterceptCPU, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.refs++
	return e.cpu, true
}

func (r *VcpuRegistry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.refs == 0 {
		panic(fmt.Sprintf("xen: release of unborrowed vcpu %d", id))
	}
	e.refs--
	if e.refs == 0 {
		r.drained.Broadcast()
	}
}

// Unregister removes the vCPU, blocking until all borrows are released.
func (r *VcpuRegistry) Unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		e, ok := r.entries[id]
		if !ok {
			return
		}
		if e.refs == 0 {
			delete(r.entries, id)
			return
		}
		r.drained.Wait()
	}
}
