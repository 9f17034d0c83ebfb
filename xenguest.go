// Package xenguest implements the per-vcpu Xen compatibility personality of
// a hypervisor. Installed on an intercepting vCPU, it presents the surface a
// Xen-aware guest kernel expects: the CPUID discovery leaves, the hypercall
// page, the shared-info clock and runstate areas, the singleshot timer, and
// the hypercall dispatcher.
package xenguest

import (
	"github.com/tinyrange/xenguest/internal/hv"
	"github.com/tinyrange/xenguest/internal/xen"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/xen
// -----------------------------------------------------------------------------

// Personality is the Xen-facing state of one guest vCPU.
type Personality = xen.Personality

// Options configures a Personality.
type Options = xen.Options

// Identity is the set of Xen-visible identifiers for one vCPU.
type Identity = xen.Identity

// IDAllocator hands out Xen-visible identifiers, shared by every domain of a
// process.
type IDAllocator = xen.IDAllocator

// VcpuRegistry resolves guest vCPUs by id for cross-vcpu interrupt delivery.
type VcpuRegistry = xen.VcpuRegistry

// Domain is the domain-level state the personality consumes.
type Domain = xen.Domain

// StaticDomain is a Domain built from a DomainConfig.
type StaticDomain = xen.StaticDomain

// DomainConfig describes one guest domain.
type DomainConfig = xen.DomainConfig

// StartOfDay is a domain's boot-time TSC/wallclock snapshot.
type StartOfDay = xen.StartOfDay

// Collaborators bundles the hypercall sub-handlers owned by other components.
type Collaborators = xen.Collaborators

// InterceptCPU is a vCPU whose exits can be intercepted; the personality is
// built entirely on top of this interface.
type InterceptCPU = hv.InterceptCPU

// ParentCPU is the enclosing host-level execution context of a nested guest
// vCPU.
type ParentCPU = hv.ParentCPU

// Runstate values published in the guest's runstate-info area.
const (
	RunstateRunning  = xen.RunstateRunning
	RunstateRunnable = xen.RunstateRunnable
	RunstateBlocked  = xen.RunstateBlocked
	RunstateOffline  = xen.RunstateOffline
)

// ErrUnhandled is returned by hypercall sub-handlers for unrecognized or
// unsupported operations.
var ErrUnhandled = xen.ErrUnhandled

// New builds a personality and installs its handlers on cpu.
func New(cpu InterceptCPU, dom Domain, opts Options) (*Personality, error) {
	return xen.New(cpu, dom, opts)
}

// NewIDAllocator returns an empty id allocator.
func NewIDAllocator() *IDAllocator { return xen.NewIDAllocator() }

// NewVcpuRegistry returns an empty vCPU registry.
func NewVcpuRegistry() *VcpuRegistry { return xen.NewVcpuRegistry() }

// NewStaticDomain builds a domain from a config, backed by an in-process
// console.
func NewStaticDomain(id uint32, cfg *DomainConfig) *StaticDomain {
	return xen.NewStaticDomain(id, cfg)
}

// LoadDomainConfig reads and validates a YAML domain config.
func LoadDomainConfig(path string) (*DomainConfig, error) {
	return xen.LoadDomainConfig(path)
}
