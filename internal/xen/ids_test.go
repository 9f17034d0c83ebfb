package xen

import "testing"

func TestAllocateInitdom(t *testing.T) {
	a := NewIDAllocator()

	for range 3 {
		id := a.Allocate(true)
		if id != (Identity{}) {
			t.Fatalf("initdom identity = %+v, want all zero", id)
		}
	}
}

func TestAllocateSequentialDomids(t *testing.T) {
	a := NewIDAllocator()

	for want := uint32(1); want <= 5; want++ {
		id := a.Allocate(false)
		if id.Domid != want {
			t.Fatalf("domid = %d, want %d", id.Domid, want)
		}
		if id.Vcpuid != 0 || id.Apicid != 0 || id.Acpiid != 0 {
			t.Fatalf("per-vcpu ids = %+v, want zero", id)
		}
	}
}

func TestAllocateInterleaved(t *testing.T) {
	a := NewIDAllocator()

	a.Allocate(false)
	a.Allocate(true)
	id := a.Allocate(false)
	if id.Domid != 2 {
		t.Fatalf("domid = %d, want 2 (initdom must not consume ids)", id.Domid)
	}
}
