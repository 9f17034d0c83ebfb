package xen

import (
	"testing"
	"time"

	"github.com/tinyrange/xenguest/internal/hv/emu"
)

func TestRegistryAcquireRelease(t *testing.T) {
	r := NewVcpuRegistry()
	cpu := emu.NewCPU(nil, 0, nil)

	if err := r.Register(7, cpu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(7, cpu); err == nil {
		t.Fatalf("expected duplicate Register to fail")
	}

	got, ok := r.Acquire(7)
	if !ok || got != cpu {
		t.Fatalf("Acquire returned %v, %v", got, ok)
	}
	r.Release(7)

	if _, ok := r.Acquire(99); ok {
		t.Fatalf("Acquire of unknown id succeeded")
	}
}

func TestRegistryUnregisterWaitsForBorrows(t *testing.T) {
	r := NewVcpuRegistry()
	cpu := emu.NewCPU(nil, 0, nil)

	if err := r.Register(1, cpu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Acquire(1); !ok {
		t.Fatalf("Acquire failed")
	}

	done := make(chan struct{})
	go func() {
		r.Unregister(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Unregister returned while vcpu still borrowed")
	case <-time.After(10 * time.Millisecond):
	}

	r.Release(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Unregister did not return after Release")
	}
}
