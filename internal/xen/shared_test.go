package xen

import (
	"testing"
	"unsafe"
)

// The guest reads these structures directly, so their Go layout has to match
// the C ABI byte for byte.
func TestSharedLayoutSizes(t *testing.T) {
	if s := unsafe.Sizeof(vcpuTimeInfo{}); s != 32 {
		t.Fatalf("vcpuTimeInfo size = %d, want 32", s)
	}
	if s := unsafe.Sizeof(vcpuInfo{}); s != 64 {
		t.Fatalf("vcpuInfo size = %d, want 64", s)
	}
	if s := unsafe.Sizeof(vcpuRunstateInfo{}); s != 48 {
		t.Fatalf("vcpuRunstateInfo size = %d, want 48", s)
	}
	if s := unsafe.Sizeof(hvmParam{}); s != 16 {
		t.Fatalf("hvmParam size = %d, want 16", s)
	}
	if s := unsafe.Sizeof(pfSettime64{}); s != 24 {
		t.Fatalf("pfSettime64 size = %d, want 24", s)
	}
}

func TestSharedLayoutOffsets(t *testing.T) {
	var si sharedInfo

	base := uintptr(unsafe.Pointer(&si))
	if off := uintptr(unsafe.Pointer(&si.EvtchnPending)) - base; off != 2048 {
		t.Fatalf("EvtchnPending offset = %d, want 2048", off)
	}
	if off := uintptr(unsafe.Pointer(&si.WcVersion)) - base; off != 3072 {
		t.Fatalf("WcVersion offset = %d, want 3072", off)
	}
	if off := uintptr(unsafe.Pointer(&si.WcSecHi)) - base; off != 3084 {
		t.Fatalf("WcSecHi offset = %d, want 3084", off)
	}

	var vi vcpuInfo
	viBase := uintptr(unsafe.Pointer(&vi))
	if off := uintptr(unsafe.Pointer(&vi.Time)) - viBase; off != 32 {
		t.Fatalf("vcpuInfo.Time offset = %d, want 32", off)
	}
}
