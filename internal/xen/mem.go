package xen

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/xenguest/internal/hv"
)

// guestStruct views a guest-physical address as a host pointer to T. The
// guest owns the memory; callers must treat every field as concurrently
// mutable and never copy the struct.
func guestStruct[T any](cpu hv.InterceptCPU, gpa uint64) (*T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))

	buf, err := cpu.MapGuestPages(gpa, size)
	if err != nil {
		return nil, fmt.Errorf("xen: map guest struct at 0x%x: %w", gpa, err)
	}
	if uint64(len(buf)) < size {
		return nil, fmt.Errorf("xen: short mapping at 0x%x", gpa)
	}
	return (*T)(unsafe.Pointer(&buf[0])), nil
}
