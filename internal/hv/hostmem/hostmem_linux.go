//go:build linux

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func alloc(size uint64) (*Region, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("hostmem: size %d exceeds host address limit", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("hostmem: madvise: %w", err)
	}

	return &Region{mem: mem, mapped: true}, nil
}

func free(r *Region) error {
	if !r.mapped {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		return fmt.Errorf("hostmem: munmap: %w", err)
	}
	r.mapped = false
	return nil
}
