//go:build !linux

package hostmem

// Without mmap we fall back to a plain allocation. Large slices come out of
// the page allocator anyway, so guest structures stay naturally aligned.

func alloc(size uint64) (*Region, error) {
	return &Region{mem: make([]byte, size)}, nil
}

func free(r *Region) error {
	r.mem = nil
	return nil
}
