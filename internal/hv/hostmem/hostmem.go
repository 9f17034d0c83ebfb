// Package hostmem allocates page-aligned host memory backing guest physical
// RAM. Guest-visible structures (shared-info pages, time mirrors) are viewed
// in place over these regions, so alignment matters.
package hostmem

import "fmt"

const PageSize = 0x1000

// Region is a block of host memory backing guest physical RAM.
type Region struct {
	mem    []byte
	mapped bool
}

// Alloc returns a zeroed region of the given size, rounded up to a whole
// number of pages.
func Alloc(size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("hostmem: zero size")
	}
	if size%PageSize != 0 {
		size += PageSize - size%PageSize
	}
	return alloc(size)
}

func (r *Region) Bytes() []byte { return r.mem }
func (r *Region) Size() uint64  { return uint64(len(r.mem)) }

func (r *Region) Free() error { return free(r) }
