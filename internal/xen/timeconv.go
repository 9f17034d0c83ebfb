package xen

import (
	"math"
	"math/bits"
)

// TSC <-> nanosecond conversion, as published in the guest ABI:
//
//	ns = ((ticks << tsc_shift) * tsc_to_system_mul) >> 32
//	ticks = ((ns << 32) / tsc_to_system_mul) >> tsc_shift
//
// CPU frequency (Hz): ((10^9 << 32) / tsc_to_system_mul) >> tsc_shift
//
// The intermediates are 96-bit, so the multiply and divide go through
// math/bits to stay exact over the full 64-bit operand range.

const nsPerSec = 1_000_000_000

func sToNs(sec uint64) uint64 {
	return sec * nsPerSec
}

func tscToNs(ticks, shift, mult uint64) uint64 {
	hi, lo := bits.Mul64(ticks<<shift, mult)
	return hi<<32 | lo>>32
}

func nsToTSC(ns, shift, mult uint64) uint64 {
	// The quotient overflows 64 bits once ns>>32 reaches mult; saturate
	// instead of letting Div64 panic on absurd deadlines.
	if ns>>32 >= mult {
		return math.MaxUint64 >> shift
	}
	quo, _ := bits.Div64(ns>>32, ns<<32, mult)
	return quo >> shift
}

func tscToPET(tsc, petShift uint64) uint64 {
	return tsc >> petShift
}

// divmod splits x into quotient and remainder by base. Exact for any 64-bit
// operands; both results come from a single hardware division.
func divmod(x, base uint64) (uint64, uint64) {
	return x / base, x % base
}

// timeScale derives the tsc_to_system_mul/tsc_shift pair from a measured TSC
// frequency. The shift keeps the multiplier within 32 bits at frequencies
// below 1 GHz; it must be computed, never assumed zero.
func timeScale(tscKHz uint64) (mult uint64, shift uint64) {
	hz := tscKHz * 1000
	m := (uint64(nsPerSec) << 32) / hz
	var s uint64
	for m >= 1<<32 {
		m >>= 1
		s++
	}
	return m, s
}
