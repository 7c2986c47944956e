package utils

import "math"

func bitMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

func getBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return 0
	}
	return (payload >> startBit) & bitMask(bitLen)
}

func setBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return payload
	}
	mask := bitMask(bitLen)
	payload &^= mask << startBit
	payload |= (value & mask) << startBit
	return payload
}

// unsignedToRawInt64 sign-extends a bitLen-wide field
func unsignedToRawInt64(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << (bitLen - 1)
	if u&signBit == 0 {
		return int64(u)
	}
	return int64(u | ^bitMask(bitLen))
}

// rawToUnsigned truncates a two's-complement value to bitLen bits
func rawToUnsigned(raw int64, bitLen int) uint64 {
	return uint64(raw) & bitMask(bitLen)
}

// clamp bounds v to [lo, hi]; an empty range (lo >= hi) means unbounded
func clamp(v, lo, hi float64) float64 {
	if lo >= hi {
		return v
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rawBounds is the representable raw range of a field
func rawBounds(bitLen int, signed bool) (int64, int64) {
	if bitLen <= 0 || bitLen >= 64 {
		if signed {
			return math.MinInt64, math.MaxInt64
		}
		return 0, math.MaxInt64
	}
	if !signed {
		return 0, int64(1)<<bitLen - 1
	}
	return -(int64(1) << (bitLen - 1)), int64(1)<<(bitLen-1) - 1
}

// clampRaw saturates an already rounded raw value to the field width
// before converting, so out-of-range values never wrap.
func clampRaw(raw float64, bitLen int, signed bool) int64 {
	lo, hi := rawBounds(bitLen, signed)
	if raw <= float64(lo) {
		return lo
	}
	if raw >= float64(hi) {
		return hi
	}
	return int64(raw)
}
