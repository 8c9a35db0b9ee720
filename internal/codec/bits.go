package codec

import (
	"fmt"
	"math"

	"example.com/dbcgate/internal/dbc"
)

// Extract reads the raw bits of sig from data. Bit 0 of the result is the
// least significant bit of the field.
func Extract(sig *dbc.Signal, data []byte) uint64 {
	var raw uint64
	for i := 0; i < sig.Length; i++ {
		b := sig.Bit(i)
		if data[b/8]>>(uint(b)%8)&1 != 0 {
			raw |= 1 << uint(i)
		}
	}
	return raw
}

// Insert writes the low sig.Length bits of raw into data, leaving every other
// bit untouched.
func Insert(sig *dbc.Signal, data []byte, raw uint64) {
	for i := 0; i < sig.Length; i++ {
		b := sig.Bit(i)
		bit := byte(1) << (uint(b) % 8)
		if raw>>uint(i)&1 != 0 {
			data[b/8] |= bit
		} else {
			data[b/8] &^= bit
		}
	}
}

func mask(length int) uint64 {
	if length >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(length) - 1
}

// Int returns the field bits as an integer, sign extended for signed signals.
func Int(sig *dbc.Signal, bits uint64) int64 {
	bits &= mask(sig.Length)
	if sig.Signed && sig.Length < 64 && bits>>uint(sig.Length-1)&1 != 0 {
		return int64(bits | ^mask(sig.Length))
	}
	return int64(bits)
}

// ToPhysical applies physical = raw * scale + offset.
func ToPhysical(sig *dbc.Signal, bits uint64) float64 {
	var raw float64
	if sig.Signed {
		raw = float64(Int(sig, bits))
	} else {
		raw = float64(bits & mask(sig.Length))
	}
	return raw*sig.Scale + sig.Offset
}

// ToRaw converts a physical value to field bits. Values whose rounded raw
// integer does not fit the field fail with ErrOutOfRange, or are saturated to
// the nearest representable raw value when clamp is set.
func ToRaw(sig *dbc.Signal, physical float64, clamp bool) (uint64, error) {
	r := math.Round((physical - sig.Offset) / sig.Scale)
	if math.IsNaN(r) {
		return 0, &CodecError{Kind: ErrOutOfRange, Signal: sig.Name, Msg: "value is not a number"}
	}
	var lo, hi float64
	if sig.Signed {
		lo, hi = -math.Ldexp(1, sig.Length-1), math.Ldexp(1, sig.Length-1)
	} else {
		lo, hi = 0, math.Ldexp(1, sig.Length)
	}
	switch {
	case r < lo:
		if !clamp {
			return 0, outOfRange(sig, physical)
		}
		if sig.Signed {
			return uint64(int64(lo)) & mask(sig.Length), nil
		}
		return 0, nil
	case r >= hi:
		if !clamp {
			return 0, outOfRange(sig, physical)
		}
		if sig.Signed {
			return mask(sig.Length) >> 1, nil
		}
		return mask(sig.Length), nil
	}
	if sig.Signed {
		return uint64(int64(r)) & mask(sig.Length), nil
	}
	return uint64(r), nil
}

func outOfRange(sig *dbc.Signal, physical float64) error {
	lo, hi := sig.RawRange()
	return &CodecError{
		Kind:   ErrOutOfRange,
		Signal: sig.Name,
		Msg:    fmt.Sprintf("physical %g needs a raw value outside [%d, %d]", physical, lo, hi),
	}
}
