package dbc

import "fmt"

// Frame bits are numbered byte*8 + bit, with bit 0 the least significant bit of
// its byte. Both conventions use that numbering for StartBit; they differ in
// which bit the start names and in which direction the field grows.
//
// LittleEndian: StartBit is the raw value's least significant bit and the field
// grows towards higher bit numbers, crossing into the next byte.
//
// BigEndian: StartBit is the raw value's most significant bit. The field grows
// towards lower bit numbers within the byte and continues at bit 7 of the next
// byte.

// Bit returns the absolute frame bit holding bit i of the raw value, where
// i = 0 is the least significant bit.
func (s *Signal) Bit(i int) int {
	if s.Order == LittleEndian {
		return s.StartBit + i
	}
	// Position in a layout where bits run MSB first through the frame.
	lin := msbLinear(s.StartBit) + (s.Length - 1 - i)
	return (lin/8)*8 + 7 - lin%8
}

func msbLinear(bit int) int {
	return (bit/8)*8 + 7 - bit%8
}

// Bits returns the absolute frame bits of the signal, least significant first.
func (s *Signal) Bits() []int {
	out := make([]int, s.Length)
	for i := range out {
		out[i] = s.Bit(i)
	}
	return out
}

// Fits reports whether the whole bit range lies inside a payload of length
// bytes.
func (s *Signal) Fits(length int) bool {
	if s.Length <= 0 || s.StartBit < 0 {
		return false
	}
	limit := length * 8
	if s.Order == LittleEndian {
		return s.StartBit+s.Length <= limit
	}
	return msbLinear(s.StartBit)+s.Length <= limit
}

// Mask returns the frame bits covered by the signal as a bitmap. The signal
// must fit a classical frame.
func (s *Signal) Mask() uint64 {
	var m uint64
	for i := 0; i < s.Length; i++ {
		m |= 1 << uint(s.Bit(i))
	}
	return m
}

// Overlaps reports whether two signals share at least one frame bit.
func Overlaps(a, b *Signal) bool {
	return a.Mask()&b.Mask() != 0
}

// RawRange returns the smallest and largest raw integers the signal can hold.
func (s *Signal) RawRange() (int64, uint64) {
	if s.Signed {
		if s.Length >= 64 {
			return -1 << 63, 1<<63 - 1
		}
		return -(1 << uint(s.Length-1)), 1<<uint(s.Length-1) - 1
	}
	if s.Length >= 64 {
		return 0, ^uint64(0)
	}
	return 0, 1<<uint(s.Length) - 1
}

// firstOverlap returns the names of the first two overlapping signals of m.
func firstOverlap(m *Message) (string, string, bool) {
	var seen uint64
	for i, s := range m.Signals {
		mask := s.Mask()
		if seen&mask == 0 {
			seen |= mask
			continue
		}
		for _, prev := range m.Signals[:i] {
			if prev.Mask()&mask != 0 {
				return prev.Name, s.Name, true
			}
		}
	}
	return "", "", false
}

// LayoutError describes a signal that leaves its message or shares bits with
// another signal.
type LayoutError struct {
	MessageID uint32
	Signal    string
	// Other is set when Signal overlaps it; empty means Signal does not fit.
	Other string
}

func (e *LayoutError) Error() string {
	if e.Other != "" {
		return fmt.Sprintf("message %d: signals %s and %s overlap", e.MessageID, e.Other, e.Signal)
	}
	return fmt.Sprintf("message %d: signal %s exceeds the message length", e.MessageID, e.Signal)
}

// CheckLayout verifies that every signal fits the message and that no two
// signals share a bit.
func CheckLayout(m *Message) error {
	for _, s := range m.Signals {
		if !s.Fits(m.Length) {
			return &LayoutError{MessageID: m.ID, Signal: s.Name}
		}
	}
	if a, b, ok := firstOverlap(m); ok {
		return &LayoutError{MessageID: m.ID, Signal: b, Other: a}
	}
	return nil
}
