// Package checksum recomputes checksum fields and tracks rolling counters.
package checksum

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"example.com/dbcgate/internal/codec"
	"example.com/dbcgate/internal/dbc"
)

var ErrUnknownScheme = errors.New("unknown checksum scheme")

// Scheme computes the expected checksum of a payload. The payload passed in is
// a copy with the checksum field already cleared; the result is truncated to
// the field length by the caller.
type Scheme interface {
	Compute(address uint32, payload []byte, field *dbc.Signal) uint64
}

type SchemeFunc func(address uint32, payload []byte, field *dbc.Signal) uint64

func (f SchemeFunc) Compute(address uint32, payload []byte, field *dbc.Signal) uint64 {
	return f(address, payload, field)
}

var (
	schemesMu sync.RWMutex
	schemes   = map[string]Scheme{
		"honda":      SchemeFunc(honda),
		"toyota":     SchemeFunc(toyota),
		"subaru":     SchemeFunc(subaru),
		"xor8":       SchemeFunc(xor8),
		"sum8":       SchemeFunc(sum8),
		"crc8-j1850": SchemeFunc(crc8J1850),
	}
)

// Register makes a scheme available by name. It panics if the name is taken
// or s is nil.
func Register(name string, s Scheme) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	if s == nil {
		panic("checksum: Register scheme is nil")
	}
	if _, dup := schemes[name]; dup {
		panic("checksum: Register called twice for scheme " + name)
	}
	schemes[name] = s
}

func Lookup(name string) (Scheme, error) {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	s, ok := schemes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, name)
	}
	return s, nil
}

// Names lists the registered schemes in sorted order.
func Names() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	out := make([]string, 0, len(schemes))
	for name := range schemes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Expected returns the checksum s produces for data, which is not modified.
func Expected(s Scheme, address uint32, data []byte, field *dbc.Signal) uint64 {
	payload := append([]byte(nil), data...)
	codec.Insert(field, payload, 0)
	v := s.Compute(address, payload, field)
	if field.Length < 64 {
		v &= 1<<uint(field.Length) - 1
	}
	return v
}

// NextCounter is the value a rolling counter of the given width takes after
// prev.
func NextCounter(prev uint64, bits int) uint64 {
	if bits >= 64 {
		return prev + 1
	}
	return (prev + 1) & (1<<uint(bits) - 1)
}

func honda(address uint32, payload []byte, _ *dbc.Signal) uint64 {
	extended := address > 0x7FF
	s := 0
	for a := address; a != 0; a >>= 4 {
		s += int(a & 0xF)
	}
	for _, b := range payload {
		s += int(b&0xF) + int(b>>4)
	}
	s = 8 - s
	if extended {
		s += 3
	}
	return uint64(s & 0xF)
}

func toyota(address uint32, payload []byte, _ *dbc.Signal) uint64 {
	s := uint64(len(payload))
	for a := address; a != 0; a >>= 8 {
		s += uint64(a & 0xFF)
	}
	for _, b := range payload {
		s += uint64(b)
	}
	return s & 0xFF
}

func subaru(address uint32, payload []byte, _ *dbc.Signal) uint64 {
	var s uint64
	for a := address; a != 0; a >>= 8 {
		s += uint64(a & 0xFF)
	}
	for _, b := range payload {
		s += uint64(b)
	}
	return s & 0xFF
}

// fieldBytes reports which payload bytes the checksum field fills completely.
func fieldBytes(field *dbc.Signal) map[int]bool {
	count := make(map[int]int)
	for _, b := range field.Bits() {
		count[b/8]++
	}
	out := make(map[int]bool)
	for idx, n := range count {
		if n == 8 {
			out[idx] = true
		}
	}
	return out
}

func xor8(_ uint32, payload []byte, field *dbc.Signal) uint64 {
	skip := fieldBytes(field)
	var x byte
	for i, b := range payload {
		if !skip[i] {
			x ^= b
		}
	}
	return uint64(x)
}

func sum8(_ uint32, payload []byte, field *dbc.Signal) uint64 {
	skip := fieldBytes(field)
	var s byte
	for i, b := range payload {
		if !skip[i] {
			s += b
		}
	}
	return uint64(s)
}

var crc8Table = func() [256]byte {
	const poly = 0x1D
	var t [256]byte
	for i := range t {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc8J1850(_ uint32, payload []byte, field *dbc.Signal) uint64 {
	skip := fieldBytes(field)
	crc := byte(0xFF)
	for i, b := range payload {
		if skip[i] {
			continue
		}
		crc = crc8Table[crc^b]
	}
	return uint64(crc ^ 0xFF)
}
