// Package codec packs physical signal values into CAN payloads and unpacks
// them again.
package codec

import (
	"errors"
	"fmt"
	"sort"

	"example.com/dbcgate/internal/dbc"
)

type Options struct {
	// Clamp saturates out of range values instead of failing.
	Clamp bool
	// Auto lists signals that may be omitted from the values; they are left
	// zero for the caller to fill, typically counters and checksums.
	Auto []string
}

func (o Options) auto(name string) bool {
	for _, a := range o.Auto {
		if a == name {
			return true
		}
	}
	return false
}

// Encode builds a payload of exactly msg.Length bytes.
func Encode(msg *dbc.Message, values map[string]float64, opts Options) ([]byte, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if msg.Signal(name) == nil {
			return nil, &CodecError{Kind: ErrUnknownSignal, MessageID: msg.ID, Signal: name, Msg: fmt.Sprintf("not declared by %s", msg.Name)}
		}
	}

	buf := make([]byte, msg.Length)
	for _, sig := range msg.Signals {
		v, ok := values[sig.Name]
		if !ok {
			if opts.auto(sig.Name) {
				continue
			}
			return nil, &CodecError{Kind: ErrMissingSignal, MessageID: msg.ID, Signal: sig.Name, Msg: "no value supplied"}
		}
		bits, err := ToRaw(sig, v, opts.Clamp)
		if err != nil {
			var cerr *CodecError
			if errors.As(err, &cerr) {
				cerr.MessageID = msg.ID
			}
			return nil, err
		}
		Insert(sig, buf, bits)
	}
	return buf, nil
}

// EncodeRaw is Encode for raw integers; unknown names fail and absent signals
// are left zero.
func EncodeRaw(msg *dbc.Message, raws map[string]int64) ([]byte, error) {
	names := make([]string, 0, len(raws))
	for name := range raws {
		names = append(names, name)
	}
	sort.Strings(names)
	buf := make([]byte, msg.Length)
	for _, name := range names {
		raw := raws[name]
		sig := msg.Signal(name)
		if sig == nil {
			return nil, &CodecError{Kind: ErrUnknownSignal, MessageID: msg.ID, Signal: name, Msg: fmt.Sprintf("not declared by %s", msg.Name)}
		}
		lo, hi := sig.RawRange()
		if raw < lo || (raw >= 0 && uint64(raw) > hi) {
			return nil, &CodecError{Kind: ErrOutOfRange, MessageID: msg.ID, Signal: name, Msg: fmt.Sprintf("raw %d outside [%d, %d]", raw, lo, hi)}
		}
		Insert(sig, buf, uint64(raw)&mask(sig.Length))
	}
	return buf, nil
}

// CheckLength fails with ErrLengthMismatch unless data is exactly one payload
// of msg.
func CheckLength(msg *dbc.Message, data []byte) error {
	if len(data) != msg.Length {
		return &CodecError{
			Kind:      ErrLengthMismatch,
			MessageID: msg.ID,
			Msg:       fmt.Sprintf("got %d bytes, %s is %d bytes", len(data), msg.Name, msg.Length),
		}
	}
	return nil
}

// Decode returns the physical value of every signal. Values outside the
// declared minimum and maximum are reported as they are.
func Decode(msg *dbc.Message, data []byte) (map[string]float64, error) {
	if err := CheckLength(msg, data); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(msg.Signals))
	for _, sig := range msg.Signals {
		out[sig.Name] = ToPhysical(sig, Extract(sig, data))
	}
	return out, nil
}

// DecodeRaw returns the raw integer of every signal, sign extended where the
// signal is signed.
func DecodeRaw(msg *dbc.Message, data []byte) (map[string]int64, error) {
	if err := CheckLength(msg, data); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(msg.Signals))
	for _, sig := range msg.Signals {
		out[sig.Name] = Int(sig, Extract(sig, data))
	}
	return out, nil
}
