package checksum

import (
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"example.com/dbcgate/internal/codec"
	"example.com/dbcgate/internal/dbc"
)

type Verdict uint8

const (
	Valid Verdict = iota
	ChecksumMismatch
	CounterDiscontinuity
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case CounterDiscontinuity:
		return "counter_discontinuity"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "valid":
		*v = Valid
	case "checksum_mismatch":
		*v = ChecksumMismatch
	case "counter_discontinuity":
		*v = CounterDiscontinuity
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Result is the outcome of checking one frame. Fields that the message does
// not carry are left zero and flagged by HasChecksum and HasCounter.
type Result struct {
	Verdict          Verdict `json:"verdict"`
	HasChecksum      bool    `json:"hasChecksum"`
	Checksum         uint64  `json:"checksum,omitempty"`
	ExpectedChecksum uint64  `json:"expectedChecksum,omitempty"`
	HasCounter       bool    `json:"hasCounter"`
	Counter          uint64  `json:"counter,omitempty"`
	ExpectedCounter  uint64  `json:"expectedCounter,omitempty"`
	// FirstSeen is set when no earlier counter was recorded for the message.
	FirstSeen bool `json:"firstSeen,omitempty"`
}

type binding struct {
	scheme   Scheme
	checksum *dbc.Signal
	counter  *dbc.Signal
}

// Validator holds the last accepted counter of every message seen by one bus
// session. It is safe for concurrent use; independent sessions use
// independent validators.
type Validator struct {
	id       string
	log      *zap.Logger
	db       *dbc.Database
	bindings map[uint32]binding

	mu   sync.Mutex
	last map[uint32]uint64
}

type Option func(*Validator)

func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

// NewValidator resolves the integrity bindings of db against the scheme
// registry.
func NewValidator(db *dbc.Database, opts ...Option) (*Validator, error) {
	bindings, err := resolveBindings(db)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		id:       ksuid.New().String(),
		log:      zap.NewNop(),
		db:       db,
		bindings: bindings,
		last:     make(map[uint32]uint64),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With(zap.String("session", v.id))
	return v, nil
}

func resolveBindings(db *dbc.Database) (map[uint32]binding, error) {
	out := make(map[uint32]binding)
	for _, m := range db.Messages() {
		in, ok := db.Integrity(m.ID)
		if !ok {
			continue
		}
		var b binding
		if in.Checksum != "" {
			b.checksum = m.Signal(in.Checksum)
			if b.checksum == nil {
				return nil, fmt.Errorf("message %d: checksum signal %s not declared", m.ID, in.Checksum)
			}
			s, err := Lookup(in.Scheme)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", m.ID, err)
			}
			b.scheme = s
		}
		if in.Counter != "" {
			b.counter = m.Signal(in.Counter)
			if b.counter == nil {
				return nil, fmt.Errorf("message %d: counter signal %s not declared", m.ID, in.Counter)
			}
		}
		out[m.ID] = b
	}
	return out, nil
}

// ID identifies the session in logs and over the HTTP API.
func (v *Validator) ID() string { return v.id }

func (v *Validator) Database() *dbc.Database { return v.db }

// Check validates one frame. Errors are reserved for frames that cannot be
// interpreted at all; a corrupt frame yields a verdict.
//
// A checksum mismatch is reported ahead of any counter problem and does not
// advance the counter. A discontinuity re-synchronises on the received value.
func (v *Validator) Check(id uint32, data []byte) (Result, error) {
	m, ok := v.db.Message(id)
	if !ok {
		return Result{}, &codec.CodecError{Kind: codec.ErrUnknownMessage, MessageID: id, Msg: "not in database"}
	}
	if err := codec.CheckLength(m, data); err != nil {
		return Result{}, err
	}
	var res Result
	b, ok := v.bindings[id]
	if !ok {
		return res, nil
	}
	if b.counter != nil {
		res.HasCounter = true
		res.Counter = codec.Extract(b.counter, data)
	}
	if b.checksum != nil {
		res.HasChecksum = true
		res.Checksum = codec.Extract(b.checksum, data)
		res.ExpectedChecksum = Expected(b.scheme, id, data, b.checksum)
		if res.Checksum != res.ExpectedChecksum {
			res.Verdict = ChecksumMismatch
			v.log.Debug("checksum mismatch",
				zap.Uint32("id", id),
				zap.Uint64("got", res.Checksum),
				zap.Uint64("want", res.ExpectedChecksum))
			return res, nil
		}
	}
	if b.counter == nil {
		return res, nil
	}

	v.mu.Lock()
	prev, seen := v.last[id]
	v.last[id] = res.Counter
	v.mu.Unlock()

	if !seen {
		res.FirstSeen = true
		return res, nil
	}
	res.ExpectedCounter = NextCounter(prev, b.counter.Length)
	if res.Counter != res.ExpectedCounter {
		res.Verdict = CounterDiscontinuity
		v.log.Debug("counter discontinuity",
			zap.Uint32("id", id),
			zap.Uint64("got", res.Counter),
			zap.Uint64("want", res.ExpectedCounter))
	}
	return res, nil
}

// Next returns the counter value to transmit after the last one recorded for
// id, and records it. Messages without a counter return false.
func (v *Validator) Next(id uint32) (uint64, bool) {
	b, ok := v.bindings[id]
	if !ok || b.counter == nil {
		return 0, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, seen := v.last[id]
	next := uint64(0)
	if seen {
		next = NextCounter(prev, b.counter.Length)
	}
	v.last[id] = next
	return next, true
}

// Reset forgets every recorded counter.
func (v *Validator) Reset() {
	v.mu.Lock()
	v.last = make(map[uint32]uint64)
	v.mu.Unlock()
}

// Forget drops the recorded counter of one message.
func (v *Validator) Forget(id uint32) {
	v.mu.Lock()
	delete(v.last, id)
	v.mu.Unlock()
}

// Fill computes the checksum bound to message id and writes it into data.
// Messages without a checksum binding are left unchanged.
func Fill(db *dbc.Database, id uint32, data []byte) error {
	m, ok := db.Message(id)
	if !ok {
		return &codec.CodecError{Kind: codec.ErrUnknownMessage, MessageID: id, Msg: "not in database"}
	}
	if err := codec.CheckLength(m, data); err != nil {
		return err
	}
	in, ok := db.Integrity(id)
	if !ok || in.Checksum == "" {
		return nil
	}
	field := m.Signal(in.Checksum)
	if field == nil {
		return fmt.Errorf("message %d: checksum signal %s not declared", id, in.Checksum)
	}
	s, err := Lookup(in.Scheme)
	if err != nil {
		return fmt.Errorf("message %d: %w", id, err)
	}
	codec.Insert(field, data, Expected(s, id, data, field))
	return nil
}
