// Package dbcgate compiles per-vehicle CAN databases from DBC fragments and
// encodes and decodes frames against them.
//
// A Database is built once with LoadDatabase and is safe for concurrent use.
// Rolling counter state lives in a Session owned by the caller, typically one
// per bus connection.
package dbcgate

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"example.com/dbcgate/internal/checksum"
	"example.com/dbcgate/internal/codec"
	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/merge"
)

type (
	Database      = dbc.Database
	Message       = dbc.Message
	Signal        = dbc.Signal
	IntegrityRule = dbc.IntegrityRule
	Verdict       = checksum.Verdict
	CheckResult   = checksum.Result
)

const (
	Valid                = checksum.Valid
	ChecksumMismatch     = checksum.ChecksumMismatch
	CounterDiscontinuity = checksum.CounterDiscontinuity
)

// ImportFunc returns the text of the fragment an import directive names.
type ImportFunc func(name string) (string, error)

type options struct {
	log   *zap.Logger
	rules []dbc.IntegrityRule
	name  string
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithIntegrity supplies the checksum and counter bindings of the vehicle.
func WithIntegrity(rules ...dbc.IntegrityRule) Option {
	return func(o *options) { o.rules = append(o.rules, rules...) }
}

// WithRootName names the root fragment in errors and in the source manifest.
func WithRootName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// LoadDatabase parses rootText, resolves its imports through resolve and
// returns the merged database. Construction is all or nothing.
func LoadDatabase(rootText string, resolve ImportFunc, opts ...Option) (*Database, error) {
	o := options{log: zap.NewNop(), name: "root.dbc"}
	for _, opt := range opts {
		opt(&o)
	}
	src := merge.SourceFunc(func(name string) (string, error) {
		if name == o.name {
			return rootText, nil
		}
		if resolve == nil {
			return "", fmt.Errorf("no import resolver for %q", name)
		}
		return resolve(name)
	})
	return merge.Load(o.name, src, merge.WithLogger(o.log), merge.WithIntegrity(o.rules))
}

func message(db *Database, id uint32) (*dbc.Message, error) {
	m, ok := db.Message(id)
	if !ok {
		return nil, &codec.CodecError{Kind: codec.ErrUnknownMessage, MessageID: id, Msg: "not in database"}
	}
	return m, nil
}

// Encode packs values into a payload of message id. The bound checksum field
// may be left out of values, in which case it is computed after packing.
func Encode(db *Database, id uint32, values map[string]float64) ([]byte, error) {
	return encode(db, nil, id, values, false)
}

func encode(db *Database, v *checksum.Validator, id uint32, values map[string]float64, clamp bool) ([]byte, error) {
	m, err := message(db, id)
	if err != nil {
		return nil, err
	}
	in, _ := db.Integrity(id)
	opts := codec.Options{Clamp: clamp}
	if in.Checksum != "" {
		opts.Auto = append(opts.Auto, in.Checksum)
	}
	if v != nil && in.Counter != "" {
		opts.Auto = append(opts.Auto, in.Counter)
	}
	data, err := codec.Encode(m, values, opts)
	if err != nil {
		return nil, err
	}
	if v != nil && in.Counter != "" {
		if _, given := values[in.Counter]; !given {
			next, _ := v.Next(id)
			codec.Insert(m.Signal(in.Counter), data, next)
		}
	}
	if _, given := values[in.Checksum]; in.Checksum != "" && !given {
		if err := checksum.Fill(db, id, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// LabelFor returns the value table label of a raw signal value.
func LabelFor(db *Database, id uint32, signal string, raw int64) (string, bool) {
	return db.LabelFor(id, signal, raw)
}

// Decoded is one unpacked frame.
type Decoded struct {
	MessageID uint32             `json:"id"`
	Name      string             `json:"name"`
	Values    map[string]float64 `json:"values"`
	Raw       map[string]int64   `json:"raw"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Verdict   Verdict            `json:"verdict"`
	Check     CheckResult        `json:"check"`
}

// Decode unpacks a frame of message id. Counter continuity is tracked in
// session; a nil session checks the frame on its own.
func Decode(db *Database, session *Session, id uint32, data []byte) (Decoded, error) {
	if session == nil {
		s, err := NewSession(db)
		if err != nil {
			return Decoded{}, err
		}
		session = s
	} else if session.db != db {
		return Decoded{}, errors.New("session belongs to a different database")
	}
	return session.Decode(id, data)
}

// Observer receives one call per frame a Session decodes.
type Observer interface {
	ObserveFrame(id uint32, size int, verdict string)
	ObserveError(id uint32, kind string)
}

// Session carries the rolling counter state of one bus connection. It is safe
// for concurrent use.
type Session struct {
	db        *Database
	v         *checksum.Validator
	clamp     bool
	log       *zap.Logger
	observers []Observer
}

type SessionOption func(*Session)

func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClamp saturates out of range values on encode instead of failing.
func WithClamp(clamp bool) SessionOption {
	return func(s *Session) { s.clamp = clamp }
}

func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func NewSession(db *Database, opts ...SessionOption) (*Session, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	s := &Session{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	v, err := checksum.NewValidator(db, checksum.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.v = v
	return s, nil
}

func (s *Session) ID() string { return s.v.ID() }

func (s *Session) Database() *Database { return s.db }

// Reset forgets every counter the session has seen.
func (s *Session) Reset() { s.v.Reset() }

func (s *Session) Decode(id uint32, data []byte) (Decoded, error) {
	out, err := s.decode(id, data)
	if err != nil {
		kind := "error"
		var cerr *codec.CodecError
		if errors.As(err, &cerr) {
			kind = cerr.Kind.Error()
		}
		for _, o := range s.observers {
			o.ObserveError(id, kind)
		}
		return Decoded{}, err
	}
	for _, o := range s.observers {
		o.ObserveFrame(id, len(data), out.Verdict.String())
	}
	return out, nil
}

func (s *Session) decode(id uint32, data []byte) (Decoded, error) {
	m, err := message(s.db, id)
	if err != nil {
		return Decoded{}, err
	}
	values, err := codec.Decode(m, data)
	if err != nil {
		return Decoded{}, err
	}
	raw, err := codec.DecodeRaw(m, data)
	if err != nil {
		return Decoded{}, err
	}
	res, err := s.v.Check(id, data)
	if err != nil {
		return Decoded{}, err
	}
	out := Decoded{
		MessageID: id,
		Name:      m.Name,
		Values:    values,
		Raw:       raw,
		Verdict:   res.Verdict,
		Check:     res,
	}
	for _, sig := range m.Signals {
		if label, ok := s.db.LabelFor(id, sig.Name, raw[sig.Name]); ok {
			if out.Labels == nil {
				out.Labels = make(map[string]string)
			}
			out.Labels[sig.Name] = label
		}
	}
	return out, nil
}

// Encode packs values like the package level Encode and also advances the
// bound counter when values leaves it out.
func (s *Session) Encode(id uint32, values map[string]float64) ([]byte, error) {
	return encode(s.db, s.v, id, values, s.clamp)
}
