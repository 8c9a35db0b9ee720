package dbc

import "fmt"

// ByteOrder selects the bit addressing convention of a signal.
type ByteOrder uint8

const (
	// BigEndian is the Motorola convention, written as @0 in a fragment.
	BigEndian ByteOrder = iota
	// LittleEndian is the Intel convention, written as @1 in a fragment.
	LittleEndian
)

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big_endian"
	case LittleEndian:
		return "little_endian"
	default:
		return fmt.Sprintf("ByteOrder(%d)", uint8(o))
	}
}

func (o ByteOrder) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// MaxMessageLength is the classical CAN payload limit in bytes.
const MaxMessageLength = 8

type Signal struct {
	Name      string    `json:"name"`
	StartBit  int       `json:"startBit"`
	Length    int       `json:"length"`
	Order     ByteOrder `json:"order"`
	Signed    bool      `json:"signed"`
	Scale     float64   `json:"scale"`
	Offset    float64   `json:"offset"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Unit      string    `json:"unit,omitempty"`
	Receivers []string  `json:"receivers,omitempty"`
	Comment   string    `json:"comment,omitempty"`

	// Line is the fragment line that declared the signal.
	Line int `json:"-"`
}

type Message struct {
	ID      uint32    `json:"id"`
	Name    string    `json:"name"`
	Length  int       `json:"length"`
	Sender  string    `json:"sender"`
	Signals []*Signal `json:"signals"`
	Comment string    `json:"comment,omitempty"`

	Line int `json:"-"`
}

// Signal returns the signal declared under name, or nil.
func (m *Message) Signal(name string) *Signal {
	if m == nil {
		return nil
	}
	for _, s := range m.Signals {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (m *Message) clone() *Message {
	out := *m
	out.Signals = make([]*Signal, len(m.Signals))
	for i, s := range m.Signals {
		cp := *s
		cp.Receivers = append([]string(nil), s.Receivers...)
		out.Signals[i] = &cp
	}
	return &out
}

// ValueTable maps raw values of one signal to display labels.
type ValueTable struct {
	MessageID uint32           `json:"messageId"`
	Signal    string           `json:"signal"`
	Entries   map[int64]string `json:"entries"`

	Fragment string `json:"-"`
	Line     int    `json:"-"`
}

func (t *ValueTable) clone() *ValueTable {
	out := *t
	out.Entries = make(map[int64]string, len(t.Entries))
	for k, v := range t.Entries {
		out.Entries[k] = v
	}
	return &out
}

type tableKey struct {
	id     uint32
	signal string
}

// Fragment is the parsed form of one source unit.
type Fragment struct {
	Name     string
	Version  string
	Nodes    []string
	Imports  []string
	Messages []*Message
	// ValueTables bind to signals declared by this fragment.
	ValueTables []*ValueTable
	// Unresolved tables reference signals this fragment does not declare; they
	// are bound after imports are merged.
	Unresolved []*ValueTable
}

// Message returns the fragment's own declaration of id, or nil.
func (f *Fragment) Message(id uint32) *Message {
	for _, m := range f.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Integrity names the checksum scheme and the counter/checksum fields bound to
// a message.
type Integrity struct {
	Scheme   string `json:"scheme,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Counter  string `json:"counter,omitempty"`
}

// IntegrityRule is one row of the vehicle's integrity table. A rule with Any
// set applies to every message that carries the named fields and has no
// explicit rule of its own.
type IntegrityRule struct {
	MessageID uint32
	Any       bool
	Scheme    string
	Checksum  string
	Counter   string
}

// Source records one fragment that contributed to a Database.
type Source struct {
	Name   string `json:"name"`
	Sha256 string `json:"sha256"`
	Size   int64  `json:"size"`
}
