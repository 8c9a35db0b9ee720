package dbc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Database is the merged, immutable set of messages for one vehicle. It is
// safe for concurrent readers.
type Database struct {
	version   string
	nodes     []string
	messages  map[uint32]*Message
	ids       []uint32
	byName    map[string]uint32
	tables    map[tableKey]*ValueTable
	integrity map[uint32]Integrity
	sources   []Source
}

// Builder assembles a Database. Only the import resolver writes through it;
// the Database it returns shares nothing with the builder.
type Builder struct {
	Version   string
	Nodes     []string
	Messages  map[uint32]*Message
	Integrity map[uint32]Integrity
	Sources   []Source

	tables map[tableKey]*ValueTable
}

func NewBuilder() *Builder {
	return &Builder{
		Messages:  make(map[uint32]*Message),
		Integrity: make(map[uint32]Integrity),
		tables:    make(map[tableKey]*ValueTable),
	}
}

// PutTable stores t under its (message, signal) key, replacing any earlier
// table for the same key.
func (b *Builder) PutTable(t *ValueTable) {
	b.tables[tableKey{id: t.MessageID, signal: t.Signal}] = t.clone()
}

// DropTable removes the table bound to (id, signal), if any.
func (b *Builder) DropTable(id uint32, signal string) {
	delete(b.tables, tableKey{id: id, signal: signal})
}

// EachTable visits stored tables in (id, signal) order.
func (b *Builder) EachTable(fn func(t *ValueTable)) {
	keys := make([]tableKey, 0, len(b.tables))
	for k := range b.tables {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		fn(b.tables[k])
	}
}

// PutMessage stores a copy of m.
func (b *Builder) PutMessage(m *Message) {
	b.Messages[m.ID] = m.clone()
}

func (b *Builder) Build() *Database {
	db := &Database{
		version:   b.Version,
		nodes:     append([]string(nil), b.Nodes...),
		messages:  make(map[uint32]*Message, len(b.Messages)),
		byName:    make(map[string]uint32, len(b.Messages)),
		tables:    make(map[tableKey]*ValueTable, len(b.tables)),
		integrity: make(map[uint32]Integrity, len(b.Integrity)),
		sources:   append([]Source(nil), b.Sources...),
	}
	for id, m := range b.Messages {
		db.messages[id] = m.clone()
		db.byName[m.Name] = id
		db.ids = append(db.ids, id)
	}
	sort.Slice(db.ids, func(i, j int) bool { return db.ids[i] < db.ids[j] })
	for k, t := range b.tables {
		db.tables[k] = t.clone()
	}
	for id, in := range b.Integrity {
		db.integrity[id] = in
	}
	return db
}

func (db *Database) Version() string {
	if db == nil {
		return ""
	}
	return db.version
}

func (db *Database) Nodes() []string {
	if db == nil {
		return nil
	}
	return append([]string(nil), db.nodes...)
}

// Message returns the message with the given identifier. Callers must not
// modify the returned value.
func (db *Database) Message(id uint32) (*Message, bool) {
	if db == nil {
		return nil, false
	}
	m, ok := db.messages[id]
	return m, ok
}

func (db *Database) MessageByName(name string) (*Message, bool) {
	if db == nil {
		return nil, false
	}
	id, ok := db.byName[name]
	if !ok {
		return nil, false
	}
	return db.messages[id], true
}

// Messages returns every message ordered by identifier.
func (db *Database) Messages() []*Message {
	if db == nil {
		return nil
	}
	out := make([]*Message, 0, len(db.ids))
	for _, id := range db.ids {
		out = append(out, db.messages[id])
	}
	return out
}

func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return len(db.ids)
}

// Integrity returns the checksum/counter binding of a message.
func (db *Database) Integrity(id uint32) (Integrity, bool) {
	if db == nil {
		return Integrity{}, false
	}
	in, ok := db.integrity[id]
	return in, ok
}

// Sources lists the fragments merged into the database in application order.
func (db *Database) Sources() []Source {
	if db == nil {
		return nil
	}
	return append([]Source(nil), db.sources...)
}

type canonicalTable struct {
	MessageID uint32       `json:"messageId"`
	Signal    string       `json:"signal"`
	Entries   []tableEntry `json:"entries"`
}

type tableEntry struct {
	Raw   int64  `json:"raw"`
	Label string `json:"label"`
}

type canonicalIntegrity struct {
	MessageID uint32 `json:"messageId"`
	Integrity
}

type canonical struct {
	Version     string               `json:"version,omitempty"`
	Nodes       []string             `json:"nodes,omitempty"`
	Messages    []*Message           `json:"messages"`
	ValueTables []canonicalTable     `json:"valueTables"`
	Integrity   []canonicalIntegrity `json:"integrity,omitempty"`
}

// MarshalJSON produces the canonical encoding: messages by identifier, signals
// in declaration order, tables by key and entries by raw value. Sources are
// not part of it so that identical content yields identical bytes.
func (db *Database) MarshalJSON() ([]byte, error) {
	c := canonical{
		Version:     db.version,
		Nodes:       db.nodes,
		Messages:    db.Messages(),
		ValueTables: []canonicalTable{},
	}
	keys := make([]tableKey, 0, len(db.tables))
	for k := range db.tables {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		t := db.tables[k]
		ct := canonicalTable{MessageID: k.id, Signal: k.signal}
		for raw, label := range t.Entries {
			ct.Entries = append(ct.Entries, tableEntry{Raw: raw, Label: label})
		}
		sort.Slice(ct.Entries, func(i, j int) bool { return ct.Entries[i].Raw < ct.Entries[j].Raw })
		c.ValueTables = append(c.ValueTables, ct)
	}
	for _, id := range db.ids {
		if in, ok := db.integrity[id]; ok {
			c.Integrity = append(c.Integrity, canonicalIntegrity{MessageID: id, Integrity: in})
		}
	}
	return json.Marshal(c)
}

// Digest is the SHA-256 of the canonical encoding, hex encoded.
func (db *Database) Digest() (string, error) {
	b, err := db.MarshalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func sortKeys(keys []tableKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id != keys[j].id {
			return keys[i].id < keys[j].id
		}
		return keys[i].signal < keys[j].signal
	})
}
