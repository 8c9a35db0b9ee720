package dbc

import "sort"

// LabelFor returns the symbolic label for a raw value of a signal. Absence is
// normal: most signals carry no value table.
func (db *Database) LabelFor(id uint32, signal string, raw int64) (string, bool) {
	if db == nil {
		return "", false
	}
	t, ok := db.tables[tableKey{id: id, signal: signal}]
	if !ok {
		return "", false
	}
	label, ok := t.Entries[raw]
	return label, ok
}

// RawFor is the reverse lookup of LabelFor. When several raw values share a
// label the smallest one is returned.
func (db *Database) RawFor(id uint32, signal string, label string) (int64, bool) {
	if db == nil {
		return 0, false
	}
	t, ok := db.tables[tableKey{id: id, signal: signal}]
	if !ok {
		return 0, false
	}
	found := false
	var best int64
	for raw, l := range t.Entries {
		if l != label {
			continue
		}
		if !found || raw < best {
			best = raw
			found = true
		}
	}
	return best, found
}

// ValueTable returns a copy of the table bound to a signal.
func (db *Database) ValueTable(id uint32, signal string) (*ValueTable, bool) {
	if db == nil {
		return nil, false
	}
	t, ok := db.tables[tableKey{id: id, signal: signal}]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// ValueTables returns copies of every table ordered by message and signal.
func (db *Database) ValueTables() []*ValueTable {
	if db == nil {
		return nil
	}
	keys := make([]tableKey, 0, len(db.tables))
	for k := range db.tables {
		keys = append(keys, k)
	}
	sortKeys(keys)
	out := make([]*ValueTable, 0, len(keys))
	for _, k := range keys {
		out = append(out, db.tables[k].clone())
	}
	return out
}

// SortedEntries returns the raw values of t in ascending order.
func (t *ValueTable) SortedEntries() []int64 {
	out := make([]int64, 0, len(t.Entries))
	for raw := range t.Entries {
		out = append(out, raw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
