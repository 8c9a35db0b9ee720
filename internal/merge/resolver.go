package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"example.com/dbcgate/internal/common"
	"example.com/dbcgate/internal/dbc"
)

type Option func(*resolver)

func WithLogger(l *zap.Logger) Option {
	return func(r *resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithIntegrity binds checksum and counter fields to messages once the merge
// is complete.
func WithIntegrity(rules []dbc.IntegrityRule) Option {
	return func(r *resolver) {
		r.rules = append(r.rules, rules...)
	}
}

type resolver struct {
	src   Source
	log   *zap.Logger
	rules []dbc.IntegrityRule

	b        *dbc.Builder
	names    map[string]uint32
	nodes    map[string]bool
	visiting map[string]bool
	done     map[string]bool
	stack    []string
	texts    map[string]string
}

func newResolver(src Source, opts []Option) *resolver {
	r := &resolver{
		src:      src,
		log:      zap.NewNop(),
		b:        dbc.NewBuilder(),
		names:    make(map[string]uint32),
		nodes:    make(map[string]bool),
		visiting: make(map[string]bool),
		done:     make(map[string]bool),
		texts:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load opens and parses rootName through src and resolves its imports.
func Load(rootName string, src Source, opts ...Option) (*dbc.Database, error) {
	r := newResolver(src, opts)
	root, err := r.open(rootName, "")
	if err != nil {
		return nil, err
	}
	return r.run(root)
}

// Resolve merges root with everything it imports, directly or transitively.
// Imports are applied depth first in declaration order and each fragment is
// applied once, after its own imports, so the fragment nearest the root wins.
// The result is all or nothing: on error no Database is returned.
func Resolve(root *dbc.Fragment, src Source, opts ...Option) (*dbc.Database, error) {
	if root == nil {
		return nil, errors.New("merge: nil root fragment")
	}
	return newResolver(src, opts).run(root)
}

func (r *resolver) run(root *dbc.Fragment) (*dbc.Database, error) {
	if err := r.visit(root); err != nil {
		return nil, err
	}
	if err := r.bindTables(); err != nil {
		return nil, err
	}
	if err := r.bindIntegrity(); err != nil {
		return nil, err
	}
	db := r.b.Build()
	r.log.Info("database merged",
		zap.String("root", root.Name),
		zap.Int("fragments", len(r.b.Sources)),
		zap.Int("messages", db.Len()),
		zap.Int("integrity", len(r.b.Integrity)))
	return db, nil
}

func (r *resolver) open(name, importer string) (*dbc.Fragment, error) {
	if r.src == nil {
		return nil, &MergeError{Kind: ErrUnknownImport, Fragment: importer, Msg: fmt.Sprintf("no source for %q", name)}
	}
	text, err := r.src.Open(name)
	if err != nil {
		return nil, &MergeError{Kind: ErrUnknownImport, Fragment: importer, Msg: fmt.Sprintf("open %q", name), Err: err}
	}
	frag, err := dbc.Parse(name, text)
	if err != nil {
		return nil, err
	}
	r.texts[name] = text
	return frag, nil
}

func (r *resolver) visit(frag *dbc.Fragment) error {
	r.visiting[frag.Name] = true
	r.stack = append(r.stack, frag.Name)
	for _, name := range frag.Imports {
		if r.visiting[name] {
			return &MergeError{
				Kind:     ErrCyclicImport,
				Fragment: frag.Name,
				Msg:      strings.Join(r.cycle(name), " -> "),
			}
		}
		if r.done[name] {
			continue
		}
		child, err := r.open(name, frag.Name)
		if err != nil {
			return err
		}
		if err := r.visit(child); err != nil {
			return err
		}
	}
	r.stack = r.stack[:len(r.stack)-1]
	delete(r.visiting, frag.Name)
	r.done[frag.Name] = true
	return r.apply(frag)
}

// cycle returns the active import path from name back to name.
func (r *resolver) cycle(name string) []string {
	for i, n := range r.stack {
		if n == name {
			out := append([]string(nil), r.stack[i:]...)
			return append(out, name)
		}
	}
	return []string{name, name}
}

func (r *resolver) apply(frag *dbc.Fragment) error {
	if frag.Version != "" {
		r.b.Version = frag.Version
	}
	for _, n := range frag.Nodes {
		if !r.nodes[n] {
			r.nodes[n] = true
			r.b.Nodes = append(r.b.Nodes, n)
		}
	}
	for _, m := range frag.Messages {
		if err := r.applyMessage(frag.Name, m); err != nil {
			return err
		}
	}
	// Tables are keyed by (message, signal); whether a table is bound is only
	// known once every fragment has been applied.
	for _, vt := range frag.ValueTables {
		r.b.PutTable(vt)
	}
	for _, vt := range frag.Unresolved {
		r.b.PutTable(vt)
	}
	r.b.Sources = append(r.b.Sources, r.source(frag.Name))
	r.log.Debug("fragment applied",
		zap.String("fragment", frag.Name),
		zap.Int("messages", len(frag.Messages)),
		zap.Int("tables", len(frag.ValueTables)+len(frag.Unresolved)))
	return nil
}

func (r *resolver) source(name string) dbc.Source {
	src := dbc.Source{Name: name}
	text, ok := r.texts[name]
	if !ok {
		return src
	}
	h := common.NewHasher()
	_, _ = h.Write([]byte(text))
	src.Sha256 = h.Sum()
	src.Size = int64(len(text))
	return src
}

func (r *resolver) applyMessage(fragment string, m *dbc.Message) error {
	if other, ok := r.names[m.Name]; ok && other != m.ID {
		return &MergeError{
			Kind:      ErrCollision,
			Fragment:  fragment,
			MessageID: m.ID,
			Msg:       fmt.Sprintf("message name %s already used by identifier %d", m.Name, other),
		}
	}
	prev := r.b.Messages[m.ID]
	if prev == nil {
		r.names[m.Name] = m.ID
		r.b.PutMessage(m)
		return nil
	}

	next := overlay(prev, m)
	if next == nil {
		// Whole replacement: tables of the replaced signals go with them.
		for _, s := range prev.Signals {
			r.b.DropTable(prev.ID, s.Name)
		}
		next = m
		r.log.Debug("message replaced", zap.String("fragment", fragment), zap.Uint32("id", m.ID))
	} else {
		r.log.Debug("message merged", zap.String("fragment", fragment), zap.Uint32("id", m.ID))
	}
	if err := dbc.CheckLayout(next); err != nil {
		var lerr *dbc.LayoutError
		sig := ""
		if errors.As(err, &lerr) {
			sig = lerr.Signal
		}
		return &MergeError{
			Kind:      ErrCollision,
			Fragment:  fragment,
			MessageID: m.ID,
			Signal:    sig,
			Msg:       "override leaves an invalid layout",
			Err:       err,
		}
	}
	if prev.Name != m.Name {
		delete(r.names, prev.Name)
	}
	r.names[m.Name] = m.ID
	r.b.PutMessage(next)
	return nil
}

// overlay merges incoming onto prev signal by signal. It returns nil when the
// two declarations share no signal name.
func overlay(prev, incoming *dbc.Message) *dbc.Message {
	shared := false
	for _, s := range incoming.Signals {
		if prev.Signal(s.Name) != nil {
			shared = true
			break
		}
	}
	if !shared {
		return nil
	}
	out := &dbc.Message{
		ID:      incoming.ID,
		Name:    incoming.Name,
		Length:  incoming.Length,
		Sender:  incoming.Sender,
		Comment: incoming.Comment,
		Line:    incoming.Line,
	}
	if out.Comment == "" {
		out.Comment = prev.Comment
	}
	for _, s := range prev.Signals {
		if o := incoming.Signal(s.Name); o != nil {
			cp := *o
			if cp.Comment == "" {
				cp.Comment = s.Comment
			}
			out.Signals = append(out.Signals, &cp)
			continue
		}
		out.Signals = append(out.Signals, s)
	}
	for _, s := range incoming.Signals {
		if prev.Signal(s.Name) == nil {
			out.Signals = append(out.Signals, s)
		}
	}
	return out
}

func (r *resolver) bindTables() error {
	var dangling *MergeError
	r.b.EachTable(func(t *dbc.ValueTable) {
		if dangling != nil {
			return
		}
		if m := r.b.Messages[t.MessageID]; m != nil && m.Signal(t.Signal) != nil {
			return
		}
		dangling = &MergeError{
			Kind:      ErrDanglingValueTable,
			Fragment:  t.Fragment,
			MessageID: t.MessageID,
			Signal:    t.Signal,
			Msg:       fmt.Sprintf("line %d: no signal %s in message %d", t.Line, t.Signal, t.MessageID),
		}
	})
	if dangling != nil {
		return dangling
	}
	return nil
}

// bindIntegrity applies explicit rules first; a wildcard rule then covers every
// remaining message that carries at least one of its fields.
func (r *resolver) bindIntegrity() error {
	for _, rule := range r.rules {
		if rule.Any {
			continue
		}
		m := r.b.Messages[rule.MessageID]
		if m == nil {
			return &MergeError{
				Kind:      ErrUnboundIntegrity,
				MessageID: rule.MessageID,
				Msg:       fmt.Sprintf("no message %d", rule.MessageID),
			}
		}
		for _, field := range []string{rule.Checksum, rule.Counter} {
			if field != "" && m.Signal(field) == nil {
				return &MergeError{
					Kind:      ErrUnboundIntegrity,
					MessageID: rule.MessageID,
					Signal:    field,
					Msg:       fmt.Sprintf("no signal %s in message %s", field, m.Name),
				}
			}
		}
		if _, dup := r.b.Integrity[m.ID]; dup {
			continue
		}
		r.b.Integrity[m.ID] = dbc.Integrity{Scheme: rule.Scheme, Checksum: rule.Checksum, Counter: rule.Counter}
	}

	ids := make([]uint32, 0, len(r.b.Messages))
	for id := range r.b.Messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, rule := range r.rules {
		if !rule.Any {
			continue
		}
		for _, id := range ids {
			if _, bound := r.b.Integrity[id]; bound {
				continue
			}
			m := r.b.Messages[id]
			in := dbc.Integrity{Scheme: rule.Scheme}
			if rule.Checksum != "" && m.Signal(rule.Checksum) != nil {
				in.Checksum = rule.Checksum
			}
			if rule.Counter != "" && m.Signal(rule.Counter) != nil {
				in.Counter = rule.Counter
			}
			if in.Checksum == "" && in.Counter == "" {
				continue
			}
			if in.Checksum == "" {
				in.Scheme = ""
			}
			r.b.Integrity[id] = in
		}
	}
	return nil
}
