package lint

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"example.com/dbcgate/internal/dbc"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func (e *Engine) RegisterBuiltins() {
	e.Register("CheckDeclaredRange", CheckDeclaredRange)
	e.Register("CheckValueTableRange", CheckValueTableRange)
	e.Register("CheckDuplicateLabels", CheckDuplicateLabels)
	e.Register("CheckUnboundIntegrity", CheckUnboundIntegrity)
	e.Register("CheckNodes", CheckNodes)
	e.Register("CheckUnusedBytes", CheckUnusedBytes)
	e.Register("CheckNaming", CheckNaming)
}

// DefaultRulePack enables every builtin check.
func DefaultRulePack() RulePack {
	return RulePack{
		RulePackId: "dbcgate-default",
		Version:    "1",
		Rules: []Rule{
			{RuleId: "DBC-001", Name: "declared range representable", Severity: WARN, Check: "CheckDeclaredRange"},
			{RuleId: "DBC-002", Name: "value table within raw range", Severity: WARN, Check: "CheckValueTableRange"},
			{RuleId: "DBC-003", Name: "value table labels unique", Severity: INFO, Check: "CheckDuplicateLabels"},
			{RuleId: "DBC-004", Name: "integrity fields bound", Severity: WARN, Check: "CheckUnboundIntegrity"},
			{RuleId: "DBC-005", Name: "nodes declared", Severity: WARN, Check: "CheckNodes"},
			{RuleId: "DBC-006", Name: "payload bytes used", Severity: INFO, Check: "CheckUnusedBytes"},
			{RuleId: "DBC-007", Name: "naming convention", Severity: INFO, Check: "CheckNaming"},
		},
	}
}

// physicalRange is the span of physical values the raw field can carry.
func physicalRange(s *dbc.Signal) (float64, float64) {
	lo, hi := s.RawRange()
	a := float64(lo)*s.Scale + s.Offset
	b := float64(hi)*s.Scale + s.Offset
	return math.Min(a, b), math.Max(a, b)
}

// CheckDeclaredRange reports a [min|max] that the raw field cannot reach.
// Fields declared as [0|0] carry no range and are skipped.
func CheckDeclaredRange(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, m := range ctx.Database.Messages() {
		for _, s := range m.Signals {
			if s.Min == 0 && s.Max == 0 {
				continue
			}
			if s.Min > s.Max {
				out = append(out, Diagnostic{
					MessageId: uint32Ptr(m.ID), Signal: s.Name,
					Message: fmt.Sprintf("min %g above max %g", s.Min, s.Max),
				})
				continue
			}
			lo, hi := physicalRange(s)
			eps := math.Abs(s.Scale) / 2
			if s.Min < lo-eps || s.Max > hi+eps {
				out = append(out, Diagnostic{
					MessageId: uint32Ptr(m.ID), Signal: s.Name,
					Message: fmt.Sprintf("declared [%g|%g] exceeds representable [%g|%g]", s.Min, s.Max, lo, hi),
				})
			}
		}
	}
	return out, nil
}

func CheckValueTableRange(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, t := range ctx.Database.ValueTables() {
		m, ok := ctx.Database.Message(t.MessageID)
		if !ok {
			continue
		}
		s := m.Signal(t.Signal)
		if s == nil {
			continue
		}
		lo, hi := s.RawRange()
		for _, raw := range t.SortedEntries() {
			if raw < lo || (raw >= 0 && uint64(raw) > hi) {
				out = append(out, Diagnostic{
					MessageId: uint32Ptr(m.ID), Signal: s.Name,
					Message: fmt.Sprintf("entry %d %q outside raw range [%d|%d]", raw, t.Entries[raw], lo, hi),
				})
			}
		}
	}
	return out, nil
}

func CheckDuplicateLabels(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, t := range ctx.Database.ValueTables() {
		byLabel := make(map[string][]int64)
		for _, raw := range t.SortedEntries() {
			byLabel[t.Entries[raw]] = append(byLabel[t.Entries[raw]], raw)
		}
		labels := make([]string, 0, len(byLabel))
		for l, raws := range byLabel {
			if len(raws) > 1 {
				labels = append(labels, l)
			}
		}
		sort.Strings(labels)
		for _, l := range labels {
			out = append(out, Diagnostic{
				MessageId: uint32Ptr(t.MessageID), Signal: t.Signal,
				Message: fmt.Sprintf("label %q used by %v; reverse lookup picks %d", l, byLabel[l], byLabel[l][0]),
			})
		}
	}
	return out, nil
}

// CheckUnboundIntegrity reports fields that look like checksums or counters
// but carry no integrity binding.
func CheckUnboundIntegrity(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, m := range ctx.Database.Messages() {
		in, _ := ctx.Database.Integrity(m.ID)
		for _, s := range m.Signals {
			name := strings.ToUpper(s.Name)
			switch {
			case strings.Contains(name, "CHECKSUM") || name == "CRC" || strings.HasSuffix(name, "_CRC"):
				if in.Checksum != s.Name {
					out = append(out, Diagnostic{
						MessageId: uint32Ptr(m.ID), Signal: s.Name,
						Message: "checksum-like field has no checksum binding",
					})
				}
			case strings.Contains(name, "COUNTER"):
				if in.Counter != s.Name {
					out = append(out, Diagnostic{
						MessageId: uint32Ptr(m.ID), Signal: s.Name,
						Message: "counter-like field has no counter binding",
					})
				}
			}
		}
	}
	return out, nil
}

// CheckNodes reports senders and receivers missing from BU_. Databases that
// declare no nodes are skipped.
func CheckNodes(ctx *Context, rule Rule) ([]Diagnostic, error) {
	nodes := ctx.Database.Nodes()
	if len(nodes) == 0 {
		return nil, nil
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}
	known["Vector__XXX"] = true
	var out []Diagnostic
	for _, m := range ctx.Database.Messages() {
		if m.Sender != "" && !known[m.Sender] {
			out = append(out, Diagnostic{
				MessageId: uint32Ptr(m.ID),
				Message:   fmt.Sprintf("sender %s not declared", m.Sender),
			})
		}
		for _, s := range m.Signals {
			for _, r := range s.Receivers {
				if !known[r] {
					out = append(out, Diagnostic{
						MessageId: uint32Ptr(m.ID), Signal: s.Name,
						Message: fmt.Sprintf("receiver %s not declared", r),
					})
				}
			}
		}
	}
	return out, nil
}

func CheckUnusedBytes(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, m := range ctx.Database.Messages() {
		used := make([]bool, m.Length)
		for _, s := range m.Signals {
			for _, b := range s.Bits() {
				if b/8 < m.Length {
					used[b/8] = true
				}
			}
		}
		var idle []int
		for i, u := range used {
			if !u {
				idle = append(idle, i)
			}
		}
		if len(idle) > 0 {
			out = append(out, Diagnostic{
				MessageId: uint32Ptr(m.ID),
				Message:   fmt.Sprintf("bytes %v carry no signal", idle),
			})
		}
	}
	return out, nil
}

var upperSnake = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func CheckNaming(ctx *Context, rule Rule) ([]Diagnostic, error) {
	var out []Diagnostic
	for _, m := range ctx.Database.Messages() {
		if !upperSnake.MatchString(m.Name) {
			out = append(out, Diagnostic{
				MessageId: uint32Ptr(m.ID),
				Message:   fmt.Sprintf("message name %s is not upper snake case", m.Name),
			})
		}
		for _, s := range m.Signals {
			if !upperSnake.MatchString(s.Name) {
				out = append(out, Diagnostic{
					MessageId: uint32Ptr(m.ID), Signal: s.Name,
					Message: fmt.Sprintf("signal name %s is not upper snake case", s.Name),
				})
			}
		}
	}
	return out, nil
}
