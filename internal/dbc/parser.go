package dbc

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	kVersion   = "VERSION"
	kNS        = "NS_"
	kBU        = "BU_"
	kBO        = "BO_"
	kSG        = "SG_"
	kCM        = "CM_"
	kVAL       = "VAL_"
	kImport    = "IMPORT"
	lineImport = "//"

	extendedFlag = 0x80000000
	maxExtended  = 0x1FFFFFFF
)

// Constructs that are valid DBC but carry nothing this compiler uses.
var skipped = map[string]bool{
	"BS_":          true,
	"BA_DEF_":      true,
	"BA_DEF_DEF_":  true,
	"BA_":          true,
	"BA_DEF_REL_":  true,
	"BA_REL_":      true,
	"VAL_TABLE_":   true,
	"BO_TX_BU_":    true,
	"SIG_VALTYPE_": true,
	"EV_":          true,
	"SGTYPE_":      true,
	"SIG_GROUP_":   true,
}

var (
	boExpr = regexp.MustCompile(`^BO_\s+(\d+)\s+([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(\d+)\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)
	sgExpr = regexp.MustCompile(`^SG_\s+([A-Za-z_][A-Za-z0-9_]*)\s*([^:\s]*)\s*:\s*(\d+)\|(\d+)@([01])([+-])\s*\(([^,]*),([^)]*)\)\s*\[([^|]*)\|([^\]]*)\]\s*"([^"]*)"\s*(.*)$`)
)

type parser struct {
	frag   *Fragment
	line   int
	indent int
	cur    *Message
	inNS   bool

	imports  map[string]bool
	messages map[uint32]*Message
	tables   map[tableKey]*ValueTable
	order    []tableKey
	comments []pendingComment
}

type pendingComment struct {
	id     uint32
	signal string
	text   string
}

// Parse converts the text of one fragment into its structured form. name is
// used in error messages and recorded on the fragment.
func Parse(name, text string) (*Fragment, error) {
	return ParseReader(name, strings.NewReader(text))
}

func ParseReader(name string, r io.Reader) (*Fragment, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	p := &parser{
		frag:     &Fragment{Name: name},
		imports:  make(map[string]bool),
		messages: make(map[uint32]*Message),
		tables:   make(map[tableKey]*ValueTable),
	}
	for idx := 0; idx < len(lines); idx++ {
		p.line = idx + 1
		raw := lines[idx]
		trimmed := strings.TrimSpace(raw)
		p.indent = len(raw) - len(strings.TrimLeft(raw, " \t"))
		if trimmed == "" {
			continue
		}
		if p.inNS {
			if p.indent > 0 {
				continue
			}
			p.inNS = false
		}
		keyword := firstWord(trimmed)
		var err error
		switch {
		case strings.HasPrefix(trimmed, lineImport):
			err = p.parseLineComment(trimmed)
		case keyword == kVersion:
			err = p.parseVersion(trimmed)
		case keyword == kNS:
			p.inNS = true
			p.cur = nil
		case keyword == kBU:
			p.parseNodes(trimmed)
			p.cur = nil
		case keyword == kBO:
			err = p.parseMessage(trimmed)
		case keyword == kSG:
			err = p.parseSignal(trimmed)
		case keyword == kCM:
			var stmt string
			stmt, idx, err = p.joinQuoted(lines, idx)
			if err == nil {
				err = p.parseComment(stmt)
			}
			p.cur = nil
		case keyword == kVAL:
			var stmt string
			stmt, idx, err = p.joinTerminated(lines, idx)
			if err == nil {
				err = p.parseValueTable(stmt)
			}
			p.cur = nil
		case skipped[keyword]:
			p.cur = nil
		default:
			err = p.errorf(1, keyword, "unknown construct")
		}
		if err != nil {
			return nil, err
		}
	}
	p.finish()
	return p.frag, nil
}

func firstWord(s string) string {
	end := strings.IndexAny(s, " \t:")
	if end < 0 {
		return s
	}
	return s[:end]
}

func (p *parser) errorf(col int, construct, format string, args ...any) error {
	return &ParseError{
		Fragment:  p.frag.Name,
		Line:      p.line,
		Column:    p.indent + col,
		Construct: construct,
		Msg:       fmt.Sprintf(format, args...),
	}
}

func (p *parser) parseLineComment(s string) error {
	body := strings.TrimSpace(strings.TrimPrefix(s, lineImport))
	if firstWord(body) != kImport {
		return nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(body, kImport))
	name = strings.TrimSuffix(name, ";")
	unq, err := strconv.Unquote(strings.TrimSpace(name))
	if err != nil {
		return p.errorf(1, kImport, "import name must be quoted")
	}
	return p.addImport(unq)
}

func (p *parser) addImport(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.errorf(1, kImport, "empty import name")
	}
	if p.imports[name] {
		return nil
	}
	p.imports[name] = true
	p.frag.Imports = append(p.frag.Imports, name)
	return nil
}

func (p *parser) parseVersion(s string) error {
	toks, err := tokenize(s)
	if err != nil {
		return p.errorf(1, kVersion, "%v", err)
	}
	if len(toks) != 2 || !toks[1].quoted {
		return p.errorf(1, kVersion, "expected quoted version string")
	}
	p.frag.Version = toks[1].text
	return nil
}

func (p *parser) parseNodes(s string) {
	_, rest, _ := strings.Cut(s, ":")
	p.frag.Nodes = append(p.frag.Nodes, strings.Fields(rest)...)
}

func (p *parser) parseMessage(s string) error {
	m := boExpr.FindStringSubmatchIndex(s)
	if m == nil {
		return p.errorf(1, kBO, "malformed message declaration")
	}
	group := func(i int) string { return s[m[2*i]:m[2*i+1]] }
	col := func(i int) int { return m[2*i] + 1 }

	rawID, err := strconv.ParseUint(group(1), 10, 32)
	if err != nil {
		return p.errorf(col(1), kBO, "invalid identifier %q", group(1))
	}
	id := uint32(rawID)
	if id&extendedFlag != 0 {
		id &^= extendedFlag
		if id > maxExtended {
			return p.errorf(col(1), kBO, "extended identifier %d out of range", id)
		}
	}
	length, err := strconv.Atoi(group(3))
	if err != nil || length < 1 || length > MaxMessageLength {
		return p.errorf(col(3), kBO, "byte length %s outside 1..%d", group(3), MaxMessageLength)
	}
	if _, dup := p.messages[id]; dup {
		return p.errorf(col(1), kBO, "duplicate message identifier %d", id)
	}
	msg := &Message{
		ID:     id,
		Name:   group(2),
		Length: length,
		Sender: group(4),
		Line:   p.line,
	}
	p.messages[id] = msg
	p.frag.Messages = append(p.frag.Messages, msg)
	p.cur = msg
	return nil
}

func (p *parser) parseSignal(s string) error {
	if p.cur == nil {
		return p.errorf(1, kSG, "signal declared outside a message")
	}
	m := sgExpr.FindStringSubmatchIndex(s)
	if m == nil {
		return p.errorf(1, kSG, "malformed signal declaration")
	}
	group := func(i int) string { return strings.TrimSpace(s[m[2*i]:m[2*i+1]]) }
	col := func(i int) int { return m[2*i] + 1 }

	name := group(1)
	if mux := group(2); mux != "" {
		return p.errorf(col(2), kSG, "multiplexed signal %s is not supported", name)
	}
	if p.cur.Signal(name) != nil {
		return p.errorf(col(1), kSG, "duplicate signal %s in message %s", name, p.cur.Name)
	}
	start, err := strconv.Atoi(group(3))
	if err != nil {
		return p.errorf(col(3), kSG, "invalid start bit %q", group(3))
	}
	length, err := strconv.Atoi(group(4))
	if err != nil || length < 1 || length > 64 {
		return p.errorf(col(4), kSG, "bit length %s outside 1..64", group(4))
	}
	sig := &Signal{
		Name:     name,
		StartBit: start,
		Length:   length,
		Order:    BigEndian,
		Signed:   group(6) == "-",
		Unit:     s[m[22]:m[23]],
		Line:     p.line,
	}
	if group(5) == "1" {
		sig.Order = LittleEndian
	}
	floats := []struct {
		dst  *float64
		idx  int
		name string
	}{
		{&sig.Scale, 7, "scale"},
		{&sig.Offset, 8, "offset"},
		{&sig.Min, 9, "minimum"},
		{&sig.Max, 10, "maximum"},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(group(f.idx), 64)
		if err != nil {
			return p.errorf(col(f.idx), kSG, "invalid %s %q", f.name, group(f.idx))
		}
		*f.dst = v
	}
	if sig.Scale == 0 {
		return p.errorf(col(7), kSG, "scale of signal %s is zero", name)
	}
	if !sig.Fits(p.cur.Length) {
		return p.errorf(col(3), kSG, "bit range %d|%d of %s leaves the %d byte message", start, length, name, p.cur.Length)
	}
	sig.Receivers = strings.FieldsFunc(group(12), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	for _, other := range p.cur.Signals {
		if Overlaps(other, sig) {
			return p.errorf(col(3), kSG, "signal %s overlaps %s", name, other.Name)
		}
	}
	p.cur.Signals = append(p.cur.Signals, sig)
	return nil
}

func (p *parser) parseComment(s string) error {
	toks, err := tokenize(s)
	if err != nil {
		return p.errorf(1, kCM, "%v", err)
	}
	toks = trimTerminator(toks)
	if len(toks) < 2 {
		return p.errorf(1, kCM, "empty comment")
	}
	if toks[1].quoted {
		text := strings.TrimSpace(toks[1].text)
		if firstWord(text) == kImport {
			return p.addImport(strings.TrimSpace(strings.TrimPrefix(text, kImport)))
		}
		return nil
	}
	switch toks[1].text {
	case kBO:
		if len(toks) != 4 || !toks[3].quoted {
			return p.errorf(toks[1].col, kCM, "expected CM_ BO_ <id> \"text\"")
		}
		id, err := parseID(toks[2].text)
		if err != nil {
			return p.errorf(toks[2].col, kCM, "%v", err)
		}
		p.comments = append(p.comments, pendingComment{id: id, text: toks[3].text})
	case kSG:
		if len(toks) != 5 || !toks[4].quoted {
			return p.errorf(toks[1].col, kCM, "expected CM_ SG_ <id> <signal> \"text\"")
		}
		id, err := parseID(toks[2].text)
		if err != nil {
			return p.errorf(toks[2].col, kCM, "%v", err)
		}
		p.comments = append(p.comments, pendingComment{id: id, signal: toks[3].text, text: toks[4].text})
	}
	return nil
}

func (p *parser) parseValueTable(s string) error {
	toks, err := tokenize(s)
	if err != nil {
		return p.errorf(1, kVAL, "%v", err)
	}
	if len(toks) == 0 || toks[len(toks)-1].text != ";" || toks[len(toks)-1].quoted {
		return p.errorf(1, kVAL, "value table must end with ';'")
	}
	toks = toks[:len(toks)-1]
	if len(toks) < 3 {
		return p.errorf(1, kVAL, "expected VAL_ <id> <signal> pairs")
	}
	id, err := parseID(toks[1].text)
	if err != nil {
		return p.errorf(toks[1].col, kVAL, "%v", err)
	}
	tbl := &ValueTable{
		MessageID: id,
		Signal:    toks[2].text,
		Entries:   make(map[int64]string),
		Fragment:  p.frag.Name,
		Line:      p.line,
	}
	pairs := toks[3:]
	if len(pairs)%2 != 0 {
		return p.errorf(1, kVAL, "value table for %s has an unpaired entry", tbl.Signal)
	}
	for i := 0; i < len(pairs); i += 2 {
		key, label := pairs[i], pairs[i+1]
		if key.quoted || !label.quoted {
			return p.errorf(key.col, kVAL, "expected <integer> \"label\" pair")
		}
		raw, err := strconv.ParseInt(key.text, 10, 64)
		if err != nil {
			return p.errorf(key.col, kVAL, "invalid raw value %q", key.text)
		}
		if _, dup := tbl.Entries[raw]; dup {
			return p.errorf(key.col, kVAL, "duplicate raw value %d for %s", raw, tbl.Signal)
		}
		tbl.Entries[raw] = label.text
	}
	k := tableKey{id: id, signal: tbl.Signal}
	if _, dup := p.tables[k]; dup {
		return p.errorf(toks[2].col, kVAL, "duplicate value table for %d %s", id, tbl.Signal)
	}
	p.tables[k] = tbl
	p.order = append(p.order, k)
	return nil
}

func (p *parser) finish() {
	for _, c := range p.comments {
		msg := p.messages[c.id]
		if msg == nil {
			continue
		}
		if c.signal == "" {
			msg.Comment = c.text
			continue
		}
		if sig := msg.Signal(c.signal); sig != nil {
			sig.Comment = c.text
		}
	}
	for _, k := range p.order {
		tbl := p.tables[k]
		if msg := p.messages[k.id]; msg != nil && msg.Signal(k.signal) != nil {
			p.frag.ValueTables = append(p.frag.ValueTables, tbl)
			continue
		}
		p.frag.Unresolved = append(p.frag.Unresolved, tbl)
	}
}

// joinQuoted gathers a statement that may continue on following lines while a
// quoted string is open.
func (p *parser) joinQuoted(lines []string, idx int) (string, int, error) {
	start := p.line
	stmt := strings.TrimSpace(lines[idx])
	for quotesOpen(stmt) {
		idx++
		if idx >= len(lines) {
			p.line = start
			return "", idx, p.errorf(1, kCM, "unterminated string")
		}
		stmt += "\n" + lines[idx]
	}
	return stmt, idx, nil
}

// joinTerminated gathers a statement up to its closing ';'.
func (p *parser) joinTerminated(lines []string, idx int) (string, int, error) {
	start := p.line
	stmt := strings.TrimSpace(lines[idx])
	for quotesOpen(stmt) || !strings.HasSuffix(stmt, ";") {
		idx++
		if idx >= len(lines) {
			p.line = start
			return "", idx, p.errorf(1, kVAL, "value table is not terminated by ';'")
		}
		stmt += " " + strings.TrimSpace(lines[idx])
	}
	return stmt, idx, nil
}

func quotesOpen(s string) bool {
	open := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if open {
				i++
			}
		case '"':
			open = !open
		}
	}
	return open
}

func parseID(s string) (uint32, error) {
	raw, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message identifier %q", s)
	}
	id := uint32(raw)
	if id&extendedFlag != 0 {
		id &^= extendedFlag
	}
	return id, nil
}

type token struct {
	text   string
	quoted bool
	col    int
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == ';':
			out = append(out, token{text: ";", col: i + 1})
			i++
		case c == '"':
			var b strings.Builder
			j := i + 1
			for ; j < len(s) && s[j] != '"'; j++ {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string at column %d", i+1)
			}
			out = append(out, token{text: b.String(), quoted: true, col: i + 1})
			i = j + 1
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n;\"", rune(s[j])) {
				j++
			}
			out = append(out, token{text: s[i:j], col: i + 1})
			i = j
		}
	}
	return out, nil
}

func trimTerminator(toks []token) []token {
	if n := len(toks); n > 0 && toks[n-1].text == ";" && !toks[n-1].quoted {
		return toks[:n-1]
	}
	return toks
}
