// Package lint evaluates advisory rules over a merged database. Findings never
// block compilation; callers decide what an ERROR means for them.
package lint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"example.com/dbcgate/internal/dbc"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

type Rule struct {
	RuleId   string   `json:"ruleId"`
	Name     string   `json:"name,omitempty"`
	Severity Severity `json:"severity"`
	Check    string   `json:"check"`
	Message  string   `json:"message,omitempty"`
}

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Rules      []Rule `json:"rules"`
}

type Diagnostic struct {
	Ts        time.Time `json:"ts"`
	File      string    `json:"file"`
	MessageId *uint32   `json:"messageId,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	RuleId    string    `json:"ruleId"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	Findings []Diagnostic `json:"findings,omitempty"`
}

type Context struct {
	// File names the root fragment in diagnostics.
	File     string
	Database *dbc.Database
}

// CheckFunc reports the findings of one rule. The engine fills in the rule
// id, severity, file and timestamp of each finding.
type CheckFunc func(ctx *Context, rule Rule) ([]Diagnostic, error)

type Engine struct {
	rulePack          RulePack
	registry          map[string]CheckFunc
	diagnostics       []Diagnostic
	includeTimestamps bool
	now               func() time.Time
}

func NewEngine(rp RulePack) *Engine {
	return &Engine{
		rulePack:          rp,
		registry:          make(map[string]CheckFunc),
		includeTimestamps: true,
		now:               time.Now,
	}
}

func (e *Engine) Register(name string, f CheckFunc) {
	e.registry[name] = f
}

func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil || ctx.Database == nil {
		return nil, errors.New("nil context")
	}
	var diags []Diagnostic
	for _, r := range e.rulePack.Rules {
		fn, ok := e.registry[r.Check]
		if !ok {
			diags = append(diags, Diagnostic{
				Ts: e.stamp(), File: ctx.File, RuleId: r.RuleId, Severity: WARN,
				Message: fmt.Sprintf("no check %q for rule", r.Check),
			})
			continue
		}
		found, err := fn(ctx, r)
		if err != nil {
			diags = append(diags, Diagnostic{
				Ts: e.stamp(), File: ctx.File, RuleId: r.RuleId, Severity: ERROR,
				Message: "check failed (" + err.Error() + ")",
			})
			continue
		}
		for _, d := range found {
			d.Ts = e.stamp()
			d.File = ctx.File
			d.RuleId = r.RuleId
			if d.Severity == "" {
				d.Severity = r.Severity
			}
			if r.Message != "" {
				d.Message = r.Message + ": " + d.Message
			}
			diags = append(diags, d)
		}
	}
	e.diagnostics = diags
	return diags, nil
}

func (e *Engine) stamp() time.Time {
	if !e.includeTimestamps {
		return time.Time{}
	}
	return e.now().UTC()
}

func (e *Engine) Diagnostics() []Diagnostic { return e.diagnostics }

// WriteDiagnosticsNDJSON writes one JSON object per line.
func (e *Engine) WriteDiagnosticsNDJSON(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, d := range e.diagnostics {
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		bw.Write(b)
		bw.WriteString("\n")
	}
	return bw.Flush()
}

func (e *Engine) WriteDiagnosticsFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := e.WriteDiagnosticsNDJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *Engine) SetConfigValue(key string, value any) {
	if e == nil {
		return
	}
	switch key {
	case "diag.include_timestamps":
		switch v := value.(type) {
		case bool:
			e.includeTimestamps = v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				e.includeTimestamps = b
			}
		}
	}
}

func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		}
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.Findings = e.diagnostics
	return rep
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	err = json.Unmarshal(b, &rp)
	return rp, err
}
