package lint

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/merge"
)

const synthetic = `VERSION ""
BU_: ECU GW
BO_ 100 TEST_MSG: 4 ECU
 SG_ SPEED : 0|8@1+ (1,0) [0|300] "kph" GW
 SG_ mode : 8|2@1+ (1,0) [0|3] "" HMI
 SG_ ALIVE_COUNTER : 16|4@1+ (1,0) [0|15] "" GW
BO_ 200 OTHER: 1 TCU
 SG_ FLAG : 0|1@1+ (1,0) [1|0] "" GW

VAL_ 100 mode 0 "off" 1 "on" 7 "bogus" ;
VAL_ 200 FLAG 0 "x" 1 "x" ;
`

func syntheticDB(t *testing.T) *dbc.Database {
	t.Helper()
	db, err := merge.Load("test.dbc", merge.MapSource{"test.dbc": synthetic})
	require.NoError(t, err)
	return db
}

func civicDB(t *testing.T) *dbc.Database {
	t.Helper()
	db, err := merge.Load("honda_civic.dbc", merge.DirSource{"../../testdata/fragments"},
		merge.WithIntegrity([]dbc.IntegrityRule{{Any: true, Scheme: "honda", Checksum: "CHECKSUM", Counter: "COUNTER"}}))
	require.NoError(t, err)
	return db
}

func eval(t *testing.T, db *dbc.Database) *Engine {
	t.Helper()
	eng := NewEngine(DefaultRulePack())
	eng.RegisterBuiltins()
	eng.now = func() time.Time { return time.Unix(1700000000, 0) }
	_, err := eng.Eval(&Context{File: "test.dbc", Database: db})
	require.NoError(t, err)
	return eng
}

func byRule(diags []Diagnostic) map[string][]Diagnostic {
	out := make(map[string][]Diagnostic)
	for _, d := range diags {
		out[d.RuleId] = append(out[d.RuleId], d)
	}
	return out
}

func TestBuiltinsOnSyntheticDatabase(t *testing.T) {
	eng := eval(t, syntheticDB(t))
	got := byRule(eng.Diagnostics())

	require.Len(t, got["DBC-001"], 2)
	assert.Equal(t, "SPEED", got["DBC-001"][0].Signal)
	assert.Contains(t, got["DBC-001"][0].Message, "exceeds representable [0|255]")
	assert.Equal(t, "FLAG", got["DBC-001"][1].Signal)
	assert.Contains(t, got["DBC-001"][1].Message, "min 1 above max 0")

	require.Len(t, got["DBC-002"], 1)
	assert.Contains(t, got["DBC-002"][0].Message, `entry 7 "bogus"`)

	require.Len(t, got["DBC-003"], 1)
	assert.Equal(t, uint32(200), *got["DBC-003"][0].MessageId)

	require.Len(t, got["DBC-004"], 1)
	assert.Equal(t, "ALIVE_COUNTER", got["DBC-004"][0].Signal)

	require.Len(t, got["DBC-005"], 2)
	assert.Contains(t, got["DBC-005"][0].Message, "receiver HMI")
	assert.Contains(t, got["DBC-005"][1].Message, "sender TCU")

	require.Len(t, got["DBC-006"], 1)
	assert.Contains(t, got["DBC-006"][0].Message, "bytes [3]")

	require.Len(t, got["DBC-007"], 1)
	assert.Equal(t, "mode", got["DBC-007"][0].Signal)

	for _, d := range eng.Diagnostics() {
		assert.Equal(t, "test.dbc", d.File)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), d.Ts)
	}

	rep := eng.MakeAcceptance()
	assert.True(t, rep.Summary.Pass)
	assert.Equal(t, 0, rep.Summary.Errors)
	assert.Equal(t, 6, rep.Summary.Warnings)
	assert.Equal(t, len(eng.Diagnostics()), rep.Summary.Total)
}

func TestBuiltinsOnVehicleFragments(t *testing.T) {
	got := byRule(eval(t, civicDB(t)).Diagnostics())
	assert.Empty(t, got["DBC-004"], "every checksum and counter is bound")
	require.Len(t, got["DBC-003"], 1)
	assert.Equal(t, "FCW", got["DBC-003"][0].Signal)
	assert.Contains(t, got["DBC-003"][0].Message, "[1 2 3]")

	var gearbox *Diagnostic
	for i, d := range got["DBC-006"] {
		if *d.MessageId == 401 {
			gearbox = &got["DBC-006"][i]
		}
	}
	require.NotNil(t, gearbox)
	assert.Contains(t, gearbox.Message, "bytes [1 2 5 6]")
}

func TestMissingCheckAndRuleMessage(t *testing.T) {
	eng := NewEngine(RulePack{Rules: []Rule{
		{RuleId: "X-1", Check: "Nope", Severity: ERROR},
		{RuleId: "X-2", Check: "CheckNaming", Severity: ERROR, Message: "naming"},
	}})
	eng.RegisterBuiltins()
	diags, err := eng.Eval(&Context{Database: syntheticDB(t)})
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, WARN, diags[0].Severity)
	assert.Equal(t, ERROR, diags[1].Severity)
	assert.True(t, strings.HasPrefix(diags[1].Message, "naming: "))
	assert.False(t, eng.MakeAcceptance().Summary.Pass)

	_, err = eng.Eval(nil)
	assert.Error(t, err)
}

func TestWriteDiagnosticsNDJSON(t *testing.T) {
	eng := eval(t, syntheticDB(t))
	eng.SetConfigValue("diag.include_timestamps", "false")
	_, err := eng.Eval(&Context{File: "test.dbc", Database: syntheticDB(t)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, eng.WriteDiagnosticsNDJSON(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(eng.Diagnostics()))

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "DBC-001", first["ruleId"])
	assert.Equal(t, "0001-01-01T00:00:00Z", first["ts"])
	assert.Equal(t, float64(100), first["messageId"])

	path := filepath.Join(t.TempDir(), "diagnostics.jsonl")
	require.NoError(t, eng.WriteDiagnosticsFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), string(data))
}

func TestLoadRulePack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.json")
	b, err := json.Marshal(DefaultRulePack())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))

	rp, err := LoadRulePack(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRulePack(), rp)
}
