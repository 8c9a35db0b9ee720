package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"example.com/dbcgate/internal/checksum"
	"example.com/dbcgate/internal/dbc"
)

func TestLoadVehicle(t *testing.T) {
	path := filepath.Join("..", "..", "testdata", "fragments", "vehicle.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Clean(filepath.Join("..", "..", "testdata", "fragments"))
	assert.Equal(t, []string{dir}, cfg.Database.Dirs)
	assert.Equal(t, "honda_civic.dbc", cfg.Database.Root)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.True(t, cfg.Server.MetricsEnabled())
	assert.Equal(t, 25, cfg.Logs.MaxSizeMB)

	rules := cfg.IntegrityRules()
	require.Len(t, rules, 2)
	assert.Equal(t, dbc.IntegrityRule{MessageID: 330, Scheme: "honda", Checksum: "CHECKSUM", Counter: "COUNTER"}, rules[0])
	assert.True(t, rules[1].Any)

	db, err := cfg.LoadDatabase(zaptest.NewLogger(t))
	require.NoError(t, err)
	in, ok := db.Integrity(401)
	require.True(t, ok)
	assert.Equal(t, "honda", in.Scheme)
	_, ok = db.Integrity(1024)
	assert.False(t, ok)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  root: car.dbc\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, cfg.Database.Dirs)
	assert.Equal(t, "CHECKSUM", cfg.Integrity.ChecksumSignal)
	assert.Equal(t, "COUNTER", cfg.Integrity.CounterSignal)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logs.Level)
	assert.False(t, cfg.Codec.Clamp)
	assert.Empty(t, cfg.IntegrityRules())
}

func TestParseAggregatesViolations(t *testing.T) {
	doc := `
integrity:
  defaultScheme: nope
  messages:
    - id: 600000000
    - id: 12
      scheme: also-nope
    - id: 12
logs:
  level: loud
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	errs := multierr.Errors(err)
	assert.GreaterOrEqual(t, len(errs), 6)
	assert.Contains(t, err.Error(), "Database.Root")
	assert.Contains(t, err.Error(), "Level")
	assert.Contains(t, err.Error(), "duplicate id 12")
	assert.True(t, errors.Is(err, checksum.ErrUnknownScheme))
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("database:\n  root: a.dbc\n  rooot: b.dbc\n"))
	assert.Error(t, err)
}

func TestChecksumWithoutScheme(t *testing.T) {
	doc := "database:\n  root: a.dbc\nintegrity:\n  messages:\n    - id: 5\n      checksum: CRC\n"
	_, err := Parse([]byte(doc))
	assert.ErrorContains(t, err, "has no scheme")
}

func TestIntegrityRulesCounterOnly(t *testing.T) {
	cfg := Config{Integrity: IntegrityConfig{
		ChecksumSignal: "CHECKSUM",
		CounterSignal:  "COUNTER",
		Messages:       []MessageIntegrity{{ID: 7, Counter: "ALIVE"}},
	}}
	assert.Equal(t, []dbc.IntegrityRule{{MessageID: 7, Counter: "ALIVE"}}, cfg.IntegrityRules())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
