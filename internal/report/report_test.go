package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/lint"
	"example.com/dbcgate/internal/merge"
)

func civic(t *testing.T) *dbc.Database {
	t.Helper()
	db, err := merge.Load("honda_civic.dbc", merge.DirSource{"../../testdata/fragments"},
		merge.WithIntegrity([]dbc.IntegrityRule{{Any: true, Scheme: "honda", Checksum: "CHECKSUM", Counter: "COUNTER"}}))
	require.NoError(t, err)
	return db
}

func acceptance(t *testing.T, db *dbc.Database) lint.AcceptanceReport {
	t.Helper()
	eng := lint.NewEngine(lint.DefaultRulePack())
	eng.RegisterBuiltins()
	_, err := eng.Eval(&lint.Context{File: "honda_civic.dbc", Database: db})
	require.NoError(t, err)
	return eng.MakeAcceptance()
}

func TestBuild(t *testing.T) {
	db := civic(t)
	rep, err := Build("honda_civic.dbc", db, acceptance(t, db))
	require.NoError(t, err)

	digest, err := db.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, rep.Digest)
	assert.Len(t, rep.Sources, 3)
	require.Len(t, rep.Messages, db.Len())

	var gearbox MessageSummary
	for _, m := range rep.Messages {
		if m.ID == 401 {
			gearbox = m
		}
	}
	assert.Equal(t, "GEARBOX", gearbox.Name)
	assert.Equal(t, 5, gearbox.Signals)
	assert.Equal(t, 1, gearbox.Tables)
	assert.Equal(t, "honda", gearbox.Scheme)
	assert.Equal(t, 6+8+8+2+4, gearbox.BitsInUse)
	assert.NotZero(t, rep.Acceptance.Summary.Total)
}

func TestJSONRoundTrip(t *testing.T) {
	db := civic(t)
	rep, err := Build("honda_civic.dbc", db, acceptance(t, db))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, SaveJSON(rep, path))
	back, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, rep.Digest, back.Digest)
	assert.Equal(t, rep.Messages, back.Messages)
	assert.Equal(t, rep.Sources, back.Sources)
	assert.True(t, rep.GeneratedAt.Equal(back.GeneratedAt))
}

func TestDigestToQR(t *testing.T) {
	png, err := DigestToQR("ab:cd 01", 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = DigestToQR("  ", 64)
	assert.Error(t, err)
	assert.Equal(t, "SHA256:ABCD01", digestPayload("ab:cd 01"))
}

func TestWritePDF(t *testing.T) {
	db := civic(t)
	rep, err := Build("honda_civic.dbc", db, acceptance(t, db))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePDF(rep, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))

	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, SavePDF(rep, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(1000))
}

func TestWritePDFWithoutFindings(t *testing.T) {
	db := civic(t)
	rep, err := Build("honda_civic.dbc", db, lint.AcceptanceReport{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WritePDF(rep, &buf))
	assert.NotZero(t, buf.Len())
}

func TestBuildManifest(t *testing.T) {
	db := civic(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "diagnostics.jsonl")
	require.NoError(t, os.WriteFile(out, []byte("{}\n"), 0o644))

	m, err := BuildManifest(db, out)
	require.NoError(t, err)
	require.Len(t, m.Items, 4)
	assert.Equal(t, "dbc", m.Items[0].Type)
	assert.Equal(t, "_honda_common.dbc", m.Items[0].Path)
	assert.Equal(t, "diagnostics", m.Items[3].Type)
	assert.Equal(t, int64(3), m.Items[3].Size)

	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, SaveManifest(m, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"shaAlgo": "sha256"`))

	_, err = BuildManifest(db, filepath.Join(dir, "missing.pdf"))
	assert.Error(t, err)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "0x191 (401)", formatID(401, false))
	assert.Equal(t, "0x18DAB0F1", formatID(0x18DAB0F1, true))
	assert.Equal(t, "honda:CHECKSUM ctr:COUNTER", integrityLabel(MessageSummary{Scheme: "honda", Checksum: "CHECKSUM", Counter: "COUNTER"}))
	assert.Equal(t, "-", integrityLabel(MessageSummary{}))
}
