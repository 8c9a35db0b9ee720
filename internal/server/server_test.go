package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/dbcgate"
	"example.com/dbcgate/internal/candump"
)

func readFragment(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join("..", "..", "testdata", "fragments", name))
	return string(b), err
}

func newTestServer(t *testing.T, maxSessions int) (*Server, *httptest.Server, *dbcgate.Database) {
	t.Helper()
	root, err := readFragment("honda_civic.dbc")
	require.NoError(t, err)
	db, err := dbcgate.LoadDatabase(root, readFragment,
		dbcgate.WithRootName("honda_civic.dbc"),
		dbcgate.WithIntegrity(dbcgate.IntegrityRule{Any: true, Scheme: "honda", Checksum: "CHECKSUM", Counter: "COUNTER"}))
	require.NoError(t, err)

	s, err := NewServer(Options{
		Database:    db,
		Root:        "honda_civic.dbc",
		Logger:      zaptest.NewLogger(t),
		Registry:    prometheus.NewRegistry(),
		MaxSessions: maxSessions,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, db
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createSession(t *testing.T, base string) string {
	t.Helper()
	resp := postJSON(t, base+"/v1/sessions", struct{}{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info SessionInfo
	decodeJSON(t, resp, &info)
	require.NotEmpty(t, info.ID)
	return info.ID
}

func TestHealth(t *testing.T) {
	_, ts, db := newTestServer(t, 0)
	resp := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	digest, err := db.Digest()
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(6), body["messages"])
	assert.Equal(t, digest, body["digest"])
}

func TestMessages(t *testing.T) {
	_, ts, _ := newTestServer(t, 0)

	var list []map[string]any
	decodeJSON(t, get(t, ts.URL+"/v1/messages"), &list)
	assert.Len(t, list, 6)

	for _, token := range []string{"401", "0x191", "GEARBOX"} {
		resp := get(t, ts.URL+"/v1/messages/"+token)
		require.Equal(t, http.StatusOK, resp.StatusCode, token)
		var detail struct {
			ID          uint32 `json:"id"`
			Name        string `json:"name"`
			ValueTables []any  `json:"valueTables"`
			Integrity   struct {
				Scheme string `json:"scheme"`
			} `json:"integrity"`
		}
		decodeJSON(t, resp, &detail)
		assert.Equal(t, uint32(401), detail.ID)
		assert.Equal(t, "GEARBOX", detail.Name)
		assert.Len(t, detail.ValueTables, 1)
		assert.Equal(t, "honda", detail.Integrity.Scheme)
	}

	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/v1/messages/77").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/v1/messages/NOPE").StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/v1/messages/12x").StatusCode)
}

func TestSessionEncodeDecode(t *testing.T) {
	_, ts, _ := newTestServer(t, 0)
	tx := createSession(t, ts.URL)
	rx := createSession(t, ts.URL)

	var sessions []SessionInfo
	decodeJSON(t, get(t, ts.URL+"/v1/sessions"), &sessions)
	assert.Len(t, sessions, 2)

	for i := 0; i < 6; i++ {
		resp := postJSON(t, ts.URL+"/v1/encode", encodeRequest{
			Session: tx, ID: 892, Values: map[string]float64{"CRUISE_SPEED_OFFSET": -0.5},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var enc encodeResponse
		decodeJSON(t, resp, &enc)

		resp = postJSON(t, ts.URL+"/v1/decode", decodeRequest{Session: rx, ID: 892, Data: enc.Data})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out dbcgate.Decoded
		decodeJSON(t, resp, &out)
		assert.Equal(t, dbcgate.Valid, out.Verdict, "frame %d", i)
		assert.Equal(t, int64(i%4), out.Raw["COUNTER"])
		assert.InDelta(t, -0.5, out.Values["CRUISE_SPEED_OFFSET"], 1e-9)
	}
}

func TestStatelessDecode(t *testing.T) {
	_, ts, db := newTestServer(t, 0)
	data, err := dbcgate.Encode(db, 401, map[string]float64{"GEAR_SHIFTER": 4, "GEAR2": 0, "GEAR": 1, "COUNTER": 0})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/v1/decode", decodeRequest{ID: 401, Data: fmt.Sprintf("% X", data)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out dbcgate.Decoded
	decodeJSON(t, resp, &out)
	assert.Equal(t, "N", out.Labels["GEAR_SHIFTER"])
	assert.Equal(t, dbcgate.Valid, out.Verdict)

	data[4] ^= 0x01
	resp = postJSON(t, ts.URL+"/v1/decode", decodeRequest{ID: 401, Data: fmt.Sprintf("%x", data)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &out)
	assert.Equal(t, dbcgate.ChecksumMismatch, out.Verdict)
}

func TestDecodeEncodeErrors(t *testing.T) {
	_, ts, _ := newTestServer(t, 0)
	cases := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown message", "/v1/decode", decodeRequest{ID: 77, Data: "00"}, http.StatusNotFound},
		{"short payload", "/v1/decode", decodeRequest{ID: 401, Data: "0000"}, http.StatusUnprocessableEntity},
		{"bad hex", "/v1/decode", decodeRequest{ID: 401, Data: "zz"}, http.StatusBadRequest},
		{"unknown session", "/v1/decode", decodeRequest{Session: "nope", ID: 401, Data: "00"}, http.StatusNotFound},
		{"missing signal", "/v1/encode", encodeRequest{ID: 401, Values: map[string]float64{"GEAR": 1}}, http.StatusUnprocessableEntity},
		{"out of range", "/v1/encode", encodeRequest{ID: 892, Values: map[string]float64{"CRUISE_SPEED_OFFSET": 99}}, http.StatusUnprocessableEntity},
		{"unknown encode", "/v1/encode", encodeRequest{ID: 5, Values: nil}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, postJSON(t, ts.URL+tc.path, tc.body).StatusCode)
		})
	}

	resp, err := http.Post(ts.URL+"/v1/decode", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	_, ts, _ := newTestServer(t, 1)
	id := createSession(t, ts.URL)
	assert.Equal(t, http.StatusTooManyRequests, postJSON(t, ts.URL+"/v1/sessions", struct{}{}).StatusCode)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())
	createSession(t, ts.URL)
}

func TestReplay(t *testing.T) {
	_, ts, db := newTestServer(t, 0)

	var log bytes.Buffer
	w := candump.NewWriter(&log)
	start := time.Unix(1700000000, 0)
	for i, counter := range []float64{0, 1, 3} {
		data, err := dbcgate.Encode(db, 506, map[string]float64{"COMPUTER_BRAKE": 10, "FCW": 0, "CHIME": 0, "COUNTER": counter})
		require.NoError(t, err)
		require.NoError(t, w.Write(candump.Record{Time: start.Add(time.Duration(i) * 10 * time.Millisecond), ID: 506, Data: data}))
	}
	require.NoError(t, w.Write(candump.Record{Time: start, ID: 0x123, Data: []byte{1}}))
	require.NoError(t, w.Flush())

	resp, err := http.Post(ts.URL+"/v1/replay", "text/plain", &log)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var frames []replayFrame
	var summary replaySummary
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &probe))
		switch probe.Type {
		case "frame":
			var f replayFrame
			require.NoError(t, json.Unmarshal(sc.Bytes(), &f))
			frames = append(frames, f)
		case "summary":
			require.NoError(t, json.Unmarshal(sc.Bytes(), &summary))
		default:
			t.Fatalf("unexpected record %s", sc.Text())
		}
	}
	require.Len(t, frames, 4)
	assert.Equal(t, []string{"valid", "valid", "counter_discontinuity", ""},
		[]string{frames[0].Verdict, frames[1].Verdict, frames[2].Verdict, frames[3].Verdict})
	assert.Equal(t, "LEGACY_BRAKE_COMMAND", frames[0].Name)
	assert.Equal(t, 10.0, frames[0].Values["COMPUTER_BRAKE"])
	assert.NotEmpty(t, frames[3].Error)
	assert.Equal(t, 4, summary.Frames)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, map[string]int{"valid": 2, "counter_discontinuity": 1}, summary.Verdicts)

	metrics := get(t, ts.URL+"/metrics")
	body, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dbcgate_frames_total{message="506",verdict="valid"} 2`)
	assert.Contains(t, string(body), "dbcgate_frame_errors_total")
	assert.Contains(t, string(body), `route="/v1/replay"`)
}

func TestReplayBadLog(t *testing.T) {
	_, ts, _ := newTestServer(t, 0)
	resp, err := http.Post(ts.URL+"/v1/replay", "text/plain", strings.NewReader("garbage\n"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var rec map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "error", rec["type"])
}

func TestLintAndReport(t *testing.T) {
	_, ts, db := newTestServer(t, 0)

	var acc struct {
		Summary struct {
			Total int  `json:"total"`
			Pass  bool `json:"pass"`
		} `json:"summary"`
	}
	decodeJSON(t, get(t, ts.URL+"/v1/lint"), &acc)
	assert.NotZero(t, acc.Summary.Total)
	assert.True(t, acc.Summary.Pass)

	resp := get(t, ts.URL+"/v1/lint?format=ndjson")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(body)), "\n"), acc.Summary.Total)

	var rep struct {
		Digest string `json:"digest"`
	}
	decodeJSON(t, get(t, ts.URL+"/v1/report"), &rep)
	digest, err := db.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, rep.Digest)

	resp = get(t, ts.URL+"/v1/report?format=pdf")
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	pdf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
}

func TestNewServerRequiresDatabase(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
