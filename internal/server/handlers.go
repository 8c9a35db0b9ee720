package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"example.com/dbcgate"
	"example.com/dbcgate/internal/candump"
	"example.com/dbcgate/internal/codec"
	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/lint"
	"example.com/dbcgate/internal/report"
)

type messageDetail struct {
	*dbc.Message
	ValueTables []*dbc.ValueTable `json:"valueTables,omitempty"`
	Integrity   *dbc.Integrity    `json:"integrity,omitempty"`
}

type decodeRequest struct {
	Session string `json:"session,omitempty"`
	ID      uint32 `json:"id"`
	Data    string `json:"data"`
}

type encodeRequest struct {
	Session string             `json:"session,omitempty"`
	ID      uint32             `json:"id"`
	Values  map[string]float64 `json:"values"`
}

type encodeResponse struct {
	ID   uint32 `json:"id"`
	Data string `json:"data"`
}

type replayFrame struct {
	Type      string             `json:"type"`
	Line      int                `json:"line"`
	Time      time.Time          `json:"ts"`
	Interface string             `json:"iface"`
	ID        uint32             `json:"id"`
	Name      string             `json:"name,omitempty"`
	Verdict   string             `json:"verdict,omitempty"`
	Values    map[string]float64 `json:"values,omitempty"`
	Labels    map[string]string  `json:"labels,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type replaySummary struct {
	Type     string         `json:"type"`
	Session  string         `json:"session"`
	Frames   int            `json:"frames"`
	Errors   int            `json:"errors"`
	Verdicts map[string]int `json:"verdicts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	digest, err := s.db.Digest()
	if err != nil {
		http.Error(w, fmt.Sprintf("digest: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"messages": s.db.Len(),
		"digest":   digest,
		"sessions": len(s.listSessions()),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.Messages())
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "id")
	m, ok, err := s.lookupMessage(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("message %s not found", token), http.StatusNotFound)
		return
	}
	resp := messageDetail{Message: m}
	for _, t := range s.db.ValueTables() {
		if t.MessageID == m.ID {
			resp.ValueTables = append(resp.ValueTables, t)
		}
	}
	if in, ok := s.db.Integrity(m.ID); ok {
		resp.Integrity = &in
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookupMessage accepts a decimal or 0x prefixed identifier, or a message
// name.
func (s *Server) lookupMessage(token string) (*dbc.Message, bool, error) {
	if token != "" && token[0] >= '0' && token[0] <= '9' {
		id, err := strconv.ParseUint(token, 0, 32)
		if err != nil {
			return nil, false, fmt.Errorf("invalid message id %q", token)
		}
		m, ok := s.db.Message(uint32(id))
		return m, ok, nil
	}
	m, ok := s.db.MessageByName(token)
	return m, ok, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listSessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.NewSession()
	if errors.Is(err, ErrSessionLimit) {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("create session: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deleteSession(id) {
		http.Error(w, fmt.Sprintf("session %s not found", id), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveSession returns the named session, or a fresh unregistered one when
// id is empty.
func (s *Server) resolveSession(id string) (*dbcgate.Session, int, error) {
	if id == "" {
		sess, err := dbcgate.NewSession(s.db, s.sessionOptions()...)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return sess, 0, nil
	}
	sess, ok := s.session(id)
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("session %s not found", id)
	}
	return sess, 0, nil
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid hex payload: %v", err), http.StatusBadRequest)
		return
	}
	sess, status, err := s.resolveSession(req.Session)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	out, err := sess.Decode(req.ID, data)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req encodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sess, status, err := s.resolveSession(req.Session)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	data, err := sess.Encode(req.ID, req.Values)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, encodeResponse{ID: req.ID, Data: strings.ToUpper(hex.EncodeToString(data))})
}

// handleReplay decodes a candump log from the request body and streams one
// NDJSON record per frame followed by a summary.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	sess, status, err := s.resolveSession(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	withValues := r.URL.Query().Get("values") != "false"
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	stream := newNDJSONStream(w)
	summary := replaySummary{Type: "summary", Session: sess.ID(), Verdicts: make(map[string]int)}
	rr := candump.NewReader(body)
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = stream.send(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		summary.Frames++
		frame := replayFrame{
			Type:      "frame",
			Line:      rr.Line(),
			Time:      rec.Time,
			Interface: rec.Interface,
			ID:        rec.ID,
		}
		out, err := sess.Decode(rec.ID, rec.Data)
		if err != nil {
			summary.Errors++
			frame.Error = err.Error()
		} else {
			frame.Name = out.Name
			frame.Verdict = out.Verdict.String()
			summary.Verdicts[frame.Verdict]++
			if withValues {
				frame.Values = out.Values
				frame.Labels = out.Labels
			}
		}
		if err := stream.send(frame); err != nil {
			s.log.Warn("replay write failed", zap.Error(err))
			return
		}
	}
	_ = stream.send(summary)
}

func (s *Server) lint() (*lint.Engine, error) {
	eng := lint.NewEngine(lint.DefaultRulePack())
	eng.RegisterBuiltins()
	_, err := eng.Eval(&lint.Context{File: s.root, Database: s.db})
	return eng, err
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	eng, err := s.lint()
	if err != nil {
		http.Error(w, fmt.Sprintf("lint: %v", err), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "ndjson" {
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := eng.WriteDiagnosticsNDJSON(w); err != nil {
			s.log.Warn("lint write failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, eng.MakeAcceptance())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	eng, err := s.lint()
	if err != nil {
		http.Error(w, fmt.Sprintf("lint: %v", err), http.StatusInternalServerError)
		return
	}
	rep, err := report.Build(s.root, s.db, eng.MakeAcceptance())
	if err != nil {
		http.Error(w, fmt.Sprintf("report: %v", err), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "pdf" {
		w.Header().Set("Content-Type", "application/pdf")
		if err := report.WritePDF(rep, w); err != nil {
			s.log.Warn("report write failed", zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, codec.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, codec.ErrUnknownSignal),
		errors.Is(err, codec.ErrMissingSignal),
		errors.Is(err, codec.ErrOutOfRange),
		errors.Is(err, codec.ErrLengthMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
