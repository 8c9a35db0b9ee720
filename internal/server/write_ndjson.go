package server

import (
	"encoding/json"
	"net/http"
	"sync"
)

// ndjsonStream writes one JSON value per line and flushes after each, so a
// replay client sees frames as they are decoded.
type ndjsonStream struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush http.Flusher
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	w.Header().Set("Content-Type", "application/x-ndjson")
	s := &ndjsonStream{enc: json.NewEncoder(w)}
	s.flush, _ = w.(http.Flusher)
	return s
}

func (s *ndjsonStream) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush.Flush()
	}
	return nil
}
