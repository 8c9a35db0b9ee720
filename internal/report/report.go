package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/lint"
)

type MessageSummary struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Length    int    `json:"length"`
	Sender    string `json:"sender"`
	Signals   int    `json:"signals"`
	Tables    int    `json:"valueTables"`
	Scheme    string `json:"scheme,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Counter   string `json:"counter,omitempty"`
	Extended  bool   `json:"extended,omitempty"`
	BitsInUse int    `json:"bitsInUse"`
}

// Report describes one compiled database: what went into it, what it holds
// and what the advisory checks found.
type Report struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Root        string                `json:"root"`
	Version     string                `json:"version,omitempty"`
	Digest      string                `json:"digest"`
	Sources     []dbc.Source          `json:"sources"`
	Messages    []MessageSummary      `json:"messages"`
	Acceptance  lint.AcceptanceReport `json:"acceptance"`
}

// Build summarises db. acc is usually the result of a lint engine run.
func Build(root string, db *dbc.Database, acc lint.AcceptanceReport) (Report, error) {
	digest, err := db.Digest()
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		GeneratedAt: time.Now().UTC(),
		Root:        root,
		Version:     db.Version(),
		Digest:      digest,
		Sources:     db.Sources(),
		Acceptance:  acc,
	}
	tables := make(map[uint32]int)
	for _, t := range db.ValueTables() {
		tables[t.MessageID]++
	}
	for _, m := range db.Messages() {
		sum := MessageSummary{
			ID:       m.ID,
			Name:     m.Name,
			Length:   m.Length,
			Sender:   m.Sender,
			Signals:  len(m.Signals),
			Tables:   tables[m.ID],
			Extended: m.ID > 0x7FF,
		}
		for _, s := range m.Signals {
			sum.BitsInUse += s.Length
		}
		if in, ok := db.Integrity(m.ID); ok {
			sum.Scheme, sum.Checksum, sum.Counter = in.Scheme, in.Checksum, in.Counter
		}
		rep.Messages = append(rep.Messages, sum)
	}
	return rep, nil
}

func SaveJSON(rep Report, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Report, error) {
	var rep Report
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
