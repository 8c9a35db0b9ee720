package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/dbcgate/internal/common"
	"example.com/dbcgate/internal/dbc"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

// Manifest lists the fragments a database was compiled from and the
// artifacts produced from it.
type Manifest struct {
	CreatedAt time.Time `json:"createdAt"`
	ShaAlgo   string    `json:"shaAlgo"`
	Digest    string    `json:"digest"`
	Items     []Item    `json:"items"`
}

func BuildManifest(db *dbc.Database, artifacts ...string) (Manifest, error) {
	digest, err := db.Digest()
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256", Digest: digest}
	for _, src := range db.Sources() {
		m.Items = append(m.Items, Item{Path: src.Name, Size: src.Size, Sha256: src.Sha256, Type: "dbc"})
	}
	for _, p := range artifacts {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		typ := "other"
		switch {
		case hasExt(p, ".dbc"):
			typ = "dbc"
		case hasExt(p, ".jsonl", ".ndjson"):
			typ = "diagnostics"
		case hasExt(p, ".json"):
			typ = "json"
		case hasExt(p, ".pdf"):
			typ = "pdf"
		case hasExt(p, ".yaml", ".yml"):
			typ = "config"
		case hasExt(p, ".log"):
			typ = "candump"
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: typ})
	}
	return m, nil
}

func hasExt(path string, exts ...string) bool {
	for _, e := range exts {
		if len(path) >= len(e) && path[len(path)-len(e):] == e {
			return true
		}
	}
	return false
}

func SaveManifest(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}
