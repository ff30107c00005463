// index.go - Index fuer geshardete Checkpoints (model.safetensors.index.json)
package safetensors

import (
	"encoding/json"
	"io/fs"
	"maps"
	"os"
	"slices"
)

// Index bildet Tensornamen auf Shard-Dateien ab
type Index struct {
	Metadata struct {
		TotalSize int64 `json:"total_size"`
	} `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// ReadIndex liest eine Index-Datei aus einem Dateisystem
func ReadIndex(fsys fs.FS, name string) (*Index, error) {
	bts, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}

	var idx Index
	if err := json.Unmarshal(bts, &idx); err != nil {
		return nil, err
	}

	return &idx, nil
}

// Files gibt die referenzierten Shard-Dateien sortiert und ohne Duplikate zurueck
func (idx *Index) Files() []string {
	return slices.Compact(slices.Sorted(maps.Values(idx.WeightMap)))
}

// WriteFile schreibt den Index als eingerueckte JSON-Datei
func (idx *Index) WriteFile(path string) error {
	bts, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(bts, '\n'), 0o644)
}
