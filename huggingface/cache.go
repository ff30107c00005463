// cache.go - Cache-Management fuer HuggingFace Modelle
// Kompatibel mit Python huggingface_hub Cache-Struktur
// (models--owner--name/refs/<revision>, snapshots/<commit>).
package huggingface

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/mtllama/modeldelta/envconfig"
)

// Cache-Konstanten
const (
	CacheRefDir      = "refs"
	CacheSnapshotDir = "snapshots"
	CacheModelPrefix = "models--"
)

// ErrModelNotInCache wird im Offline-Modus fuer nicht gecachte Modelle zurueckgegeben
var ErrModelNotInCache = errors.New("modell nicht im cache")

// GetCacheDir gibt das Cache-Verzeichnis zurueck
func GetCacheDir() string {
	return envconfig.HubCache()
}

// GetCachedModelWithRevision prueft den Cache fuer eine Revision. Die Revision wird
// ueber refs/<revision> auf einen Commit aufgeloest, sonst direkt als Snapshot-Name verwendet.
func GetCachedModelWithRevision(modelID, revision string) (string, bool) {
	modelDir := filepath.Join(GetCacheDir(), modelIDToCacheDir(modelID))
	snapshot := revision
	if bts, err := os.ReadFile(filepath.Join(modelDir, CacheRefDir, revision)); err == nil {
		if commit := strings.TrimSpace(string(bts)); commit != "" {
			snapshot = commit
		}
	}

	snapshotPath := filepath.Join(modelDir, CacheSnapshotDir, snapshot)
	if stat, err := os.Stat(snapshotPath); err == nil && stat.IsDir() {
		if entries, err := os.ReadDir(snapshotPath); err == nil && len(entries) > 0 {
			return snapshotPath, true
		}
	}
	return "", false
}

// snapshotDir gibt das Snapshot-Verzeichnis fuer einen Commit zurueck
func snapshotDir(modelID, commit string) string {
	return filepath.Join(GetCacheDir(), modelIDToCacheDir(modelID), CacheSnapshotDir, commit)
}

// writeRef speichert den Commit einer Revision unter refs/<revision>
func writeRef(modelID, revision, commit string) error {
	if revision == commit {
		return nil
	}
	refPath := filepath.Join(GetCacheDir(), modelIDToCacheDir(modelID), CacheRefDir, revision)
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(refPath, []byte(commit), 0o644)
}

func modelIDToCacheDir(modelID string) string {
	return CacheModelPrefix + strings.ReplaceAll(modelID, "/", "--")
}
