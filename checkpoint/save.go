// save.go - Speichern eines Checkpoints im Safetensors-Format
// Hauptfunktionen: Save, ParseSize, WithMaxShardSize, WithSaveProgress
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/mtllama/modeldelta/fs/safetensors"
)

const (
	// DefaultMaxShardSize entspricht dem transformers-Default von 5GB
	DefaultMaxShardSize = 5_000_000_000

	weightsName      = "model.safetensors"
	weightsIndexName = "model.safetensors.index.json"
)

// SaveOption konfiguriert Save
type SaveOption func(*saveConfig)

type saveConfig struct {
	maxShardSize int64
	progress     func(done, total int64)
}

// WithMaxShardSize setzt die maximale Groesse einer Shard-Datei in Bytes
func WithMaxShardSize(n int64) SaveOption {
	return func(cfg *saveConfig) {
		if n > 0 {
			cfg.maxShardSize = n
		}
	}
}

// WithSaveProgress setzt einen Callback mit geschriebenen und gesamten Tensor-Bytes
func WithSaveProgress(fn func(done, total int64)) SaveOption {
	return func(cfg *saveConfig) { cfg.progress = fn }
}

// ParseSize parst Groessenangaben wie "5GB", "500MiB" oder "1024"
// Dezimale Einheiten (KB, MB, GB) sind Potenzen von 1000, binaere (KiB, MiB, GiB) von 1024
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) && r != '.' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = s[:i], strings.TrimSpace(s[i:])
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	var mult float64
	switch strings.ToUpper(unit) {
	case "", "B":
		mult = 1
	case "KB":
		mult = 1e3
	case "MB":
		mult = 1e6
	case "GB":
		mult = 1e9
	case "TB":
		mult = 1e12
	case "KIB":
		mult = 1 << 10
	case "MIB":
		mult = 1 << 20
	case "GIB":
		mult = 1 << 30
	case "TIB":
		mult = 1 << 40
	default:
		return 0, fmt.Errorf("invalid size unit %q", unit)
	}

	return int64(f * mult), nil
}

// shards teilt die sortierten Tensoren in Bloecke von hoechstens limit Bytes.
// Ein einzelner Tensor, der groesser ist, bekommt einen eigenen Block.
func (c *Checkpoint) shards(limit int64) [][]*Tensor {
	var blocks [][]*Tensor
	var current []*Tensor
	var size int64
	for _, name := range c.Names() {
		t := c.tensors[name]
		if size+t.Size() > limit && len(current) > 0 {
			blocks = append(blocks, current)
			current, size = nil, 0
		}
		current = append(current, t)
		size += t.Size()
	}

	if len(current) > 0 || len(blocks) == 0 {
		blocks = append(blocks, current)
	}

	return blocks
}

// removeStaleWeights entfernt Gewichtsdateien eines frueheren Laufs mit anderem Sharding
func removeStaleWeights(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] {
			continue
		}

		stale := strings.HasPrefix(name, "model") && strings.HasSuffix(name, ".safetensors") ||
			name == weightsIndexName ||
			strings.HasPrefix(name, "pytorch_model") && (strings.HasSuffix(name, ".bin") || name == "pytorch_model.bin.index.json")
		if !stale {
			continue
		}

		slog.Debug("removing stale weight file", "file", name)
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	return nil
}

// Save schreibt config.json, die Gewichte und mitkopierte Dateien nach dir.
// Gibt die geschriebenen Dateinamen zurueck.
func (c *Checkpoint) Save(ctx context.Context, dir string, opts ...SaveOption) ([]string, error) {
	cfg := saveConfig{maxShardSize: DefaultMaxShardSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if c.dtype != "" {
		if err := c.Config.Set("torch_dtype", c.dtype.TorchName()); err != nil {
			return nil, err
		}
	}

	if err := c.Config.WriteFile(filepath.Join(dir, "config.json")); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	written := []string{"config.json"}
	for _, name := range slices.Sorted(maps.Keys(c.files)) {
		if err := os.WriteFile(filepath.Join(dir, name), c.files[name], 0o644); err != nil {
			return nil, err
		}
		written = append(written, name)
	}

	blocks := c.shards(cfg.maxShardSize)
	names := make([]string, len(blocks))
	keep := make(map[string]bool, len(blocks)+1)
	for i := range blocks {
		names[i] = weightsName
		if len(blocks) > 1 {
			names[i] = fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, len(blocks))
		}
		keep[names[i]] = true
	}

	if len(blocks) > 1 {
		keep[weightsIndexName] = true
	}

	if err := removeStaleWeights(dir, keep); err != nil {
		return nil, err
	}

	total := c.Size()
	idx := safetensors.Index{WeightMap: make(map[string]string, c.Len())}
	idx.Metadata.TotalSize = total

	var done int64
	for i, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ts := make([]safetensors.Tensor, len(block))
		for j, t := range block {
			ts[j] = safetensors.Tensor{Name: t.Name, DType: string(t.DType), Shape: t.Shape, Data: t.Data}
			idx.WeightMap[t.Name] = names[i]
			done += t.Size()
		}

		slog.Debug("writing shard", "file", names[i], "tensors", len(ts))
		if err := safetensors.WriteFile(filepath.Join(dir, names[i]), ts, map[string]string{"format": "pt"}); err != nil {
			return nil, fmt.Errorf("write %s: %w", names[i], err)
		}

		if cfg.progress != nil {
			cfg.progress(done, total)
		}
	}

	written = append(written, names...)
	if len(blocks) > 1 {
		if err := idx.WriteFile(filepath.Join(dir, weightsIndexName)); err != nil {
			return nil, err
		}
		written = append(written, weightsIndexName)
	}

	return written, nil
}
