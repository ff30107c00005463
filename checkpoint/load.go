// load.go - Laden eines Checkpoints aus einem HuggingFace-Modellverzeichnis
// Unterstuetzte Formate: model.safetensors, geshardete Safetensors mit Index,
// beliebige *.safetensors, pytorch_model*.bin (mit oder ohne Index)
// Hauptfunktionen: Load, WithDType, WithLoadProgress
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mtllama/modeldelta/fs/safetensors"
	"github.com/mtllama/modeldelta/logutil"
)

// Dateien, die beim Speichern unveraendert mitkopiert werden
var passthroughFiles = []string{"generation_config.json"}

// LoadOption konfiguriert Load
type LoadOption func(*loadConfig)

type loadConfig struct {
	dtype    DType
	progress func(done, total int)
}

// WithDType wandelt alle Gleitkomma-Tensoren beim Laden in dt um
func WithDType(dt DType) LoadOption {
	return func(cfg *loadConfig) { cfg.dtype = dt }
}

// WithLoadProgress setzt einen Callback, der nach jeder Gewichtsdatei aufgerufen wird
func WithLoadProgress(fn func(done, total int)) LoadOption {
	return func(cfg *loadConfig) { cfg.progress = fn }
}

// weightFormat beschreibt die gefundenen Gewichtsdateien
type weightFormat struct {
	kind  string // "safetensors" oder "torch"
	files []string
}

// detectWeights ermittelt die Gewichtsdateien in der Reihenfolge, die auch transformers verwendet
func detectWeights(fsys fs.FS) (*weightFormat, error) {
	candidates := []struct {
		index, single, kind string
	}{
		{"model.safetensors.index.json", "model.safetensors", "safetensors"},
		{"pytorch_model.bin.index.json", "pytorch_model.bin", "torch"},
	}

	for _, c := range candidates {
		if _, err := fs.Stat(fsys, c.index); err == nil {
			idx, err := safetensors.ReadIndex(fsys, c.index)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", c.index, err)
			}
			return &weightFormat{kind: c.kind, files: idx.Files()}, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		if _, err := fs.Stat(fsys, c.single); err == nil {
			return &weightFormat{kind: c.kind, files: []string{c.single}}, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	matches, err := fs.Glob(fsys, "*.safetensors")
	if err != nil {
		return nil, err
	}

	if len(matches) > 0 {
		slices.Sort(matches)
		return &weightFormat{kind: "safetensors", files: matches}, nil
	}

	return nil, ErrNoWeights
}

// Load laedt config.json und alle Tensoren aus dir
func Load(ctx context.Context, dir string, opts ...LoadOption) (*Checkpoint, error) {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	fsys := os.DirFS(dir)
	config, err := readConfig(fsys)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	wf, err := detectWeights(fsys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	c := New(config)
	c.Dir = dir
	c.dtype = cfg.dtype

	add := func(t *Tensor) error {
		logutil.Trace("loaded tensor", "name", t.Name, "dtype", t.DType, "shape", t.Shape)
		if cfg.dtype != "" {
			if err := t.Convert(cfg.dtype); err != nil {
				return err
			}
		}
		return c.Add(t)
	}

	slog.Debug("loading weights", "dir", dir, "format", wf.kind, "files", len(wf.files))
	for i, name := range wf.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !fs.ValidPath(name) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("invalid weight file name %q", name)
		}

		path := filepath.Join(dir, filepath.FromSlash(name))
		switch wf.kind {
		case "safetensors":
			err = loadSafetensors(ctx, path, add)
		case "torch":
			err = loadTorch(path, add)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		if cfg.progress != nil {
			cfg.progress(i+1, len(wf.files))
		}
	}

	for _, name := range passthroughFiles {
		bts, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		c.files[name] = bts
	}

	slog.Debug("loaded checkpoint", "dir", dir, "tensors", c.Len(), "params", c.NumParams())
	return c, nil
}

// loadSafetensors liest alle Tensoren einer Datei einzeln ein
func loadSafetensors(ctx context.Context, path string, add func(*Tensor) error) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, name := range f.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, _ := f.Info(name)
		bts, err := f.ReadTensor(name)
		if err != nil {
			return err
		}

		if err := add(&Tensor{Name: name, DType: DType(info.DType), Shape: info.Shape, Data: bts}); err != nil {
			return err
		}
	}

	return nil
}
