// apply.go - Rekonstruktion des Zielmodells aus Basis und Delta
// Hauptfunktionen: Apply
package delta

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/huggingface"
)

// ApplyOptions konfiguriert Apply
type ApplyOptions struct {
	BasePath   string
	DeltaPath  string
	TargetPath string

	MaxShardSize int64

	Client   *huggingface.Client
	Progress ProgressFunc
}

// Apply addiert die Basisgewichte auf ein Delta und speichert das Ergebnis samt
// Delta-Tokenizer nach opts.TargetPath
func Apply(ctx context.Context, opts ApplyOptions) (*Result, error) {
	client := opts.Client
	if client == nil {
		client = huggingface.NewClient()
	}

	slog.Info("loading base model", "path", opts.BasePath)
	base, err := load(ctx, client, opts.BasePath, opts.Progress)
	if err != nil {
		return nil, err
	}

	slog.Info("loading delta", "path", opts.DeltaPath)
	delta, err := load(ctx, client, opts.DeltaPath, opts.Progress)
	if err != nil {
		return nil, err
	}

	// Die Basis bekommt die Vokabulargroesse des Deltas, neue Zeilen sind null
	if in, ok := delta.InputEmbedding(); ok {
		if err := base.ResizeTokenEmbeddings(in.Shape[0]); err != nil {
			return nil, fmt.Errorf("resize base embeddings: %w", err)
		}
	}

	slog.Info("applying delta")
	if err := validate(base.Checkpoint, delta.Checkpoint); err != nil {
		return nil, err
	}

	if err := combine(ctx, delta.Checkpoint, base.Checkpoint, "applying delta", (*checkpoint.Tensor).Add, opts.Progress); err != nil {
		return nil, err
	}

	slog.Info("saving target model", "path", opts.TargetPath)
	result, _, _, err := save(ctx, delta, opts.TargetPath, opts.MaxShardSize, opts.Progress)
	return result, err
}
