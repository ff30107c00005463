// delta.go - Berechnung eines Gewichts-Deltas zwischen Basis- und Zielmodell
// Hauptfunktionen: Make, validate, suggest
package delta

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/huggingface"
	"github.com/mtllama/modeldelta/tokenizer"
)

// DefaultPadToken wird dem Basis-Tokenizer als pad_token hinzugefuegt
const DefaultPadToken = "[PAD]"

var (
	ErrMissingTensor = errors.New("tensor missing in base model")
	ErrShapeMismatch = checkpoint.ErrShapeMismatch
)

// ProgressResponse beschreibt den Fortschritt eines Arbeitsschritts. Ohne Total ist
// es eine reine Statusmeldung. Bytes gibt an, ob Total und Completed Bytes zaehlen.
type ProgressResponse struct {
	Status    string
	Total     int64
	Completed int64
	Bytes     bool
}

// ProgressFunc empfaengt Fortschrittsmeldungen
type ProgressFunc func(ProgressResponse)

// Options konfiguriert Make
type Options struct {
	// BasePath und TargetPath sind lokale Verzeichnisse oder Hub-IDs
	BasePath   string
	TargetPath string
	DeltaPath  string

	// HubRepoID aktiviert den Upload nach dem Speichern
	HubRepoID string
	UserKey   string
	Private   bool

	PadToken     string
	MaxShardSize int64

	Client   *huggingface.Client
	Progress ProgressFunc
}

// Result fasst einen Lauf zusammen
type Result struct {
	Path         string
	Files        []string
	NumNewTokens int
	Tensors      int
	Params       int64
	Commits      []*huggingface.CommitInfo
}

// model ist ein geladener Checkpoint mit seinem Tokenizer
type model struct {
	*checkpoint.Checkpoint
	tokenizer *tokenizer.Tokenizer
}

func (o *Options) client() *huggingface.Client {
	if o.Client == nil {
		o.Client = huggingface.NewClient(huggingface.WithToken(o.UserKey))
	}
	return o.Client
}

func (fn ProgressFunc) report(p ProgressResponse) {
	if fn != nil {
		fn(p)
	}
}

// load loest pathOrID auf und laedt Gewichte in F16 sowie den Tokenizer
func load(ctx context.Context, client *huggingface.Client, pathOrID string, fn ProgressFunc) (*model, error) {
	dir, err := client.ResolveModelPath(ctx, pathOrID)
	if err != nil {
		return nil, err
	}

	status := fmt.Sprintf("loading %s", pathOrID)
	fn.report(ProgressResponse{Status: status})
	c, err := checkpoint.Load(ctx, dir,
		checkpoint.WithDType(checkpoint.F16),
		checkpoint.WithLoadProgress(func(done, total int) {
			fn.report(ProgressResponse{Status: status, Completed: int64(done), Total: int64(total)})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", pathOrID, err)
	}

	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", pathOrID, err)
	}

	return &model{Checkpoint: c, tokenizer: tok}, nil
}

// Make berechnet target - base fuer jeden Parameter und speichert das Delta samt
// Ziel-Tokenizer nach opts.DeltaPath. Mit opts.HubRepoID wird das Ergebnis hochgeladen.
func Make(ctx context.Context, opts Options) (*Result, error) {
	client := opts.client()
	padToken := cmp.Or(opts.PadToken, DefaultPadToken)

	slog.Info("loading base model", "path", opts.BasePath)
	base, err := load(ctx, client, opts.BasePath, opts.Progress)
	if err != nil {
		return nil, err
	}

	slog.Info("loading target model", "path", opts.TargetPath)
	target, err := load(ctx, client, opts.TargetPath, opts.Progress)
	if err != nil {
		return nil, err
	}

	numNew, err := base.tokenizer.AddSpecialTokens(map[string]string{"pad_token": padToken})
	if err != nil {
		return nil, err
	}

	if err := base.ResizeTokenEmbeddings(int64(base.tokenizer.Len())); err != nil {
		return nil, fmt.Errorf("resize base embeddings: %w", err)
	}

	if err := base.ZeroTrailingEmbeddingRows(int64(numNew)); err != nil {
		return nil, fmt.Errorf("zero new embedding rows: %w", err)
	}
	slog.Debug("prepared base tokenizer", "pad_token", padToken, "new_tokens", numNew, "vocab", base.tokenizer.Len())

	slog.Info("calculating delta")
	if err := validate(base.Checkpoint, target.Checkpoint); err != nil {
		return nil, err
	}

	if err := combine(ctx, target.Checkpoint, base.Checkpoint, "calculating delta", (*checkpoint.Tensor).Sub, opts.Progress); err != nil {
		return nil, err
	}

	slog.Info("saving delta", "path", opts.DeltaPath)
	result, modelFiles, tokenizerFiles, err := save(ctx, target, opts.DeltaPath, opts.MaxShardSize, opts.Progress)
	if err != nil {
		return nil, err
	}
	result.NumNewTokens = numNew

	if opts.HubRepoID != "" {
		commits, err := push(ctx, client, opts, modelFiles, tokenizerFiles)
		if err != nil {
			return nil, err
		}
		result.Commits = commits
	}

	return result, nil
}

// validate prueft, dass jeder Tensor aus target in base mit gleicher Form existiert
func validate(base, target *checkpoint.Checkpoint) error {
	names := base.Names()
	for _, name := range target.Names() {
		t, _ := target.Tensor(name)
		b, ok := base.Tensor(name)
		if !ok {
			return fmt.Errorf("%w: %s%s", ErrMissingTensor, name, suggest(name, names))
		}

		if !t.SameShape(b) {
			return fmt.Errorf("%w: %s: base %v, target %v", ErrShapeMismatch, name, b.Shape, t.Shape)
		}

		if t.DType != b.DType {
			return fmt.Errorf("%w: %s: base %s, target %s", checkpoint.ErrUnsupportedDType, name, b.DType, t.DType)
		}
	}

	return nil
}

// suggest nennt den aehnlichsten Namen aus names, falls einer nah genug ist
func suggest(name string, names []string) string {
	best, dist := "", len(name)/3+1
	for _, n := range names {
		if d := levenshtein.ComputeDistance(name, n); d < dist {
			best, dist = n, d
		}
	}

	if best == "" {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}

// combine wendet op(dst, src) auf alle Tensoren von dst in sortierter Reihenfolge an
func combine(ctx context.Context, dst, src *checkpoint.Checkpoint, status string, op func(*checkpoint.Tensor, *checkpoint.Tensor) error, fn ProgressFunc) error {
	names := dst.Names()
	total := int64(len(names))
	fn.report(ProgressResponse{Status: status, Total: total})

	start := time.Now()
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, _ := dst.Tensor(name)
		s, _ := src.Tensor(name)
		if err := op(d, s); err != nil {
			return err
		}

		slog.Debug(status, "name", name, "dtype", d.DType, "shape", d.Shape)
		fn.report(ProgressResponse{Status: status, Completed: int64(i + 1), Total: total})
	}

	slog.Debug(status, "tensors", total, "elapsed", time.Since(start))
	return nil
}

// save schreibt Checkpoint und Tokenizer nach dir
func save(ctx context.Context, m *model, dir string, maxShardSize int64, fn ProgressFunc) (*Result, []string, []string, error) {
	status := fmt.Sprintf("writing %s", dir)
	modelFiles, err := m.Save(ctx, dir,
		checkpoint.WithMaxShardSize(maxShardSize),
		checkpoint.WithSaveProgress(func(done, total int64) {
			fn.report(ProgressResponse{Status: status, Completed: done, Total: total, Bytes: true})
		}),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("save model: %w", err)
	}

	tokenizerFiles, err := m.tokenizer.Save(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("save tokenizer: %w", err)
	}

	return &Result{
		Path:    dir,
		Files:   append(append([]string(nil), modelFiles...), tokenizerFiles...),
		Tensors: m.Len(),
		Params:  m.NumParams(),
	}, modelFiles, tokenizerFiles, nil
}

// push laedt erst die Gewichte und dann den Tokenizer als zweiten Commit in dasselbe Repository
func push(ctx context.Context, client *huggingface.Client, opts Options, modelFiles, tokenizerFiles []string) ([]*huggingface.CommitInfo, error) {
	slog.Info("pushing delta", "repo", opts.HubRepoID)

	upload := huggingface.UploadOptions{
		RepoID:        opts.HubRepoID,
		Dir:           opts.DeltaPath,
		Files:         modelFiles,
		CommitMessage: "Upload delta weights",
		Private:       opts.Private,
		Progress: func(completed, total int64) {
			opts.Progress.report(ProgressResponse{Status: "pushing " + opts.HubRepoID, Completed: completed, Total: total, Bytes: true})
		},
	}

	weights, err := client.UploadFolder(ctx, upload)
	if err != nil {
		return nil, err
	}

	upload.Files = tokenizerFiles
	upload.CommitMessage = "Upload tokenizer"
	upload.Progress = nil
	tok, err := client.UploadFolder(ctx, upload)
	if err != nil {
		return nil, err
	}

	slog.Info("pushed delta", "repo", opts.HubRepoID, "commit", tok.CommitOID)
	return []*huggingface.CommitInfo{weights, tok}, nil
}
