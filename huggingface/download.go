// download.go - Download-Logik fuer HuggingFace Modelle mit Progress-Callback
// Unterstuetzt Progress-Callbacks, Revisions, Resume und parallele Downloads.
package huggingface

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mtllama/modeldelta/envconfig"
)

// Download-Konstanten
const (
	DefaultChunkSize       = 1024 * 1024 // 1 MB
	MaxDownloadRetries     = 3
	DownloadRetryDelay     = 2 * time.Second
	ProgressUpdateInterval = 100 * time.Millisecond
)

// Dateien, die fuer Checkpoint und Tokenizer gebraucht werden
var defaultIncludePatterns = []string{"*.json", "*.safetensors", "*.bin", "*.model", "*.txt", "*.jinja"}

// ModelDownloadResult enthaelt das Ergebnis eines Model-Downloads
type ModelDownloadResult struct {
	ModelID      string
	Revision     string
	Commit       string
	CachePath    string
	Files        []DownloadedFile
	TotalSize    int64
	DownloadTime time.Duration
}

// DownloadedFile repraesentiert eine heruntergeladene Datei
type DownloadedFile struct {
	Filename  string
	LocalPath string
	Size      int64
	FromCache bool
}

// ProgressCallback wird waehrend des Downloads aufgerufen
type ProgressCallback func(downloaded, total int64)

// DownloadOption konfiguriert einen Download
type DownloadOption func(*downloadConfig)

type downloadConfig struct {
	revision        string
	progressFn      ProgressCallback
	parallelism     int
	includePatterns []string
	excludePatterns []string
}

// WithDownloadRevision setzt die Git-Revision fuer den Download
func WithDownloadRevision(revision string) DownloadOption {
	return func(cfg *downloadConfig) {
		if revision != "" {
			cfg.revision = revision
		}
	}
}

// WithDownloadProgress setzt den Progress-Callback
func WithDownloadProgress(fn ProgressCallback) DownloadOption {
	return func(cfg *downloadConfig) { cfg.progressFn = fn }
}

// WithDownloadParallelism setzt die Anzahl paralleler Downloads
func WithDownloadParallelism(n int) DownloadOption {
	return func(cfg *downloadConfig) {
		if n > 0 {
			cfg.parallelism = n
		}
	}
}

// WithIncludePatterns filtert Dateien nach Glob-Patterns
func WithIncludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.includePatterns = patterns }
}

// WithExcludePatterns schliesst Dateien nach Glob-Patterns aus
func WithExcludePatterns(patterns ...string) DownloadOption {
	return func(cfg *downloadConfig) { cfg.excludePatterns = patterns }
}

// DownloadModel laedt die Checkpoint- und Tokenizer-Dateien eines Modells in den Cache
func (c *Client) DownloadModel(ctx context.Context, modelID string, opts ...DownloadOption) (*ModelDownloadResult, error) {
	startTime := time.Now()
	cfg := &downloadConfig{
		revision:        DefaultRevision,
		parallelism:     int(envconfig.DownloadConcurrency()),
		includePatterns: defaultIncludePatterns,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	info, err := c.ModelInfo(ctx, modelID, cfg.revision)
	if err != nil {
		return nil, &HuggingFaceError{Op: "download", ModelID: modelID, Err: err}
	}
	filesToDownload := filterDownloadFiles(info.Siblings, cfg)
	if len(filesToDownload) == 0 {
		return nil, &HuggingFaceError{Op: "download", ModelID: modelID, Err: fmt.Errorf("%w: keine dateien zum download gefunden", ErrFileNotFound)}
	}
	var totalSize int64
	for _, f := range filesToDownload {
		totalSize += f.Size
	}

	commit := cmp.Or(info.SHA, cfg.revision)
	snapshot := snapshotDir(modelID, commit)

	var downloadedBytes int64
	var progressMu sync.Mutex
	lastProgressUpdate := time.Now()
	updateProgress := func(bytes int64) {
		if cfg.progressFn == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		downloadedBytes += bytes
		now := time.Now()
		if now.Sub(lastProgressUpdate) >= ProgressUpdateInterval {
			cfg.progressFn(downloadedBytes, totalSize)
			lastProgressUpdate = now
		}
	}

	results := make([]DownloadedFile, len(filesToDownload))
	sem := semaphore.NewWeighted(int64(max(cfg.parallelism, 1)))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range filesToDownload {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			localPath := filepath.Join(snapshot, filepath.FromSlash(f.Filename))
			fromCache := false
			if stat, err := os.Stat(localPath); err == nil && stat.Size() == f.Size {
				fromCache = true
				updateProgress(f.Size)
			} else if err := c.downloadFileWithProgress(gctx, modelID, f.Filename, commit, localPath, updateProgress); err != nil {
				return fmt.Errorf("download von %s fehlgeschlagen: %w", f.Filename, err)
			}
			slog.Debug("downloaded file", "model", modelID, "file", f.Filename, "size", f.Size, "cached", fromCache)
			results[i] = DownloadedFile{Filename: f.Filename, LocalPath: localPath, Size: f.Size, FromCache: fromCache}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &HuggingFaceError{Op: "download", ModelID: modelID, Err: err}
	}

	if err := writeRef(modelID, cfg.revision, commit); err != nil {
		return nil, err
	}
	if cfg.progressFn != nil {
		cfg.progressFn(totalSize, totalSize)
	}
	return &ModelDownloadResult{
		ModelID: modelID, Revision: cfg.revision, Commit: commit, CachePath: snapshot,
		Files: results, TotalSize: totalSize, DownloadTime: time.Since(startTime),
	}, nil
}

func (c *Client) downloadFileWithProgress(ctx context.Context, modelID, filename, revision, targetPath string, progressFn func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("verzeichnis erstellen fehlgeschlagen: %w", err)
	}
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, modelID, url.PathEscape(revision), filename)
	var lastErr error
	for attempt := range MaxDownloadRetries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DownloadRetryDelay):
			}
		}
		err := c.doDownload(ctx, u, targetPath, progressFn)
		if err == nil {
			return nil
		}
		// Auth- und 404-Fehler werden nicht wiederholt
		if ctx.Err() != nil || isPermanent(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: nach %d versuchen: %v", ErrDownloadFailed, MaxDownloadRetries, lastErr)
}

func isPermanent(err error) bool {
	for _, target := range []error{ErrModelNotFound, ErrUnauthorized, ErrInvalidModelID} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (c *Client) doDownload(ctx context.Context, u, targetPath string, progressFn func(int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Del("Accept")
	var existingSize int64
	tmpPath := targetPath + ".download"
	if stat, err := os.Stat(tmpPath); err == nil {
		existingSize = stat.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && existingSize > 0 {
		// Server ignoriert Range, von vorne beginnen
		existingSize = 0
		os.Remove(tmpPath)
	} else if err := c.handleResponseError(resp); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if existingSize > 0 {
		flags |= os.O_APPEND
		if progressFn != nil {
			progressFn(existingSize)
		}
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	buf := make([]byte, DefaultChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if progressFn != nil {
				progressFn(int64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, targetPath)
}

// filterDownloadFiles waehlt die Dateien aus. Gibt es Safetensors-Gewichte,
// werden PyTorch-Gewichte uebersprungen.
func filterDownloadFiles(siblings []APISibling, cfg *downloadConfig) []APISibling {
	matches := func(patterns []string, name string) bool {
		return slices.ContainsFunc(patterns, func(pattern string) bool {
			m, _ := path.Match(pattern, name)
			return m
		})
	}

	hasSafetensors := slices.ContainsFunc(siblings, func(s APISibling) bool {
		return strings.HasSuffix(s.Filename, ".safetensors")
	})

	var result []APISibling
	for _, s := range siblings {
		if len(cfg.includePatterns) > 0 && !matches(cfg.includePatterns, s.Filename) {
			continue
		}
		if matches(cfg.excludePatterns, s.Filename) {
			continue
		}
		if hasSafetensors && strings.HasSuffix(s.Filename, ".bin") && strings.HasPrefix(s.Filename, "pytorch_model") {
			continue
		}
		result = append(result, s)
	}
	return result
}
