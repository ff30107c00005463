// upload.go - Hochladen eines Verzeichnisses in ein Hub-Repository
//
// Ablauf:
// - CreateRepo: Repository anlegen (existierende Repositories sind ok)
// - LFS-Batch: grosse Dateien und Gewichte parallel ueber Git-LFS hochladen
// - Commit: alle Dateien als NDJSON-Commit auf die Revision schreiben
package huggingface

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtllama/modeldelta/envconfig"
)

const (
	// Dateien ab dieser Groesse werden ueber LFS hochgeladen
	lfsThreshold = 10 << 20

	maxUploadRetries = 4
)

var errMaxRetriesExceeded = errors.New("max retries exceeded")

// Endungen, die unabhaengig von der Groesse ueber LFS gehen
var lfsSuffixes = []string{".safetensors", ".bin", ".model", ".pt", ".pth", ".gguf"}

// UploadOptions konfiguriert UploadFolder
type UploadOptions struct {
	RepoID string
	Dir    string

	// Files sind Pfade relativ zu Dir; leer bedeutet alle regulaeren Dateien
	Files []string

	Revision      string
	CommitMessage string
	Private       bool
	Concurrency   int
	Progress      func(completed, total int64)
}

// CommitInfo ist die Antwort des Commit-Endpunkts
type CommitInfo struct {
	CommitURL string `json:"commitUrl"`
	CommitOID string `json:"commitOid"`
}

// uploadFile ist eine Datei des Commits
type uploadFile struct {
	path  string // Pfad im Repository
	local string
	size  int64
	oid   string // sha256, nur fuer LFS
	lfs   bool
}

// CreateRepo legt ein Modell-Repository an. Ein bereits existierendes Repository ist kein Fehler.
func (c *Client) CreateRepo(ctx context.Context, repoID string, private bool) error {
	if err := validateModelID(repoID); err != nil {
		return err
	}
	if !c.HasToken() {
		return fmt.Errorf("%w: kein token", ErrUnauthorized)
	}

	body := map[string]any{"type": "model", "private": private}
	org, name, ok := strings.Cut(repoID, "/")
	if ok {
		body["organization"], body["name"] = org, name
	} else {
		body["name"] = repoID
	}

	bts, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/repos/create", bytes.NewReader(bts))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		slog.Debug("repository exists", "repo", repoID)
		return nil
	}
	return c.handleResponseError(resp)
}

// UploadFolder legt das Repository an und committet die Dateien aus opts.Dir
func (c *Client) UploadFolder(ctx context.Context, opts UploadOptions) (*CommitInfo, error) {
	wrap := func(err error) error {
		return &HuggingFaceError{Op: "upload", ModelID: opts.RepoID, Err: err}
	}

	if err := c.CreateRepo(ctx, opts.RepoID, opts.Private); err != nil {
		return nil, wrap(err)
	}

	files, err := collectUploadFiles(opts.Dir, opts.Files)
	if err != nil {
		return nil, wrap(err)
	}
	if len(files) == 0 {
		return nil, wrap(fmt.Errorf("%w: keine dateien in %s", ErrFileNotFound, opts.Dir))
	}

	if err := c.uploadLFS(ctx, opts, files); err != nil {
		return nil, wrap(err)
	}

	info, err := c.commit(ctx, opts, files)
	if err != nil {
		return nil, wrap(err)
	}

	slog.Debug("committed files", "repo", opts.RepoID, "files", len(files), "commit", info.CommitOID)
	return info, nil
}

// collectUploadFiles ermittelt Groesse, LFS-Einordnung und sha256 der Dateien
func collectUploadFiles(dir string, names []string) ([]uploadFile, error) {
	if len(names) == 0 {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && strings.HasPrefix(d.Name(), ".") && p != dir {
				return filepath.SkipDir
			}
			if d.Type().IsRegular() && !strings.HasPrefix(d.Name(), ".") {
				rel, err := filepath.Rel(dir, p)
				if err != nil {
					return err
				}
				names = append(names, filepath.ToSlash(rel))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(names)

	files := make([]uploadFile, 0, len(names))
	for _, name := range names {
		local := filepath.Join(dir, filepath.FromSlash(name))
		stat, err := os.Stat(local)
		if err != nil {
			return nil, err
		}

		f := uploadFile{path: name, local: local, size: stat.Size()}
		f.lfs = f.size >= lfsThreshold || slices.ContainsFunc(lfsSuffixes, func(s string) bool {
			return strings.HasSuffix(name, s)
		})
		if f.lfs {
			if f.oid, err = sha256File(local); err != nil {
				return nil, err
			}
		}
		files = append(files, f)
	}

	return files, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// commit schreibt den NDJSON-Commit: Header, kleine Dateien base64, LFS-Zeiger
func (c *Client) commit(ctx context.Context, opts UploadOptions, files []uploadFile) (*CommitInfo, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)

	type line struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}

	message := cmp.Or(opts.CommitMessage, "Upload folder using make-delta")
	if err := enc.Encode(line{"header", map[string]string{"summary": message, "description": ""}}); err != nil {
		return nil, err
	}

	for _, f := range files {
		if f.lfs {
			if err := enc.Encode(line{"lfsFile", map[string]any{"path": f.path, "algo": "sha256", "oid": f.oid, "size": f.size}}); err != nil {
				return nil, err
			}
			continue
		}

		bts, err := os.ReadFile(f.local)
		if err != nil {
			return nil, err
		}
		content := base64.StdEncoding.EncodeToString(bts)
		if err := enc.Encode(line{"file", map[string]string{"content": content, "path": f.path, "encoding": "base64"}}); err != nil {
			return nil, err
		}
	}

	revision := cmp.Or(opts.Revision, DefaultRevision)
	u := fmt.Sprintf("%s/models/%s/commit/%s", c.apiURL, opts.RepoID, url.PathEscape(revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &b)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if err := c.handleResponseError(resp); err != nil {
		return nil, err
	}

	var info CommitInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &info, nil
}

// progressTracker summiert hochgeladene Bytes ueber alle Goroutinen
type progressTracker struct {
	n     atomic.Int64
	total int64
	fn    func(completed, total int64)
}

func (p *progressTracker) add(n int64) {
	if p == nil {
		return
	}
	v := p.n.Add(n)
	if p.fn != nil {
		p.fn(v, p.total)
	}
}

// progressReader ist ein io.Reader Wrapper der den Fortschritt trackt
type progressReader struct {
	reader  io.Reader
	tracker *progressTracker
	n       int64
}

// Read implementiert io.Reader mit Fortschrittstracking
func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.n += int64(n)
		r.tracker.add(int64(n))
	}
	return n, err
}

// backoff wartet quadratisch wachsend mit Jitter, hoechstens maxBackoff
func backoff(ctx context.Context, attempt int, maxBackoff time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d := min(time.Duration(attempt*attempt)*100*time.Millisecond, maxBackoff)
	d = time.Duration(float64(d) * (rand.Float64() + 0.5))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// uploadConcurrency liefert die Parallelitaet fuer LFS-Uploads
func uploadConcurrency(n int) int64 {
	return int64(max(cmp.Or(n, int(envconfig.UploadConcurrency())), 1))
}
