// lfs.go - Git-LFS Batch-API: Upload grosser Dateien vor dem Commit
// Unterstuetzt basic-Uploads und Multipart-Uploads (chunk_size im Action-Header).
package huggingface

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const lfsMediaType = "application/vnd.git-lfs+json"

type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchObject struct {
	lfsObject
	Actions map[string]lfsAction `json:"actions"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
	Ref       struct {
		Name string `json:"name"`
	} `json:"ref"`
}

// uploadLFS laedt alle LFS-Dateien hoch, die der Server noch nicht kennt
func (c *Client) uploadLFS(ctx context.Context, opts UploadOptions, files []uploadFile) error {
	byOID := make(map[string]uploadFile)
	var objects []lfsObject
	for _, f := range files {
		if !f.lfs {
			continue
		}
		if _, ok := byOID[f.oid]; !ok {
			objects = append(objects, lfsObject{OID: f.oid, Size: f.size})
		}
		byOID[f.oid] = f
	}

	if len(objects) == 0 {
		return nil
	}

	batch, err := c.lfsBatch(ctx, opts.RepoID, cmp.Or(opts.Revision, DefaultRevision), objects)
	if err != nil {
		return err
	}

	var todo []lfsBatchObject
	var total int64
	for _, obj := range batch {
		if obj.Error != nil {
			return fmt.Errorf("%w: %s: %d %s", ErrUploadFailed, byOID[obj.OID].path, obj.Error.Code, obj.Error.Message)
		}
		if _, ok := obj.Actions["upload"]; !ok {
			slog.Debug("lfs object exists", "file", byOID[obj.OID].path)
			continue
		}
		todo = append(todo, obj)
		total += obj.Size
	}

	tracker := &progressTracker{total: total, fn: opts.Progress}
	sem := semaphore.NewWeighted(uploadConcurrency(opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, obj := range todo {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			f := byOID[obj.OID]
			slog.Debug("uploading lfs object", "file", f.path, "size", f.size)
			if err := c.uploadObject(gctx, obj, f.local, tracker); err != nil {
				return fmt.Errorf("%s: %w", f.path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// lfsBatch fragt Upload-Aktionen fuer die Objekte an
func (c *Client) lfsBatch(ctx context.Context, repoID, revision string, objects []lfsObject) ([]lfsBatchObject, error) {
	body := lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic", "multipart"},
		Objects:   objects,
		HashAlgo:  "sha256",
	}
	body.Ref.Name = "refs/heads/" + revision

	bts, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(bts))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", lfsMediaType)
	req.Header.Set("Content-Type", lfsMediaType)
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if err := c.handleResponseError(resp); err != nil {
		return nil, err
	}

	var out struct {
		Objects []lfsBatchObject `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return out.Objects, nil
}

// uploadObject laedt ein Objekt mit Retry-Logik hoch und verifiziert es
func (c *Client) uploadObject(ctx context.Context, obj lfsBatchObject, local string, tracker *progressTracker) error {
	var lastErr error
	for attempt := range maxUploadRetries {
		if attempt > 0 {
			if err := backoff(ctx, attempt, 30*time.Second); err != nil {
				return err
			}
		}

		n, err := c.uploadObjectOnce(ctx, obj, local, tracker)
		if err == nil {
			return c.verifyObject(ctx, obj)
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		tracker.add(-n)
		lastErr = err
		slog.Debug("lfs upload failed", "oid", obj.OID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %v", errMaxRetriesExceeded, lastErr)
}

func (c *Client) uploadObjectOnce(ctx context.Context, obj lfsBatchObject, local string, tracker *progressTracker) (int64, error) {
	action := obj.Actions["upload"]
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if chunk, ok := action.Header["chunk_size"]; ok {
		return c.uploadMultipart(ctx, obj, action, chunk, f, tracker)
	}

	pr := &progressReader{reader: f, tracker: tracker}
	err = c.put(ctx, action.Href, action.Header, pr, obj.Size, nil)
	return pr.n, err
}

// put sendet einen Teil oder die ganze Datei an eine vorsignierte URL
func (c *Client) put(ctx context.Context, href string, header map[string]string, body io.Reader, size int64, etag *string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	for k, v := range header {
		if k != "chunk_size" {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, body)
	}

	if etag != nil {
		*etag = resp.Header.Get("ETag")
	}
	return nil
}

// uploadMultipart laedt die Teile nacheinander hoch und schliesst den Upload ab.
// Die Teil-URLs stehen im Action-Header unter den Schluesseln "00001", "00002", ...
func (c *Client) uploadMultipart(ctx context.Context, obj lfsBatchObject, action lfsAction, chunk string, f *os.File, tracker *progressTracker) (int64, error) {
	chunkSize, err := strconv.ParseInt(chunk, 10, 64)
	if err != nil || chunkSize <= 0 {
		return 0, fmt.Errorf("%w: chunk_size %q", ErrInvalidResponse, chunk)
	}

	type part struct {
		number int
		href   string
	}
	var parts []part
	for k, v := range action.Header {
		if n, err := strconv.Atoi(k); err == nil {
			parts = append(parts, part{n, v})
		}
	}
	slices.SortFunc(parts, func(a, b part) int { return cmp.Compare(a.number, b.number) })

	type completedPart struct {
		PartNumber int    `json:"partNumber"`
		ETag       string `json:"etag"`
	}
	completed := make([]completedPart, len(parts))

	var sent int64
	for i, p := range parts {
		offset := int64(i) * chunkSize
		size := min(chunkSize, obj.Size-offset)
		if size <= 0 {
			return sent, fmt.Errorf("%w: %d parts for %d bytes", ErrInvalidResponse, len(parts), obj.Size)
		}

		pr := &progressReader{reader: io.NewSectionReader(f, offset, size), tracker: tracker}
		var etag string
		err := c.put(ctx, p.href, nil, pr, size, &etag)
		sent += pr.n
		if err != nil {
			return sent, err
		}
		completed[i] = completedPart{PartNumber: p.number, ETag: etag}
	}

	bts, err := json.Marshal(map[string]any{"oid": obj.OID, "parts": completed})
	if err != nil {
		return sent, err
	}

	return sent, c.postLFS(ctx, action, bts)
}

// verifyObject ruft die optionale verify-Aktion auf
func (c *Client) verifyObject(ctx context.Context, obj lfsBatchObject) error {
	action, ok := obj.Actions["verify"]
	if !ok {
		return nil
	}

	bts, err := json.Marshal(obj.lfsObject)
	if err != nil {
		return err
	}
	return c.postLFS(ctx, action, bts)
}

func (c *Client) postLFS(ctx context.Context, action lfsAction, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.Href, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", lfsMediaType)
	req.Header.Set("Content-Type", lfsMediaType)
	c.setHeaders(req)
	for k, v := range action.Header {
		if k != "chunk_size" {
			if _, err := strconv.Atoi(k); err != nil {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	return c.handleResponseError(resp)
}
