package huggingface

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtllama/modeldelta/logutil"
)

// fakeHub bildet die verwendeten Hub-Endpunkte nach
type fakeHub struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	repos      map[string]bool
	creates    int
	lfs        map[string][]byte
	parts      map[string]map[int][]byte
	puts       int
	verified   []string
	commits    [][]map[string]json.RawMessage
	multipart  bool
	files      map[string]string
	sha        string
	apiAuth    []string
	uploadAuth []string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:     t,
		repos: make(map[string]bool),
		lfs:   make(map[string][]byte),
		parts: make(map[string]map[int][]byte),
		files: make(map[string]string),
		sha:   "0123456789abcdef",
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) client(opts ...ClientOption) *Client {
	return NewClient(append([]ClientOption{WithBaseURL(h.srv.URL), WithToken("hf_test")}, opts...)...)
}

func sum(bts []byte) string {
	s := sha256.Sum256(bts)
	return hex.EncodeToString(s[:])
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := r.URL.Path
	switch {
	case r.Method == http.MethodPost && p == "/api/repos/create":
		h.apiAuth = append(h.apiAuth, r.Header.Get("Authorization"))
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name, _ := body["name"].(string)
		if org, ok := body["organization"].(string); ok {
			name = org + "/" + name
		}
		h.creates++
		if h.repos[name] {
			http.Error(w, "You already created this model repo", http.StatusConflict)
			return
		}
		h.repos[name] = true
		fmt.Fprintf(w, `{"url": "%s/%s"}`, h.srv.URL, name)

	case r.Method == http.MethodPost && strings.HasSuffix(p, ".git/info/lfs/objects/batch"):
		h.apiAuth = append(h.apiAuth, r.Header.Get("Authorization"))
		if r.Header.Get("Accept") != lfsMediaType {
			http.Error(w, "bad accept", http.StatusNotAcceptable)
			return
		}
		var req lfsBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var objects []map[string]any
		for _, obj := range req.Objects {
			o := map[string]any{"oid": obj.OID, "size": obj.Size}
			if _, ok := h.lfs[obj.OID]; !ok {
				upload := map[string]any{"href": h.srv.URL + "/upload/" + obj.OID}
				if h.multipart {
					header := map[string]string{"chunk_size": "4"}
					for i := range int((obj.Size + 3) / 4) {
						header[fmt.Sprintf("%05d", i+1)] = fmt.Sprintf("%s/part/%s/%d", h.srv.URL, obj.OID, i+1)
					}
					upload = map[string]any{"href": h.srv.URL + "/complete/" + obj.OID, "header": header}
				}
				o["actions"] = map[string]any{
					"upload": upload,
					"verify": map[string]any{"href": h.srv.URL + "/verify", "header": map[string]string{"X-Verify": "1"}},
				}
			}
			objects = append(objects, o)
		}
		w.Header().Set("Content-Type", lfsMediaType)
		json.NewEncoder(w).Encode(map[string]any{"transfer": "basic", "objects": objects})

	case r.Method == http.MethodPut && strings.HasPrefix(p, "/upload/"):
		h.uploadAuth = append(h.uploadAuth, r.Header.Get("Authorization"))
		h.puts++
		oid := strings.TrimPrefix(p, "/upload/")
		bts, _ := io.ReadAll(r.Body)
		if sum(bts) != oid {
			http.Error(w, "checksum mismatch", http.StatusBadRequest)
			return
		}
		h.lfs[oid] = bts

	case r.Method == http.MethodPut && strings.HasPrefix(p, "/part/"):
		h.puts++
		var oid string
		var n int
		fmt.Sscanf(strings.ReplaceAll(strings.TrimPrefix(p, "/part/"), "/", " "), "%s %d", &oid, &n)
		bts, _ := io.ReadAll(r.Body)
		if h.parts[oid] == nil {
			h.parts[oid] = make(map[int][]byte)
		}
		h.parts[oid][n] = bts
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))

	case r.Method == http.MethodPost && strings.HasPrefix(p, "/complete/"):
		oid := strings.TrimPrefix(p, "/complete/")
		var body struct {
			Parts []struct {
				PartNumber int    `json:"partNumber"`
				ETag       string `json:"etag"`
			} `json:"parts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var bts []byte
		for _, part := range body.Parts {
			if part.ETag != fmt.Sprintf(`"etag-%d"`, part.PartNumber) {
				http.Error(w, "bad etag", http.StatusBadRequest)
				return
			}
			bts = append(bts, h.parts[oid][part.PartNumber]...)
		}
		if sum(bts) != oid {
			http.Error(w, "checksum mismatch", http.StatusBadRequest)
			return
		}
		h.lfs[oid] = bts

	case r.Method == http.MethodPost && p == "/verify":
		var obj lfsObject
		json.NewDecoder(r.Body).Decode(&obj)
		if r.Header.Get("X-Verify") != "1" || len(h.lfs[obj.OID]) != int(obj.Size) {
			http.Error(w, "verify failed", http.StatusNotFound)
			return
		}
		h.verified = append(h.verified, obj.OID)

	case r.Method == http.MethodPost && strings.HasPrefix(p, "/api/models/") && strings.Contains(p, "/commit/"):
		h.apiAuth = append(h.apiAuth, r.Header.Get("Authorization"))
		var lines []map[string]json.RawMessage
		s := bufio.NewScanner(r.Body)
		s.Buffer(make([]byte, 0, 1<<16), 1<<24)
		for s.Scan() {
			var line map[string]json.RawMessage
			if err := json.Unmarshal(s.Bytes(), &line); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			lines = append(lines, line)
		}
		h.commits = append(h.commits, lines)
		fmt.Fprintf(w, `{"commitUrl": "%s/commit/%d", "commitOid": "c%d"}`, h.srv.URL, len(h.commits), len(h.commits))

	case r.Method == http.MethodGet && strings.HasPrefix(p, "/api/models/"):
		var siblings []map[string]any
		for _, name := range slices.Sorted(maps.Keys(h.files)) {
			siblings = append(siblings, map[string]any{"rfilename": name, "size": len(h.files[name])})
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "org/model", "sha": h.sha, "siblings": siblings})

	case r.Method == http.MethodGet && strings.Contains(p, "/resolve/"):
		_, rest, _ := strings.Cut(p, "/resolve/")
		_, name, _ := strings.Cut(rest, "/")
		content, ok := h.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content)

	default:
		http.NotFound(w, r)
	}
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

// commitEntries gibt die NDJSON-Zeilen eines Commits als key -> path -> value zurueck
func commitEntries(t *testing.T, lines []map[string]json.RawMessage) map[string]map[string]map[string]any {
	t.Helper()
	out := make(map[string]map[string]map[string]any)
	for _, line := range lines {
		var key string
		require.NoError(t, json.Unmarshal(line["key"], &key))
		var value map[string]any
		require.NoError(t, json.Unmarshal(line["value"], &value))
		path, _ := value["path"].(string)
		if out[key] == nil {
			out[key] = make(map[string]map[string]any)
		}
		out[key][path] = value
	}
	return out
}

func TestUploadFolder(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newFakeHub(t)
	dir := writeFiles(t, map[string]string{
		"config.json":        `{"architectures": ["LlamaForCausalLM"]}`,
		"model.safetensors":  "weights",
		"tokenizer.json":     `{"model": {}}`,
		".cache/ignored.txt": "x",
		".hidden":            "x",
	})

	var progress []int64
	var mu sync.Mutex
	info, err := h.client().UploadFolder(context.Background(), UploadOptions{
		RepoID:        "me/delta",
		Dir:           dir,
		CommitMessage: "add delta",
		Private:       true,
		Progress: func(completed, total int64) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, completed)
			assert.Equal(t, int64(7), total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", info.CommitOID)
	assert.Equal(t, h.srv.URL+"/commit/1", info.CommitURL)

	assert.True(t, h.repos["me/delta"])
	assert.Equal(t, []byte("weights"), h.lfs[sum([]byte("weights"))])
	assert.Equal(t, []string{sum([]byte("weights"))}, h.verified)
	assert.Equal(t, int64(7), progress[len(progress)-1])

	for _, auth := range h.apiAuth {
		assert.Equal(t, "Bearer hf_test", auth)
	}
	for _, auth := range h.uploadAuth {
		assert.Empty(t, auth, "presigned uploads must not carry the token")
	}

	require.Len(t, h.commits, 1)
	entries := commitEntries(t, h.commits[0])
	assert.Equal(t, "add delta", entries["header"][""]["summary"])

	require.Len(t, entries["file"], 2)
	content, err := base64.StdEncoding.DecodeString(entries["file"]["config.json"]["content"].(string))
	require.NoError(t, err)
	assert.JSONEq(t, `{"architectures": ["LlamaForCausalLM"]}`, string(content))
	assert.Contains(t, entries["file"], "tokenizer.json")

	require.Len(t, entries["lfsFile"], 1)
	lfsFile := entries["lfsFile"]["model.safetensors"]
	assert.Equal(t, sum([]byte("weights")), lfsFile["oid"])
	assert.Equal(t, "sha256", lfsFile["algo"])
	assert.InDelta(t, 7, lfsFile["size"], 0)
}

func TestUploadFolderExisting(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newFakeHub(t)
	dir := writeFiles(t, map[string]string{"model.safetensors": "weights", "config.json": "{}"})

	c := h.client()
	opts := UploadOptions{RepoID: "me/delta", Dir: dir}
	_, err := c.UploadFolder(context.Background(), opts)
	require.NoError(t, err)

	// zweiter Upload: Repository und LFS-Objekt existieren bereits
	_, err = c.UploadFolder(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 2, h.creates)
	assert.Equal(t, 1, h.puts)
	assert.Len(t, h.commits, 2)
}

func TestUploadFolderFiles(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newFakeHub(t)
	dir := writeFiles(t, map[string]string{"model.safetensors": "weights", "tokenizer.json": "{}"})

	_, err := h.client().UploadFolder(context.Background(), UploadOptions{
		RepoID: "me/delta",
		Dir:    dir,
		Files:  []string{"tokenizer.json"},
	})
	require.NoError(t, err)

	require.Len(t, h.commits, 1)
	entries := commitEntries(t, h.commits[0])
	assert.Len(t, entries["file"], 1)
	assert.Empty(t, entries["lfsFile"])
	assert.Zero(t, h.puts)
}

func TestUploadFolderMultipart(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newFakeHub(t)
	h.multipart = true
	dir := writeFiles(t, map[string]string{"model.safetensors": "weights"})

	_, err := h.client().UploadFolder(context.Background(), UploadOptions{RepoID: "me/delta", Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, 2, h.puts)
	assert.Equal(t, []byte("weights"), h.lfs[sum([]byte("weights"))])
}

func TestUploadFolderErrors(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newFakeHub(t)
	dir := writeFiles(t, map[string]string{"config.json": "{}"})

	c := NewClient(WithBaseURL(h.srv.URL))
	_, err := c.UploadFolder(context.Background(), UploadOptions{RepoID: "me/delta", Dir: dir})
	require.ErrorIs(t, err, ErrUnauthorized)

	var hfErr *HuggingFaceError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, "upload", hfErr.Op)
	assert.Equal(t, "me/delta", hfErr.ModelID)
	assert.Zero(t, h.creates)

	_, err = h.client().UploadFolder(context.Background(), UploadOptions{RepoID: "me/delta/x", Dir: dir})
	require.ErrorIs(t, err, ErrInvalidModelID)

	_, err = h.client().UploadFolder(context.Background(), UploadOptions{RepoID: "me/empty", Dir: t.TempDir()})
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestResolveModelPath(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	t.Setenv("HF_HUB_OFFLINE", "")
	t.Setenv("HF_HUB_CACHE", t.TempDir())

	h := newFakeHub(t)
	h.files = map[string]string{
		"config.json":       "{}",
		"model.safetensors": "abc",
		"pytorch_model.bin": "zzz",
		"README.md":         "# model",
		"tokenizer.model":   "spm",
	}

	c := h.client()
	ctx := context.Background()

	local := t.TempDir()
	dir, err := c.ResolveModelPath(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, local, dir)

	var downloaded []int64
	dir, err = c.ResolveModelPath(ctx, "org/model", WithDownloadProgress(func(done, total int64) {
		downloaded = append(downloaded, done)
		assert.Equal(t, int64(8), total)
	}))
	require.NoError(t, err)
	assert.Equal(t, snapshotDir("org/model", h.sha), dir)
	assert.Equal(t, int64(8), downloaded[len(downloaded)-1])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"config.json", "model.safetensors", "tokenizer.model"}, names)

	bts, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(bts))

	// offline aus dem Cache
	h.srv.Close()
	t.Setenv("HF_HUB_OFFLINE", "1")
	cached, err := c.ResolveModelPath(ctx, "org/model")
	require.NoError(t, err)
	assert.Equal(t, dir, cached)

	_, err = c.ResolveModelPath(ctx, "org/other")
	require.ErrorIs(t, err, ErrModelNotInCache)

	_, err = c.ResolveModelPath(ctx, "./does/not/exist")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolveModelPathNotFound(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	t.Setenv("HF_HUB_OFFLINE", "")
	t.Setenv("HF_HUB_CACHE", t.TempDir())

	h := newFakeHub(t)
	h.files = map[string]string{"README.md": "# model"}

	_, err := h.client().ResolveModelPath(context.Background(), "org/model")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestRequestTrace(t *testing.T) {
	h := newFakeHub(t)

	var b bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(logutil.NewLogger(&b, logutil.LevelTrace))

	_, err := h.client().ModelInfo(context.Background(), "org/model", "")
	require.NoError(t, err)

	out := b.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, `msg="hub request"`)
	assert.Contains(t, out, "/api/models/org/model/revision/main")
	assert.Contains(t, out, "source=client.go:")
	assert.NotContains(t, out, "hf_test")
}

func TestValidateModelID(t *testing.T) {
	for id, valid := range map[string]bool{
		"meta-llama/Llama-2-7b-hf": true,
		"gpt2":                     true,
		"lmsys/vicuna-7b-v1.5":     true,
		"":                         false,
		"a/b/c":                    false,
		"/model":                   false,
		"org/":                     false,
		"../etc":                   false,
		"org/mo del":               false,
	} {
		err := validateModelID(id)
		if valid {
			assert.NoError(t, err, id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidModelID, id)
		}
	}
}
