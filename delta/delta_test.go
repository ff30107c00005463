package delta

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/fs/safetensors"
	"github.com/mtllama/modeldelta/huggingface"
)

type tensor struct {
	name   string
	shape  []int64
	values []float32
}

// writeModel legt einen Checkpoint mit F32-Gewichten und einem BPE-Tokenizer an.
// added sind hinzugefuegte Token, die nach dem Basisvokabular nummeriert werden.
func writeModel(t *testing.T, tensors []tensor, vocab, added []string) string {
	t.Helper()
	dir := t.TempDir()

	ts := make([]safetensors.Tensor, len(tensors))
	for i, tt := range tensors {
		data := make([]byte, 4*len(tt.values))
		for j, v := range tt.values {
			binary.LittleEndian.PutUint32(data[4*j:], math.Float32bits(v))
		}
		ts[i] = safetensors.Tensor{Name: tt.name, DType: "F32", Shape: tt.shape, Data: data}
	}
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), ts, map[string]string{"format": "pt"}))

	config := fmt.Sprintf(`{"architectures": ["LlamaForCausalLM"], "vocab_size": %d, "torch_dtype": "float32"}`, len(vocab)+len(added))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))

	ids := make(map[string]int, len(vocab))
	for i, v := range vocab {
		ids[v] = i
	}

	addedTokens := make([]map[string]any, len(added))
	for i, content := range added {
		addedTokens[i] = map[string]any{
			"id": len(vocab) + i, "content": content, "single_word": false,
			"lstrip": false, "rstrip": false, "normalized": false, "special": true,
		}
	}

	tok, err := json.MarshalIndent(map[string]any{
		"version":      "1.0",
		"added_tokens": addedTokens,
		"model":        map[string]any{"type": "BPE", "vocab": ids, "merges": []string{}},
	}, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), tok, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(`{"bos_token": "<s>", "eos_token": "</s>"}`), 0o644))

	return dir
}

// readTensors laedt alle Tensoren aus dir als float32
func readTensors(t *testing.T, dir string) map[string][]float32 {
	t.Helper()
	c, err := checkpoint.Load(context.Background(), dir)
	require.NoError(t, err)

	out := make(map[string][]float32, c.Len())
	for _, name := range c.Names() {
		tt, _ := c.Tensor(name)
		fs, err := tt.Floats()
		require.NoError(t, err)
		out[name] = fs
	}
	return out
}

var vocab = []string{"<s>", "</s>", "a"}

func baseModel(t *testing.T) string {
	return writeModel(t, []tensor{
		{"model.embed_tokens.weight", []int64{3, 2}, []float32{1, 2, 3, 4, 5, 6}},
		{"lm_head.weight", []int64{3, 2}, []float32{6, 5, 4, 3, 2, 1}},
		{"A", []int64{2}, []float32{1, 2}},
		{"B", []int64{2}, []float32{3, 4}},
	}, vocab, nil)
}

func targetModel(t *testing.T, extra ...tensor) string {
	return writeModel(t, append([]tensor{
		{"model.embed_tokens.weight", []int64{4, 2}, []float32{1, 2, 3, 5, 5, 6, 7, 8}},
		{"lm_head.weight", []int64{4, 2}, []float32{6, 5, 4, 3, 2, 2, 9, 9}},
		{"A", []int64{2}, []float32{1, 1}},
		{"B", []int64{2}, []float32{5, 5}},
	}, extra...), vocab, []string{"[PAD]"})
}

func TestMake(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	ctx := context.Background()
	base, target := baseModel(t), targetModel(t)
	out := filepath.Join(t.TempDir(), "delta")

	var statuses []string
	result, err := Make(ctx, Options{
		BasePath:   base,
		TargetPath: target,
		DeltaPath:  out,
		Progress: func(p ProgressResponse) {
			if len(statuses) == 0 || statuses[len(statuses)-1] != p.Status {
				statuses = append(statuses, p.Status)
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.NumNewTokens)
	assert.Equal(t, 4, result.Tensors)
	assert.Equal(t, int64(20), result.Params)
	assert.Empty(t, result.Commits)
	assert.Contains(t, statuses, "calculating delta")

	want := map[string][]float32{
		"A":                         {0, -1},
		"B":                         {2, 1},
		"model.embed_tokens.weight": {0, 0, 0, 1, 0, 0, 7, 8},
		"lm_head.weight":            {0, 0, 0, 0, 0, 1, 9, 9},
	}
	if diff := cmp.Diff(want, readTensors(t, out)); diff != "" {
		t.Errorf("delta mismatch (-want +got):\n%s", diff)
	}

	sf, err := safetensors.Open(filepath.Join(out, "model.safetensors"))
	require.NoError(t, err)
	defer sf.Close()
	for _, name := range sf.Names() {
		info, _ := sf.Info(name)
		assert.Equal(t, "F16", info.DType, name)
	}
	assert.Equal(t, map[string]string{"format": "pt"}, sf.Metadata())

	// Der Ziel-Tokenizer wird unveraendert uebernommen
	src, err := os.ReadFile(filepath.Join(target, "tokenizer.json"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(out, "tokenizer.json"))
	require.NoError(t, err)
	assert.Equal(t, string(src), string(got))

	var config map[string]any
	bts, err := os.ReadFile(filepath.Join(out, "config.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bts, &config))
	assert.Equal(t, "float16", config["torch_dtype"])
	assert.EqualValues(t, 4, config["vocab_size"])

	for _, name := range result.Files {
		assert.FileExists(t, filepath.Join(out, name))
	}
}

func TestMakeExistingPadToken(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	padded := append(vocab[:len(vocab):len(vocab)], "[PAD]")
	base := writeModel(t, []tensor{
		{"model.embed_tokens.weight", []int64{4, 1}, []float32{1, 2, 3, 4}},
	}, padded, nil)
	target := writeModel(t, []tensor{
		{"model.embed_tokens.weight", []int64{4, 1}, []float32{1, 2, 3, 6}},
	}, padded, nil)

	out := t.TempDir()
	result, err := Make(context.Background(), Options{BasePath: base, TargetPath: target, DeltaPath: out})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NumNewTokens)

	// Ohne neue Token bleibt die letzte Zeile der Basis erhalten
	if diff := cmp.Diff(map[string][]float32{"model.embed_tokens.weight": {0, 0, 0, 2}}, readTensors(t, out)); diff != "" {
		t.Errorf("delta mismatch (-want +got):\n%s", diff)
	}
}

func TestMakeAbort(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	cases := []struct {
		name   string
		target func(t *testing.T) string
		err    error
		msg    string
	}{
		{
			name: "missing tensor",
			target: func(t *testing.T) string {
				return targetModel(t, tensor{"C", []int64{1}, []float32{1}})
			},
			err: ErrMissingTensor,
			msg: "C",
		},
		{
			name: "missing tensor with hint",
			target: func(t *testing.T) string {
				return targetModel(t, tensor{"model.embed_tokens.weigth", []int64{1}, []float32{1}})
			},
			err: ErrMissingTensor,
			msg: `did you mean "model.embed_tokens.weight"?`,
		},
		{
			name: "shape mismatch",
			target: func(t *testing.T) string {
				return writeModel(t, []tensor{
					{"model.embed_tokens.weight", []int64{4, 2}, make([]float32, 8)},
					{"A", []int64{3}, []float32{1, 2, 3}},
				}, vocab, []string{"[PAD]"})
			},
			err: ErrShapeMismatch,
			msg: "A",
		},
		{
			name: "vocabulary mismatch",
			target: func(t *testing.T) string {
				return writeModel(t, []tensor{
					{"model.embed_tokens.weight", []int64{5, 2}, make([]float32, 10)},
				}, vocab, []string{"[PAD]", "<extra>"})
			},
			err: ErrShapeMismatch,
			msg: "model.embed_tokens.weight",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "delta")
			_, err := Make(context.Background(), Options{BasePath: baseModel(t), TargetPath: tt.target(t), DeltaPath: out})
			require.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.NoDirExists(t, out)
		})
	}
}

func TestMakeNegativeShape(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	base := baseModel(t)

	hdr := `{"model.embed_tokens.weight":{"dtype":"F32","shape":[-2,-2],"data_offsets":[0,16]}}`
	data := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	data = append(data, hdr...)
	data = append(data, make([]byte, 16)...)
	require.NoError(t, os.WriteFile(filepath.Join(base, "model.safetensors"), data, 0o644))

	out := filepath.Join(t.TempDir(), "delta")
	_, err := Make(context.Background(), Options{BasePath: base, TargetPath: targetModel(t), DeltaPath: out})
	require.ErrorIs(t, err, safetensors.ErrInvalidShape)
	assert.NoDirExists(t, out)
}

func TestMakeDeterministic(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	base, target := baseModel(t), targetModel(t)
	a, b := t.TempDir(), t.TempDir()

	for _, dir := range []string{a, b} {
		_, err := Make(context.Background(), Options{BasePath: base, TargetPath: target, DeltaPath: dir, MaxShardSize: 32})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(a)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		want, err := os.ReadFile(filepath.Join(a, e.Name()))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(b, e.Name()))
		require.NoError(t, err)
		assert.Equal(t, want, got, e.Name())
	}
	assert.FileExists(t, filepath.Join(a, "model.safetensors.index.json"))
}

func TestMakeCanceled(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(t.TempDir(), "delta")
	_, err := Make(ctx, Options{BasePath: baseModel(t), TargetPath: targetModel(t), DeltaPath: out})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, out)
}

func TestApply(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	ctx := context.Background()
	base, target := baseModel(t), targetModel(t)
	deltaDir := t.TempDir()

	_, err := Make(ctx, Options{BasePath: base, TargetPath: target, DeltaPath: deltaDir})
	require.NoError(t, err)

	out := t.TempDir()
	result, err := Apply(ctx, ApplyOptions{BasePath: base, DeltaPath: deltaDir, TargetPath: out})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Tensors)

	if diff := cmp.Diff(readTensors(t, target), readTensors(t, out)); diff != "" {
		t.Errorf("reconstructed model mismatch (-want +got):\n%s", diff)
	}

	src, err := os.ReadFile(filepath.Join(target, "tokenizer.json"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(out, "tokenizer.json"))
	require.NoError(t, err)
	assert.Equal(t, string(src), string(got))
}

func TestSuggest(t *testing.T) {
	names := []string{"model.norm.weight", "lm_head.weight"}
	assert.Equal(t, ` (did you mean "model.norm.weight"?)`, suggest("model.norm.weights", names))
	assert.Empty(t, suggest("C", names))
	assert.Empty(t, suggest("model.layers.0.mlp.up_proj.weight", names))
}

// hub nimmt Commits entgegen und merkt sich die Pfade je Commit
type hub struct {
	mu      sync.Mutex
	srv     *httptest.Server
	commits [][]string
	lfs     map[string]bool
	auth    []string
}

func newHub(t *testing.T) *hub {
	h := &hub{lfs: make(map[string]bool)}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()

		switch p := r.URL.Path; {
		case p == "/api/repos/create":
			h.auth = append(h.auth, r.Header.Get("Authorization"))
			if len(h.commits) > 0 {
				w.WriteHeader(http.StatusConflict)
			}
		case strings.HasSuffix(p, "/info/lfs/objects/batch"):
			var req struct {
				Objects []struct {
					OID  string `json:"oid"`
					Size int64  `json:"size"`
				} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			objects := make([]map[string]any, len(req.Objects))
			for i, obj := range req.Objects {
				objects[i] = map[string]any{
					"oid": obj.OID, "size": obj.Size,
					"actions": map[string]any{"upload": map[string]any{"href": h.srv.URL + "/upload/" + obj.OID}},
				}
			}
			w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
			json.NewEncoder(w).Encode(map[string]any{"objects": objects})
		case r.Method == http.MethodPut && strings.HasPrefix(p, "/upload/"):
			io.Copy(io.Discard, r.Body)
			h.lfs[strings.TrimPrefix(p, "/upload/")] = true
		case strings.Contains(p, "/commit/"):
			h.auth = append(h.auth, r.Header.Get("Authorization"))
			var paths []string
			s := bufio.NewScanner(r.Body)
			s.Buffer(make([]byte, 0, 1<<16), 1<<24)
			for s.Scan() {
				var line struct {
					Key   string `json:"key"`
					Value struct {
						Path string `json:"path"`
					} `json:"value"`
				}
				require.NoError(t, json.Unmarshal(s.Bytes(), &line))
				if line.Key != "header" {
					paths = append(paths, line.Value.Path)
				}
			}
			h.commits = append(h.commits, paths)
			fmt.Fprintf(w, `{"commitUrl": "%s/commit/%d", "commitOid": "c%d"}`, h.srv.URL, len(h.commits), len(h.commits))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func TestMakePush(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newHub(t)

	result, err := Make(context.Background(), Options{
		BasePath:   baseModel(t),
		TargetPath: targetModel(t),
		DeltaPath:  t.TempDir(),
		HubRepoID:  "org/model-delta",
		UserKey:    "hf_user",
		Client:     huggingface.NewClient(huggingface.WithBaseURL(h.srv.URL), huggingface.WithToken("hf_user")),
	})
	require.NoError(t, err)

	require.Len(t, result.Commits, 2)
	assert.Equal(t, "c1", result.Commits[0].CommitOID)
	assert.Equal(t, "c2", result.Commits[1].CommitOID)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.commits, 2)
	assert.ElementsMatch(t, []string{"config.json", "model.safetensors"}, h.commits[0])
	assert.ElementsMatch(t, []string{"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json"}, h.commits[1])
	assert.Len(t, h.lfs, 1)
	for _, auth := range h.auth {
		assert.Equal(t, "Bearer hf_user", auth)
	}
}

func TestMakePushUnauthorized(t *testing.T) {
	t.Setenv("HF_TOKEN", "")
	h := newHub(t)

	out := t.TempDir()
	_, err := Make(context.Background(), Options{
		BasePath:   baseModel(t),
		TargetPath: targetModel(t),
		DeltaPath:  out,
		HubRepoID:  "org/model-delta",
		Client:     huggingface.NewClient(huggingface.WithBaseURL(h.srv.URL)),
	})
	require.ErrorIs(t, err, huggingface.ErrUnauthorized)

	var hfErr *huggingface.HuggingFaceError
	require.ErrorAs(t, err, &hfErr)
	assert.Equal(t, "org/model-delta", hfErr.ModelID)

	// Der lokale Stand bleibt erhalten
	assert.FileExists(t, filepath.Join(out, "model.safetensors"))
}
