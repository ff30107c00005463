package envconfig

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("DELTA_DEBUG", k)
			if i := LogLevel(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestVar(t *testing.T) {
	cases := map[string]string{
		"value":       "value",
		" value ":     "value",
		" 'value' ":   "value",
		` "value" `:   "value",
		" ' value ' ": " value ",
		` " value " `: " value ",
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("DELTA_VAR", k)
			if s := Var("DELTA_VAR"); s != v {
				t.Errorf("%s: expected %q, got %q", k, v, s)
			}
		})
	}
}

func TestHFEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                        DefaultHubEndpoint,
		"https://hf-mirror.com":   "https://hf-mirror.com",
		"https://hf-mirror.com/":  "https://hf-mirror.com",
		"'http://127.0.0.1:8080'": "http://127.0.0.1:8080",
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("HF_ENDPOINT", k)
			if s := HFEndpoint(); s != v {
				t.Errorf("%s: expected %q, got %q", k, v, s)
			}
		})
	}
}

func TestHubCache(t *testing.T) {
	t.Run("HF_HUB_CACHE hat Prioritaet", func(t *testing.T) {
		t.Setenv("HF_HUB_CACHE", "/custom/cache")
		t.Setenv("HF_HOME", "/hf/home")
		if s := HubCache(); s != "/custom/cache" {
			t.Errorf("expected /custom/cache, got %q", s)
		}
	})

	t.Run("HF_HOME wird verwendet", func(t *testing.T) {
		t.Setenv("HF_HUB_CACHE", "")
		t.Setenv("HF_HOME", "/hf/home")
		if s := HubCache(); s != filepath.Join("/hf/home", "hub") {
			t.Errorf("unexpected cache dir %q", s)
		}
	})

	t.Run("XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("HF_HUB_CACHE", "")
		t.Setenv("HF_HOME", "")
		t.Setenv("USERPROFILE", "")
		t.Setenv("XDG_CACHE_HOME", "/xdg")
		if s := HubCache(); s != filepath.Join("/xdg", "huggingface", "hub") {
			t.Errorf("unexpected cache dir %q", s)
		}
	})
}

func TestUint(t *testing.T) {
	cases := map[string]uint{
		"":      4,
		"1":     1,
		"16":    16,
		"-1":    4,
		"bogus": 4,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("DELTA_UPLOAD_CONCURRENCY", k)
			if i := UploadConcurrency(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestStringWithDefault(t *testing.T) {
	t.Setenv("DELTA_MAX_SHARD_SIZE", "")
	t.Setenv("DELTA_PAD_TOKEN", "<pad>")

	got := []string{MaxShardSize(), PadToken()}
	if diff := cmp.Diff([]string{"5GB", "<pad>"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAsMapRedactsToken(t *testing.T) {
	t.Setenv("HF_TOKEN", "hf_secret")
	if v := AsMap()["HF_TOKEN"].Value; v != "****" {
		t.Errorf("expected redacted token, got %v", v)
	}
}
