// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String/StringWithDefault: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
package envconfig

import (
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// StringWithDefault gibt eine Funktion zurueck, die einen String mit Default-Wert liest
func StringWithDefault(k, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}
		return defaultValue
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"DELTA_DEBUG":                {"DELTA_DEBUG", LogLevel(), "Show additional debug information (e.g. DELTA_DEBUG=1)"},
		"DELTA_MAX_SHARD_SIZE":       {"DELTA_MAX_SHARD_SIZE", MaxShardSize(), "Maximum size of a saved safetensors shard (default \"5GB\")"},
		"DELTA_PAD_TOKEN":            {"DELTA_PAD_TOKEN", PadToken(), "Padding token added to the base tokenizer (default \"[PAD]\")"},
		"DELTA_UPLOAD_CONCURRENCY":   {"DELTA_UPLOAD_CONCURRENCY", UploadConcurrency(), "Maximum number of parallel hub uploads"},
		"DELTA_DOWNLOAD_CONCURRENCY": {"DELTA_DOWNLOAD_CONCURRENCY", DownloadConcurrency(), "Maximum number of parallel hub downloads"},
		"HF_TOKEN":                   {"HF_TOKEN", redact(HFToken()), "Hugging Face token used when --user-key is not set"},
		"HF_ENDPOINT":                {"HF_ENDPOINT", HFEndpoint(), "Hugging Face Hub endpoint (default \"https://huggingface.co\")"},
		"HF_HUB_CACHE":               {"HF_HUB_CACHE", HubCache(), "Directory for downloaded hub models"},
		"HF_HUB_OFFLINE":             {"HF_HUB_OFFLINE", Offline(), "Resolve hub model ids from the local cache only"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
