// config.go - Haupt-Konfigurationsfunktionen fuer make-delta
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (DELTA_DEBUG)
// - HFToken: Hub-Zugangsdaten (HF_TOKEN)
// - HFEndpoint: Hub-Basis-URL (HF_ENDPOINT)
// - HubCache: Download-Cache fuer Hub-Modelle (HF_HUB_CACHE, HF_HOME)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Delta- und Upload-Einstellungen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultHubEndpoint ist die Basis-URL des Hugging Face Hub
const DefaultHubEndpoint = "https://huggingface.co"

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via DELTA_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DELTA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// HFToken gibt den Hub-Token zurueck
// Wird nur verwendet, wenn --user-key nicht gesetzt ist
func HFToken() string {
	return Var("HF_TOKEN")
}

// HFEndpoint gibt die Hub-Basis-URL ohne abschliessenden Slash zurueck
// Konfigurierbar via HF_ENDPOINT
// Default: https://huggingface.co
func HFEndpoint() string {
	if s := Var("HF_ENDPOINT"); s != "" {
		return strings.TrimSuffix(s, "/")
	}
	return DefaultHubEndpoint
}

// HubCache gibt das Cache-Verzeichnis fuer Hub-Downloads zurueck
// Reihenfolge: HF_HUB_CACHE, HF_HOME/hub, XDG_CACHE_HOME/huggingface/hub, ~/.cache/huggingface/hub
func HubCache() string {
	if s := Var("HF_HUB_CACHE"); s != "" {
		return s
	}
	if s := Var("HF_HOME"); s != "" {
		return filepath.Join(s, "hub")
	}

	var base string
	switch {
	case runtime.GOOS == "windows" && Var("USERPROFILE") != "":
		base = filepath.Join(Var("USERPROFILE"), ".cache")
	case Var("XDG_CACHE_HOME") != "":
		base = Var("XDG_CACHE_HOME")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			base = filepath.Join(os.TempDir(), "huggingface_cache")
		} else {
			base = filepath.Join(home, ".cache")
		}
	}

	return filepath.Join(base, "huggingface", "hub")
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
