// save.go - Tokenizer-Dateien nach dem Hinzufügen von Token speichern
// Enthält: Save, writeJSON und die Patches für tokenizer.json und tokenizer_config.json

package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Dateien, die zu einem Tokenizer gehören und unverändert kopiert werden
var tokenizerFiles = []string{
	"tokenizer.model",
	"spiece.model",
	"sentencepiece.bpe.model",
	"vocab.json",
	"vocab.txt",
	"merges.txt",
	"chat_template.jinja",
}

// Save schreibt den Tokenizer nach dir. Quelldateien werden kopiert, Konfiguration
// und hinzugefügte Token werden aktualisiert. Gibt die geschriebenen Dateinamen zurück.
func (t *Tokenizer) Save(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var written []string
	for _, name := range tokenizerFiles {
		bts, err := fs.ReadFile(t.fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		if err := os.WriteFile(filepath.Join(dir, name), bts, 0o644); err != nil {
			return nil, err
		}
		written = append(written, name)
	}

	ok, err := t.saveTokenizerJSON(dir)
	if err != nil {
		return nil, fmt.Errorf("tokenizer.json: %w", err)
	} else if ok {
		written = append(written, "tokenizer.json")
	}

	ok, err = t.saveAddedTokens(dir)
	if err != nil {
		return nil, fmt.Errorf("added_tokens.json: %w", err)
	} else if ok {
		written = append(written, "added_tokens.json")
	}

	config, err := t.patchConfig(t.config, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizer_config.json: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "tokenizer_config.json"), config); err != nil {
		return nil, err
	}

	specialMap, err := t.patchConfig(t.specialMap, false)
	if err != nil {
		return nil, fmt.Errorf("special_tokens_map.json: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "special_tokens_map.json"), specialMap); err != nil {
		return nil, err
	}

	written = append(written, "tokenizer_config.json", "special_tokens_map.json")
	slog.Debug("saved tokenizer", "dir", dir, "files", len(written), "added", len(t.added))
	return written, nil
}

// patchConfig setzt die speziellen Token in einer Kopie von m. Mit decoder werden
// neue Token zusätzlich in added_tokens_decoder eingetragen, falls vorhanden.
func (t *Tokenizer) patchConfig(m map[string]json.RawMessage, decoder bool) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(m)+len(t.special))
	for k, v := range m {
		out[k] = v
	}

	for _, st := range SpecialTokenTypes {
		content, ok := t.special[st]
		if !ok {
			continue
		}

		key := st + "_token"
		if old, ok := out[key]; ok {
			if c, err := parseTokenContent(old); err == nil && c == content {
				continue
			}
		}

		bts, err := marshal(content)
		if err != nil {
			return nil, err
		}
		out[key] = bts
	}

	raw, ok := out["added_tokens_decoder"]
	if !decoder || !ok || len(t.added) == 0 {
		return out, nil
	}

	var dec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dec); err != nil {
		return nil, fmt.Errorf("added_tokens_decoder: %w", err)
	}

	for _, tok := range t.added {
		bts, err := marshal(map[string]any{
			"content":     tok.Content,
			"lstrip":      tok.LStrip,
			"normalized":  tok.Normalized,
			"rstrip":      tok.RStrip,
			"single_word": tok.SingleWord,
			"special":     tok.Special,
		})
		if err != nil {
			return nil, err
		}
		dec[strconv.Itoa(tok.ID)] = bts
	}

	bts, err := marshal(dec)
	if err != nil {
		return nil, err
	}
	out["added_tokens_decoder"] = bts
	return out, nil
}

// saveTokenizerJSON hängt neue Token an added_tokens an. Die Schlüsselreihenfolge
// der Quelldatei bleibt erhalten.
func (t *Tokenizer) saveTokenizerJSON(dir string) (bool, error) {
	bts, err := fs.ReadFile(t.fsys, "tokenizer.json")
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	path := filepath.Join(dir, "tokenizer.json")
	if len(t.added) == 0 {
		return true, os.WriteFile(path, bts, 0o644)
	}

	om := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(bts, om); err != nil {
		return false, err
	}

	var added []json.RawMessage
	if raw, ok := om.Get("added_tokens"); ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &added); err != nil {
			return false, err
		}
	}

	for _, tok := range t.added {
		bts, err := marshal(tok)
		if err != nil {
			return false, err
		}
		added = append(added, bts)
	}

	addedJSON, err := marshal(added)
	if err != nil {
		return false, err
	}
	om.Set("added_tokens", addedJSON)

	// Werte werden roh geschrieben, damit Escapes der Quelldatei erhalten bleiben
	var raw bytes.Buffer
	raw.WriteByte('{')
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		if raw.Len() > 1 {
			raw.WriteByte(',')
		}

		key, err := marshal(pair.Key)
		if err != nil {
			return false, err
		}
		raw.Write(key)
		raw.WriteByte(':')
		raw.Write(pair.Value)
	}
	raw.WriteByte('}')

	var b bytes.Buffer
	if err := json.Indent(&b, raw.Bytes(), "", "  "); err != nil {
		return false, err
	}

	return true, os.WriteFile(path, b.Bytes(), 0o644)
}

// saveAddedTokens schreibt added_tokens.json für Tokenizer ohne tokenizer.json
// oder wenn die Quelle die Datei bereits hatte
func (t *Tokenizer) saveAddedTokens(dir string) (bool, error) {
	_, err := fs.Stat(t.fsys, "added_tokens.json")
	hadFile := err == nil
	if _, err := fs.Stat(t.fsys, "tokenizer.json"); err == nil && !hadFile {
		return false, nil
	}

	m := make(map[string]int)
	for _, tok := range t.vocab.tokens {
		if tok.added {
			m[tok.Content] = tok.ID
		}
	}

	if len(m) == 0 && !hadFile {
		return false, nil
	}

	return true, writeJSON(filepath.Join(dir, "added_tokens.json"), m)
}

// marshal kodiert v ohne HTML-Escaping
func marshal(v any) (json.RawMessage, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(b.Bytes(), "\n"), nil
}

// writeJSON schreibt v mit sortierten Schlüsseln und zwei Leerzeichen Einrückung
func writeJSON(path string, v any) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}

	return os.WriteFile(path, b.Bytes(), 0o644)
}

// AddedTokens gibt die in dieser Sitzung hinzugefügten Token-Inhalte zurück
func (t *Tokenizer) AddedTokens() []string {
	out := make([]string, len(t.added))
	for i, tok := range t.added {
		out[i] = tok.Content
	}
	return slices.Clip(out)
}
