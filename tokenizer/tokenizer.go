// tokenizer.go - HuggingFace-Tokenizer laden und spezielle Token hinzufügen
// Enthält: Tokenizer-Struct, Load, AddSpecialTokens, Len

package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
)

// SpecialTokenTypes sind die Schlüssel, die AddSpecialTokens akzeptiert (ohne "_token")
var SpecialTokenTypes = []string{"bos", "eos", "unk", "sep", "pad", "cls", "mask"}

// ErrInvalidSpecialToken wird für unbekannte Schlüssel oder leere Inhalte zurückgegeben
var ErrInvalidSpecialToken = errors.New("invalid special token")

// Tokenizer enthält das Vokabular und die Konfiguration eines Tokenizers
type Tokenizer struct {
	Dir string

	fsys  fs.FS
	vocab *vocabulary

	// special bildet z.B. "pad" auf "[PAD]" ab
	special map[string]string

	config     map[string]json.RawMessage
	specialMap map[string]json.RawMessage

	// added sind die in dieser Sitzung neu angelegten Token in Reihenfolge
	added []token
}

// Load lädt den Tokenizer aus dir
func Load(dir string) (*Tokenizer, error) {
	fsys := os.DirFS(dir)
	v, err := parseVocabulary(fsys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	t := &Tokenizer{
		Dir:     dir,
		fsys:    fsys,
		vocab:   v,
		special: make(map[string]string),
	}

	if t.config, err = readJSON(fsys, "tokenizer_config.json"); err != nil {
		return nil, err
	}

	if t.specialMap, err = readJSON(fsys, "special_tokens_map.json"); err != nil {
		return nil, err
	}

	// special_tokens_map.json überschreibt tokenizer_config.json
	for _, m := range []map[string]json.RawMessage{t.config, t.specialMap} {
		for _, st := range SpecialTokenTypes {
			bts, ok := m[st+"_token"]
			if !ok {
				continue
			}

			content, err := parseTokenContent(bts)
			if err != nil || content == "" {
				continue
			}
			t.special[st] = content
		}
	}

	slog.Debug("loaded tokenizer", "dir", dir, "model", v.Model, "tokens", t.Len())
	return t, nil
}

// readJSON liest eine optionale JSON-Objektdatei
func readJSON(fsys fs.FS, name string) (map[string]json.RawMessage, error) {
	bts, err := fs.ReadFile(fsys, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(bts, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return m, nil
}

// Len gibt die Anzahl der Token einschließlich hinzugefügter Token zurück
func (t *Tokenizer) Len() int {
	return len(t.vocab.tokens)
}

// Model gibt den Modelltyp des Tokenizers zurück (BPE, Unigram, llama, ...)
func (t *Tokenizer) Model() string {
	return t.vocab.Model
}

// SpecialToken gibt den Inhalt eines speziellen Token zurück, z.B. SpecialToken("pad")
func (t *Tokenizer) SpecialToken(typ string) (string, bool) {
	s, ok := t.special[typ]
	return s, ok
}

// ID gibt die ID eines Token-Inhalts zurück
func (t *Tokenizer) ID(content string) (int, bool) {
	for id, tok := range t.vocab.tokens {
		if tok.Content == content {
			return id, true
		}
	}
	return 0, false
}

// nextID gibt die erste freie ID hinter dem Vokabular zurück
func (t *Tokenizer) nextID() int {
	if len(t.vocab.tokens) == 0 {
		return 0
	}
	return slices.Max(slices.Collect(maps.Keys(t.vocab.tokens))) + 1
}

// AddSpecialTokens setzt spezielle Token, z.B. {"pad_token": "[PAD]"}. Token, die
// noch nicht im Vokabular sind, werden angehängt. Gibt die Anzahl neuer Token zurück.
func (t *Tokenizer) AddSpecialTokens(tokens map[string]string) (int, error) {
	for _, key := range slices.Sorted(maps.Keys(tokens)) {
		typ, ok := strings.CutSuffix(key, "_token")
		if !ok || !slices.Contains(SpecialTokenTypes, typ) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSpecialToken, key)
		}
		if tokens[key] == "" {
			return 0, fmt.Errorf("%w: empty %s", ErrInvalidSpecialToken, key)
		}
	}

	var n int
	for _, key := range slices.Sorted(maps.Keys(tokens)) {
		typ := strings.TrimSuffix(key, "_token")
		content := tokens[key]
		t.special[typ] = content

		if _, ok := t.ID(content); ok {
			slog.Debug("special token already in vocabulary", "type", typ, "content", content)
			continue
		}

		tok := token{ID: t.nextID(), Content: content, Special: true, added: true}
		t.vocab.set(tok)
		t.added = append(t.added, tok)
		slog.Debug("added special token", "type", typ, "content", content, "id", tok.ID)
		n++
	}

	return n, nil
}
