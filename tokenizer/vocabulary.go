// vocabulary.go - Vokabular-Parsing für HuggingFace-Tokenizer
// Enthält: token, tokenizerJSON, parseVocabulary und die Parser je Dateiformat

package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrUnknownFormat wird zurückgegeben, wenn kein bekanntes Tokenizer-Format gefunden wird
var ErrUnknownFormat = errors.New("unknown tokenizer format")

// tokenizerJSON repräsentiert die für das Vokabular relevanten Teile von tokenizer.json
type tokenizerJSON struct {
	AddedTokens []token `json:"added_tokens"`
	Model       struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

// token repräsentiert ein einzelnes Token. Die Feldreihenfolge entspricht
// der Serialisierung von added_tokens in tokenizer.json.
type token struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	LStrip     bool   `json:"lstrip"`
	RStrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`

	added bool
}

// vocabulary enthält alle Token nach ID
type vocabulary struct {
	Model  string
	tokens map[int]token
}

func (v *vocabulary) set(t token) {
	v.tokens[t.ID] = t
}

// parseVocabulary parst das Vokabular aus dem Dateisystem. tokenizer.json hat Vorrang,
// weil transformers den schnellen Tokenizer bevorzugt.
func parseVocabulary(fsys fs.FS) (*vocabulary, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS) (*vocabulary, error)
	}{
		{"tokenizer.json", parseVocabularyFromTokenizer},
		{"tokenizer.model", parseSentencePiece},
		{"vocab.json", parseVocabularyFromVocabJSON},
	}

	for _, pattern := range patterns {
		if _, err := fs.Stat(fsys, pattern.Pattern); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		v, err := pattern.Func(fsys)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pattern.Pattern, err)
		}

		if err := parseAddedTokens(fsys, v); err != nil {
			return nil, err
		}

		return v, nil
	}

	return nil, ErrUnknownFormat
}

// parseVocabularyFromTokenizer parst das Vokabular aus tokenizer.json
func parseVocabularyFromTokenizer(fsys fs.FS) (*vocabulary, error) {
	f, err := fsys.Open("tokenizer.json")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var t tokenizerJSON
	if err := json.NewDecoder(f).Decode(&t); err != nil {
		return nil, err
	}

	v := &vocabulary{Model: t.Model.Type, tokens: make(map[int]token)}
	if err := parseModelVocab(t.Model.Vocab, v); err != nil {
		return nil, err
	}

	for _, tok := range t.AddedTokens {
		tok.added = true
		v.set(tok)
	}

	return v, nil
}

// parseModelVocab akzeptiert BPE/WordPiece ({"token": id}) und Unigram ([["token", score], ...])
func parseModelVocab(bts json.RawMessage, v *vocabulary) error {
	if len(bts) == 0 {
		return nil
	}

	var m map[string]int
	if err := json.Unmarshal(bts, &m); err == nil {
		for k, id := range m {
			v.set(token{ID: id, Content: k})
		}
		return nil
	}

	var pieces [][2]json.RawMessage
	if err := json.Unmarshal(bts, &pieces); err != nil {
		return errors.New("could not parse model vocab. expected map or list of pairs")
	}

	for i, p := range pieces {
		var content string
		if err := json.Unmarshal(p[0], &content); err != nil {
			return err
		}
		v.set(token{ID: i, Content: content})
	}

	return nil
}

// parseVocabularyFromVocabJSON parst vocab.json langsamer BPE-Tokenizer (GPT-2)
func parseVocabularyFromVocabJSON(fsys fs.FS) (*vocabulary, error) {
	bts, err := fs.ReadFile(fsys, "vocab.json")
	if err != nil {
		return nil, err
	}

	v := &vocabulary{Model: "BPE", tokens: make(map[int]token)}
	return v, parseModelVocab(bts, v)
}

// parseAddedTokens parst added_tokens.json ({"token": id}) langsamer Tokenizer
func parseAddedTokens(fsys fs.FS, v *vocabulary) error {
	bts, err := fs.ReadFile(fsys, "added_tokens.json")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var m map[string]int
	if err := json.Unmarshal(bts, &m); err != nil {
		return fmt.Errorf("added_tokens.json: %w", err)
	}

	for k, id := range m {
		v.set(token{ID: id, Content: k, added: true})
	}

	return nil
}

// parseTokenContent parst den Token-Inhalt (kann String oder Objekt sein)
func parseTokenContent(bts json.RawMessage) (string, error) {
	var content string
	if err := json.Unmarshal(bts, &content); err == nil {
		return content, nil
	}

	var mm map[string]any
	if err := json.Unmarshal(bts, &mm); err != nil {
		return "", err
	}

	content, _ = mm["content"].(string)
	return content, nil
}
