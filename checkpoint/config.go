// config.go - config.json eines Checkpoints
// Haupttypen: Config, ModelParameters
package checkpoint

import (
	"bytes"
	"cmp"
	"encoding/json"
	"io/fs"
	"os"
)

// ModelParameters - Felder aus config.json, die fuer die Delta-Berechnung relevant sind
type ModelParameters struct {
	Architectures     []string `json:"architectures"`
	ModelType         string   `json:"model_type"`
	VocabSize         uint32   `json:"vocab_size"`
	TieWordEmbeddings *bool    `json:"tie_word_embeddings"`
	TorchDType        string   `json:"torch_dtype"`

	TextModel struct {
		VocabSize uint32 `json:"vocab_size"`
	} `json:"text_config"`
}

// Architecture - Gibt die erste Architektur zurueck (z.B. LlamaForCausalLM)
func (p ModelParameters) Architecture() string {
	if len(p.Architectures) > 0 {
		return p.Architectures[0]
	}
	return p.ModelType
}

// Vocab - Gibt die konfigurierte Vokabulargroesse zurueck
func (p ModelParameters) Vocab() uint32 {
	return cmp.Or(p.VocabSize, p.TextModel.VocabSize)
}

// Config - Rohes config.json. Unbekannte Schluessel bleiben beim Speichern erhalten.
type Config map[string]json.RawMessage

// readConfig - Laedt config.json aus dem Dateisystem
func readConfig(fsys fs.FS) (Config, error) {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return nil, err
	}

	var c Config
	if err := json.Unmarshal(bts, &c); err != nil {
		return nil, err
	}

	return c, nil
}

// Parameters - Dekodiert die typisierten Felder
func (c Config) Parameters() (ModelParameters, error) {
	var p ModelParameters
	bts, err := json.Marshal(c)
	if err != nil {
		return p, err
	}

	return p, json.Unmarshal(bts, &p)
}

// Set - Setzt einen Schluessel auf einen JSON-kodierten Wert
func (c Config) Set(key string, v any) error {
	bts, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c[key] = bts
	return nil
}

// WriteFile - Schreibt config.json mit sortierten Schluesseln und zwei Leerzeichen Einrueckung
func (c Config) WriteFile(path string) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return err
	}

	return os.WriteFile(path, b.Bytes(), 0o644)
}
