// checkpoint.go - Checkpoint: config.json plus benannte Tensoren
// Haupttypen: Checkpoint
// Hauptfunktionen: Names, Tensor, Len, NumParams, ResizeTokenEmbeddings
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

var (
	ErrNoWeights        = errors.New("no weight files found")
	ErrDuplicateTensor  = errors.New("duplicate tensor")
	ErrEmbeddingMissing = errors.New("input embedding not found")
)

// Checkpoint haelt einen vollstaendig geladenen Modell-Checkpoint im Speicher
type Checkpoint struct {
	Dir    string
	Config Config

	tensors map[string]*Tensor
	dtype   DType

	// files sind zusaetzliche Dateien (generation_config.json), die beim Speichern kopiert werden
	files map[string][]byte
}

// New erstellt einen leeren Checkpoint
func New(config Config) *Checkpoint {
	if config == nil {
		config = Config{}
	}

	return &Checkpoint{
		Config:  config,
		tensors: make(map[string]*Tensor),
		files:   make(map[string][]byte),
	}
}

// Add fuegt einen Tensor hinzu
func (c *Checkpoint) Add(t *Tensor) error {
	if _, ok := c.tensors[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTensor, t.Name)
	}

	c.tensors[t.Name] = t
	return nil
}

// Names gibt alle Tensornamen sortiert zurueck
func (c *Checkpoint) Names() []string {
	return slices.Sorted(maps.Keys(c.tensors))
}

// Tensor gibt den Tensor mit dem Namen zurueck
func (c *Checkpoint) Tensor(name string) (*Tensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Len gibt die Anzahl der Tensoren zurueck
func (c *Checkpoint) Len() int {
	return len(c.tensors)
}

// NumParams gibt die Gesamtzahl der Elemente aller Tensoren zurueck
func (c *Checkpoint) NumParams() int64 {
	var n int64
	for _, t := range c.tensors {
		n += t.NumElements()
	}
	return n
}

// Size gibt die Gesamtgroesse aller Tensordaten in Bytes zurueck
func (c *Checkpoint) Size() int64 {
	var n int64
	for _, t := range c.tensors {
		n += t.Size()
	}
	return n
}

// DType gibt den Typ zurueck, in den Gleitkomma-Tensoren beim Laden gewandelt wurden
func (c *Checkpoint) DType() DType {
	return c.dtype
}

// Parameters dekodiert config.json
func (c *Checkpoint) Parameters() ModelParameters {
	p, err := c.Config.Parameters()
	if err != nil {
		slog.Warn("invalid config.json", "dir", c.Dir, "error", err)
	}
	return p
}

// Namen der Embedding-Matrizen gaengiger Architekturen (Suffix-Vergleich)
var (
	inputEmbeddingNames  = []string{"embed_tokens.weight", "wte.weight", "word_embeddings.weight", "embed_in.weight", "tok_embeddings.weight"}
	outputEmbeddingNames = []string{"lm_head.weight", "embed_out.weight", "output.weight"}

	// Diese Kandidaten passen nur ohne Praefix, "layers.0.attention.output.weight" ist kein Embedding
	topLevelEmbeddingNames = map[string]bool{"output.weight": true}
)

// findEmbedding sucht den kuerzesten Tensornamen, der auf einen der Kandidaten endet
func (c *Checkpoint) findEmbedding(candidates []string) *Tensor {
	var found *Tensor
	for _, candidate := range candidates {
		for name, t := range c.tensors {
			if name != candidate && (topLevelEmbeddingNames[candidate] || !strings.HasSuffix(name, "."+candidate)) {
				continue
			}

			if found == nil || len(name) < len(found.Name) || (len(name) == len(found.Name) && name < found.Name) {
				found = t
			}
		}

		if found != nil {
			return found
		}
	}

	return nil
}

// InputEmbedding gibt die Eingabe-Embedding-Matrix zurueck
func (c *Checkpoint) InputEmbedding() (*Tensor, bool) {
	t := c.findEmbedding(inputEmbeddingNames)
	return t, t != nil
}

// OutputEmbedding gibt die Ausgabe-Embedding-Matrix zurueck. Bei gebundenen Embeddings
// (kein eigener lm_head) ist das die Eingabe-Matrix.
func (c *Checkpoint) OutputEmbedding() (*Tensor, bool) {
	if t := c.findEmbedding(outputEmbeddingNames); t != nil {
		return t, true
	}
	return c.InputEmbedding()
}

// embeddings gibt Eingabe- und (falls ungebunden) Ausgabe-Embedding zurueck
func (c *Checkpoint) embeddings() ([]*Tensor, error) {
	in, ok := c.InputEmbedding()
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrEmbeddingMissing, c.Dir)
	}

	ts := []*Tensor{in}
	if out, _ := c.OutputEmbedding(); out != in {
		ts = append(ts, out)
	}

	return ts, nil
}

// ResizeTokenEmbeddings setzt die Zeilenzahl der Embedding-Matrizen auf n.
// Neue Zeilen sind null. vocab_size in config.json wird angepasst.
func (c *Checkpoint) ResizeTokenEmbeddings(n int64) error {
	ts, err := c.embeddings()
	if err != nil {
		return err
	}

	for _, t := range ts {
		old := t.Shape[0]
		if err := t.ResizeRows(n); err != nil {
			return err
		}
		slog.Debug("resized embedding", "name", t.Name, "from", old, "to", n)
	}

	return c.Config.Set("vocab_size", n)
}

// ZeroTrailingEmbeddingRows setzt die letzten n Zeilen der Embedding-Matrizen auf null
func (c *Checkpoint) ZeroTrailingEmbeddingRows(n int64) error {
	if n == 0 {
		return nil
	}

	ts, err := c.embeddings()
	if err != nil {
		return err
	}

	for _, t := range ts {
		if err := t.ZeroTrailingRows(n); err != nil {
			return err
		}
	}

	return nil
}
