// writer.go - Schreiben von Safetensors-Dateien
// Hauptfunktionen: Write, WriteFile, HeaderSize
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// header baut den JSON-Header. Die Schluesselreihenfolge folgt der Reihenfolge der Tensoren,
// damit gleiche Eingaben byte-identische Dateien ergeben.
func header(ts []Tensor, metadata map[string]string) ([]byte, error) {
	om := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		om.Set(MetadataKey, metadata)
	}

	var offset int64
	for _, t := range ts {
		size, err := DTypeSize(t.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
		}

		if err := CheckShape(t.Shape); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
		}

		if want := NumElements(t.Shape) * size; want != int64(len(t.Data)) {
			return nil, fmt.Errorf("tensor %s: %d bytes does not match shape %v (%d bytes)", t.Name, len(t.Data), t.Shape, want)
		}

		if _, ok := om.Get(t.Name); ok {
			return nil, fmt.Errorf("duplicate tensor %s", t.Name)
		}

		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}

		om.Set(t.Name, TensorInfo{
			DType:       t.DType,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(t.Data))},
		})
		offset += int64(len(t.Data))
	}

	bts, err := json.Marshal(om)
	if err != nil {
		return nil, err
	}

	// Tensordaten beginnen auf einer 8-Byte-Grenze
	if pad := (8 - len(bts)%8) % 8; pad > 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, pad)...)
	}

	return bts, nil
}

// HeaderSize gibt die Groesse des Headers fuer die Tensoren in Bytes zurueck (inklusive Laengenfeld)
func HeaderSize(ts []Tensor, metadata map[string]string) (int64, error) {
	bts, err := header(ts, metadata)
	if err != nil {
		return 0, err
	}
	return 8 + int64(len(bts)), nil
}

// Write schreibt die Tensoren in der gegebenen Reihenfolge
func Write(w io.Writer, ts []Tensor, metadata map[string]string) error {
	bts, err := header(ts, metadata)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, t := range ts {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}

	return nil
}

// WriteFile schreibt die Tensoren in eine neue Datei
func WriteFile(path string, ts []Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	if err := Write(bw, ts, metadata); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return err
	}

	return f.Close()
}
