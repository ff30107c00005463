// reader.go - Lesen von Safetensors-Dateien
// Hauptfunktionen: Open, File.Names, File.Info, File.ReadTensor
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
)

// File ist eine geoeffnete Safetensors-Datei. Tensoren werden einzeln per ReadAt gelesen,
// die Datei wird nie komplett in den Speicher geladen.
type File struct {
	f          *os.File
	path       string
	size       int64
	dataOffset int64

	metadata map[string]string
	tensors  map[string]TensorInfo
}

// Open oeffnet eine Safetensors-Datei und parst den Header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	sf := &File{f: f, path: path, size: st.Size()}
	if err := sf.readHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return sf, nil
}

func (sf *File) readHeader() error {
	var n uint64
	if err := binary.Read(sf.f, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read header size: %w", err)
	}

	if n > maxHeaderSize || int64(n)+8 > sf.size {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, n)
	}

	bts := make([]byte, n)
	if _, err := io.ReadFull(sf.f, bts); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bts, &raw); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}

	sf.dataOffset = 8 + int64(n)
	sf.tensors = make(map[string]TensorInfo, len(raw))
	for k, v := range raw {
		if k == MetadataKey {
			if err := json.Unmarshal(v, &sf.metadata); err != nil {
				return fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return fmt.Errorf("parse tensor %s: %w", k, err)
		}

		if err := sf.validate(k, ti); err != nil {
			return err
		}

		sf.tensors[k] = ti
	}

	return nil
}

func (sf *File) validate(name string, ti TensorInfo) error {
	size, err := DTypeSize(ti.DType)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}

	begin, end := ti.DataOffsets[0], ti.DataOffsets[1]
	if begin < 0 || end < begin || end > sf.size-sf.dataOffset {
		return fmt.Errorf("%w: tensor %s [%d, %d]", ErrInvalidOffsets, name, begin, end)
	}

	if err := CheckShape(ti.Shape); err != nil {
		return fmt.Errorf("%w: tensor %s: %w", ErrInvalidOffsets, name, err)
	}

	if n := NumElements(ti.Shape); n > (end-begin)/size || n*size != end-begin {
		return fmt.Errorf("%w: tensor %s has %d bytes, shape %v needs %d elements of %d bytes", ErrInvalidOffsets, name, end-begin, ti.Shape, n, size)
	}

	return nil
}

// Path gibt den Dateipfad zurueck
func (sf *File) Path() string {
	return sf.path
}

// Metadata gibt die __metadata__ Map zurueck (kann nil sein)
func (sf *File) Metadata() map[string]string {
	return sf.metadata
}

// Names gibt alle Tensornamen sortiert zurueck
func (sf *File) Names() []string {
	return slices.Sorted(maps.Keys(sf.tensors))
}

// Info gibt die Header-Informationen eines Tensors zurueck
func (sf *File) Info(name string) (TensorInfo, bool) {
	ti, ok := sf.tensors[name]
	return ti, ok
}

// Reader gibt einen Reader ueber die Rohdaten eines Tensors zurueck
func (sf *File) Reader(name string) (*io.SectionReader, error) {
	ti, ok := sf.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}

	return io.NewSectionReader(sf.f, sf.dataOffset+ti.DataOffsets[0], ti.Size()), nil
}

// ReadTensor liest die Rohdaten eines Tensors
func (sf *File) ReadTensor(name string) ([]byte, error) {
	r, err := sf.Reader(name)
	if err != nil {
		return nil, err
	}

	bts := make([]byte, r.Size())
	if _, err := io.ReadFull(r, bts); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}

	return bts, nil
}

// Close schliesst die Datei
func (sf *File) Close() error {
	return sf.f.Close()
}
