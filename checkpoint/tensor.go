// tensor.go - Tensor im Speicher und elementweise Arithmetik
// Hauptfunktionen: Tensor.Sub, Tensor.Add, Tensor.ResizeRows, Tensor.ZeroTrailingRows
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch wird zurueckgegeben, wenn zwei Tensoren nicht elementweise kombinierbar sind
var ErrShapeMismatch = errors.New("shape mismatch")

// chunkSize ist die Anzahl Elemente, die pro Arithmetik-Block nach float64 gewandelt werden
const chunkSize = 1 << 14

// Tensor haelt die Rohdaten eines benannten Parameters (little endian)
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// NumElements gibt die Anzahl der Elemente zurueck
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size gibt die Groesse der Daten in Bytes zurueck
func (t *Tensor) Size() int64 {
	return int64(len(t.Data))
}

// SameShape meldet, ob beide Tensoren dieselbe Form haben
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Floats dekodiert die Daten eines Gleitkomma-Tensors nach float32
func (t *Tensor) Floats() ([]float32, error) {
	return decodeFloats(t.DType, t.Data)
}

// Convert wandelt einen Gleitkomma-Tensor in den Zieltyp um; andere Typen bleiben unveraendert
func (t *Tensor) Convert(dt DType) error {
	if !t.DType.IsFloat() || t.DType == dt {
		return nil
	}

	bts, err := convert(t.DType, dt, t.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}

	t.DType, t.Data = dt, bts
	return nil
}

// Sub zieht o elementweise von t ab (in place): t = t - o
func (t *Tensor) Sub(o *Tensor) error {
	return t.combine(o, floats.Sub, func(a, b int64) int64 { return a - b })
}

// Add addiert o elementweise auf t (in place): t = t + o
func (t *Tensor) Add(o *Tensor) error {
	return t.combine(o, floats.Add, func(a, b int64) int64 { return a + b })
}

// combine wendet eine elementweise Operation an. Gleitkommawerte werden blockweise
// nach float64 gewandelt, verknuepft, auf float32 und dann auf den Zieltyp gerundet.
// Fuer F16 entspricht das der Halbpraezisions-Arithmetik auf der CPU.
func (t *Tensor) combine(o *Tensor, ff func(dst, s []float64), fi func(a, b int64) int64) error {
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %s %v vs %v", ErrShapeMismatch, t.Name, t.Shape, o.Shape)
	}

	if t.DType != o.DType {
		return fmt.Errorf("%w: %s has %s, other has %s", ErrUnsupportedDType, t.Name, t.DType, o.DType)
	}

	size := t.DType.Size()
	n := len(t.Data) / max(size, 1)

	switch t.DType {
	case F16, F32, F64:
		dst := make([]float64, min(n, chunkSize))
		src := make([]float64, min(n, chunkSize))
		for start := 0; start < n; start += chunkSize {
			end := min(start+chunkSize, n)
			dst, src = dst[:end-start], src[:end-start]
			for i := range dst {
				dst[i] = t.floatAt(start + i)
				src[i] = o.floatAt(start + i)
			}

			ff(dst, src)

			for i, v := range dst {
				t.setFloat(start+i, v)
			}
		}
	case I8, I16, I32, I64, U8, U16, U32, U64:
		for i := range n {
			t.setInt(i, fi(t.intAt(i), o.intAt(i)))
		}
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnsupportedDType, t.Name, t.DType)
	}

	return nil
}

func (t *Tensor) floatAt(i int) float64 {
	switch t.DType {
	case F16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32())
	case F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:])))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
}

func (t *Tensor) setFloat(i int, v float64) {
	switch t.DType {
	case F16:
		binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(float32(v)).Bits())
	case F32:
		binary.LittleEndian.PutUint32(t.Data[4*i:], math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(t.Data[8*i:], math.Float64bits(v))
	}
}

func (t *Tensor) intAt(i int) int64 {
	switch t.DType {
	case I8:
		return int64(int8(t.Data[i]))
	case U8:
		return int64(t.Data[i])
	case I16:
		return int64(int16(binary.LittleEndian.Uint16(t.Data[2*i:])))
	case U16:
		return int64(binary.LittleEndian.Uint16(t.Data[2*i:]))
	case I32:
		return int64(int32(binary.LittleEndian.Uint32(t.Data[4*i:])))
	case U32:
		return int64(binary.LittleEndian.Uint32(t.Data[4*i:]))
	default:
		return int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
}

// setInt schreibt mit Ueberlauf-Semantik des Zieltyps
func (t *Tensor) setInt(i int, v int64) {
	switch t.DType {
	case I8, U8:
		t.Data[i] = byte(v)
	case I16, U16:
		binary.LittleEndian.PutUint16(t.Data[2*i:], uint16(v))
	case I32, U32:
		binary.LittleEndian.PutUint32(t.Data[4*i:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(t.Data[8*i:], uint64(v))
	}
}

// rowSize gibt die Groesse einer Zeile (erste Dimension) in Bytes zurueck
func (t *Tensor) rowSize() (int64, error) {
	if len(t.Shape) != 2 {
		return 0, fmt.Errorf("%s: expected a 2d tensor, got shape %v", t.Name, t.Shape)
	}
	return t.Shape[1] * int64(t.DType.Size()), nil
}

// ResizeRows setzt die Anzahl der Zeilen eines 2D-Tensors. Vorhandene Zeilen werden
// uebernommen, neue Zeilen sind null.
func (t *Tensor) ResizeRows(rows int64) error {
	rs, err := t.rowSize()
	if err != nil {
		return err
	}

	if rows < 0 {
		return fmt.Errorf("%s: invalid row count %d", t.Name, rows)
	}

	if rows == t.Shape[0] {
		return nil
	}

	data := make([]byte, rows*rs)
	copy(data, t.Data)
	t.Data = data
	t.Shape = []int64{rows, t.Shape[1]}
	return nil
}

// ZeroTrailingRows setzt die letzten n Zeilen eines 2D-Tensors auf null
func (t *Tensor) ZeroTrailingRows(n int64) error {
	rs, err := t.rowSize()
	if err != nil {
		return err
	}

	if n < 0 || n > t.Shape[0] {
		return fmt.Errorf("%s: cannot zero %d of %d rows", t.Name, n, t.Shape[0])
	}

	clear(t.Data[(t.Shape[0]-n)*rs:])
	return nil
}

// Clone gibt eine tiefe Kopie zurueck
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}
