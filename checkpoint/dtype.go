// dtype.go - Datentypen von Checkpoint-Tensoren und Konvertierung nach F16
// Hauptfunktionen: DType, convert
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/mtllama/modeldelta/fs/safetensors"
)

// DType ist der Safetensors-Name eines Datentyps (F16, BF16, F32, ...)
type DType string

const (
	F16  DType = safetensors.F16
	BF16 DType = safetensors.BF16
	F32  DType = safetensors.F32
	F64  DType = safetensors.F64
	I8   DType = safetensors.I8
	I16  DType = safetensors.I16
	I32  DType = safetensors.I32
	I64  DType = safetensors.I64
	U8   DType = safetensors.U8
	U16  DType = safetensors.U16
	U32  DType = safetensors.U32
	U64  DType = safetensors.U64
	BOOL DType = safetensors.BOOL
)

// ErrUnsupportedDType wird bei Operationen auf nicht unterstuetzten Datentypen zurueckgegeben
var ErrUnsupportedDType = errors.New("unsupported dtype")

// Size gibt die Elementgroesse in Bytes zurueck
func (dt DType) Size() int {
	n, err := safetensors.DTypeSize(string(dt))
	if err != nil {
		return 0
	}
	return int(n)
}

// IsFloat meldet, ob der Typ ein Gleitkommatyp ist
func (dt DType) IsFloat() bool {
	switch dt {
	case F16, BF16, F32, F64:
		return true
	default:
		return false
	}
}

// TorchName gibt den Namen zurueck, den config.json unter torch_dtype verwendet
func (dt DType) TorchName() string {
	switch dt {
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	case F32:
		return "float32"
	case F64:
		return "float64"
	default:
		return strings.ToLower(string(dt))
	}
}

// decodeFloats dekodiert little-endian Gleitkommadaten nach float32
func decodeFloats(dt DType, bts []byte) ([]float32, error) {
	switch dt {
	case F16:
		f32s := make([]float32, len(bts)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[2*i:])).Float32()
		}
		return f32s, nil
	case BF16:
		return bfloat16.DecodeFloat32(bts), nil
	case F32:
		f32s := make([]float32, len(bts)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[4*i:]))
		}
		return f32s, nil
	case F64:
		f32s := make([]float32, len(bts)/8)
		for i := range f32s {
			f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(bts[8*i:])))
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}

// encodeFloats kodiert float32-Werte im Zieltyp
func encodeFloats(dt DType, f32s []float32) ([]byte, error) {
	switch dt {
	case F16:
		bts := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(bts[2*i:], float16.Fromfloat32(f).Bits())
		}
		return bts, nil
	case F32:
		bts := make([]byte, 4*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(bts[4*i:], math.Float32bits(f))
		}
		return bts, nil
	case F64:
		bts := make([]byte, 8*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint64(bts[8*i:], math.Float64bits(float64(f)))
		}
		return bts, nil
	default:
		return nil, fmt.Errorf("%w: cannot encode %s", ErrUnsupportedDType, dt)
	}
}

// convert wandelt Rohdaten eines Gleitkommatyps in einen anderen Gleitkommatyp um
func convert(from, to DType, bts []byte) ([]byte, error) {
	if from == to {
		return bts, nil
	}

	f32s, err := decodeFloats(from, bts)
	if err != nil {
		return nil, err
	}

	return encodeFloats(to, f32s)
}
