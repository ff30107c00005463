// safetensors.go - Safetensors-Container: Header-Typen und Datentypen
//
// Aufbau einer Datei:
//
//	[8 Bytes: Header-Laenge (uint64 LE)]
//	[Header-Laenge Bytes: JSON-Header, mit Leerzeichen auf 8 Bytes aufgefuellt]
//	[Tensordaten: rohe Bytes, little endian]
//
// Der Header bildet Tensornamen auf dtype, shape und data_offsets ab.
// Der reservierte Schluessel "__metadata__" enthaelt eine string->string Map.
package safetensors

import (
	"errors"
	"fmt"
	"math"
)

// MetadataKey ist der reservierte Header-Schluessel fuer Datei-Metadaten
const MetadataKey = "__metadata__"

// maxHeaderSize begrenzt den JSON-Header (100 MiB)
const maxHeaderSize = 100 << 20

var (
	ErrHeaderTooLarge  = errors.New("safetensors: header too large")
	ErrInvalidOffsets  = errors.New("safetensors: invalid data offsets")
	ErrTensorNotFound  = errors.New("safetensors: tensor not found")
	ErrUnsupportedType = errors.New("safetensors: unsupported dtype")
	ErrInvalidShape    = errors.New("safetensors: invalid shape")
)

// Unterstuetzte dtypes
const (
	BOOL = "BOOL"
	U8   = "U8"
	I8   = "I8"
	I16  = "I16"
	U16  = "U16"
	F16  = "F16"
	BF16 = "BF16"
	I32  = "I32"
	U32  = "U32"
	F32  = "F32"
	F64  = "F64"
	I64  = "I64"
	U64  = "U64"
)

// TensorInfo beschreibt einen Tensor im Header
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Size gibt die Anzahl der Datenbytes zurueck
func (ti TensorInfo) Size() int64 {
	return ti.DataOffsets[1] - ti.DataOffsets[0]
}

// NumElements gibt die Anzahl der Elemente zurueck
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// CheckShape lehnt negative Dimensionen und Shapes ab, deren Elementzahl nicht in int64 passt
func CheckShape(shape []int64) error {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		if d > 0 && n > math.MaxInt64/d {
			return fmt.Errorf("%w: %v overflows", ErrInvalidShape, shape)
		}
		n *= d
	}
	return nil
}

// DTypeSize gibt die Groesse eines Elements in Bytes zurueck
func DTypeSize(dtype string) (int64, error) {
	switch dtype {
	case BOOL, U8, I8:
		return 1, nil
	case I16, U16, F16, BF16:
		return 2, nil
	case I32, U32, F32:
		return 4, nil
	case I64, U64, F64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, dtype)
	}
}

// Tensor ist ein vollstaendig geladener Tensor fuer den Writer
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}
