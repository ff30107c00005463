// load_torch.go - Laden von PyTorch-Checkpoints (pytorch_model*.bin)
// Verwendet gopickle zum Entpacken des Pickle-Archivs
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// loadTorch liest ein state_dict aus einer torch.save-Datei
func loadTorch(path string, add func(*Tensor) error) error {
	pt, err := pytorch.Load(path)
	if err != nil {
		return err
	}

	visit := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("unexpected state dict key %v", k)
		}

		tt, ok := v.(*pytorch.Tensor)
		if !ok {
			return fmt.Errorf("%s: unexpected value %T", name, v)
		}

		t, err := torchTensor(name, tt)
		if err != nil {
			return err
		}

		return add(t)
	}

	switch sd := pt.(type) {
	case *types.OrderedDict:
		for e := sd.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := visit(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	case *types.Dict:
		for _, k := range sd.Keys() {
			if err := visit(k, sd.MustGet(k)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unexpected state dict type %T", pt)
	}

	return nil
}

// contiguous prueft, ob die Strides einer zusammenhaengenden Zeilen-Major-Ablage entsprechen
func contiguous(size, stride []int) bool {
	want := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != want {
			return false
		}
		want *= size[i]
	}
	return true
}

// torchTensor kopiert die Daten eines torch-Tensors in little-endian Rohdaten
func torchTensor(name string, tt *pytorch.Tensor) (*Tensor, error) {
	if !contiguous(tt.Size, tt.Stride) {
		return nil, fmt.Errorf("%s: non-contiguous tensor (size %v, stride %v)", name, tt.Size, tt.Stride)
	}

	shape := make([]int64, len(tt.Size))
	n := 1
	for i, d := range tt.Size {
		shape[i] = int64(d)
		n *= d
	}

	begin, end := tt.StorageOffset, tt.StorageOffset+n
	t := &Tensor{Name: name, Shape: shape}

	var err error
	switch s := tt.Source.(type) {
	case *pytorch.HalfStorage:
		t.DType = F16
		t.Data, err = encodeFloats(F16, s.Data[begin:end])
	case *pytorch.BFloat16Storage:
		// BF16 ist in F32 exakt darstellbar
		t.DType = F32
		t.Data, err = encodeFloats(F32, s.Data[begin:end])
	case *pytorch.FloatStorage:
		t.DType = F32
		t.Data, err = encodeFloats(F32, s.Data[begin:end])
	case *pytorch.DoubleStorage:
		t.DType = F64
		t.Data = make([]byte, 8*n)
		for i, v := range s.Data[begin:end] {
			binary.LittleEndian.PutUint64(t.Data[8*i:], math.Float64bits(v))
		}
	case *pytorch.LongStorage:
		t.DType = I64
		t.Data = make([]byte, 8*n)
		for i, v := range s.Data[begin:end] {
			binary.LittleEndian.PutUint64(t.Data[8*i:], uint64(v))
		}
	case *pytorch.IntStorage:
		t.DType = I32
		t.Data = make([]byte, 4*n)
		for i, v := range s.Data[begin:end] {
			binary.LittleEndian.PutUint32(t.Data[4*i:], uint32(v))
		}
	case *pytorch.ByteStorage:
		t.DType = U8
		t.Data = slices.Clone(s.Data[begin:end])
	default:
		return nil, fmt.Errorf("%s: %w: storage %T", name, ErrUnsupportedDType, tt.Source)
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}
