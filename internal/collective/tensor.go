package collective

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero tensor.
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// Full allocates a tensor filled with v.
func Full(v float32, shape ...int) Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel is the number of elements.
func (t Tensor) Numel() int {
	return len(t.Data)
}

// Sum adds every element.
func (t Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Clone deep-copies t.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

func (t Tensor) sameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// copyFrom overwrites t's elements with src's. Shapes must match.
func (t Tensor) copyFrom(src Tensor) error {
	if !t.sameShape(src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// appendTensor encodes t as [ndim u32][dims u32...][n u32][float32 bits...],
// little endian.
func appendTensor(buf []byte, t Tensor) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.Data)))
	for _, v := range t.Data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func readTensor(buf []byte) (Tensor, []byte, error) {
	next := func() (uint32, error) {
		if len(buf) < 4 {
			return 0, fmt.Errorf("truncated tensor")
		}
		v := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		return v, nil
	}

	ndim, err := next()
	if err != nil {
		return Tensor{}, nil, err
	}
	shape := make([]int, ndim)
	for i := range shape {
		d, err := next()
		if err != nil {
			return Tensor{}, nil, err
		}
		shape[i] = int(d)
	}
	n, err := next()
	if err != nil {
		return Tensor{}, nil, err
	}
	if int(n) != numel(shape) || len(buf) < int(n)*4 {
		return Tensor{}, nil, fmt.Errorf("tensor of shape %v has %d elements", shape, n)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return Tensor{Shape: shape, Data: data}, buf[n*4:], nil
}

func encodeTensors(ts []Tensor) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(ts)))
	for _, t := range ts {
		buf = appendTensor(buf, t)
	}
	return buf
}

func decodeTensors(buf []byte) ([]Tensor, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("truncated tensor list")
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	ts := make([]Tensor, n)
	for i := range ts {
		var err error
		ts[i], buf, err = readTensor(buf)
		if err != nil {
			return nil, err
		}
	}
	return ts, nil
}
