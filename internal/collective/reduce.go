package collective

import "fmt"

// ReduceOp combines elements in AllReduce.
type ReduceOp uint8

const (
	Sum ReduceOp = iota
	Product
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Product:
		return "product"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("ReduceOp(%d)", uint8(op))
	}
}

func (op ReduceOp) apply(a, b float32) float32 {
	switch op {
	case Product:
		return a * b
	case Min:
		if b < a {
			return b
		}
		return a
	case Max:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// reduce folds inputs into a new tensor. Every input must share a shape.
func reduce(op ReduceOp, inputs []Tensor) (Tensor, error) {
	out := inputs[0].Clone()
	for _, in := range inputs[1:] {
		if !out.sameShape(in) {
			return Tensor{}, fmt.Errorf("allreduce shape mismatch: %v vs %v", out.Shape, in.Shape)
		}
		for i, v := range in.Data {
			out.Data[i] = op.apply(out.Data[i], v)
		}
	}
	return out, nil
}
