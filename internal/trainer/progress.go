package trainer

import (
	"math"
	"strconv"
)

// Losses are the scalar losses of one step. NCC and Grad are unweighted;
// Total = NCC + lambda*Grad.
type Losses struct {
	Total float32
	NCC   float32
	Grad  float32
}

// Finite reports whether every loss is a finite number.
func (l Losses) Finite() bool {
	for _, v := range [...]float32{l.Total, l.NCC, l.Grad} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

// FormatProgress renders the progress line "<step>,1,<total>,<ncc>,<grad>".
// The 1 marks a training step.
func FormatProgress(step int, l Losses) string {
	b := make([]byte, 0, 64)
	b = strconv.AppendInt(b, int64(step), 10)
	b = append(b, ",1"...)
	for _, v := range [...]float32{l.Total, l.NCC, l.Grad} {
		b = append(b, ',')
		b = strconv.AppendFloat(b, float64(v), 'g', -1, 32)
	}
	return string(b)
}
