package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType ist der Speichertyp der Tensordaten in einer Datei
type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// ParseDType akzeptiert die safetensors-Namen in beliebiger Schreibweise.
// Ein leerer String ergibt F32.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToUpper(s)); d {
	case "":
		return F32, nil
	case F64, F32, F16, BF16:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}

// Size ist die Anzahl Bytes pro Element
func (d DType) Size() int {
	switch d {
	case F64:
		return 8
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

func encode(d DType, data []float64) []byte {
	switch d {
	case F64:
		b := make([]byte, 8*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return b
	case F32:
		b := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
		return b
	case F16:
		b := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return b
	case BF16:
		return bfloat16.EncodeFloat32(toFloat32(data))
	default:
		panic("checkpoint: unsupported dtype " + string(d))
	}
}

func decode(d DType, b []byte) []float64 {
	n := len(b) / d.Size()
	out := make([]float64, n)
	switch d {
	case F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
	case F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case F16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32())
		}
	case BF16:
		for i, v := range bfloat16.DecodeFloat32(b) {
			out[i] = float64(v)
		}
	}
	return out
}

func toFloat32(data []float64) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out
}
