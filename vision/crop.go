package vision

import (
	"fmt"
	"math"

	"github.com/ollama/diffpolicy/ml"
)

// crop kopiert das Fenster [top, top+h) x [left, left+w) aus jedem Bild in x [N, C, H, W]
func crop(x *ml.Tensor, top, left, h, w int) *ml.Tensor {
	n, c, H, W := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := ml.Zeros(n, c, h, w)
	src, dst := x.Data(), out.Data()
	for b := range n {
		for ch := range c {
			for y := range h {
				s := ((b*c+ch)*H+top+y)*W + left
				d := ((b*c+ch)*h + y) * w
				copy(dst[d:d+w], src[s:s+w])
			}
		}
	}
	return out
}

func checkCrop(x *ml.Tensor, h, w int) error {
	if x.Rank() != 4 {
		return fmt.Errorf("vision: crop expects [N, C, H, W], got %v", x.Shape())
	}
	if h <= 0 || w <= 0 || h > x.Dim(2) || w > x.Dim(3) {
		return fmt.Errorf("vision: crop %dx%d does not fit image %dx%d", h, w, x.Dim(2), x.Dim(3))
	}
	return nil
}

// CenterCrop schneidet ein zentriertes Fenster h x w aus
func CenterCrop(x *ml.Tensor, h, w int) (*ml.Tensor, error) {
	if err := checkCrop(x, h, w); err != nil {
		return nil, err
	}
	top := int(math.Round(float64(x.Dim(2)-h) / 2))
	left := int(math.Round(float64(x.Dim(3)-w) / 2))
	return crop(x, top, left, h, w), nil
}

// RandomCrop schneidet ein zufaelliges Fenster h x w aus.
// Alle Bilder im Batch verwenden dasselbe Fenster.
func RandomCrop(x *ml.Tensor, h, w int, g *ml.Generator) (*ml.Tensor, error) {
	if err := checkCrop(x, h, w); err != nil {
		return nil, err
	}
	top := g.IntN(x.Dim(2) - h + 1)
	left := g.IntN(x.Dim(3) - w + 1)
	return crop(x, top, left, h, w), nil
}
