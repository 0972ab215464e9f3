// MODUL: image
// ZWECK: Kamerabilder laden, skalieren und in Tensoren umwandeln
// INPUT: Dateipfad, Bytes oder io.Reader
// OUTPUT: ImageInput bzw. ml.Tensor [3, H, W] mit Werten in [0, 1]
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadImage
// ABHAENGIGKEITEN: golang.org/x/image/draw, webp, bmp, tiff (extern), image/jpeg, image/png
// HINWEISE: Alle Bilder werden als RGBA konvertiert

package vision

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	// Standard-Decoder registrieren
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ollama/diffpolicy/ml"
)

// ImageInput enthaelt ein dekodiertes Bild mit Metadaten
type ImageInput struct {
	Image  *image.RGBA
	Width  int
	Height int
	Format ImageFormat
}

// LoadImage laedt ein Bild von einem Dateipfad
func LoadImage(path string) (*ImageInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadImageFromBytes(data)
}

// LoadImageFromBytes dekodiert ein Bild aus Byte-Daten
func LoadImageFromBytes(data []byte) (*ImageInput, error) {
	format := DetectFormat(data)
	if err := ValidateFormat(format); err != nil {
		return nil, err
	}

	return decodeWithFormat(bytes.NewReader(data), format)
}

// DecodeImage dekodiert ein Bild aus einem io.Reader
func DecodeImage(reader io.Reader) (*ImageInput, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadImageFromBytes(data)
}

// decodeWithFormat dekodiert und konvertiert zu RGBA
func decodeWithFormat(reader io.Reader, format ImageFormat) (*ImageInput, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("decode %s image: %w", format, err)
	}

	rgba := toRGBA(img)
	bounds := rgba.Bounds()

	return &ImageInput{
		Image:  rgba,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
	}, nil
}

// toRGBA konvertiert ein beliebiges image.Image zu *image.RGBA
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	return rgba
}

// ResizeImage skaliert ein Bild auf die angegebene Groesse
func ResizeImage(img *ImageInput, width, height int) (*ImageInput, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size: %dx%d", width, height)
	}
	if img.Width == width && img.Height == height {
		return img, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.Image, img.Image.Bounds(), draw.Src, nil)

	return &ImageInput{
		Image:  dst,
		Width:  width,
		Height: height,
		Format: img.Format,
	}, nil
}

// ToTensor wandelt ein Bild in einen Tensor [3, H, W] mit Werten in [0, 1] um
func ToTensor(img *ImageInput) *ml.Tensor {
	h, w := img.Height, img.Width
	out := ml.Zeros(3, h, w)
	data := out.Data()
	plane := h * w
	bounds := img.Image.Bounds()
	for y := range h {
		for x := range w {
			c := img.Image.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			i := y*w + x
			data[i] = float64(c.R) / 255
			data[plane+i] = float64(c.G) / 255
			data[2*plane+i] = float64(c.B) / 255
		}
	}
	return out
}

// Batch skaliert Bilder auf height x width und stapelt sie zu [N, 3, H, W]
func Batch(images []*ImageInput, height, width int) (*ml.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}
	ts := make([]*ml.Tensor, len(images))
	for i, img := range images {
		resized, err := ResizeImage(img, width, height)
		if err != nil {
			return nil, err
		}
		ts[i] = ToTensor(resized)
	}
	return ml.Stack(ts...), nil
}
