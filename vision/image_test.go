// MODUL: image_test
// ZWECK: Tests fuer Bild-Lade- und Tensor-Funktionen
// INPUT: Synthetische Bilder und PNG-Bytes
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, image, image/png, bytes
// HINWEISE: Testet Dekodierung, Resize und Tensor-Layout

package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"golang.org/x/image/bmp"
)

// createTestImage erzeugt ein einfarbiges RGBA-Bild
func createTestImage(w, h int, c color.Color) *image.RGBA {
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgba.Set(x, y, c)
		}
	}
	return rgba
}

// createPNGBytes erzeugt PNG-Bytes aus einem Testbild
func createPNGBytes(w, h int, c color.Color) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, createTestImage(w, h, c))
	return buf.Bytes()
}

func TestLoadImageFromBytes(t *testing.T) {
	img, err := LoadImageFromBytes(createPNGBytes(100, 50, color.RGBA{255, 0, 0, 255}))
	if err != nil {
		t.Fatalf("LoadImageFromBytes() error = %v", err)
	}

	if img.Width != 100 || img.Height != 50 {
		t.Errorf("Groesse = %dx%d, erwartet 100x50", img.Width, img.Height)
	}
	if img.Format != FormatPNG {
		t.Errorf("Format = %v, erwartet %v", img.Format, FormatPNG)
	}
}

func TestLoadImageFromBytesBMP(t *testing.T) {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, createTestImage(4, 3, color.White)); err != nil {
		t.Fatal(err)
	}

	img, err := LoadImageFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("LoadImageFromBytes() error = %v", err)
	}
	if img.Format != FormatBMP || img.Width != 4 || img.Height != 3 {
		t.Errorf("unerwartetes Bild: %v %dx%d", img.Format, img.Width, img.Height)
	}
}

func TestLoadImageFromBytesInvalid(t *testing.T) {
	if _, err := LoadImageFromBytes([]byte{0x00, 0x00, 0x00, 0x00}); err == nil {
		t.Error("Erwartet Fehler bei ungueltigem Format")
	}
}

func TestDecodeImage(t *testing.T) {
	img, err := DecodeImage(bytes.NewReader(createPNGBytes(80, 60, color.White)))
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}

	if img.Width != 80 || img.Height != 60 {
		t.Errorf("Groesse = %dx%d, erwartet 80x60", img.Width, img.Height)
	}
}

func TestResizeImage(t *testing.T) {
	img, _ := LoadImageFromBytes(createPNGBytes(100, 100, color.White))

	resized, err := ResizeImage(img, 50, 40)
	if err != nil {
		t.Fatalf("ResizeImage() error = %v", err)
	}
	if resized.Width != 50 || resized.Height != 40 {
		t.Errorf("Groesse = %dx%d, erwartet 50x40", resized.Width, resized.Height)
	}

	if _, err := ResizeImage(img, 0, 10); err == nil {
		t.Error("Erwartet Fehler bei Groesse 0")
	}
}

func TestToTensorLayout(t *testing.T) {
	rgba := createTestImage(3, 2, color.RGBA{255, 0, 0, 255})
	rgba.Set(2, 1, color.RGBA{0, 0, 255, 255})
	tensor := ToTensor(&ImageInput{Image: rgba, Width: 3, Height: 2, Format: FormatPNG})

	if got := tensor.Shape(); got[0] != 3 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Form = %v, erwartet [3 2 3]", got)
	}
	if tensor.At(0, 0, 0) != 1 || tensor.At(1, 0, 0) != 0 {
		t.Errorf("erstes Pixel sollte rot sein")
	}
	if tensor.At(0, 1, 2) != 0 || tensor.At(2, 1, 2) != 1 {
		t.Errorf("letztes Pixel sollte blau sein")
	}
}

func TestBatch(t *testing.T) {
	a, _ := LoadImageFromBytes(createPNGBytes(16, 16, color.White))
	b, _ := LoadImageFromBytes(createPNGBytes(8, 12, color.Black))

	batch, err := Batch([]*ImageInput{a, b}, 10, 6)
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if got := batch.Shape(); len(got) != 4 || got[0] != 2 || got[1] != 3 || got[2] != 10 || got[3] != 6 {
		t.Errorf("Form = %v, erwartet [2 3 10 6]", got)
	}
	if batch.At(0, 1, 5, 3) != 1 || batch.At(1, 2, 5, 3) != 0 {
		t.Errorf("Pixelwerte nach Resize falsch")
	}

	if _, err := Batch(nil, 4, 4); err == nil {
		t.Error("Erwartet Fehler bei leerem Batch")
	}
}
