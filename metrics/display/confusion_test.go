package display

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/vg"
)

func TestConfusionMatrixDisplay_SavePNG(t *testing.T) {
	cm := mat.NewDense(3, 3, []float64{
		5, 1, 0,
		0, 6, 1,
		0, 0, 5,
	})
	d, err := NewConfusionMatrixDisplay(cm, []string{"class_0", "class_1", "class_2"})
	if err != nil {
		t.Fatalf("NewConfusionMatrixDisplay failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "confusion_matrix.png")
	if err := d.SavePNG(path, 3*vg.Inch); err != nil {
		t.Fatalf("SavePNG failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("saved file is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dx() != b.Dy() {
		t.Errorf("image bounds = %v, want a non-empty square", b)
	}
}

func TestConfusionMatrixDisplay_WritePNG(t *testing.T) {
	// a uniform matrix has no colour range
	d, err := NewConfusionMatrixDisplay(mat.NewDense(2, 2, []float64{1, 1, 1, 1}), nil)
	if err != nil {
		t.Fatalf("NewConfusionMatrixDisplay failed: %v", err)
	}
	if d.Labels[1] != "1" {
		t.Errorf("default labels = %v", d.Labels)
	}
	var buf bytes.Buffer
	if err := d.WritePNG(&buf, DefaultSize); err != nil {
		t.Fatalf("WritePNG failed: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
}

func TestNewConfusionMatrixDisplay_Errors(t *testing.T) {
	tests := []struct {
		name   string
		cm     *mat.Dense
		labels []string
	}{
		{"nil matrix", nil, nil},
		{"not square", mat.NewDense(2, 3, nil), nil},
		{"label count", mat.NewDense(2, 2, nil), []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConfusionMatrixDisplay(tt.cm, tt.labels); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
