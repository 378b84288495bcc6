package decode

import (
	"errors"
	"testing"

	"omr-reader/internal/template"
	"omr-reader/pkg/geometry"

	"gocv.io/x/gocv"
)

type stubDecoder struct {
	text   string
	err    error
	size   [2]int
	closed bool
}

func (s *stubDecoder) Decode(region gocv.Mat) (string, error) {
	s.size = [2]int{region.Cols(), region.Rows()}
	return s.text, s.err
}

func (s *stubDecoder) Close() error {
	s.closed = true
	return nil
}

func TestRegistry_DecodeField(t *testing.T) {
	img := gocv.NewMatWithSize(100, 200, gocv.MatTypeCV8UC1)
	defer img.Close()

	stub := &stubDecoder{text: "ROLL-42"}
	r := NewRegistry()
	r.Register(template.DecodeQR, stub)

	tests := []struct {
		name     string
		region   geometry.Rect
		wantSize [2]int
	}{
		{"inside", geometry.Rect{X: 10, Y: 10, Width: 50, Height: 40}, [2]int{50, 40}},
		{"clipped at edge", geometry.Rect{X: 180, Y: -10, Width: 50, Height: 50}, [2]int{20, 40}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field := template.DecodedField{Label: "Code", Kind: template.DecodeQR, Region: tt.region}
			got, err := r.DecodeField(img, field)
			if err != nil {
				t.Fatalf("DecodeField failed: %v", err)
			}
			if got != "ROLL-42" {
				t.Errorf("got %q", got)
			}
			if stub.size != tt.wantSize {
				t.Errorf("decoder saw %v, want %v", stub.size, tt.wantSize)
			}
		})
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !stub.closed {
		t.Error("decoder not closed")
	}
}

func TestRegistry_Errors(t *testing.T) {
	img := gocv.NewMatWithSize(100, 200, gocv.MatTypeCV8UC1)
	defer img.Close()

	r := NewRegistry()
	r.Register(template.DecodeQR, &stubDecoder{err: ErrNotDecoded})

	field := template.DecodedField{Label: "Code", Kind: template.DecodeQR, Region: geometry.Rect{X: 0, Y: 0, Width: 10, Height: 10}}
	if _, err := r.DecodeField(img, field); !errors.Is(err, ErrNotDecoded) {
		t.Errorf("expected ErrNotDecoded, got %v", err)
	}

	field.Region = geometry.Rect{X: 500, Y: 500, Width: 10, Height: 10}
	if _, err := r.DecodeField(img, field); !errors.Is(err, ErrNotDecoded) {
		t.Errorf("expected ErrNotDecoded for outside region, got %v", err)
	}

	field.Kind = template.DecodeText
	if _, err := r.DecodeField(img, field); err == nil {
		t.Error("expected error for unregistered kind")
	}
}

func TestQRDecoder_Blank(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 120, 120, gocv.MatTypeCV8UC3)
	defer img.Close()

	q := NewQRDecoder()
	defer q.Close()
	if _, err := q.Decode(img); !errors.Is(err, ErrNotDecoded) {
		t.Errorf("expected ErrNotDecoded, got %v", err)
	}
}
