package decode

import (
	"gocv.io/x/gocv"
)

// QRDecoder reads a QR code with the OpenCV detector.
// It is not safe for concurrent use.
type QRDecoder struct {
	detector gocv.QRCodeDetector
}

// NewQRDecoder creates a QR decoder. Release it with Close.
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{detector: gocv.NewQRCodeDetector()}
}

// Decode implements Decoder.
func (q *QRDecoder) Decode(region gocv.Mat) (string, error) {
	if region.Empty() {
		return "", ErrNotDecoded
	}
	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	text := q.detector.DetectAndDecode(region, &points, &straight)
	if text == "" {
		return "", ErrNotDecoded
	}
	return text, nil
}

// Close releases the detector.
func (q *QRDecoder) Close() error {
	return q.detector.Close()
}
