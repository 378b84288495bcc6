package decode

import (
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// minTextHeight is the region height below which text is upscaled before
// recognition.
const minTextHeight = 64

// TextDecoder reads a single line of printed text with Tesseract.
// It is not safe for concurrent use.
type TextDecoder struct {
	client    *gosseract.Client
	whitelist string
}

// NewTextDecoder creates a text decoder for the given Tesseract language.
// An empty whitelist allows every character.
func NewTextDecoder(language, whitelist string) (*TextDecoder, error) {
	client := gosseract.NewClient()

	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	// Field contents (names, codes) are rarely dictionary words
	_ = client.SetVariable("load_system_dawg", "false")
	_ = client.SetVariable("load_freq_dawg", "false")

	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set PSM: %w", err)
	}
	if whitelist != "" {
		if err := client.SetWhitelist(whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	return &TextDecoder{client: client, whitelist: whitelist}, nil
}

// Decode implements Decoder.
func (d *TextDecoder) Decode(region gocv.Mat) (string, error) {
	if region.Empty() {
		return "", ErrNotDecoded
	}

	processed := preprocessForText(region)
	defer processed.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, processed)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	if err := d.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}
	text, err := d.client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", ErrNotDecoded
	}
	return text, nil
}

// Close releases the Tesseract client.
func (d *TextDecoder) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// preprocessForText converts to grayscale, upscales short regions and
// binarizes with Otsu's method.
func preprocessForText(region gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if region.Channels() == 1 {
		region.CopyTo(&gray)
	} else {
		gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)
	}

	if h := gray.Rows(); h > 0 && h < minTextHeight {
		scale := float64(minTextHeight) / float64(h)
		scaled := gocv.NewMat()
		gocv.Resize(gray, &scaled, image.Point{}, scale, scale, gocv.InterpolationCubic)
		gray.Close()
		gray = scaled
	}

	binary := gocv.NewMat()
	gocv.Threshold(gray, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	gray.Close()
	return binary
}
