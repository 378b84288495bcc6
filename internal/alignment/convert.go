package alignment

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

// ImageToMat converts a Go image to a BGR gocv.Mat. Rows are converted in
// parallel stripes. The caller owns the returned Mat.
func ImageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image %dx%d", width, height)
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)

	parallelRows(height, func(yStart, yEnd int) {
		for y := yStart; y < yEnd; y++ {
			for x := 0; x < width; x++ {
				r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
				// OpenCV uses BGR format
				mat.SetUCharAt(y, x*3+0, uint8(b>>8))
				mat.SetUCharAt(y, x*3+1, uint8(g>>8))
				mat.SetUCharAt(y, x*3+2, uint8(r>>8))
			}
		}
	})

	return mat, nil
}

// MatToImage converts a BGR or single-channel gocv.Mat to a Go image.
func MatToImage(mat gocv.Mat) (image.Image, error) {
	h := mat.Rows()
	w := mat.Cols()

	switch mat.Type() {
	case gocv.MatTypeCV8UC1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		parallelRows(h, func(yStart, yEnd int) {
			for y := yStart; y < yEnd; y++ {
				row := y * img.Stride
				for x := 0; x < w; x++ {
					img.Pix[row+x] = mat.GetUCharAt(y, x)
				}
			}
		})
		return img, nil

	case gocv.MatTypeCV8UC3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		stride := img.Stride
		parallelRows(h, func(yStart, yEnd int) {
			for y := yStart; y < yEnd; y++ {
				rowOffset := y * stride
				for x := 0; x < w; x++ {
					pixOffset := rowOffset + x*4
					img.Pix[pixOffset+0] = mat.GetUCharAt(y, x*3+2) // R
					img.Pix[pixOffset+1] = mat.GetUCharAt(y, x*3+1) // G
					img.Pix[pixOffset+2] = mat.GetUCharAt(y, x*3+0) // B
					img.Pix[pixOffset+3] = 255                      // A
				}
			}
		})
		return img, nil

	default:
		return nil, fmt.Errorf("unsupported mat type %v", mat.Type())
	}
}

// parallelRows splits [0,height) into one stripe per CPU.
func parallelRows(height int, fn func(yStart, yEnd int)) {
	numWorkers := runtime.NumCPU()
	rowsPerWorker := (height + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := min(startY+rowsPerWorker, height)
		if startY >= height {
			break
		}
		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			fn(yStart, yEnd)
		}(startY, endY)
	}
	wg.Wait()
}

// toGray returns a single-channel copy of src. The caller owns the result.
func toGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	return gray
}
