package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

const (
	skewSampleWidth = 600
	skewMaxAngle    = 5.0
	skewStep        = 0.25
	// angles at or below this are left alone
	skewMinCorrection = 0.5
	maxSkewPoints     = 20000
)

func deskew(img image.Image) (image.Image, error) {
	angle := estimateSkew(img)
	if math.Abs(angle) <= skewMinCorrection {
		return img, nil
	}
	return imaging.Rotate(img, angle, color.White), nil
}

// estimateSkew returns the text-line tilt in degrees, positive when lines
// fall towards the right. It searches for the angle whose row projection of
// dark pixels is sharpest.
func estimateSkew(img image.Image) float64 {
	small := imaging.Grayscale(img)
	if small.Bounds().Dx() > skewSampleWidth {
		small = imaging.Resize(small, skewSampleWidth, 0, imaging.Box)
	}
	b := small.Bounds()
	w, h := b.Dx(), b.Dy()

	type point struct{ x, y float64 }
	var points []point
	for y := 0; y < h; y++ {
		row := small.Pix[y*small.Stride:]
		for x := 0; x < w; x++ {
			if row[x*4] < 128 {
				points = append(points, point{float64(x), float64(y)})
			}
		}
	}
	if len(points) < 50 {
		return 0
	}
	if len(points) > maxSkewPoints {
		stride := len(points)/maxSkewPoints + 1
		sampled := points[:0]
		for i := 0; i < len(points); i += stride {
			sampled = append(sampled, points[i])
		}
		points = sampled
	}

	offset := float64(w) * math.Tan(skewMaxAngle*math.Pi/180)
	bins := make([]int, h+int(2*offset)+2)
	best, bestScore := 0.0, -1.0
	for a := -skewMaxAngle; a <= skewMaxAngle+1e-9; a += skewStep {
		tan := math.Tan(a * math.Pi / 180)
		for i := range bins {
			bins[i] = 0
		}
		for _, p := range points {
			r := int(math.Round(p.y - p.x*tan + offset))
			if r >= 0 && r < len(bins) {
				bins[r]++
			}
		}
		var score float64
		for _, c := range bins {
			score += float64(c * c)
		}
		// prefer the smaller correction on ties
		if score > bestScore || (score == bestScore && math.Abs(a) < math.Abs(best)) {
			best, bestScore = a, score
		}
	}
	return best
}

// normalizeContrast stretches luminance so the 1st and 99th percentiles map
// to black and white.
func normalizeContrast(img image.Image) (image.Image, error) {
	gray := imaging.Grayscale(img)
	var hist [256]int
	total := 0
	for i := 0; i < len(gray.Pix); i += 4 {
		hist[gray.Pix[i]]++
		total++
	}
	if total == 0 {
		return img, nil
	}
	lo, hi := percentile(hist, total, 0.01), percentile(hist, total, 0.99)
	if hi-lo < 10 {
		return img, nil
	}
	if lo == 0 && hi == 255 {
		return img, nil
	}
	scale := 255.0 / float64(hi-lo)
	stretch := func(v uint8) uint8 {
		f := (float64(v) - float64(lo)) * scale
		return uint8(math.Max(0, math.Min(255, math.Round(f))))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: stretch(c.R), G: stretch(c.G), B: stretch(c.B), A: c.A}
	}), nil
}

func percentile(hist [256]int, total int, q float64) int {
	target := int(float64(total) * q)
	seen := 0
	for v, c := range hist {
		seen += c
		if seen > target {
			return v
		}
	}
	return 255
}

func denoise(img image.Image) (image.Image, error) {
	return imaging.Blur(img, 0.5), nil
}
