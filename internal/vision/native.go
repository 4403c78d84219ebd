package vision

import (
	"image"
	"image/draw"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/gmsas95/donorscan/internal/forms"
)

// Native is a pure Go backend. Contour areas are measured as the area of
// the shape's bounding box, which equals the enclosed area for the ruled
// rectangles this pipeline looks for.
type Native struct{}

func NewNative() *Native {
	return &Native{}
}

func (n *Native) Name() string { return "native" }

func (n *Native) Init() error { return nil }

func (n *Native) Close() error { return nil }

func (n *Native) Grayscale(img image.Image) (*image.Gray, error) {
	if g, ok := img.(*image.Gray); ok {
		return normalize(g), nil
	}
	return nrgbaToGray(imaging.Grayscale(img)), nil
}

func (n *Native) GaussianBlur(src *image.Gray, sigma float64) (*image.Gray, error) {
	if sigma <= 0 {
		return normalize(src), nil
	}
	return nrgbaToGray(imaging.Blur(src, sigma)), nil
}

// AdaptiveThreshold marks a pixel as ink when it is darker than the mean of
// its blockSize neighbourhood minus c.
func (n *Native) AdaptiveThreshold(src *image.Gray, blockSize int, c float64) (*image.Gray, error) {
	src = normalize(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if blockSize < 3 {
		blockSize = 3
	}
	half := blockSize / 2

	// integral image, (w+1)x(h+1)
	iw := w + 1
	integral := make([]int64, iw*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			rowSum += int64(row[x])
			integral[(y+1)*iw+x+1] = integral[y*iw+x+1] + rowSum
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := clampInt(y-half, 0, h), clampInt(y+half+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clampInt(x-half, 0, w), clampInt(x+half+1, 0, w)
			sum := integral[y1*iw+x1] - integral[y0*iw+x1] - integral[y1*iw+x0] + integral[y0*iw+x0]
			mean := float64(sum) / float64((x1-x0)*(y1-y0))
			if float64(src.Pix[y*src.Stride+x]) < mean-c {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst, nil
}

// OtsuThreshold picks the global threshold that maximizes between-class
// variance and marks pixels at or below it as ink.
func (n *Native) OtsuThreshold(src *image.Gray) (*image.Gray, error) {
	src = normalize(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	var hist [256]int
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			hist[row[x]]++
		}
	}
	t := otsuLevel(hist, w*h)

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			if int(row[x]) <= t {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst, nil
}

func otsuLevel(hist [256]int, total int) int {
	if total == 0 {
		return 0
	}
	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}
	var sumB, wB float64
	best, threshold := -1.0, 0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = t
		}
	}
	return threshold
}

// MorphOpen erodes then dilates with a kernelW x kernelH rectangle. Both
// passes are separable, so each runs as a row pass followed by a column pass.
func (n *Native) MorphOpen(src *image.Gray, kernelW, kernelH int) (*image.Gray, error) {
	src = normalize(src)
	if kernelW < 1 {
		kernelW = 1
	}
	if kernelH < 1 {
		kernelH = 1
	}
	eroded := morph1D(morph1D(src, kernelW, true, true), kernelH, false, true)
	return morph1D(morph1D(eroded, kernelW, true, false), kernelH, false, false), nil
}

// morph1D runs a binary erosion (erode=true) or dilation along rows
// (horizontal=true) or columns. The window is anchored at k/2 for erosion
// and mirrored for dilation, so opening restores surviving strokes exactly.
func morph1D(src *image.Gray, k int, horizontal, erode bool) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if k == 1 {
		copy(dst.Pix, src.Pix)
		return dst
	}
	anchor := k / 2
	lo, hi := -anchor, k-1-anchor
	if !erode {
		lo, hi = -(k - 1 - anchor), anchor
	}

	length, lines := w, h
	if !horizontal {
		length, lines = h, w
	}
	at := func(line, i int) int {
		if horizontal {
			return line*src.Stride + i
		}
		return i*src.Stride + line
	}

	prefix := make([]int, length+1)
	for line := 0; line < lines; line++ {
		for i := 0; i < length; i++ {
			v := 0
			if src.Pix[at(line, i)] != 0 {
				v = 1
			}
			prefix[i+1] = prefix[i] + v
		}
		for i := 0; i < length; i++ {
			a, b := i+lo, i+hi
			if erode {
				if a < 0 || b >= length {
					continue
				}
				if prefix[b+1]-prefix[a] == k {
					dst.Pix[at(line, i)] = 255
				}
				continue
			}
			a, b = clampInt(a, 0, length-1), clampInt(b, 0, length-1)
			if prefix[b+1]-prefix[a] > 0 {
				dst.Pix[at(line, i)] = 255
			}
		}
	}
	return dst
}

// Contours labels 8-connected ink regions. In External mode, regions whose
// box lies inside a larger region's box are dropped.
func (n *Native) Contours(src *image.Gray, mode ContourMode) ([]Contour, error) {
	src = normalize(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	visited := make([]bool, w*h)
	var contours []Contour
	stack := make([]int, 0, 1024)

	for start := 0; start < w*h; start++ {
		if visited[start] || src.Pix[(start/w)*src.Stride+start%w] == 0 {
			continue
		}
		minX, minY, maxX, maxY := w, h, -1, -1
		visited[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := p%w, p/w
			if px < minX {
				minX = px
			}
			if px > maxX {
				maxX = px
			}
			if py < minY {
				minY = py
			}
			if py > maxY {
				maxY = py
			}
			for dy := -1; dy <= 1; dy++ {
				ny := py + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := px + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					q := ny*w + nx
					if visited[q] || src.Pix[ny*src.Stride+nx] == 0 {
						continue
					}
					visited[q] = true
					stack = append(stack, q)
				}
			}
		}
		box := forms.BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
		contours = append(contours, Contour{Box: box, Area: float64(box.Area())})
	}

	if mode == External {
		contours = outermost(contours)
	}
	return contours, nil
}

func outermost(contours []Contour) []Contour {
	sorted := make([]Contour, len(contours))
	copy(sorted, contours)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Area > sorted[j].Area })

	var kept []Contour
	for _, c := range sorted {
		inside := false
		for _, k := range kept {
			if k.Box.Contains(c.Box) {
				inside = true
				break
			}
		}
		if !inside {
			kept = append(kept, c)
		}
	}
	return kept
}

func normalize(g *image.Gray) *image.Gray {
	if g.Rect.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, g.Rect.Dx(), g.Rect.Dy()))
	draw.Draw(dst, dst.Bounds(), g, g.Rect.Min, draw.Src)
	return dst
}

func nrgbaToGray(src *image.NRGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[y*dst.Stride+x] = src.Pix[y*src.Stride+x*4]
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
