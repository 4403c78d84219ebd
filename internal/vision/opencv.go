//go:build gocv

package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/gmsas95/donorscan/internal/forms"
)

// OpenCV backs the primitives with gocv. Every Mat is created and closed
// inside the call that needs it; nothing native outlives a method call.
type OpenCV struct{}

func newOpenCV() (Backend, error) {
	return &OpenCV{}, nil
}

func (o *OpenCV) Name() string { return "opencv" }

func (o *OpenCV) Init() error {
	m := gocv.NewMat()
	defer m.Close()
	if m.Ptr() == nil {
		return fmt.Errorf("opencv runtime unavailable")
	}
	return nil
}

func (o *OpenCV) Close() error { return nil }

func (o *OpenCV) Grayscale(img image.Image) (*image.Gray, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)
	return matToGray(dst)
}

func (o *OpenCV) GaussianBlur(src *image.Gray, sigma float64) (*image.Gray, error) {
	return o.unary(src, func(in gocv.Mat, out *gocv.Mat) {
		gocv.GaussianBlur(in, out, image.Pt(0, 0), sigma, sigma, gocv.BorderDefault)
	})
}

func (o *OpenCV) AdaptiveThreshold(src *image.Gray, blockSize int, c float64) (*image.Gray, error) {
	if blockSize%2 == 0 {
		blockSize++
	}
	return o.unary(src, func(in gocv.Mat, out *gocv.Mat) {
		gocv.AdaptiveThreshold(in, out, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinaryInv, blockSize, float32(c))
	})
}

func (o *OpenCV) OtsuThreshold(src *image.Gray) (*image.Gray, error) {
	return o.unary(src, func(in gocv.Mat, out *gocv.Mat) {
		gocv.Threshold(in, out, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)
	})
}

func (o *OpenCV) MorphOpen(src *image.Gray, kernelW, kernelH int) (*image.Gray, error) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kernelW, kernelH))
	defer kernel.Close()
	return o.unary(src, func(in gocv.Mat, out *gocv.Mat) {
		gocv.MorphologyEx(in, out, gocv.MorphOpen, kernel)
	})
}

func (o *OpenCV) Contours(src *image.Gray, mode ContourMode) ([]Contour, error) {
	in, err := gocv.ImageGrayToMatGray(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	retrieval := gocv.RetrievalExternal
	if mode == List {
		retrieval = gocv.RetrievalList
	}
	points := gocv.FindContours(in, retrieval, gocv.ChainApproxSimple)
	defer points.Close()

	contours := make([]Contour, 0, points.Size())
	for i := 0; i < points.Size(); i++ {
		pv := points.At(i)
		rect := gocv.BoundingRect(pv)
		contours = append(contours, Contour{
			Box:  forms.BoxFromRect(rect),
			Area: gocv.ContourArea(pv),
		})
	}
	return contours, nil
}

func (o *OpenCV) unary(src *image.Gray, op func(in gocv.Mat, out *gocv.Mat)) (*image.Gray, error) {
	in, err := gocv.ImageGrayToMatGray(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	out := gocv.NewMat()
	defer out.Close()
	op(in, &out)
	return matToGray(out)
}

func matToGray(m gocv.Mat) (*image.Gray, error) {
	img, err := m.ToImage()
	if err != nil {
		return nil, err
	}
	g, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("unexpected mat image type %T", img)
	}
	return g, nil
}
