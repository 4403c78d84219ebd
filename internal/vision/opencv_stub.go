//go:build !gocv

package vision

import apperrors "github.com/gmsas95/donorscan/internal/errors"

func newOpenCV() (Backend, error) {
	return nil, apperrors.Wrapf(apperrors.ErrEngineInit, nil, "opencv backend requires building with -tags gocv")
}
