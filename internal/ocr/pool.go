package ocr

import (
	"context"
	"errors"
	"image"
	"sync"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

// Pool hands out engines one caller at a time. Tesseract instances are not
// shared between concurrent calls; the pool bounds how many run at once.
type Pool struct {
	engines chan Engine
	all     []Engine
	once    sync.Once
}

// NewPool creates size engines using factory.
func NewPool(size int, factory func() (Engine, error)) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{engines: make(chan Engine, size)}
	for i := 0; i < size; i++ {
		e, err := factory()
		if err != nil {
			p.Close()
			return nil, apperrors.Wrapf(apperrors.ErrEngineInit, err, "create ocr engine %d", i)
		}
		p.all = append(p.all, e)
		p.engines <- e
	}
	return p, nil
}

// Acquire checks an engine out, waiting until one is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	select {
	case e := <-p.engines:
		return e, nil
	case <-ctx.Done():
		return nil, apperrors.Wrapf(apperrors.ErrEngineBusy, ctx.Err(), "waiting for ocr engine")
	}
}

// Release returns an engine to the pool.
func (p *Pool) Release(e Engine) {
	p.engines <- e
}

// With runs fn with a checked-out engine and always returns it, even if fn
// panics.
func (p *Pool) With(ctx context.Context, fn func(Engine) error) error {
	e, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(e)
	return fn(e)
}

func (p *Pool) Recognize(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	var res *Result
	err := p.With(ctx, func(e Engine) error {
		var err error
		res, err = e.Recognize(ctx, img, opts)
		return err
	})
	return res, err
}

// Available reports whether every pooled engine is usable.
func (p *Pool) Available() bool {
	if len(p.all) == 0 {
		return false
	}
	for _, e := range p.all {
		if !e.Available() {
			return false
		}
	}
	return true
}

// Size returns the number of engines in the pool.
func (p *Pool) Size() int { return len(p.all) }

func (p *Pool) Close() error {
	var errs []error
	p.once.Do(func() {
		for _, e := range p.all {
			if err := e.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
