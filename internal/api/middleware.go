package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/donorscan/internal/errors"
)

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Info("Request",
			zap.String("id", c.GetRespHeader(fiber.HeaderXRequestID)),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

// statusFor maps application errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperrors.ErrBadRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnsupportedFormat):
		return fiber.StatusUnsupportedMediaType
	case errors.Is(err, apperrors.ErrInvalidDocument):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrEngineInit), errors.Is(err, apperrors.ErrEngineBusy):
		return fiber.StatusServiceUnavailable
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := statusFor(err)
		resp := ErrorResponse{Error: err.Error()}
		if apperrors.IsAppError(err) {
			resp.Code = apperrors.GetCode(err)
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
			if status == fiber.StatusInternalServerError {
				resp.Error = "internal error"
			}
		}
		return c.Status(status).JSON(resp)
	}
}
