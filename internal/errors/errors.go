package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so wrapped sentinels
// still satisfy errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigInvalid = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrUnsupportedFormat = &AppError{Code: "DOC_001", Message: "unsupported document format"}
	ErrInvalidDocument   = &AppError{Code: "DOC_002", Message: "document could not be decoded"}

	ErrEngineInit = &AppError{Code: "ENGINE_001", Message: "engine initialization failed"}

	ErrNoSuchPage = &AppError{Code: "RASTER_001", Message: "no such page"}

	ErrRecognition = &AppError{Code: "OCR_001", Message: "text recognition failed"}
	ErrEngineBusy  = &AppError{Code: "OCR_002", Message: "no recognition engine available"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// Wrap attaches err as the cause of a new AppError. Passing a sentinel as
// the base keeps its code and message.
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps cause under the code and message of a sentinel, appending detail.
func Wrapf(sentinel *AppError, cause error, format string, args ...interface{}) *AppError {
	msg := sentinel.Message
	if format != "" {
		msg = msg + ": " + fmt.Sprintf(format, args...)
	}
	return &AppError{
		Code:    sentinel.Code,
		Message: msg,
		Cause:   cause,
	}
}
