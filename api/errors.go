package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/inference-sim/batchserve/serve"
)

// Error types reported in ErrorResponse.ErrorType.
const (
	errTypeValidation = "validation"
	errTypeOverloaded = "overloaded"
	errTypeNotFound   = "not_found"
	errTypeShutdown   = "unavailable"
	errTypeTimeout    = "timeout"
	errTypeGeneration = "generation"
	errTypeInternal   = "internal"
)

// statusFor maps an engine error onto an HTTP status and error type.
// ErrRequestTooLarge also matches ErrRejected, so it is tested first:
// retrying a request that can never fit is pointless.
func statusFor(err error) (int, string) {
	var execErr *serve.ExecutionError
	switch {
	case errors.Is(err, serve.ErrRequestTooLarge), errors.Is(err, serve.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, errTypeValidation
	case errors.Is(err, serve.ErrRejected):
		return http.StatusTooManyRequests, errTypeOverloaded
	case errors.Is(err, serve.ErrUnknownRequest):
		return http.StatusNotFound, errTypeNotFound
	case errors.Is(err, serve.ErrEngineStopped):
		return http.StatusServiceUnavailable, errTypeShutdown
	case errors.Is(err, serve.ErrTimeout):
		return http.StatusGatewayTimeout, errTypeTimeout
	case errors.As(err, &execErr):
		return http.StatusFailedDependency, errTypeGeneration
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}

// eventError turns a terminal Error event into an error for statusFor.
func eventError(ev serve.Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	switch ev.Kind {
	case serve.ErrorKindTimeout:
		return serve.ErrTimeout
	case serve.ErrorKindShutdown:
		return serve.ErrEngineStopped
	default:
		return errors.New(string(ev.Kind) + " error")
	}
}

func writeError(c *echo.Context, err error) error {
	status, errType := statusFor(err)
	return writeJSON(c, status, ErrorResponse{Error: err.Error(), ErrorType: errType})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeJSON(c, http.StatusBadRequest, ErrorResponse{Error: msg, ErrorType: errTypeValidation})
}
