package system

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/types"
)

// the sub path the API is served over
const APISubPath = "/api/v1"

type HTTPError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadRequest, Kind: "bad_request", Message: message}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusNotFound, Kind: "not_found", Message: message}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusInternalServerError, Kind: "internal", Message: message}
}

// FromError maps the error taxonomy onto HTTP status codes. Anything not in
// the taxonomy is a 500.
func FromError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrPredefinedImmutable):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrDeviceUnauthorized):
		status = http.StatusConflict
	case errors.Is(err, types.ErrAllocationExhausted),
		errors.Is(err, types.ErrProxyUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, types.ErrBridgeUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	return &HTTPError{StatusCode: status, Kind: types.ErrorKind(err), Message: err.Error()}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WriteError emits the JSON failure body. Every failure response carries a
// machine-readable kind plus a human-readable message.
func WriteError(res http.ResponseWriter, err error) {
	httpErr := FromError(err)
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(httpErr.StatusCode)
	_ = json.NewEncoder(res).Encode(errorBody{
		Error: errorDetail{
			Kind:      httpErr.Kind,
			Message:   httpErr.Message,
			Retryable: types.RetryableKind(err),
		},
	})
}

type handlerFunc[T any] func(res http.ResponseWriter, req *http.Request) (T, error)

type WrapperConfig struct {
	// SuccessCode overrides the 200 written on success.
	SuccessCode int
}

// Wrapper adapts a data-returning handler into an http.HandlerFunc with
// uniform JSON encoding and error mapping.
func Wrapper[T any](handler handlerFunc[T]) http.HandlerFunc {
	return WrapperWithConfig(handler, WrapperConfig{})
}

func WrapperWithConfig[T any](handler handlerFunc[T], config WrapperConfig) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
			WriteError(res, err)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		if config.SuccessCode != 0 {
			res.WriteHeader(config.SuccessCode)
		}
		if encodeErr := json.NewEncoder(res).Encode(data); encodeErr != nil {
			log.Error().Err(encodeErr).Str("path", req.URL.Path).Msg("json encoding failed")
		}
	}
}
