package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"genesis/internal/provider"
	"genesis/internal/store"
	"genesis/internal/translator"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Details string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Details string `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, details string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Details = details
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Details)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var (
		reqErr      requestError
		validation  *translator.ValidationError
		providerErr *provider.Error
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.As(err, &validation):
		return requestError{Status: http.StatusBadRequest, Message: validation.Message, Type: "invalid_request_error"}
	case errors.Is(err, provider.ErrUnknownModel), errors.Is(err, provider.ErrUnsupportedOperation):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, store.ErrInvalidName), errors.Is(err, store.ErrUnknownKind), errors.Is(err, store.ErrNotEmpty):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, store.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, provider.ErrEmptyResponse):
		return requestError{Status: http.StatusBadGateway, Message: "No response was generated.", Type: "upstream_error"}
	case errors.As(err, &providerErr):
		return requestError{Status: http.StatusBadGateway, Message: providerErr.Error(), Type: "upstream_error", Details: providerErr.Body}
	default:
		return requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"}
	}
}

func (s *Server) decodeRequestBody(c echo.Context, target any) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.Server.MaxMessageBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		var validation *translator.ValidationError
		if errors.As(err, &validation) {
			return toHTTPError(err)
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}
