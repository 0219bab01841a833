package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 64 * 1024

// Error is a vendor transport or HTTP failure. Body keeps the vendor payload for diagnostics.
type Error struct {
	Provider string
	Status   int
	Message  string
	Body     string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Message != "":
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("%s upstream error status %d", e.Provider, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure that happened before a vendor status was received.
func TransportError(providerName string, err error) *Error {
	return &Error{Provider: providerName, Err: err}
}

// ParseAPIError reads a failed vendor response into an *Error. The vendor message is taken
// from the common {"error":{"message":...}} envelope when present.
func ParseAPIError(providerName string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &Error{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  "failed to read error body",
			Err:      err,
		}
	}

	trimmed := strings.TrimSpace(string(body))
	apiErr := &Error{
		Provider: providerName,
		Status:   resp.StatusCode,
		Body:     trimmed,
		Message:  trimmed,
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		kind := envelope.Error.Type
		if kind == "" {
			kind = envelope.Error.Status
		}
		if kind != "" {
			apiErr.Message = fmt.Sprintf("%s: %s", kind, envelope.Error.Message)
		} else {
			apiErr.Message = envelope.Error.Message
		}
	}

	return apiErr
}
