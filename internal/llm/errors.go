package llm

import (
	"errors"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	sdk "github.com/openai/openai-go/v2"
	genai "google.golang.org/genai"
)

// APIError carries the upstream HTTP status and body an adapter's SDK
// attached to a failed call, so the router can classify the failure
// (transient vs. context-overflow vs. unavailable) without importing any
// one provider's SDK error type.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string { return e.Err.Error() }
func (e *APIError) Unwrap() error { return e.Err }

// classifyAPIError wraps a provider SDK error in an *APIError when the SDK
// exposes an HTTP status code, matching it against each of the three
// provider SDKs' own error types in turn. Errors that carry no status (a
// dropped connection, a canceled context) pass through unchanged, leaving
// the router's transient-network-error detection to handle them.
func classifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	var oaiErr *sdk.Error
	if errors.As(err, &oaiErr) {
		return &APIError{StatusCode: oaiErr.StatusCode, Body: oaiErr.Error(), Err: err}
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return &APIError{StatusCode: anthErr.StatusCode, Body: anthErr.Error(), Err: err}
	}
	var genErr genai.APIError
	if errors.As(err, &genErr) {
		return &APIError{StatusCode: genErr.Code, Body: genErr.Message, Err: err}
	}
	return err
}
