package llm

import (
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// StatusCode extracts the HTTP status from a provider API error.
func StatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var oaErr *openai.Error
	if errors.As(err, &oaErr) && oaErr != nil {
		return oaErr.StatusCode, true
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) && anErr != nil {
		return anErr.StatusCode, true
	}
	return 0, false
}
