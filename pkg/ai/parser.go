package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyResponse means the model returned no usable text at all.
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrMalformedJSON means the reply, after fence stripping, does not
	// decode as JSON.
	ErrMalformedJSON = errors.New("model response is not valid JSON")
)

// StripCodeFences removes markdown code-fence markers (``` and the
// ```json variant) anywhere in the text and trims surrounding
// whitespace. Models sometimes fence their JSON and sometimes do not;
// stripping is global and idempotent so either form cleans to the same
// payload.
func StripCodeFences(raw string) string {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

// ParseModelJSON decodes a raw model reply into v. It fails with
// ErrEmptyResponse when the reply is absent or blank and with
// ErrMalformedJSON when the fence-stripped text does not decode. The
// offending raw text is logged before the error surfaces so a bad reply
// can always be diagnosed. No semantic validation happens here; callers
// that know the expected schema do that themselves.
func ParseModelJSON(raw string, v interface{}) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyResponse
	}

	cleaned := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		log.Error().
			Err(err).
			Str("rawResponse", raw).
			Msg("failed to parse model response as JSON")
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	return nil
}
