package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxMessagePayloadBytes caps the persisted-row payload a client may ask
	// the server to fan out.
	MaxMessagePayloadBytes = 16384

	// MaxContentChars caps the character count of a message body.
	MaxContentChars = 4000

	// MaxUserNameChars caps client-supplied display names on typing frames.
	MaxUserNameChars = 80
)

// ValidateMessagePayload checks a message_sent payload before it is fanned
// out: it must be a non-empty JSON object within the size cap, and if it
// carries a "content" field the body must be valid UTF-8 within the
// character limit.
func ValidateMessagePayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("message payload is empty")
	}
	if len(raw) > MaxMessagePayloadBytes {
		return fmt.Errorf("message payload exceeds %d byte limit", MaxMessagePayloadBytes)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("message payload is not a JSON object")
	}

	if body, ok := fields["content"]; ok {
		var content string
		if err := json.Unmarshal(body, &content); err != nil {
			return fmt.Errorf("message content is not a string")
		}
		if !utf8.ValidString(content) {
			return fmt.Errorf("message content contains invalid UTF-8")
		}
		if utf8.RuneCountInString(content) > MaxContentChars {
			return fmt.Errorf("message content exceeds %d character limit", MaxContentChars)
		}
	}
	return nil
}

// ValidateUserName checks a client-supplied display name on typing frames.
// Empty is allowed (it signals stopped-typing on the wire).
func ValidateUserName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("user name contains invalid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxUserNameChars {
		return fmt.Errorf("user name exceeds %d character limit", MaxUserNameChars)
	}
	return nil
}
