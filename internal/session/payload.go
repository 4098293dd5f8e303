// SPDX-License-Identifier: AGPL-3.0-only
package session

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/cleecy/mcp-retreaver/internal/errors"
)

// inbound is the JSON envelope clients may send instead of raw text.
type inbound struct {
	Text *string `json:"text"`
}

// Reply is the outbound envelope. It encodes as {"error": ...} when Error is
// set and as {"text": ...} otherwise, even for an empty answer.
type Reply struct {
	Text  string
	Error string
}

// IsError reports whether the reply carries an error.
func (r Reply) IsError() bool { return r.Error != "" }

func (r Reply) MarshalJSON() ([]byte, error) {
	if r.IsError() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{r.Text})
}

// DecodeInbound extracts the user text from a frame. A JSON object must carry
// a string "text" field; anything that does not parse as one is taken as raw
// text.
func DecodeInbound(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", errors.MalformedInput("payload is not valid UTF-8")
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", errors.MalformedInput("Empty message")
	}

	text := trimmed
	if strings.HasPrefix(trimmed, "{") {
		var env inbound
		// Frames that merely look like JSON are kept as raw text.
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
			if env.Text == nil {
				return "", errors.MalformedInput("Empty message")
			}
			text = strings.TrimSpace(*env.Text)
		} else if _, isType := err.(*json.UnmarshalTypeError); isType {
			return "", errors.MalformedInput(`"text" must be a string`)
		}
	}
	if text == "" {
		return "", errors.MalformedInput("Empty message")
	}
	return text, nil
}
