package wire

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Error is a server-reported error, carried in result and nosub messages.
//
// Servers send the code either as a string ("not-found") or a number (404).
// The top-level "error" message sends only a bare string; that form decodes
// into Code with the other fields left empty.
type Error struct {
	Code      any    `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	code := formatCode(e.Code)
	switch {
	case e.Reason != "" && code != "":
		return fmt.Sprintf("%s [%s]", e.Reason, code)
	case e.Reason != "":
		return e.Reason
	case e.Message != "":
		return e.Message
	case code != "":
		return code
	default:
		return "unknown server error"
	}
}

// UnmarshalJSON accepts either an error object or a bare string.
func (e *Error) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode error code: %w", err)
		}
		*e = Error{Code: s}
		return nil
	}

	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode error object: %w", err)
	}
	*e = Error(p)
	return nil
}

func formatCode(code any) string {
	switch c := code.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		if c == math.Trunc(c) {
			return fmt.Sprintf("%d", int64(c))
		}
		return fmt.Sprintf("%g", c)
	default:
		return fmt.Sprintf("%v", c)
	}
}
