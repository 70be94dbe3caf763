package inference

import (
	"fmt"
	"strings"
)

// TransportError reports an unreachable endpoint or a non-2xx response.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		body := strings.TrimSpace(e.Body)
		if body == "" {
			return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
		}
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that could not be decoded into the
// expected shape.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
