package llms

import (
	"bufio"
	"io"
	"strings"

	"github.com/google/uuid"
)

// sseData extracts the payload of one SSE line, skipping comments and
// non-data fields. ok is false for lines that carry no payload.
func sseData(line string) (data string, ok bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	return strings.TrimPrefix(line, "data: "), true
}

// synthCallID generates an id for dialects whose wire format omits one.
func synthCallID() string {
	return "call_" + uuid.NewString()
}

// newScanner returns a line scanner with a buffer large enough for big
// streamed frames (tool arguments can be a single long line).
func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}
