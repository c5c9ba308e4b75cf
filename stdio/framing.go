package stdio

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const headerContentLength = "Content-Length"

// DefaultMaxMessageSize bounds the body of a single inbound message.
const DefaultMaxMessageSize = 64 << 20

var (
	errMissingContentLength = errors.New("missing Content-Length header")
	errMessageTooLarge      = errors.New("message exceeds maximum size")
)

// readFrame reads one header block and the body it announces. Header lines
// may end in CRLF or LF; headers other than Content-Length are ignored.
func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	length := -1
	sawHeader := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (sawHeader || line != "") {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Tolerate blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s %q", headerContentLength, strings.TrimSpace(value))
		}
		length = n
	}
	if length < 0 {
		return nil, errMissingContentLength
	}
	if max > 0 && length > max {
		return nil, fmt.Errorf("%w: %d > %d", errMessageTooLarge, length, max)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeMux serializes framed writes from concurrent handlers.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := fmt.Fprintf(m.w, "%s: %d\r\n\r\n", headerContentLength, len(b)); err != nil {
		return err
	}
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	return m.w.Flush()
}
