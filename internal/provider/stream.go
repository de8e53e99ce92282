package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ChatRelay/internal/backend"
)

const maxStreamLine = 1024 * 1024

var errLineTooLong = errors.New("stream line exceeds 1 MiB")

// readLine returns the next line of r. A line longer than maxStreamLine is
// drained up to its newline and reported as oversize.
func readLine(r *bufio.Reader, buf []byte) ([]byte, bool, error) {
	buf = buf[:0]
	oversize := false
	for {
		chunk, err := r.ReadSlice('\n')
		if oversize || len(buf)+len(chunk) > maxStreamLine {
			oversize = true
		} else {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, oversize, err
	}
}

// readStream consumes an NDJSON body, forwarding each fragment to onToken
// before reading the next record. *delivered is set once any fragment has
// reached the caller.
func (c *Client) readStream(endpoint Endpoint, body io.Reader, onToken TokenFunc, delivered *bool) (*Response, error) {
	reader := bufio.NewReaderSize(body, 64*1024)

	var (
		content   strings.Builder
		model     string
		fragments int
		evalCount int
		lineNo    int
		buf       []byte
		oversize  bool
		readErr   error
	)
	for {
		buf, oversize, readErr = readLine(reader, buf)
		if len(buf) == 0 && !oversize && readErr != nil {
			break
		}
		lineNo++
		if oversize {
			c.logger.Debug("skipping oversize stream line",
				"error", &ParseError{Endpoint: endpoint, Line: lineNo, Err: errLineTooLong})
			if readErr != nil {
				break
			}
			continue
		}

		line := bytes.TrimSpace(buf)
		if len(line) > 0 {
			var rec backend.OllamaResponse
			if err := json.Unmarshal(line, &rec); err != nil {
				c.logger.Debug("skipping malformed stream line",
					"error", &ParseError{Endpoint: endpoint, Line: lineNo, Err: err})
			} else {
				if rec.Model != "" {
					model = rec.Model
				}
				if fragment := rec.Text(); fragment != "" {
					content.WriteString(fragment)
					fragments++
					*delivered = true
					if onToken != nil {
						onToken(fragment, content.String())
					}
				}
				if rec.EvalCount > 0 {
					evalCount = rec.EvalCount
				}
				if rec.Done {
					readErr = nil
					break
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return nil, &TransportError{
			Endpoint: endpoint,
			Partial:  content.String(),
			Err:      fmt.Errorf("stream interrupted: %w", readErr),
		}
	}

	if strings.TrimSpace(content.String()) == "" {
		return nil, &EmptyResponseError{Endpoint: endpoint}
	}

	tokens := evalCount
	if tokens == 0 {
		tokens = fragments
	}
	return &Response{
		Content:    content.String(),
		Model:      model,
		TokenCount: tokens,
	}, nil
}
