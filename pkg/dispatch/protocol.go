// Package dispatch defines the wire envelope spoken between callers and the
// capability dispatcher: one JSON object per line in each direction.
package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MethodListTools asks for every registered capability descriptor.
	MethodListTools = "list_tools"
	// MethodCallTool invokes one capability by name.
	MethodCallTool = "call_tool"

	// MaxLineSize is the maximum length of a single request or response line (4 MB).
	MaxLineSize = 4 * 1024 * 1024

	// UnsupportedRequest is the error text returned for lines that are not JSON objects.
	UnsupportedRequest = "unsupported request"
)

// ErrNotObject is returned by DecodeRequest when the payload is not a JSON object.
var ErrNotObject = errors.New(UnsupportedRequest)

// Request is the envelope sent to the dispatcher.
type Request struct {
	Method string      `json:"method"`
	Params *CallParams `json:"params"`
	ID     *string     `json:"id"`
}

// CallParams names the capability for call_tool and carries its arguments.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the envelope returned by the dispatcher. Exactly one of Data
// and Error is set; all four keys are always present on the wire.
type Response struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
	ID      *string `json:"id"`
}

// Tool is the wire form of a capability descriptor as returned by list_tools.
type Tool struct {
	Name        string      `json:"name"`
	ServiceID   string      `json:"service_id,omitempty"`
	Description string      `json:"description"`
	Keywords    []string    `json:"keywords,omitempty"`
	Parameters  []ToolParam `json:"parameters"`
}

// ToolParam describes one declared argument of a capability.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// OK builds a successful response. A nil payload becomes an empty object.
func OK(id *string, data any) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{Success: true, Data: data, ID: id}
}

// Fail builds a failed response carrying msg.
func Fail(id *string, msg string) Response {
	return Response{Success: false, Error: &msg, ID: id}
}

// Failf is Fail with formatting.
func Failf(id *string, format string, args ...any) Response {
	return Fail(id, fmt.Sprintf(format, args...))
}

// ErrorText returns the error message, or "" for a successful response.
func (r Response) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// NewCall builds a call_tool request.
func NewCall(id, name string, args map[string]any) Request {
	if args == nil {
		args = map[string]any{}
	}
	return Request{
		Method: MethodCallTool,
		Params: &CallParams{Name: name, Arguments: args},
		ID:     StringID(id),
	}
}

// StringID returns a pointer to id, or nil when id is empty.
func StringID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// DecodeRequest parses one request line. Anything other than a JSON object
// yields ErrNotObject.
func DecodeRequest(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Request{}, ErrNotObject
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return req, nil
}

// LineReader yields non-blank lines from a stream.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader wraps r, accepting lines of up to MaxLineSize bytes.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &LineReader{sc: sc}
}

// Next returns the next non-blank line. It returns io.EOF when the stream ends.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.sc.Scan() {
		line := bytes.TrimSpace(lr.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := lr.sc.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}

// WriteLine encodes v as a single JSON line.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) >= MaxLineSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxLineSize)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
