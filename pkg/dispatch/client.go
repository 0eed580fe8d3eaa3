package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client speaks the line protocol to a dispatch server over TCP. Calls on
// one client are serialized because the server answers in arrival order.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	in   *LineReader
}

// Dial connects to a dispatch server at address.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial dispatch server at %s: %w", address, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, in: NewLineReader(conn)}
}

// Do sends req and waits for its response. The context deadline, if any,
// bounds the round trip.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteLine(c.conn, req); err != nil {
		return Response{}, c.ctxErr(ctx, err)
	}
	line, err := c.in.Next()
	if err != nil {
		return Response{}, c.ctxErr(ctx, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ctxErr, err)
	}
	// The socket deadline can fire a moment before the context's own timer.
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return errors.Join(context.DeadlineExceeded, err)
	}
	return err
}

// ListTools fetches every registered capability.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	id := uuid.NewString()
	resp, err := c.Do(ctx, Request{Method: MethodListTools, ID: &id})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("list_tools: %s", resp.ErrorText())
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("list_tools: %w", err)
	}
	var tools []Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("list_tools: decode: %w", err)
	}
	return tools, nil
}

// Call invokes one capability. A failed capability is reported through the
// response, not the error; the error covers transport problems only.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (Response, error) {
	return c.Do(ctx, NewCall(uuid.NewString(), name, args))
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
