// Package plugin launches and talks to out-of-process capability plugins.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aitachi/envom/internal/capability"
	pkg "github.com/aitachi/envom/pkg/plugin"
)

// Client holds one connection to a running plugin. Calls are serialized
// over the connection. A call that fails on the wire drops the connection;
// the next call dials again.
type Client struct {
	network string
	address string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn // nil after a failed call until the next redial
	caps   pkg.CapabilitiesMsg
	closed bool
}

// Dial connects to a plugin at the given network/address and fetches
// its capabilities.
func Dial(network, address string, timeout time.Duration) (*Client, error) {
	c := &Client{network: network, address: address, timeout: timeout}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// DialFromHandshake connects using information from a handshake.
func DialFromHandshake(hs pkg.Handshake, timeout time.Duration) (*Client, error) {
	return Dial(hs.Network, hs.Address, timeout)
}

// connect opens a fresh connection and refreshes the capabilities.
func (c *Client) connect() error {
	conn, err := net.DialTimeout(c.network, c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("dial plugin at %s://%s: %w", c.network, c.address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	caps, err := fetchCapabilities(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	c.conn = conn
	c.caps = caps
	return nil
}

func fetchCapabilities(conn net.Conn) (pkg.CapabilitiesMsg, error) {
	if err := pkg.WriteMessage(conn, pkg.Request{Method: pkg.MethodCapabilities}); err != nil {
		return pkg.CapabilitiesMsg{}, fmt.Errorf("request capabilities: %w", err)
	}

	var resp pkg.Response
	if err := pkg.ReadMessage(conn, &resp); err != nil {
		return pkg.CapabilitiesMsg{}, fmt.Errorf("read capabilities: %w", err)
	}
	if resp.Error != "" {
		return pkg.CapabilitiesMsg{}, fmt.Errorf("capabilities error: %s", resp.Error)
	}
	if resp.Caps == nil {
		return pkg.CapabilitiesMsg{}, errors.New("plugin returned empty capabilities")
	}
	return *resp.Caps, nil
}

// Name returns the plugin's self-reported name.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Name
}

// Capabilities returns what the plugin said it serves.
func (c *Client) Capabilities() pkg.CapabilitiesMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Invoke runs one capability call. Cancelling ctx aborts the call; the
// reply can no longer be matched to its request, so the connection is
// dropped and the next call redials.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("plugin %s: %w", c.caps.Name, net.ErrClosed)
	}
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return nil, fmt.Errorf("plugin %s unavailable: %w", c.caps.Name, err)
		}
	}
	conn := c.conn

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	req := pkg.Request{
		Method:     pkg.MethodInvoke,
		ID:         uuid.NewString(),
		Capability: name,
		Args:       args,
	}
	var resp pkg.Response
	err := pkg.WriteMessage(conn, req)
	if err == nil {
		err = pkg.ReadMessage(conn, &resp)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.drop()
		return nil, fmt.Errorf("plugin call %s: %w", name, err)
	}
	if resp.CallID != "" && resp.CallID != req.ID {
		c.drop()
		return nil, fmt.Errorf("plugin call %s: reply for call %s while waiting for %s", name, resp.CallID, req.ID)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Handler binds the client to one capability.
func (c *Client) Handler(name string) capability.Handler {
	return capability.HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return c.Invoke(ctx, name, args)
	})
}

// Close terminates the connection. Later calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
