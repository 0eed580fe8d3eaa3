package plugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Handler is implemented by plugin authors. Invoke is called once per
// capability call; a non-nil error becomes the response error.
type Handler interface {
	Capabilities() CapabilitiesMsg
	Invoke(ctx context.Context, capability string, args map[string]any) (any, error)
}

// Serve listens on a fresh Unix socket, prints the handshake line to
// stdout and serves the host until the listener fails.
func Serve(handler Handler) error {
	sockDir, err := os.MkdirTemp("", "envom-plugin-*")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(sockDir) }()
	sockPath := filepath.Join(sockDir, "plugin.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	hs := Handshake{Version: HandshakeVersion, Network: "unix", Address: sockPath}
	if _, err := fmt.Fprintln(os.Stdout, hs.String()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return ServeListener(ln, handler)
}

// ServeListener accepts connections from ln until it is closed.
func ServeListener(ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go ServeConnection(handler, conn)
	}
}

// ServeConnection answers requests on conn in order until it breaks.
func ServeConnection(handler Handler, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}
		if err := WriteMessage(conn, answer(handler, req)); err != nil {
			return
		}
	}
}

func answer(handler Handler, req Request) (resp Response) {
	resp.CallID = req.ID
	switch req.Method {
	case MethodCapabilities:
		caps := handler.Capabilities()
		resp.Caps = &caps
	case MethodInvoke:
		defer func() {
			if r := recover(); r != nil {
				resp = Response{CallID: req.ID, Error: fmt.Sprintf("plugin panic: %v", r)}
			}
		}()
		data, err := handler.Invoke(context.Background(), req.Capability, req.Args)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Data = data
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	return resp
}
