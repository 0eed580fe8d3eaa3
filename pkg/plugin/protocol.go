// Package plugin is the wire protocol between envom and out-of-process
// capability plugins. Messages are JSON with a 4-byte big-endian length
// prefix; a plugin binary announces its socket with a handshake line on
// stdout.
package plugin

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// HandshakeVersion is the protocol version in the handshake line.
	HandshakeVersion = 1
	// MaxMessageSize is the maximum length of a single protocol message (4 MB).
	MaxMessageSize = 4 * 1024 * 1024
)

// Methods understood by a plugin.
const (
	MethodCapabilities = "capabilities"
	MethodInvoke       = "invoke"
)

// Request is the wire format sent from the host to the plugin.
type Request struct {
	Method     string         `json:"method"`
	ID         string         `json:"id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

// Response is the wire format sent from the plugin back to the host.
// Exactly one of Data, Error and Caps is meaningful.
type Response struct {
	CallID string           `json:"call_id,omitempty"`
	Data   any              `json:"data,omitempty"`
	Error  string           `json:"error,omitempty"`
	Caps   *CapabilitiesMsg `json:"caps,omitempty"`
}

// CapabilitiesMsg carries the plugin's self-description.
type CapabilitiesMsg struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Capabilities []CapabilityMsg `json:"capabilities"`
}

// Offers reports whether the plugin serves the named capability.
func (m CapabilitiesMsg) Offers(name string) bool {
	for _, c := range m.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// CapabilityMsg describes one capability a plugin serves.
type CapabilityMsg struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Keywords    []string       `json:"keywords,omitempty"`
	Parameters  []ParameterMsg `json:"parameters,omitempty"`
}

// ParameterMsg describes one parameter of a capability.
type ParameterMsg struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Handshake is the first line a plugin binary writes to stdout.
// Format: "<version>|<network>|<address>\n"
// Example: "1|unix|/tmp/envom-disk.sock"
type Handshake struct {
	Version int
	Network string // "unix" or "tcp"
	Address string // socket path or host:port
}

func (h Handshake) String() string {
	return fmt.Sprintf("%d|%s|%s", h.Version, h.Network, h.Address)
}

// ParseHandshake parses a handshake line from a plugin.
func ParseHandshake(line string) (Handshake, error) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 {
		return Handshake{}, fmt.Errorf("invalid handshake %q: expected version|network|address", line)
	}

	var h Handshake
	if _, err := fmt.Sscan(parts[0], &h.Version); err != nil {
		return Handshake{}, fmt.Errorf("invalid handshake version %q: %w", parts[0], err)
	}
	h.Network = parts[1]
	h.Address = parts[2]

	if h.Version != HandshakeVersion {
		return Handshake{}, fmt.Errorf("unsupported handshake version %d (want %d)", h.Version, HandshakeVersion)
	}
	if h.Network != "unix" && h.Network != "tcp" {
		return Handshake{}, fmt.Errorf("unsupported network %q (want unix or tcp)", h.Network)
	}
	if h.Address == "" {
		return Handshake{}, fmt.Errorf("invalid handshake %q: empty address", line)
	}
	return h, nil
}

// WriteMessage sends a length-prefixed JSON message.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message.
func ReadMessage(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", size, MaxMessageSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return json.Unmarshal(body, v)
}
