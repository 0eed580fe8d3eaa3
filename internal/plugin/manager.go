package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultStopGrace        = 5 * time.Second
)

type managed struct {
	target  string
	process *Process
	client  *Client
}

// Manager launches plugins on demand. Several capabilities bound to the
// same target share one process and connection.
type Manager struct {
	mu      sync.Mutex
	logger  *zap.Logger
	plugins map[string]*managed
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:  logger.Named("plugin"),
		plugins: make(map[string]*managed),
	}
}

// Bind returns a handler for name served by the plugin at target: a
// binary path, or tcp://host:port for a plugin that is already running.
// It fails when the plugin cannot be reached or does not offer name.
func (m *Manager) Bind(ctx context.Context, name, target string) (capability.Handler, error) {
	mg, err := m.load(ctx, target)
	if err != nil {
		return nil, err
	}
	caps := mg.client.Capabilities()
	if !caps.Offers(name) {
		return nil, fmt.Errorf("plugin %s (%s) does not offer capability %q", caps.Name, target, name)
	}
	m.logger.Info("capability bound to plugin",
		zap.String("capability", name),
		zap.String("plugin", caps.Name),
		zap.String("target", target))
	return mg.client.Handler(name), nil
}

func (m *Manager) load(ctx context.Context, target string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mg, ok := m.plugins[target]; ok {
		return mg, nil
	}

	mg := &managed{target: target}
	var err error
	switch detectPluginMode(target) {
	case modeRemote:
		mg.client, err = m.connectRemote(target)
	default:
		mg.process, mg.client, err = m.launchBinary(ctx, target)
	}
	if err != nil {
		return nil, err
	}
	m.plugins[target] = mg
	m.logger.Info("plugin loaded",
		zap.String("plugin", mg.client.Name()),
		zap.String("target", target),
		zap.Int("capabilities", len(mg.client.Capabilities().Capabilities)))
	return mg, nil
}

func (m *Manager) launchBinary(ctx context.Context, path string) (*Process, *Client, error) {
	proc := NewProcess(m.logger, path)
	hs, err := proc.Start(ctx, defaultHandshakeTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("start plugin %s: %w", path, err)
	}

	client, err := DialFromHandshake(hs, defaultDialTimeout)
	if err != nil {
		_ = proc.Stop(defaultStopGrace)
		return nil, nil, fmt.Errorf("dial plugin %s: %w", path, err)
	}
	return proc, client, nil
}

func (m *Manager) connectRemote(target string) (*Client, error) {
	addr := target[len("tcp://"):]
	client, err := Dial("tcp", addr, defaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect remote plugin at %s: %w", addr, err)
	}
	return client, nil
}

// StopAll closes every connection and stops launched processes.
func (m *Manager) StopAll() {
	m.mu.Lock()
	plugins := m.plugins
	m.plugins = make(map[string]*managed)
	m.mu.Unlock()

	for target, mg := range plugins {
		_ = mg.client.Close()
		if mg.process == nil {
			continue
		}
		if err := mg.process.Stop(defaultStopGrace); err != nil {
			m.logger.Warn("stop plugin", zap.String("target", target), zap.Error(err))
		}
	}
}

// List returns the targets of all loaded plugins.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]string, 0, len(m.plugins))
	for t := range m.plugins {
		targets = append(targets, t)
	}
	return targets
}

type pluginMode string

const (
	modeBinary pluginMode = "binary"
	modeRemote pluginMode = "tcp"
)

func detectPluginMode(target string) pluginMode {
	if strings.HasPrefix(strings.ToLower(target), "tcp://") {
		return modeRemote
	}
	return modeBinary
}
