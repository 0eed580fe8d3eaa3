package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	pkg "github.com/aitachi/envom/pkg/plugin"
)

// Process manages the lifecycle of a plugin subprocess.
type Process struct {
	mu     sync.Mutex
	path   string
	args   []string
	logger *zap.Logger
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewProcess creates a process handle without starting it.
func NewProcess(logger *zap.Logger, binaryPath string, args ...string) *Process {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		path:   binaryPath,
		args:   args,
		logger: logger,
	}
}

// Start launches the plugin binary and waits for its handshake line on
// stdout. The process outlives ctx; use Stop to end it.
func (p *Process) Start(ctx context.Context, timeout time.Duration) (pkg.Handshake, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.path, p.args...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pkg.Handshake{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return pkg.Handshake{}, fmt.Errorf("start %s: %w", p.path, err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})
	exited := p.exited

	go func() {
		err := cmd.Wait()
		p.logger.Info("plugin process exited", zap.String("path", p.path), zap.Error(err))
		close(exited)
	}()

	hsLine := make(chan string, 1)
	hsErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		if scanner.Scan() {
			hsLine <- strings.TrimSpace(scanner.Text())
		} else if err := scanner.Err(); err != nil {
			hsErr <- fmt.Errorf("reading handshake: %w", err)
		} else {
			hsErr <- errors.New("plugin closed stdout before handshake")
		}
		// keep the pipe drained
		_, _ = io.Copy(io.Discard, stdout)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-hsLine:
		hs, err := pkg.ParseHandshake(line)
		if err != nil {
			_ = cmd.Process.Kill()
			return pkg.Handshake{}, err
		}
		return hs, nil
	case err := <-hsErr:
		_ = cmd.Process.Kill()
		return pkg.Handshake{}, err
	case <-timer.C:
		_ = cmd.Process.Kill()
		return pkg.Handshake{}, fmt.Errorf("handshake timeout after %s for %s", timeout, p.path)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return pkg.Handshake{}, ctx.Err()
	case <-exited:
		return pkg.Handshake{}, fmt.Errorf("plugin exited before handshake: %s", p.path)
	}
}

// Stop sends SIGINT and waits for the process to exit. If it doesn't
// exit within the grace period, it is killed.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Warn("interrupt failed, killing plugin", zap.String("path", p.path), zap.Error(err))
		return cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		p.logger.Warn("plugin did not exit, killing", zap.String("path", p.path), zap.Duration("grace", grace))
		return cmd.Process.Kill()
	}
}

// Running reports whether the process is still alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}
