// Package app assembles a running envom instance from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/agent"
	"github.com/aitachi/envom/internal/artifact"
	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/config"
	"github.com/aitachi/envom/internal/dispatch"
	"github.com/aitachi/envom/internal/failover"
	"github.com/aitachi/envom/internal/intent"
	"github.com/aitachi/envom/internal/lua"
	"github.com/aitachi/envom/internal/metrics"
	"github.com/aitachi/envom/internal/oracle"
	"github.com/aitachi/envom/internal/pipeline"
	"github.com/aitachi/envom/internal/plan"
	"github.com/aitachi/envom/internal/plugin"
	"github.com/aitachi/envom/internal/provider"
	"github.com/aitachi/envom/internal/requestpkg"
	"github.com/aitachi/envom/internal/server"
)

// App holds the wired components. Close releases the store and plugins.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Store      artifact.Store
	Registry   *capability.Registry
	Dispatcher *dispatch.Dispatcher
	Resolver   *intent.Resolver
	Agent      *agent.Agent
	Pipeline   *pipeline.Controller

	plugins *plugin.Manager
}

// New builds every component. Capability bindings that fail are logged and
// served as placeholders; anything else that fails aborts startup.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		plugins: plugin.NewManager(logger),
	}

	store, err := artifact.Open(ctx, artifact.Options{
		Backend: cfg.Artifacts.Backend,
		Redis: artifact.RedisOptions{
			Addr:     cfg.Artifacts.Redis.Addr,
			Password: cfg.Artifacts.Redis.Password,
			DB:       cfg.Artifacts.Redis.DB,
			Prefix:   cfg.Artifacts.Redis.Prefix,
			TTL:      secondsDuration(cfg.Artifacts.Redis.TTLSeconds),
		},
		DataDir:     cfg.Artifacts.DataDir,
		PostgresDSN: cfg.Artifacts.PostgresDSN,
	})
	if err != nil {
		return nil, err
	}
	a.Store = store

	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	o, err := newOracle(cfg.Oracle, a.Logger)
	if err != nil {
		return err
	}
	rules := oracle.NewRules(cfg.Oracle.Rules)

	b := capability.NewBuilder()
	if err := capability.DeclareCatalogue(b); err != nil {
		return err
	}
	bindings, err := a.bindings()
	if err != nil {
		return err
	}
	for _, name := range sortedNames(cfg.Capabilities) {
		if b.Declared(name) {
			continue
		}
		if err := b.Declare(cfg.Capabilities[name].Descriptor(name)); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}
	if !b.Declared(cfg.Intent.DefaultCapability) {
		return fmt.Errorf("intent.default_capability %q is not a declared capability", cfg.Intent.DefaultCapability)
	}

	a.Pipeline, err = pipeline.New(o, a.Store,
		pipeline.WithLogger(a.Logger),
		pipeline.WithMetrics(a.Metrics),
		pipeline.WithMaxIterations(cfg.Pipeline.MaxIterations),
		pipeline.WithRules(rules))
	if err != nil {
		return err
	}
	if err := b.WirePipeline(capability.FullInspection, a.Pipeline, timeoutOption(bindings[capability.FullInspection])...); err != nil {
		return err
	}

	for _, name := range sortedNames(bindings) {
		a.bind(ctx, b, name, bindings[name])
	}

	a.Registry = b.Build()
	a.Dispatcher = dispatch.New(a.Registry,
		dispatch.WithStepTimeout(cfg.Dispatch.StepTimeout()),
		dispatch.WithLogger(a.Logger),
		dispatch.WithMetrics(a.Metrics))
	a.Resolver = intent.New(o, a.Registry.List(),
		intent.WithLogger(a.Logger),
		intent.WithMetrics(a.Metrics),
		intent.WithRules(rules),
		intent.WithDefaultCapability(cfg.Intent.DefaultCapability))
	a.Agent = agent.New(a.Resolver, plan.NewExecutor(a.Dispatcher, a.Logger), a.Registry.List(), a.Logger)

	a.Logger.Info("capabilities registered",
		zap.Int("total", a.Registry.Len()),
		zap.Strings("placeholders", a.Registry.Placeholders()))
	return nil
}

// bindings merges request package files under the explicit capability
// config; an explicit entry wins.
func (a *App) bindings() (map[string]config.CapabilityConfig, error) {
	out := make(map[string]config.CapabilityConfig, len(a.Config.Capabilities))
	if dir := a.Config.RequestPackagesDir; dir != "" {
		pkgs, err := requestpkg.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		for name, p := range pkgs {
			out[name] = config.CapabilityConfig{Request: &p}
		}
	}
	for name, cc := range a.Config.Capabilities {
		if prev, ok := out[name]; ok && cc.Backend() == "" {
			cc.Request = prev.Request
		}
		out[name] = cc
	}
	return out, nil
}

func (a *App) bind(ctx context.Context, b *capability.Builder, name string, cc config.CapabilityConfig) {
	log := a.Logger.With(zap.String("capability", name), zap.String("backend", cc.Backend()))
	if cc.Backend() == "" {
		return
	}
	if name == capability.FullInspection {
		log.Warn("the full inspection capability is served by the pipeline; binding ignored")
		return
	}
	if !b.Declared(name) {
		log.Warn("binding for an undeclared capability ignored")
		return
	}

	h, err := a.handler(ctx, name, cc)
	if err != nil {
		log.Warn("capability binding failed, serving placeholder", zap.Error(err))
		_ = b.WireFailed(name, err)
		return
	}
	if err := b.Wire(name, h, timeoutOption(cc)...); err != nil {
		log.Warn("capability binding failed, serving placeholder", zap.Error(err))
		_ = b.WireFailed(name, err)
		return
	}
	log.Info("capability bound")
}

func (a *App) handler(ctx context.Context, name string, cc config.CapabilityConfig) (capability.Handler, error) {
	switch {
	case cc.Request != nil:
		return requestpkg.NewHandler(*cc.Request, nil)
	case cc.Lua != "":
		return lua.Load(cc.Lua)
	case cc.Plugin != "":
		return a.plugins.Bind(ctx, name, cc.Plugin)
	}
	return nil, errors.New("no backend configured")
}

func newOracle(cfg config.OracleConfig, logger *zap.Logger) (oracle.Oracle, error) {
	if cfg.Endpoint == "" {
		return oracle.Unavailable{}, nil
	}
	primary, err := providerOracle("oracle", cfg, config.OracleEndpoint{
		Endpoint: cfg.Endpoint, API: cfg.API, APIKey: cfg.APIKey, Model: cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	endpoints := []failover.Endpoint{{Name: "oracle", Oracle: primary}}
	for i, fb := range cfg.Fallbacks {
		name := fmt.Sprintf("fallback-%d", i+1)
		o, err := providerOracle(name, cfg, fb)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, failover.Endpoint{Name: name, Oracle: o})
	}
	cooldowns := failover.DefaultCooldownConfig()
	if cfg.CooldownSeconds > 0 {
		cooldowns.Initial = secondsDuration(cfg.CooldownSeconds)
	}
	return failover.NewChain(endpoints, failover.NewCooldowns(cooldowns), logger), nil
}

func providerOracle(id string, cfg config.OracleConfig, ep config.OracleEndpoint) (*oracle.ProviderOracle, error) {
	api, model := ep.API, ep.Model
	if api == "" {
		api = cfg.API
	}
	if model == "" {
		model = cfg.Model
	}
	p, err := provider.FromConfig(provider.Config{
		ID:       id,
		Endpoint: ep.Endpoint,
		APIKey:   ep.APIKey,
		API:      api,
	})
	if err != nil {
		return nil, err
	}
	return oracle.NewProviderOracle(p, oracle.Options{
		Model:        model,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      cfg.Timeout(),
	}), nil
}

func timeoutOption(cc config.CapabilityConfig) []capability.WireOption {
	if cc.TimeoutSeconds <= 0 {
		return nil
	}
	return []capability.WireOption{capability.WithTimeout(cc.Timeout())}
}

func secondsDuration(n int) time.Duration { return time.Duration(n) * time.Second }

func sortedNames(m map[string]config.CapabilityConfig) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run serves the dispatch protocol on listen, plus the admin server when
// configured, until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context, listen string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	running := 1
	go func() { errc <- server.New(a.Dispatcher, a.Logger).ListenAndServe(ctx, listen) }()
	if addr := a.Config.Server.AdminListen; addr != "" {
		running++
		h := server.NewAdmin(server.AdminOptions{
			Dispatcher: a.Dispatcher,
			Agent:      a.Agent,
			Metrics:    a.Metrics,
			Logger:     a.Logger,
		})
		go func() { errc <- server.RunAdmin(ctx, addr, h, a.Logger) }()
	}

	var first error
	for ; running > 0; running-- {
		if err := <-errc; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}

// Close stops plugins and closes the artifact store.
func (a *App) Close() error {
	a.plugins.StopAll()
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
