package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-coap/internal/governance"
	"github.com/polisai/polis-coap/pkg/coap"
	"github.com/polisai/polis-coap/pkg/config"
	"github.com/polisai/polis-coap/pkg/gateway"
	"github.com/polisai/polis-coap/pkg/policy"
	"github.com/polisai/polis-coap/pkg/translate"
)

// app wires the gateway and the components that follow configuration reloads.
type app struct {
	ctx      context.Context
	logger   *slog.Logger
	local    *coap.LocalServer
	guard    *policy.Guard
	limiter  *governance.RateLimiter
	metrics  *gateway.Metrics
	reloader *config.Reloader
	gateway  *gateway.Gateway
	server   *gateway.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		ctx:     ctx,
		logger:  logger,
		local:   coap.NewLocalServer(localResources(cfg), logger),
		guard:   policy.NewGuard(nil, policy.ModeFailClosed, logger),
		limiter: governance.NewRateLimiter(rateLimits(cfg)),
	}
	if err := a.applyPolicy(cfg); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		a.metrics = gateway.NewMetrics()
	}
	a.reloader = config.NewReloader(cfg, logger, a.apply)
	if a.metrics != nil {
		a.reloader.SetRecorder(a.metrics)
	}

	gw, err := gateway.New(gateway.Options{
		Timeout: cfg.GatewayTimeout(),
		Routes:  gateway.DefaultRoutes(),
		Dispatcher: &coap.Switch{
			Proxy: coap.NewUDPDispatcher(cfg.Proxy.DefaultPort, logger),
			Local: a.local,
		},
		Translator: translate.NewHTTPTranslator(translate.Options{
			AllowedSchemes: cfg.Proxy.AllowedSchemes,
			LocalResource:  "local",
		}),
		Authorizer:   a.guard,
		Limiter:      a.limiter,
		Logger:       logger,
		Metrics:      a.metrics,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	a.gateway = gw

	a.server = gateway.NewServer(gw, gateway.ServerOptions{
		Addr:             cfg.ListenAddr,
		ServerName:       cfg.ServerName,
		SocketTimeout:    cfg.SocketTimeout,
		SocketBufferSize: cfg.SocketBufferSize,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		MetricsPath:      cfg.Metrics.Path,
		Metrics:          a.metrics,
		RateLimiter:      a.limiter,
		Reloader:         a.reloader,
		Logger:           logger,
	})
	return a, nil
}

// apply pushes a reloaded configuration into the running components. The
// policy is compiled first so that a bad module leaves everything untouched.
func (a *app) apply(next *config.Config) error {
	if err := a.applyPolicy(next); err != nil {
		return err
	}
	a.local.Replace(localResources(next))
	a.limiter.Configure(rateLimits(next))
	return nil
}

func (a *app) applyPolicy(cfg *config.Config) error {
	mode, err := policy.ParseMode(cfg.Policy.FailMode)
	if err != nil {
		return err
	}
	if !cfg.Policy.Enabled {
		a.guard.Swap(nil, mode)
		return nil
	}

	engine, err := buildPolicyEngine(a.ctx, cfg.Policy, a.logger)
	if err != nil {
		return err
	}
	a.guard.Swap(engine, mode)
	a.logger.Info("Policy loaded", "module_path", cfg.Policy.ModulePath, "query", cfg.Policy.Query, "mode", string(mode))
	return nil
}

func buildPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	modules, err := policy.LoadModules(cfg.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint: cfg.Query,
		Modules:    modules,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	return engine, nil
}

func localResources(cfg *config.Config) []coap.Resource {
	out := make([]coap.Resource, 0, len(cfg.Local.Resources))
	for _, r := range cfg.Local.Resources {
		out = append(out, coap.Resource{
			Path:          r.Path,
			Content:       []byte(r.Content),
			ContentFormat: coap.MediaType(r.ContentFormat),
		})
	}
	return out
}

// rateLimits applies the configured limit to every forwarding route.
func rateLimits(cfg *config.Config) map[string]governance.RateLimiterConfig {
	limits := make(map[string]governance.RateLimiterConfig)
	if !cfg.RateLimit.Enabled {
		return limits
	}
	for _, route := range gateway.DefaultRoutes() {
		limits[route.Name()] = governance.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.Burst,
		}
	}
	return limits
}
