// Package commands assembles the composition root for each hookforge
// subcommand: coordination store, broker, persistence gateway, rate
// limiter, and metrics registry, wired together per spec.md §6's
// environment-only configuration contract. Flags select which
// subcommand runs; they never carry deployment configuration.
package commands

import (
	"context"
	"fmt"

	"oss.nandlabs.io/hookforge/broker"
	"oss.nandlabs.io/hookforge/config"
	"oss.nandlabs.io/hookforge/coordination"
	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/identity"
	"oss.nandlabs.io/hookforge/metrics"
	"oss.nandlabs.io/hookforge/persistence"
	"oss.nandlabs.io/hookforge/ratelimit"
)

// env is the resolved set of environment variables the composition root
// reads. Every value has a local-development default so `cmd/hookforge`
// runs out of the box against in-memory fakes.
type env struct {
	persistenceURL  string
	coordinationURL string
	brokerURL       string
	metricsAddr     string
	jwtSecret       string
	workerPoolMax   int
	httpPoolMax     int
}

func loadEnv() env {
	poolMax, _ := config.GetEnvAsInt("HOOKFORGE_HTTP_POOL_MAX", httpclient.DefaultConfig().PoolMax)
	workerMax, _ := config.GetEnvAsInt("HOOKFORGE_WORKER_POOL_MAX", 8)
	return env{
		persistenceURL:  config.GetEnvAsString("HOOKFORGE_PERSISTENCE_URL", "memory://"),
		coordinationURL: config.GetEnvAsString("HOOKFORGE_COORDINATION_URL", "memory://"),
		brokerURL:       config.GetEnvAsString("HOOKFORGE_BROKER_URL", "memory://"),
		metricsAddr:     config.GetEnvAsString("HOOKFORGE_METRICS_ADDR", ":9090"),
		jwtSecret:       config.GetEnvAsString("HOOKFORGE_JWT_SECRET", ""),
		workerPoolMax:   workerMax,
		httpPoolMax:     poolMax,
	}
}

// deps is every long-lived dependency the composition root wires into
// the scheduler, worker, and load-run subcommands.
type deps struct {
	env       env
	gateway   persistence.Gateway
	store     coordination.Store
	brk       broker.Broker
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	http      *httpclient.Client
	validator *identity.Validator
}

func buildDeps(ctx context.Context) (*deps, error) {
	e := loadEnv()

	gateway, err := persistence.Open(ctx, e.persistenceURL)
	if err != nil {
		return nil, fmt.Errorf("open persistence: %w", err)
	}
	store, err := coordination.Open(e.coordinationURL)
	if err != nil {
		return nil, fmt.Errorf("open coordination store: %w", err)
	}
	brk, err := broker.Open(e.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.PoolMax = e.httpPoolMax
	httpClient, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("new http client: %w", err)
	}

	limiter := ratelimit.NewLimiter(store,
		persistence.GatewayTierResolver{Gateway: gateway},
		persistence.GatewayCountResolver{Gateway: gateway},
	)

	return &deps{
		env:       e,
		gateway:   gateway,
		store:     store,
		brk:       brk,
		metrics:   metrics.NewRegistry(),
		limiter:   limiter,
		http:      httpClient,
		validator: identity.NewValidator(e.jwtSecret),
	}, nil
}

func (d *deps) close() {
	_ = d.http.Close()
	_ = d.brk.Close()
	if closer, ok := d.store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if closer, ok := d.gateway.(interface{ Close() }); ok {
		closer.Close()
	}
}
