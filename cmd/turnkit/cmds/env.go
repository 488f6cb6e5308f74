package cmds

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/turnkit/pkg/events"
	"github.com/go-go-golems/turnkit/pkg/inference/middleware"
	"github.com/go-go-golems/turnkit/pkg/persistence/redisstore"
	"github.com/go-go-golems/turnkit/pkg/profiles"
	"github.com/go-go-golems/turnkit/pkg/runtime"
)

// environment is the runtime plus the resources a command has to release.
type environment struct {
	Runtime  *runtime.Runtime
	Metrics  *middleware.Metrics
	HasStack bool

	closers []func() error
}

// newEnvironment builds a runtime from the persistent flags and config.
func newEnvironment(ctx context.Context, sinks ...events.EventSink) (*environment, error) {
	env := &environment{}
	opts := []runtime.Option{runtime.WithLogger(log.Logger)}
	if len(sinks) > 0 {
		opts = append(opts, runtime.WithEventSinks(sinks...))
	}

	toolReg, err := builtinTools()
	if err != nil {
		return nil, err
	}
	opts = append(opts, runtime.WithToolRegistry(toolReg))

	if raw := strings.TrimSpace(viper.GetString("profile-registries")); raw != "" {
		specs, err := profiles.ParseRegistrySourceList(raw)
		if err != nil {
			return nil, err
		}
		stack, err := profiles.OpenRegistryStack(ctx, specs...)
		if err != nil {
			return nil, err
		}
		env.HasStack = stack.Len() > 0
		env.closers = append(env.closers, stack.Close)
		opts = append(opts, runtime.WithRegistryStack(stack))
	}

	if url := viper.GetString("redis-url"); url != "" {
		store, err := redisstore.NewFromURL(url)
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			_ = env.Close()
			return nil, errors.Wrap(err, "connect to redis")
		}
		env.closers = append(env.closers, store.Close)
		opts = append(opts, runtime.WithPersister(store))
	}

	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Metrics = metrics
	opts = append(opts, runtime.WithMetrics(metrics))

	if addr := viper.GetString("metrics-addr"); addr != "" {
		env.serveMetrics(addr, reg)
	}

	env.Runtime = runtime.New(opts...)
	return env, nil
}

func (e *environment) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	e.closers = append(e.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// Close releases resources in reverse order of acquisition.
func (e *environment) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
