package main

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"amqp-rpc/middleware"
	"amqp-rpc/registry"
	"amqp-rpc/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		advertise   string
		weight      int
		ttl         int64
		chain       chainOptions
		publishers  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Arith demo servicer",
		Long: `Consume the request queue and answer Arith.Add, Arith.Sub, Arith.Mul
and Arith.Div. With --etcd the broker URL is registered under the queue name
so clients can discover it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := g.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			metrics := prometheus.NewRegistry()
			metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			opts := []server.Option{server.WithLogger(log)}
			etcd, err := g.registry(log)
			if err != nil {
				return err
			}
			if etcd != nil {
				defer etcd.Close()
				inst := registry.ServiceInstance{Addr: advertise, Weight: weight, Version: version}
				opts = append(opts, server.WithRegistry(etcd, inst, ttl))
			}

			svr := server.NewServer(opts...)
			for _, mw := range serveMiddlewares(chain, log, metrics) {
				svr.Use(mw)
			}
			if err := svr.Register(&Arith{}); err != nil {
				return err
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
				hs := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics listener failed", zap.Error(err))
					}
				}()
				defer hs.Close()
				log.Info("metrics listening", zap.String("addr", metricsAddr))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := server.DefaultConfig()
			cfg.URL = g.url
			cfg.Queue = g.queue
			cfg.Publishers = publishers
			return svr.Serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&metricsAddr, "metrics-addr", ":9464", "address of the prometheus /metrics listener; empty disables it")
	f.StringVar(&advertise, "advertise", "", "broker URL to register in etcd (defaults to --url)")
	f.IntVar(&weight, "weight", 1, "weight advertised to weighted balancers")
	f.Int64Var(&ttl, "ttl", 10, "registry lease TTL in seconds")
	f.Float64Var(&chain.rateLimit, "rate", 0, "requests per second accepted; 0 disables rate limiting")
	f.IntVar(&chain.burst, "burst", 10, "rate limiter burst")
	f.DurationVar(&chain.timeout, "timeout", 5*time.Second, "per-attempt handler timeout")
	f.IntVar(&chain.retries, "retries", 0, "extra attempts for calls failing with a transient error")
	f.DurationVar(&chain.retryDelay, "retry-delay", 100*time.Millisecond, "delay before the first retry, doubled after each")
	f.IntVar(&publishers, "publishers", 4, "channels used to publish replies")

	return cmd
}

// chainOptions configures the servicer's middleware chain.
type chainOptions struct {
	rateLimit  float64
	burst      int
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

// serveMiddlewares returns the chain outermost first. Retries wrap the
// timeout, so every attempt gets its own deadline; the rate limiter sits
// inside it and waits for a token until that deadline.
func serveMiddlewares(o chainOptions, log *zap.Logger, reg prometheus.Registerer) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(log.Named("rpc")),
		middleware.MetricsMiddleware(reg),
	}
	if o.retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(o.retries, o.retryDelay, log.Named("retry")))
	}
	mws = append(mws, middleware.TimeOutMiddleware(o.timeout))
	if o.rateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(o.rateLimit, o.burst))
	}
	return mws
}
