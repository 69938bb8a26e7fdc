package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"amqp-rpc/client"
	"amqp-rpc/codec"
	"amqp-rpc/loadbalance"
	"amqp-rpc/transport"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func callCmd(g *globalFlags) *cobra.Command {
	var (
		codecName string
		balancer  string
		timeout   time.Duration
		count     int
		stats     bool
	)

	cmd := &cobra.Command{
		Use:   "call <Service.Method> [json-args]",
		Short: "Call a method on the servicer and print the reply",
		Example: `  amqp-rpc call Arith.Add '{"A":1,"B":2}'
  amqp-rpc call --etcd 127.0.0.1:2379 --balancer weighted Arith.Mul '{"A":6,"B":7}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceMethod := args[0]
			service, _, ok := strings.Cut(serviceMethod, ".")
			if !ok {
				return fmt.Errorf("method must look like Service.Method, got %q", serviceMethod)
			}
			params := json.RawMessage("{}")
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[1])
				}
			}
			ct, err := codec.ParseCodecType(codecName)
			if err != nil {
				return err
			}

			log, err := g.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := transport.DefaultConfig()
			cfg.URL = g.url
			cfg.RoutingKey = g.queue
			metrics := prometheus.NewRegistry()
			opts := []transport.Option{
				transport.WithLogger(log),
				transport.WithName("cli"),
				transport.WithRegisterer(metrics),
			}

			etcd, err := g.registry(log)
			if err != nil {
				return err
			}
			if etcd != nil {
				defer etcd.Close()
				b, err := loadbalance.New(balancer, g.queue)
				if err != nil {
					return err
				}
				opts = append(opts, transport.WithResolver(loadbalance.NewResolver(etcd, b, g.queue, log)))
			}

			conn, err := transport.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer conn.Close()
			if stats {
				defer func() {
					if err := writeStats(cmd.ErrOrStderr(), metrics); err != nil {
						log.Warn("cannot gather transport metrics", zap.Error(err))
					}
				}()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := conn.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			cli, err := client.New(conn, service, client.WithCodec(ct), client.WithLogger(log))
			if err != nil {
				return err
			}
			defer cli.Close()

			for i := 0; i < count; i++ {
				var reply json.RawMessage
				start := time.Now()
				if err := cli.Call(ctx, serviceMethod, params, &reply); err != nil {
					return err
				}
				log.Debug("call done", zap.String("method", serviceMethod), zap.Duration("took", time.Since(start)))
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&codecName, "codec", "json", "body codec: json or binary")
	f.StringVar(&balancer, "balancer", "roundrobin", "broker selection with --etcd: roundrobin, weighted or hash")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline for connecting and calling")
	f.IntVar(&count, "count", 1, "number of times to issue the call")
	f.BoolVar(&stats, "stats", false, "print the transport counters to stderr when done")

	return cmd
}

// writeStats prints every counter and gauge as "name{k=v,...} value".
func writeStats(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.Counter != nil:
				v = m.GetCounter().GetValue()
			case m.Gauge != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), v)
		}
	}
	return nil
}
