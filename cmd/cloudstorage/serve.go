package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/stub"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	addr      string
	token     string
	pageLimit int
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory storage service",
		Long: `Runs an in-memory storage service speaking the same protocol as the real one.
Objects are lost when the process exits. Metrics are served on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			handler, err := newServeHandler(opts, prometheus.NewRegistry(), a.logger)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              opts.addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			return runServer(cmd.Context(), server, a.logger)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token required from clients")
	cmd.Flags().IntVar(&opts.pageLimit, "page-limit", 0, "Maximum entries per listing page")
	return cmd
}

func newServeHandler(opts serveOptions, reg *prometheus.Registry, logger log.Logger) (http.Handler, error) {
	serviceOpts := []stub.Option{stub.WithLogger(logger)}
	if opts.token != "" {
		serviceOpts = append(serviceOpts, stub.WithRequiredToken(opts.token))
	}
	if opts.pageLimit > 0 {
		serviceOpts = append(serviceOpts, stub.WithPageLimit(opts.pageLimit))
	}

	metrics, err := transport.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	service := transport.NewInstrumented(stub.NewService(serviceOpts...), metrics)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", stub.NewHandler(service, logger))
	return r, nil
}

func runServer(ctx context.Context, server *http.Server, logger log.Logger) error {
	errs := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", server.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
