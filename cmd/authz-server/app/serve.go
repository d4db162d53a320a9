package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/authz-server"
	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/security/amqpsink"
	"github.com/giantswarm/authz-server/server"
)

const (
	readHeaderTimeout  = 10 * time.Second
	securityEventBurst = 10
)

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server.

The OAuth endpoints are served on server.address and Prometheus metrics on
server.metrics_address. The process shuts down gracefully on SIGINT or
SIGTERM, waiting up to server.shutdown_timeout for in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("address", ":8080", "Address of the OAuth endpoints")
	flags.String("metrics-address", ":9090", "Address of the metrics endpoint (empty disables it)")
	bindFlag(c.v, keyListenAddress, flags, "address")
	bindFlag(c.v, keyMetricsAddress, flags, "metrics-address")

	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "authz-server",
		ServiceVersion:  Version,
		Enabled:         c.v.GetBool(keyMetricsEnabled),
		MetricsExporter: instrumentation.MetricsExporterPrometheus,
		LogClientIPs:    c.v.GetBool(keyMetricsLogClientIPs),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	store, err := openStore(ctx, c.v, c.logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			c.logger.Warn("Failed to close store", "error", err)
		}
	}()
	store.SetInstrumentation(inst)

	srv, err := c.newServer(store)
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	auditor, closeAudit, err := c.newAuditor()
	if err != nil {
		return err
	}
	defer closeAudit()
	srv.SetAuditor(auditor)

	eventLimiter := security.NewRateLimiter(c.v.GetFloat64(keySecurityEventRateLimit), securityEventBurst, c.logger)
	defer eventLimiter.Stop()
	srv.SetSecurityEventRateLimiter(eventLimiter)

	handler, err := oauth.NewHandler(srv, oauth.HeaderUserResolver(c.v.GetString(keyConsentUserHeader)), handlerConfig(c.v, c.logger))
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	defer handler.Close()

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/", handler.Routes())

	servers := []*http.Server{{
		Addr:              c.v.GetString(keyListenAddress),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if addr := c.v.GetString(keyMetricsAddress); addr != "" && c.v.GetBool(keyMetricsEnabled) {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", inst.MetricsHandler())
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           metricsMux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	return c.run(ctx, servers)
}

// run serves until ctx is done or a listener fails, then shuts every
// server down within server.shutdown_timeout.
func (c *cli) run(ctx context.Context, servers []*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, hs := range servers {
		g.Go(func() error {
			c.logger.Info("Listening", "address", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", hs.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		c.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.v.GetDuration(keyShutdownTimeout))
		defer cancel()

		var errs []error
		for _, hs := range servers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", hs.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newServer builds the authorization server on store
func (c *cli) newServer(store *openedStore) (*server.Server, error) {
	cfg, err := serverConfig(c.v)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(store, store, store, cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return srv, nil
}

// newAuditor builds the security auditor, publishing to AMQP when
// audit.amqp_url is set. The returned func closes the broker connection.
func (c *cli) newAuditor() (*security.Auditor, func(), error) {
	enabled := c.v.GetBool(keyAuditEnabled)
	url := c.v.GetString(keyAuditAMQPURL)
	if !enabled || url == "" {
		return security.NewAuditor(c.logger, enabled), func() {}, nil
	}

	sink, err := amqpsink.Dial(url, c.v.GetString(keyAuditAMQPExchange))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up audit sink: %w", err)
	}
	c.logger.Info("Publishing audit events to AMQP", "exchange", c.v.GetString(keyAuditAMQPExchange))

	return security.NewAuditor(c.logger, true, sink), func() {
		if err := sink.Close(); err != nil {
			c.logger.Warn("Failed to close audit sink", "error", err)
		}
	}, nil
}
