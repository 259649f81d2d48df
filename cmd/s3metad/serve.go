package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wzshiming/s3meta/pkg/accesslog"
	"github.com/wzshiming/s3meta/pkg/auth"
	"github.com/wzshiming/s3meta/pkg/blob"
	"github.com/wzshiming/s3meta/pkg/config"
	"github.com/wzshiming/s3meta/pkg/gc"
	"github.com/wzshiming/s3meta/pkg/metastore"
	"github.com/wzshiming/s3meta/pkg/metrics"
	"github.com/wzshiming/s3meta/pkg/middleware"
	"github.com/wzshiming/s3meta/pkg/multipart"
	"github.com/wzshiming/s3meta/pkg/server"
	"github.com/wzshiming/s3meta/pkg/versioning"
)

const shutdownTimeout = 10 * time.Second

// gateway is the set of components one process serves.
type gateway struct {
	store   *metastore.Store
	blobs   blob.Store
	uploads *multipart.Manager
	metrics *metrics.Metrics
	handler http.Handler
}

func newGateway(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*gateway, error) {
	store, err := openMetastore(ctx, cfg.Metastore, logger.With().Str("component", "metastore").Logger())
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	m := metrics.New()
	versions := versioning.New(store, versioning.WithLogger(logger.With().Str("component", "versioning").Logger()))
	mpOpts := []multipart.Option{multipart.WithLogger(logger.With().Str("component", "multipart").Logger())}
	if cfg.Limits.MinPartSize > 0 {
		mpOpts = append(mpOpts, multipart.WithMinPartSize(cfg.Limits.MinPartSize))
	}
	uploads := multipart.New(versions, blobs, mpOpts...)

	s3 := server.NewS3Handler(versions, uploads, blobs,
		server.WithRegion(cfg.Region),
		server.WithLogger(logger.With().Str("component", "server").Logger()),
		server.WithVerifier(newVerifier(cfg, logger)),
		server.WithMetrics(m),
	)

	var h http.Handler = middleware.NewPathSanitizer(s3)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = accesslog.Handler(logger.With().Str("component", "access").Logger(), h)
	h = m.Middleware(h)
	h = handlers.ProxyHeaders(h)

	if cfg.MetricsAddress == "" {
		h = withMetricsEndpoint(h, m.Handler())
	}

	return &gateway{
		store:   store,
		blobs:   blobs,
		uploads: uploads,
		metrics: m,
		handler: h,
	}, nil
}

// withMetricsEndpoint serves GET /metrics from metrics and everything else
// from next. http.ServeMux is not used since it redirects the dot segments
// that middleware.PathSanitizer has to see.
func withMetricsEndpoint(next, metrics http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/metrics" && r.URL.RawQuery == "" {
			metrics.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *gateway) Close() error {
	return g.store.Close()
}

func newVerifier(cfg config.Config, logger zerolog.Logger) *auth.Verifier {
	creds := make([]auth.Credential, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		creds = append(creds, auth.Credential{
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			ID:          c.ID,
			DisplayName: c.DisplayName,
		})
	}
	opts := []auth.Option{auth.WithLogger(logger.With().Str("component", "auth").Logger())}
	if len(creds) == 0 {
		logger.Warn().Str("owner", cfg.DefaultOwner.ID).Msg("no credentials configured, every request runs as the default owner")
		opts = append(opts, auth.WithDefaultIdentity(auth.Identity{
			CanonicalID: cfg.DefaultOwner.ID,
			DisplayName: cfg.DefaultOwner.DisplayName,
		}))
	}
	return auth.NewVerifier(creds, opts...)
}

// recoveryLogger routes panics caught by handlers.RecoveryHandler to zerolog.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn().Err(err).Msg("close metastore")
		}
	}()

	servers := []*http.Server{{Addr: cfg.Address, Handler: gw.handler}}
	if cfg.MetricsAddress != "" {
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddress, Handler: gw.metrics.Handler()})
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		logger.Info().Str("address", ln.Addr().String()).Msg("listening")
		eg.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.GC.Enabled {
		d, err := cfg.GC.Durations()
		if err != nil {
			return err
		}
		reaper := gc.New(gw.store, gw.uploads, d.OlderThan,
			gc.WithLogger(logger.With().Str("component", "gc").Logger()),
			gc.WithMetrics(gw.metrics),
		)
		eg.Go(func() error {
			return reaper.Run(ctx, d.Interval)
		})
	}

	logger.Info().
		Str("metastore", cfg.Metastore.Backend).
		Str("blob", cfg.Blob.Backend).
		Str("region", cfg.Region).
		Bool("gc", cfg.GC.Enabled).
		Msg("s3metad started")

	err = eg.Wait()
	logger.Info().Msg("s3metad stopped")
	return err
}
