package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"quicproxy/internal/config"
	"quicproxy/internal/logging"
	"quicproxy/internal/proxy"
	"quicproxy/internal/telemetry"
	"quicproxy/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

// Run loads the configuration and runs the configured endpoints until ctx is
// done or one of them fails. A cancelled ctx is a clean exit.
func Run(ctx context.Context, configPath string) error {
	resolved, err := config.ResolveConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("%w: resolve config path: %w", tunnel.ErrConfig, err)
	}
	cfg, err := config.NewFileConfigProvider(resolved.Path).Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load config: %w", tunnel.ErrConfig, err)
	}

	logrt, err := logging.NewRuntime(cfg.Logging)
	if err != nil {
		return fmt.Errorf("%w: init logging: %w", tunnel.ErrConfig, err)
	}
	defer func() { _ = logrt.Close() }()
	logrt.Install()
	logger := logrt.Logger()

	logger.Info("quicproxy: starting",
		"config", resolved.Path,
		"config_source", resolved.Source,
		"backend", cfg.Backend != nil,
		"frontend", cfg.Frontend != nil,
		"transport", cfg.Transport.Kind,
	)
	return RunConfig(ctx, cfg, logger)
}

// Endpoints are the components built from one configuration.
type Endpoints struct {
	Backend  *tunnel.Backend
	Frontend *tunnel.Frontend
	Metrics  *telemetry.Counters
	Flows    *proxy.FlowRegistry
}

// Build constructs the configured endpoints. Sockets are bound here, so a
// backend is accepting once Build returns.
func Build(cfg *config.Config, logger *slog.Logger) (*Endpoints, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tr, err := tunnel.TransportByName(cfg.Transport.Kind, logger)
	if err != nil {
		return nil, err
	}

	ep := &Endpoints{
		Metrics: telemetry.NewCounters(),
		Flows:   proxy.NewFlowRegistry(),
	}
	splicer := tunnel.NewSplicer(tunnel.SplicerOptions{
		BufferPool: proxy.NewSyncPoolBufferPool(cfg.Transport.BufferSize),
		Metrics:    ep.Metrics,
		Logger:     logger,
	})
	qopts := tunnel.QUICOptions{
		MaxIdleTimeout:     cfg.Transport.MaxIdleTimeout,
		KeepAlivePeriod:    cfg.Transport.KeepAlive,
		MaxIncomingStreams: cfg.Transport.MaxIncomingStreams,
	}

	if bc := cfg.Backend; bc != nil {
		id, err := serverIdentity(bc, logger)
		if err != nil {
			return nil, err
		}
		sock, err := tunnel.ListenSocket(tr, bc.Listen)
		if err != nil {
			return nil, err
		}
		ep.Backend, err = tunnel.NewBackend(tunnel.BackendOptions{
			Upstream:    bc.ProxyPass,
			Transport:   tr,
			Socket:      sock,
			Identity:    id,
			ALPN:        cfg.Transport.ALPN,
			QUIC:        qopts,
			DialTimeout: bc.DialTimeout,
			Splicer:     splicer,
			Metrics:     ep.Metrics,
			Flows:       ep.Flows,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Frontend != nil {
		fp, err := buildFrontend(cfg, tr, qopts, splicer, ep, logger)
		if err != nil {
			if ep.Backend != nil {
				_ = ep.Backend.Close()
			}
			return nil, err
		}
		ep.Frontend = fp
	}
	return ep, nil
}

func serverIdentity(bc *config.BackendConfig, logger *slog.Logger) (tunnel.ServerIdentity, error) {
	if !bc.SelfSignedCertificate {
		return tunnel.LoadServerIdentity(bc.SSLCertificate, bc.SSLCertificateKey)
	}
	id, err := tunnel.GenerateServerIdentity()
	if err == nil {
		logger.Warn("backend: serving an ephemeral self-signed certificate (self_signed_certificate)")
	}
	return id, err
}

func buildFrontend(cfg *config.Config, tr tunnel.Transport, qopts tunnel.QUICOptions, splicer *tunnel.Splicer, ep *Endpoints, logger *slog.Logger) (*tunnel.Frontend, error) {
	fc := cfg.Frontend
	trust, err := tunnel.LoadClientTrust(fc.CAFile, fc.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	if trust.InsecureSkipVerify {
		logger.Warn("frontend: certificate verification disabled (insecure_skip_verify)")
	}
	sock, err := tunnel.DialSocket(tr, fc.Bind)
	if err != nil {
		return nil, err
	}
	qopts.HandshakeTimeout = fc.HandshakeTimeout
	return tunnel.NewFrontend(tunnel.FrontendOptions{
		ListenAddr:     fc.Listen,
		Remote:         fc.Remote,
		ServerName:     fc.ServerName,
		Trust:          trust,
		Transport:      tr,
		Socket:         sock,
		ALPN:           cfg.Transport.ALPN,
		QUIC:           qopts,
		ConnectTimeout: fc.HandshakeTimeout,
		Reconnect: tunnel.ReconnectOptions{
			Enabled:    fc.Reconnect.Enabled,
			MinBackoff: fc.Reconnect.MinBackoff,
			MaxBackoff: fc.Reconnect.MaxBackoff,
		},
		Splicer: splicer,
		Metrics: ep.Metrics,
		Flows:   ep.Flows,
		Logger:  logger,
	})
}

// RunConfig builds and runs an already loaded configuration.
func RunConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ep, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	return ep.Run(ctx, logger)
}

// Run serves until ctx is done or an endpoint fails, then shuts both down.
func (ep *Endpoints) Run(ctx context.Context, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	if ep.Backend != nil {
		g.Go(func() error { return ep.Backend.Listen(gctx) })
	}
	if ep.Frontend != nil {
		g.Go(func() error { return ep.Frontend.Listen(gctx) })
	}
	err := g.Wait()
	ep.logDraining(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ep.Frontend != nil {
		if serr := ep.Frontend.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("frontend: shutdown", "err", serr)
		}
	}
	if ep.Backend != nil {
		if serr := ep.Backend.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("backend: shutdown", "err", serr)
		}
	}

	logger.Info("quicproxy: exited", "counters", ep.Metrics.Snapshot())

	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	if err != nil {
		logger.Error("quicproxy: fatal", "kind", tunnel.KindOf(err), "err", err)
	}
	return err
}

// logDraining lists the flows still being spliced when shutdown starts.
func (ep *Endpoints) logDraining(logger *slog.Logger) {
	live := ep.Flows.Snapshot()
	if len(live) == 0 {
		return
	}
	logger.Info("quicproxy: draining flows", "count", len(live), "flows", live)
}
