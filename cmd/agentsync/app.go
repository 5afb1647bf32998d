package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"agentsync/internal/adapter/preview"
	"agentsync/internal/adapter/store"
	"agentsync/internal/adapter/toolschema"
	"agentsync/internal/adapter/transport"
	"agentsync/internal/adapter/uploadhttp"
	"agentsync/internal/domain"
	"agentsync/internal/infra/config"
	"agentsync/internal/infra/logger"
	"agentsync/internal/infra/tracer"
	"agentsync/internal/usecase"
	"agentsync/internal/usecase/eventbus"
	"agentsync/internal/usecase/upload"
)

// app holds what every command shares: config, logging, tracing and the bus.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	registry *toolschema.Registry
	images   domain.ImageTransport
	closers  []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath(os.Args[1:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = tracerShutdown(context.Background()) })

	registry, err := toolschema.New()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tool schemas: %w", err)
	}
	a.registry = registry

	a.bus = eventbus.New(log)
	a.closers = append(a.closers, a.bus.Close)
	a.images = newImageTransport(cfg, log)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newImageTransport(cfg *config.Config, log *slog.Logger) domain.ImageTransport {
	var t domain.ImageTransport = uploadhttp.New(uploadhttp.Config{
		BaseURL:          cfg.Server.BaseURL,
		Timeout:          cfg.Server.Timeout,
		MaxResponseBytes: cfg.Upload.MaxResponseBytes,
	}, log)
	if cb := cfg.Upload.CircuitBreaker; cb.Enabled {
		t = uploadhttp.NewBreaker(t, uploadhttp.BreakerConfig{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
			Interval:    cb.Interval,
		}, log)
	}
	return t
}

// uploader builds the attachment slot of one session.
func (a *app) uploader(sessionID string) *upload.Uploader {
	return upload.New(a.images, domain.StaticCredentials(a.cfg.Auth.Token),
		upload.Config{Platform: a.cfg.Client.Platform, SupportedPlatforms: a.cfg.Upload.SupportedPlatforms},
		a.log,
		upload.WithPreviewer(preview.New(preview.DefaultMaxSide)),
		upload.WithEventBus(a.bus, sessionID),
	)
}

func (a *app) openStore() (*store.SQLiteHistoryStore, error) {
	st, err := store.NewSQLiteHistoryStore(a.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = st.Close() })
	return st, nil
}

func (a *app) dial(ctx context.Context) (*transport.Client, error) {
	u, err := wsURL(a.cfg.Server.BaseURL, a.cfg.Server.WSPath)
	if err != nil {
		return nil, err
	}
	client, err := transport.Dial(ctx, transport.Config{
		URL:            u,
		Token:          a.cfg.Auth.Token,
		SendRate:       a.cfg.Transport.SendRate,
		SendBurst:      a.cfg.Transport.SendBurst,
		RequestTimeout: a.cfg.Transport.RequestTimeout,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

// connect dials the server and opens the history store, returning a session
// manager whose sessions use both.
func (a *app) connect(ctx context.Context) (*usecase.SessionManager, *transport.Client, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	client, err := a.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	sm := usecase.NewSessionManager(usecase.SessionDeps{
		Sender:    client,
		Responder: client,
		Store:     st,
		Registry:  a.registry,
		Bus:       a.bus,
		Logger:    a.log,
		Uploader:  a.uploader,
	})
	return sm, client, nil
}

// wsURL maps an http(s) base URL to the ws(s) endpoint at path.
func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
