package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"git.sr.ht/~jakintosh/atlantark/internal/config"
	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/internal/metrics"
	"git.sr.ht/~jakintosh/atlantark/pkg/client"
	"git.sr.ht/~jakintosh/atlantark/pkg/csrf"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"git.sr.ht/~jakintosh/atlantark/pkg/store"
	"go.uber.org/zap"
)

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	out        string
	logLevel   string
}

func (rf *rootFlags) config() (*config.Config, error) {
	switch rf.out {
	case "text", "json":
	default:
		return nil, fmt.Errorf("--out must be text or json, got %q", rf.out)
	}
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return nil, err
	}
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	return cfg, nil
}

// app is one fully wired session for the lifetime of a command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	backend store.Backend
	store   *store.Store
	client  *client.Client
	ctrl    *session.Controller
	out     string
}

func (rf *rootFlags) open(ctx context.Context) (*app, error) {
	cfg, err := rf.config()
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.out = rf.out
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.New(cfg.Log)

	base, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api.base_url: %w", err)
	}
	guard := csrf.New(nil, base,
		csrf.WithCookieName(cfg.CSRF.Cookie),
		csrf.WithHeaderName(cfg.CSRF.Header),
	)

	backend, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	st := store.New(backend, guard, store.WithLogger(log))

	m := metrics.New()
	c := client.New(base,
		client.WithHTTPClient(&http.Client{Jar: guard.CookieJar(), Timeout: cfg.API.Timeout}),
		client.WithCSRF(guard),
		client.WithLogger(log),
		client.WithMetrics(m),
	)

	ctrl, err := session.FromClient(c, st, session.Config{
		ProfileInterval: cfg.Intervals.Profile,
		StatsInterval:   cfg.Intervals.Stats,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		backend: backend,
		store:   st,
		client:  c,
		ctrl:    ctrl,
	}, nil
}

func (a *app) Close() error {
	err := errors.Join(a.ctrl.Close(), a.store.Close())
	_ = a.log.Sync()
	return err
}
