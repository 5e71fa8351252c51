package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
	"github.com/erauner12/paperdesk/internal/auth"
	"github.com/erauner12/paperdesk/internal/client"
	"github.com/erauner12/paperdesk/internal/config"
	"github.com/erauner12/paperdesk/internal/kv"
	"github.com/erauner12/paperdesk/internal/session"
	"github.com/erauner12/paperdesk/internal/stream"
	"github.com/erauner12/paperdesk/internal/userstore"
)

// app is the wired client for one command invocation.
type app struct {
	cfg      config.Config
	store    kv.Store
	tokens   *auth.Manager
	client   *client.Client
	api      *api.Service
	sessions *session.Manager
	records  *userstore.Store
	streams  *stream.Client
	out      io.Writer

	metrics *http.Server
}

// printNotifier prints failure notices to the command's error stream.
type printNotifier struct {
	w io.Writer
}

func (n printNotifier) Error(msg string) {
	fmt.Fprintf(n.w, "error: %s\n", msg)
}

func newApp(ctx context.Context, opts *rootOptions, out, errOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}

	cred, err := auth.LoadCredential(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	tokens := auth.NewManager(cred, auth.WithThreshold(cfg.RefreshThreshold))

	c := client.New(client.Config{
		BaseURL:     cfg.APIBaseURL,
		Timeout:     cfg.RequestTimeout,
		RefreshPath: cfg.RefreshPath,
		EntryPoint:  cfg.LoginPath,
	}, tokens, client.WithNotifier(printNotifier{w: errOut}))
	tokens.SetRefresher(c)

	svc := api.NewService(c)
	records := userstore.New(store)
	sessions := session.NewManager(tokens, svc, records, store, cfg.LoginPath)
	c.OnSessionExpired(sessions)

	var dialer stream.Dialer = &stream.SSEDialer{}
	if cfg.StreamTransport == "websocket" {
		dialer = stream.WebSocketDialer{}
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		client:   c,
		api:      svc,
		sessions: sessions,
		records:  records,
		streams:  stream.NewClient(cfg.APIBaseURL, tokens, stream.WithDialer(dialer)),
		out:      out,
	}

	if opts.metricsAddr != "" {
		if err := a.serveMetrics(opts.metricsAddr); err != nil {
			a.Close()
			return nil, err
		}
	}

	if _, err := sessions.InitProfile(client.WithOrigin(ctx, cfg.LoginPath)); err != nil {
		log.Warn().Err(err).Msg("failed to restore profile")
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Handler: mux}
	go func() {
		if err := a.metrics.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("serving metrics")
	return nil
}

func (a *app) Close() {
	if a.metrics != nil {
		_ = a.metrics.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}
