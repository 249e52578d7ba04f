package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/dossiersync/apiclient"
	"github.com/c360studio/dossiersync/collab"
	"github.com/c360studio/dossiersync/config"
	"github.com/c360studio/dossiersync/delivery"
	"github.com/c360studio/dossiersync/network"
	"github.com/c360studio/dossiersync/storage"
	"github.com/c360studio/dossiersync/transport"
)

// joinAttempts bounds the connection retries of a join.
const joinAttempts = 5

// App wires the collaboration session and the outbound queue together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Transport
	channel transport.Channel

	// Outbound delivery
	store   storage.KV
	api     *apiclient.Client
	monitor *network.Monitor
	queue   *delivery.Queue

	session  *collab.Session
	registry *prometheus.Registry
	probe    network.Probe

	stopReconnect context.CancelFunc
	reconnectDone chan struct{}
}

// NewApp builds every component from cfg. Nothing is connected yet except
// the storage backend, and the transport when storage lives in NATS.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		channel:  newChannel(cfg, logger),
		registry: prometheus.NewRegistry(),
	}

	api, err := apiclient.New(cfg.API.BaseURL,
		apiclient.WithTimeout(cfg.API.Timeout),
		apiclient.WithToken(cfg.API.Token),
		apiclient.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	a.api = api

	store, err := storage.Open(ctx, a.storageOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.store = store

	probeAddr := cfg.Network.ProbeAddr
	if probeAddr == "" {
		probeAddr = hostPort(cfg.API.BaseURL)
	}
	a.probe = network.AnyProbe(
		network.TransportProbe(a.channel),
		network.DialProbe(probeAddr, 3*time.Second),
	)
	a.monitor = network.NewMonitor(a.probe(ctx),
		network.WithDebounce(cfg.Network.Debounce),
		network.WithLogger(logger))

	queue, err := delivery.NewQueue(ctx, api, store, a.monitor,
		delivery.WithRetryConfig(delivery.RetryConfig{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			RetryFatal:  cfg.Delivery.RetryFatal,
		}),
		delivery.WithLogger(logger),
		delivery.WithMetrics(delivery.NewMetrics(a.registry)))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create outbound queue: %w", err)
	}
	a.queue = queue

	a.session = collab.NewSession(a.channel,
		collab.WithRemote(api),
		collab.WithLogger(logger))

	return a, nil
}

// newChannel creates the configured transport without connecting it.
func newChannel(cfg *config.Config, logger *slog.Logger) transport.Channel {
	if cfg.Transport.Kind == config.TransportNATS {
		return transport.NewNATSChannel(cfg.Transport.URL,
			transport.WithNATSName("dossiersync-"+cfg.Participant.ID),
			transport.WithNATSReconnect(cfg.Transport.MaxReconnects, cfg.Transport.ReconnectWait),
			transport.WithNATSLogger(logger))
	}
	return transport.NewWebSocketChannel(cfg.Transport.URL,
		transport.WithWebSocketLogger(logger))
}

func (a *App) storageOptions(ctx context.Context) storage.Options {
	opts := storage.Options{
		Backend:     a.cfg.Storage.Backend,
		Dir:         a.cfg.Storage.Dir,
		RedisAddr:   a.cfg.Storage.RedisAddr,
		RedisPrefix: a.cfg.Storage.RedisPrefix,
		Bucket:      a.cfg.Storage.Bucket,
	}
	if nc, ok := a.channel.(*transport.NATSChannel); ok {
		opts.JetStream = func() (jetstream.JetStream, error) {
			if err := nc.Connect(ctx); err != nil {
				return nil, err
			}
			return nc.JetStream()
		}
	}
	return opts
}

// hostPort derives a dialable address from an http(s) URL.
func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// Watch keeps the monitor fed from the transport and the probe, restores a
// lost WebSocket connection, and flushes the queue on every reconnect until
// ctx is done.
func (a *App) Watch(ctx context.Context) error {
	if n, ok := a.channel.(transport.StatusNotifier); ok {
		a.monitor.Attach(n)
	}
	// The NATS client reconnects on its own.
	if ws, ok := a.channel.(*transport.WebSocketChannel); ok {
		lost := make(chan struct{}, 1)
		ws.NotifyStatus(func(connected bool) {
			if connected {
				return
			}
			select {
			case lost <- struct{}{}:
			default:
			}
		})
		loopCtx, cancel := context.WithCancel(ctx)
		a.stopReconnect = cancel
		a.reconnectDone = make(chan struct{})
		go a.reconnect(loopCtx, lost)
	}
	a.monitor.Watch(ctx, a.probe, a.cfg.Network.ProbeInterval)
	return a.queue.Start(ctx)
}

// reconnect redials the transport with exponential backoff each time lost
// fires, then announces the participant again.
func (a *App) reconnect(ctx context.Context, lost <-chan struct{}) {
	defer close(a.reconnectDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		policy := backoff.NewExponentialBackOff()
		if wait := a.cfg.Transport.ReconnectWait; wait > 0 {
			policy.InitialInterval = wait
		}
		policy.MaxElapsedTime = 0

		op := func() error {
			if a.channel.IsConnected() {
				return nil
			}
			return a.channel.Connect(ctx)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			a.logger.Warn("Reconnect failed, retrying", "wait", wait, "error", err)
		})
		if err != nil {
			return
		}
		a.logger.Info("Transport reconnected", "url", a.cfg.Transport.URL)
		if err := a.session.Reannounce(ctx); err != nil && !errors.Is(err, collab.ErrNotJoined) {
			a.logger.Warn("Failed to announce presence after reconnect", "error", err)
		}
	}
}

// Join joins dossierID as the configured participant, retrying connection
// failures with exponential backoff.
func (a *App) Join(ctx context.Context, dossierID string) error {
	p := collab.Participant{
		ID:          a.cfg.Participant.ID,
		DisplayName: a.cfg.Participant.DisplayName,
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}

	op := func() error {
		err := a.session.Join(ctx, dossierID, p)
		if err != nil && !errors.Is(err, transport.ErrConnect) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), joinAttempts), ctx)

	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		a.logger.Warn("Join failed, retrying",
			"dossier_id", dossierID,
			"wait", wait,
			"error", err)
	})
}

// Close leaves the dossier and releases every component.
func (a *App) Close(ctx context.Context) {
	if a.stopReconnect != nil {
		a.stopReconnect()
		<-a.reconnectDone
	}
	if err := a.session.Leave(ctx); err != nil {
		a.logger.Warn("Leave failed", "error", err)
	}
	a.queue.Stop()
	a.monitor.Close()
	if err := a.channel.Disconnect(ctx); err != nil {
		a.logger.Debug("Transport disconnect failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Storage close failed", "error", err)
	}
}
