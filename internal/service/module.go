package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	"github.com/webitel/tpm-broker/config"
	"github.com/webitel/tpm-broker/internal/adapter/audit"
	"github.com/webitel/tpm-broker/internal/adapter/wsconn"
	"github.com/webitel/tpm-broker/internal/broker"
	"github.com/webitel/tpm-broker/internal/device"
	"github.com/webitel/tpm-broker/internal/device/socket"
	"github.com/webitel/tpm-broker/internal/domain/connection"
	"github.com/webitel/tpm-broker/internal/domain/session"
	httphandler "github.com/webitel/tpm-broker/internal/handler/http"
)

// notifierAdapter breaks the construction cycle between
// connection.Manager (needs a Notifier at construction) and
// broker.Manager (the concrete notifier, which needs the connection
// manager already built) — the same technique manager_test.go uses,
// adapted to fx's constructor-order injection: fx builds this adapter
// first (it has no dependencies), hands it to connection.Manager's
// constructor as the Notifier, and provideManager binds the real
// *broker.Manager into it once that's built.
type notifierAdapter struct {
	mu     sync.Mutex
	target *broker.Manager
}

func (n *notifierAdapter) bind(mgr *broker.Manager) {
	n.mu.Lock()
	n.target = mgr
	n.mu.Unlock()
}

func (n *notifierAdapter) ConnectionAdded(c *connection.Connection) {
	n.mu.Lock()
	mgr := n.target
	n.mu.Unlock()
	if mgr != nil {
		mgr.ConnectionAdded(c)
	}
}

func (n *notifierAdapter) ConnectionRemoved(c *connection.Connection) {
	n.mu.Lock()
	mgr := n.target
	n.mu.Unlock()
	if mgr != nil {
		mgr.ConnectionRemoved(c)
	}
}

// Module wires the full broker composition: device transport, proxy,
// connection/session registries, the resource manager, the audit bus,
// the websocket client connection factory, and the admin HTTP feed.
var Module = fx.Module("broker",
	fx.Provide(
		provideNotifierAdapter,
		provideTransport,
		provideProxy,
		provideConnectionManager,
		provideSessionRegistry,
		providePubSub,
		provideAuditDispatcher,
		provideManager,
		NewBrokerService,
		provideWSHandler,
		provideSinkQueue,
		func(q *broker.SinkQueue) broker.Sink { return q },
		provideHTTPFeed,
		httphandler.NewRouter,
	),
	fx.Invoke(registerLifecycle),
)

func provideNotifierAdapter() *notifierAdapter {
	return &notifierAdapter{}
}

func provideTransport(lc fx.Lifecycle, cfg *config.Config) (device.Transport, error) {
	t, err := socket.Dial(context.Background(), cfg.Device.Network, cfg.Device.Address, cfg.Device.DialTimeout)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return t.Finalize() }})
	return t, nil
}

func provideProxy(transport device.Transport, log *slog.Logger, cfg *config.Config) *device.Proxy {
	p := device.NewProxy("tpm-broker", transport)
	p.SetReceiveTimeout(cfg.Device.ReceiveTimeout)
	p.GetCommandAttrs(context.Background(), func(format string, args ...any) {
		log.Warn("DEVICE_COMMAND_ATTRS_FALLBACK", "detail", formatf(format, args...))
	})
	return p
}

func provideSinkQueue(cfg *config.Config) *broker.SinkQueue {
	return broker.NewSinkQueue(cfg.Broker.QueueDepth, wsconn.Sink{})
}

func provideConnectionManager(cfg *config.Config, notifier *notifierAdapter) *connection.Manager {
	return connection.NewManager(cfg.Limits.MaxConnections, notifier)
}

func provideSessionRegistry(cfg *config.Config, proxy *device.Proxy) *session.Registry {
	return session.NewRegistry(cfg.Limits.MaxActiveSessions, cfg.Limits.MaxAbandonedSessions, proxy)
}

func providePubSub(log *slog.Logger, cfg *config.Config) (message.Publisher, message.Subscriber, error) {
	return audit.NewPubSub(log, cfg)
}

func provideAuditDispatcher(log *slog.Logger, cfg *config.Config, pub message.Publisher) audit.Dispatcher {
	return audit.NewDispatcher(log, pub, cfg.Audit.Exchange)
}

func provideManager(
	log *slog.Logger,
	proxy *device.Proxy,
	conns *connection.Manager,
	sessions *session.Registry,
	sink broker.Sink,
	auditDispatcher audit.Dispatcher,
	cfg *config.Config,
	notifier *notifierAdapter,
) *broker.Manager {
	mgr := broker.NewManager(log, proxy, conns, sessions, sink, broker.Config{
		DeviceTransientCapacity: cfg.Device.TransientCapacity,
		QueueDepth:              cfg.Broker.QueueDepth,
		RewriteContextGapMax:    cfg.Device.RewriteContextGapMax,
		Audit:                   auditDispatcher,
	})
	notifier.bind(mgr)
	return mgr
}

func provideWSHandler(log *slog.Logger, conns *connection.Manager, mgr *broker.Manager, cfg *config.Config) *wsconn.Handler {
	return wsconn.NewHandler(log, conns, mgr, cfg.Limits.MaxTransientPerConnection)
}

func provideHTTPFeed(log *slog.Logger, cfg *config.Config, sub message.Subscriber) (*httphandler.Feed, error) {
	return httphandler.NewFeed(context.Background(), log, sub, cfg.Audit.Exchange)
}

func registerLifecycle(lc fx.Lifecycle, svc *BrokerService) {
	lc.Append(fx.Hook{
		OnStart: svc.Start,
		OnStop:  svc.Stop,
	})
}

func formatf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
