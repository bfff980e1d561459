// Package bootstrap wires the client together: store, bus and handlers, transport,
// storage, telemetry and the watermill bridge.
package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/roomlink/pkg/bus"
	"github.com/go-go-golems/roomlink/pkg/channels"
	"github.com/go-go-golems/roomlink/pkg/config"
	"github.com/go-go-golems/roomlink/pkg/eventbus"
	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/navigation"
	"github.com/go-go-golems/roomlink/pkg/notifier"
	"github.com/go-go-golems/roomlink/pkg/sender"
	"github.com/go-go-golems/roomlink/pkg/session"
	"github.com/go-go-golems/roomlink/pkg/storage"
	"github.com/go-go-golems/roomlink/pkg/store"
	"github.com/go-go-golems/roomlink/pkg/telemetry"
	"github.com/go-go-golems/roomlink/pkg/transport"
)

// Version is reported with telemetry.
var Version = "dev"

type App struct {
	cfg    config.Config
	logger zerolog.Logger

	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Store     *store.Store
	Holder    *session.Holder
	Bus       *bus.Bus
	Loop      *bus.Loop
	Router    *navigation.Router
	Transport *transport.Handler
	Sender    *sender.Proxy
	Reporter  *telemetry.Reporter
	Storage   storage.Adapter
	Events    *eventbus.Layer
	Mirror    *eventbus.Mirror
	Bridge    *eventbus.Bridge
}

type Option func(*appOptions)

type appOptions struct {
	dialer  transport.Dialer
	storage storage.Adapter
}

// WithDialer replaces the gorilla dialer, mostly for tests.
func WithDialer(d transport.Dialer) Option {
	return func(o *appOptions) { o.dialer = d }
}

// WithStorage uses a ready adapter instead of opening cfg.Storage.
func WithStorage(a storage.Adapter) Option {
	return func(o *appOptions) { o.storage = a }
}

func New(cfg config.Config, opts ...Option) (*App, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		logger:   log.With().Str("component", "bootstrap").Logger(),
		Registry: prometheus.NewRegistry(),
		Holder:   session.NewHolder(),
	}
	a.Metrics = metrics.New(a.Registry)
	a.Store = store.New(store.WithMetrics(a.Metrics))

	tel := cfg.Telemetry
	if tel.Version == "" {
		tel.Version = Version
	}
	a.Reporter = telemetry.New(tel, a.Store, telemetry.WithMetrics(a.Metrics))
	a.Store.SetReporter(a.Reporter)

	events, err := eventbus.Build(cfg.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "event layer")
	}
	a.Events = events
	a.Mirror = eventbus.NewMirror(events.Publisher, events.Settings.OutTopic,
		eventbus.WithMirrorReporter(a.Reporter),
		eventbus.WithMirrorSkip(navigation.Topic, navigation.ActionLogin),
	)

	a.Bus = bus.New(
		bus.WithReporter(a.Reporter),
		bus.WithMetrics(a.Metrics),
	)
	a.Loop = bus.NewLoop(a.Bus)

	topts := []transport.Option{
		transport.WithTokenSource(a.Holder),
		transport.WithObserver(a.Mirror),
		transport.WithMetrics(a.Metrics),
		transport.WithReporter(a.Reporter),
		transport.WithStateHook(a.onTransportState),
		transport.WithDropHook(a.onTransportDrop),
	}
	if o.dialer != nil {
		topts = append(topts, transport.WithDialer(o.dialer))
	}
	a.Transport = transport.New(cfg.Transport, a.Loop, topts...)

	a.Router, err = navigation.NewRouter(navigation.Routes(a.Store), a.Holder)
	if err != nil {
		_ = a.Events.Close()
		return nil, err
	}
	a.Bus.MustSubscribe(navigation.Topic, navigation.NewHandler(a.Router, a.Holder))
	a.Bus.MustSubscribe(channels.Topic, channels.NewHandler(a.Store, a.Transport, a.Loop))
	a.Bus.MustSubscribe(notifier.Topic, notifier.NewHandler(a.Store))
	a.Sender = sender.NewProxy(a.Store, a.Transport)
	a.Bridge = eventbus.NewBridge(events.Subscriber, events.Settings.InTopic, a.Loop, a.Metrics,
		eventbus.WithBridgeReporter(a.Reporter))

	a.Storage = o.storage
	if a.Storage == nil {
		a.Storage, err = storage.Open(cfg.Storage)
		if err != nil {
			_ = a.Events.Close()
			return nil, err
		}
	}
	return a, nil
}

// onTransportState runs with the transport locked; it only records and posts.
func (a *App) onTransportState(s transport.State) {
	a.Store.SetConnectionState(string(s))
	if s == transport.StateOpen {
		a.Loop.Post(bus.MustEnvelope(channels.Topic, channels.ActionSync, nil))
	}
}

// onTransportDrop runs with the transport locked. Sender is set before Connect.
func (a *App) onTransportDrop(env bus.Envelope) {
	if a.Sender != nil {
		a.Sender.Dropped(env)
	}
}

// Start logs in with the configured token, reconciles storage, starts the bridge
// and begins connecting. Envelopes are dispatched once Run (or DispatchPending)
// drives the loop.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Token != "" {
		s, err := session.Parse(a.cfg.Token)
		if err != nil {
			return err
		}
		env, err := bus.NewEnvelope(navigation.Topic, navigation.ActionLogin, navigation.Login{Session: s})
		if err != nil {
			return err
		}
		// Nothing else dispatches yet, so the login is applied before reconciling.
		if err := a.Bus.Dispatch(ctx, env); err != nil {
			return err
		}
	} else {
		a.Loop.Post(navigation.NavigateTo("/"))
	}

	outcome, err := Reconcile(ctx, a.Storage, a.Holder, a.Store)
	if err != nil {
		a.Store.GrowlError("Local storage is unavailable, history will not be kept")
	} else {
		a.Store.SetStorage(a.Storage)
	}
	a.logger.Info().Str("outcome", string(outcome)).Msg("reconciliation done")

	if err := a.Events.EnsureGroupAtTail(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("cannot prepare redis consumer group")
	}
	if err := a.Bridge.Start(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("event bridge not started")
	}
	return a.Transport.Connect(ctx)
}

// Run starts the app and dispatches until ctx is done, then closes it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer a.Reporter.Recover(gctx)
		return a.Loop.Run(gctx)
	})
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: a.HTTPHandler(), ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			a.logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err := eg.Wait()
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// HTTPHandler serves /metrics and /healthz.
func (a *App) HTTPHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transport": a.Transport.State(),
			"queued":    a.Transport.Queued(),
			"route":     a.Router.Current(),
		})
	}).Methods(http.MethodGet)
	return r
}

// Logout signs the user out, wipes local state and drops the connection.
func (a *App) Logout() error {
	a.Loop.Post(bus.MustEnvelope(navigation.Topic, navigation.ActionLogout, nil))
	a.Loop.Post(bus.MustEnvelope(channels.Topic, channels.ActionLogout, nil))
	return a.Transport.Disconnect()
}

// Close disconnects and drains pending storage writes.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(a.Transport.Disconnect())
	a.Bridge.Stop()
	a.Mirror.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	keep(a.Store.Close(ctx))
	keep(a.Storage.Close())
	keep(a.Events.Close())
	a.Reporter.Wait()
	return firstErr
}
