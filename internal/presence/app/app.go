// Package app assembles presenced: the SIP stack, registrar, subscription
// manager, event publishers and the management endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/presenced/internal/presence/api"
	"github.com/sebas/presenced/internal/presence/auth"
	"github.com/sebas/presenced/internal/presence/config"
	"github.com/sebas/presenced/internal/presence/credentials"
	"github.com/sebas/presenced/internal/presence/events"
	"github.com/sebas/presenced/internal/presence/health"
	"github.com/sebas/presenced/internal/presence/metrics"
	"github.com/sebas/presenced/internal/presence/registrar"
	"github.com/sebas/presenced/internal/presence/sipdialog"
	"github.com/sebas/presenced/internal/presence/subscription"
)

const (
	shutdownTimeout = 10 * time.Second
	localUser       = "presenced"
)

// Presenced owns every long-lived component of the service.
type Presenced struct {
	config *config.Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	redis      *redis.Client
	regAuth    *auth.Authenticator
	notifyAuth *auth.Authenticator
	publisher  events.Publisher

	location  *registrar.Location
	registrar *registrar.Handler
	router    *sipdialog.Router
	manager   *subscription.Manager

	apiServer    *api.Server
	healthServer *health.Server
}

// New builds the service from cfg. Nothing listens until Run.
func New(cfg *config.Config) (*Presenced, error) {
	p := &Presenced{config: cfg}
	ok := false
	defer func() {
		if !ok {
			p.release()
		}
	}()

	// Metrics
	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	p.metrics = metrics.New(p.registry)

	// Credentials shared by REGISTER and NOTIFY authentication
	lookup, err := p.buildCredentials()
	if err != nil {
		return nil, err
	}
	observe := auth.WithObserver(func(o auth.Outcome) { p.metrics.IncAuth(string(o)) })
	p.regAuth = auth.New(auth.ModeUAS, lookup, observe)
	p.notifyAuth = auth.New(auth.ModeProxy, lookup, observe)

	// Events
	p.publisher, err = p.buildPublisher()
	if err != nil {
		return nil, err
	}
	nodeID, _ := os.Hostname()
	builder := events.NewBuilder(nodeID).WithSubjectPrefix(cfg.NATSSubjectPrefix)

	// Create SIP user agent, server, and client
	p.ua, err = sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	p.srv, err = sipgo.NewServer(p.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	p.client, err = sipgo.NewClient(p.ua)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// Outbound SUBSCRIBE dialogs; NOTIFYs come back to our contact
	p.router = sipdialog.NewRouter()
	contact := sip.Uri{
		Scheme: "sip",
		User:   localUser,
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}
	factory := sipdialog.NewFactory(sipdialog.NewClientTransport(p.client), p.router, contact)

	p.manager = subscription.NewManager(subscription.Config{
		Store:          subscription.NewStore(),
		Dialogs:        factory,
		Auth:           p.notifyAuth,
		Publisher:      p.publisher,
		Events:         builder,
		Metrics:        p.metrics,
		Accept:         cfg.Accept,
		RequestTimeout: cfg.SubscribeTimeout,
	})

	// Registrar
	p.location = registrar.NewLocation(registrar.LocationConfig{
		CleanupInterval: 5 * time.Second,
		DefaultExpires:  cfg.DefaultExpires,
		MaxExpires:      cfg.MaxExpires,
		MinExpires:      cfg.MinExpires,
	})
	p.registrar = registrar.NewHandler(p.location, cfg.Realm,
		registrar.WithAuthenticator(p.regAuth),
		registrar.WithMetrics(p.metrics),
	)
	p.registrar.AddListener(p.manager)

	// Register request handlers
	p.srv.OnRequest(sip.REGISTER, p.registrar.HandleRegister)
	p.srv.OnRequest(sip.NOTIFY, p.router.HandleNotify)
	slog.Info("[App] SIP handlers registered", "methods", "REGISTER, NOTIFY")

	// Management endpoints
	if cfg.APIAddr != "" {
		store := p.manager.Store()
		p.apiServer = api.NewServer(cfg.APIAddr, store, p.manager, p.location, p.registry)
	}
	if cfg.GRPCAddr != "" {
		p.healthServer = health.NewServer(cfg.GRPCAddr)
	}

	ok = true
	return p, nil
}

func (p *Presenced) buildCredentials() (credentials.Lookup, error) {
	var chain credentials.Chain
	if path := p.config.CredentialsFile; path != "" {
		static, err := credentials.LoadFile(path)
		if err != nil {
			return nil, err
		}
		slog.Info("[App] Credentials loaded", "path", path, "users", static.Len())
		chain = append(chain, static)
	}
	if addr := p.config.RedisAddr; addr != "" {
		p.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: p.config.RedisPassword,
			DB:       p.config.RedisDB,
		})
		chain = append(chain, credentials.NewRedisStore(p.redis))
		slog.Info("[App] Redis credential lookup enabled", "addr", addr, "db", p.config.RedisDB)
	}
	if len(chain) == 0 {
		return nil, errors.New("no credential source configured")
	}
	return chain, nil
}

func (p *Presenced) buildPublisher() (events.Publisher, error) {
	logging := events.NewLoggingPublisher(slog.Default())
	if p.config.NATSURL == "" {
		return logging, nil
	}
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = p.config.NATSURL
	nats, err := events.NewNATSPublisher(natsCfg, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return events.NewMultiPublisher(nats, logging), nil
}

// Run serves SIP and the management endpoints until ctx is canceled or one
// of them fails.
func (p *Presenced) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	listenAddr := fmt.Sprintf("%s:%d", p.config.BindAddr, p.config.Port)
	g.Go(func() error {
		slog.Info("[App] Starting SIP server", "listenAddr", listenAddr)
		if err := p.srv.ListenAndServe(gctx, "udp", listenAddr); err != nil && gctx.Err() == nil {
			return fmt.Errorf("sip udp: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.srv.ListenAndServe(gctx, "tcp", listenAddr); err != nil && gctx.Err() == nil {
			return fmt.Errorf("sip tcp: %w", err)
		}
		return nil
	})

	if p.apiServer != nil {
		g.Go(p.apiServer.ListenAndServe)
	}
	if p.healthServer != nil {
		g.Go(p.healthServer.ListenAndServe)
		p.healthServer.SetServing(true)
	}

	// Stop the endpoints once anything ends the group
	g.Go(func() error {
		<-gctx.Done()
		if p.healthServer != nil {
			p.healthServer.Shutdown()
		}
		if p.apiServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := p.apiServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("[App] API shutdown failed", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// Close unsubscribes every subscription, flushes events and releases the
// stores and the SIP stack.
func (p *Presenced) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	// Drain pending registration events first so nothing subscribes after the sweep
	if p.registrar != nil {
		p.registrar.Close()
	}
	if p.manager != nil {
		if err := p.manager.Shutdown(ctx, p.config.ShutdownParallel); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions: %w", err))
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
	}
	if err := p.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes whatever New managed to build.
func (p *Presenced) release() error {
	var errs []error
	if p.registrar != nil {
		p.registrar.Close()
	}
	if p.location != nil {
		p.location.Close()
	}
	if p.regAuth != nil {
		p.regAuth.Close()
	}
	if p.notifyAuth != nil {
		p.notifyAuth.Close()
	}
	if p.publisher != nil {
		if err := p.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if p.ua != nil {
		if err := p.ua.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close user agent: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Registrar exposes the REGISTER handler.
func (p *Presenced) Registrar() *registrar.Handler { return p.registrar }

// Manager exposes the subscription manager.
func (p *Presenced) Manager() *subscription.Manager { return p.manager }

// API returns the management server, nil when disabled.
func (p *Presenced) API() *api.Server { return p.apiServer }
