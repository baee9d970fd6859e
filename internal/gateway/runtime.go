// Copyright 2021-2026 the geOrchestra Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway assembles the configured components into a running
// HTTP server.
package gateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	appctxmw "github.com/georchestra/gateway/internal/http/interceptors/appctx"
	authmw "github.com/georchestra/gateway/internal/http/interceptors/auth"
	"github.com/georchestra/gateway/internal/http/services/actuator"
	dispatch "github.com/georchestra/gateway/internal/http/services/gateway"
	"github.com/georchestra/gateway/internal/http/services/login"
	"github.com/georchestra/gateway/internal/http/services/whoami"
	"github.com/georchestra/gateway/pkg/access"
	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/claims"
	"github.com/georchestra/gateway/pkg/auth/manager/oidc"
	"github.com/georchestra/gateway/pkg/auth/manager/preauth"
	"github.com/georchestra/gateway/pkg/auth/resolver"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/events"
	"github.com/georchestra/gateway/pkg/proxy"
	"github.com/georchestra/gateway/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runtime is the assembled gateway.
type Runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	server   *http.Server
	sessions *session.Store
	stream   events.Stream
	listener *events.Listener
}

// New builds the full pipeline from the validated configuration.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	log := newLogger(cfg.Logging)
	ctx = log.WithContext(ctx)

	stores := map[string]directory.Store{}
	var primary directory.Store
	for _, name := range sortedKeys(cfg.Security.LDAP) {
		lc := cfg.Security.LDAP[name]
		if !lc.Enabled {
			continue
		}
		store, err := directory.NewLDAPStore(name, lc, cfg.Security.DefaultOrganization)
		if err != nil {
			return nil, err
		}
		stores[name] = store
		if primary == nil || lc.Extended {
			primary = store
		}
	}
	if primary == nil {
		return nil, errtypes.InvalidConfiguration("no enabled directory source")
	}

	var stream events.Stream
	var listener *events.Listener
	if cfg.Broker.URL != "" {
		ns, err := events.Nats(cfg.Broker.URL)
		if err != nil {
			return nil, err
		}
		stream = ns
		listener, err = events.NewListener(stream)
		if err != nil {
			return nil, err
		}
	}
	emitter := events.NewEmitter(stream)

	accounts := directory.NewAccountManager(primary, emitter.AccountCreated)

	oidcManager, err := oidc.New(ctx, cfg.Security.OIDC)
	if err != nil {
		return nil, err
	}
	searchEmail := map[string]bool{}
	for id, reg := range cfg.Security.OIDC.Registrations {
		searchEmail[id] = reg.SearchEmail
	}

	res := resolver.New(resolver.Options{
		Accounts:    accounts,
		Stores:      stores,
		Extractor:   claims.NewExtractor(cfg.Security.OIDC.Claims, cfg.Security.OIDC.Registrations),
		SearchEmail: searchEmail,
		CreateUsers: cfg.Security.CreateNonExistingUsers,
		DefaultOrg:  cfg.Security.DefaultOrganization,
		Mappings:    cfg.RolesMappings,
	})

	rules, err := access.New(cfg.GlobalAccessRules, cfg.Services)
	if err != nil {
		return nil, err
	}

	pages := proxy.NewErrorPages()
	table, err := proxy.NewTable(cfg.Routes, cfg.ActiveProfile, pages)
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(time.Duration(cfg.Server.SessionTimeoutSeconds) * time.Second)

	router := chi.NewRouter()
	router.Use(appctxmw.New(log, cfg.Logging.MDC))
	router.Use(authmw.New(authmw.Options{
		Sessions:       sessions,
		Authenticators: []auth.Authenticator{preauth.New(cfg.Security.PreAuth.Enabled)},
		Resolver:       res,
		MDC:            cfg.Logging.MDC,
		Pages:          pages,
	}))

	login.New(sessions, stores, oidcManager, res).Register(router)
	whoami.Register(router)
	actuator.Register(router, actuator.Info{Name: cfg.Logging.MDC.AppName, Version: cfg.Logging.MDC.AppVersion})

	router.Handle("/*", dispatch.New(table, rules, proxy.NewProjector(cfg.DefaultHeaders), accounts, pages, cfg.Services))

	return &Runtime{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		stream:   stream,
		listener: listener,
		server: &http.Server{
			Addr:    cfg.Server.Address,
			Handler: router,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
	}, nil
}

// Run serves until ctx is cancelled, then drains within the configured
// grace window.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.sessions.Start()
	defer rt.sessions.Close()
	if rt.stream != nil {
		defer rt.stream.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	if rt.listener != nil {
		g.Go(func() error {
			err := rt.listener.Run(ctx)
			if err != nil && ctx.Err() == nil {
				rt.log.Error().Err(err).Msg("event listener stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		rt.log.Info().Str("address", rt.cfg.Server.Address).Msg("gateway listening")
		if err := rt.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		grace := time.Duration(rt.cfg.Server.ShutdownGraceSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		rt.log.Info().Dur("grace", grace).Msg("draining in-flight requests")
		return rt.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(lc config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if lc.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func sortedKeys(m map[string]config.LDAP) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
