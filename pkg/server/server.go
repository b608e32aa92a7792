// Package server provides the public entry point for composing the
// hearthd integration core.
//
// This package exists in pkg/ (not internal/) so embedders can import
// it, register their own plugins and attach a rule engine before the
// server starts serving.
//
// Usage:
//
//	srv, err := server.New(ctx, server.WithPlugins(myplugin.New()))
//	http.ListenAndServe(":4444", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hearthd/hearthd/internal/api"
	"github.com/hearthd/hearthd/internal/catalog"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/ioconn"
	"github.com/hearthd/hearthd/internal/lifecycle"
	"github.com/hearthd/hearthd/internal/plugins"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/internal/telemetry"
	"github.com/hearthd/hearthd/internal/translate"

	"github.com/rs/zerolog/log"
)

// Server holds the composed integration core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence layer.
	Store store.Store

	// Engine is the lifecycle engine, exposed so embedders can drive it
	// directly (rule engines, scripting layers).
	Engine *lifecycle.Engine

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops the core and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// Option customizes server composition.
type Option func(*options)

type options struct {
	plugins []plugins.Plugin
	rules   lifecycle.RuleConsumer
}

// WithPlugins registers integration plugins at startup.
func WithPlugins(ps ...plugins.Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, ps...) }
}

// WithRuleConsumer attaches the rule-engine collaborator consulted
// during thing removal.
func WithRuleConsumer(rc lifecycle.RuleConsumer) Option {
	return func(o *options) { o.rules = rc }
}

// New composes the integration core: store, catalog, plugin host,
// lifecycle engine, IO engine and the HTTP surface, then revives
// persisted things.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	cfg := config.Load()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore(cfg.DataDir)
	bus := events.NewBus()
	cat := catalog.NewCatalog()
	translator := translate.NewRegistry()
	host := plugins.NewHost(cat, dataStore, bus, translator)
	engine := lifecycle.NewEngine(cfg, cat, dataStore, host, bus, o.rules)
	ioEngine := ioconn.NewEngine(engine, dataStore, bus)

	for _, p := range o.plugins {
		if err := host.Register(ctx, p); err != nil {
			log.Error().Err(err).Msg("Failed to register plugin")
		}
	}

	// Revive persisted things first, so the IO layer's initial
	// propagation sees the revived state values.
	engine.Start(ctx)
	ioEngine.Start(ctx)

	hub := api.NewHub(bus)
	handlers := api.New(cat, host, engine, ioEngine, translator)
	router := api.NewRouter(cfg, handlers, hub)

	shutdown := func(ctx context.Context) error {
		hub.Close()
		ioEngine.Stop()
		engine.Stop()
		host.Stop()
		if err := dataStore.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Engine:       engine,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
