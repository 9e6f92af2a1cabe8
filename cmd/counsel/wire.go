// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianCounsel/services/counsel"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/chat"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/embedcache"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// app is the fully wired engine plus everything that must be closed with it.
type app struct {
	engine   *chat.Engine
	registry *tools.Registry
	hub      *events.Hub
	watcher  *config.Watcher
	checks   map[string]counsel.ReadyCheck

	closers []func() error
	logger  *slog.Logger
}

// buildApp constructs every backend named in cfg.
//
// # Description
//
// Optional backends are wired only when configured: the graph client when
// an endpoint is set, the case tools when the case DSN secret is present,
// the Influx archive when a URL is set, and the settings watcher when a
// config file is in use. extra broadcasters receive every event alongside
// the websocket hub.
//
// # Outputs
//
//   - *app: Caller must Close it.
//   - error: A required backend could not be built. Anything opened before
//     the failure is already closed.
func buildApp(ctx context.Context, cfg *config.Config, secrets *config.Secrets, configPath string,
	logger *slog.Logger, extra ...events.Broadcaster) (_ *app, err error) {

	a := &app{
		registry: tools.NewRegistry(logger),
		checks:   make(map[string]counsel.ReadyCheck),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	completion, err := newCompletionClient(cfg.Completion, secrets)
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(cfg.Embedding, secrets, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, embedder.Close)

	searcher, err := newSearcher(cfg.Knowledge, embedder, logger)
	if err != nil {
		return nil, err
	}
	a.registry.MustRegister(tools.NewKnowledgeSearchTool(searcher))

	var graph chat.GraphEndpoint
	if cfg.Graph.Endpoint != "" {
		client := graphql.NewClient(cfg.Graph.Endpoint, graphql.Options{
			Timeout: cfg.Graph.Timeout,
			RPS:     cfg.Graph.RPS,
			Burst:   cfg.Graph.Burst,
		}, logger)
		a.registry.MustRegister(
			tools.NewNodeSearchTool(client, cfg.Graph.NodeSearchQuery),
			tools.NewNodeGetTool(client, cfg.Graph.NodeGetQuery),
		)
		a.checks["graph"] = func(ctx context.Context) error {
			_, err := client.Introspect(ctx)
			return err
		}
		graph = client
	}

	if secrets.Has(config.SecretCasesDSN) {
		dsn, err := secrets.Get(config.SecretCasesDSN)
		if err != nil {
			return nil, err
		}
		store, closeStore, err := tools.ConnectCaseStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("cases: %w", err)
		}
		a.closers = append(a.closers, func() error { closeStore(); return nil })
		a.registry.MustRegister(tools.NewCaseGetTool(store), tools.NewCaseDeadlinesTool(store))
	}
	if err := checkCatalog(a.registry, graph != nil); err != nil {
		return nil, err
	}

	a.hub = events.NewHub(logger)
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })
	bus := events.Multi{a.hub}
	if cfg.Events.InfluxURL != "" {
		sink := events.NewInfluxSink(cfg.Events.InfluxURL, secrets.GetOrEmpty(config.SecretInfluxToken),
			cfg.Events.InfluxOrg, cfg.Events.InfluxBucket, logger)
		a.closers = append(a.closers, func() error { sink.Close(); return nil })
		bus = append(bus, sink)
	}
	bus = append(bus, extra...)

	var settings config.EngineSource = cfg.Engine
	if configPath != "" {
		a.watcher = config.NewWatcher(configPath, cfg.Engine, logger)
		settings = a.watcher
	}

	a.engine, err = chat.New(chat.Deps{
		Client:    completion,
		Tools:     a.registry,
		Knowledge: searcher,
		Graph:     graph,
		Bus:       bus,
		Settings:  settings,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("counsel wired",
		slog.String("completion_provider", cfg.Completion.Provider),
		slog.String("completion_model", cfg.Completion.Model),
		slog.String("knowledge_backend", cfg.Knowledge.Backend),
		slog.Bool("graph", graph != nil),
		slog.Bool("deterministic_graph", settings.Engine().DeterministicGraph),
		slog.Int("tools", len(a.registry.Catalog())))
	return a, nil
}

// checkCatalog fails when a tool the engine calls by name is not
// registered. Forced interventions need knowledge_search; the graph tools
// are required once a graph endpoint is configured.
func checkCatalog(reg *tools.Registry, withGraph bool) error {
	names := []string{tools.KnowledgeSearchName}
	if withGraph {
		names = append(names, tools.NodeSearchName, tools.NodeGetName)
	}
	want := make([]llm.ToolDef, 0, len(names))
	for _, name := range names {
		want = append(want, llm.ToolDef{Type: "function", Function: llm.ToolFunction{Name: name}})
	}
	if err := reg.Validate(want); err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}
	return nil
}

// Close releases backends in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newCompletionClient builds the provider client, instrumented and, when
// cfg.RPS is positive, rate limited.
func newCompletionClient(cfg config.CompletionConfig, secrets *config.Secrets) (llm.ChatClient, error) {
	var inner llm.ChatClient
	switch cfg.Provider {
	case "openai":
		inner = llm.NewOpenAIClientWithConfig(secrets.GetOrEmpty(config.SecretCompletionAPIKey),
			cfg.Model, cfg.BaseURL, cfg.Timeout)
	case "ollama":
		c, err := llm.NewOllamaClient(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("completion: %w", err)
		}
		inner = c
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.Provider)
	}

	var client llm.ChatClient = llm.NewInstrumentedClient(inner, cfg.Provider)
	if cfg.RPS > 0 {
		client = llm.NewRateLimitedClient(client, cfg.RPS, cfg.Burst)
	}
	return client, nil
}

// newEmbedder wraps the embedding server in the BadgerDB cache.
func newEmbedder(cfg config.EmbeddingConfig, secrets *config.Secrets, logger *slog.Logger) (*embedcache.Cache, error) {
	inner := llm.NewEmbeddingClient(cfg.BaseURL, secrets.GetOrEmpty(config.SecretEmbeddingAPIKey), cfg.Model)
	cache, err := embedcache.Open(embedcache.Options{
		Dir:      cfg.CacheDir,
		InMemory: cfg.CacheInMemory || cfg.CacheDir == "",
		TTL:      cfg.CacheTTL,
	}, inner, cfg.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return cache, nil
}

func newSearcher(cfg config.KnowledgeConfig, embedder llm.Embedder, logger *slog.Logger) (knowledge.Searcher, error) {
	switch cfg.Backend {
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("knowledge: http backend requires a url")
		}
		return knowledge.NewHTTPSearcher(cfg.URL, embedder, cfg.Timeout, logger), nil
	case "weaviate":
		s, err := knowledge.NewWeaviateSearcher(knowledge.WeaviateOptions{
			Host:   cfg.WeaviateHost,
			Scheme: cfg.WeaviateScheme,
			Class:  cfg.WeaviateClass,
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("knowledge: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("knowledge: unknown backend %q", cfg.Backend)
	}
}
