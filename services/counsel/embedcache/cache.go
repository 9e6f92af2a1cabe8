// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedcache persists query embeddings in BadgerDB.
//
// Storage layout:
//
//	counsel/emb/v1/{sha256(model NUL text)}  →  gob-encoded []float32
//	                                             TTL: 7 days by default
//
// Expiry is enforced by BadgerDB's native TTL; expired keys read as a miss.
package embedcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// DefaultTTL is the lifetime of a cached vector.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "counsel/emb/v1/"

var errCacheMiss = errors.New("cache miss")

var lookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "counsel",
		Subsystem: "embedcache",
		Name:      "lookups_total",
		Help:      "Embedding cache lookups by result (hit, miss, error).",
	},
	[]string{"result"},
)

// Options configures Open.
type Options struct {
	// Dir is the BadgerDB directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the cache in memory only.
	InMemory bool

	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
}

// Cache is an llm.Embedder that consults BadgerDB before calling the
// wrapped embedder.
//
// # Description
//
// Storage failures never fail Embed: a read error is treated as a miss and
// a write error is logged. The wrapped embedder's errors are returned
// unchanged.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type Cache struct {
	db     *badger.DB
	inner  llm.Embedder
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens (or creates) the BadgerDB store and wraps inner.
//
// # Inputs
//
//   - opts: Storage options.
//   - inner: The embedder to call on a miss. Must not be nil.
//   - model: Embedding model name; part of every key so a model change
//     invalidates the cache.
//   - logger: May be nil.
//
// # Outputs
//
//   - *Cache: Ready-to-use cache. The caller must Close it.
//   - error: Non-nil if BadgerDB cannot be opened.
func Open(opts Options, inner llm.Embedder, model string, logger *slog.Logger) (*Cache, error) {
	if inner == nil {
		return nil, fmt.Errorf("embedcache: inner embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("embedcache: open badger: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, inner: inner, model: model, ttl: ttl, logger: logger}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Embed implements llm.Embedder.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.model, text)

	vec, err := c.load(key)
	switch {
	case err == nil:
		lookupsTotal.WithLabelValues("hit").Inc()
		return vec, nil
	case errors.Is(err, errCacheMiss):
		lookupsTotal.WithLabelValues("miss").Inc()
	default:
		lookupsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("embedcache: load failed, treating as miss", slog.String("error", err.Error()))
	}

	vec, err = c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.save(key, vec); err != nil {
		c.logger.Warn("embedcache: save failed", slog.String("error", err.Error()))
	}
	return vec, nil
}

func (c *Cache) load(key []byte) ([]float32, error) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return vec, nil
}

func (c *Cache) save(key []byte, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, buf.Bytes()).WithTTL(c.ttl))
	})
}

// cacheKey builds the BadgerDB key for model and text.
func cacheKey(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return []byte(keyPrefix + hex.EncodeToString(h.Sum(nil)))
}
