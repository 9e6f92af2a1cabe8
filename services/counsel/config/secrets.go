// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Secret names.
const (
	SecretCompletionAPIKey = "completion_api_key"
	SecretEmbeddingAPIKey  = "embedding_api_key"
	SecretInfluxToken      = "influx_token"
	SecretCasesDSN         = "cases_dsn"
)

// ErrSecretNotSet is returned by Secrets.Get for an absent secret.
var ErrSecretNotSet = errors.New("secret not set")

// Secrets holds credentials in encrypted memguard enclaves.
//
// # Description
//
// Values are sealed as soon as they are read from the environment and are
// decrypted only for the moment a client is constructed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Secrets struct {
	mu       sync.RWMutex
	enclaves map[string]*memguard.Enclave
}

// LoadSecrets seals the values of the env vars named in cfg. Unset or
// blank variables are skipped.
func LoadSecrets(cfg *Config, lookup func(string) (string, bool)) *Secrets {
	s := &Secrets{enclaves: make(map[string]*memguard.Enclave)}
	sources := map[string]string{
		SecretCompletionAPIKey: cfg.Completion.APIKeyEnv,
		SecretEmbeddingAPIKey:  cfg.Embedding.APIKeyEnv,
		SecretInfluxToken:      cfg.Events.InfluxTokenEnv,
		SecretCasesDSN:         cfg.Cases.DSNEnv,
	}
	for name, env := range sources {
		if env == "" {
			continue
		}
		if v, ok := lookup(env); ok && strings.TrimSpace(v) != "" {
			s.Set(name, strings.TrimSpace(v))
		}
	}
	return s
}

// Set seals value under name, replacing any previous value.
func (s *Secrets) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclaves[name] = memguard.NewEnclave([]byte(value))
}

// Has reports whether name is set.
func (s *Secrets) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enclaves[name]
	return ok
}

// Get decrypts and returns name.
func (s *Secrets) Get(name string) (string, error) {
	s.mu.RLock()
	enclave, ok := s.enclaves[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("config: %s: %w", name, ErrSecretNotSet)
	}

	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("config: open %s: %w", name, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// GetOrEmpty is Get with errors mapped to "".
func (s *Secrets) GetOrEmpty(name string) string {
	v, err := s.Get(name)
	if err != nil {
		return ""
	}
	return v
}
