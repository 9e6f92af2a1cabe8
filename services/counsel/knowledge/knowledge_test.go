// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func TestHTTPSearcher_Search(t *testing.T) {
	var got Query
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"answers":[
				{"nodeId":"n1","source":"virginia_code","sourceId":"20-124.3","nodeType":"section","content":"Best interests","score":0.82,"verified":true},
				{"nodeId":"n2","source":"virginia_code","sourceId":"20-124.2","nodeType":"section","content":"Court-ordered custody","score":0.61,"retrievalPath":"vector"}
			],
			"context":[{"nodeId":"c1","source":"virginia_code","sourceId":"20:6.1","nodeType":"chapter","relType":"contains"}]
		}`))
	}))
	defer srv.Close()

	s := NewHTTPSearcher(srv.URL+"/", fixedEmbedder{vec: []float32{0.1, 0.2}}, 0, nil)
	res, err := s.Search(context.Background(), Query{Text: "custody", TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, "custody", got.Text)
	assert.Equal(t, 3, got.TopK)
	assert.Equal(t, []float32{0.1, 0.2}, got.Vector)

	require.Len(t, res.Answers, 2)
	assert.True(t, res.Answers[0].Verified)
	assert.Equal(t, PathService, res.Answers[0].RetrievalPath)
	assert.Equal(t, "vector", res.Answers[1].RetrievalPath)
	require.Len(t, res.Context, 1)
	assert.Equal(t, "contains", res.Context[0].RelType)
}

func TestHTTPSearcher_EmbeddingFailureSearchesByText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"answers":[],"context":[]}`))
	}))
	defer srv.Close()

	s := NewHTTPSearcher(srv.URL, fixedEmbedder{err: errors.New("embedding server down")}, 0, nil)
	res, err := s.Search(context.Background(), Query{Text: "custody", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Answers)
	_, hasVector := got["vector"]
	assert.False(t, hasVector)
}

func TestHTTPSearcher_ErrorStatusRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream postgres://counsel:hunter2@db:5432/kb unreachable`))
	}))
	defer srv.Close()

	s := NewHTTPSearcher(srv.URL, nil, 0, nil)
	_, err := s.Search(context.Background(), Query{Text: "custody", TopK: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 502")
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestDecodeHybrid(t *testing.T) {
	data := map[string]models.JSONObject{
		"Get": map[string]any{
			"LegalNode": []any{
				map[string]any{
					"source": "constitution", "sourceId": "I-8", "nodeType": "constitution_section",
					"content":     "Criminal prosecutions",
					"_additional": map[string]any{"id": "uuid-1", "score": "0.66"},
				},
				"not an object",
				map[string]any{
					"nodeId": "n9", "source": "courts", "sourceId": "c-1", "nodeType": "court",
					"_additional": map[string]any{"score": 0.4},
				},
			},
		},
	}

	answers := decodeHybrid(data, "LegalNode")
	require.Len(t, answers, 2)
	assert.Equal(t, "uuid-1", answers[0].NodeID)
	assert.InDelta(t, 0.66, answers[0].Score, 1e-9)
	assert.False(t, answers[0].Verified)
	assert.Equal(t, PathHybrid, answers[0].RetrievalPath)
	assert.Equal(t, "n9", answers[1].NodeID)
	assert.InDelta(t, 0.4, answers[1].Score, 1e-9)
}

func TestWeaviateSearcher_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/graphql") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"Get":{"LegalNode":[
			{"source":"virginia_code","sourceId":"20-124.3","nodeType":"section","content":"Best interests","_additional":{"id":"u1","score":"0.9"}}
		]}}}`))
	}))
	defer srv.Close()

	s, err := NewWeaviateSearcher(WeaviateOptions{Host: strings.TrimPrefix(srv.URL, "http://")}, nil, nil)
	require.NoError(t, err)

	res, err := s.Search(context.Background(), Query{Text: "custody", TopK: 2})
	require.NoError(t, err)
	require.Len(t, res.Answers, 1)
	assert.Equal(t, "20-124.3", res.Answers[0].SourceID)
	assert.NotNil(t, res.Context)
}

func TestNewWeaviateSearcher_RequiresHost(t *testing.T) {
	_, err := NewWeaviateSearcher(WeaviateOptions{}, nil, nil)
	assert.Error(t, err)
}
