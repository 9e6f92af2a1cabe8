// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gqlBody struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newGraphServer(t *testing.T, handle func(body gqlBody) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body gqlBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handle(body)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Run(t *testing.T) {
	srv := newGraphServer(t, func(body gqlBody) string {
		assert.Contains(t, body.Query, "searchNodes")
		assert.Equal(t, "custody", body.Variables["query"])
		return `{"data":{"searchNodes":[{"source":"virginia_code","sourceId":"20-124.3","nodeType":"section"}]}}`
	})

	c := NewClient(srv.URL, Options{}, nil)
	data, err := c.Run(context.Background(),
		`query($query: String!) { searchNodes(query: $query) { source sourceId nodeType } }`,
		map[string]any{"query": "custody"})
	require.NoError(t, err)

	items, ok := data["searchNodes"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestClient_RunGraphQLErrors(t *testing.T) {
	srv := newGraphServer(t, func(gqlBody) string {
		return `{"errors":[{"message":"Cannot query field \"bogus\" on type \"Query\"."}]}`
	})

	c := NewClient(srv.URL, Options{}, nil)
	_, err := c.Run(context.Background(), `query { bogus }`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestClient_RunCancelledContext(t *testing.T) {
	srv := newGraphServer(t, func(gqlBody) string { return `{"data":{}}` })

	c := NewClient(srv.URL, Options{RPS: 0.001, Burst: 1}, nil)
	_, err := c.Run(context.Background(), `query { a }`, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Run(ctx, `query { a }`, nil)
	assert.Error(t, err)
}

func TestClient_Introspect(t *testing.T) {
	srv := newGraphServer(t, func(body gqlBody) string {
		assert.True(t, strings.Contains(body.Query, "__schema"))
		return `{"data":{"__schema":{"queryType":{"name":"Query","fields":[
			{"name":"searchNodes","description":"Full-text node search",
			 "args":[
			   {"name":"query","type":{"kind":"NON_NULL","name":null,"ofType":{"kind":"SCALAR","name":"String"}}},
			   {"name":"limit","type":{"kind":"SCALAR","name":"Int"}}
			 ],
			 "type":{"kind":"NON_NULL","name":null,"ofType":{"kind":"LIST","name":null,"ofType":{"kind":"NON_NULL","name":null,"ofType":{"kind":"OBJECT","name":"Node"}}}}},
			{"name":"__typename","args":[],"type":{"kind":"SCALAR","name":"String"}},
			{"name":"node","args":[{"name":"source","type":{"kind":"SCALAR","name":"String"}}],"type":{"kind":"OBJECT","name":"Node"}}
		]}}}}`
	})

	c := NewClient(srv.URL, Options{}, nil)
	schema, err := c.Introspect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Query", schema.QueryType)
	require.Len(t, schema.Fields, 2)
	assert.Equal(t, "searchNodes", schema.Fields[0].Name)
	assert.Equal(t, "[Node!]!", schema.Fields[0].Type)
	assert.Equal(t, []Arg{{Name: "query", Type: "String!"}, {Name: "limit", Type: "Int"}}, schema.Fields[0].Args)

	desc := schema.Describe()
	assert.Contains(t, desc, "searchNodes(query: String!, limit: Int): [Node!]!")
	assert.Contains(t, desc, "# Full-text node search")
}

func TestClient_IntrospectNoQueryType(t *testing.T) {
	srv := newGraphServer(t, func(gqlBody) string {
		return `{"data":{"__schema":{"queryType":null}}}`
	})

	c := NewClient(srv.URL, Options{}, nil)
	schema, err := c.Introspect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schema.Fields)
}
