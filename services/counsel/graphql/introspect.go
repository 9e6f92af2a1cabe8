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
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// introspectionQuery asks for the query root's fields with their argument
// and return types, unwrapped three levels deep.
const introspectionQuery = `query IntrospectQueryRoot {
  __schema {
    queryType {
      name
      fields {
        name
        description
        args { name type { ...TypeRef } }
        type { ...TypeRef }
      }
    }
  }
}

fragment TypeRef on __Type {
  kind
  name
  ofType { kind name ofType { kind name ofType { kind name } } }
}`

// Introspector reads the query-root schema.
type Introspector interface {
	Introspect(ctx context.Context) (*Schema, error)
}

// Schema is the query root as seen by the planner.
type Schema struct {
	QueryType string  `json:"queryType"`
	Fields    []Field `json:"fields"`
}

// Field is one query-root field.
type Field struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Args        []Arg  `json:"args,omitempty"`
	Type        string `json:"type"`
}

// Arg is one field argument.
type Arg struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Describe renders the schema as SDL-like lines for a prompt.
func (s *Schema) Describe() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "type %s {\n", s.QueryType)
	for _, f := range s.Fields {
		if f.Description != "" {
			fmt.Fprintf(&b, "  # %s\n", strings.ReplaceAll(f.Description, "\n", " "))
		}
		b.WriteString("  ")
		b.WriteString(f.Name)
		if len(f.Args) > 0 {
			parts := make([]string, len(f.Args))
			for i, a := range f.Args {
				parts[i] = a.Name + ": " + a.Type
			}
			b.WriteString("(" + strings.Join(parts, ", ") + ")")
		}
		b.WriteString(": " + f.Type + "\n")
	}
	b.WriteString("}")
	return b.String()
}

type typeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OfType *typeRef `json:"ofType"`
}

// String renders the reference in SDL notation, e.g. "[Node!]!".
func (t *typeRef) String() string {
	if t == nil {
		return "Unknown"
	}
	switch t.Kind {
	case "NON_NULL":
		return t.OfType.String() + "!"
	case "LIST":
		return "[" + t.OfType.String() + "]"
	default:
		if t.Name == "" {
			return "Unknown"
		}
		return t.Name
	}
}

type introspectionResponse struct {
	Schema struct {
		QueryType *struct {
			Name   string `json:"name"`
			Fields []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Args        []struct {
					Name string   `json:"name"`
					Type *typeRef `json:"type"`
				} `json:"args"`
				Type *typeRef `json:"type"`
			} `json:"fields"`
		} `json:"queryType"`
	} `json:"__schema"`
}

// Introspect implements Introspector.
//
// # Outputs
//
//   - *Schema: The query root. Fields may be empty; callers decide whether
//     an empty root is usable.
//   - error: Transport or GraphQL failure.
func (c *Client) Introspect(ctx context.Context) (*Schema, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "graphql.Client.Introspect")
	defer span.End()

	var resp introspectionResponse
	if err := c.do(ctx, "introspect", introspectionQuery, nil, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "introspection failed")
		return nil, err
	}

	schema := &Schema{Fields: []Field{}}
	if qt := resp.Schema.QueryType; qt != nil {
		schema.QueryType = qt.Name
		for _, f := range qt.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			field := Field{Name: f.Name, Description: f.Description, Type: f.Type.String()}
			for _, a := range f.Args {
				field.Args = append(field.Args, Arg{Name: a.Name, Type: a.Type.String()})
			}
			schema.Fields = append(schema.Fields, field)
		}
	}
	span.SetAttributes(attribute.Int("graphql.query_fields", len(schema.Fields)))
	return schema, nil
}
