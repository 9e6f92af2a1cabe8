// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// pgx fakes
// =============================================================================

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(values))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				ts := v.(time.Time)
				*d = &ts
			}
		default:
			return fmt.Errorf("scan: unsupported dest %T", dest[i])
		}
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	data [][]any
	i    int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.i++; return r.i <= len(r.data) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.data[r.i-1]) }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.i-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeQuerier struct {
	row      fakeRow
	rows     *fakeRows
	lastSQL  string
	lastArgs []any
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.lastSQL, q.lastArgs = sql, args
	return q.rows, nil
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL, q.lastArgs = sql, args
	return q.row
}

// =============================================================================
// Tests
// =============================================================================

func TestPgCaseStore_GetCase(t *testing.T) {
	opened := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	q := &fakeQuerier{row: fakeRow{values: []any{"c-1", "Doe v. Doe", "JJ-2025-17", "open", nil, opened}}}
	store := NewPgCaseStore(q)

	c, err := store.GetCase(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Doe v. Doe", c.Title)
	assert.Equal(t, "JJ-2025-17", c.CaseNumber)
	assert.Empty(t, c.Court)
	require.NotNil(t, c.OpenedAt)
	assert.True(t, opened.Equal(*c.OpenedAt))
	assert.Equal(t, []any{"c-1"}, q.lastArgs)
}

func TestPgCaseStore_GetCaseNotFound(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
	_, err := NewPgCaseStore(q).GetCase(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestPgCaseStore_Deadlines(t *testing.T) {
	due := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{"Answer due", due, "pending"},
		{"Pretrial conference", due.Add(48 * time.Hour), "scheduled"},
	}}}
	store := NewPgCaseStore(q)
	fixed := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	got, err := store.Deadlines(context.Background(), "c-1", true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Answer due", got[0].Title)

	require.Len(t, q.lastArgs, 2)
	since, ok := q.lastArgs[1].(*time.Time)
	require.True(t, ok)
	assert.True(t, fixed.Equal(*since))
}

func TestPgCaseStore_DeadlinesAll(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{}}
	got, err := NewPgCaseStore(q).Deadlines(context.Background(), "c-1", false)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	assert.Nil(t, q.lastArgs[1].(*time.Time))
}

type stubCaseStore struct {
	upcoming bool
}

func (s *stubCaseStore) GetCase(_ context.Context, id string) (*Case, error) {
	return &Case{ID: id, Title: "Doe v. Doe", Status: "open"}, nil
}

func (s *stubCaseStore) Deadlines(_ context.Context, _ string, upcomingOnly bool) ([]Deadline, error) {
	s.upcoming = upcomingOnly
	return []Deadline{{Title: "Answer due", Status: "pending"}}, nil
}

func TestCaseTools(t *testing.T) {
	store := &stubCaseStore{}

	out, err := NewCaseGetTool(store).Execute(context.Background(), map[string]any{"caseId": "c-9"})
	require.NoError(t, err)
	var got struct {
		Case Case `json:"case"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "c-9", got.Case.ID)

	_, err = NewCaseGetTool(store).Execute(context.Background(), map[string]any{})
	assert.Error(t, err)

	out, err = NewCaseDeadlinesTool(store).Execute(context.Background(), map[string]any{"caseId": "c-9", "upcomingOnly": false})
	require.NoError(t, err)
	assert.False(t, store.upcoming)
	assert.Contains(t, out, `"count":1`)

	_, err = NewCaseDeadlinesTool(store).Execute(context.Background(), map[string]any{"caseId": "c-9"})
	require.NoError(t, err)
	assert.True(t, store.upcoming)
}
