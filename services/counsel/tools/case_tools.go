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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// Case-data tool names.
const (
	CaseGetName       = "case_get"
	CaseDeadlinesName = "case_deadlines"
)

// Case is the read-only projection of a case record.
type Case struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CaseNumber string     `json:"caseNumber,omitempty"`
	Status     string     `json:"status"`
	Court      string     `json:"court,omitempty"`
	OpenedAt   *time.Time `json:"openedAt,omitempty"`
}

// Deadline is one dated obligation attached to a case.
type Deadline struct {
	Title   string    `json:"title"`
	DueDate time.Time `json:"dueDate"`
	Status  string    `json:"status"`
}

// CaseStore reads case data.
type CaseStore interface {
	GetCase(ctx context.Context, id string) (*Case, error)
	Deadlines(ctx context.Context, caseID string, upcomingOnly bool) ([]Deadline, error)
}

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgCaseStore implements CaseStore over the case-management Postgres schema.
//
// Thread Safety: Safe for concurrent use if the Querier is.
type PgCaseStore struct {
	db  Querier
	now func() time.Time
}

// NewPgCaseStore wraps db, typically a *pgxpool.Pool.
func NewPgCaseStore(db Querier) *PgCaseStore {
	return &PgCaseStore{db: db, now: time.Now}
}

// ConnectCaseStore opens a pgx pool for dsn and verifies connectivity.
// The returned close function releases the pool.
func ConnectCaseStore(ctx context.Context, dsn string) (*PgCaseStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: open case database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("tools: ping case database: %w", err)
	}
	return NewPgCaseStore(pool), pool.Close, nil
}

const (
	selectCaseSQL = `SELECT id, title, case_number, status, court, opened_at
FROM cases WHERE id = $1`

	selectDeadlinesSQL = `SELECT title, due_date, status
FROM deadlines WHERE case_id = $1 AND ($2::timestamptz IS NULL OR due_date >= $2)
ORDER BY due_date ASC`
)

// ErrCaseNotFound is returned when no case matches.
var ErrCaseNotFound = errors.New("case not found")

// GetCase implements CaseStore.
func (s *PgCaseStore) GetCase(ctx context.Context, id string) (*Case, error) {
	var (
		c          Case
		caseNumber *string
		court      *string
	)
	err := s.db.QueryRow(ctx, selectCaseSQL, id).
		Scan(&c.ID, &c.Title, &caseNumber, &c.Status, &court, &c.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select case: %w", err)
	}
	if caseNumber != nil {
		c.CaseNumber = *caseNumber
	}
	if court != nil {
		c.Court = *court
	}
	return &c, nil
}

// Deadlines implements CaseStore.
func (s *PgCaseStore) Deadlines(ctx context.Context, caseID string, upcomingOnly bool) ([]Deadline, error) {
	var since *time.Time
	if upcomingOnly {
		now := s.now()
		since = &now
	}

	rows, err := s.db.Query(ctx, selectDeadlinesSQL, caseID, since)
	if err != nil {
		return nil, fmt.Errorf("select deadlines: %w", err)
	}
	defer rows.Close()

	out := []Deadline{}
	for rows.Next() {
		var d Deadline
		if err := rows.Scan(&d.Title, &d.DueDate, &d.Status); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deadlines: %w", err)
	}
	return out, nil
}

// =============================================================================
// case_get / case_deadlines
// =============================================================================

type caseGetTool struct{ store CaseStore }

// NewCaseGetTool exposes CaseStore.GetCase.
func NewCaseGetTool(s CaseStore) Tool { return &caseGetTool{store: s} }

func (t *caseGetTool) Definition() Definition {
	return Definition{
		Def: llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        CaseGetName,
				Description: "Fetch a case's title, number, status and court by case id.",
				Parameters: llm.ToolParameters{
					Type: "object",
					Properties: map[string]llm.ToolParamDef{
						"caseId": {Type: "string", Description: "Case identifier."},
					},
					Required: []string{"caseId"},
				},
			},
		},
		Kind: KindCaseData,
		WhenToUse: WhenToUse{
			UseWhen:   "The user refers to one of their own matters by id.",
			AvoidWhen: "The question is about the law in general.",
		},
	}
}

func (t *caseGetTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, _ := parse.String(args, "caseId")
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("caseId is required")
	}
	c, err := t.store.GetCase(ctx, id)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"case": c})
}

type caseDeadlinesTool struct{ store CaseStore }

// NewCaseDeadlinesTool exposes CaseStore.Deadlines.
func NewCaseDeadlinesTool(s CaseStore) Tool { return &caseDeadlinesTool{store: s} }

func (t *caseDeadlinesTool) Definition() Definition {
	return Definition{
		Def: llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        CaseDeadlinesName,
				Description: "List a case's deadlines ordered by due date.",
				Parameters: llm.ToolParameters{
					Type: "object",
					Properties: map[string]llm.ToolParamDef{
						"caseId":       {Type: "string", Description: "Case identifier."},
						"upcomingOnly": {Type: "boolean", Description: "Only deadlines due from now on.", Default: true},
					},
					Required: []string{"caseId"},
				},
			},
		},
		Kind: KindSearch,
		WhenToUse: WhenToUse{
			Keywords: []string{"deadline", "due", "hearing date", "filing date"},
			UseWhen:  "The user asks what is due on one of their matters.",
		},
	}
}

func (t *caseDeadlinesTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	id, _ := parse.String(args, "caseId")
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("caseId is required")
	}
	upcoming := true
	if v, ok := args["upcomingOnly"].(bool); ok {
		upcoming = v
	}
	items, err := t.store.Deadlines(ctx, id, upcoming)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"items": items, "count": len(items)})
}
