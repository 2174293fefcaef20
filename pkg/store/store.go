// Copyright 2025 Kadir Pekel
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

// Package store is the typed gateway to the relational+vector database.
// It covers the five tables the pipelines touch: Source, ParentChunk,
// DocumentChunk, Notebook and Message. Vector and keyword search run as
// parameterized raw SQL against the pgvector extension.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Store wraps a pgx connection pool. One Store serves a whole worker
// process.
type Store struct {
	pool *pgxpool.Pool

	// embeddingDim is the fixed dimensionality of the vector column.
	embeddingDim int
}

// New connects a pool to databaseURL. maxConns <= 0 keeps the pgx
// default pool size.
func New(ctx context.Context, databaseURL string, embeddingDim int, maxConns int32) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{pool: pool, embeddingDim: embeddingDim}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SourceChunk is one element of the Source.content JSON column: a flat
// span of the ingested document in reading order.
type SourceChunk struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ParentRecord is a row to insert into ParentChunk.
type ParentRecord struct {
	ID      string
	Content string
}

// ChildRecord is a row to insert into DocumentChunk.
type ChildRecord struct {
	ID        string
	Content   string
	ParentIDs []string
	Embedding []float32
}

// BaseChunk is a DocumentChunk row as returned by the search queries.
type BaseChunk struct {
	ID        string
	Content   string
	ParentIDs []string
}

// ParentChunk is a ParentChunk row as returned by bulk fetch.
type ParentChunk struct {
	ID       string
	SourceID string
	Content  string
}

// CompleteSource finalizes a source after successful ingestion: status,
// flat content and image paths land in one statement.
func (s *Store) CompleteSource(ctx context.Context, sourceID string, content []SourceChunk, imagePaths []string) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode source content: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE "Source"
		SET "processingStatus" = 'completed',
		    content = $2,
		    image_paths = $3::text[]
		WHERE id = $1`,
		sourceID, payload, imagePaths)
	if err != nil {
		return fmt.Errorf("failed to complete source %s: %w", sourceID, err)
	}
	return nil
}

// InsertParentChunks writes all parent rows for a source in one batch.
func (s *Store) InsertParentChunks(ctx context.Context, sourceID string, parents []ParentRecord) error {
	batch := &pgx.Batch{}
	for _, p := range parents {
		batch.Queue(`
			INSERT INTO "ParentChunk" (id, "sourceId", content)
			VALUES ($1, $2, $3)`,
			p.ID, sourceID, p.Content)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range parents {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert parent chunks for source %s: %w", sourceID, err)
		}
	}
	return nil
}

// InsertDocumentChunks writes all child rows for a source. The text[]
// and vector casts keep the statement portable across pool modes.
func (s *Store) InsertDocumentChunks(ctx context.Context, sourceID string, children []ChildRecord) error {
	batch := &pgx.Batch{}
	stmt := fmt.Sprintf(`
		INSERT INTO "DocumentChunk" (id, "sourceId", content, "parentIds", embedding)
		VALUES ($1, $2, $3, $4::text[], $5::vector(%d))`, s.embeddingDim)

	for _, c := range children {
		batch.Queue(stmt, c.ID, sourceID, c.Content, c.ParentIDs, pgvector.NewVector(c.Embedding))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range children {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert document chunks for source %s: %w", sourceID, err)
		}
	}
	return nil
}

// VectorSearch returns the limit nearest child chunks to the embedding
// within a notebook, nearest first.
func (s *Store) VectorSearch(ctx context.Context, notebookID string, embedding []float32, limit int) ([]BaseChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dc.id, dc.content, dc."parentIds"
		FROM "DocumentChunk" dc
		JOIN "Source" s ON dc."sourceId" = s.id
		WHERE s."notebookId" = $1
		ORDER BY dc.embedding <=> $2::vector ASC
		LIMIT $3`,
		notebookID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	return scanBaseChunks(rows)
}

// KeywordSearch returns the limit child chunks within a notebook that
// match at least one keyword, ordered by how many keywords they match.
func (s *Store) KeywordSearch(ctx context.Context, notebookID string, keywords []string, limit int) ([]BaseChunk, error) {
	clean := cleanKeywords(keywords)
	if len(clean) == 0 {
		return nil, nil
	}

	escaped := make([]string, len(clean))
	for i, k := range clean {
		escaped[i] = regexp.QuoteMeta(k)
	}
	filter := "(" + strings.Join(escaped, "|") + ")"

	// One indicator per keyword; their sum is the score. Parameters
	// start at $4 because $1..$3 are notebook, filter and limit.
	scoreParts := make([]string, len(clean))
	params := []any{notebookID, filter, limit}
	for i, k := range clean {
		scoreParts[i] = fmt.Sprintf("(dc.content ~* $%d)::int", i+4)
		params = append(params, k)
	}

	sql := fmt.Sprintf(`
		SELECT dc.id, dc.content, dc."parentIds"
		FROM "DocumentChunk" dc
		JOIN "Source" s ON dc."sourceId" = s.id
		WHERE s."notebookId" = $1
		  AND dc.content ~* $2
		ORDER BY (%s) DESC
		LIMIT $3`, strings.Join(scoreParts, " + "))

	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	return scanBaseChunks(rows)
}

// ParentChunksByIDs fetches parent rows in bulk.
func (s *Store) ParentChunksByIDs(ctx context.Context, ids []string) ([]ParentChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, "sourceId", content
		FROM "ParentChunk"
		WHERE id = ANY($1::text[])`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("parent chunk fetch failed: %w", err)
	}
	defer rows.Close()

	var out []ParentChunk
	for rows.Next() {
		var p ParentChunk
		if err := rows.Scan(&p.ID, &p.SourceID, &p.Content); err != nil {
			return nil, fmt.Errorf("failed to scan parent chunk: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanBaseChunks(rows pgx.Rows) ([]BaseChunk, error) {
	var out []BaseChunk
	for rows.Next() {
		var c BaseChunk
		if err := rows.Scan(&c.ID, &c.Content, &c.ParentIDs); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// cleanKeywords trims, drops empties and dedupes preserving order.
func cleanKeywords(keywords []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
