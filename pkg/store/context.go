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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ContextMessage is one recent conversation turn kept verbatim in the
// notebook context.
type ContextMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// NotebookContext is the rolling conversation state stored on the
// Notebook row. Older turns collapse into summaries; recent turns stay
// as messages.
type NotebookContext struct {
	Summaries []string         `json:"summaries"`
	Messages  []ContextMessage `json:"messages"`
}

// GetNotebookContext loads the context JSON for a notebook. A null or
// missing context yields the empty value.
func (s *Store) GetNotebookContext(ctx context.Context, notebookID string) (NotebookContext, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT context FROM "Notebook" WHERE id = $1`, notebookID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotebookContext{}, fmt.Errorf("notebook %s not found", notebookID)
	}
	if err != nil {
		return NotebookContext{}, fmt.Errorf("failed to load notebook context: %w", err)
	}
	if len(raw) == 0 {
		return NotebookContext{}, nil
	}

	var nc NotebookContext
	if err := json.Unmarshal(raw, &nc); err != nil {
		return NotebookContext{}, fmt.Errorf("failed to decode notebook context: %w", err)
	}
	return nc, nil
}

// UpdateNotebookContext persists the context JSON.
func (s *Store) UpdateNotebookContext(ctx context.Context, notebookID string, nc NotebookContext) error {
	payload, err := json.Marshal(nc)
	if err != nil {
		return fmt.Errorf("failed to encode notebook context: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE "Notebook" SET context = $2 WHERE id = $1`, notebookID, payload); err != nil {
		return fmt.Errorf("failed to update notebook context: %w", err)
	}
	return nil
}

// SetMessageContent writes the final assistant answer and clears the
// failed flag.
func (s *Store) SetMessageContent(ctx context.Context, messageID, content string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE "Message" SET content = $2, failed = false WHERE id = $1`,
		messageID, content); err != nil {
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}
	return nil
}

// SetMessageSummary stores a token-bounded paraphrase on a message.
func (s *Store) SetMessageSummary(ctx context.Context, messageID, summary string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE "Message" SET summary = $2 WHERE id = $1`,
		messageID, summary); err != nil {
		return fmt.Errorf("failed to update summary for message %s: %w", messageID, err)
	}
	return nil
}

// GetMessageSummaries returns the stored summaries for the given
// message IDs. Messages without a summary are absent from the map.
func (s *Store) GetMessageSummaries(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, summary
		FROM "Message"
		WHERE id = ANY($1::text[]) AND summary IS NOT NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load message summaries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, summary string
		if err := rows.Scan(&id, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan message summary: %w", err)
		}
		out[id] = summary
	}
	return out, rows.Err()
}

// MarkMessageFailed flags a message whose answer never completed.
func (s *Store) MarkMessageFailed(ctx context.Context, messageID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE "Message" SET failed = true WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to mark message %s failed: %w", messageID, err)
	}
	return nil
}
