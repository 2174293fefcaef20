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

// Package status publishes source processing status to Redis, where the
// frontend polls it. Writes are best-effort: a status that fails to
// land never aborts the pipeline.
package status

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tome/pkg/logger"
)

// Status is one step of the source processing lifecycle.
type Status string

const (
	Uploading  Status = "uploading"
	Queued     Status = "queued"
	Processing Status = "processing"
	Starting   Status = "starting"
	Vision     Status = "vision"
	Extracting Status = "extracting"
	Images     Status = "images"
	Chunking   Status = "chunking"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

var allowed = map[Status]bool{
	Uploading:  true,
	Queued:     true,
	Processing: true,
	Starting:   true,
	Vision:     true,
	Extracting: true,
	Images:     true,
	Chunking:   true,
	Completed:  true,
	Failed:     true,
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	return allowed[s]
}

// Tracker writes source statuses to Redis under "source:{id}".
type Tracker struct {
	client redis.UniversalClient
}

// NewTracker creates a Tracker on an existing Redis client.
func NewTracker(client redis.UniversalClient) *Tracker {
	return &Tracker{client: client}
}

func key(sourceID string) string {
	return "source:" + sourceID
}

// Update sets the status of a source. It returns an error for unknown
// statuses or Redis failures; callers on the pipeline path should
// prefer Set.
func (t *Tracker) Update(ctx context.Context, sourceID string, s Status) error {
	if !s.Valid() {
		return fmt.Errorf("invalid status %q", s)
	}
	if err := t.client.Set(ctx, key(sourceID), string(s), 0).Err(); err != nil {
		return fmt.Errorf("failed to update status for source %s: %w", sourceID, err)
	}
	return nil
}

// Set updates the status and only logs on failure. The pipeline keeps
// going even when the frontend briefly loses visibility.
func (t *Tracker) Set(ctx context.Context, sourceID string, s Status) {
	if err := t.Update(ctx, sourceID, s); err != nil {
		logger.Get().Warn("status update failed",
			"source_id", sourceID,
			"status", string(s),
			"error", err)
		return
	}
	logger.Get().Debug("status updated", "source_id", sourceID, "status", string(s))
}

// Get reads the current status of a source. A missing key returns the
// empty status with no error.
func (t *Tracker) Get(ctx context.Context, sourceID string) (Status, error) {
	val, err := t.client.Get(ctx, key(sourceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status for source %s: %w", sourceID, err)
	}
	return Status(val), nil
}
