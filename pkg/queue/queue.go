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

// Package queue moves ingestion jobs through a Redis list. The frontend
// LPUSHes one JSON message per uploaded source; the worker BLPOPs them
// one at a time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tome/pkg/crypto"
	"github.com/kadirpekel/tome/pkg/logger"
)

// FileProcessingQueue is the list the upload endpoint pushes to.
const FileProcessingQueue = "file_processing_queue"

// SourceType discriminates the two ingestion paths.
type SourceType string

const (
	SourcePDF SourceType = "pdf"
	SourceURL SourceType = "url"
)

// Message is one ingestion job. PDF jobs carry the document in Base64;
// URL jobs carry the address to fetch.
type Message struct {
	ID             string                `json:"id"`
	Type           SourceType            `json:"type"`
	MimeType       string                `json:"mimeType"`
	UserID         string                `json:"user_id"`
	Base64         string                `json:"base64"`
	URL            string                `json:"url"`
	EncryptionType crypto.EncryptionType `json:"encryption_type"`
	EncryptionKey  string                `json:"encryption_key"`
}

// Validate checks the fields the worker depends on.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.New("message missing source id")
	}
	switch m.Type {
	case SourcePDF:
		if m.Base64 == "" {
			return errors.New("pdf message missing base64 payload")
		}
	case SourceURL:
		if m.URL == "" {
			return errors.New("url message missing url")
		}
	default:
		return fmt.Errorf("unknown source type %q", m.Type)
	}
	return nil
}

// NewClient opens a Redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Handler processes one ingestion job. Returning an error marks the
// source failed; the consumer keeps running either way.
type Handler func(ctx context.Context, msg Message) error

// Consumer pulls jobs off the queue and dispatches them serially.
type Consumer struct {
	client redis.UniversalClient
	queue  string

	// MarkFailed, when set, records a source as failed after a decode
	// or handler error.
	MarkFailed func(ctx context.Context, sourceID string)

	// popTimeout bounds each BLPOP so shutdown is responsive.
	popTimeout time.Duration
}

// NewConsumer creates a Consumer on the given queue.
func NewConsumer(client redis.UniversalClient, queueName string) *Consumer {
	return &Consumer{
		client:     client,
		queue:      queueName,
		popTimeout: 5 * time.Second,
	}
}

// Run blocks consuming jobs until ctx is cancelled. Connection errors
// trigger a backoff and retry rather than an exit.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	log := logger.Get()
	log.Info("worker listening", "queue", c.queue)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.client.BLPop(ctx, c.popTimeout, c.queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("queue pop failed, retrying", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		// The task runs on a detached context so that shutdown stops
		// the loop but lets the in-flight source finish and persist.
		c.dispatch(context.WithoutCancel(ctx), res[1], handle)
	}
}

func (c *Consumer) dispatch(ctx context.Context, raw string, handle Handler) {
	log := logger.Get()

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Error("failed to decode queue message", "error", err)
		c.fail(ctx, msg.ID)
		return
	}
	if err := msg.Validate(); err != nil {
		log.Error("invalid queue message", "source_id", msg.ID, "error", err)
		c.fail(ctx, msg.ID)
		return
	}

	log.Info("task received", "source_id", msg.ID, "user_id", msg.UserID, "type", string(msg.Type))

	if err := handle(ctx, msg); err != nil {
		log.Error("task failed", "source_id", msg.ID, "error", err)
		c.fail(ctx, msg.ID)
		return
	}

	log.Info("task completed", "source_id", msg.ID)
}

func (c *Consumer) fail(ctx context.Context, sourceID string) {
	if c.MarkFailed != nil && sourceID != "" {
		c.MarkFailed(ctx, sourceID)
	}
}

// Enqueue pushes a job onto the queue. The upload path uses this; tests
// use it to seed the worker.
func Enqueue(ctx context.Context, client redis.UniversalClient, queueName string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	if err := client.LPush(ctx, queueName, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}
