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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tome/pkg/crypto"
)

func newTestClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConsumerDeliversMessage(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := Message{
		ID:             "src-1",
		Type:           SourcePDF,
		MimeType:       "application/pdf",
		UserID:         "user-1",
		Base64:         "JVBERi0=",
		EncryptionType: crypto.NotEncrypted,
	}
	require.NoError(t, Enqueue(ctx, client, FileProcessingQueue, msg))

	var mu sync.Mutex
	var got []Message

	consumer := NewConsumer(client, FileProcessingQueue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx, func(ctx context.Context, m Message) error {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not deliver the message")
	}

	require.Len(t, got, 1)
	assert.Equal(t, msg, got[0])
}

func TestConsumerMarksFailedOnHandlerError(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := Message{ID: "src-2", Type: SourceURL, URL: "https://example.com", UserID: "u"}
	require.NoError(t, Enqueue(ctx, client, FileProcessingQueue, msg))

	var mu sync.Mutex
	var failed []string

	consumer := NewConsumer(client, FileProcessingQueue)
	consumer.MarkFailed = func(ctx context.Context, sourceID string) {
		mu.Lock()
		failed = append(failed, sourceID)
		mu.Unlock()
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx, func(ctx context.Context, m Message) error {
			return errors.New("boom")
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not run")
	}

	assert.Equal(t, []string{"src-2"}, failed)
}

func TestConsumerSkipsMalformedMessage(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.LPush(ctx, FileProcessingQueue, "{not json").Err())
	good := Message{ID: "src-3", Type: SourceURL, URL: "https://example.com"}
	require.NoError(t, client.RPush(ctx, FileProcessingQueue, mustJSON(t, good)).Err())

	var mu sync.Mutex
	var got []string

	consumer := NewConsumer(client, FileProcessingQueue)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx, func(ctx context.Context, m Message) error {
			mu.Lock()
			got = append(got, m.ID)
			mu.Unlock()
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer stalled on malformed message")
	}

	assert.Equal(t, []string{"src-3"}, got)
}

// Shutdown mid-task stops the loop but must not cancel the in-flight
// handler, so the current source still completes and persists.
func TestConsumerFinishesTaskAfterShutdown(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := Message{ID: "src-4", Type: SourceURL, URL: "https://example.com", UserID: "u"}
	require.NoError(t, Enqueue(context.Background(), client, FileProcessingQueue, msg))

	started := make(chan struct{})
	release := make(chan struct{})
	var taskErr error

	consumer := NewConsumer(client, FileProcessingQueue)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(taskCtx context.Context, m Message) error {
			close(started)
			<-release
			taskErr = taskCtx.Err()
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after shutdown")
	}

	assert.NoError(t, taskErr)
}

func TestMessageValidate(t *testing.T) {
	assert.Error(t, Message{}.Validate())
	assert.Error(t, Message{ID: "x", Type: SourcePDF}.Validate())
	assert.Error(t, Message{ID: "x", Type: SourceURL}.Validate())
	assert.Error(t, Message{ID: "x", Type: "carrier-pigeon"}.Validate())
	assert.NoError(t, Message{ID: "x", Type: SourcePDF, Base64: "JVBERi0="}.Validate())
	assert.NoError(t, Message{ID: "x", Type: SourceURL, URL: "https://e.com"}.Validate())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not-a-url")
	assert.Error(t, err)
}

func mustJSON(t *testing.T, m Message) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}
