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

package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tome/pkg/crypto"
	"github.com/kadirpekel/tome/pkg/inference"
	"github.com/kadirpekel/tome/pkg/queue"
	"github.com/kadirpekel/tome/pkg/status"
	"github.com/kadirpekel/tome/pkg/store"
)

func TestRewriteImageRefs(t *testing.T) {
	known := map[string]bool{"uuid-1": true, "uuid-2": true}
	captions := map[string]string{"uuid-1": `a "quoted" caption`}

	in := `before ![figure one](uuid-1) middle ![old alt](uuid-2) after ![x](other.png)`
	out := RewriteImageRefs(in, captions, known)

	// Caption replaces alt, with attribute escaping.
	assert.Contains(t, out, `<img id=uuid-1 alt="a &quot;quoted&quot; caption"/>`)
	// No caption: original alt text is retained.
	assert.Contains(t, out, `<img id=uuid-2 alt="old alt"/>`)
	// Unknown targets stay as markdown.
	assert.Contains(t, out, `![x](other.png)`)
	assert.NotContains(t, out, "![figure one]")
}

type fakePersister struct {
	sourceID   string
	content    []store.SourceChunk
	imagePaths []string
	parents    []store.ParentRecord
	children   []store.ChildRecord
}

func (f *fakePersister) CompleteSource(ctx context.Context, sourceID string, content []store.SourceChunk, imagePaths []string) error {
	f.sourceID = sourceID
	f.content = content
	f.imagePaths = imagePaths
	return nil
}

func (f *fakePersister) InsertParentChunks(ctx context.Context, sourceID string, parents []store.ParentRecord) error {
	f.parents = parents
	return nil
}

func (f *fakePersister) InsertDocumentChunks(ctx context.Context, sourceID string, children []store.ChildRecord) error {
	f.children = children
	return nil
}

type fakeBlobs struct{}

func (fakeBlobs) PutImage(ctx context.Context, userID, imageID string, data []byte) (string, error) {
	return userID + "/" + imageID + ".png", nil
}

func embedServer(t *testing.T, dim int, short bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n := len(req.Texts)
		if short && n > 0 {
			n--
		}
		out := make([][]float32, n)
		for i := range out {
			vec := make([]float32, dim)
			vec[0] = float32(i)
			out[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
}

func newTestTracker(t *testing.T) (*status.Tracker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return status.NewTracker(client), srv
}

func TestProcessURLPersistsChunks(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Test Article</title></head><body><article>` +
			`<h1>Test Article</h1>` +
			`<p>` + strings.Repeat("This is a sentence about distributed systems. ", 30) + `</p>` +
			`<p>` + strings.Repeat("Another paragraph about consensus protocols. ", 30) + `</p>` +
			`</article></body></html>`))
	}))
	defer page.Close()

	embed := embedServer(t, 4, false)
	defer embed.Close()

	tracker, srv := newTestTracker(t)
	db := &fakePersister{}

	p := New(Config{}, tracker, db, fakeBlobs{}, nil, nil, inference.NewEmbedder(embed.URL, nil))

	msg := queue.Message{
		ID:             "src-1",
		Type:           queue.SourceURL,
		URL:            page.URL,
		UserID:         "user-1",
		EncryptionType: crypto.NotEncrypted,
	}
	require.NoError(t, p.Handle(context.Background(), msg))

	// Final status lands in Redis.
	got, err := srv.Get("source:src-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got)

	// All three chunk families are persisted.
	assert.Equal(t, "src-1", db.sourceID)
	assert.NotEmpty(t, db.content)
	assert.NotEmpty(t, db.parents)
	require.NotEmpty(t, db.children)
	assert.Empty(t, db.imagePaths)

	for i, c := range db.children {
		assert.Len(t, c.Embedding, 4, "child %d", i)
		assert.NotEmpty(t, c.ParentIDs, "child %d", i)
	}
}

func TestProcessURLEmbeddingCountMismatchFails(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>T</title></head><body><article><p>` +
			strings.Repeat("Filler text for chunking purposes. ", 60) +
			`</p></article></body></html>`))
	}))
	defer page.Close()

	embed := embedServer(t, 4, true)
	defer embed.Close()

	tracker, _ := newTestTracker(t)
	db := &fakePersister{}

	p := New(Config{}, tracker, db, fakeBlobs{}, nil, nil, inference.NewEmbedder(embed.URL, nil))

	msg := queue.Message{ID: "src-2", Type: queue.SourceURL, URL: page.URL, UserID: "u", EncryptionType: crypto.NotEncrypted}
	err := p.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match child count")

	// Nothing was written.
	assert.Empty(t, db.children)
	assert.Empty(t, db.content)
}

func TestProcessURLEncryptsStoredContent(t *testing.T) {
	plain := strings.Repeat("Secret paragraph contents for the notebook. ", 40)
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>S</title></head><body><article><p>` +
			plain + `</p></article></body></html>`))
	}))
	defer page.Close()

	embed := embedServer(t, 4, false)
	defer embed.Close()

	tracker, _ := newTestTracker(t)
	db := &fakePersister{}

	p := New(Config{}, tracker, db, fakeBlobs{}, nil, nil, inference.NewEmbedder(embed.URL, nil))

	msg := queue.Message{
		ID:             "src-3",
		Type:           queue.SourceURL,
		URL:            page.URL,
		UserID:         "u",
		EncryptionType: crypto.Encrypted,
		EncryptionKey:  "pw",
	}
	require.NoError(t, p.Handle(context.Background(), msg))

	// Parent and source content are ciphertext that round-trips.
	require.NotEmpty(t, db.parents)
	assert.NotContains(t, db.parents[0].Content, "Secret paragraph")
	decrypted := crypto.Decrypt(db.parents[0].Content, "pw")
	assert.Contains(t, decrypted, "<<<")

	// Standard encryption leaves child content in the clear for search.
	require.NotEmpty(t, db.children)
	assert.NotContains(t, db.children[0].Content, "<<<")
	assert.Contains(t, db.children[0].Content, "Secret")
}

func TestHandleRejectsMissingEncryptionKey(t *testing.T) {
	tracker, _ := newTestTracker(t)
	p := New(Config{}, tracker, &fakePersister{}, fakeBlobs{}, nil, nil, nil)

	err := p.Handle(context.Background(), queue.Message{
		ID:             "src-4",
		Type:           queue.SourceURL,
		URL:            "https://example.com",
		EncryptionType: crypto.Encrypted,
	})
	assert.ErrorIs(t, err, crypto.ErrKeyRequired)
}
