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

package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonServer(t *testing.T, handler func(body map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handler(body)))
	}))
}

func TestParserDecodesImages(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := jsonServer(t, func(body map[string]any) any {
		assert.NotEmpty(t, body["pdf"])
		return map[string]any{
			"markdown": "# Title\n\n![fig](img-1)",
			"images":   map[string]string{"img-1": base64.StdEncoding.EncodeToString(png)},
		}
	})
	defer srv.Close()

	parser := NewParser(srv.URL, nil)
	res, err := parser.Parse(context.Background(), []byte("%PDF-1.7"))
	require.NoError(t, err)

	assert.Equal(t, "# Title\n\n![fig](img-1)", res.Markdown)
	assert.Equal(t, png, res.Images["img-1"])
}

func TestCaptioner(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) any {
		return map[string]any{"caption": "a bar chart"}
	})
	defer srv.Close()

	captioner := NewCaptioner(srv.URL, nil)
	caption, err := captioner.Caption(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "a bar chart", caption)
}

func TestEmbedderBatch(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) any {
		texts := body["texts"].([]any)
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{float32(i), 0.5}
		}
		return map[string]any{"embeddings": out}
	})
	defer srv.Close()

	embedder := NewEmbedder(srv.URL, nil)
	vecs, err := embedder.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 0.5}, vecs[1])
}

func TestEmbedderEmptyInputSkipsCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	embedder := NewEmbedder(srv.URL, nil)
	vecs, err := embedder.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRerankerEmptyInputSkipsCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	reranker := NewReranker(srv.URL, 10, nil)
	out, err := reranker.Rerank(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRerankerPassesTopK(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) any {
		assert.Equal(t, float64(10), body["top_k"])
		return map[string]any{"results": []Document{{ID: "p2", Content: "best"}}}
	})
	defer srv.Close()

	reranker := NewReranker(srv.URL, 10, nil)
	out, err := reranker.Rerank(context.Background(), "query", []Document{
		{ID: "p1", Content: "meh"},
		{ID: "p2", Content: "best"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Document{{ID: "p2", Content: "best"}}, out)
}

func TestGenerator(t *testing.T) {
	srv := jsonServer(t, func(body map[string]any) any {
		assert.Equal(t, "say hi", body["prompt"])
		assert.Equal(t, float64(512), body["max_tokens"])
		return map[string]any{"text": "hi"}
	})
	defer srv.Close()

	gen := NewGenerator(srv.URL, nil)
	text, err := gen.Generate(context.Background(), GenerateRequest{
		Prompt:      "say hi",
		MaxTokens:   512,
		Temperature: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestCallReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusConflict)
	}))
	defer srv.Close()

	gen := NewGenerator(srv.URL, nil)
	_, err := gen.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
