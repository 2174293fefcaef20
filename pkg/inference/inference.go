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

// Package inference holds the clients for the five GPU-backed services
// the pipelines call: parser, captioner, embedder, reranker and
// generator. Each speaks JSON over HTTP through the shared retrying
// client.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kadirpekel/tome/pkg/httpclient"
)

// service is the shared transport for one remote endpoint.
type service struct {
	name   string
	url    string
	client *httpclient.Client
}

func newService(name, url string, client *httpclient.Client) service {
	if client == nil {
		client = httpclient.New()
	}
	return service{name: name, url: url, client: client}
}

// call POSTs a JSON payload and decodes the JSON response into out.
func (s service) call(ctx context.Context, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewError(s.name, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return NewError(s.name, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return NewError(s.name, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewError(s.name, "request",
			fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(s.name, "decode response", err)
	}
	return nil
}

// Parser extracts markdown and embedded images from a PDF.
type Parser struct {
	service
}

func NewParser(url string, client *httpclient.Client) *Parser {
	return &Parser{newService("parser", url, client)}
}

// ParseResult is the parser output for one sub-PDF.
type ParseResult struct {
	Markdown string
	// Images maps the parser-assigned image UUID to PNG bytes.
	Images map[string][]byte
}

// Parse sends one sub-PDF for layout extraction.
func (p *Parser) Parse(ctx context.Context, pdf []byte) (*ParseResult, error) {
	req := struct {
		PDF string `json:"pdf"`
	}{PDF: base64.StdEncoding.EncodeToString(pdf)}

	var resp struct {
		Markdown string            `json:"markdown"`
		Images   map[string]string `json:"images"`
	}
	if err := p.call(ctx, req, &resp); err != nil {
		return nil, err
	}

	images := make(map[string][]byte, len(resp.Images))
	for id, data := range resp.Images {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, NewError(p.name, "decode image",
				fmt.Errorf("image %s is not valid base64: %w", id, err))
		}
		images[id] = decoded
	}

	return &ParseResult{Markdown: resp.Markdown, Images: images}, nil
}

// Captioner describes one extracted image.
type Captioner struct {
	service
}

func NewCaptioner(url string, client *httpclient.Client) *Captioner {
	return &Captioner{newService("captioner", url, client)}
}

// Caption returns a one-line description of a PNG.
func (c *Captioner) Caption(ctx context.Context, png []byte) (string, error) {
	req := struct {
		Image string `json:"image"`
	}{Image: base64.StdEncoding.EncodeToString(png)}

	var resp struct {
		Caption string `json:"caption"`
	}
	if err := c.call(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.Caption, nil
}

// Embedder turns texts into fixed-dimension vectors.
type Embedder struct {
	service
}

func NewEmbedder(url string, client *httpclient.Client) *Embedder {
	return &Embedder{newService("embedder", url, client)}
}

// Embed embeds all texts in one batched call. The response aligns with
// the input by index.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := struct {
		Texts []string `json:"texts"`
	}{Texts: texts}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Document is a reranker candidate.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Reranker orders candidates by relevance to a query.
type Reranker struct {
	service
	topK int
}

func NewReranker(url string, topK int, client *httpclient.Client) *Reranker {
	if topK <= 0 {
		topK = 10
	}
	return &Reranker{service: newService("reranker", url, client), topK: topK}
}

// Rerank keeps the topK most relevant documents, best first. An empty
// candidate list returns empty without a remote call.
func (r *Reranker) Rerank(ctx context.Context, query string, documents []Document) ([]Document, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	req := struct {
		Query     string     `json:"query"`
		Documents []Document `json:"documents"`
		TopK      int        `json:"top_k"`
	}{Query: query, Documents: documents, TopK: r.topK}

	var resp struct {
		Results []Document `json:"results"`
	}
	if err := r.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GenerateRequest is one generator call. When JSONSchema is set the
// service constrains decoding so the output validates against it.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	JSONSchema  string  `json:"json_schema,omitempty"`
}

// Generator is the generative LLM endpoint.
type Generator struct {
	service
}

func NewGenerator(url string, client *httpclient.Client) *Generator {
	return &Generator{newService("generator", url, client)}
}

// Generate runs one request/response completion.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	if err := g.call(ctx, req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}
