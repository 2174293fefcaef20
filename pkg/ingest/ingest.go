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

// Package ingest drives a queued source through the ingestion pipeline:
// decode, parse, caption, rewrite, chunk, embed and persist, advancing
// the status key at each stage. Any error marks the source failed and
// the worker moves to the next message.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tome/pkg/chunker"
	"github.com/kadirpekel/tome/pkg/crypto"
	"github.com/kadirpekel/tome/pkg/inference"
	"github.com/kadirpekel/tome/pkg/logger"
	"github.com/kadirpekel/tome/pkg/pdfsplit"
	"github.com/kadirpekel/tome/pkg/queue"
	"github.com/kadirpekel/tome/pkg/status"
	"github.com/kadirpekel/tome/pkg/store"
)

// BlobStore is the slice of the object store the pipeline needs.
type BlobStore interface {
	PutImage(ctx context.Context, userID, imageID string, data []byte) (string, error)
}

// Persister is the slice of the database gateway the pipeline needs.
type Persister interface {
	CompleteSource(ctx context.Context, sourceID string, content []store.SourceChunk, imagePaths []string) error
	InsertParentChunks(ctx context.Context, sourceID string, parents []store.ParentRecord) error
	InsertDocumentChunks(ctx context.Context, sourceID string, children []store.ChildRecord) error
}

// Config bounds the pipeline's fan-out.
type Config struct {
	PDFMinPages    int
	PDFMaxParallel int
	FetchTimeout   time.Duration
}

// Pipeline holds the collaborators for one ingestion worker.
type Pipeline struct {
	cfg       Config
	tracker   *status.Tracker
	db        Persister
	blobs     BlobStore
	parser    *inference.Parser
	captioner *inference.Captioner
	embedder  *inference.Embedder
}

// New wires a Pipeline.
func New(cfg Config, tracker *status.Tracker, db Persister, blobs BlobStore,
	parser *inference.Parser, captioner *inference.Captioner, embedder *inference.Embedder) *Pipeline {
	if cfg.PDFMinPages <= 0 {
		cfg.PDFMinPages = 25
	}
	if cfg.PDFMaxParallel <= 0 {
		cfg.PDFMaxParallel = 8
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		tracker:   tracker,
		db:        db,
		blobs:     blobs,
		parser:    parser,
		captioner: captioner,
		embedder:  embedder,
	}
}

// Handle processes one queue message. On error the source is marked
// failed by the queue consumer; partially written rows stay behind.
func (p *Pipeline) Handle(ctx context.Context, msg queue.Message) error {
	codec, err := crypto.NewCodec(msg.EncryptionType, msg.EncryptionKey)
	if err != nil {
		return err
	}

	switch msg.Type {
	case queue.SourcePDF:
		return p.processPDF(ctx, msg, codec)
	case queue.SourceURL:
		return p.processURL(ctx, msg, codec)
	default:
		return fmt.Errorf("unknown source type %q", msg.Type)
	}
}

// MarkFailed records the failed status for a source. The queue consumer
// calls it on any processing error.
func (p *Pipeline) MarkFailed(ctx context.Context, sourceID string) {
	p.tracker.Set(ctx, sourceID, status.Failed)
}

func (p *Pipeline) processPDF(ctx context.Context, msg queue.Message, codec *crypto.Codec) error {
	log := logger.Get()
	p.tracker.Set(ctx, msg.ID, status.Starting)

	parts, err := pdfsplit.Split(msg.Base64, p.cfg.PDFMaxParallel, p.cfg.PDFMinPages)
	if err != nil {
		return fmt.Errorf("failed to split pdf: %w", err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("pdf split produced no page groups")
	}

	p.tracker.Set(ctx, msg.ID, status.Extracting)

	// Parse page groups in parallel; outputs keep input order.
	results := make([]*inference.ParseResult, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			res, err := p.parser.Parse(gctx, part)
			if err != nil {
				return fmt.Errorf("parse of page group %d failed: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var text strings.Builder
	images := make(map[string][]byte)
	for _, res := range results {
		text.WriteString(res.Markdown)
		text.WriteString("\n\n")
		for id, data := range res.Images {
			images[id] = data
		}
	}
	markdown := text.String()

	if len(images) > 0 {
		p.tracker.Set(ctx, msg.ID, status.Images)

		captions, err := p.captionImages(ctx, images)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(images))
		for id := range images {
			known[id] = true
		}
		markdown = RewriteImageRefs(markdown, captions, known)
	}

	log.Info("extraction done", "source_id", msg.ID, "page_groups", len(parts), "images", len(images))

	return p.chunkAndPersist(ctx, msg, codec, markdown, images)
}

func (p *Pipeline) processURL(ctx context.Context, msg queue.Message, codec *crypto.Codec) error {
	p.tracker.Set(ctx, msg.ID, status.Extracting)

	article, err := readability.FromURL(msg.URL, p.cfg.FetchTimeout)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", msg.URL, err)
	}
	if strings.TrimSpace(article.TextContent) == "" {
		return fmt.Errorf("no content extracted from %s", msg.URL)
	}

	text := article.TextContent
	if article.Title != "" {
		text = "# " + article.Title + "\n\n" + text
	}

	return p.chunkAndPersist(ctx, msg, codec, text, nil)
}

// captionImages captions every image concurrently. Each caption stays
// keyed to its image UUID; a single failure fails the stage.
func (p *Pipeline) captionImages(ctx context.Context, images map[string][]byte) (map[string]string, error) {
	ids := make([]string, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}

	captions := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			caption, err := p.captioner.Caption(gctx, images[id])
			if err != nil {
				return fmt.Errorf("caption of image %s failed: %w", id, err)
			}
			captions[i] = caption
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(captions) != len(ids) {
		return nil, fmt.Errorf("caption count %d does not match image count %d", len(captions), len(ids))
	}

	out := make(map[string]string, len(ids))
	for i, id := range ids {
		out[id] = captions[i]
	}
	return out, nil
}

func (p *Pipeline) chunkAndPersist(ctx context.Context, msg queue.Message, codec *crypto.Codec,
	markdown string, images map[string][]byte) error {
	log := logger.Get()

	p.tracker.Set(ctx, msg.ID, status.Chunking)
	result := chunker.Process(markdown)
	if len(result.ChildChunks) == 0 {
		return fmt.Errorf("chunking produced no child chunks")
	}

	// One batched embed call for every child; vectors align by index.
	texts := make([]string, len(result.ChildChunks))
	for i, c := range result.ChildChunks {
		texts[i] = c.Content
	}
	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if len(embeddings) != len(result.ChildChunks) {
		return fmt.Errorf("embedding count %d does not match child count %d",
			len(embeddings), len(result.ChildChunks))
	}

	p.tracker.Set(ctx, msg.ID, status.Uploading)

	imagePaths, err := p.uploadImages(ctx, msg.UserID, images)
	if err != nil {
		return err
	}

	parents := make([]store.ParentRecord, len(result.ParentChunks))
	for i, pc := range result.ParentChunks {
		content, err := codec.EncryptIfEnabled(pc.Content)
		if err != nil {
			return fmt.Errorf("failed to encrypt parent chunk: %w", err)
		}
		parents[i] = store.ParentRecord{ID: pc.ID, Content: content}
	}
	if err := p.db.InsertParentChunks(ctx, msg.ID, parents); err != nil {
		return err
	}

	children := make([]store.ChildRecord, len(result.ChildChunks))
	for i, cc := range result.ChildChunks {
		content := cc.Content
		if codec.Advanced() {
			content, err = codec.EncryptIfEnabled(content)
			if err != nil {
				return fmt.Errorf("failed to encrypt child chunk: %w", err)
			}
		}
		children[i] = store.ChildRecord{
			ID:        cc.ID,
			Content:   content,
			ParentIDs: cc.ParentIDs,
			Embedding: embeddings[i],
		}
	}
	if err := p.db.InsertDocumentChunks(ctx, msg.ID, children); err != nil {
		return err
	}

	content := make([]store.SourceChunk, len(result.DocumentChunks))
	for i, dc := range result.DocumentChunks {
		chunkContent, err := codec.EncryptIfEnabled(dc.Content)
		if err != nil {
			return fmt.Errorf("failed to encrypt source chunk: %w", err)
		}
		content[i] = store.SourceChunk{ID: dc.ID, Type: string(dc.Type), Content: chunkContent}
	}
	if err := p.db.CompleteSource(ctx, msg.ID, content, imagePaths); err != nil {
		return err
	}

	p.tracker.Set(ctx, msg.ID, status.Completed)
	log.Info("source ingested",
		"source_id", msg.ID,
		"chunks", len(result.DocumentChunks),
		"parents", len(result.ParentChunks),
		"children", len(result.ChildChunks))
	return nil
}

// uploadImages writes every image blob in parallel and returns the
// object keys.
func (p *Pipeline) uploadImages(ctx context.Context, userID string, images map[string][]byte) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}

	paths := make([]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			path, err := p.blobs.PutImage(gctx, userID, id, images[id])
			if err != nil {
				return fmt.Errorf("upload of image %s failed: %w", id, err)
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
