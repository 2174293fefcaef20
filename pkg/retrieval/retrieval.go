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

package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tome/pkg/chunker"
	"github.com/kadirpekel/tome/pkg/crypto"
	"github.com/kadirpekel/tome/pkg/inference"
	"github.com/kadirpekel/tome/pkg/logger"
	"github.com/kadirpekel/tome/pkg/store"
	"github.com/kadirpekel/tome/pkg/tokens"
)

// ErrSchemaValidation marks generator output that does not satisfy the
// requested JSON schema. Fatal for the current request; no retry.
var ErrSchemaValidation = errors.New("model output failed schema validation")

// Store is the slice of the database gateway the orchestrator needs.
type Store interface {
	VectorSearch(ctx context.Context, notebookID string, embedding []float32, limit int) ([]store.BaseChunk, error)
	KeywordSearch(ctx context.Context, notebookID string, keywords []string, limit int) ([]store.BaseChunk, error)
	ParentChunksByIDs(ctx context.Context, ids []string) ([]store.ParentChunk, error)
	GetNotebookContext(ctx context.Context, notebookID string) (store.NotebookContext, error)
	UpdateNotebookContext(ctx context.Context, notebookID string, nc store.NotebookContext) error
	GetMessageSummaries(ctx context.Context, ids []string) (map[string]string, error)
	SetMessageContent(ctx context.Context, messageID, content string) error
	SetMessageSummary(ctx context.Context, messageID, summary string) error
	MarkMessageFailed(ctx context.Context, messageID string) error
}

// Config bounds the retrieval fan-out and budgets.
type Config struct {
	// RetrievalLimit is the total candidate budget split across the
	// optimized queries.
	RetrievalLimit int

	// MaxQueries caps how many optimized queries the optimizer may
	// return.
	MaxQueries int

	// ContextTokenLimit is the notebook context rollover budget.
	ContextTokenLimit int
}

// Request is one question against a notebook.
type Request struct {
	NotebookID         string
	UserMessageID      string
	AssistantMessageID string
	Content            string
	EncryptionType     crypto.EncryptionType
	EncryptionKey      string
}

// Orchestrator runs the retrieval pipeline.
type Orchestrator struct {
	cfg       Config
	db        Store
	embedder  *inference.Embedder
	reranker  *inference.Reranker
	generator *inference.Generator
	counter   *tokens.Counter
}

// New wires an Orchestrator.
func New(cfg Config, db Store, embedder *inference.Embedder, reranker *inference.Reranker,
	generator *inference.Generator, counter *tokens.Counter) *Orchestrator {
	if cfg.RetrievalLimit <= 0 {
		cfg.RetrievalLimit = 100
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 5
	}
	if cfg.ContextTokenLimit <= 0 {
		cfg.ContextTokenLimit = 8000
	}
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		embedder:  embedder,
		reranker:  reranker,
		generator: generator,
		counter:   counter,
	}
}

// Run answers one request, emitting a checkpoint before each phase. On
// any error (including client disconnect via ctx) the assistant message
// is marked failed and the error returned.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Checkpoint)) error {
	if err := o.run(ctx, req, emit); err != nil {
		// Best effort: the client may be gone, the DB is likely not.
		if dbErr := o.db.MarkMessageFailed(context.WithoutCancel(ctx), req.AssistantMessageID); dbErr != nil {
			logger.Get().Warn("failed to mark message failed",
				"message_id", req.AssistantMessageID, "error", dbErr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, emit func(Checkpoint)) error {
	log := logger.Get()

	codec, err := crypto.NewCodec(req.EncryptionType, req.EncryptionKey)
	if err != nil {
		return err
	}

	emit(PreparingQuestion)
	nc, err := o.db.GetNotebookContext(ctx, req.NotebookID)
	if err != nil {
		return err
	}
	queries, err := o.prepareQuestion(ctx, req.Content, nc)
	if err != nil {
		return err
	}
	log.Debug("question prepared", "notebook_id", req.NotebookID, "queries", len(queries))

	emit(RetrievingChunks)
	if err := o.retrieve(ctx, req.NotebookID, queries); err != nil {
		return err
	}

	emit(GettingParentChunks)
	if err := o.fetchParents(ctx, queries, codec); err != nil {
		return err
	}

	emit(FilteringParentChunks)
	filtered, err := o.rerankParents(ctx, queries)
	if err != nil {
		return err
	}

	emit(ExtractingContent)
	answer, err := o.extract(ctx, req.Content, filtered)
	if err != nil {
		return err
	}

	emit(GeneratingResponse)
	finalResponse := FinalizeResponse(answer)

	emit(SummarizingContent)
	if err := o.summarizeMessages(ctx, req, finalResponse, codec); err != nil {
		return err
	}

	emit(PreparingContext)
	if err := o.prepareContext(ctx, req, finalResponse, codec); err != nil {
		return err
	}

	emit(SavingToDB)
	stored, err := codec.EncryptIfEnabled(finalResponse)
	if err != nil {
		return err
	}
	if err := o.db.SetMessageContent(ctx, req.AssistantMessageID, stored); err != nil {
		return err
	}

	emit(CleaningUp)
	return nil
}

// prepareQuestion asks the optimizer for 1..MaxQueries search variants.
func (o *Orchestrator) prepareQuestion(ctx context.Context, content string, nc store.NotebookContext) ([]*OptimizedQuery, error) {
	schema, err := queryOptimizerSchema()
	if err != nil {
		return nil, err
	}

	contextSummary := strings.Join(nc.Summaries, "\n")

	raw, err := o.generator.Generate(ctx, inference.GenerateRequest{
		Prompt:      buildOptimizerPrompt(content, contextSummary),
		MaxTokens:   512,
		Temperature: 0.1,
		JSONSchema:  schema,
	})
	if err != nil {
		return nil, fmt.Errorf("query optimizer call failed: %w", err)
	}

	var optimized QueryOptimizer
	if err := json.Unmarshal([]byte(raw), &optimized); err != nil {
		return nil, fmt.Errorf("%w: query optimizer: %v", ErrSchemaValidation, err)
	}
	if len(optimized.Queries) == 0 {
		return nil, fmt.Errorf("%w: query optimizer returned no queries", ErrSchemaValidation)
	}
	if len(optimized.Queries) > o.cfg.MaxQueries {
		optimized.Queries = optimized.Queries[:o.cfg.MaxQueries]
	}

	queries := make([]*OptimizedQuery, len(optimized.Queries))
	for i, q := range optimized.Queries {
		queries[i] = &OptimizedQuery{
			ID:             uuid.NewString(),
			OptimizedQuery: q.OptimizedQuery,
			Keywords:       q.Keywords,
		}
	}
	return queries, nil
}

// retrieve embeds all queries in one batch, then runs the vector and
// keyword branches concurrently per query and unions their parent IDs.
func (o *Orchestrator) retrieve(ctx context.Context, notebookID string, queries []*OptimizedQuery) error {
	texts := make([]string, len(queries))
	for i, q := range queries {
		texts[i] = q.OptimizedQuery
	}

	embeddings, err := o.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("query embedding failed: %w", err)
	}
	if len(embeddings) != len(queries) {
		return fmt.Errorf("embedding count %d does not match query count %d", len(embeddings), len(queries))
	}
	for i, q := range queries {
		q.Embedding = embeddings[i]
	}

	limit := o.cfg.RetrievalLimit / len(queries)
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			var vector, keyword []store.BaseChunk

			sub, sctx := errgroup.WithContext(gctx)
			sub.Go(func() error {
				var err error
				vector, err = o.db.VectorSearch(sctx, notebookID, q.Embedding, limit)
				return err
			})
			sub.Go(func() error {
				var err error
				keyword, err = o.db.KeywordSearch(sctx, notebookID, q.Keywords, limit)
				return err
			})
			if err := sub.Wait(); err != nil {
				return err
			}

			q.ParentIDs = unionParentIDs(vector, keyword)
			return nil
		})
	}
	return g.Wait()
}

// unionParentIDs collects the distinct parent IDs across both branches,
// preserving first-seen order.
func unionParentIDs(branches ...[]store.BaseChunk) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, branch := range branches {
		for _, chunk := range branch {
			for _, pid := range chunk.ParentIDs {
				if _, dup := seen[pid]; dup {
					continue
				}
				seen[pid] = struct{}{}
				out = append(out, pid)
			}
		}
	}
	return out
}

// fetchParents loads each query's parent rows, decrypting and deriving
// the marker-free clean content.
func (o *Orchestrator) fetchParents(ctx context.Context, queries []*OptimizedQuery, codec *crypto.Codec) error {
	for _, q := range queries {
		rows, err := o.db.ParentChunksByIDs(ctx, q.ParentIDs)
		if err != nil {
			return err
		}

		parents := make([]ParentChunk, len(rows))
		for i, row := range rows {
			content := codec.DecryptIfEnabled(row.Content)
			parents[i] = ParentChunk{
				ID:           row.ID,
				SourceID:     row.SourceID,
				Content:      content,
				CleanContent: chunker.StripMarkers(content),
			}
		}
		q.Parents = parents
	}
	return nil
}

// rerankParents runs the reranker per query concurrently and keeps the
// top candidates with their raw marker-bearing content.
func (o *Orchestrator) rerankParents(ctx context.Context, queries []*OptimizedQuery) ([]FilteredQueryResult, error) {
	results := make([]FilteredQueryResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			docs := make([]inference.Document, len(q.Parents))
			byID := make(map[string]ParentChunk, len(q.Parents))
			for j, p := range q.Parents {
				docs[j] = inference.Document{ID: p.ID, Content: p.CleanContent}
				byID[p.ID] = p
			}

			kept, err := o.reranker.Rerank(gctx, q.OptimizedQuery, docs)
			if err != nil {
				return fmt.Errorf("rerank for query %s failed: %w", q.ID, err)
			}

			parents := make([]FilteredParent, 0, len(kept))
			for _, doc := range kept {
				original, ok := byID[doc.ID]
				if !ok {
					continue
				}
				parents = append(parents, FilteredParent{
					ID:       original.ID,
					SourceID: original.SourceID,
					Content:  original.Content,
				})
			}

			results[i] = FilteredQueryResult{Query: q.OptimizedQuery, Parents: parents}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// extract asks the generator for a cited answer grounded on every
// surviving parent chunk.
func (o *Orchestrator) extract(ctx context.Context, userQuery string, filtered []FilteredQueryResult) (TextWithCitations, error) {
	// Flatten across queries, deduping parents that survived more than
	// one rerank.
	seen := make(map[string]struct{})
	var parents []FilteredParent
	for _, result := range filtered {
		for _, p := range result.Parents {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			parents = append(parents, p)
		}
	}
	if len(parents) == 0 {
		return TextWithCitations{}, fmt.Errorf("no parent chunks survived filtering")
	}

	sourceSeen := make(map[string]struct{})
	var sourceIDs []string
	for _, p := range parents {
		if _, dup := sourceSeen[p.SourceID]; dup {
			continue
		}
		sourceSeen[p.SourceID] = struct{}{}
		sourceIDs = append(sourceIDs, p.SourceID)
	}

	schema, err := textWithCitationsSchema(sourceIDs)
	if err != nil {
		return TextWithCitations{}, err
	}

	raw, err := o.generator.Generate(ctx, inference.GenerateRequest{
		Prompt:      buildExtractionPrompt(userQuery, parents),
		MaxTokens:   8000,
		Temperature: 0.1,
		JSONSchema:  schema,
	})
	if err != nil {
		return TextWithCitations{}, fmt.Errorf("extraction call failed: %w", err)
	}

	var answer TextWithCitations
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return TextWithCitations{}, fmt.Errorf("%w: extraction: %v", ErrSchemaValidation, err)
	}
	return answer, nil
}

// summarizeMessages stores token-bounded paraphrases of the user query
// and final response for later context rollover.
func (o *Orchestrator) summarizeMessages(ctx context.Context, req Request, finalResponse string, codec *crypto.Codec) error {
	userSummary := req.Content
	if o.counter.Count(userSummary) > 100 {
		var err error
		userSummary, err = o.generator.Generate(ctx, inference.GenerateRequest{
			Prompt:      buildUserSummaryPrompt(req.Content),
			MaxTokens:   100,
			Temperature: 1.0,
		})
		if err != nil {
			return fmt.Errorf("user summary call failed: %w", err)
		}
	}

	responseSummary := finalResponse
	if o.counter.Count(responseSummary) > 400 {
		var err error
		responseSummary, err = o.generator.Generate(ctx, inference.GenerateRequest{
			Prompt:      buildResponseSummaryPrompt(finalResponse),
			MaxTokens:   400,
			Temperature: 1.0,
		})
		if err != nil {
			return fmt.Errorf("response summary call failed: %w", err)
		}
	}

	userStored, err := codec.EncryptIfEnabled(userSummary)
	if err != nil {
		return err
	}
	responseStored, err := codec.EncryptIfEnabled(responseSummary)
	if err != nil {
		return err
	}

	if err := o.db.SetMessageSummary(ctx, req.UserMessageID, userStored); err != nil {
		return err
	}
	return o.db.SetMessageSummary(ctx, req.AssistantMessageID, responseStored)
}

// prepareContext folds the finished turn into the notebook context.
func (o *Orchestrator) prepareContext(ctx context.Context, req Request, finalResponse string, codec *crypto.Codec) error {
	nc, err := o.db.GetNotebookContext(ctx, req.NotebookID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(nc.Messages))
	for _, m := range nc.Messages {
		ids = append(ids, m.ID)
	}
	summaries, err := o.db.GetMessageSummaries(ctx, ids)
	if err != nil {
		return err
	}

	updated := RolloverContext(nc,
		store.ContextMessage{ID: req.UserMessageID, Content: userPrefix + req.Content},
		store.ContextMessage{ID: req.AssistantMessageID, Content: assistantPrefix + finalResponse},
		o.counter, o.cfg.ContextTokenLimit,
		func(messageID string) string {
			summary, ok := summaries[messageID]
			if !ok {
				return ""
			}
			return codec.DecryptIfEnabled(summary)
		})

	return o.db.UpdateNotebookContext(ctx, req.NotebookID, updated)
}
