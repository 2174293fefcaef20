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

// Package retrieval answers a notebook question: it optimizes the query,
// runs hybrid search, reranks, asks the generator for a cited answer and
// folds the turn into the notebook context, emitting a checkpoint before
// each phase.
package retrieval

// Checkpoint marks the start of one retrieval phase. The SSE adapter
// forwards each one to the client as it is emitted.
type Checkpoint string

const (
	PreparingQuestion     Checkpoint = "preparing_question"
	RetrievingChunks      Checkpoint = "retrieving_chunks"
	GettingParentChunks   Checkpoint = "getting_parent_chunks"
	FilteringParentChunks Checkpoint = "filtering_parent_chunks"
	ExtractingContent     Checkpoint = "extracting_content"
	GeneratingResponse    Checkpoint = "generating_response"
	SummarizingContent    Checkpoint = "summarizing_content"
	PreparingContext      Checkpoint = "preparing_context"
	SavingToDB            Checkpoint = "saving_to_db"
	CleaningUp            Checkpoint = "cleaning_up"
)

// OptimizedQuery is one search-ready variant of the user question,
// enriched stage by stage as the pipeline runs.
type OptimizedQuery struct {
	ID             string   `json:"id"`
	OptimizedQuery string   `json:"optimized_query"`
	Keywords       []string `json:"keywords"`

	Embedding []float32     `json:"-"`
	ParentIDs []string      `json:"-"`
	Parents   []ParentChunk `json:"-"`
}

// ParentChunk is a fetched parent with its display form. Content keeps
// the provenance markers; CleanContent has them stripped for reranking.
type ParentChunk struct {
	ID           string
	SourceID     string
	Content      string
	CleanContent string
}

// FilteredParent is a parent that survived reranking.
type FilteredParent struct {
	ID       string
	SourceID string
	Content  string
}

// FilteredQueryResult pairs a query with its reranked parents.
type FilteredQueryResult struct {
	Query   string
	Parents []FilteredParent
}

// Citation is one source reference in a generated answer. ChunkID is
// the numeric marker id from the cited chunk's <<<id>>> wrapper.
type Citation struct {
	Citation     string `json:"citation" jsonschema_description:"The citation number as a string, matching a [CITATION: N] marker in the text."`
	SourceID     string `json:"sourceId" jsonschema_description:"The SOURCE_ID of the chunk this citation came from."`
	ChunkID      string `json:"chunkId" jsonschema_description:"The numeric ID from the <<<id>>> markers inside the chunk content, as a string."`
	ExactText    string `json:"exact_text" jsonschema_description:"The verbatim text from the chunk that supports the claim."`
	BriefSummary string `json:"brief_summary" jsonschema_description:"A one or two sentence summary of what this citation contributes. Plain text only."`
}

// TextWithCitations is the schema-constrained generator output for the
// extraction phase.
type TextWithCitations struct {
	Text      string     `json:"text" jsonschema_description:"The answer text with embedded [CITATION: N] markers. Plain text or simple markdown only."`
	Citations []Citation `json:"citations" jsonschema_description:"One entry per [CITATION: N] marker used in the text."`
}

// LLMOptimizedQuery is the schema-constrained shape of one optimizer
// output entry.
type LLMOptimizedQuery struct {
	OptimizedQuery string   `json:"optimized_query" jsonschema_description:"The fully de-contextualized, specific question optimized for vector search."`
	Keywords       []string `json:"keywords" jsonschema_description:"Top 3-5 unique technical keywords for keyword search."`
}

// QueryOptimizer is the schema-constrained optimizer output.
type QueryOptimizer struct {
	Queries []LLMOptimizedQuery `json:"queries" jsonschema_description:"List of optimized query and keyword objects."`
}
