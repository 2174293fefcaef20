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
	"fmt"
	"strings"
)

func buildOptimizerPrompt(userInput, contextSummary string) string {
	var b strings.Builder

	b.WriteString(`<|im_start|>system
You are a RAG query optimizer. Your job is to rewrite the user's raw input into a search-optimized format.
1. optimized_query: Remove fluff, resolve pronouns, and make it standalone.
2. keywords: Extract technical nouns for keyword search.
Split the input into multiple queries only when it asks several distinct things.`)

	if contextSummary != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(contextSummary)
	}

	b.WriteString("<|im_end|>\n<|im_start|>user\n")
	b.WriteString(userInput)
	b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	return b.String()
}

func buildExtractionPrompt(userQuery string, parents []FilteredParent) string {
	var chunks strings.Builder
	for _, p := range parents {
		fmt.Fprintf(&chunks, "ID: %s\nSOURCE_ID: %s\nCONTENT: %s\n---\n", p.ID, p.SourceID, p.Content)
	}

	return fmt.Sprintf(`<|im_start|>system
You are a RAG response generator with citation support. Generate a comprehensive, detailed and well-structured answer to the user's query using the provided document chunks.

**Instructions:**
1. Generate a detailed answer that directly addresses the user's query, using information from as many relevant chunks as possible.
2. For every factual claim taken from a chunk, include a citation marker in the format [CITATION: N] where N is a sequential number starting from 1.
3. Place citation markers immediately after the relevant information.
4. Every citation in the citations array MUST have a corresponding [CITATION: N] marker in the text; do not list citations you never reference.
5. Output ONLY a JSON object matching the TextWithCitations schema.

**Citation requirements:** each citation carries the citation number, the SOURCE_ID of the chunk, the chunkId from the <<<id>>> markers inside the chunk content, the verbatim supporting text and a one or two sentence summary.

**Input Data:**
User Query: %q

**Source Chunks:**
%s<|im_end|>
<|im_start|>user
Generate a detailed, comprehensive answer with proper citations. Return strictly JSON matching the TextWithCitations schema.<|im_end|>
<|im_start|>assistant
`, userQuery, chunks.String())
}

func buildUserSummaryPrompt(userQuery string) string {
	return "Summarise the following user query to 100 tokens or less: " + userQuery
}

func buildResponseSummaryPrompt(finalResponse string) string {
	return "Summarise the following final response to 400 tokens or less: " + finalResponse
}
