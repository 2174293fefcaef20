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

// Package chunker turns a markdown document into the three chunk
// families the store persists: flat document chunks (the retrieval
// unit), parent chunks (the generation context) and child chunks (the
// embedded search unit). Provenance markers <<<n>>>...<<</n>>> tie
// parents and children back to the document chunks they cover.
package chunker

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/tome/pkg/markdown"
	"github.com/kadirpekel/tome/pkg/splitter"
)

const (
	// DocumentChunkSize is the flat chunk size; these carry no overlap
	// so citations map to disjoint spans of the source.
	DocumentChunkSize = 300

	ParentChunkSize    = 2000
	ParentChunkOverlap = 200

	ChildChunkSize    = 500
	ChildChunkOverlap = 100
)

var markerRe = regexp.MustCompile(`<<</?(\d+)>>>`)

// DocumentChunk is a flat span of the source document. IDs are dense
// from zero in document order.
type DocumentChunk struct {
	ID      int
	Type    markdown.SegmentType
	Content string
}

// ParentChunk is a marker-bearing span sized for the generation
// context. ChildIDs lists the document chunk IDs whose markers appear
// in Content, sorted ascending.
type ParentChunk struct {
	ID       string
	Content  string
	ChildIDs []int
}

// ChildChunk is the embedded search unit. Content has markers stripped;
// ParentIDs lists the parents covering any document chunk this child
// overlaps.
type ChildChunk struct {
	ID        string
	Content   string
	ParentIDs []string
}

// Result holds the full chunking output for one document.
type Result struct {
	DocumentChunks []DocumentChunk
	ParentChunks   []ParentChunk
	ChildChunks    []ChildChunk
}

// Process chunks a markdown document. Tables are never split: each
// table becomes a single document chunk regardless of size.
func Process(text string) Result {
	segments := markdown.Segments(text)

	docChunks := documentChunks(segments)
	marked := markedSpans(docChunks)
	parents := parentChunks(marked)
	children := childChunks(marked, parents)

	return Result{
		DocumentChunks: docChunks,
		ParentChunks:   parents,
		ChildChunks:    children,
	}
}

// documentChunks splits text segments at DocumentChunkSize and passes
// tables through whole, numbering everything in document order.
func documentChunks(segments []markdown.Segment) []DocumentChunk {
	var chunks []DocumentChunk
	id := 0

	for _, seg := range segments {
		if seg.Type == markdown.SegmentText {
			for _, c := range splitter.SplitMixedContent(seg.Content, DocumentChunkSize, 0) {
				chunks = append(chunks, DocumentChunk{ID: id, Type: markdown.SegmentText, Content: c})
				id++
			}
			continue
		}
		chunks = append(chunks, DocumentChunk{ID: id, Type: markdown.SegmentTable, Content: seg.Content})
		id++
	}

	return chunks
}

// markedSpan is a run of marker-wrapped document chunks. Consecutive
// text chunks coalesce into one span; each table stands alone so the
// parent and child splits never cut through it.
type markedSpan struct {
	segType markdown.SegmentType
	content string
}

func markedSpans(chunks []DocumentChunk) []markedSpan {
	var spans []markedSpan
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			spans = append(spans, markedSpan{segType: markdown.SegmentText, content: text.String()})
			text.Reset()
		}
	}

	for _, c := range chunks {
		wrapped := fmt.Sprintf("<<<%d>>>%s<<</%d>>>", c.ID, c.Content, c.ID)
		if c.Type == markdown.SegmentText {
			text.WriteString(wrapped)
			continue
		}
		flush()
		spans = append(spans, markedSpan{segType: markdown.SegmentTable, content: wrapped})
	}
	flush()

	return spans
}

func parentChunks(spans []markedSpan) []ParentChunk {
	var parents []ParentChunk

	for _, span := range spans {
		if span.segType == markdown.SegmentTable {
			parents = append(parents, ParentChunk{
				ID:       uuid.NewString(),
				Content:  span.content,
				ChildIDs: extractChunkIDs(span.content),
			})
			continue
		}
		for _, content := range splitter.SplitMixedContent(span.content, ParentChunkSize, ParentChunkOverlap) {
			parents = append(parents, ParentChunk{
				ID:       uuid.NewString(),
				Content:  content,
				ChildIDs: extractChunkIDs(content),
			})
		}
	}

	return parents
}

func childChunks(spans []markedSpan, parents []ParentChunk) []ChildChunk {
	// Map each document chunk ID to every parent whose span covers it.
	coverage := make(map[int][]string)
	for _, p := range parents {
		for _, id := range p.ChildIDs {
			coverage[id] = append(coverage[id], p.ID)
		}
	}

	var children []ChildChunk
	add := func(content string) {
		children = append(children, ChildChunk{
			ID:        uuid.NewString(),
			Content:   StripMarkers(content),
			ParentIDs: parentsOf(content, coverage),
		})
	}

	for _, span := range spans {
		if span.segType == markdown.SegmentTable {
			add(span.content)
			continue
		}
		for _, content := range splitter.SplitMixedContent(span.content, ChildChunkSize, ChildChunkOverlap) {
			add(content)
		}
	}

	return children
}

// extractChunkIDs returns the sorted unique document chunk IDs named by
// the markers in content.
func extractChunkIDs(content string) []int {
	seen := make(map[int]struct{})
	for _, m := range markerRe.FindAllStringSubmatch(content, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// parentsOf resolves the marker IDs in content through the coverage map
// and returns the deduplicated parent IDs in chunk-ID order.
func parentsOf(content string, coverage map[int][]string) []string {
	var out []string
	seen := make(map[string]struct{})

	for _, id := range extractChunkIDs(content) {
		for _, parentID := range coverage[id] {
			if _, dup := seen[parentID]; dup {
				continue
			}
			seen[parentID] = struct{}{}
			out = append(out, parentID)
		}
	}

	return out
}

// StripMarkers removes all provenance markers from content.
func StripMarkers(content string) string {
	return markerRe.ReplaceAllString(content, "")
}
