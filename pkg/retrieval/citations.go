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
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var citationSpanRe = regexp.MustCompile(`<span[^>]*data-citation="true"[^>]*>\[([a-f0-9-]{36})\]</span>`)

// FinalizeResponse turns the generator's [CITATION: N] markers into
// citation spans. Citations sharing a (sourceId, chunkId) pair collapse
// into one span identity, markers never used in the text are dropped,
// and the surviving spans are renumbered 1..M by first appearance.
func FinalizeResponse(twc TextWithCitations) string {
	text := rewriteCitations(twc)
	return renumberCitations(text)
}

// rewriteCitations replaces each used [CITATION: N] marker with a span
// keyed by a fresh UUID. Duplicate (sourceId, chunkId) citations reuse
// the first one's UUID so renumbering sees a single identity.
func rewriteCitations(twc TextWithCitations) string {
	text := twc.Text

	type identity struct {
		sourceID string
		chunkID  string
	}
	uuids := make(map[identity]string)

	for _, c := range twc.Citations {
		pattern := regexp.MustCompile(`\[CITATION:\s*` + regexp.QuoteMeta(c.Citation) + `\s*\]`)
		if !pattern.MatchString(text) {
			continue
		}

		key := identity{sourceID: c.SourceID, chunkID: c.ChunkID}
		id, ok := uuids[key]
		if !ok {
			id = uuid.NewString()
			uuids[key] = id
		}

		span := fmt.Sprintf(
			`<span data-citation="true" data-exact-text="%s" data-source-id="%s" data-chunk-id="%s" data-summary="%s">[%s]</span>`,
			escapeAttr(c.ExactText), c.SourceID, c.ChunkID, escapeAttr(c.BriefSummary), id)

		text = pattern.ReplaceAllLiteralString(text, span)
	}

	return text
}

// renumberCitations rewrites span placeholders to dense 1-based numbers
// in order of first appearance.
func renumberCitations(text string) string {
	order := make(map[string]int)
	next := 1

	for _, m := range citationSpanRe.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if _, seen := order[id]; !seen {
			order[id] = next
			next++
		}
	}

	for id, n := range order {
		text = strings.ReplaceAll(text, "["+id+"]", fmt.Sprintf("[%d]", n))
	}

	return text
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, `'`, "&apos;")
	return s
}
