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

// Package splitter implements a recursive, separator-ordered text
// splitter. Separators are tried in order; when a piece is still too
// large the next separator in the cascade takes over. Lengths and
// overlap are measured in code points.
package splitter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Config configures a Splitter.
type Config struct {
	// ChunkSize is the target maximum chunk length in code points.
	ChunkSize int

	// ChunkOverlap is how many trailing code points of one chunk are
	// repeated at the start of the next.
	ChunkOverlap int

	// Separators is the ordered cascade. The empty string must come
	// last and means "split into single characters".
	Separators []string

	// IsSeparatorRegex treats each separator as a regular expression
	// instead of a literal.
	IsSeparatorRegex bool

	// KeepSeparator keeps the matched separator attached to the start
	// of the following piece instead of discarding it.
	KeepSeparator bool
}

// Splitter splits text recursively along a separator cascade.
type Splitter struct {
	config Config
}

// New creates a Splitter. ChunkSize must be positive; a zero overlap
// is valid.
func New(cfg Config) *Splitter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = []string{"\n\n", "\n", " ", ""}
	}
	return &Splitter{config: cfg}
}

// MarkerSafeSeparators is the cascade used throughout the chunker. The
// img-tag and marker entries exist so splits never land inside an
// `<img .../>` tag or a `<<<n>>>` provenance marker.
func MarkerSafeSeparators() []string {
	return []string{
		"\n\n",
		"\n",
		`<img[^>]*/>`,
		"<<<",
		">>>",
		" ",
		"",
	}
}

// SplitMixedContent splits markdown that may carry img tags and
// provenance markers, using the marker-safe cascade.
func SplitMixedContent(text string, chunkSize, chunkOverlap int) []string {
	s := New(Config{
		ChunkSize:        chunkSize,
		ChunkOverlap:     chunkOverlap,
		Separators:       MarkerSafeSeparators(),
		IsSeparatorRegex: true,
		KeepSeparator:    true,
	})
	return s.Split(text)
}

// Split splits text into chunks of at most ChunkSize code points,
// except for atomic fragments that no separator can reduce.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.config.Separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	var finalChunks []string

	// Pick the first separator that occurs in the text; the rest of
	// the cascade handles pieces that are still too large.
	separator := separators[len(separators)-1]
	var next []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if regexp.MustCompile(s.pattern(sep)).MatchString(text) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	splits := s.splitBySeparator(text, separator)

	mergeSep := separator
	if s.config.KeepSeparator {
		mergeSep = ""
	}

	var good []string
	for _, piece := range splits {
		if utf8.RuneCountInString(piece) < s.config.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			finalChunks = append(finalChunks, s.merge(good, mergeSep)...)
			good = nil
		}
		if len(next) == 0 {
			// Atomic fragment: emitted as-is even though oversized.
			finalChunks = append(finalChunks, piece)
		} else {
			finalChunks = append(finalChunks, s.split(piece, next)...)
		}
	}
	if len(good) > 0 {
		finalChunks = append(finalChunks, s.merge(good, mergeSep)...)
	}

	return finalChunks
}

func (s *Splitter) pattern(sep string) string {
	if s.config.IsSeparatorRegex {
		return sep
	}
	return regexp.QuoteMeta(sep)
}

// splitBySeparator splits text on the separator. With KeepSeparator the
// separator stays glued to the front of the piece that follows it.
func (s *Splitter) splitBySeparator(text, separator string) []string {
	if separator == "" {
		runes := []rune(text)
		out := make([]string, 0, len(runes))
		for _, r := range runes {
			out = append(out, string(r))
		}
		return out
	}

	re := regexp.MustCompile(s.pattern(separator))

	var pieces []string
	if s.config.KeepSeparator {
		locs := re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			pieces = []string{text}
		} else {
			pieces = append(pieces, text[:locs[0][0]])
			for i, loc := range locs {
				end := len(text)
				if i+1 < len(locs) {
					end = locs[i+1][0]
				}
				pieces = append(pieces, text[loc[0]:loc[1]]+text[loc[1]:end])
			}
		}
	} else {
		pieces = re.Split(text, -1)
	}

	out := pieces[:0]
	for _, p := range pieces {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// merge greedily packs small pieces into chunks up to ChunkSize,
// carrying ChunkOverlap code points across chunk boundaries.
func (s *Splitter) merge(splits []string, separator string) []string {
	sepLen := utf8.RuneCountInString(separator)

	var docs []string
	var current []string
	total := 0

	for _, d := range splits {
		dLen := utf8.RuneCountInString(d)

		join := 0
		if len(current) > 0 {
			join = sepLen
		}

		if total+dLen+join > s.config.ChunkSize && len(current) > 0 {
			if doc := joinDocs(current, separator); doc != "" {
				docs = append(docs, doc)
			}
			// Pop from the front until within the overlap budget and
			// the incoming piece fits.
			for total > s.config.ChunkOverlap ||
				(len(current) > 0 && total > 0 && overflows(total, dLen, sepLen, len(current), s.config.ChunkSize)) {
				dec := utf8.RuneCountInString(current[0])
				if len(current) > 1 {
					dec += sepLen
				}
				total -= dec
				current = current[1:]
				if len(current) == 0 {
					break
				}
			}
		}

		current = append(current, d)
		total += dLen
		if len(current) > 1 {
			total += sepLen
		}
	}

	if doc := joinDocs(current, separator); doc != "" {
		docs = append(docs, doc)
	}

	return docs
}

func overflows(total, incoming, sepLen, pieces, chunkSize int) bool {
	join := 0
	if pieces > 0 {
		join = sepLen
	}
	return total+incoming+join > chunkSize
}

func joinDocs(docs []string, separator string) string {
	return strings.TrimSpace(strings.Join(docs, separator))
}
