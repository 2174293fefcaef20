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

// Package markdown splits a markdown document into an ordered sequence
// of TEXT and TABLE segments. Tables are located by parsing with
// CommonMark plus the table extension and mapping each table block back
// to its source line range; everything between tables becomes a TEXT
// segment.
package markdown

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	east "github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// SegmentType tags a segment as prose or table.
type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentTable SegmentType = "table"
)

// Segment is one TEXT or TABLE span of the source document.
type Segment struct {
	Type    SegmentType
	Content string
}

type lineRange struct {
	start int // inclusive line index
	end   int // exclusive line index
}

// Segments splits source into ordered TEXT and TABLE segments.
// Concatenating the emitted contents with "\n" reproduces the document
// up to whitespace-only gaps, which are dropped.
func Segments(source string) []Segment {
	lines := strings.Split(source, "\n")
	ranges := tableRanges(source, lines)

	var out []Segment
	cursor := 0

	for _, r := range ranges {
		if r.start > cursor {
			textContent := strings.Join(lines[cursor:r.start], "\n")
			if strings.TrimSpace(textContent) != "" {
				out = append(out, Segment{Type: SegmentText, Content: textContent})
			}
		}

		out = append(out, Segment{
			Type:    SegmentTable,
			Content: strings.Join(lines[r.start:r.end], "\n"),
		})

		cursor = r.end
	}

	if cursor < len(lines) {
		remaining := strings.Join(lines[cursor:], "\n")
		if strings.TrimSpace(remaining) != "" {
			out = append(out, Segment{Type: SegmentText, Content: remaining})
		}
	}

	return out
}

// tableRanges parses the source and returns the line range of every
// table block, ascending and non-overlapping.
func tableRanges(source string, lines []string) []lineRange {
	md := goldmark.New(goldmark.WithExtensions(east.Table))
	src := []byte(source)
	doc := md.Parser().Parse(text.NewReader(src))

	// Byte offset of the start of each line, for mapping AST segments
	// back to line numbers.
	lineStarts := make([]int, len(lines)+1)
	offset := 0
	for i, line := range lines {
		lineStarts[i] = offset
		offset += len(line) + 1
	}
	lineStarts[len(lines)] = offset

	lineOf := func(byteOffset int) int {
		idx := sort.Search(len(lines), func(i int) bool {
			return lineStarts[i+1] > byteOffset
		})
		if idx >= len(lines) {
			idx = len(lines) - 1
		}
		return idx
	}

	var ranges []lineRange

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if _, ok := n.(*extast.Table); !ok {
			return ast.WalkContinue, nil
		}

		minStart, maxStop := -1, -1
		_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			update := func(start, stop int) {
				if minStart == -1 || start < minStart {
					minStart = start
				}
				if stop > maxStop {
					maxStop = stop
				}
			}
			if t, ok := child.(*ast.Text); ok {
				update(t.Segment.Start, t.Segment.Stop)
			}
			if child.Type() == ast.TypeBlock {
				if l := child.Lines(); l != nil {
					for i := 0; i < l.Len(); i++ {
						seg := l.At(i)
						update(seg.Start, seg.Stop)
					}
				}
			}
			return ast.WalkContinue, nil
		})

		if minStart >= 0 {
			ranges = append(ranges, lineRange{
				start: lineOf(minStart),
				end:   lineOf(maxStop-1) + 1,
			})
		}
		return ast.WalkSkipChildren, nil
	})

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return ranges
}
