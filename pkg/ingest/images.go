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

package ingest

import (
	"regexp"
	"strings"
)

// imageRefRe matches markdown image refs: ![alt](name).
var imageRefRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^\)]+)\)`)

// escapeAttr makes a caption safe inside a double-quoted HTML attribute.
func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, `'`, "&apos;")
	return s
}

// RewriteImageRefs replaces every markdown image ref whose target is a
// known image UUID with an <img id=... alt=.../> tag carrying the
// caption. A missing caption keeps the original alt text; refs to
// unknown targets are left untouched.
func RewriteImageRefs(markdown string, captions map[string]string, known map[string]bool) string {
	return imageRefRe.ReplaceAllStringFunc(markdown, func(ref string) string {
		groups := imageRefRe.FindStringSubmatch(ref)
		alt, id := groups[1], groups[2]

		if !known[id] {
			return ref
		}

		caption, ok := captions[id]
		if !ok || caption == "" {
			caption = alt
		}
		return `<img id=` + id + ` alt="` + escapeAttr(caption) + `"/>`
	})
}
