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

// Package pdfsplit slices an uploaded PDF into page groups sized for
// parallel parsing. Group size balances two pressures: never more
// groups than the parser fan-out allows, never groups so small the
// per-call overhead dominates.
package pdfsplit

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const pdfMagic = "%PDF"

// PageRange is an inclusive 1-based page span.
type PageRange struct {
	Start int
	End   int
}

// DecodeBase64 decodes an uploaded PDF payload. A data-URI prefix
// ("data:application/pdf;base64,...") is stripped if present, and the
// decoded bytes must start with the PDF magic.
func DecodeBase64(payload string) ([]byte, error) {
	if strings.Contains(payload, ",") && strings.Contains(payload, "base64") {
		payload = payload[strings.Index(payload, ",")+1:]
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	if !bytes.HasPrefix(data, []byte(pdfMagic)) {
		return nil, fmt.Errorf("payload is not a PDF")
	}
	return data, nil
}

// PageGroups partitions totalPages into contiguous ranges. The group
// size is the larger of minPages and ceil(totalPages/maxParallel), so
// the number of groups never exceeds maxParallel.
func PageGroups(totalPages, maxParallel, minPages int) []PageRange {
	if totalPages <= 0 || maxParallel <= 0 {
		return nil
	}

	size := (totalPages + maxParallel - 1) / maxParallel
	if size < minPages {
		size = minPages
	}

	var groups []PageRange
	for start := 1; start <= totalPages; start += size {
		end := start + size - 1
		if end > totalPages {
			end = totalPages
		}
		groups = append(groups, PageRange{Start: start, End: end})
	}
	return groups
}

// Split decodes the base64 payload and returns one sub-PDF per page
// group, in page order.
func Split(payload string, maxParallel, minPages int) ([][]byte, error) {
	data, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}

	total, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF structure: %w", err)
	}

	groups := PageGroups(total, maxParallel, minPages)

	parts := make([][]byte, 0, len(groups))
	for _, g := range groups {
		var buf bytes.Buffer
		pages := []string{fmt.Sprintf("%d-%d", g.Start, g.End)}
		if err := api.Trim(bytes.NewReader(data), &buf, pages, nil); err != nil {
			return nil, fmt.Errorf("failed to extract pages %d-%d: %w", g.Start, g.End, err)
		}
		parts = append(parts, buf.Bytes())
	}

	return parts, nil
}
