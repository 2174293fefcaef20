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

package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanKeywords(t *testing.T) {
	got := cleanKeywords([]string{" alpha ", "", "beta", "alpha", "  ", "gamma"})
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)

	assert.Nil(t, cleanKeywords(nil))
	assert.Nil(t, cleanKeywords([]string{"", "   "}))
}

func TestNotebookContextJSONShape(t *testing.T) {
	nc := NotebookContext{
		Summaries: []string{"USER: earlier question"},
		Messages: []ContextMessage{
			{ID: "m1", Content: "USER: hi"},
			{ID: "m2", Content: "ASSISTANT: hello"},
		},
	}

	raw, err := json.Marshal(nc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"summaries": ["USER: earlier question"],
		"messages": [
			{"id": "m1", "content": "USER: hi"},
			{"id": "m2", "content": "ASSISTANT: hello"}
		]
	}`, string(raw))

	var back NotebookContext
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, nc, back)
}

func TestSourceChunkJSONShape(t *testing.T) {
	raw, err := json.Marshal(SourceChunk{ID: 0, Type: "text", Content: "A"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 0, "type": "text", "content": "A"}`, string(raw))
}
