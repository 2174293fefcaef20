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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/tome/pkg/store"
	"github.com/kadirpekel/tome/pkg/tokens"
)

func testCounter(t *testing.T) *tokens.Counter {
	t.Helper()
	counter, err := tokens.NewCounter("gpt-4")
	require.NoError(t, err)
	return counter
}

func TestRolloverKeepsShortHistoryVerbatim(t *testing.T) {
	counter := testCounter(t)

	nc := store.NotebookContext{
		Messages: []store.ContextMessage{
			{ID: "m1", Content: "USER: a short question"},
			{ID: "m2", Content: "ASSISTANT: a short answer"},
		},
	}

	out := RolloverContext(nc,
		store.ContextMessage{ID: "m3", Content: "USER: follow up"},
		store.ContextMessage{ID: "m4", Content: "ASSISTANT: follow up answer"},
		counter, 8000,
		func(string) string { return "" })

	assert.Empty(t, out.Summaries)
	require.Len(t, out.Messages, 4)
	assert.Equal(t, "m4", out.Messages[3].ID)
}

func TestRolloverDemotesOldestBeyondBudget(t *testing.T) {
	counter := testCounter(t)

	// Each message costs well over 100 tokens; a budget of 500 keeps
	// only the newest few.
	long := strings.Repeat("retrieval augmented generation pipeline design ", 40)
	var msgs []store.ContextMessage
	for i := 0; i < 10; i++ {
		role := "USER: "
		if i%2 == 1 {
			role = "ASSISTANT: "
		}
		msgs = append(msgs, store.ContextMessage{ID: fmt.Sprintf("m%d", i), Content: role + long})
	}

	stored := map[string]string{}
	for _, m := range msgs {
		stored[m.ID] = "summary of " + m.ID
	}

	out := RolloverContext(store.NotebookContext{Messages: msgs},
		store.ContextMessage{ID: "mu", Content: "USER: " + long},
		store.ContextMessage{ID: "ma", Content: "ASSISTANT: " + long},
		counter, 500,
		func(id string) string { return stored[id] })

	// The verbatim tail fits the budget.
	total := 0
	for _, m := range out.Messages {
		total += counter.Count(m.Content)
	}
	assert.LessOrEqual(t, total, 500)
	require.NotEmpty(t, out.Messages)
	assert.Equal(t, "ma", out.Messages[len(out.Messages)-1].ID)

	// Demoted messages became summaries in chronological order with
	// role prefixes.
	require.NotEmpty(t, out.Summaries)
	assert.Equal(t, "USER: summary of m0", out.Summaries[0])
	assert.Equal(t, "ASSISTANT: summary of m1", out.Summaries[1])

	// Every prior message is accounted for either verbatim or as a
	// summary.
	covered := len(out.Messages) + len(out.Summaries)
	assert.Equal(t, 12, covered)
}

func TestRolloverFallsBackToContentWithoutSummary(t *testing.T) {
	counter := testCounter(t)

	long := strings.Repeat("words ", 300)
	nc := store.NotebookContext{
		Messages: []store.ContextMessage{
			{ID: "old", Content: "USER: " + long},
		},
	}

	out := RolloverContext(nc,
		store.ContextMessage{ID: "u", Content: "USER: " + long},
		store.ContextMessage{ID: "a", Content: "ASSISTANT: " + long},
		counter, 500,
		func(string) string { return "" })

	require.NotEmpty(t, out.Summaries)
	assert.True(t, strings.HasPrefix(out.Summaries[0], "USER: "))
	assert.Contains(t, out.Summaries[0], "words")
}

func TestTrimSummariesDropsOldestFirst(t *testing.T) {
	counter := testCounter(t)

	big := strings.Repeat("summary content here ", 50)
	summaries := []string{big, big, "small"}

	out := trimSummaries(summaries, counter, counter.Count(big)+counter.Count("small"))

	require.Len(t, out, 2)
	assert.Equal(t, "small", out[1])
}
