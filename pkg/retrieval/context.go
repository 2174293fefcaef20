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
	"strings"

	"github.com/kadirpekel/tome/pkg/store"
	"github.com/kadirpekel/tome/pkg/tokens"
)

const (
	userPrefix      = "USER: "
	assistantPrefix = "ASSISTANT: "
)

// RolloverContext appends the new turn to the notebook context and
// demotes older messages to summaries so the verbatim tail stays within
// tokenLimit. summaryOf resolves a demoted message's stored summary; an
// empty result falls back to the message content.
func RolloverContext(nc store.NotebookContext, userMsg, assistantMsg store.ContextMessage,
	counter *tokens.Counter, tokenLimit int, summaryOf func(messageID string) string) store.NotebookContext {

	nc.Messages = append(nc.Messages, userMsg, assistantMsg)

	// Walk newest to oldest; the first message that would blow the
	// budget marks the split point.
	total := 0
	splitIndex := 0
	for i := len(nc.Messages) - 1; i >= 0; i-- {
		cost := counter.Count(nc.Messages[i].Content)
		if total+cost > tokenLimit {
			splitIndex = i + 1
			break
		}
		total += cost
	}

	demoted := nc.Messages[:splitIndex]
	nc.Messages = append([]store.ContextMessage(nil), nc.Messages[splitIndex:]...)

	for _, msg := range demoted {
		summary := summaryOf(msg.ID)
		if summary == "" {
			summary = stripRolePrefix(msg.Content)
		}
		nc.Summaries = append(nc.Summaries, rolePrefix(msg.Content)+summary)
	}

	nc.Summaries = trimSummaries(nc.Summaries, counter, tokenLimit)

	return nc
}

// trimSummaries drops oldest-first until the remaining summaries fit
// the token budget.
func trimSummaries(summaries []string, counter *tokens.Counter, tokenLimit int) []string {
	total := 0
	keepFrom := 0
	for i := len(summaries) - 1; i >= 0; i-- {
		cost := counter.Count(summaries[i])
		if total+cost > tokenLimit {
			keepFrom = i + 1
			break
		}
		total += cost
	}
	if keepFrom == 0 {
		return summaries
	}
	return append([]string(nil), summaries[keepFrom:]...)
}

// rolePrefix returns the role tag carried at the front of a context
// message's content.
func rolePrefix(content string) string {
	if strings.HasPrefix(content, assistantPrefix) {
		return assistantPrefix
	}
	return userPrefix
}

func stripRolePrefix(content string) string {
	if strings.HasPrefix(content, assistantPrefix) {
		return strings.TrimPrefix(content, assistantPrefix)
	}
	return strings.TrimPrefix(content, userPrefix)
}
