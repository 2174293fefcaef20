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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// queryOptimizerSchema is the JSON schema string for the optimizer call.
func queryOptimizerSchema() (string, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&QueryOptimizer{})

	out, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode optimizer schema: %w", err)
	}
	return string(out), nil
}

// textWithCitationsSchema builds the extraction schema, constraining
// sourceId to the values actually present in the prompt so the model
// cannot invent sources.
func textWithCitationsSchema(sourceIDs []string) (string, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&TextWithCitations{})

	raw, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode citation schema: %w", err)
	}

	if len(sourceIDs) == 0 {
		return string(raw), nil
	}

	// Inject the enum through a generic map; the reflector's typed tree
	// does not expose per-property mutation cleanly.
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", fmt.Errorf("failed to decode citation schema: %w", err)
	}

	enum := make([]any, len(sourceIDs))
	for i, id := range sourceIDs {
		enum[i] = id
	}

	// A miss here means the model would be free to invent sources, so
	// the constraint must never degrade silently.
	sourceID, err := schemaProperty(tree, "properties", "citations", "items", "properties", "sourceId")
	if err != nil {
		return "", fmt.Errorf("citation schema has unexpected shape: %w", err)
	}
	sourceID["enum"] = enum

	out, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("failed to re-encode citation schema: %w", err)
	}
	return string(out), nil
}

// schemaProperty walks a decoded schema along the given keys, requiring
// an object at every step.
func schemaProperty(tree map[string]any, path ...string) (map[string]any, error) {
	node := tree
	for i, key := range path {
		next, ok := node[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("missing object at %q", strings.Join(path[:i+1], "."))
		}
		node = next
	}
	return node, nil
}
