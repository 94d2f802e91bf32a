package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Block is a single node of the workflow graph. Identity is ID; references
// from other blocks use Name (defaulting to ID when the document omits it).
type Block struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	ParentID string         `json:"parentId,omitempty"`
	Inputs   map[string]any `json:"inputs"`
	Outputs  map[string]any `json:"outputs"`
}

// Edge is a directed dependency between two blocks. Edges whose endpoints
// are not both present in the document are ignored by the scheduler.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Document is a parsed workflow definition: blocks keyed by id plus the
// edge list.
type Document struct {
	Blocks map[string]*Block
	// BlockOrder preserves declaration order so scheduling ties break
	// deterministically.
	BlockOrder []string
	Edges      []Edge
}

// NormalizeName lowers a block name and replaces spaces with underscores.
// Block outputs are stored under both the raw and the normalized key.
func NormalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// Parse decodes a workflow document from raw JSON. Both the plain
// {blocks, edges} shape and the wrapped {state: {blocks, edges}} shape are
// accepted; blocks and edges may each be a mapping or a list.
func Parse(data []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow document: %w", err)
	}

	if state, ok := raw["state"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(state, &inner); err == nil {
			if _, hasBlocks := inner["blocks"]; hasBlocks {
				raw = inner
			}
		}
	}

	doc := &Document{Blocks: make(map[string]*Block)}

	rawBlocks, err := decodeKeyedOrList(raw["blocks"])
	if err != nil {
		return nil, fmt.Errorf("invalid blocks section: %w", err)
	}
	for _, entry := range rawBlocks {
		block, err := parseBlock(entry)
		if err != nil {
			return nil, err
		}
		if _, exists := doc.Blocks[block.ID]; !exists {
			doc.BlockOrder = append(doc.BlockOrder, block.ID)
		}
		doc.Blocks[block.ID] = block
	}

	rawEdges, err := decodeKeyedOrList(raw["edges"])
	if err != nil {
		return nil, fmt.Errorf("invalid edges section: %w", err)
	}
	for _, entry := range rawEdges {
		source, _ := entry["source"].(string)
		target, _ := entry["target"].(string)
		if source != "" && target != "" {
			doc.Edges = append(doc.Edges, Edge{Source: source, Target: target})
		}
	}

	return doc, nil
}

// decodeKeyedOrList accepts either {id: obj} mappings or [obj] lists and
// returns the entries as a slice. Mapping keys become block ids when the
// entry itself carries none; keys are sorted so repeated parses of the same
// document schedule identically.
func decodeKeyedOrList(data json.RawMessage) ([]map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var keyed map[string]map[string]any
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]map[string]any, 0, len(keyed))
	for _, k := range keys {
		entry := keyed[k]
		if entry != nil {
			if _, ok := entry["id"]; !ok {
				entry["id"] = k
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func parseBlock(data map[string]any) (*Block, error) {
	id, _ := data["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("block missing id")
	}

	block := &Block{
		ID:      id,
		Name:    id,
		Type:    "unknown",
		Inputs:  map[string]any{},
		Outputs: map[string]any{},
	}

	if name, ok := data["name"].(string); ok && name != "" {
		block.Name = name
	}
	if typ, ok := data["type"].(string); ok && typ != "" {
		block.Type = typ
	}
	if parent, ok := data["parentId"].(string); ok && parent != "" {
		block.ParentID = parent
	} else if nested, ok := data["data"].(map[string]any); ok {
		if parent, ok := nested["parentId"].(string); ok {
			block.ParentID = parent
		}
	}
	if outputs, ok := data["outputs"].(map[string]any); ok {
		block.Outputs = outputs
	}

	if inputs, ok := data["inputs"].(map[string]any); ok && len(inputs) > 0 {
		block.Inputs = inputs
	} else if subBlocks, ok := data["subBlocks"].(map[string]any); ok {
		block.Inputs = flattenSubBlocks(subBlocks)
	}

	return block, nil
}

// flattenSubBlocks collapses each sub-block's value into a flat input map.
// A "messages" sub-block holding a list of {content} entries is joined into
// a single newline-separated string.
func flattenSubBlocks(subBlocks map[string]any) map[string]any {
	result := make(map[string]any, len(subBlocks))
	for key, sub := range subBlocks {
		entry, ok := sub.(map[string]any)
		if !ok {
			result[key] = sub
			continue
		}
		value, hasValue := entry["value"]
		if !hasValue {
			result[key] = sub
			continue
		}
		if key == "messages" {
			if msgs, ok := value.([]any); ok && len(msgs) > 0 {
				var contents []string
				for _, msg := range msgs {
					if m, ok := msg.(map[string]any); ok {
						content, _ := m["content"].(string)
						contents = append(contents, content)
					}
				}
				result[key] = strings.Join(contents, "\n")
				continue
			}
		}
		result[key] = value
	}
	return result
}
