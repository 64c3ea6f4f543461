package workflow

import (
	"encoding/json"
	"fmt"
	"os"
)

// Node is a single typed step of a workflow graph. Inputs mixes literal
// parameters with [nodeID, outputIndex] edges; only literals matter here.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a workflow document in the runtime's prompt format: node id to
// node. The core treats it as an immutable input.
type Graph map[string]Node

// ParseGraph decodes a workflow graph document.
func ParseGraph(data []byte) (Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse workflow graph: %w", err)
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("workflow graph has no nodes")
	}
	return g, nil
}

// LoadGraph reads and parses a workflow graph from disk.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseGraph(data)
}

// InputString returns a string-valued input parameter, distinguishing
// literal strings from edge references and other literal types.
func (n Node) InputString(key string) (string, bool) {
	v, ok := n.Inputs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
