package elg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

var errInvalidRetryPolicy = elgerr.New(elgerr.CodeConfigInvalid, "invalid retry policy")

// Node is one vertex of an execution graph.
type Node[S any] struct {
	ID   string
	Name string
	Fn   NodeFunc[S]

	timeout      int64 // milliseconds; 0 inherits the engine default
	retry        *RetryPolicy
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// Edge is a keyed, optionally conditional transition. A node routes by
// returning Goto(key); the condition, when present, is evaluated against
// the node's output.
type Edge struct {
	Key  string
	From string
	To   string
	When func(output any) bool
}

// NodeOption tunes a node at registration time.
type NodeOption func(*nodeConfig) error

type nodeConfig struct {
	name         string
	timeoutMs    int64
	retry        *RetryPolicy
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// WithName attaches a display name.
func WithName(name string) NodeOption {
	return func(c *nodeConfig) error {
		c.name = name
		return nil
	}
}

// WithTimeout overrides the engine's per-node timeout for this node.
func WithTimeout(ms int64) NodeOption {
	return func(c *nodeConfig) error {
		if ms < 0 {
			return elgerr.New(elgerr.CodeConfigInvalid, "node timeout cannot be negative")
		}
		c.timeoutMs = ms
		return nil
	}
}

// WithRetryPolicy attaches automatic retries to this node.
func WithRetryPolicy(rp RetryPolicy) NodeOption {
	return func(c *nodeConfig) error {
		if err := rp.Validate(); err != nil {
			return err
		}
		c.retry = &rp
		return nil
	}
}

// WithInputSchema validates the node's input against a JSON schema before
// each invocation. A violation fails the step without running the node.
func WithInputSchema(schemaJSON string) NodeOption {
	return func(c *nodeConfig) error {
		s, err := compileNodeSchema(schemaJSON)
		if err != nil {
			return err
		}
		c.inputSchema = s
		return nil
	}
}

// WithOutputSchema validates the node's output after each invocation.
func WithOutputSchema(schemaJSON string) NodeOption {
	return func(c *nodeConfig) error {
		s, err := compileNodeSchema(schemaJSON)
		if err != nil {
			return err
		}
		c.outputSchema = s
		return nil
	}
}

func compileNodeSchema(schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("inline.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeConfigInvalid, "invalid node schema")
	}
	s, err := c.Compile("inline.json")
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeConfigInvalid, "invalid node schema")
	}
	return s, nil
}

// Graph is an immutable-after-Validate execution graph. Nodes are keyed by
// id; edges are keyed transitions evaluated by the engine's router.
type Graph[S any] struct {
	ID      string
	Version string

	nodes   map[string]*Node[S]
	edges   map[string][]Edge // outgoing edges by source node
	entry   string
	initial func() S
}

// New creates an empty graph. initial produces the run's starting state;
// nil defaults to the zero value of S.
func New[S any](id, version string, initial func() S) *Graph[S] {
	if initial == nil {
		initial = func() S { var zero S; return zero }
	}
	return &Graph[S]{
		ID:      id,
		Version: version,
		nodes:   make(map[string]*Node[S]),
		edges:   make(map[string][]Edge),
		initial: initial,
	}
}

// Add registers a node.
func (g *Graph[S]) Add(id string, fn NodeFunc[S], opts ...NodeOption) error {
	if id == "" {
		return elgerr.New(elgerr.CodeConfigInvalid, "node id cannot be empty")
	}
	if fn == nil {
		return elgerr.New(elgerr.CodeConfigInvalid, "node function cannot be nil")
	}
	if _, exists := g.nodes[id]; exists {
		return elgerr.Newf(elgerr.CodeConfigInvalid, "duplicate node id %q", id)
	}

	cfg := nodeConfig{name: id}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return err
		}
	}
	g.nodes[id] = &Node[S]{
		ID:           id,
		Name:         cfg.name,
		Fn:           fn,
		timeout:      cfg.timeoutMs,
		retry:        cfg.retry,
		inputSchema:  cfg.inputSchema,
		outputSchema: cfg.outputSchema,
	}
	return nil
}

// Connect registers an outgoing edge under key. when is optional; a nil
// condition matches whenever a node routes to key.
func (g *Graph[S]) Connect(key, from, to string, when func(output any) bool) error {
	if key == "" || from == "" || to == "" {
		return elgerr.New(elgerr.CodeConfigInvalid, "edge key, from and to are required")
	}
	g.edges[from] = append(g.edges[from], Edge{Key: key, From: from, To: to, When: when})
	return nil
}

// StartAt sets the entry node.
func (g *Graph[S]) StartAt(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return elgerr.Newf(elgerr.CodeConfigInvalid, "start node %q does not exist", id)
	}
	g.entry = id
	return nil
}

// Validate checks structural integrity: an entry node is set and every
// edge references registered nodes. Ambiguity between same-key edges is a
// runtime condition (it depends on edge conditions and node output), so it
// is not checked here.
func (g *Graph[S]) Validate() error {
	if g.entry == "" {
		return elgerr.New(elgerr.CodeConfigInvalid, "graph has no start node")
	}
	if len(g.nodes) == 0 {
		return elgerr.New(elgerr.CodeConfigInvalid, "graph has no nodes")
	}
	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return elgerr.Newf(elgerr.CodeConfigInvalid, "edge source %q is not a node", from)
		}
		for _, edge := range edges {
			if _, ok := g.nodes[edge.To]; !ok {
				return elgerr.Newf(elgerr.CodeConfigInvalid,
					"edge %q from %q targets unknown node %q", edge.Key, from, edge.To)
			}
		}
	}
	return nil
}

// Node returns a registered node by id.
func (g *Graph[S]) Node(id string) (*Node[S], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Entry returns the entry node id.
func (g *Graph[S]) Entry() string { return g.entry }

// InitialState produces the run's starting state.
func (g *Graph[S]) InitialState() S { return g.initial() }

// route resolves the edge a node's Next selects. Exactly one edge must
// match: the key narrows candidates, then conditions filter on the output.
func (g *Graph[S]) route(from, key string, output any) (Edge, error) {
	var matches []Edge
	for _, edge := range g.edges[from] {
		if edge.Key != key {
			continue
		}
		if edge.When != nil && !edge.When(output) {
			continue
		}
		matches = append(matches, edge)
	}
	switch len(matches) {
	case 0:
		return Edge{}, elgerr.Newf(elgerr.CodeUnroutedNext,
			"node %q routed to %q but no edge matches", from, key).
			WithDetail("nodeId", from).
			WithDetail("nextKey", key)
	case 1:
		return matches[0], nil
	default:
		targets := make([]string, len(matches))
		for i, m := range matches {
			targets[i] = m.To
		}
		return Edge{}, elgerr.Newf(elgerr.CodeAmbiguousNext,
			"node %q key %q matches %d edges", from, key, len(matches)).
			WithDetail("nodeId", from).
			WithDetail("nextKey", key).
			WithDetail("targets", targets)
	}
}

// validateAgainst checks a value against a compiled node schema.
func validateAgainst(s *jsonschema.Schema, value any, what, nodeID string) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeNodeFailed, fmt.Sprintf("marshal node %s", what))
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return elgerr.Wrap(err, elgerr.CodeNodeFailed, fmt.Sprintf("decode node %s", what))
	}
	if err := s.Validate(generic); err != nil {
		return elgerr.Wrap(err, elgerr.CodeNodeFailed,
			fmt.Sprintf("node %q %s schema violation", nodeID, what))
	}
	return nil
}
