// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrUnresolvedParent is returned in strict mode when a record names a
	// parent that is not part of the collection.
	ErrUnresolvedParent = errors.New("unresolved parent span")

	// ErrDuplicateSpan is returned in strict mode when two records share a span ID.
	ErrDuplicateSpan = errors.New("duplicate span id")

	// ErrCycle is returned in strict mode when parent links form a loop.
	ErrCycle = errors.New("parent links form a cycle")
)

// UnresolvedParentError identifies the record whose parent is missing.
type UnresolvedParentError struct {
	SpanID    string
	ParentID  string
	Operation string
}

func (e *UnresolvedParentError) Error() string {
	return fmt.Sprintf("span %s (%s): parent %s not found", e.SpanID, e.Operation, e.ParentID)
}

func (e *UnresolvedParentError) Unwrap() error { return ErrUnresolvedParent }

// Node owns one record and its ordered children.
type Node struct {
	Record   *Record
	Children []*Node
}

// NewNode wraps a record with optional children.
func NewNode(r *Record, children ...*Node) *Node {
	return &Node{Record: r, Children: children}
}

// Walk visits n and its descendants in preorder. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(n *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *Node) Count() int {
	total := 0
	n.Walk(func(*Node, int) bool {
		total++
		return true
	})
	return total
}

// Depth returns the number of levels in the subtree rooted at n.
func (n *Node) Depth() int {
	deepest := 0
	for _, c := range n.Children {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Clone deep-copies the subtree.
func (n *Node) Clone() *Node {
	c := &Node{Record: n.Record.Clone()}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// String renders the subtree as an indented outline.
func (n *Node) String() string {
	var b strings.Builder
	n.Walk(func(x *Node, depth int) bool {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(x.Record.Operation)
		if len(x.Record.Tags) > 0 {
			b.WriteString(" ")
			b.WriteString(formatTags(x.Record.Tags))
		}
		if len(x.Record.Logs) > 0 {
			fmt.Fprintf(&b, " logs=%d", len(x.Record.Logs))
		}
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

// Forest is the ordered list of root nodes.
type Forest []*Node

// Walk visits every node of every tree in preorder.
func (f Forest) Walk(fn func(n *Node, depth int) bool) {
	for _, root := range f {
		root.Walk(fn)
	}
}

// Count returns the total number of nodes.
func (f Forest) Count() int {
	total := 0
	for _, root := range f {
		total += root.Count()
	}
	return total
}

// Clone deep-copies the forest.
func (f Forest) Clone() Forest {
	if f == nil {
		return nil
	}
	c := make(Forest, len(f))
	for i, root := range f {
		c[i] = root.Clone()
	}
	return c
}

func (f Forest) String() string {
	var b strings.Builder
	for _, root := range f {
		b.WriteString(root.String())
	}
	return b.String()
}

// Builder assembles flat records into a forest.
type Builder struct {
	// Strict rejects unresolved parents, duplicate IDs and cycles instead
	// of tolerating them.
	Strict bool

	logger *zap.Logger
}

// NewBuilder creates a tree builder.
func NewBuilder(strict bool, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{Strict: strict, logger: logger}
}

// Build links records to their parents. Children keep the relative order in
// which their records appear in the input; the input is never re-sorted.
func (b *Builder) Build(records []*Record) (Forest, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	nodes := make([]*Node, len(records))
	byID := make(map[string]*Node, len(records))
	for i, r := range records {
		n := &Node{Record: r}
		nodes[i] = n
		if _, dup := byID[r.SpanID]; dup {
			if b.Strict {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateSpan, r.SpanID)
			}
			logger.Debug("duplicate span id, first record keeps the slot",
				zap.String("span_id", r.SpanID),
				zap.String("operation", r.Operation),
			)
			continue
		}
		byID[r.SpanID] = n
	}

	var roots Forest
	orphans := 0
	for _, n := range nodes {
		r := n.Record
		if r.IsRoot() {
			roots = append(roots, n)
			continue
		}
		parent, ok := byID[r.ParentID]
		if !ok || parent == n {
			if b.Strict {
				return nil, &UnresolvedParentError{SpanID: r.SpanID, ParentID: r.ParentID, Operation: r.Operation}
			}
			orphans++
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	if orphans > 0 {
		logger.Debug("records with unresolved parents promoted to roots", zap.Int("count", orphans))
	}

	if reached := roots.Count(); reached != len(nodes) {
		if b.Strict {
			return nil, fmt.Errorf("%w: %d of %d records unreachable", ErrCycle, len(nodes)-reached, len(nodes))
		}
		var cut int
		roots, cut = breakCycles(roots, nodes, byID)
		logger.Warn("parent cycles cut, one record of each promoted to root",
			zap.Int("unreachable", len(nodes)-reached),
			zap.Int("cycles", cut),
			zap.Int("records", len(nodes)),
		)
	}

	return roots, nil
}

// breakCycles keeps every node in the forest. Nodes not reachable from a
// root hang off a parent cycle; for each such cycle the first node found on
// it is detached from its parent and appended to roots.
func breakCycles(roots Forest, nodes []*Node, byID map[string]*Node) (Forest, int) {
	reached := make(map[*Node]bool, len(nodes))
	mark := func(n *Node, _ int) bool {
		reached[n] = true
		return true
	}
	roots.Walk(mark)

	cut := 0
	for _, n := range nodes {
		if reached[n] {
			continue
		}
		// Unreached nodes always have a resolved, unreached parent, so
		// climbing ends on a node of the cycle.
		seen := make(map[*Node]bool)
		cur := n
		for !seen[cur] {
			seen[cur] = true
			cur = byID[cur.Record.ParentID]
		}
		parent := byID[cur.Record.ParentID]
		for i, c := range parent.Children {
			if c == cur {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		roots = append(roots, cur)
		cur.Walk(mark)
		cut++
	}
	return roots, cut
}

// Build assembles records into a forest in tolerant mode.
func Build(records []*Record) Forest {
	f, _ := (&Builder{}).Build(records)
	return f
}

func formatTags(tags map[string]any) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(FormatValue(tags[k]))
	}
	b.WriteByte('}')
	return b.String()
}
