// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package compare checks an observed span forest against an expected one and
// reports the first point where they diverge.
package compare

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mbeema/tracetck/pkg/traces"
	"go.uber.org/zap"
)

// Mode selects how sibling lists are matched.
type Mode int

const (
	// Ordered compares siblings index by index.
	Ordered Mode = iota
	// Unordered matches siblings as a multiset.
	Unordered
)

func (m Mode) String() string {
	if m == Unordered {
		return "unordered"
	}
	return "ordered"
}

// ParseMode parses "ordered" or "unordered".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ordered":
		return Ordered, nil
	case "unordered":
		return Unordered, nil
	default:
		return Ordered, fmt.Errorf("unknown comparison mode %q", s)
	}
}

// MismatchKind classifies a divergence.
type MismatchKind int

const (
	MismatchRootCount MismatchKind = iota + 1
	MismatchChildCount
	MismatchOperation
	MismatchTagCount
	MismatchTag
	MismatchLogCount
	MismatchLogField
	MismatchUnmatched
)

func (k MismatchKind) String() string {
	switch k {
	case MismatchRootCount:
		return "root count"
	case MismatchChildCount:
		return "child count"
	case MismatchOperation:
		return "operation name"
	case MismatchTagCount:
		return "tag count"
	case MismatchTag:
		return "tag value"
	case MismatchLogCount:
		return "log entry count"
	case MismatchLogField:
		return "log field"
	case MismatchUnmatched:
		return "no matching sibling"
	default:
		return "unknown"
	}
}

// Mismatch describes the first divergence between two forests.
type Mismatch struct {
	Kind      MismatchKind
	Path      string
	Operation string
	Key       string
	Observed  any
	Expected  any
}

func (m *Mismatch) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MISMATCH %s", m.Kind)
	if m.Path != "" {
		fmt.Fprintf(&b, " at %s", m.Path)
	}
	if m.Operation != "" {
		fmt.Fprintf(&b, " (%s)", m.Operation)
	}
	if m.Key != "" {
		fmt.Fprintf(&b, " key=%s", m.Key)
	}
	fmt.Fprintf(&b, ": observed=%v expected=%v", m.Observed, m.Expected)
	return b.String()
}

// Comparator compares normalised forests.
type Comparator struct {
	Mode   Mode
	logger *zap.Logger
}

// New creates a comparator.
func New(mode Mode, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{Mode: mode, logger: logger}
}

// Equal reports whether observed matches expected, logging the first
// mismatch when it does not.
func (c *Comparator) Equal(observed, expected traces.Forest) bool {
	return c.report(c.Compare(observed, expected))
}

// EqualTree is Equal for a single pair of trees.
func (c *Comparator) EqualTree(observed, expected *traces.Node) bool {
	return c.report(c.CompareTree(observed, expected))
}

// Compare returns the first mismatch, or nil when the forests are equal.
func (c *Comparator) Compare(observed, expected traces.Forest) *Mismatch {
	if len(observed) != len(expected) {
		return &Mismatch{
			Kind:     MismatchRootCount,
			Observed: len(observed),
			Expected: len(expected),
		}
	}
	return c.siblings("", "root", observed, expected)
}

// CompareTree returns the first mismatch between two trees.
func (c *Comparator) CompareTree(observed, expected *traces.Node) *Mismatch {
	return c.node("root[0]", observed, expected)
}

func (c *Comparator) report(m *Mismatch) bool {
	if m == nil {
		return true
	}
	if c.logger != nil {
		c.logger.Warn("span tree mismatch",
			zap.String("kind", m.Kind.String()),
			zap.String("path", m.Path),
			zap.String("operation", m.Operation),
			zap.String("key", m.Key),
			zap.Any("observed", m.Observed),
			zap.Any("expected", m.Expected),
		)
	}
	return false
}

// siblings compares two lists already known to have the same length.
func (c *Comparator) siblings(parent, label string, observed, expected []*traces.Node) *Mismatch {
	if c.Mode == Unordered {
		return c.unorderedSiblings(parent, label, observed, expected)
	}

	for i := range expected {
		if m := c.node(childPath(parent, label, i), observed[i], expected[i]); m != nil {
			return m
		}
	}
	return nil
}

// unorderedSiblings pairs each expected node with the first unused observed
// node that equals it. Node equality is an equivalence relation, so greedy
// pairing finds a complete matching whenever one exists.
func (c *Comparator) unorderedSiblings(parent, label string, observed, expected []*traces.Node) *Mismatch {
	used := make([]bool, len(observed))
	for i, exp := range expected {
		path := childPath(parent, label, i)
		var first *Mismatch
		matched := false
		for j, obs := range observed {
			if used[j] {
				continue
			}
			m := c.node(path, obs, exp)
			if m == nil {
				used[j] = true
				matched = true
				break
			}
			if first == nil {
				first = m
			}
		}
		if !matched {
			if len(observed) == 1 && first != nil {
				return first
			}
			return &Mismatch{
				Kind:      MismatchUnmatched,
				Path:      path,
				Operation: exp.Record.Operation,
				Observed:  unusedOperations(observed, used),
				Expected:  exp.Record.Operation,
			}
		}
	}
	return nil
}

func (c *Comparator) node(path string, observed, expected *traces.Node) *Mismatch {
	if m := compareRecord(path, observed.Record, expected.Record); m != nil {
		return m
	}
	if len(observed.Children) != len(expected.Children) {
		return &Mismatch{
			Kind:      MismatchChildCount,
			Path:      path,
			Operation: expected.Record.Operation,
			Observed:  len(observed.Children),
			Expected:  len(expected.Children),
		}
	}
	return c.siblings(path, "child", observed.Children, expected.Children)
}

func compareRecord(path string, observed, expected *traces.Record) *Mismatch {
	if observed.Operation != expected.Operation {
		return &Mismatch{
			Kind:     MismatchOperation,
			Path:     path,
			Observed: observed.Operation,
			Expected: expected.Operation,
		}
	}

	op := expected.Operation
	if len(observed.Tags) != len(expected.Tags) {
		return &Mismatch{
			Kind:      MismatchTagCount,
			Path:      path,
			Operation: op,
			Observed:  len(observed.Tags),
			Expected:  len(expected.Tags),
		}
	}
	for _, k := range sortedKeys(expected.Tags) {
		ev := expected.Tags[k]
		ov, ok := observed.Tags[k]
		if !ok || !traces.ValuesEqual(ov, ev) {
			return &Mismatch{
				Kind:      MismatchTag,
				Path:      path,
				Operation: op,
				Key:       k,
				Observed:  ov,
				Expected:  ev,
			}
		}
	}

	if len(observed.Logs) != len(expected.Logs) {
		return &Mismatch{
			Kind:      MismatchLogCount,
			Path:      path,
			Operation: op,
			Observed:  len(observed.Logs),
			Expected:  len(expected.Logs),
		}
	}
	for i := range expected.Logs {
		if m := compareLog(fmt.Sprintf("%s/log[%d]", path, i), op, observed.Logs[i], expected.Logs[i]); m != nil {
			return m
		}
	}
	return nil
}

func compareLog(path, op string, observed, expected traces.LogEntry) *Mismatch {
	if len(observed) != len(expected) {
		return &Mismatch{
			Kind:      MismatchLogField,
			Path:      path,
			Operation: op,
			Observed:  len(observed),
			Expected:  len(expected),
		}
	}
	for _, k := range sortedKeys(expected) {
		ev := expected[k]
		ov, ok := observed[k]
		if !ok {
			return &Mismatch{Kind: MismatchLogField, Path: path, Operation: op, Key: k, Observed: nil, Expected: ev}
		}
		// error.object is compared for presence only: set on both sides or
		// nil on both.
		if k == traces.LogErrorObject {
			if (ov == nil) != (ev == nil) {
				return &Mismatch{Kind: MismatchLogField, Path: path, Operation: op, Key: k, Observed: ov, Expected: ev}
			}
			continue
		}
		if !traces.ValuesEqual(ov, ev) {
			return &Mismatch{Kind: MismatchLogField, Path: path, Operation: op, Key: k, Observed: ov, Expected: ev}
		}
	}
	return nil
}

func childPath(parent, label string, i int) string {
	p := fmt.Sprintf("%s[%d]", label, i)
	if parent == "" {
		return p
	}
	return parent + "/" + p
}

func unusedOperations(nodes []*traces.Node, used []bool) []string {
	var ops []string
	for i, n := range nodes {
		if !used[i] {
			ops = append(ops, n.Record.Operation)
		}
	}
	return ops
}

func sortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
