// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TokenGenerator produces correlation tokens unique within one run.
type TokenGenerator interface {
	Next() string
}

// CounterTokens hands out increasing integers starting after Start.
type CounterTokens struct {
	n atomic.Int64
}

// NewCounterTokens creates a counter whose first token is start+1.
func NewCounterTokens(start int64) *CounterTokens {
	c := &CounterTokens{}
	c.n.Store(start)
	return c
}

func (c *CounterTokens) Next() string {
	return strconv.FormatInt(c.n.Add(1), 10)
}

// UUIDTokens hands out random UUIDs without dashes.
type UUIDTokens struct{}

func (UUIDTokens) Next() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TokensFor returns the generator registered under name ("counter" or "uuid").
func TokensFor(name string) (TokenGenerator, error) {
	switch name {
	case "", "counter":
		return NewCounterTokens(0), nil
	case "uuid":
		return UUIDTokens{}, nil
	default:
		return nil, fmt.Errorf("unknown token generator %q", name)
	}
}

// ExtractToken returns the value following "<param>=" in s, up to the next
// '&' or the end of s.
func ExtractToken(s, param string) (string, bool) {
	anchor := param + "="
	i := strings.Index(s, anchor)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(anchor):]
	if j := strings.IndexByte(rest, '&'); j >= 0 {
		rest = rest[:j]
	}
	return rest, true
}

// Bag is a concurrency-safe multiset of tokens. Workers add, the verifier
// takes; each added token can be taken once.
type Bag struct {
	mu     sync.Mutex
	counts map[string]int
	size   int
}

// NewBag creates an empty bag.
func NewBag() *Bag {
	return &Bag{counts: make(map[string]int)}
}

// Add inserts one occurrence of token.
func (b *Bag) Add(token string) {
	b.mu.Lock()
	b.counts[token]++
	b.size++
	b.mu.Unlock()
}

// Take removes one occurrence of token and reports whether there was one.
func (b *Bag) Take(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.counts[token]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(b.counts, token)
	} else {
		b.counts[token] = n - 1
	}
	b.size--
	return true
}

// Len returns the number of occurrences left.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Remaining lists the tokens not yet taken, one entry per occurrence.
func (b *Bag) Remaining() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for tok, n := range b.counts {
		for i := 0; i < n; i++ {
			out = append(out, tok)
		}
	}
	return out
}
