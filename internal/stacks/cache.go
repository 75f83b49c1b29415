// Package stacks deduplicates call stacks into a shared prefix trie.
//
// Stacks are inserted root first so that common callers collapse into shared
// paths; the cache grows with the number of distinct stacks, not with the
// number of events that reference them. A Cache is not safe for concurrent
// use; each analysis pass owns its own.
package stacks

import (
	"slices"

	"perftrace-mcp/internal/perf"
)

// Handle identifies one unique root-to-leaf stack.
type Handle int32

const (
	// None is the handle of an absent stack. It resolves to no names.
	None Handle = -1
	// Root is the sentinel node every stack hangs off.
	Root Handle = 0
)

const inlinedModule = "inlined"

type frameKey struct {
	address uint64
	module  string
	symbol  string
}

type node struct {
	frame    perf.Frame
	parent   Handle
	names    []string // display names from root to this frame
	children map[frameKey]Handle
}

// Cache is an arena of trie nodes indexed by Handle.
type Cache struct {
	nodes []node
}

// NewCache returns a cache holding only the "unknown!unknown" root.
func NewCache() *Cache {
	root := perf.Frame{Kind: perf.FrameStack, Module: "unknown", Symbol: "unknown"}
	return &Cache{
		nodes: []node{{
			frame:  root,
			parent: None,
			names:  []string{root.DisplayName()},
		}},
	}
}

// Lookup returns the handle for a leaf-first frame list, inserting nodes for
// any suffix not seen before. Marker frames are skipped. Frames from the
// "inlined" pseudo-module take the module of the nearest caller frame.
func (c *Cache) Lookup(frames []perf.Frame) Handle {
	cur := Root
	var prevModule string
	var path []string

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.Kind != perf.FrameStack {
			continue
		}
		if f.Module == inlinedModule && prevModule != "" {
			f.Module = prevModule
		}
		prevModule = f.Module
		path = append(path, f.DisplayName())

		key := frameKey{address: f.Address, module: f.Module, symbol: f.Symbol}
		n := &c.nodes[cur]
		if child, ok := n.children[key]; ok {
			cur = child
			continue
		}

		if n.children == nil {
			n.children = make(map[frameKey]Handle)
		}
		child := Handle(len(c.nodes))
		n.children[key] = child
		c.nodes = append(c.nodes, node{
			frame:  f,
			parent: cur,
			names:  slices.Clone(path),
		})
		cur = child
	}
	return cur
}

// Names returns the display names of h from root to leaf. The slice is shared
// and must not be modified.
func (c *Cache) Names(h Handle) []string {
	if !c.valid(h) {
		return nil
	}
	return c.nodes[h].names
}

// Frame returns the leaf frame of h.
func (c *Cache) Frame(h Handle) (perf.Frame, bool) {
	if !c.valid(h) {
		return perf.Frame{}, false
	}
	return c.nodes[h].frame, true
}

// Parent returns the caller node of h, or None for the root.
func (c *Cache) Parent(h Handle) Handle {
	if !c.valid(h) {
		return None
	}
	return c.nodes[h].parent
}

// Frames returns the normalized frames of h from root to leaf, excluding the
// sentinel root.
func (c *Cache) Frames(h Handle) []perf.Frame {
	var out []perf.Frame
	for ; c.valid(h) && h != Root; h = c.nodes[h].parent {
		out = append(out, c.nodes[h].frame)
	}
	slices.Reverse(out)
	return out
}

// Depth is the number of frames in h, excluding the root.
func (c *Cache) Depth(h Handle) int {
	if !c.valid(h) || h == Root {
		return 0
	}
	return len(c.nodes[h].names)
}

// Contains reports whether any frame of h has the given display name.
func (c *Cache) Contains(h Handle, displayName string) bool {
	return slices.Contains(c.Names(h), displayName)
}

// Len is the number of nodes including the root.
func (c *Cache) Len() int {
	return len(c.nodes)
}

// Leaves counts nodes without children, excluding an unused root.
func (c *Cache) Leaves() int {
	n := 0
	for i := 1; i < len(c.nodes); i++ {
		if len(c.nodes[i].children) == 0 {
			n++
		}
	}
	return n
}

func (c *Cache) valid(h Handle) bool {
	return h >= 0 && int(h) < len(c.nodes)
}
