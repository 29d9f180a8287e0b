// Package capture turns implicit UI signals observed in a hosted page
// into normalized activity events. The extractor works on a plain
// snapshot of the document tree so every matcher stays testable without
// a live rendering engine, and so nothing here depends on the hosted
// document keeping its structure stable.
package capture

import "strings"

// Node is one element of a document-tree snapshot. Only the properties
// the matchers read are modeled; everything is optional.
type Node struct {
	Tag      string
	Role     string            // landmark role: "dialog", "region", "textbox", "button", ...
	Label    string            // accessible label
	Alt      string            // image alternative text
	Text     string            // direct visible text
	Value    string            // form field value
	Attrs    map[string]string
	Children []*Node

	parent *Node
}

// Snapshot is a point-in-time copy of the hosted document.
type Snapshot struct {
	Title string
	URL   string
	Root  *Node
}

// NewSnapshot links parent pointers so ancestor walks work.
func NewSnapshot(root *Node, title, url string) *Snapshot {
	s := &Snapshot{Title: title, URL: url, Root: root}
	if root != nil {
		link(root, nil)
	}
	return s
}

func link(n *Node, parent *Node) {
	n.parent = parent
	for _, c := range n.Children {
		link(c, n)
	}
}

// Closest walks from the node up through its ancestors and returns the
// first match, or nil.
func (n *Node) Closest(match func(*Node) bool) *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if match(cur) {
			return cur
		}
	}
	return nil
}

// Find returns the first matching node in document order, or nil.
func (n *Node) Find(match func(*Node) bool) *Node {
	if n == nil {
		return nil
	}
	if match(n) {
		return n
	}
	for _, c := range n.Children {
		if found := c.Find(match); found != nil {
			return found
		}
	}
	return nil
}

// FindAll returns every matching node in document order.
func (n *Node) FindAll(match func(*Node) bool) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	if match(n) {
		out = append(out, n)
	}
	for _, c := range n.Children {
		out = append(out, c.FindAll(match)...)
	}
	return out
}

// VisibleText concatenates the subtree's text in document order.
func (n *Node) VisibleText() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.collectText(&b)
	return strings.TrimSpace(b.String())
}

func (n *Node) collectText(b *strings.Builder) {
	if t := strings.TrimSpace(n.Text); t != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	}
	for _, c := range n.Children {
		c.collectText(b)
	}
}

func (s *Snapshot) Find(match func(*Node) bool) *Node {
	if s == nil || s.Root == nil {
		return nil
	}
	return s.Root.Find(match)
}
