// Package ccda parses C-CDA clinical documents into a generic element tree.
// Time-bearing elements can appear at any depth, and their clinical meaning
// comes from enclosing elements, so the tree keeps parent links for ancestor
// walks instead of binding to typed section structs.
package ccda

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Node is one XML element with its attributes, text content, and links to
// parent and children.
type Node struct {
	Tag      string // local name, namespace stripped
	Attr     map[string]string
	Text     string
	Parent   *Node
	Children []*Node
}

// Parse decodes a C-CDA document into an element tree rooted at the
// document element.
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)

	var root *Node
	var cur *Node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{
				Tag:    t.Name.Local,
				Attr:   make(map[string]string, len(t.Attr)),
				Parent: cur,
			}
			for _, a := range t.Attr {
				node.Attr[a.Name.Local] = a.Value
			}
			if cur != nil {
				cur.Children = append(cur.Children, node)
			} else if root == nil {
				root = node
			}
			cur = node
		case xml.EndElement:
			if cur != nil {
				cur = cur.Parent
			}
		case xml.CharData:
			if cur != nil {
				cur.Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("parsing document: no root element")
	}
	return root, nil
}

// Walk visits every node in document order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Child returns the first direct child with the given tag, or nil.
func (n *Node) Child(tag string) *Node {
	for _, c := range n.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// TrimmedText returns the node's character data with surrounding whitespace
// removed.
func (n *Node) TrimmedText() string {
	return strings.TrimSpace(n.Text)
}

// NearestAncestor walks upward and returns the closest ancestor whose tag is
// in the given set, or nil.
func (n *Node) NearestAncestor(tags map[string]bool) *Node {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if tags[cur.Tag] {
			return cur
		}
	}
	return nil
}

// NearestSectionTitle walks upward to the closest enclosing section and
// returns its title text. The walk stops at the first section even when its
// title is empty.
func (n *Node) NearestSectionTitle() string {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Tag != "section" {
			continue
		}
		if title := cur.Child("title"); title != nil {
			return title.TrimmedText()
		}
		return ""
	}
	return ""
}
