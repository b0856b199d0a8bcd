// Package node implements the tree-shaped message unit of the web session
// protocol and its compact binary wire encoding.
//
// A Node has a name, an ordered list of string attributes and exactly one
// body variant, fixed when the node is built:
//
//	ping := node.New("ping", node.Attr{Key: "tag", Value: "1700000000.--1"})
//	query := node.NewList("query", []node.Attr{{Key: "type", Value: "message"}}, ping)
//	media := node.NewBinary("enc", nil, ciphertext)
//
//	data, err := node.Encode(query)
//	decoded, err := node.Decode(data)
//	decoded.Equal(query) // true
package node

import (
	"bytes"
	"fmt"
	"strings"
)

// BodyKind identifies which body variant a Node carries.
type BodyKind uint8

const (
	// BodyEmpty is a node without content.
	BodyEmpty BodyKind = iota
	// BodyChildren is a node whose content is a list of child nodes, possibly empty.
	BodyChildren
	// BodyBinary is a node whose content is an opaque byte payload.
	BodyBinary
)

// String returns the body kind name.
func (k BodyKind) String() string {
	switch k {
	case BodyEmpty:
		return "empty"
	case BodyChildren:
		return "children"
	case BodyBinary:
		return "binary"
	default:
		return fmt.Sprintf("BodyKind(%d)", uint8(k))
	}
}

// Attr is a single attribute. Attribute order is significant on the wire.
type Attr struct {
	Key   string
	Value string
}

// Node is an immutable protocol tree value.
type Node struct {
	Name  string
	Attrs []Attr

	kind     BodyKind
	children []Node
	payload  []byte
}

// New builds a node with no body.
func New(name string, attrs ...Attr) Node {
	return Node{Name: name, Attrs: attrs, kind: BodyEmpty}
}

// NewList builds a node whose body is the given child list.
// A list with zero children is still a list body.
func NewList(name string, attrs []Attr, children ...Node) Node {
	if children == nil {
		children = []Node{}
	}
	return Node{Name: name, Attrs: attrs, kind: BodyChildren, children: children}
}

// NewBinary builds a node whose body is an opaque payload.
func NewBinary(name string, attrs []Attr, payload []byte) Node {
	if payload == nil {
		payload = []byte{}
	}
	return Node{Name: name, Attrs: attrs, kind: BodyBinary, payload: payload}
}

// Kind reports the body variant.
func (n Node) Kind() BodyKind { return n.kind }

// Children returns the child list, or nil when the body is not a list.
func (n Node) Children() []Node {
	if n.kind != BodyChildren {
		return nil
	}
	return n.children
}

// Payload returns the binary body, or nil when the body is not binary.
func (n Node) Payload() []byte {
	if n.kind != BodyBinary {
		return nil
	}
	return n.payload
}

// Attr returns the value of the first attribute named key.
func (n Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or def when absent.
func (n Node) AttrOr(key, def string) string {
	if v, ok := n.Attr(key); ok {
		return v
	}
	return def
}

// WithAttr returns a copy of n with key set to value. An existing attribute
// keeps its position; a new one is appended. The body is shared.
func (n Node) WithAttr(key, value string) Node {
	attrs := make([]Attr, 0, len(n.Attrs)+1)
	replaced := false
	for _, a := range n.Attrs {
		if a.Key == key && !replaced {
			a.Value = value
			replaced = true
		}
		attrs = append(attrs, a)
	}
	if !replaced {
		attrs = append(attrs, Attr{Key: key, Value: value})
	}
	n.Attrs = attrs
	return n
}

// Child returns the first child named name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children() {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// ChildrenNamed returns every child named name, in order.
func (n Node) ChildrenNamed(name string) []Node {
	var out []Node
	for _, c := range n.Children() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Equal reports whether two nodes have the same name, attributes in the same
// order, body variant and body content.
func (n Node) Equal(o Node) bool {
	if n.Name != o.Name || n.kind != o.kind || len(n.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range n.Attrs {
		if n.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	switch n.kind {
	case BodyChildren:
		if len(n.children) != len(o.children) {
			return false
		}
		for i := range n.children {
			if !n.children[i].Equal(o.children[i]) {
				return false
			}
		}
	case BodyBinary:
		return bytes.Equal(n.payload, o.payload)
	}
	return true
}

// String renders the node as an XML-like string for logs. Binary bodies are
// summarised by length.
func (n Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n Node) write(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(n.Name)
	for _, a := range n.Attrs {
		fmt.Fprintf(b, " %s=%q", a.Key, a.Value)
	}
	switch n.kind {
	case BodyEmpty:
		b.WriteString("/>")
		return
	case BodyBinary:
		fmt.Fprintf(b, ">[%d bytes]", len(n.payload))
	case BodyChildren:
		b.WriteByte('>')
		for _, c := range n.children {
			c.write(b)
		}
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteByte('>')
}
