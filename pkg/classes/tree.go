package classes

import (
	"fmt"
	"io"
	"slices"
	"strings"
)

// Node is a class in a class hierarchy. The root of a hierarchy built from
// the generic entity has a nil Class.
type Node struct {
	Name       string
	Class      RecordClass
	Subclasses []*Node
}

// Tree builds the hierarchy of known classes below root, or below the
// generic entity when root is empty. Classes are inserted under their
// declared base until no further insertions succeed. Classes whose base
// never appears in the tree are left out.
func (r *Registry) Tree(root string) *Node {
	tree := &Node{Name: RootName}

	if root != "" && root != RootName {
		c, ok := r.ByName(root)
		if !ok {
			return &Node{Name: root}
		}
		tree = &Node{Name: root, Class: c}
	}

	remaining := slices.DeleteFunc(r.All(), func(c RecordClass) bool {
		return c.Name() == tree.Name
	})

	for len(remaining) > 0 {
		inserted := -1

		for i, c := range remaining {
			if tree.insert(c) {
				inserted = i
				break
			}
		}

		if inserted < 0 {
			break
		}

		remaining = slices.Delete(remaining, inserted, inserted+1)
	}

	return tree
}

func (n *Node) insert(c RecordClass) bool {
	base := c.BaseName()
	if base == "" {
		base = RootName
	}

	if base == n.Name {
		n.Subclasses = append(n.Subclasses, &Node{Name: c.Name(), Class: c})
		return true
	}

	for _, sub := range n.Subclasses {
		if sub.insert(c) {
			return true
		}
	}

	return false
}

// Find returns the node for the named class, if it is part of the tree.
func (n *Node) Find(name string) (*Node, bool) {
	if n.Name == name {
		return n, true
	}

	for _, sub := range n.Subclasses {
		if found, ok := sub.Find(name); ok {
			return found, true
		}
	}

	return nil, false
}

// Print writes the tree to w, one class per line, indented by depth.
func (n *Node) Print(w io.Writer) {
	n.print(w, 0)
}

func (n *Node) print(w io.Writer, depth int) {
	fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), n.Name)
	for _, sub := range n.Subclasses {
		sub.print(w, depth+1)
	}
}
