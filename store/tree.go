// Package store implements the store process: a hierarchical key-value
// tree served to every attached domain over its vbstore ring page.
package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bobuhiro11/gosoo/vbstore"
)

type node struct {
	value    []byte
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) clone() *node {
	c := &node{
		value:    append([]byte(nil), n.value...),
		children: make(map[string]*node, len(n.children)),
	}

	for name, child := range n.children {
		c.children[name] = child.clone()
	}

	return c
}

// Tree is the configuration tree. It is not safe for concurrent use.
type Tree struct {
	root *node
}

// NewTree returns a tree holding only the root.
func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// Clone returns a deep copy of t.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root.clone()}
}

// splitPath turns "/a/b" or "a/b" into its components. The root is the
// empty list.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" || strings.ContainsRune(p, 0) {
			return nil, fmt.Errorf("%q: %w", path, vbstore.ErrInvalid)
		}
	}

	return parts, nil
}

// Canonical returns path in the form used for watch matching.
func Canonical(path string) string {
	return "/" + strings.Trim(path, "/")
}

func (t *Tree) lookup(path string) (*node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	n := t.root

	for _, p := range parts {
		child, ok := n.children[p]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, vbstore.ErrNotFound)
		}

		n = child
	}

	return n, nil
}

func (t *Tree) create(path string) (*node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	n := t.root

	for _, p := range parts {
		child, ok := n.children[p]
		if !ok {
			child = newNode()
			n.children[p] = child
		}

		n = child
	}

	return n, nil
}

// Read returns a copy of the value at path.
func (t *Tree) Read(path string) ([]byte, error) {
	n, err := t.lookup(path)
	if err != nil {
		return nil, err
	}

	return append([]byte{}, n.value...), nil
}

// Write sets the value at path, creating missing nodes.
func (t *Tree) Write(path string, value []byte) error {
	n, err := t.create(path)
	if err != nil {
		return err
	}

	n.value = append([]byte{}, value...)

	return nil
}

// Mkdir creates path if it does not exist.
func (t *Tree) Mkdir(path string) error {
	_, err := t.create(path)

	return err
}

// Rm removes path and its subtree. The root cannot be removed.
func (t *Tree) Rm(path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	if len(parts) == 0 {
		return fmt.Errorf("rm /: %w", vbstore.ErrInvalid)
	}

	parent, err := t.lookup(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return err
	}

	last := parts[len(parts)-1]
	if _, ok := parent.children[last]; !ok {
		return fmt.Errorf("%s: %w", path, vbstore.ErrNotFound)
	}

	delete(parent.children, last)

	return nil
}

// Directory lists the children of path in lexical order.
func (t *Tree) Directory(path string) ([]string, error) {
	n, err := t.lookup(path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// Exists reports whether path names a node.
func (t *Tree) Exists(path string) bool {
	_, err := t.lookup(path)

	return err == nil
}
