// Package canvas provides the in-memory document tree the reference command
// set operates on. It stands in for the canvas application the host runtime
// is embedded in; geometry and styling depth stay deliberately thin.
package canvas

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"canvaslink/internal/domain"
)

// NodeType discriminates the node kinds the tree supports.
type NodeType string

const (
	NodeFrame     NodeType = "frame"
	NodeRectangle NodeType = "rectangle"
	NodeText      NodeType = "text"
)

// Node is one element of the document tree. Only frames may have children.
type Node struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type"`
	Name       string   `json:"name"`
	ParentID   string   `json:"parentId,omitempty"`
	Children   []string `json:"children,omitempty"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Characters string   `json:"characters,omitempty"`
	FontSize   float64  `json:"fontSize,omitempty"`
}

// Info summarizes the document for get_document_info.
type Info struct {
	Name      string   `json:"name"`
	NodeCount int      `json:"nodeCount"`
	TopLevel  []string `json:"topLevel"`
}

// Document is the mutable node tree. It is safe for concurrent use; chunked
// handlers touch items of one command in parallel.
type Document struct {
	mu    sync.RWMutex
	name  string
	nodes map[string]*Node
	roots []string
}

// NewDocument creates an empty document.
func NewDocument(name string) *Document {
	return &Document{
		name:  name,
		nodes: make(map[string]*Node),
	}
}

// Info returns the document summary.
func (d *Document) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Info{
		Name:      d.name,
		NodeCount: len(d.nodes),
		TopLevel:  append([]string(nil), d.roots...),
	}
}

// Node returns a copy of the node with the given id.
func (d *Document) Node(id string) (Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return Node{}, domain.NewSubSystemError("canvas", "Document.Node", domain.ErrNotFound, id)
	}
	return copyNode(n), nil
}

// NodeCount reports how many nodes the document holds.
func (d *Document) NodeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// CreateFrame adds a frame node. parentID may be empty for a top-level frame.
func (d *Document) CreateFrame(parentID, name string, x, y, width, height float64) (Node, error) {
	return d.create(&Node{
		Type:   NodeFrame,
		Name:   name,
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}, parentID)
}

// CreateRectangle adds a rectangle node.
func (d *Document) CreateRectangle(parentID, name string, x, y, width, height float64) (Node, error) {
	return d.create(&Node{
		Type:   NodeRectangle,
		Name:   name,
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}, parentID)
}

// CreateText adds a text node.
func (d *Document) CreateText(parentID, name, characters string, x, y, fontSize float64) (Node, error) {
	if fontSize <= 0 {
		fontSize = 12
	}
	return d.create(&Node{
		Type:       NodeText,
		Name:       name,
		Characters: characters,
		X:          x,
		Y:          y,
		FontSize:   fontSize,
	}, parentID)
}

// SetTextContent replaces the characters of a text node.
func (d *Document) SetTextContent(id, characters string) (Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return Node{}, domain.NewSubSystemError("canvas", "Document.SetTextContent", domain.ErrNotFound, id)
	}
	if n.Type != NodeText {
		return Node{}, domain.NewSubSystemError("canvas", "Document.SetTextContent", domain.ErrUnsupported,
			fmt.Sprintf("node %s is a %s, not text", id, n.Type))
	}
	n.Characters = characters
	return copyNode(n), nil
}

// DeleteNode removes a node and its whole subtree, returning how many nodes
// went away.
func (d *Document) DeleteNode(id string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return 0, domain.NewSubSystemError("canvas", "Document.DeleteNode", domain.ErrNotFound, id)
	}

	if n.ParentID == "" {
		d.roots = remove(d.roots, id)
	} else if parent, ok := d.nodes[n.ParentID]; ok {
		parent.Children = remove(parent.Children, id)
	}

	return d.deleteSubtree(id), nil
}

// Subtree returns the ids of rootID and every descendant in depth-first
// document order. An empty rootID walks the whole document.
func (d *Document) Subtree(rootID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	starts := d.roots
	if rootID != "" {
		if _, ok := d.nodes[rootID]; !ok {
			return nil, domain.NewSubSystemError("canvas", "Document.Subtree", domain.ErrNotFound, rootID)
		}
		starts = []string{rootID}
	}

	var ids []string
	var walk func(id string)
	walk = func(id string) {
		n, ok := d.nodes[id]
		if !ok {
			return
		}
		ids = append(ids, id)
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, id := range starts {
		walk(id)
	}
	return ids, nil
}

// TextNodesIn returns the ids of all text nodes under rootID, in document
// order. An empty rootID scans the whole document.
func (d *Document) TextNodesIn(rootID string) ([]string, error) {
	ids, err := d.Subtree(rootID)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var texts []string
	for _, id := range ids {
		if n, ok := d.nodes[id]; ok && n.Type == NodeText {
			texts = append(texts, id)
		}
	}
	return texts, nil
}

// create attaches a new node under parentID. Caller passes a node without an
// id; ids are assigned here.
func (d *Document) create(n *Node, parentID string) (Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var parent *Node
	if parentID != "" {
		var ok bool
		parent, ok = d.nodes[parentID]
		if !ok {
			return Node{}, domain.NewSubSystemError("canvas", "Document.Create", domain.ErrNotFound, parentID)
		}
		if parent.Type != NodeFrame {
			return Node{}, domain.NewSubSystemError("canvas", "Document.Create", domain.ErrUnsupported,
				fmt.Sprintf("%s nodes cannot have children", parent.Type))
		}
		n.ParentID = parentID
	}

	n.ID = uuid.NewString()
	d.nodes[n.ID] = n
	if parent != nil {
		parent.Children = append(parent.Children, n.ID)
	} else {
		d.roots = append(d.roots, n.ID)
	}
	return copyNode(n), nil
}

func (d *Document) deleteSubtree(id string) int {
	n, ok := d.nodes[id]
	if !ok {
		return 0
	}
	count := 1
	for _, child := range n.Children {
		count += d.deleteSubtree(child)
	}
	delete(d.nodes, id)
	return count
}

func copyNode(n *Node) Node {
	out := *n
	out.Children = append([]string(nil), n.Children...)
	return out
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
